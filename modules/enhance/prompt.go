package enhance

import (
	"strings"

	"photo-enhance-server/modules/common/fallback"
)

const maxInstructionLength = 500

// BuildPrompt appends optional user instructions to the fixed enhancement prompt.
func BuildPrompt(base, instructions string) string {
	extra := fallback.SafeString(instructions, "")
	if extra == "" {
		return base
	}
	extra = fallback.TruncateString(strings.Join(strings.Fields(extra), " "), maxInstructionLength)

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n[ADDITIONAL INSTRUCTIONS]\n")
	sb.WriteString(extra)
	return sb.String()
}
