package fallback

import (
	"net/http"
	"strconv"
	"strings"
)

// SafeString returns a trimmed string or the provided fallback.
func SafeString(value string, fallback string) string {
	if s := strings.TrimSpace(value); s != "" {
		return s
	}
	return fallback
}

// SafeBool parses form-style booleans ("on", "yes", "1", "true") with a fallback
// for empty or unrecognised values.
func SafeBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return fallback
	case "on", "yes", "y":
		return true
	case "off", "no", "n":
		return false
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
		return b
	}
	return fallback
}

// DetectMimeType sniffs image bytes, ignoring whatever the client claimed.
func DetectMimeType(data []byte) string {
	return http.DetectContentType(data)
}

// TruncateString cuts s to maxLen runes and marks the cut.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
