package gemini

import (
	"errors"
	"testing"

	"google.golang.org/genai"
)

func TestExtractResultImagesAndText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{
				{Text: "here you go"},
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte{0x89, 0x50}}},
			}}},
		},
	}

	out := ExtractResult(resp)
	if len(out.Images) != 1 || out.MimeType != "image/png" {
		t.Fatalf("unexpected images: %+v", out)
	}
	if out.Text != "here you go" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
}

func TestExtractResultTextOnlyRefusal(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: "I can't help with that."}}}},
		},
	}
	out := ExtractResult(resp)
	if len(out.Images) != 0 || out.Text != "I can't help with that." {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestExtractResultEmpty(t *testing.T) {
	if out := ExtractResult(nil); len(out.Images) != 0 || out.Text != "" {
		t.Fatalf("expected empty result, got %+v", out)
	}
	if out := ExtractResult(&genai.GenerateContentResponse{}); len(out.Images) != 0 || out.Text != "" {
		t.Fatalf("expected empty result, got %+v", out)
	}

	blocked := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}
	if out := ExtractResult(blocked); out.Text == "" {
		t.Fatalf("expected finish reason surfaced as text")
	}
}

func TestIs429Error(t *testing.T) {
	cases := map[string]bool{
		"Error 429, Message: Resource has been exhausted": true,
		"RESOURCE_EXHAUSTED":                              true,
		"quota exceeded for project":                      true,
		"Error 400: invalid argument":                     false,
	}
	for msg, want := range cases {
		if got := is429Error(errors.New(msg)); got != want {
			t.Errorf("is429Error(%q) = %v, want %v", msg, got, want)
		}
	}
	if is429Error(nil) {
		t.Errorf("nil error should not be 429")
	}
}
