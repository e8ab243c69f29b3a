package gemini

import (
	"context"
	"fmt"
	"log"
	"strings"

	"google.golang.org/genai"

	"photo-enhance-server/modules/common/model"
)

// Client - Gemini 이미지 생성 클라이언트
type Client struct {
	apiKeys   []string
	model     string
	newClient func(ctx context.Context, apiKey string) (*genai.Client, error)
}

// NewClient - Gemini 클라이언트 생성
func NewClient(apiKeys []string, modelName string) (*Client, error) {
	if len(apiKeys) == 0 {
		return nil, fmt.Errorf("at least one Gemini API key is required")
	}
	log.Printf("✅ [Gemini] Client initialized (model: %s, keys: %d)", modelName, len(apiKeys))
	return &Client{
		apiKeys:   apiKeys,
		model:     modelName,
		newClient: newGenaiClient,
	}, nil
}

func newGenaiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
}

// Generate - 프롬프트 + 업로드 이미지로 새 이미지 생성
func (c *Client) Generate(ctx context.Context, image []byte, mimeType string, prompt string) (*model.GenerateResult, error) {
	log.Printf("🎨 [Gemini] Calling %s with %d bytes (%s), prompt length: %d",
		c.model, len(image), mimeType, len(prompt))

	content := &genai.Content{
		Parts: []*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(image, mimeType),
		},
	}

	result, err := GenerateContentWithFailover(ctx, c.newClient, c.apiKeys, c.model,
		[]*genai.Content{content},
		&genai.GenerateContentConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("Gemini API call failed: %w", err)
	}

	out := ExtractResult(result)
	log.Printf("📥 [Gemini] Response: %d image(s), text length: %d", len(out.Images), len(out.Text))
	return out, nil
}

// ExtractResult - 응답에서 이미지(InlineData)와 텍스트 추출
func ExtractResult(resp *genai.GenerateContentResponse) *model.GenerateResult {
	out := &model.GenerateResult{}
	if resp == nil {
		return out
	}

	var texts []string
	var finishReasons []string
	for _, candidate := range resp.Candidates {
		if candidate == nil {
			continue
		}
		if candidate.Content == nil {
			if candidate.FinishReason != "" {
				finishReasons = append(finishReasons, string(candidate.FinishReason))
			}
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				out.Images = append(out.Images, part.InlineData.Data)
				if out.MimeType == "" {
					out.MimeType = part.InlineData.MIMEType
				}
				continue
			}
			if t := strings.TrimSpace(part.Text); t != "" {
				texts = append(texts, t)
			}
		}
	}

	out.Text = strings.Join(texts, "\n")
	if out.Text == "" && len(out.Images) == 0 && len(finishReasons) > 0 {
		out.Text = "generation stopped: " + strings.Join(finishReasons, ", ")
	}
	return out
}
