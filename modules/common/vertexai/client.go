package vertexai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"

	"photo-enhance-server/modules/common/model"
)

// NewVertexAIClient - Vertex AI 클라이언트 생성 (환경 변수 자동 처리)
func NewVertexAIClient(ctx context.Context, project, location string) (*genai.Client, error) {
	var opts []option.ClientOption

	// 1. 환경 변수 VERTEXAI_CREDENTIALS_JSON 확인 (배포용)
	if credsJSON := os.Getenv("VERTEXAI_CREDENTIALS_JSON"); credsJSON != "" {
		log.Println("✅ [VertexAI] Using VERTEXAI_CREDENTIALS_JSON from environment")
		opts = append(opts, option.WithCredentialsJSON([]byte(credsJSON)))
	} else if credsPath := os.Getenv("VERTEXAI_CREDENTIALS_PATH"); credsPath != "" {
		// 2. 환경 변수 VERTEXAI_CREDENTIALS_PATH 확인 (로컬 테스트용)
		log.Printf("✅ [VertexAI] Using credentials from file: %s", credsPath)
		credsData, err := os.ReadFile(credsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		var creds map[string]interface{}
		if err := json.Unmarshal(credsData, &creds); err != nil {
			return nil, fmt.Errorf("invalid JSON credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(credsData))
	} else {
		// 3. Application Default Credentials (ADC)
		log.Println("⚠️  [VertexAI] No explicit credentials found, using Application Default Credentials")
	}

	client, err := genai.NewClient(ctx, project, location, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	log.Printf("✅ [VertexAI] Client initialized for project=%s, location=%s", project, location)
	return client, nil
}

// Generator - Vertex AI Gemini 이미지 생성
type Generator struct {
	client *genai.Client
	model  string
}

func NewGenerator(client *genai.Client, modelName string) *Generator {
	return &Generator{client: client, model: modelName}
}

// Generate - 프롬프트 + 업로드 이미지로 새 이미지 생성
func (g *Generator) Generate(ctx context.Context, image []byte, mimeType string, prompt string) (*model.GenerateResult, error) {
	log.Printf("🎨 [VertexAI] Calling %s with %d bytes (%s)", g.model, len(image), mimeType)

	gm := g.client.GenerativeModel(g.model)
	resp, err := gm.GenerateContent(ctx,
		genai.Text(prompt),
		genai.Blob{MIMEType: mimeType, Data: image},
	)
	if err != nil {
		return nil, fmt.Errorf("Vertex AI call failed: %w", err)
	}
	return extractResult(resp), nil
}

// Close - 클라이언트 정리
func (g *Generator) Close() error {
	return g.client.Close()
}

func extractResult(resp *genai.GenerateContentResponse) *model.GenerateResult {
	out := &model.GenerateResult{}
	if resp == nil {
		return out
	}

	var texts []string
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			switch p := part.(type) {
			case genai.Blob:
				if len(p.Data) > 0 {
					out.Images = append(out.Images, p.Data)
					if out.MimeType == "" {
						out.MimeType = p.MIMEType
					}
				}
			case genai.Text:
				if t := strings.TrimSpace(string(p)); t != "" {
					texts = append(texts, t)
				}
			}
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out
}
