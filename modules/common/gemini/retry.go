package gemini

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/genai"
)

// keyFailoverWait - 다음 키로 넘어가기 전 대기 시간
var keyFailoverWait = 2 * time.Second

// GenerateContentWithFailover - 429/quota 에러 시 다음 API 키로 넘어가는 헬퍼
// apiKeys: 시도할 API 키 리스트
// model: Gemini 모델명 (예: "gemini-2.5-flash-image")
// 키 하나당 한 번만 호출한다. 같은 요청을 같은 키로 반복하지 않는다.
func GenerateContentWithFailover(
	ctx context.Context,
	newClient func(ctx context.Context, apiKey string) (*genai.Client, error),
	apiKeys []string,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {

	if len(apiKeys) == 0 {
		return nil, fmt.Errorf("no API keys provided")
	}

	var lastErr error
	for keyIndex, apiKey := range apiKeys {
		if keyIndex > 0 {
			log.Printf("⏳ [Gemini] Waiting %s before trying key #%d", keyFailoverWait, keyIndex+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(keyFailoverWait):
			}
		}

		client, err := newClient(ctx, apiKey)
		if err != nil {
			log.Printf("⚠️  [Gemini] Failed to create client with key #%d: %v", keyIndex+1, err)
			lastErr = err
			continue
		}

		result, err := client.Models.GenerateContent(ctx, model, contents, config)
		if err == nil {
			if keyIndex > 0 {
				log.Printf("✅ [Gemini] Success with API key #%d", keyIndex+1)
			}
			return result, nil
		}
		lastErr = err

		// 429가 아닌 다른 에러면 바로 반환
		if !is429Error(err) {
			return nil, err
		}
		log.Printf("⚠️  [Gemini] Key #%d/%d hit rate limit: %v", keyIndex+1, len(apiKeys), err)
	}

	return nil, fmt.Errorf("all %d API keys exhausted, last error: %w", len(apiKeys), lastErr)
}

// is429Error - 429 Rate Limit 에러인지 확인
func is429Error(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "resource_exhausted")
}
