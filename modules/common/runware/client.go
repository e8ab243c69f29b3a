package runware

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"photo-enhance-server/modules/common/fallback"
)

// Client - Runware 후처리 (배경 제거, 업스케일)
type Client struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
}

// NewClient - apiKey가 비어 있으면 nil (후처리 비활성화)
func NewClient(apiKey, apiURL string) *Client {
	if apiKey == "" {
		log.Println("⚠️ [Runware] RUNWARE_API_KEY not configured, post-processing disabled")
		return nil
	}
	log.Println("✅ [Runware] Client initialized")
	return &Client{
		apiKey:     apiKey,
		apiURL:     apiURL,
		httpClient: &http.Client{},
	}
}

// RemoveBackground - 배경 제거 (투명 PNG)
func (c *Client) RemoveBackground(ctx context.Context, image []byte) ([]byte, error) {
	return c.runTask(ctx, TaskRequest{
		TaskType:     TaskBackgroundRemoval,
		InputImage:   dataURI(image),
		OutputType:   "URL",
		OutputFormat: "PNG",
	})
}

// Upscale - factor배 업스케일
func (c *Client) Upscale(ctx context.Context, image []byte, factor int) ([]byte, error) {
	return c.runTask(ctx, TaskRequest{
		TaskType:      TaskUpscale,
		InputImage:    dataURI(image),
		OutputType:    "URL",
		OutputFormat:  "PNG",
		UpscaleFactor: factor,
	})
}

// runTask - 모든 실패(HTTP 상태, 네트워크, 응답 형식)를 하나의 에러 메시지로 합침
func (c *Client) runTask(ctx context.Context, task TaskRequest) ([]byte, error) {
	task.TaskUUID = uuid.New().String()
	log.Printf("📤 [Runware] %s task %s (%d bytes input)", task.TaskType, task.TaskUUID, len(task.InputImage))

	jsonBody, err := json.Marshal([]TaskRequest{task})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Runware %s request failed: %w", task.TaskType, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Runware %s failed: status=%d, body=%s",
			task.TaskType, resp.StatusCode, fallback.TruncateString(string(bodyBytes), 200))
	}

	var taskResp TaskResponse
	if err := json.Unmarshal(bodyBytes, &taskResp); err != nil {
		return nil, fmt.Errorf("Runware %s returned unexpected response: %w", task.TaskType, err)
	}
	if msg := taskResp.errorMessage(); msg != "" {
		return nil, fmt.Errorf("Runware %s failed: %s", task.TaskType, msg)
	}
	if len(taskResp.Data) == 0 {
		return nil, fmt.Errorf("Runware %s returned no data", task.TaskType)
	}

	item := taskResp.Data[0]
	if item.ImageBase64Data != "" {
		data, err := base64.StdEncoding.DecodeString(stripDataURIPrefix(item.ImageBase64Data))
		if err != nil {
			return nil, fmt.Errorf("Runware %s returned invalid base64: %w", task.TaskType, err)
		}
		return data, nil
	}
	if item.ImageURL == "" {
		return nil, fmt.Errorf("Runware %s returned no image", task.TaskType)
	}

	data, err := c.downloadImage(ctx, item.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("Runware %s result download failed: %w", task.TaskType, err)
	}
	log.Printf("✅ [Runware] %s done: %d bytes", task.TaskType, len(data))
	return data, nil
}

// downloadImage - URL에서 이미지 다운로드
func (c *Client) downloadImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (r *TaskResponse) errorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	var msgs []string
	for _, e := range r.Errors {
		if e.Message != "" {
			msgs = append(msgs, e.Message)
		} else if e.Code != "" {
			msgs = append(msgs, e.Code)
		}
	}
	return strings.Join(msgs, "; ")
}

func dataURI(image []byte) string {
	return "data:" + fallback.DetectMimeType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
}

func stripDataURIPrefix(s string) string {
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i >= 0 {
		return s[i+1:]
	}
	return s
}
