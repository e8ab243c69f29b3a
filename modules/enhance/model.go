package enhance

import (
	"time"

	"photo-enhance-server/modules/common/model"
)

// EnhanceInput - 업로드 검증을 통과한 입력
type EnhanceInput struct {
	Image            []byte
	MimeType         string
	RemoveBackground bool
	Instructions     string
}

// EnhanceResponse - POST /api/enhance 응답
type EnhanceResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Artifacts - terminal 이후 다운로드 URL
type Artifacts struct {
	AIOnly   string `json:"ai_only"`
	Enhanced string `json:"enhanced"`
}

// JobStatusResponse - GET /api/jobs/{jobId} 응답
type JobStatusResponse struct {
	Success          bool                  `json:"success"`
	JobID            string                `json:"job_id"`
	Status           model.JobStatus       `json:"status"`
	Progress         string                `json:"progress,omitempty"`
	RemoveBackground bool                  `json:"remove_background"`
	PipelineErrors   []model.PipelineError `json:"pipeline_errors"`
	ErrorMessage     string                `json:"error_message,omitempty"`
	Artifacts        *Artifacts            `json:"artifacts,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

// ErrorResponse - 공통 에러 응답
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Variant - 다운로드 대상 결과물
type Variant string

const (
	VariantEnhanced Variant = "enhanced"
	VariantAI       Variant = "ai"
)

func newStatusResponse(job *model.Job) JobStatusResponse {
	resp := JobStatusResponse{
		Success:          true,
		JobID:            job.ID,
		Status:           job.Status,
		Progress:         job.Progress,
		RemoveBackground: job.RemoveBackground,
		PipelineErrors:   job.PipelineErrors,
		ErrorMessage:     job.ErrorMessage,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		CompletedAt:      job.CompletedAt,
	}
	if resp.PipelineErrors == nil {
		resp.PipelineErrors = []model.PipelineError{}
	}
	if job.Status.HasOutput() {
		base := "/api/jobs/" + job.ID + "/download"
		resp.Artifacts = &Artifacts{
			AIOnly:   base + "?variant=" + string(VariantAI),
			Enhanced: base + "?variant=" + string(VariantEnhanced),
		}
	}
	return resp
}
