package model

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus - enhance job 상태
type JobStatus string

const (
	StatusQueued             JobStatus = "queued"
	StatusGenerating         JobStatus = "generating"
	StatusGenerated          JobStatus = "generated"
	StatusRemovingBackground JobStatus = "removing_background"
	StatusUpscaling          JobStatus = "upscaling"
	StatusComplete           JobStatus = "complete"
	StatusPartialSuccess     JobStatus = "partial_success"
	StatusFallbackOnly       JobStatus = "fallback_only"
	StatusError              JobStatus = "error"
)

// Stage names recorded in PipelineErrors
const (
	StageBackgroundRemoval = "Background removal"
	StageUpscaling         = "Upscaling"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrJobTerminal       = errors.New("job already terminal")
	ErrStatusMismatch    = errors.New("job status changed")
)

// rank orders non-terminal states; terminal states share the highest rank.
var statusRank = map[JobStatus]int{
	StatusQueued:             0,
	StatusGenerating:         1,
	StatusGenerated:          2,
	StatusRemovingBackground: 3,
	StatusUpscaling:          4,
	StatusComplete:           5,
	StatusPartialSuccess:     5,
	StatusFallbackOnly:       5,
	StatusError:              5,
}

// Valid - 알려진 상태인지 확인
func (s JobStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal - 더 이상 변경되지 않는 상태인지 확인
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusPartialSuccess, StatusFallbackOnly, StatusError:
		return true
	}
	return false
}

// HasOutput - 다운로드 가능한 결과물이 있는 terminal 상태인지 확인
func (s JobStatus) HasOutput() bool {
	return s.IsTerminal() && s != StatusError
}

// CanTransition reports whether from -> to moves forward along the pipeline.
// error is reachable from any non-terminal state; terminal states never change.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	if to == StatusError {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// TerminalStatusFor maps the number of failed optional stages to the final status.
func TerminalStatusFor(failedStages int) JobStatus {
	switch {
	case failedStages <= 0:
		return StatusComplete
	case failedStages == 1:
		return StatusPartialSuccess
	default:
		return StatusFallbackOnly
	}
}

// PipelineError - optional stage 실패 기록
type PipelineError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// StageOutputs - 각 stage 결과물의 storage reference
type StageOutputs struct {
	Generated         string `json:"generated,omitempty"`
	BackgroundRemoved string `json:"background_removed,omitempty"`
	Upscaled          string `json:"upscaled,omitempty"`
}

// Job - enhance job 레코드
type Job struct {
	ID               string          `json:"job_id"`
	Status           JobStatus       `json:"job_status"`
	Progress         string          `json:"progress,omitempty"`
	Prompt           string          `json:"prompt"`
	InputMimeType    string          `json:"input_mime_type"`
	InputRef         string          `json:"input_ref,omitempty"`
	RemoveBackground bool            `json:"remove_background"`
	Outputs          StageOutputs    `json:"outputs"`
	FinalOutput      string          `json:"final_output,omitempty"`
	PipelineErrors   []PipelineError `json:"pipeline_errors"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.PipelineErrors != nil {
		out.PipelineErrors = make([]PipelineError, len(j.PipelineErrors))
		copy(out.PipelineErrors, j.PipelineErrors)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// JobUpdate - 부분 업데이트 (nil 필드는 유지)
type JobUpdate struct {
	// ExpectStatus makes the update conditional on the stored status.
	ExpectStatus      *JobStatus
	Status            *JobStatus
	Progress          *string
	InputRef          *string
	Generated         *string
	BackgroundRemoved *string
	Upscaled          *string
	FinalOutput       *string
	ErrorMessage      *string
	AppendErrors      []PipelineError
}

// ApplyUpdate merges u into job. Every store backend goes through here so the
// transition rules hold no matter where the record lives.
func ApplyUpdate(job *Job, u JobUpdate, now time.Time) error {
	if u.ExpectStatus != nil && job.Status != *u.ExpectStatus {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStatusMismatch, job.ID, job.Status, *u.ExpectStatus)
	}
	if u.Status != nil && *u.Status != job.Status {
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrJobTerminal, job.ID, job.Status)
		}
		if !CanTransition(job.Status, *u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *u.Status)
		}
	} else if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, job.ID, job.Status)
	}

	if u.Status != nil {
		job.Status = *u.Status
		if job.Status.IsTerminal() {
			completed := now
			job.CompletedAt = &completed
		}
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.InputRef != nil {
		job.InputRef = *u.InputRef
	}
	if u.Generated != nil {
		job.Outputs.Generated = *u.Generated
	}
	if u.BackgroundRemoved != nil {
		job.Outputs.BackgroundRemoved = *u.BackgroundRemoved
	}
	if u.Upscaled != nil {
		job.Outputs.Upscaled = *u.Upscaled
	}
	if u.FinalOutput != nil {
		job.FinalOutput = *u.FinalOutput
	}
	if u.ErrorMessage != nil {
		job.ErrorMessage = *u.ErrorMessage
	}
	job.PipelineErrors = append(job.PipelineErrors, u.AppendErrors...)
	job.UpdatedAt = now
	return nil
}

// StatusPtr / StringPtr - JobUpdate 작성용 helper
func StatusPtr(s JobStatus) *JobStatus { return &s }

func StringPtr(s string) *string { return &s }

// GenerateResult - 생성 API 응답 (이미지 또는 텍스트 거절)
type GenerateResult struct {
	Images   [][]byte
	MimeType string
	Text     string
}
