package enhance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"photo-enhance-server/modules/common/jobstore"
	"photo-enhance-server/modules/common/model"
	"photo-enhance-server/modules/common/realtime"
	"photo-enhance-server/modules/common/storage"
	"photo-enhance-server/modules/common/utils"
	"photo-enhance-server/modules/worker"
)

var (
	ErrNotDownloadable = errors.New("job has no downloadable output")
	ErrUnknownVariant  = errors.New("unknown variant")
)

// Service - job 생성, 조회, 다운로드
type Service struct {
	store      jobstore.Store
	artifacts  storage.ArtifactStore
	dispatcher worker.Dispatcher
	hub        *realtime.Hub
	converter  *utils.Converter
	prompt     string
	metrics    *Metrics
}

// NewService - Service 생성
func NewService(store jobstore.Store, artifacts storage.ArtifactStore, dispatcher worker.Dispatcher,
	hub *realtime.Hub, converter *utils.Converter, prompt string, metrics *Metrics) *Service {
	return &Service{
		store:      store,
		artifacts:  artifacts,
		dispatcher: dispatcher,
		hub:        hub,
		converter:  converter,
		prompt:     prompt,
		metrics:    metrics,
	}
}

// CreateJob stores the upload, creates the queued job record and hands it to
// the dispatcher.
func (s *Service) CreateJob(ctx context.Context, in EnhanceInput) (*model.Job, error) {
	jobID := uuid.New().String()
	inputRef := storage.ArtifactKey(jobID, "input")

	if err := s.artifacts.Put(ctx, inputRef, in.Image, in.MimeType); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	job := &model.Job{
		ID:               jobID,
		Status:           model.StatusQueued,
		Progress:         "Queued",
		Prompt:           BuildPrompt(s.prompt, in.Instructions),
		InputMimeType:    in.MimeType,
		InputRef:         inputRef,
		RemoveBackground: in.RemoveBackground,
	}
	if _, err := s.store.Create(ctx, job); err != nil {
		s.discardInput(inputRef)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	created, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.hub.JobUpdated(created)
	s.metrics.jobSubmitted()

	log.Printf("📥 [Enhance] Job %s created (%s, %d bytes, removeBackground=%v)",
		jobID, in.MimeType, len(in.Image), in.RemoveBackground)

	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		log.Printf("❌ [Enhance] Dispatch failed for %s: %v", jobID, err)
		failed, uerr := s.store.Update(context.Background(), jobID, model.JobUpdate{
			Status:       model.StatusPtr(model.StatusError),
			Progress:     model.StringPtr("Failed"),
			ErrorMessage: model.StringPtr("Failed to start processing"),
			InputRef:     model.StringPtr(""),
		})
		if uerr == nil {
			s.hub.JobUpdated(failed)
			s.metrics.JobUpdated(failed)
		}
		s.discardInput(inputRef)
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}
	return created, nil
}

func (s *Service) discardInput(ref string) {
	if err := s.artifacts.Delete(context.Background(), ref); err != nil {
		log.Printf("⚠️ [Enhance] Failed to delete input %s: %v", ref, err)
	}
}

// GetJob - 현재 상태 조회
func (s *Service) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.Get(ctx, jobID)
}

// WaitForJob blocks until the job is terminal or wait elapses, then returns the
// stored record.
func (s *Service) WaitForJob(ctx context.Context, jobID string, wait time.Duration) (*model.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil || job.Status.IsTerminal() || wait <= 0 {
		return job, err
	}

	sub := s.hub.Subscribe(jobID)
	defer s.hub.Unsubscribe(sub)

	// 구독 이전에 terminal이 되었을 수 있음
	if job, err = s.store.Get(ctx, jobID); err != nil || job.Status.IsTerminal() {
		return job, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case update, ok := <-sub.C:
			if !ok {
				return s.store.Get(ctx, jobID)
			}
			if update.Status.IsTerminal() {
				return s.store.Get(ctx, jobID)
			}
		case <-timer.C:
			return s.store.Get(ctx, jobID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Download returns the requested artifact re-encoded to format.
func (s *Service) Download(ctx context.Context, jobID string, variant Variant, format utils.OutputFormat) ([]byte, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.HasOutput() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotDownloadable, jobID, job.Status)
	}

	var ref string
	switch variant {
	case VariantEnhanced, "":
		ref = job.FinalOutput
	case VariantAI:
		ref = job.Outputs.Generated
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, variant)
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: job %s has no %s output", ErrNotDownloadable, jobID, variant)
	}

	data, err := s.artifacts.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", ref, err)
	}
	return s.converter.Convert(data, format)
}
