package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"photo-enhance-server/modules/common/fallback"
	"photo-enhance-server/modules/common/jobstore"
	"photo-enhance-server/modules/common/model"
	"photo-enhance-server/modules/common/storage"
)

// UpscaleFactor - 업스케일 배율 (고정)
const UpscaleFactor = 2

// maxRefusalLength - 모델 거절 텍스트를 에러 메시지로 쓸 때 최대 길이
const maxRefusalLength = 200

var ErrJobNotQueued = errors.New("job is not queued")

// Generator - 생성 API (Gemini, Vertex AI)
type Generator interface {
	Generate(ctx context.Context, image []byte, mimeType string, prompt string) (*model.GenerateResult, error)
}

// PostProcessor - 후처리 API (배경 제거, 업스케일)
type PostProcessor interface {
	RemoveBackground(ctx context.Context, image []byte) ([]byte, error)
	Upscale(ctx context.Context, image []byte, factor int) ([]byte, error)
}

// Observer receives a snapshot after every committed job update.
type Observer interface {
	JobUpdated(job *model.Job)
}

// Observers fans one update out to several observers in order.
type Observers []Observer

func (obs Observers) JobUpdated(job *model.Job) {
	for _, o := range obs {
		if o != nil {
			o.JobUpdated(job.Clone())
		}
	}
}

// Options - 타임아웃 설정
type Options struct {
	PipelineTimeout    time.Duration
	GenerateTimeout    time.Duration
	PostProcessTimeout time.Duration
}

// RefusalError - 모델이 이미지 대신 텍스트만 반환한 경우
type RefusalError struct {
	Text string
}

func (e *RefusalError) Error() string {
	return fallback.TruncateString(e.Text, maxRefusalLength)
}

// Orchestrator - generate → [remove background] → [upscale] 순서로 job 하나를 처리
type Orchestrator struct {
	store         jobstore.Store
	artifacts     storage.ArtifactStore
	generator     Generator
	postProcessor PostProcessor
	observer      Observer
	opts          Options
}

// New - postProcessor가 nil이면 optional stage는 모두 skip (에러 아님)
func New(store jobstore.Store, artifacts storage.ArtifactStore, generator Generator, postProcessor PostProcessor, observer Observer, opts Options) *Orchestrator {
	return &Orchestrator{
		store:         store,
		artifacts:     artifacts,
		generator:     generator,
		postProcessor: postProcessor,
		observer:      observer,
		opts:          opts,
	}
}

// Run drives one queued job to a terminal status. A non-nil error means the job
// ended in error (or was not runnable); the returned job is the final record
// whenever one could be read.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.StatusQueued {
		log.Printf("⚠️ [Pipeline] Job %s is %s, not running it again", jobID, job.Status)
		return job, fmt.Errorf("%w: %s is %s", ErrJobNotQueued, jobID, job.Status)
	}

	// queued -> generating을 조건부로 commit해서 job 하나는 한 번만 실행
	if _, err := o.commit(ctx, jobID, model.JobUpdate{
		ExpectStatus: model.StatusPtr(model.StatusQueued),
		Status:       model.StatusPtr(model.StatusGenerating),
		Progress:     model.StringPtr("Generating image"),
	}); err != nil {
		if errors.Is(err, model.ErrStatusMismatch) || errors.Is(err, model.ErrJobTerminal) {
			log.Printf("⚠️ [Pipeline] Job %s was claimed by another run, skipping", jobID)
			current, _ := o.store.Get(ctx, jobID)
			return current, fmt.Errorf("%w: %v", ErrJobNotQueued, err)
		}
		return nil, err
	}

	log.Printf("🚀 [Pipeline] Starting job %s (removeBackground=%v)", jobID, job.RemoveBackground)
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, o.opts.PipelineTimeout)
	defer cancel()

	final, runErr := o.execute(runCtx, job)
	if runErr != nil {
		msg := runErr.Error()
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			msg = fmt.Sprintf("Processing timed out after %s", o.opts.PipelineTimeout)
		case runCtx.Err() != nil:
			msg = "Processing was cancelled"
		}
		log.Printf("❌ [Pipeline] Job %s failed after %s: %v", jobID, time.Since(started).Round(time.Millisecond), runErr)
		final = o.fail(jobID, msg)
		o.releaseInput(job.InputRef)
		return final, fmt.Errorf("job %s failed: %s", jobID, msg)
	}

	log.Printf("✅ [Pipeline] Job %s finished as %s in %s (pipeline errors: %d)",
		jobID, final.Status, time.Since(started).Round(time.Millisecond), len(final.PipelineErrors))
	o.releaseInput(job.InputRef)
	return final, nil
}

// execute runs the stages. Any error returned here is fatal for the job.
func (o *Orchestrator) execute(ctx context.Context, job *model.Job) (final *model.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	jobID := job.ID
	input, err := o.artifacts.Get(ctx, job.InputRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load uploaded image: %w", err)
	}

	// 1. generate (필수). generating은 Run에서 이미 commit됨
	current, err := o.generate(ctx, job, input)
	if err != nil {
		return nil, err
	}

	latest, err := o.commit(ctx, jobID, model.JobUpdate{
		Status:      model.StatusPtr(model.StatusGenerated),
		Progress:    model.StringPtr("Image generated"),
		Generated:   model.StringPtr(current.ref),
		FinalOutput: model.StringPtr(current.ref),
	})
	if err != nil {
		return nil, err
	}

	// 2. optional stages: 실패해도 이전 결과물을 유지하고 다음 stage로
	for _, st := range o.optionalStages(job) {
		if !st.enabled {
			log.Printf("⏭️  [Pipeline] Job %s: skipping %s", jobID, st.name)
			continue
		}

		if _, err := o.commit(ctx, jobID, model.JobUpdate{
			Status:   model.StatusPtr(st.status),
			Progress: model.StringPtr(st.progress),
		}); err != nil {
			return nil, err
		}

		res := o.runOptional(ctx, jobID, st, current)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s interrupted: %w", st.name, ctx.Err())
		}
		if res.fatal != nil {
			return nil, res.fatal
		}

		u := model.JobUpdate{}
		var discard string
		if res.err != nil {
			log.Printf("⚠️ [Pipeline] Job %s: %s failed, keeping previous output: %v", jobID, st.name, res.err)
			u.AppendErrors = []model.PipelineError{{Stage: st.name, Message: res.err.Error()}}
		} else {
			discard = st.apply(&u, res.ref, latest)
			u.FinalOutput = model.StringPtr(res.ref)
			current = res
		}

		if latest, err = o.commit(ctx, jobID, u); err != nil {
			return nil, err
		}
		if discard != "" {
			if err := o.artifacts.Delete(ctx, discard); err != nil {
				log.Printf("⚠️ [Pipeline] Job %s: failed to discard %s: %v", jobID, discard, err)
			}
		}
	}

	// 3. terminal status: pipeline_errors 개수로 결정
	status := model.TerminalStatusFor(len(latest.PipelineErrors))
	return o.commit(ctx, jobID, model.JobUpdate{
		Status:   model.StatusPtr(status),
		Progress: model.StringPtr(terminalProgress(status)),
		InputRef: model.StringPtr(""),
	})
}

// generate - 생성 stage. 여기서의 모든 실패는 fatal
func (o *Orchestrator) generate(ctx context.Context, job *model.Job, input []byte) (stageResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.GenerateTimeout)
	defer cancel()

	result, err := await(callCtx, func(c context.Context) (*model.GenerateResult, error) {
		return o.generator.Generate(c, input, job.InputMimeType, job.Prompt)
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return stageResult{}, fmt.Errorf("Image generation timed out after %s", o.opts.GenerateTimeout)
		}
		return stageResult{}, fmt.Errorf("Image generation failed: %w", err)
	}

	data := firstImage(result)
	if data == nil {
		if result != nil && strings.TrimSpace(result.Text) != "" {
			return stageResult{}, &RefusalError{Text: strings.TrimSpace(result.Text)}
		}
		return stageResult{}, errors.New("Image generation returned no image")
	}

	ref := storage.ArtifactKey(job.ID, "generated")
	if err := o.artifacts.Put(ctx, ref, data, fallback.DetectMimeType(data)); err != nil {
		return stageResult{}, fmt.Errorf("failed to store generated image: %w", err)
	}
	log.Printf("🎨 [Pipeline] Job %s: generated image stored (%d bytes)", job.ID, len(data))
	return ok(ref, data), nil
}

// runOptional - optional stage 실행. API 실패/타임아웃은 res.err (recoverable),
// 저장 실패는 res.fatal
func (o *Orchestrator) runOptional(ctx context.Context, jobID string, st stage, in stageResult) stageResult {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.PostProcessTimeout)
	defer cancel()

	data, err := await(callCtx, func(c context.Context) ([]byte, error) {
		return st.run(c, in.data)
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return failed(fmt.Errorf("timed out after %s", o.opts.PostProcessTimeout))
		}
		return failed(err)
	}
	if len(data) == 0 {
		return failed(errors.New("returned an empty image"))
	}

	ref := storage.ArtifactKey(jobID, st.artifact)
	if err := o.artifacts.Put(ctx, ref, data, fallback.DetectMimeType(data)); err != nil {
		return stageResult{fatal: fmt.Errorf("failed to store %s output: %w", st.name, err)}
	}
	log.Printf("✨ [Pipeline] Job %s: %s done (%d bytes)", jobID, st.name, len(data))
	return ok(ref, data)
}

// commit writes u and notifies the observer only once the store accepted it.
func (o *Orchestrator) commit(ctx context.Context, jobID string, u model.JobUpdate) (*model.Job, error) {
	job, err := o.store.Update(ctx, jobID, u)
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if u.Status != nil {
		log.Printf("📝 [Pipeline] Job %s → %s", jobID, job.Status)
	}
	o.notify(job)
	return job, nil
}

// fail - job을 error로 전환. 실행 context가 만료됐을 수 있으므로 별도 context 사용
func (o *Orchestrator) fail(jobID, msg string) *model.Job {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := o.store.Update(ctx, jobID, model.JobUpdate{
		Status:       model.StatusPtr(model.StatusError),
		Progress:     model.StringPtr("Failed"),
		ErrorMessage: model.StringPtr(msg),
		InputRef:     model.StringPtr(""),
	})
	if err != nil {
		// 취소 등으로 이미 terminal이면 그 상태를 그대로 반환
		if !errors.Is(err, model.ErrJobTerminal) {
			log.Printf("❌ [Pipeline] Failed to mark job %s as error: %v", jobID, err)
		}
		job, _ = o.store.Get(ctx, jobID)
		return job
	}
	o.notify(job)
	return job
}

// releaseInput - terminal 이후 업로드 원본 삭제
func (o *Orchestrator) releaseInput(ref string) {
	if ref == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.artifacts.Delete(ctx, ref); err != nil {
		log.Printf("⚠️ [Pipeline] Failed to delete input %s: %v", ref, err)
	}
}

func (o *Orchestrator) notify(job *model.Job) {
	if o.observer != nil && job != nil {
		o.observer.JobUpdated(job.Clone())
	}
}

// firstImage - 비어 있지 않은 첫 번째 이미지 (없으면 nil)
func firstImage(result *model.GenerateResult) []byte {
	if result == nil {
		return nil
	}
	for _, img := range result.Images {
		if len(img) > 0 {
			return img
		}
	}
	return nil
}

func terminalProgress(status model.JobStatus) string {
	switch status {
	case model.StatusComplete:
		return "Enhancement complete"
	case model.StatusPartialSuccess:
		return "Completed with one enhancement skipped"
	case model.StatusFallbackOnly:
		return "Enhancements failed, generated image available"
	}
	return string(status)
}

// await runs call in its own goroutine so a collaborator that ignores ctx
// cannot hold the job past its deadline.
func await[T any](ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := call(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
