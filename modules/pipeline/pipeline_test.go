package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"photo-enhance-server/modules/common/jobstore"
	"photo-enhance-server/modules/common/model"
	"photo-enhance-server/modules/common/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

func img(tag string) []byte {
	return append(append([]byte{}, pngHeader...), tag...)
}

type fakeGenerator struct {
	result *model.GenerateResult
	err    error
	block  bool
	calls  int
}

func (g *fakeGenerator) Generate(ctx context.Context, image []byte, mimeType, prompt string) (*model.GenerateResult, error) {
	g.calls++
	if g.block {
		select {}
	}
	return g.result, g.err
}

type fakePostProcessor struct {
	bgErr      error
	upErr      error
	upscaledOf []byte
	calls      []string
}

func (p *fakePostProcessor) RemoveBackground(ctx context.Context, image []byte) ([]byte, error) {
	p.calls = append(p.calls, "bg")
	if p.bgErr != nil {
		return nil, p.bgErr
	}
	return append(append([]byte{}, image...), "+bg"...), nil
}

func (p *fakePostProcessor) Upscale(ctx context.Context, image []byte, factor int) ([]byte, error) {
	p.calls = append(p.calls, "up")
	p.upscaledOf = image
	if p.upErr != nil {
		return nil, p.upErr
	}
	return append(append([]byte{}, image...), "+up"...), nil
}

type recorder struct {
	mu       sync.Mutex
	statuses []model.JobStatus
}

func (r *recorder) JobUpdated(job *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.statuses); n == 0 || r.statuses[n-1] != job.Status {
		r.statuses = append(r.statuses, job.Status)
	}
}

type harness struct {
	store     *jobstore.MemoryStore
	artifacts *storage.MemoryStore
	rec       *recorder
	orch      *Orchestrator
	jobID     string
}

func newHarness(t *testing.T, gen Generator, pp PostProcessor, removeBackground bool, opts Options) *harness {
	t.Helper()
	if opts.PipelineTimeout == 0 {
		opts = Options{PipelineTimeout: 5 * time.Second, GenerateTimeout: 5 * time.Second, PostProcessTimeout: 5 * time.Second}
	}
	h := &harness{
		store:     jobstore.NewMemoryStore(),
		artifacts: storage.NewMemoryStore(),
		rec:       &recorder{},
	}
	ctx := context.Background()
	inputRef := storage.ArtifactKey("upload", "input")
	if err := h.artifacts.Put(ctx, inputRef, img("input"), "image/png"); err != nil {
		t.Fatalf("put input: %v", err)
	}
	id, err := h.store.Create(ctx, &model.Job{
		Prompt:           "studio shot",
		InputMimeType:    "image/png",
		InputRef:         inputRef,
		RemoveBackground: removeBackground,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	h.jobID = id
	h.orch = New(h.store, h.artifacts, gen, pp, h.rec, opts)
	return h
}

func (h *harness) artifact(t *testing.T, ref string) []byte {
	t.Helper()
	data, err := h.artifacts.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get %s: %v", ref, err)
	}
	return data
}

func okGenerator() *fakeGenerator {
	return &fakeGenerator{result: &model.GenerateResult{Images: [][]byte{img("gen")}, MimeType: "image/png"}}
}

func TestRunAllStagesSucceed(t *testing.T) {
	pp := &fakePostProcessor{}
	h := newHarness(t, okGenerator(), pp, true, Options{})

	job, err := h.orch.Run(context.Background(), h.jobID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete", job.Status)
	}
	if len(job.PipelineErrors) != 0 {
		t.Fatalf("unexpected pipeline errors: %+v", job.PipelineErrors)
	}
	if job.FinalOutput != job.Outputs.Upscaled {
		t.Fatalf("final output %q should be the upscaled artifact %q", job.FinalOutput, job.Outputs.Upscaled)
	}
	if got := string(h.artifact(t, job.FinalOutput)); !strings.HasSuffix(got, "gen+bg+up") {
		t.Fatalf("final bytes = %q", got)
	}
	if job.Outputs.BackgroundRemoved != "" {
		t.Fatalf("intermediate should be discarded, got %q", job.Outputs.BackgroundRemoved)
	}
	if job.InputRef != "" {
		t.Fatalf("input ref should be released, got %q", job.InputRef)
	}
	// generated + upscaled remain; input and intermediate are gone
	if n := h.artifacts.Len(); n != 2 {
		t.Fatalf("artifact count = %d, want 2", n)
	}

	want := []model.JobStatus{
		model.StatusGenerating, model.StatusGenerated, model.StatusRemovingBackground,
		model.StatusUpscaling, model.StatusComplete,
	}
	if strings.Join(statusStrings(h.rec.statuses), ",") != strings.Join(statusStrings(want), ",") {
		t.Fatalf("observed %v, want %v", h.rec.statuses, want)
	}
}

func TestRunWithoutBackgroundRemoval(t *testing.T) {
	pp := &fakePostProcessor{}
	h := newHarness(t, okGenerator(), pp, false, Options{})

	job, err := h.orch.Run(context.Background(), h.jobID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete", job.Status)
	}
	if len(pp.calls) != 1 || pp.calls[0] != "up" {
		t.Fatalf("post-processor calls = %v, want [up]", pp.calls)
	}
	for _, s := range h.rec.statuses {
		if s == model.StatusRemovingBackground {
			t.Fatalf("removing_background should never be observed")
		}
	}
}

func TestRunBackgroundRemovalFailsUpscaleSucceeds(t *testing.T) {
	pp := &fakePostProcessor{bgErr: errors.New("runware down")}
	h := newHarness(t, okGenerator(), pp, true, Options{})

	job, err := h.orch.Run(context.Background(), h.jobID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != model.StatusPartialSuccess {
		t.Fatalf("status = %s, want partial_success", job.Status)
	}
	if len(job.PipelineErrors) != 1 || job.PipelineErrors[0].Stage != model.StageBackgroundRemoval {
		t.Fatalf("pipeline errors = %+v", job.PipelineErrors)
	}
	if !strings.HasSuffix(string(pp.upscaledOf), "gen") {
		t.Fatalf("upscale should run on the generated image, got %q", pp.upscaledOf)
	}
	if got := string(h.artifact(t, job.FinalOutput)); !strings.HasSuffix(got, "gen+up") {
		t.Fatalf("final bytes = %q", got)
	}
}

func TestRunBothOptionalStagesFail(t *testing.T) {
	pp := &fakePostProcessor{bgErr: errors.New("bg failed"), upErr: errors.New("upscale failed")}
	h := newHarness(t, okGenerator(), pp, true, Options{})

	job, err := h.orch.Run(context.Background(), h.jobID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != model.StatusFallbackOnly {
		t.Fatalf("status = %s, want fallback_only", job.Status)
	}
	if len(job.PipelineErrors) != 2 {
		t.Fatalf("pipeline errors = %+v", job.PipelineErrors)
	}
	if job.PipelineErrors[0].Stage != model.StageBackgroundRemoval || job.PipelineErrors[1].Stage != model.StageUpscaling {
		t.Fatalf("pipeline errors out of order: %+v", job.PipelineErrors)
	}
	if job.FinalOutput != job.Outputs.Generated {
		t.Fatalf("final output %q should be the generated artifact %q", job.FinalOutput, job.Outputs.Generated)
	}
}

func TestRunUpscaleFailureKeepsBackgroundRemoved(t *testing.T) {
	pp := &fakePostProcessor{upErr: errors.New("upscale failed")}
	h := newHarness(t, okGenerator(), pp, true, Options{})

	job, err := h.orch.Run(context.Background(), h.jobID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != model.StatusPartialSuccess {
		t.Fatalf("status = %s, want partial_success", job.Status)
	}
	if job.FinalOutput == "" || job.FinalOutput != job.Outputs.BackgroundRemoved {
		t.Fatalf("final output %q should be the background-removed artifact", job.FinalOutput)
	}
}

func TestRunWithoutPostProcessor(t *testing.T) {
	h := newHarness(t, okGenerator(), nil, true, Options{})

	job, err := h.orch.Run(context.Background(), h.jobID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != model.StatusComplete || job.FinalOutput != job.Outputs.Generated {
		t.Fatalf("job = %+v", job)
	}
}

func TestRunGenerationFailures(t *testing.T) {
	cases := []struct {
		name    string
		gen     *fakeGenerator
		wantMsg string
	}{
		{"api error", &fakeGenerator{err: errors.New("quota exhausted")}, "quota exhausted"},
		{"refusal", &fakeGenerator{result: &model.GenerateResult{Text: "I can't help with that image."}}, "I can't help with that image."},
		{"empty", &fakeGenerator{result: &model.GenerateResult{}}, "no image"},
		{"nil result", &fakeGenerator{}, "no image"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pp := &fakePostProcessor{}
			h := newHarness(t, tc.gen, pp, true, Options{})

			job, err := h.orch.Run(context.Background(), h.jobID)
			if err == nil {
				t.Fatalf("expected error")
			}
			if job.Status != model.StatusError {
				t.Fatalf("status = %s, want error", job.Status)
			}
			if !strings.Contains(job.ErrorMessage, tc.wantMsg) {
				t.Fatalf("error message %q should contain %q", job.ErrorMessage, tc.wantMsg)
			}
			if job.FinalOutput != "" || job.Outputs.Generated != "" {
				t.Fatalf("failed job should have no outputs: %+v", job)
			}
			if len(pp.calls) != 0 {
				t.Fatalf("optional stages must not run after generation failure: %v", pp.calls)
			}
			if h.artifacts.Len() != 0 {
				t.Fatalf("input artifact should be released, %d left", h.artifacts.Len())
			}
		})
	}
}

func TestRefusalTextIsTruncated(t *testing.T) {
	long := strings.Repeat("x", 500)
	h := newHarness(t, &fakeGenerator{result: &model.GenerateResult{Text: long}}, nil, false, Options{})

	job, _ := h.orch.Run(context.Background(), h.jobID)
	if got := len([]rune(job.ErrorMessage)); got > maxRefusalLength+3 {
		t.Fatalf("refusal message length = %d", got)
	}
}

func TestRunTimesOutOnHungGenerator(t *testing.T) {
	h := newHarness(t, &fakeGenerator{block: true}, nil, false, Options{
		PipelineTimeout:    50 * time.Millisecond,
		GenerateTimeout:    time.Second,
		PostProcessTimeout: time.Second,
	})

	start := time.Now()
	job, err := h.orch.Run(context.Background(), h.jobID)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Run did not honor the pipeline timeout")
	}
	if job.Status != model.StatusError {
		t.Fatalf("status = %s, want error", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "timed out") {
		t.Fatalf("error message %q should mention the timeout", job.ErrorMessage)
	}
}

func TestRunRefusesNonQueuedJob(t *testing.T) {
	gen := okGenerator()
	h := newHarness(t, gen, nil, false, Options{})

	if _, err := h.orch.Run(context.Background(), h.jobID); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before, _ := h.store.Get(context.Background(), h.jobID)

	_, err := h.orch.Run(context.Background(), h.jobID)
	if !errors.Is(err, ErrJobNotQueued) {
		t.Fatalf("expected ErrJobNotQueued, got %v", err)
	}
	after, _ := h.store.Get(context.Background(), h.jobID)
	if gen.calls != 1 {
		t.Fatalf("generator called %d times", gen.calls)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Fatalf("terminal job changed: %+v -> %+v", before, after)
	}
}

func TestRunUnknownJob(t *testing.T) {
	h := newHarness(t, okGenerator(), nil, false, Options{})
	if _, err := h.orch.Run(context.Background(), "missing"); !errors.Is(err, model.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestAwaitRecoversPanic(t *testing.T) {
	_, err := await(context.Background(), func(context.Context) (int, error) {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic to surface as error, got %v", err)
	}
}

func statusStrings(in []model.JobStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// slowPostProcessor ignores ctx and sleeps, like an HTTP client with no deadline.
type slowPostProcessor struct {
	bgDelay time.Duration
	upDelay time.Duration
}

func (p *slowPostProcessor) RemoveBackground(ctx context.Context, image []byte) ([]byte, error) {
	time.Sleep(p.bgDelay)
	return append(append([]byte{}, image...), "+bg"...), nil
}

func (p *slowPostProcessor) Upscale(ctx context.Context, image []byte, factor int) ([]byte, error) {
	time.Sleep(p.upDelay)
	return append(append([]byte{}, image...), "+up"...), nil
}

func TestRunOptionalStageTimeoutIsRecoverable(t *testing.T) {
	h := newHarness(t, okGenerator(), &slowPostProcessor{bgDelay: 300 * time.Millisecond}, true, Options{
		PipelineTimeout:    5 * time.Second,
		GenerateTimeout:    5 * time.Second,
		PostProcessTimeout: 50 * time.Millisecond,
	})

	job, err := h.orch.Run(context.Background(), h.jobID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != model.StatusPartialSuccess {
		t.Fatalf("status = %s, want partial_success", job.Status)
	}
	if len(job.PipelineErrors) != 1 || job.PipelineErrors[0].Stage != model.StageBackgroundRemoval {
		t.Fatalf("pipeline errors = %+v", job.PipelineErrors)
	}
	if !strings.Contains(job.PipelineErrors[0].Message, "timed out") {
		t.Fatalf("message %q should mention the timeout", job.PipelineErrors[0].Message)
	}
	if got := string(h.artifact(t, job.FinalOutput)); got != string(img("gen"))+"+up" {
		t.Fatalf("final output = %q, want the upscaled generated image", got)
	}
}

func TestRunPipelineTimeoutDuringUpscaleIsFatal(t *testing.T) {
	h := newHarness(t, okGenerator(), &slowPostProcessor{upDelay: 2 * time.Second}, false, Options{
		PipelineTimeout:    100 * time.Millisecond,
		GenerateTimeout:    5 * time.Second,
		PostProcessTimeout: 5 * time.Second,
	})

	job, err := h.orch.Run(context.Background(), h.jobID)
	if err == nil {
		t.Fatalf("expected the job to fail")
	}
	if job.Status != model.StatusError {
		t.Fatalf("status = %s, want error", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "timed out") {
		t.Fatalf("error message %q should mention the timeout", job.ErrorMessage)
	}
	if job.Outputs.Upscaled != "" || len(job.PipelineErrors) != 0 {
		t.Fatalf("timed out upscale should not be recorded as a stage result: %+v", job)
	}
	if job.InputRef != "" {
		t.Fatalf("input ref should be cleared, got %q", job.InputRef)
	}
}

func TestRunUsesFirstNonEmptyImage(t *testing.T) {
	gen := &fakeGenerator{result: &model.GenerateResult{Images: [][]byte{{}, img("second")}}}
	h := newHarness(t, gen, nil, false, Options{})

	job, err := h.orch.Run(context.Background(), h.jobID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := string(h.artifact(t, job.Outputs.Generated)); got != string(img("second")) {
		t.Fatalf("generated = %q", got)
	}
}

// gatedStore holds the first two Get calls until both have arrived, so two
// runs read the same queued record before either writes.
type gatedStore struct {
	*jobstore.MemoryStore
	remaining atomic.Int32
	gate      sync.WaitGroup
}

func (s *gatedStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	if s.remaining.Add(-1) >= 0 {
		s.gate.Done()
		s.gate.Wait()
	}
	return s.MemoryStore.Get(ctx, jobID)
}

type countingGenerator struct {
	calls atomic.Int32
}

func (g *countingGenerator) Generate(ctx context.Context, image []byte, mimeType, prompt string) (*model.GenerateResult, error) {
	g.calls.Add(1)
	time.Sleep(50 * time.Millisecond)
	return &model.GenerateResult{Images: [][]byte{img("gen")}}, nil
}

func TestConcurrentRunsClaimJobOnce(t *testing.T) {
	h := newHarness(t, nil, nil, false, Options{})
	store := &gatedStore{MemoryStore: h.store}
	store.remaining.Store(2)
	store.gate.Add(2)
	gen := &countingGenerator{}
	orch := New(store, h.artifacts, gen, nil, h.rec, Options{
		PipelineTimeout:    5 * time.Second,
		GenerateTimeout:    5 * time.Second,
		PostProcessTimeout: 5 * time.Second,
	})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = orch.Run(context.Background(), h.jobID)
		}(i)
	}
	wg.Wait()

	if n := gen.calls.Load(); n != 1 {
		t.Fatalf("generator called %d times, want 1", n)
	}
	skipped := 0
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, ErrJobNotQueued):
			skipped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if skipped != 1 {
		t.Fatalf("errs = %v, want exactly one skipped run", errs)
	}
	job, _ := h.store.Get(context.Background(), h.jobID)
	if job.Status != model.StatusComplete || job.ErrorMessage != "" {
		t.Fatalf("job = %s %q, want complete", job.Status, job.ErrorMessage)
	}
}
