package worker

import (
	"context"
	"log"
	"sync"

	"photo-enhance-server/modules/common/model"
)

// Runner - job 하나를 terminal 상태까지 실행 (pipeline.Orchestrator)
type Runner interface {
	Run(ctx context.Context, jobID string) (*model.Job, error)
}

// Dispatcher - 생성된 job을 실행기로 넘김
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
}

// pool runs each job in its own goroutine and keeps the cancel func of every
// job currently running in this process.
type pool struct {
	runner  Runner
	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func newPool(runner Runner) *pool {
	return &pool{
		runner:  runner,
		running: make(map[string]context.CancelFunc),
	}
}

func (p *pool) start(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if _, exists := p.running[jobID]; exists {
		p.mu.Unlock()
		cancel()
		log.Printf("⚠️ [Worker] Job %s is already running in this process", jobID)
		return
	}
	p.running[jobID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, jobID)
			p.mu.Unlock()
			cancel()
		}()

		job, err := p.runner.Run(ctx, jobID)
		if err != nil {
			log.Printf("❌ [Worker] Job %s: %v", jobID, err)
			return
		}
		log.Printf("✅ [Worker] Job %s processing completed (%s)", jobID, job.Status)
	}()
}

// cancel - 이 프로세스에서 실행 중이면 context 취소
func (p *pool) cancel(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running - 현재 실행 중인 job 수
func (p *pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Wait blocks until every started job has returned.
func (p *pool) Wait() {
	p.wg.Wait()
}

// InlineDispatcher - 요청을 받은 프로세스에서 바로 goroutine으로 실행
type InlineDispatcher struct {
	*pool
}

// NewInlineDispatcher - InlineDispatcher 생성
func NewInlineDispatcher(runner Runner) *InlineDispatcher {
	log.Println("✅ [Worker] Inline dispatch enabled (one goroutine per job)")
	return &InlineDispatcher{pool: newPool(runner)}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, jobID string) error {
	log.Printf("🎯 [Worker] Starting job %s inline", jobID)
	d.start(jobID)
	return nil
}

func (d *InlineDispatcher) Cancel(ctx context.Context, jobID string) error {
	if d.cancel(jobID) {
		log.Printf("🛑 [Worker] Cancelled running job %s", jobID)
	}
	return nil
}

var _ Dispatcher = (*InlineDispatcher)(nil)
