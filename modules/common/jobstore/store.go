package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"photo-enhance-server/modules/common/model"
)

// Store - job 레코드 저장소. 각 job은 하나의 pipeline 실행만 수정하므로
// backend는 job 단위 merge만 보장하면 된다.
type Store interface {
	Create(ctx context.Context, job *model.Job) (string, error)
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Update(ctx context.Context, jobID string, u model.JobUpdate) (*model.Job, error)
}

// prepareNew fills the fields every backend sets at creation.
func prepareNew(job *model.Job, now time.Time) *model.Job {
	j := job.Clone()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.StatusQueued
	}
	if j.PipelineErrors == nil {
		j.PipelineErrors = []model.PipelineError{}
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	j.CompletedAt = nil
	return j
}

// MemoryStore - 프로세스 수명 동안만 유지되는 in-memory 저장소 (eviction 없음)
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	now  func() time.Time
}

// NewMemoryStore - MemoryStore 생성
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*model.Job),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *model.Job) (string, error) {
	j := prepareNew(job, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return "", fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, jobID string, u model.JobUpdate) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	next := j.Clone()
	if err := model.ApplyUpdate(next, u, s.now()); err != nil {
		return nil, err
	}
	s.jobs[jobID] = next
	return next.Clone(), nil
}

// Count - 저장된 job 수
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

var _ Store = (*MemoryStore)(nil)
