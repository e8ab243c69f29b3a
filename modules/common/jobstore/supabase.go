package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/supabase-community/supabase-go"

	"photo-enhance-server/modules/common/model"
)

const supabaseJobsTable = "enhance_jobs"

// SupabaseStore - enhance_jobs 테이블 기반 저장소
//
// Updates are read-merge-write without row locking; last writer wins, except
// for updates carrying ExpectStatus, which are filtered on job_status so only
// one claim of a queued job can match. Use the Redis store when cancellation
// must never race a pipeline commit.
type SupabaseStore struct {
	supabase *supabase.Client
	now      func() time.Time
}

// NewSupabaseStore - Supabase 클라이언트 생성
func NewSupabaseStore(url, serviceKey string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseStore{supabase: client, now: time.Now}, nil
}

func (s *SupabaseStore) Create(ctx context.Context, job *model.Job) (string, error) {
	j := prepareNew(job, s.now())
	log.Printf("💾 [JobStore] Inserting job %s into %s", j.ID, supabaseJobsTable)

	_, _, err := s.supabase.From(supabaseJobsTable).
		Insert(j, false, "", "", "").
		Execute()
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	return j.ID, nil
}

func (s *SupabaseStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var jobs []model.Job

	data, _, err := s.supabase.From(supabaseJobsTable).
		Select("*", "exact", false).
		Eq("job_id", jobID).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to query Supabase: %w", err)
	}

	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	return &jobs[0], nil
}

func (s *SupabaseStore) Update(ctx context.Context, jobID string, u model.JobUpdate) (*model.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := model.ApplyUpdate(job, u, s.now()); err != nil {
		return nil, err
	}

	query := s.supabase.From(supabaseJobsTable).
		Update(job, "representation", "").
		Eq("job_id", jobID)
	if u.ExpectStatus != nil {
		query = query.Eq("job_status", string(*u.ExpectStatus))
	}
	data, _, err := query.Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if u.ExpectStatus != nil {
		var updated []model.Job
		if err := json.Unmarshal(data, &updated); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if len(updated) == 0 {
			return nil, fmt.Errorf("%w: %s is no longer %s", model.ErrStatusMismatch, jobID, *u.ExpectStatus)
		}
	}

	log.Printf("📝 [JobStore] Job %s updated (status: %s)", jobID, job.Status)
	return job, nil
}

var _ Store = (*SupabaseStore)(nil)
