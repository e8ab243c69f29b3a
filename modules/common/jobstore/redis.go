package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"photo-enhance-server/modules/common/model"
)

const (
	redisKeyPrefix     = "enhance:job:"
	redisUpdateRetries = 5
)

// RedisStore - job 레코드를 JSON으로 Redis에 저장
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore - ttl이 0이면 만료 없음
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func redisJobKey(jobID string) string {
	return redisKeyPrefix + jobID
}

func (s *RedisStore) Create(ctx context.Context, job *model.Job) (string, error) {
	j := prepareNew(job, s.now())
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, redisJobKey(j.ID), data, s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to create job in redis: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("job %s already exists", j.ID)
	}

	log.Printf("💾 [JobStore] Created job %s in Redis", j.ID)
	return j.ID, nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.get(ctx, s.rdb, jobID)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c redisGetter, jobID string) (*model.Job, error) {
	data, err := c.Get(ctx, redisJobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job from redis: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", jobID, err)
	}
	return &job, nil
}

// Update - WATCH/MULTI로 read-merge-write
func (s *RedisStore) Update(ctx context.Context, jobID string, u model.JobUpdate) (*model.Job, error) {
	key := redisJobKey(jobID)
	var updated *model.Job

	txf := func(tx *redis.Tx) error {
		job, err := s.get(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := model.ApplyUpdate(job, u, s.now()); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for attempt := 0; attempt < redisUpdateRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		log.Printf("⚠️  [JobStore] Concurrent update on %s, retrying (%d/%d)", jobID, attempt+1, redisUpdateRetries)
	}
	return nil, fmt.Errorf("failed to update job %s: too many concurrent writers", jobID)
}

var _ Store = (*RedisStore)(nil)
