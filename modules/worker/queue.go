package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// QueueKey - job id 대기열 (LPUSH / BRPOP)
	QueueKey = "enhance:queue"
	// CancelChannel - 실행 중인 job 취소 신호 (Pub/Sub)
	CancelChannel = "enhance:cancel"

	popTimeout = 5 * time.Second
)

// RedisQueue - Redis list 기반 dispatch. Dispatch는 LPUSH만 하고, Start를 호출한
// 프로세스가 BRPOP으로 job을 가져가 실행한다.
type RedisQueue struct {
	*pool
	rdb *redis.Client
}

// NewRedisQueue - RedisQueue 생성
func NewRedisQueue(rdb *redis.Client, runner Runner) *RedisQueue {
	return &RedisQueue{pool: newPool(runner), rdb: rdb}
}

func (q *RedisQueue) Dispatch(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, QueueKey, jobID).Err(); err != nil {
		return fmt.Errorf("redis LPUSH failed: %w", err)
	}
	queueLen, _ := q.rdb.LLen(ctx, QueueKey).Result()
	log.Printf("📥 [Queue] Job %s enqueued (position: %d)", jobID, queueLen)
	return nil
}

// Cancel broadcasts to every worker; the one running jobID cancels it.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	if err := q.rdb.Publish(ctx, CancelChannel, jobID).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH failed: %w", err)
	}
	return nil
}

// Len - 대기 중인 job 수
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, QueueKey).Result()
}

// Start - queue 감시 시작 (ctx가 끝날 때까지)
func (q *RedisQueue) Start(ctx context.Context) {
	log.Printf("👀 [Queue] Watching queue: %s", QueueKey)
	go q.listenCancels(ctx)

	for {
		if ctx.Err() != nil {
			log.Println("🛑 [Queue] Worker stopped")
			return
		}

		// BRPOP - timeout마다 ctx 확인
		result, err := q.rdb.BRPop(ctx, popTimeout, QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Printf("❌ [Queue] Redis BRPOP error: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			continue
		}

		// result[0]은 queue 이름, result[1]이 job_id
		jobID := result[1]
		log.Printf("🎯 [Queue] Received job: %s", jobID)
		q.start(jobID)
	}
}

func (q *RedisQueue) listenCancels(ctx context.Context) {
	pubsub := q.rdb.Subscribe(ctx, CancelChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if q.cancel(msg.Payload) {
				log.Printf("🛑 [Queue] Cancelled running job %s", msg.Payload)
			}
		}
	}
}

var _ Dispatcher = (*RedisQueue)(nil)
