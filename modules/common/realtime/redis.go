package realtime

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"photo-enhance-server/modules/common/model"
)

// UpdatesChannel - 프로세스 간 job 상태 전달용 Redis Pub/Sub 채널
const UpdatesChannel = "enhance:job-updates"

// RedisBridge relays snapshots between processes when workers run outside the
// API process. JobUpdated publishes; Run feeds received snapshots into a Hub.
type RedisBridge struct {
	rdb *redis.Client
	hub *Hub
}

// NewRedisBridge - hub가 nil이면 publish 전용
func NewRedisBridge(rdb *redis.Client, hub *Hub) *RedisBridge {
	return &RedisBridge{rdb: rdb, hub: hub}
}

// JobUpdated implements pipeline.Observer.
func (b *RedisBridge) JobUpdated(job *model.Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		log.Printf("❌ [Realtime] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := b.rdb.Publish(context.Background(), UpdatesChannel, payload).Err(); err != nil {
		log.Printf("⚠️ [Realtime] Failed to publish update for job %s: %v", job.ID, err)
	}
}

// Run subscribes until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) {
	if b.hub == nil {
		return
	}
	pubsub := b.rdb.Subscribe(ctx, UpdatesChannel)
	defer pubsub.Close()

	log.Printf("📡 [Realtime] Listening for job updates on %s", UpdatesChannel)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var job model.Job
			if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
				log.Printf("⚠️ [Realtime] Ignoring malformed update: %v", err)
				continue
			}
			b.hub.JobUpdated(&job)
		}
	}
}
