package realtime

import (
	"log"
	"sync"
	"time"

	"photo-enhance-server/modules/common/model"
)

const subscriberBuffer = 16

// Subscriber - 한 job의 상태 스냅샷을 받는 구독자
type Subscriber struct {
	jobID string
	C     chan *model.Job
}

// topic - job별 구독자 목록과 마지막 스냅샷
type topic struct {
	subscribers  map[*Subscriber]struct{}
	latest       *model.Job
	lastActivity time.Time
}

// HubMetrics - 허브 메트릭
type HubMetrics struct {
	TotalSubscriptions int `json:"totalSubscriptions"`
	ActiveSubscribers  int `json:"activeSubscribers"`
	PublishedUpdates   int `json:"publishedUpdates"`
	TrackedJobs        int `json:"trackedJobs"`
}

// Hub fans committed job snapshots out to subscribers. Publishing never blocks:
// a subscriber that falls behind loses its oldest queued snapshot.
type Hub struct {
	mu      sync.Mutex
	topics  map[string]*topic
	metrics HubMetrics
	now     func() time.Time
}

// NewHub - Hub 생성
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]*topic),
		now:    time.Now,
	}
}

func (h *Hub) topicFor(jobID string) *topic {
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{subscribers: make(map[*Subscriber]struct{})}
		h.topics[jobID] = t
	}
	t.lastActivity = h.now()
	return t
}

// Subscribe registers for jobID. The latest known snapshot, if any, is queued
// immediately.
func (h *Hub) Subscribe(jobID string) *Subscriber {
	sub := &Subscriber{jobID: jobID, C: make(chan *model.Job, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicFor(jobID)
	t.subscribers[sub] = struct{}{}
	if t.latest != nil {
		sub.C <- t.latest.Clone()
	}
	h.metrics.TotalSubscriptions++
	h.metrics.ActiveSubscribers++
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sub.jobID]
	if !ok {
		return
	}
	if _, ok := t.subscribers[sub]; !ok {
		return
	}
	delete(t.subscribers, sub)
	close(sub.C)
	h.metrics.ActiveSubscribers--
}

// JobUpdated implements pipeline.Observer.
func (h *Hub) JobUpdated(job *model.Job) {
	if job == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicFor(job.ID)
	if t.latest != nil && job.UpdatedAt.Before(t.latest.UpdatedAt) {
		return
	}
	t.latest = job.Clone()
	h.metrics.PublishedUpdates++

	for sub := range t.subscribers {
		deliver(sub.C, t.latest.Clone())
	}
}

func deliver(ch chan *model.Job, job *model.Job) {
	select {
	case ch <- job:
		return
	default:
	}
	// 버퍼가 가득 차면 가장 오래된 스냅샷을 버림
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- job:
	default:
	}
}

// Metrics - 현재 허브 메트릭 스냅샷
func (h *Hub) Metrics() HubMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.metrics
	m.TrackedJobs = len(h.topics)
	return m
}

// Cleanup drops topics with no subscribers that are terminal or idle longer
// than maxIdle.
func (h *Hub) Cleanup(maxIdle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	cleaned := 0
	for jobID, t := range h.topics {
		if len(t.subscribers) > 0 {
			continue
		}
		terminal := t.latest != nil && t.latest.Status.IsTerminal()
		if terminal || now.Sub(t.lastActivity) > maxIdle {
			delete(h.topics, jobID)
			cleaned++
		}
	}
	if cleaned > 0 {
		log.Printf("🧹 [Realtime] Cleaned up %d job topics (tracked: %d)", cleaned, len(h.topics))
	}
	return cleaned
}

// StartCleanupRoutine - 주기적으로 Cleanup 실행
func (h *Hub) StartCleanupRoutine(interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			h.Cleanup(maxIdle)
		}
	}()
	log.Printf("🔄 [Realtime] Started topic cleanup routine (every %s)", interval)
}
