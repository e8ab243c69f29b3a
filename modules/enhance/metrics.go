package enhance

import (
	"sync"
	"time"

	"photo-enhance-server/modules/common/model"
)

// Metrics - 서버 메트릭. pipeline observer로 등록되어 terminal 상태를 집계
type Metrics struct {
	mu            sync.RWMutex
	StartTime     time.Time
	JobsSubmitted int
	JobsRejected  int
	JobsFinished  map[model.JobStatus]int
	StageFailures map[string]int
}

// NewMetrics - Metrics 생성
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime:     time.Now(),
		JobsFinished:  make(map[model.JobStatus]int),
		StageFailures: make(map[string]int),
	}
}

func (m *Metrics) jobSubmitted() {
	m.mu.Lock()
	m.JobsSubmitted++
	m.mu.Unlock()
}

func (m *Metrics) jobRejected() {
	m.mu.Lock()
	m.JobsRejected++
	m.mu.Unlock()
}

// JobUpdated counts each job once, when it reaches a terminal status.
func (m *Metrics) JobUpdated(job *model.Job) {
	if !job.Status.IsTerminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JobsFinished[job.Status]++
	for _, e := range job.PipelineErrors {
		m.StageFailures[e.Stage]++
	}
}

// Snapshot - JSON 응답용 복사본
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	finished := make(map[string]int, len(m.JobsFinished))
	total := 0
	for status, n := range m.JobsFinished {
		finished[string(status)] = n
		total += n
	}
	failures := make(map[string]int, len(m.StageFailures))
	for stage, n := range m.StageFailures {
		failures[stage] = n
	}

	return map[string]interface{}{
		"uptime":        time.Since(m.StartTime).String(),
		"startTime":     m.StartTime,
		"jobsSubmitted": m.JobsSubmitted,
		"jobsRejected":  m.JobsRejected,
		"jobsFinished":  total,
		"byStatus":      finished,
		"stageFailures": failures,
	}
}
