package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"photo-enhance-server/modules/common/jobstore"
	"photo-enhance-server/modules/common/model"
)

// EnqueueHandler - queued 상태로 남은 job을 다시 dispatch (프로세스 재시작 등으로 유실된 경우)
type EnqueueHandler struct {
	store      jobstore.Store
	dispatcher Dispatcher
}

// EnqueueRequest - Enqueue 요청
type EnqueueRequest struct {
	JobID string `json:"job_id"`
}

// EnqueueResponse - Enqueue 응답
type EnqueueResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

// NewEnqueueHandler - EnqueueHandler 생성
func NewEnqueueHandler(store jobstore.Store, dispatcher Dispatcher) *EnqueueHandler {
	return &EnqueueHandler{store: store, dispatcher: dispatcher}
}

// RegisterRoutes - 라우트 등록
func (h *EnqueueHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/enqueue", h.HandleEnqueue).Methods("POST", "OPTIONS")
	log.Println("✅ Enqueue routes registered: /api/enqueue")
}

// HandleEnqueue - POST /api/enqueue
func (h *EnqueueHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("❌ [Enqueue] Invalid request: %v", err)
		writeJSON(w, http.StatusBadRequest, EnqueueResponse{Success: false, Error: "Invalid request body"})
		return
	}
	if req.JobID == "" {
		writeJSON(w, http.StatusBadRequest, EnqueueResponse{Success: false, Error: "job_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	job, err := h.store.Get(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, EnqueueResponse{Success: false, Error: "Job not found", JobID: req.JobID})
			return
		}
		log.Printf("❌ [Enqueue] Failed to load job %s: %v", req.JobID, err)
		writeJSON(w, http.StatusInternalServerError, EnqueueResponse{Success: false, Error: err.Error()})
		return
	}

	// 이미 시작된 job은 다시 실행하지 않음
	if job.Status != model.StatusQueued {
		writeJSON(w, http.StatusConflict, EnqueueResponse{
			Success: false,
			Error:   "Job is not queued",
			JobID:   job.ID,
			Status:  string(job.Status),
		})
		return
	}

	if err := h.dispatcher.Dispatch(ctx, job.ID); err != nil {
		log.Printf("❌ [Enqueue] Dispatch failed for %s: %v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, EnqueueResponse{Success: false, Error: err.Error()})
		return
	}

	log.Printf("✅ [Enqueue] Job %s re-dispatched", job.ID)
	writeJSON(w, http.StatusAccepted, EnqueueResponse{
		Success: true,
		Message: "Job enqueued successfully",
		JobID:   job.ID,
		Status:  string(job.Status),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
