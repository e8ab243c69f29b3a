package worker

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"photo-enhance-server/modules/common/jobstore"
	"photo-enhance-server/modules/common/model"
	"photo-enhance-server/modules/common/storage"
)

// CancelledMessage - 사용자 취소 시 error_message
const CancelledMessage = "Cancelled by user"

// JobObserver - 취소로 바뀐 상태를 구독자에게 전달
type JobObserver interface {
	JobUpdated(job *model.Job)
}

// CancelHandler - Job 취소 API 핸들러
type CancelHandler struct {
	store      jobstore.Store
	artifacts  storage.ArtifactStore
	dispatcher Dispatcher
	observer   JobObserver
}

// NewCancelHandler - 핸들러 생성
func NewCancelHandler(store jobstore.Store, artifacts storage.ArtifactStore, dispatcher Dispatcher, observer JobObserver) *CancelHandler {
	return &CancelHandler{
		store:      store,
		artifacts:  artifacts,
		dispatcher: dispatcher,
		observer:   observer,
	}
}

// RegisterRoutes - 라우트 등록
func (h *CancelHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/jobs/{jobId}/cancel", h.CancelJob).Methods("POST", "OPTIONS")
	log.Println("✅ [CancelHandler] Routes registered: POST /api/jobs/{jobId}/cancel")
}

// CancelJob marks a non-terminal job as error first, then signals the process
// running it. The running pipeline stops at its next commit.
func (h *CancelHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	jobID := mux.Vars(r)["jobId"]
	log.Printf("🛑 [CancelHandler] Cancel requested for job: %s", jobID)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	before, err := h.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "Job not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	job, err := h.store.Update(ctx, jobID, model.JobUpdate{
		Status:       model.StatusPtr(model.StatusError),
		Progress:     model.StringPtr("Cancelled"),
		ErrorMessage: model.StringPtr(CancelledMessage),
		InputRef:     model.StringPtr(""),
	})
	if err != nil {
		if errors.Is(err, model.ErrJobTerminal) {
			log.Printf("⚠️ [CancelHandler] Job already %s: %s", before.Status, jobID)
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"success":    false,
				"message":    "Job already " + string(before.Status),
				"job_id":     jobID,
				"job_status": before.Status,
			})
			return
		}
		log.Printf("❌ [CancelHandler] Failed to cancel job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	if h.observer != nil {
		h.observer.JobUpdated(job)
	}

	if err := h.dispatcher.Cancel(ctx, jobID); err != nil {
		log.Printf("⚠️ [CancelHandler] Failed to signal job %s: %v", jobID, err)
	}
	if before.InputRef != "" {
		if err := h.artifacts.Delete(ctx, before.InputRef); err != nil {
			log.Printf("⚠️ [CancelHandler] Failed to delete input %s: %v", before.InputRef, err)
		}
	}

	log.Printf("✅ [CancelHandler] Job %s cancelled (was %s)", jobID, before.Status)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"message":         "Job cancelled",
		"job_id":          jobID,
		"previous_status": before.Status,
		"job_status":      job.Status,
	})
}
