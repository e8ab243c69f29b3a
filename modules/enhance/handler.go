package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"photo-enhance-server/modules/common/fallback"
	"photo-enhance-server/modules/common/model"
	"photo-enhance-server/modules/common/realtime"
	"photo-enhance-server/modules/common/storage"
	"photo-enhance-server/modules/common/utils"
)

const (
	maxWait         = 60 * time.Second
	multipartMemory = 8 << 20
)

type Handler struct {
	service        *Service
	hub            *realtime.Hub
	metrics        *Metrics
	maxUploadBytes int64
}

func NewHandler(service *Service, hub *realtime.Hub, metrics *Metrics, maxUploadMB int64) *Handler {
	return &Handler{
		service:        service,
		hub:            hub,
		metrics:        metrics,
		maxUploadBytes: maxUploadMB << 20,
	}
}

// RegisterRoutes - 라우트 등록
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/enhance", h.HandleEnhance).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/jobs/{jobId}", h.HandleStatus).Methods("GET")
	r.HandleFunc("/api/jobs/{jobId}/download", h.HandleDownload).Methods("GET")
	r.HandleFunc("/ws/jobs/{jobId}", h.HandleWebSocket)
	r.HandleFunc("/metrics", h.HandleMetrics).Methods("GET")
	log.Println("✅ Enhance routes registered: /api/enhance, /api/jobs/{jobId}, /api/jobs/{jobId}/download, /ws/jobs/{jobId}")
}

// HandleEnhance - POST /api/enhance (multipart: image, removeBackground, instructions)
func (h *Handler) HandleEnhance(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	in, status, err := h.readUpload(w, r)
	if err != nil {
		log.Printf("⚠️ [Enhance] Upload rejected (%d): %v", status, err)
		h.metrics.jobRejected()
		writeJSON(w, status, EnhanceResponse{Success: false, Error: err.Error()})
		return
	}

	job, err := h.service.CreateJob(r.Context(), *in)
	if err != nil {
		log.Printf("❌ [Enhance] Failed to create job: %v", err)
		writeJSON(w, http.StatusInternalServerError, EnhanceResponse{Success: false, Error: "Failed to create job"})
		return
	}

	writeJSON(w, http.StatusAccepted, EnhanceResponse{
		Success: true,
		JobID:   job.ID,
		Status:  string(job.Status),
	})
}

// readUpload validates the multipart form. The returned status is the HTTP
// code to reject with when err is non-nil.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*EnhanceInput, int, error) {
	// multipart 헤더 여유분 1MB
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("Image exceeds %d MB", h.maxUploadBytes>>20)
		}
		return nil, http.StatusBadRequest, errors.New("Invalid multipart form")
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("image file is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("Failed to read image")
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, errors.New("image file is empty")
	}
	if int64(len(data)) > h.maxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("Image exceeds %d MB", h.maxUploadBytes>>20)
	}

	// 클라이언트가 보낸 Content-Type 대신 실제 바이트로 판단
	mimeType := fallback.DetectMimeType(data)
	if !utils.IsSupportedInputType(mimeType) {
		return nil, http.StatusUnsupportedMediaType, fmt.Errorf("Unsupported image type %s (claimed %s)",
			mimeType, fallback.SafeString(header.Header.Get("Content-Type"), "none"))
	}

	return &EnhanceInput{
		Image:            data,
		MimeType:         mimeType,
		RemoveBackground: fallback.SafeBool(r.FormValue("removeBackground"), false),
		Instructions:     r.FormValue("instructions"),
	}, http.StatusOK, nil
}

// HandleStatus - GET /api/jobs/{jobId}[?wait=30s]
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid wait duration"})
			return
		}
		wait = min(d, maxWait)
	}

	job, err := h.service.WaitForJob(r.Context(), jobID, wait)
	if err != nil {
		writeLookupError(w, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(job))
}

// HandleDownload - GET /api/jobs/{jobId}/download?variant=enhanced|ai&format=png|jpeg|webp
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	query := r.URL.Query()

	format, err := utils.ParseFormat(query.Get("format"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	variant := Variant(fallback.SafeString(query.Get("variant"), string(VariantEnhanced)))

	data, err := h.service.Download(r.Context(), jobID, variant, format)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownVariant):
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		case errors.Is(err, ErrNotDownloadable):
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
		default:
			writeLookupError(w, jobID, err)
		}
		return
	}

	filename := fmt.Sprintf("%s-%s.%s", variant, shortID(jobID), format.Extension())
	w.Header().Set("Content-Type", format.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleWebSocket - GET /ws/jobs/{jobId}
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		writeLookupError(w, jobID, err)
		return
	}
	h.hub.ServeJob(w, r, job)
}

// HandleMetrics - GET /metrics
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"server":   h.metrics.Snapshot(),
		"realtime": h.hub.Metrics(),
	}
	if q, ok := h.service.dispatcher.(queueLengther); ok {
		if n, err := q.Len(r.Context()); err != nil {
			log.Printf("⚠️ [Enhance] Failed to read queue length: %v", err)
		} else {
			body["queueDepth"] = n
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// queueLengther - 대기열 길이를 알려주는 dispatcher (redis queue)
type queueLengther interface {
	Len(ctx context.Context) (int64, error)
}

func writeLookupError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Job not found"})
	case errors.Is(err, storage.ErrArtifactNotFound):
		writeJSON(w, http.StatusGone, ErrorResponse{Error: "Artifact no longer available"})
	case errors.Is(err, utils.ErrUnsupportedFormat):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		log.Printf("❌ [Enhance] Job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
