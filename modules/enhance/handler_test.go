package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"photo-enhance-server/modules/common/jobstore"
	"photo-enhance-server/modules/common/model"
	"photo-enhance-server/modules/common/realtime"
	"photo-enhance-server/modules/common/storage"
	"photo-enhance-server/modules/common/utils"
	"photo-enhance-server/modules/pipeline"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type stubGenerator struct {
	image  []byte
	prompt string
}

func (g *stubGenerator) Generate(ctx context.Context, image []byte, mimeType, prompt string) (*model.GenerateResult, error) {
	g.prompt = prompt
	return &model.GenerateResult{Images: [][]byte{g.image}, MimeType: "image/png"}, nil
}

// syncDispatcher runs the pipeline before Dispatch returns.
type syncDispatcher struct {
	orch *pipeline.Orchestrator
}

func (d *syncDispatcher) Dispatch(ctx context.Context, jobID string) error {
	_, err := d.orch.Run(context.Background(), jobID)
	return err
}

func (d *syncDispatcher) Cancel(ctx context.Context, jobID string) error { return nil }

type testServer struct {
	router    *mux.Router
	store     *jobstore.MemoryStore
	artifacts *storage.MemoryStore
	gen       *stubGenerator
	metrics   *Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := jobstore.NewMemoryStore()
	artifacts := storage.NewMemoryStore()
	hub := realtime.NewHub()
	metrics := NewMetrics()
	gen := &stubGenerator{image: testPNG(t)}

	orch := pipeline.New(store, artifacts, gen, nil, pipeline.Observers{hub, metrics}, pipeline.Options{
		PipelineTimeout:    5 * time.Second,
		GenerateTimeout:    5 * time.Second,
		PostProcessTimeout: 5 * time.Second,
	})
	svc := NewService(store, artifacts, &syncDispatcher{orch: orch}, hub, utils.NewConverter(90), "base prompt", metrics)

	r := mux.NewRouter()
	NewHandler(svc, hub, metrics, 1).RegisterRoutes(r)
	return &testServer{router: r, store: store, artifacts: artifacts, gen: gen, metrics: metrics}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, field string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if data != nil {
		fw, err := mw.CreateFormFile(field, "photo.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write(data)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/enhance", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestEnhanceEndToEnd(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(uploadRequest(t, "image", testPNG(t), map[string]string{
		"removeBackground": "on",
		"instructions":     "  warmer   tones ",
	}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created EnhanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !created.Success || created.JobID == "" {
		t.Fatalf("response = %+v", created)
	}
	if !strings.HasSuffix(s.gen.prompt, "warmer tones") || !strings.HasPrefix(s.gen.prompt, "base prompt") {
		t.Fatalf("prompt = %q", s.gen.prompt)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.JobID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var status JobStatusResponse
	json.NewDecoder(rec.Body).Decode(&status)
	if status.Status != model.StatusComplete || !status.RemoveBackground {
		t.Fatalf("status = %+v", status)
	}
	if status.Artifacts == nil || !strings.Contains(status.Artifacts.AIOnly, "variant=ai") {
		t.Fatalf("artifacts = %+v", status.Artifacts)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, status.Artifacts.Enhanced+"&format=jpeg", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content type = %s", ct)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), ".jpg") {
		t.Fatalf("disposition = %s", rec.Header().Get("Content-Disposition"))
	}
	if http.DetectContentType(rec.Body.Bytes()) != "image/jpeg" {
		t.Fatalf("body is not a jpeg")
	}

	snap := s.metrics.Snapshot()
	if snap["jobsSubmitted"] != 1 || snap["jobsFinished"] != 1 {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestEnhanceRejectsBadUploads(t *testing.T) {
	s := newTestServer(t)
	big := append(testPNG(t), bytes.Repeat([]byte{0}, (1<<20)+(512<<10))...)

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"missing file", uploadRequest(t, "other", testPNG(t), nil), http.StatusBadRequest},
		{"empty file", uploadRequest(t, "image", []byte{}, nil), http.StatusBadRequest},
		{"not an image", uploadRequest(t, "image", []byte("hello, plain text"), nil), http.StatusUnsupportedMediaType},
		{"too large", uploadRequest(t, "image", big, nil), http.StatusRequestEntityTooLarge},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/api/enhance", strings.NewReader("{}")), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(tc.req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
	if n := s.store.Count(); n != 0 {
		t.Fatalf("rejected uploads created %d jobs", n)
	}
	if n := s.artifacts.Len(); n != 0 {
		t.Fatalf("rejected uploads stored %d artifacts", n)
	}
}

func TestDownloadConflictsAndLookups(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	queued, _ := s.store.Create(ctx, &model.Job{})
	failed, _ := s.store.Create(ctx, &model.Job{})
	s.store.Update(ctx, failed, model.JobUpdate{
		Status:       model.StatusPtr(model.StatusError),
		ErrorMessage: model.StringPtr("refused"),
	})

	cases := []struct {
		url  string
		want int
	}{
		{"/api/jobs/" + queued + "/download", http.StatusConflict},
		{"/api/jobs/" + failed + "/download?variant=ai", http.StatusConflict},
		{"/api/jobs/missing/download", http.StatusNotFound},
		{"/api/jobs/" + queued + "/download?format=gif", http.StatusBadRequest},
		{"/api/jobs/missing", http.StatusNotFound},
		{"/api/jobs/" + queued + "?wait=soon", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := s.do(httptest.NewRequest(http.MethodGet, tc.url, nil))
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.url, rec.Code, tc.want)
		}
	}

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+failed, nil))
	var status JobStatusResponse
	json.NewDecoder(rec.Body).Decode(&status)
	if status.Status != model.StatusError || status.ErrorMessage != "refused" || status.Artifacts != nil {
		t.Fatalf("error job status = %+v", status)
	}
}

func TestWaitReturnsAfterTimeoutForRunningJob(t *testing.T) {
	s := newTestServer(t)
	queued, _ := s.store.Create(context.Background(), &model.Job{})

	start := time.Now()
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+queued+"?wait=50ms", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("wait returned too early: %s", elapsed)
	}
}

func TestBuildPrompt(t *testing.T) {
	if got := BuildPrompt("base", "   "); got != "base" {
		t.Fatalf("blank instructions changed prompt: %q", got)
	}
	got := BuildPrompt("base", strings.Repeat("a", 2*maxInstructionLength))
	if len(got) > len("base")+len("\n\n[ADDITIONAL INSTRUCTIONS]\n")+maxInstructionLength+3 {
		t.Fatalf("instructions not truncated: %d", len(got))
	}
}

type queueDispatcher struct {
	syncDispatcher
	depth int64
}

func (d *queueDispatcher) Len(ctx context.Context) (int64, error) { return d.depth, nil }

func TestMetricsReportQueueDepth(t *testing.T) {
	hub := realtime.NewHub()
	metrics := NewMetrics()
	svc := NewService(jobstore.NewMemoryStore(), storage.NewMemoryStore(), &queueDispatcher{depth: 3},
		hub, utils.NewConverter(90), "base prompt", metrics)
	r := mux.NewRouter()
	NewHandler(svc, hub, metrics, 1).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["queueDepth"] != float64(3) {
		t.Fatalf("queueDepth = %v", body["queueDepth"])
	}

	s := newTestServer(t)
	rec = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body = map[string]interface{}{}
	json.NewDecoder(rec.Body).Decode(&body)
	if _, ok := body["queueDepth"]; ok {
		t.Fatalf("inline dispatch should not report a queue depth")
	}
}

type brokenDispatcher struct{ syncDispatcher }

func (d *brokenDispatcher) Dispatch(ctx context.Context, jobID string) error {
	return errors.New("queue unavailable")
}

func TestDispatchFailureReleasesInput(t *testing.T) {
	store := jobstore.NewMemoryStore()
	artifacts := storage.NewMemoryStore()
	hub := realtime.NewHub()
	metrics := NewMetrics()
	svc := NewService(store, artifacts, &brokenDispatcher{}, hub, utils.NewConverter(90), "base prompt", metrics)
	r := mux.NewRouter()
	NewHandler(svc, hub, metrics, 1).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "image", testPNG(t), nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if n := artifacts.Len(); n != 0 {
		t.Fatalf("%d artifacts left after failed dispatch", n)
	}
	if snap := metrics.Snapshot(); snap["jobsFinished"] != 1 {
		t.Fatalf("failed job not counted: %+v", snap)
	}
}
