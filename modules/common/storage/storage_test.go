package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := ArtifactKey("job-1", "generated")
	if key != "jobs/job-1/generated" {
		t.Fatalf("unexpected key: %s", key)
	}

	src := []byte{1, 2, 3}
	if err := s.Put(ctx, key, src, "image/png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	src[0] = 9 // caller mutation must not leak in

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got[0] != 1 {
		t.Fatalf("stored bytes were aliased")
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}

// fakeSupabase mimics the storage object endpoints.
func fakeSupabase(t *testing.T) *httptest.Server {
	var mu sync.Mutex
	objects := map[string][]byte{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/bucket/")
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			if r.Header.Get("x-upsert") != "true" {
				t.Errorf("expected x-upsert header")
			}
			body, _ := io.ReadAll(r.Body)
			objects[path] = body
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := objects[path]
			if !ok {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write(data)
		case http.MethodDelete:
			delete(objects, path)
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func TestSupabaseStoreRoundTrip(t *testing.T) {
	ts := fakeSupabase(t)
	defer ts.Close()

	s := NewSupabaseStore(ts.URL+"/", "svc", "bucket")
	ctx := context.Background()
	key := ArtifactKey("j", "upscaled")

	if err := s.Put(ctx, key, []byte("png-bytes"), "image/png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil || string(got) != "png-bytes" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}

func TestSupabaseStoreSurfacesUploadErrors(t *testing.T) {
	ts := fakeSupabase(t)
	defer ts.Close()

	s := NewSupabaseStore(ts.URL, "wrong", "bucket")
	err := s.Put(context.Background(), "k", []byte("x"), "image/png")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}
