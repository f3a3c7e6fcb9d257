package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/queue"
	"github.com/dunamismax/rasterflow/internal/ratelimit"
	"github.com/dunamismax/rasterflow/internal/store"
	"github.com/hibiken/asynq"
)

type fakeQueue struct {
	payloads []queue.TransformImagePayload
	err      error
}

func (f *fakeQueue) EnqueueTransformImage(_ context.Context, payload queue.TransformImagePayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeObjectStorage struct {
	bucket     string
	presignURL string
	presignErr error
	exists     bool
	existsErr  error
}

func (f *fakeObjectStorage) Bucket() string { return f.bucket }

func (f *fakeObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return f.presignURL, f.presignErr
}

func (f *fakeObjectStorage) ObjectExists(_ context.Context, _, _ string) (bool, error) {
	return f.exists, f.existsErr
}

type fakeRateLimiter struct {
	decision ratelimit.Decision
	err      error
	keys     []string
}

func (f *fakeRateLimiter) Allow(_ context.Context, key string) (ratelimit.Decision, error) {
	f.keys = append(f.keys, key)
	return f.decision, f.err
}

func newTestServer(t *testing.T, q queueEnqueuer, st *fakeObjectStorage, opts Options) (*Server, *store.MemoryJobStore) {
	t.Helper()
	jobStore := store.NewMemoryJobStore()
	logger := log.New(io.Discard, "", 0)
	return NewServer(logger, q, jobStore, st, opts), jobStore
}

func TestCreateJobWithUpload(t *testing.T) {
	q := &fakeQueue{}
	st := &fakeObjectStorage{bucket: "rasterflow-images", presignURL: "http://minio/upload"}
	srv, jobStore := newTestServer(t, q, st, Options{})

	body := bytes.NewBufferString(`{"transform":"grayscale","upload":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/transforms", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Upload struct {
			Bucket          string `json:"bucket"`
			ObjectKey       string `json:"object_key"`
			PresignedPutURL string `json:"presigned_put_url"`
		} `json:"upload"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != domain.JobStatusCreated {
		t.Fatalf("status = %q, want %q", resp.Status, domain.JobStatusCreated)
	}
	if resp.Upload.PresignedPutURL != "http://minio/upload" {
		t.Fatalf("presigned_put_url = %q", resp.Upload.PresignedPutURL)
	}
	if resp.Upload.Bucket != "rasterflow-images" {
		t.Fatalf("bucket = %q, want default bucket", resp.Upload.Bucket)
	}

	job, ok, err := jobStore.Get(context.Background(), resp.JobID)
	if err != nil || !ok {
		t.Fatalf("job not stored: ok=%v err=%v", ok, err)
	}
	if job.ObjectKey != resp.Upload.ObjectKey {
		t.Fatalf("stored key %q != response key %q", job.ObjectKey, resp.Upload.ObjectKey)
	}
}

func TestCreateJobValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing transform", body: `{"upload":true}`},
		{name: "unknown transform", body: `{"transform":"sharpen","upload":true}`},
		{name: "no source", body: `{"transform":"grayscale"}`},
		{name: "inline payload", body: `{"transform":"resize","upload":true,"imageBytes":"abc"}`},
		{name: "malformed json", body: `{"transform":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeQueue{}, &fakeObjectStorage{bucket: "b"}, Options{})
			req := httptest.NewRequest(http.MethodPost, "/v1/transforms", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusBadRequest, rec.Body.String())
			}
		})
	}
}

func TestStartJobEnqueues(t *testing.T) {
	q := &fakeQueue{}
	st := &fakeObjectStorage{bucket: "b", exists: true}
	srv, jobStore := newTestServer(t, q, st, Options{})

	job := domain.Job{
		ID:        "job-123",
		Status:    domain.JobStatusCreated,
		Transform: domain.TransformRotate90,
		Bucket:    "b",
		ObjectKey: "uploads/job-123/source",
	}
	if err := jobStore.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/transforms/job-123/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(q.payloads) != 1 {
		t.Fatalf("enqueued %d payloads, want 1", len(q.payloads))
	}
	if got := q.payloads[0]; got.JobID != "job-123" || got.Transform != domain.TransformRotate90 || got.Key != "uploads/job-123/source" {
		t.Fatalf("unexpected payload %+v", got)
	}

	stored, _, _ := jobStore.Get(context.Background(), "job-123")
	if stored.Status != domain.JobStatusQueued {
		t.Fatalf("status = %q, want %q", stored.Status, domain.JobStatusQueued)
	}
}

func TestStartJobMissingSource(t *testing.T) {
	q := &fakeQueue{}
	st := &fakeObjectStorage{bucket: "b", exists: false}
	srv, jobStore := newTestServer(t, q, st, Options{})

	job := domain.Job{ID: "job-9", Status: domain.JobStatusCreated, Transform: domain.TransformResize, Bucket: "b", ObjectKey: "missing.png"}
	if err := jobStore.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/transforms/job-9/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if len(q.payloads) != 0 {
		t.Fatalf("enqueued %d payloads, want 0", len(q.payloads))
	}
}

func TestStartJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQueue{}, &fakeObjectStorage{bucket: "b", exists: true}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/transforms/nope/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetJob(t *testing.T) {
	srv, jobStore := newTestServer(t, &fakeQueue{}, &fakeObjectStorage{bucket: "b"}, Options{})

	job := domain.Job{ID: "job-7", Status: domain.JobStatusSucceeded, Transform: domain.TransformGrayscale, Bucket: "b", ObjectKey: "cat.png", OutputKey: "grayscale-cat.png"}
	if err := jobStore.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/transforms/job-7", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["output_key"] != "grayscale-cat.png" {
		t.Fatalf("output_key = %v", resp["output_key"])
	}
}

func TestRateLimitRejects(t *testing.T) {
	rl := &fakeRateLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}}
	srv, _ := newTestServer(t, &fakeQueue{}, &fakeObjectStorage{bucket: "b"}, Options{RateLimiter: rl})

	req := httptest.NewRequest(http.MethodPost, "/v1/transforms", bytes.NewBufferString(`{"transform":"grayscale","upload":true}`))
	req.Header.Set("X-Rasterflow-User", "alice")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
	if len(rl.keys) != 1 || rl.keys[0] != "user:alice" {
		t.Fatalf("rate limit keys = %v", rl.keys)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	rl := &fakeRateLimiter{err: errors.New("redis down")}
	st := &fakeObjectStorage{bucket: "b", presignURL: "http://minio/upload"}
	srv, _ := newTestServer(t, &fakeQueue{}, st, Options{RateLimiter: rl})

	req := httptest.NewRequest(http.MethodPost, "/v1/transforms", bytes.NewBufferString(`{"transform":"grayscale","upload":true}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
}

func TestRateLimitSkipsReads(t *testing.T) {
	rl := &fakeRateLimiter{decision: ratelimit.Decision{Allowed: false}}
	srv, _ := newTestServer(t, &fakeQueue{}, &fakeObjectStorage{bucket: "b"}, Options{RateLimiter: rl})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(rl.keys) != 0 {
		t.Fatalf("rate limiter consulted on read path: %v", rl.keys)
	}
}

func TestExtractJobIDFromStartPath(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "/v1/transforms/abc/start", want: "abc"},
		{path: "/v1/transforms/abc", wantErr: true},
		{path: "/v1/transforms//start", wantErr: true},
		{path: "/v1/transforms/a/b/start", wantErr: true},
		{path: "/other/abc/start", wantErr: true},
	}

	for _, tt := range tests {
		got, err := extractJobIDFromStartPath(tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("extractJobIDFromStartPath(%q) expected error", tt.path)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("extractJobIDFromStartPath(%q) = %q, %v; want %q", tt.path, got, err, tt.want)
		}
	}
}
