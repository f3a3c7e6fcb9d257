package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"testing"
	"time"

	"github.com/dunamismax/rasterflow/internal/config"
	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/imaging"
	"github.com/dunamismax/rasterflow/internal/pipeline"
	"github.com/dunamismax/rasterflow/internal/queue"
	"github.com/dunamismax/rasterflow/internal/storage"
	"github.com/dunamismax/rasterflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

type fakeObjectStorage struct {
	objects map[string][]byte
	puts    map[string][]byte
}

func newFakeObjectStorage() *fakeObjectStorage {
	return &fakeObjectStorage{
		objects: make(map[string][]byte),
		puts:    make(map[string][]byte),
	}
}

func (s *fakeObjectStorage) Head(_ context.Context, bucket, key string) (storage.ObjectInfo, error) {
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, storage.ErrObjectNotFound)
	}
	return storage.ObjectInfo{Size: int64(len(data)), ContentType: "image/png"}, nil
}

func (s *fakeObjectStorage) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", key, storage.ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeObjectStorage) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.puts[bucket+"/"+key] = data
	return nil
}

type sentEvent struct {
	endpoint string
	event    string
	body     map[string]any
}

type fakeWebhookSender struct {
	events []sentEvent
	err    error
}

func (f *fakeWebhookSender) Send(_ context.Context, endpoint, event string, payload any) error {
	if f.err != nil {
		return f.err
	}
	body, _ := payload.(map[string]any)
	f.events = append(f.events, sentEvent{endpoint: endpoint, event: event, body: body})
	return nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(40 * y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func newTestWorker(t *testing.T, st pipeline.ObjectStorage, wh webhookSender, jobStore store.JobStore) *Server {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	pipelines := make(map[string]*pipeline.Pipeline, len(imaging.All()))
	for _, transform := range imaging.All() {
		p, err := pipeline.New(pipeline.Config{
			Storage:   st,
			Transform: transform,
			Logger:    logger,
			TempDir:   t.TempDir(),
		})
		if err != nil {
			t.Fatalf("build %s pipeline: %v", transform.Kind(), err)
		}
		pipelines[transform.Kind()] = p
	}

	return &Server{
		logger:        logger,
		sem:           make(chan struct{}, 1),
		pipelines:     pipelines,
		webhookClient: wh,
		jobStore:      jobStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("worker-test"),
	}
}

func newTransformTask(t *testing.T, payload queue.TransformImagePayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewTransformImageTask(payload)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

func seedJob(t *testing.T, jobStore store.JobStore, job domain.Job) {
	t.Helper()
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	if err := jobStore.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestHandleTransformImageSuccess(t *testing.T) {
	st := newFakeObjectStorage()
	st.objects["b/cat.png"] = testPNG(t)
	wh := &fakeWebhookSender{}
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, domain.Job{ID: "job-1", Status: domain.JobStatusQueued, Transform: domain.TransformGrayscale, Bucket: "b", ObjectKey: "cat.png"})

	s := newTestWorker(t, st, wh, jobStore)
	task := newTransformTask(t, queue.TransformImagePayload{
		JobID:      "job-1",
		Transform:  domain.TransformGrayscale,
		Bucket:     "b",
		Key:        "cat.png",
		WebhookURL: "http://hooks.example/jobs",
	})

	if err := s.handleTransformImage(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, ok := st.puts["b/grayscale-cat.png"]; !ok {
		t.Fatalf("expected output object, got puts %v", st.puts)
	}

	job, ok, err := jobStore.Get(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("load job: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("job status = %q, want %q", job.Status, domain.JobStatusSucceeded)
	}
	if job.OutputKey != "grayscale-cat.png" {
		t.Fatalf("output key = %q", job.OutputKey)
	}

	if len(wh.events) != 1 {
		t.Fatalf("expected 1 webhook event, got %d", len(wh.events))
	}
	evt := wh.events[0]
	if evt.event != "job.completed" || evt.endpoint != "http://hooks.example/jobs" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.body["output_key"] != "grayscale-cat.png" {
		t.Fatalf("webhook output_key = %v", evt.body["output_key"])
	}
	envelope, ok := evt.body["response"].(pipeline.Envelope)
	if !ok {
		t.Fatalf("webhook response = %T", evt.body["response"])
	}
	if envelope["outputKey"] != "grayscale-cat.png" {
		t.Fatalf("envelope outputKey = %v", envelope["outputKey"])
	}

	if len(s.sem) != 0 {
		t.Fatalf("job slot not released, %d held", len(s.sem))
	}
}

func TestHandleTransformImageTerminalFailureSkipsRetry(t *testing.T) {
	st := newFakeObjectStorage()
	wh := &fakeWebhookSender{}
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, domain.Job{ID: "job-2", Status: domain.JobStatusQueued, Transform: domain.TransformRotate90, Bucket: "b", ObjectKey: "missing.png"})

	s := newTestWorker(t, st, wh, jobStore)
	task := newTransformTask(t, queue.TransformImagePayload{
		JobID:      "job-2",
		Transform:  domain.TransformRotate90,
		Bucket:     "b",
		Key:        "missing.png",
		WebhookURL: "http://hooks.example/jobs",
	})

	err := s.handleTransformImage(context.Background(), task)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-2")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("job status = %q, want %q", job.Status, domain.JobStatusFailed)
	}

	if len(wh.events) != 1 || wh.events[0].event != "job.failed" {
		t.Fatalf("expected job.failed webhook, got %+v", wh.events)
	}
	envelope, ok := wh.events[0].body["response"].(pipeline.Envelope)
	if !ok {
		t.Fatalf("webhook response = %T", wh.events[0].body["response"])
	}
	if _, hasError := envelope["error"]; !hasError {
		t.Fatalf("expected error in envelope, got %v", envelope)
	}

	if len(s.sem) != 0 {
		t.Fatalf("job slot not released, %d held", len(s.sem))
	}
}

func TestHandleTransformImageUnknownTransform(t *testing.T) {
	s := newTestWorker(t, newFakeObjectStorage(), &fakeWebhookSender{}, store.NewMemoryJobStore())
	task := newTransformTask(t, queue.TransformImagePayload{
		JobID:     "job-3",
		Transform: "sharpen",
		Bucket:    "b",
		Key:       "cat.png",
	})

	err := s.handleTransformImage(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for unknown transform, got %v", err)
	}
}

func TestHandleTransformImageMalformedPayload(t *testing.T) {
	s := newTestWorker(t, newFakeObjectStorage(), &fakeWebhookSender{}, store.NewMemoryJobStore())
	task := asynq.NewTask(queue.TypeTransformImage, []byte("{not json"))

	err := s.handleTransformImage(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed payload, got %v", err)
	}
}

func TestHandleTransformImageWebhookFailureRetries(t *testing.T) {
	st := newFakeObjectStorage()
	st.objects["b/cat.png"] = testPNG(t)
	wh := &fakeWebhookSender{err: errors.New("endpoint unreachable")}
	jobStore := store.NewMemoryJobStore()
	seedJob(t, jobStore, domain.Job{ID: "job-4", Status: domain.JobStatusQueued, Transform: domain.TransformResize, Bucket: "b", ObjectKey: "cat.png"})

	s := newTestWorker(t, st, wh, jobStore)
	task := newTransformTask(t, queue.TransformImagePayload{
		JobID:      "job-4",
		Transform:  domain.TransformResize,
		Bucket:     "b",
		Key:        "cat.png",
		WebhookURL: "http://hooks.example/jobs",
	})

	err := s.handleTransformImage(context.Background(), task)
	if err == nil {
		t.Fatal("expected error when completion webhook fails")
	}
	// Delivery failures are transient; only pipeline failures are terminal.
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("webhook failure must stay retryable, got %v", err)
	}

	// The transform itself succeeded and must stay recorded.
	job, _, _ := jobStore.Get(context.Background(), "job-4")
	if job.Status != domain.JobStatusSucceeded || job.OutputKey != "resized-cat.png" {
		t.Fatalf("job = %+v", job)
	}
}

func TestNewServerSizesJobGate(t *testing.T) {
	tests := []struct {
		maxActive int
		wantSlots int
	}{
		{maxActive: 3, wantSlots: 3},
		{maxActive: 0, wantSlots: 1},
	}

	for _, tt := range tests {
		s, err := NewServer(
			log.New(io.Discard, "", 0),
			config.QueueConfig{Name: "default"},
			config.WorkerConfig{Concurrency: 2, MaxActiveJobs: tt.maxActive},
			newFakeObjectStorage(),
			&fakeWebhookSender{},
			store.NewMemoryJobStore(),
		)
		if err != nil {
			t.Fatalf("NewServer(maxActive=%d): %v", tt.maxActive, err)
		}
		if cap(s.sem) != tt.wantSlots {
			t.Errorf("maxActive=%d: %d job slots, want %d", tt.maxActive, cap(s.sem), tt.wantSlots)
		}
	}
}
