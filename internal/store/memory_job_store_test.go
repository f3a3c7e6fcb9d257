package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/rasterflow/internal/domain"
)

func TestMemoryJobStoreLifecycle(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()

	job := domain.Job{
		ID:        "job-1",
		Status:    domain.JobStatusCreated,
		Transform: domain.TransformResize,
		Bucket:    "images",
		ObjectKey: "cat.png",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := s.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Transform != domain.TransformResize {
		t.Fatalf("expected resize transform, got %s", got.Transform)
	}

	updated, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusProcessing)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != domain.JobStatusProcessing {
		t.Fatalf("expected processing, got %s", updated.Status)
	}

	done, err := s.UpdateResult(ctx, "job-1", domain.JobStatusSucceeded, "resized-cat.png")
	if err != nil {
		t.Fatalf("update result: %v", err)
	}
	if done.OutputKey != "resized-cat.png" {
		t.Fatalf("expected output key, got %s", done.OutputKey)
	}

	if _, err := s.UpdateStatus(ctx, "no-such-job", domain.JobStatusFailed); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
