package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	TransformGrayscale = "grayscale"
	TransformRotate90  = "rotate90"
	TransformResize    = "resize"
)

// TransformRequest is the unit of work handed to the pipeline: one source
// object, one transform. Inline image payloads are rejected up front because
// the contract is object-storage-only.
type TransformRequest struct {
	Bucket string
	Key    string
}

func (r TransformRequest) Validate() error {
	if strings.TrimSpace(r.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(r.Key) == "" {
		return errors.New("key is required")
	}
	return nil
}

func ValidTransform(kind string) bool {
	switch kind {
	case TransformGrayscale, TransformRotate90, TransformResize:
		return true
	}
	return false
}

type CreateJobRequest struct {
	Transform  string `json:"transform"`
	Bucket     string `json:"bucket,omitempty"`
	Key        string `json:"key,omitempty"`
	Upload     bool   `json:"upload,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`

	// Present only to detect and reject inline payloads.
	ImageBytes  json.RawMessage `json:"imageBytes,omitempty"`
	ImageBase64 json.RawMessage `json:"imageBase64,omitempty"`
}

func (r CreateJobRequest) Validate() error {
	if r.ImageBytes != nil || r.ImageBase64 != nil {
		return errors.New("inline image payloads are not supported; provide bucket/key only")
	}
	transform := strings.ToLower(strings.TrimSpace(r.Transform))
	if transform == "" {
		return errors.New("transform is required")
	}
	if !ValidTransform(transform) {
		return fmt.Errorf("unsupported transform: %s", r.Transform)
	}
	if !r.Upload && strings.TrimSpace(r.Key) == "" {
		return errors.New("key is required when upload is not requested")
	}
	return nil
}

type Job struct {
	ID         string
	Status     string
	Transform  string
	Bucket     string
	ObjectKey  string
	OutputKey  string
	WebhookURL string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
