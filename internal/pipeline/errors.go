package pipeline

import "errors"

// Kind classifies a pipeline failure. Every error leaving the pipeline
// carries exactly one kind; the worker and the response envelope both key
// off it.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindNotFound          Kind = "NotFound"
	KindStorage           Kind = "StorageError"
	KindUnsupportedFormat Kind = "UnsupportedFormat"
	KindInvalidImage      Kind = "InvalidImage"
	KindEncodeUnsupported Kind = "EncodeUnsupported"
	KindInternal          Kind = "InternalError"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from a pipeline error, defaulting to
// InternalError for anything unclassified.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindInternal
}
