// Package pipeline implements the memory-aware image transformation
// pipeline: probe the source object's size, decide whether to spool it to a
// temp file, decode it into a raster, apply the configured transform,
// re-encode in the source format (falling back to PNG), and store the result
// under a prefixed key. Every failure is converted into an error envelope at
// this boundary; temp resources are removed on every exit path.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/imaging"
	"github.com/dunamismax/rasterflow/internal/metrics"
	"github.com/dunamismax/rasterflow/internal/storage"
)

// ObjectStorage is the three-method storage contract the pipeline depends
// on. The MinIO client satisfies it; tests use an in-memory fake.
type ObjectStorage interface {
	Head(ctx context.Context, bucket, key string) (storage.ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// Collector receives stage timings and produces the metrics map merged into
// the response envelope.
type Collector interface {
	RecordDuration(name string, d time.Duration)
	Snapshot() map[string]any
}

// Envelope is the harness-facing response: all metrics key/value pairs plus
// exactly one of outputKey / error.
type Envelope map[string]any

// Result is what the worker consumes: the envelope plus structured facts the
// envelope does not carry.
type Result struct {
	Envelope       Envelope
	OutputKey      string
	OutputFormat   string
	Spooled        bool
	EncodeFallback bool
}

type Config struct {
	Storage   ObjectStorage
	Transform imaging.Transform
	Logger    *log.Logger

	// TempDir overrides the spool directory; empty means os.TempDir().
	TempDir string

	// AvailableMemory overrides working-memory discovery (tests).
	AvailableMemory func() int64

	// NewCollector overrides metrics collection (tests).
	NewCollector func() Collector

	// MemoryFallbackBytes is used when host memory discovery fails.
	MemoryFallbackBytes int64
}

type Pipeline struct {
	storage         ObjectStorage
	transform       imaging.Transform
	logger          *log.Logger
	tempDir         string
	availableMemory func() int64
	newCollector    func() Collector
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Transform == nil {
		return nil, errors.New("transform is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[pipeline] ", log.LstdFlags|log.Lmsgprefix)
	}

	fallback := cfg.MemoryFallbackBytes
	if fallback <= 0 {
		fallback = 256 * 1024 * 1024
	}

	availableMemory := cfg.AvailableMemory
	if availableMemory == nil {
		availableMemory = func() int64 { return metrics.AvailableMemory(fallback) }
	}

	newCollector := cfg.NewCollector
	if newCollector == nil {
		newCollector = func() Collector { return metrics.NewCollector() }
	}

	return &Pipeline{
		storage:         cfg.Storage,
		transform:       cfg.Transform,
		logger:          logger,
		tempDir:         cfg.TempDir,
		availableMemory: availableMemory,
		newCollector:    newCollector,
	}, nil
}

// Transform returns the variant this pipeline was constructed with.
func (p *Pipeline) Transform() imaging.Transform {
	return p.transform
}

// Run executes one transform request end to end. The returned envelope is
// always complete: metrics are present on success and failure, and exactly
// one of outputKey / error is set. The returned error, when non-nil, is a
// *Error carrying the failure kind; it never propagates as a raw fault.
func (p *Pipeline) Run(ctx context.Context, req domain.TransformRequest) (Result, error) {
	col := p.newCollector()
	tmp := newTempSet(p.logger)
	defer tmp.RemoveAll()

	res := Result{Envelope: Envelope{}}
	err := p.run(ctx, req, col, tmp, &res)

	tmp.RemoveAll()
	for k, v := range col.Snapshot() {
		res.Envelope[k] = v
	}

	if err != nil {
		perr := asPipelineError(err)
		res.Envelope["error"] = perr.Error()
		p.logger.Printf("transform failed kind=%s bucket=%s key=%s err=%v",
			perr.Kind, req.Bucket, req.Key, err)
		return res, perr
	}

	res.Envelope["outputKey"] = res.OutputKey
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, req domain.TransformRequest, col Collector, tmp *tempSet, res *Result) error {
	if err := req.Validate(); err != nil {
		return &Error{Kind: KindValidation, Message: err.Error()}
	}

	probeStart := time.Now()
	info, err := p.storage.Head(ctx, req.Bucket, req.Key)
	col.RecordDuration("probe", time.Since(probeStart))
	if err != nil {
		return classifyStorageError("probe source object", req.Key, err)
	}

	plan := DecideSpool(info.Size, p.availableMemory())
	res.Spooled = plan.UseTempFile

	loadStart := time.Now()
	raster, srcFormat, err := p.load(ctx, req, plan, tmp)
	col.RecordDuration("load", time.Since(loadStart))
	if err != nil {
		return err
	}

	transformStart := time.Now()
	transformed := p.transform.Apply(raster)
	col.RecordDuration("transform", time.Since(transformStart))

	outputKey := p.transform.OutputPrefix() + "-" + req.Key

	encodeStart := time.Now()
	encoded, outFormat, fellBack, err := p.encodeOutput(transformed, srcFormat, plan, tmp, outputKey)
	col.RecordDuration("encode", time.Since(encodeStart))
	if err != nil {
		return err
	}
	res.OutputFormat = outFormat
	res.EncodeFallback = fellBack
	if fellBack {
		p.logger.Printf("encoder rejected format=%s key=%s, substituted %s",
			srcFormat, req.Key, imaging.FallbackFormat)
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = imaging.ContentTypeForFormat(outFormat)
	}

	storeStart := time.Now()
	err = p.store(ctx, req.Bucket, outputKey, encoded, contentType)
	col.RecordDuration("store", time.Since(storeStart))
	if err != nil {
		return err
	}

	res.OutputKey = outputKey
	return nil
}

// load materialises the source object per the spool plan and decodes it. The
// format name comes from sniffing the header, so an unregistered codec fails
// with UnsupportedFormat before any decode is attempted; decodable-looking
// headers over corrupt bytes fail with InvalidImage.
func (p *Pipeline) load(ctx context.Context, req domain.TransformRequest, plan SpoolPlan, tmp *tempSet) (*imaging.Raster, string, error) {
	rc, err := p.storage.Get(ctx, req.Bucket, req.Key)
	if err != nil {
		return nil, "", classifyStorageError("get source object", req.Key, err)
	}
	defer rc.Close()

	if plan.UseTempFile {
		return p.loadSpooled(rc, req.Key, tmp)
	}
	return p.loadDirect(rc, req.Key)
}

func (p *Pipeline) loadSpooled(rc io.Reader, key string, tmp *tempSet) (*imaging.Raster, string, error) {
	f, err := os.CreateTemp(p.tempDir, "rasterflow-input-*-"+sanitizeKey(key))
	if err != nil {
		return nil, "", &Error{Kind: KindInternal, Message: "create spool file", Err: err}
	}
	tmp.Add(f.Name())
	defer f.Close()

	buf := make([]byte, spoolChunkBytes)
	if _, err := io.CopyBuffer(f, rc, buf); err != nil {
		return nil, "", &Error{Kind: KindInternal, Message: "spool source object", Err: err}
	}

	header := make([]byte, imaging.SniffLen)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", &Error{Kind: KindInternal, Message: "rewind spool file", Err: err}
	}
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, "", &Error{Kind: KindInternal, Message: "read spool file header", Err: err}
	}

	format := imaging.Sniff(header[:n])
	if format == "" {
		return nil, "", &Error{Kind: KindUnsupportedFormat, Message: fmt.Sprintf("unsupported or unknown image format for key: %s", key)}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", &Error{Kind: KindInternal, Message: "rewind spool file", Err: err}
	}
	raster, _, err := imaging.Decode(f)
	if err != nil {
		return nil, "", &Error{Kind: KindInvalidImage, Message: fmt.Sprintf("invalid image data for key: %s", key), Err: err}
	}
	return raster, format, nil
}

func (p *Pipeline) loadDirect(rc io.Reader, key string) (*imaging.Raster, string, error) {
	header := make([]byte, imaging.SniffLen)
	n, err := io.ReadFull(rc, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, "", &Error{Kind: KindStorage, Message: "read source object", Err: err}
	}

	format := imaging.Sniff(header[:n])
	if format == "" {
		return nil, "", &Error{Kind: KindUnsupportedFormat, Message: fmt.Sprintf("unsupported or unknown image format for key: %s", key)}
	}

	// The storage stream cannot seek, so stitch the sniffed header back in
	// front of the remainder instead of re-opening the object.
	raster, _, err := imaging.Decode(io.MultiReader(bytes.NewReader(header[:n]), rc))
	if err != nil {
		return nil, "", &Error{Kind: KindInvalidImage, Message: fmt.Sprintf("invalid image data for key: %s", key), Err: err}
	}
	return raster, format, nil
}

// encodedOutput holds the serialized result either in memory or spooled to a
// temp file, matching how the source was handled.
type encodedOutput struct {
	data []byte
	path string
	size int64
}

// encodeOutput serialises the raster in the source format. If that encoder
// is unavailable or rejects the raster it retries once with the fallback
// format; a second failure is terminal (EncodeUnsupported).
func (p *Pipeline) encodeOutput(raster *imaging.Raster, format string, plan SpoolPlan, tmp *tempSet, outputKey string) (encodedOutput, string, bool, error) {
	if plan.UseTempFile {
		return p.encodeSpooled(raster, format, tmp, outputKey)
	}

	data, err := imaging.Encode(raster, format)
	if err == nil {
		return encodedOutput{data: data, size: int64(len(data))}, format, false, nil
	}

	data, fbErr := imaging.Encode(raster, imaging.FallbackFormat)
	if fbErr != nil {
		return encodedOutput{}, "", false, &Error{
			Kind:    KindEncodeUnsupported,
			Message: fmt.Sprintf("encode failed for format %s and fallback %s", format, imaging.FallbackFormat),
			Err:     errors.Join(err, fbErr),
		}
	}
	return encodedOutput{data: data, size: int64(len(data))}, imaging.FallbackFormat, true, nil
}

func (p *Pipeline) encodeSpooled(raster *imaging.Raster, format string, tmp *tempSet, outputKey string) (encodedOutput, string, bool, error) {
	f, err := os.CreateTemp(p.tempDir, "rasterflow-output-*-"+sanitizeKey(outputKey))
	if err != nil {
		return encodedOutput{}, "", false, &Error{Kind: KindInternal, Message: "create output spool file", Err: err}
	}
	tmp.Add(f.Name())
	defer f.Close()

	fellBack := false
	encErr := imaging.EncodeTo(f, raster, format)
	if encErr != nil {
		if err := f.Truncate(0); err != nil {
			return encodedOutput{}, "", false, &Error{Kind: KindInternal, Message: "reset output spool file", Err: err}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return encodedOutput{}, "", false, &Error{Kind: KindInternal, Message: "reset output spool file", Err: err}
		}
		if fbErr := imaging.EncodeTo(f, raster, imaging.FallbackFormat); fbErr != nil {
			return encodedOutput{}, "", false, &Error{
				Kind:    KindEncodeUnsupported,
				Message: fmt.Sprintf("encode failed for format %s and fallback %s", format, imaging.FallbackFormat),
				Err:     errors.Join(encErr, fbErr),
			}
		}
		format = imaging.FallbackFormat
		fellBack = true
	}

	info, err := f.Stat()
	if err != nil {
		return encodedOutput{}, "", false, &Error{Kind: KindInternal, Message: "stat output spool file", Err: err}
	}
	return encodedOutput{path: f.Name(), size: info.Size()}, format, fellBack, nil
}

func (p *Pipeline) store(ctx context.Context, bucket, key string, out encodedOutput, contentType string) error {
	var body io.Reader
	if out.path != "" {
		f, err := os.Open(out.path)
		if err != nil {
			return &Error{Kind: KindInternal, Message: "open output spool file", Err: err}
		}
		defer f.Close()
		body = f
	} else {
		body = bytes.NewReader(out.data)
	}

	if err := p.storage.Put(ctx, bucket, key, body, out.size, contentType); err != nil {
		return &Error{Kind: KindStorage, Message: "store transformed object", Err: err}
	}
	return nil
}

func classifyStorageError(op, key string, err error) *Error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return &Error{Kind: KindNotFound, Message: fmt.Sprintf("source object not found: %s", key), Err: err}
	}
	return &Error{Kind: KindStorage, Message: op + " failed", Err: err}
}

func asPipelineError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Kind: KindInternal, Message: "unexpected pipeline failure", Err: err}
}
