package pipeline

import (
	"log"
	"os"
	"strings"
)

const (
	// Never spool objects smaller than 5 MiB, whatever the memory headroom
	// says; the disk round-trip costs more than holding them.
	spoolFloorBytes int64 = 5 * 1024 * 1024

	spoolChunkBytes = 8192
)

// SpoolPlan records the in-memory versus temp-file decision made once per
// request before any object bytes are read.
type SpoolPlan struct {
	UseTempFile    bool
	ThresholdBytes int64
}

// DecideSpool compares the source object's declared size against half the
// available working memory (floored at 5 MiB). A non-positive declared size
// means the store could not report one; such objects are treated as small
// and processed in memory.
func DecideSpool(declaredSize, availableMemory int64) SpoolPlan {
	threshold := availableMemory / 2
	if threshold < spoolFloorBytes {
		threshold = spoolFloorBytes
	}
	return SpoolPlan{
		UseTempFile:    declaredSize > 0 && declaredSize > threshold,
		ThresholdBytes: threshold,
	}
}

// sanitizeKey maps an object key onto a filesystem-safe token for temp file
// names. Everything outside [A-Za-z0-9._-] becomes an underscore.
func sanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// tempSet tracks temp files created for one request so the pipeline can
// guarantee their removal on every exit path. RemoveAll is idempotent; it is
// both deferred (panic safety) and called explicitly before metrics finalize.
type tempSet struct {
	logger *log.Logger
	paths  []string
}

func newTempSet(logger *log.Logger) *tempSet {
	return &tempSet{logger: logger}
}

func (t *tempSet) Add(path string) {
	t.paths = append(t.paths, path)
}

func (t *tempSet) RemoveAll() {
	for _, path := range t.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.logger.Printf("temp file cleanup failed path=%s err=%v", path, err)
		}
	}
	t.paths = nil
}
