package uploader

import (
	"time"

	"github.com/bitrise-io/go-blockupload/transport"
)

// Level of a LogEntry.
type Level string

// Log levels ...
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogEntry is mirrored to Callbacks.Log for every message the session logs.
type LogEntry struct {
	Level   Level
	Message string
}

// Progress is reported after every successful block upload.
type Progress struct {
	PreviousPercent float64
	Percent         float64
	BlockSize       int64
	StartedAt       time.Time
	Response        *transport.Response
}

// Result is reported once the block list is committed.
type Result struct {
	Response *transport.Response
	// Digest is the base64 whole-file digest, empty unless requested.
	Digest string
	// ContentDigest is the same digest in "algorithm:hex" form.
	ContentDigest string
	StartedAt     time.Time
	Duration      time.Duration
}

// Callbacks are invoked from the session's scheduler goroutine, never while the session is locked.
// Any of them may be nil. At most one of Complete and Error fires per session.
type Callbacks struct {
	Log      func(LogEntry)
	Progress func(Progress)
	Complete func(Result)
	Error    func(error)
}
