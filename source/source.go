// Package source provides the byte sources block uploads read from.
// Implementations can read from files on disk or memory buffers.
package source

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultContentType is used when the content type can't be determined.
const DefaultContentType = "application/octet-stream"

// File is a sized, randomly readable byte source.
type File interface {
	// Name returns a display name for logs.
	Name() string

	// Size returns the size in bytes. It must not change during an upload.
	Size() int64

	// ContentType returns the MIME type of the final object.
	ContentType() string

	// ReadRange returns the bytes of the half-open range [start, end).
	// Safe for concurrent use; called again for the same range when a block is retried.
	ReadRange(start, end int64) ([]byte, error)
}

func checkRange(start, end, size int64) error {
	if start < 0 || end < start || end > size {
		return fmt.Errorf("range [%d, %d) out of bounds [0, %d)", start, end, size)
	}
	return nil
}

// DetectContentType sniffs the content type from the head of the data,
// falling back to extension-based lookup for generic results.
func DetectContentType(name string, head []byte) string {
	if len(head) > 0 {
		if mt := mimetype.Detect(head); mt != nil && !mt.Is(DefaultContentType) {
			return mt.String()
		}
	}

	return contentTypeFromExtension(name)
}

func contentTypeFromExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}

	return DefaultContentType
}
