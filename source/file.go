package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// sniffLen is the number of leading bytes used for content type detection.
const sniffLen = 3072

// DiskFile reads ranges from a file on disk.
// Thread-safe for parallel range reads.
type DiskFile struct {
	file        *os.File
	name        string
	size        int64
	contentType string
}

// OpenFile opens path and detects its content type.
func OpenFile(path string) (*DiskFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	f := &DiskFile{
		file: file,
		name: filepath.Base(path),
		size: info.Size(),
	}

	head, err := f.ReadRange(0, min64(sniffLen, f.size))
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read file head: %w", err)
	}
	f.contentType = DetectContentType(path, head)

	return f, nil
}

// Name ...
func (f *DiskFile) Name() string {
	return f.name
}

// Size ...
func (f *DiskFile) Size() int64 {
	return f.size
}

// ContentType ...
func (f *DiskFile) ContentType() string {
	return f.contentType
}

// SetContentType overrides the detected content type.
func (f *DiskFile) SetContentType(contentType string) {
	f.contentType = contentType
}

// ReadRange reads [start, end) with ReadAt, so concurrent reads don't share a file offset.
func (f *DiskFile) ReadRange(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, f.size); err != nil {
		return nil, err
	}

	data := make([]byte, end-start)
	n, err := f.file.ReadAt(data, start)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == end-start) {
		return nil, fmt.Errorf("read range [%d, %d): %w", start, end, err)
	}

	return data, nil
}

// Close closes the underlying file.
func (f *DiskFile) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
