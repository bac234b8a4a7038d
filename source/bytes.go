package source

// Bytes is an in-memory File.
// Useful for streaming scenarios where data is already in memory.
type Bytes struct {
	name        string
	contentType string
	data        []byte
}

// NewBytes creates a File over data. An empty contentType is detected from the data.
func NewBytes(name, contentType string, data []byte) *Bytes {
	if contentType == "" {
		contentType = DetectContentType(name, data[:min64(sniffLen, int64(len(data)))])
	}

	return &Bytes{
		name:        name,
		contentType: contentType,
		data:        data,
	}
}

// Name ...
func (b *Bytes) Name() string {
	return b.name
}

// Size ...
func (b *Bytes) Size() int64 {
	return int64(len(b.data))
}

// ContentType ...
func (b *Bytes) ContentType() string {
	return b.contentType
}

// ReadRange returns a copy of [start, end), so callers may release or mutate it freely.
func (b *Bytes) ReadRange(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, b.Size()); err != nil {
		return nil, err
	}

	out := make([]byte, end-start)
	copy(out, b.data[start:end])
	return out, nil
}
