// Package transport sends staged blocks and the final block list to the object store.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-blockupload/digest"
)

// Transport stages blocks and commits the ordered block list.
// Implementations must be safe for concurrent PutBlock calls.
type Transport interface {
	PutBlock(ctx context.Context, req BlockRequest) (*Response, error)
	CommitBlockList(ctx context.Context, req CommitRequest) (*Response, error)
}

// LayoutChecker is implemented by transports that limit the size or number of blocks.
type LayoutChecker interface {
	CheckLayout(blockSize int64, numberOfBlocks int) error
}

// Aborter is implemented by transports that can discard the blocks of an unfinished upload.
type Aborter interface {
	Abort(ctx context.Context) error
}

// BlockRequest carries one block upload.
type BlockRequest struct {
	Index          int
	EncodedBlockID string
	Data           []byte
	MD5            digest.Digest
	ContentType    string
}

// CommitBlock identifies a staged block in the commit request.
type CommitBlock struct {
	Index     int
	EncodedID string
}

// CommitRequest lists every block in index order.
type CommitRequest struct {
	Blocks      []CommitBlock
	ContentType string
}

// EncodedIDs returns the encoded block ids in request order.
func (r CommitRequest) EncodedIDs() []string {
	ids := make([]string, 0, len(r.Blocks))
	for _, b := range r.Blocks {
		ids = append(ids, b.EncodedID)
	}
	return ids
}

// Response is the transport-neutral result of a successful request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned when the service answered with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0 if there is none.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
