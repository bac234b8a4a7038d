package uploader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-blockupload/digest"
	"github.com/bitrise-io/go-blockupload/source"
	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory block store.
type fakeTransport struct {
	mu sync.Mutex

	// failFirst fails the first n attempts of every block, -1 fails every attempt.
	failFirst int
	// commitFailures fails the first n commits.
	commitFailures int
	// hook runs before every PutBlock with the 1-based attempt number of the block.
	hook func(ctx context.Context, req transport.BlockRequest, attempt int) error

	attempts      map[string]int
	failedIDs     map[string]struct{}
	staged        map[string][]byte
	md5Mismatches int
	putCalls      int
	completion    []int
	commitCalls   int
	commits       []transport.CommitRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		attempts:  map[string]int{},
		failedIDs: map[string]struct{}{},
		staged:    map[string][]byte{},
	}
}

func (f *fakeTransport) PutBlock(ctx context.Context, req transport.BlockRequest) (*transport.Response, error) {
	f.mu.Lock()
	f.putCalls++
	f.attempts[req.EncodedBlockID]++
	attempt := f.attempts[req.EncodedBlockID]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req, attempt); err != nil {
			f.mu.Lock()
			f.failedIDs[req.EncodedBlockID] = struct{}{}
			f.mu.Unlock()
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFirst < 0 || attempt <= f.failFirst {
		f.failedIDs[req.EncodedBlockID] = struct{}{}
		return nil, &transport.StatusError{StatusCode: http.StatusInternalServerError, Body: "InternalError"}
	}

	if digest.BlockMD5(req.Data).Base64() != req.MD5.Base64() {
		f.md5Mismatches++
	}

	data := make([]byte, len(req.Data))
	copy(data, req.Data)
	f.staged[req.EncodedBlockID] = data
	f.completion = append(f.completion, req.Index)

	return &transport.Response{StatusCode: http.StatusCreated}, nil
}

func (f *fakeTransport) CommitBlockList(_ context.Context, req transport.CommitRequest) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commitCalls++
	if f.commitCalls <= f.commitFailures {
		return nil, &transport.StatusError{StatusCode: http.StatusServiceUnavailable, Body: "ServerBusy"}
	}

	f.commits = append(f.commits, req)
	return &transport.Response{StatusCode: http.StatusCreated}, nil
}

// committed reassembles the committed blob.
func (f *fakeTransport) committed() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []byte
	for _, b := range f.commits[len(f.commits)-1].Blocks {
		out = append(out, f.staged[b.EncodedID]...)
	}
	return out
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCalls
}

func (f *fakeTransport) failedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failedIDs)
}

// abortingTransport counts Abort calls on top of fakeTransport.
type abortingTransport struct {
	*fakeTransport
	aborts atomic.Int32
}

func (a *abortingTransport) Abort(context.Context) error {
	a.aborts.Add(1)
	return nil
}

// limitedTransport rejects layouts with more than maxBlocks blocks.
type limitedTransport struct {
	*fakeTransport
	maxBlocks int
}

func (l *limitedTransport) CheckLayout(_ int64, numberOfBlocks int) error {
	if numberOfBlocks > l.maxBlocks {
		return fmt.Errorf("%d blocks exceed the limit of %d", numberOfBlocks, l.maxBlocks)
	}
	return nil
}

// recorder collects callback invocations.
type recorder struct {
	mu       sync.Mutex
	logs     []LogEntry
	progress []Progress
	results  []Result
	errs     []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Log: func(e LogEntry) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.logs = append(r.logs, e)
		},
		Progress: func(p Progress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, p)
		},
		Complete: func(res Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, res)
		},
		Error: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) counts() (progress, results, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress), len(r.results), len(r.errs)
}

func (r *recorder) progressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress)
}

func (r *recorder) hasLog(level Level, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.logs {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}

func testConfig(blockSize int64) Config {
	config := DefaultConfig()
	config.BlockSize = blockSize
	config.RetryInitialInterval = 0
	config.CommitRetryWait = 0
	config.HungThreshold = 0
	return config
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func startUpload(t *testing.T, file source.File, tr transport.Transport, config Config, callbacks Callbacks) *Uploader {
	t.Helper()

	u := New(tr, callbacks, log.NewLogger())
	require.NoError(t, u.SetFile(file))
	require.NoError(t, u.SetConfig(config))
	require.NoError(t, u.Upload(context.Background()))

	return u
}

func waitDone(t *testing.T, u *Uploader) {
	t.Helper()

	select {
	case <-u.Done():
	case <-time.After(60 * time.Second):
		require.FailNow(t, "upload did not finish in time")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errInjected = errors.New("injected failure")
