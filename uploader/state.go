package uploader

import (
	"context"
	"sort"
	"time"

	"github.com/bitrise-io/go-blockupload/block"
	"github.com/bitrise-io/go-blockupload/digest"
	"github.com/cenkalti/backoff/v4"
)

type blockState struct {
	block.Block

	read      bool
	uploading bool
	resolved  bool
	retries   int

	data    []byte
	md5     digest.Digest
	started time.Time
	backoff backoff.BackOff
}

// session is owned by the scheduler goroutine; every field is guarded by Uploader.mu.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	layout block.Layout
	blocks []*blockState

	// ready holds indexes of read blocks waiting for their first upload, in arrival order.
	ready           []int
	inFlight        map[int]struct{}
	blocksReadIndex int
	reading         bool

	// Failed blocks wait in retryWaiting until every block had its first attempt,
	// then are re-read into retryReady. firstInFlight counts first attempts still running.
	retryWaiting  []int
	retryReady    []int
	rereading     int
	firstInFlight int

	resolvedCount int
	resolvedBytes int64
	percent       float64
	retries       int

	hasher        *digest.Hasher
	fileDigest    string
	contentDigest string
	startedAt     time.Time

	committing bool
	completed  bool
	failed     bool
	cancelled  bool
	err        error

	// outstanding counts goroutines and timers that will still post an event.
	outstanding int
	timers      map[int]*time.Timer
}

func newSession(ctx context.Context, id string, layout block.Layout, hasher *digest.Hasher) *session {
	blocks := layout.Blocks()
	states := make([]*blockState, len(blocks))
	for i, b := range blocks {
		states[i] = &blockState{Block: b}
	}

	ctx, cancel := context.WithCancel(ctx)

	return &session{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		layout:    layout,
		blocks:    states,
		inFlight:  map[int]struct{}{},
		hasher:    hasher,
		startedAt: time.Now(),
		timers:    map[int]*time.Timer{},
	}
}

// firstPassDone reports whether every block was read and its first upload attempt returned.
func (s *session) firstPassDone() bool {
	return s.blocksReadIndex >= s.layout.NumberOfBlocks && !s.reading && len(s.ready) == 0 && s.firstInFlight == 0
}

func (s *session) terminal() bool {
	return s.completed || s.failed || s.cancelled
}

func (s *session) drained() bool {
	return s.terminal() && s.outstanding == 0
}

// BlockState is a read-only view of one block.
type BlockState struct {
	Index     int
	ID        string
	EncodedID string
	Start     int64
	End       int64
	Read      bool
	Uploading bool
	Resolved  bool
	Retries   int
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	SessionID       string
	Started         bool
	FileSize        int64
	BlockSize       int64
	NumberOfBlocks  int
	BlocksReadIndex int
	Reading         bool
	Ready           int
	WaitingRetry    int
	InFlight        []int
	Resolved        int
	ResolvedBytes   int64
	Percent         float64
	Retries         int
	Committing      bool
	Completed       bool
	Failed          bool
	Cancelled       bool
	Blocks          []BlockState
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:       s.id,
		Started:         true,
		FileSize:        s.layout.FileSize,
		BlockSize:       s.layout.BlockSize,
		NumberOfBlocks:  s.layout.NumberOfBlocks,
		BlocksReadIndex: s.blocksReadIndex,
		Reading:         s.reading,
		Ready:           len(s.ready) + len(s.retryReady),
		WaitingRetry:    len(s.retryWaiting) + s.rereading,
		InFlight:        make([]int, 0, len(s.inFlight)),
		Resolved:        s.resolvedCount,
		ResolvedBytes:   s.resolvedBytes,
		Percent:         s.percent,
		Retries:         s.retries,
		Committing:      s.committing,
		Completed:       s.completed,
		Failed:          s.failed,
		Cancelled:       s.cancelled,
		Blocks:          make([]BlockState, len(s.blocks)),
	}

	for idx := range s.inFlight {
		snap.InFlight = append(snap.InFlight, idx)
	}
	sort.Ints(snap.InFlight)

	for i, b := range s.blocks {
		snap.Blocks[i] = BlockState{
			Index:     b.Index,
			ID:        b.ID,
			EncodedID: b.EncodedID,
			Start:     b.Start,
			End:       b.End,
			Read:      b.read,
			Uploading: b.uploading,
			Resolved:  b.resolved,
			Retries:   b.retries,
		}
	}

	return snap
}
