// Package uploader uploads a file as a block blob: blocks are read ahead in batches,
// uploaded with bounded concurrency, retried individually and committed in index order.
package uploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-blockupload/block"
	"github.com/bitrise-io/go-blockupload/digest"
	"github.com/bitrise-io/go-blockupload/source"
	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

const abortTimeout = 30 * time.Second

// Uploader runs one upload session.
// Every state change happens on a single scheduler goroutine that consumes block outcomes from a channel.
type Uploader struct {
	transport transport.Transport
	callbacks Callbacks
	logger    log.Logger
	stats     *Stats

	mu         sync.Mutex
	file       source.File
	config     Config
	layout     block.Layout
	configured bool
	cancelled  bool
	s          *session
	pending    []func()

	events    chan event
	done      chan struct{}
	doneOnce  sync.Once
	stopWatch func() bool
}

// New creates an Uploader. A nil transport is replaced by an Azure REST transport
// for Config.DestinationURI when SetConfig is called.
func New(tr transport.Transport, callbacks Callbacks, logger log.Logger) *Uploader {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		transport: tr,
		callbacks: callbacks,
		logger:    logger,
		stats:     NewStats(),
		done:      make(chan struct{}),
	}
}

// SetFile sets the file to upload. Must be called before SetConfig.
func (u *Uploader) SetFile(file source.File) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s != nil {
		return ErrAlreadyStarted
	}
	if file == nil {
		return ErrFileNotSet
	}

	u.file = file
	u.configured = false

	return nil
}

// SetConfig validates the configuration and computes the block layout of the file.
func (u *Uploader) SetConfig(config Config) error {
	err := u.setConfig(config)
	if err != nil {
		u.logf(LevelError, "Invalid upload configuration: %s", err)
	}
	return err
}

func (u *Uploader) setConfig(config Config) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s != nil {
		return ErrAlreadyStarted
	}
	if u.file == nil {
		return ErrFileNotSet
	}

	config, err := config.normalize()
	if err != nil {
		return err
	}

	layout, err := block.Plan(u.file.Size(), config.BlockSize)
	if err != nil {
		return err
	}

	if u.transport == nil {
		if config.DestinationURI == "" {
			return fmt.Errorf("destination URI is required")
		}
		tr, err := transport.NewAzureREST(config.DestinationURI, u.logger)
		if err != nil {
			return err
		}
		u.transport = tr
	}

	if checker, ok := u.transport.(transport.LayoutChecker); ok {
		if err := checker.CheckLayout(layout.BlockSize, layout.NumberOfBlocks); err != nil {
			return err
		}
	}

	u.config = config
	u.layout = layout
	u.configured = true

	return nil
}

// Upload plans the blocks, starts the read pipeline and returns without waiting for the upload.
// Cancelling ctx cancels the session.
func (u *Uploader) Upload(ctx context.Context) error {
	u.mu.Lock()

	switch {
	case u.s != nil:
		u.mu.Unlock()
		return ErrAlreadyStarted
	case u.file == nil:
		u.mu.Unlock()
		return ErrFileNotSet
	case !u.configured:
		u.mu.Unlock()
		return ErrNotConfigured
	case u.cancelled:
		u.mu.Unlock()
		return ErrCancelled
	}

	var hasher *digest.Hasher
	if u.config.CalculateWholeFileDigest {
		h, err := digest.New(u.config.DigestAlgorithm)
		if err != nil {
			u.mu.Unlock()
			return err
		}
		hasher = h
	}

	u.s = newSession(ctx, uuid.NewString(), u.layout, hasher)
	u.events = make(chan event, u.config.Concurrency+u.config.BatchSize+4)

	u.logLocked(LevelInfo, "Uploading %s (%s) in %d block(s) of %s, session %s",
		u.file.Name(),
		units.BytesSize(float64(u.layout.FileSize)),
		u.layout.NumberOfBlocks,
		units.BytesSize(float64(u.layout.BlockSize)),
		u.s.id)

	go u.run()
	u.readNextBatch()
	u.stopWatch = context.AfterFunc(ctx, u.Cancel)

	// Queued log callbacks are flushed by the scheduler goroutine
	u.mu.Unlock()

	return nil
}

// Cancel stops the session and aborts in-flight requests. No further callback fires.
func (u *Uploader) Cancel() {
	u.mu.Lock()

	if u.s == nil {
		u.cancelled = true
		u.mu.Unlock()
		u.finish()
		return
	}

	u.cancelLocked()

	// Once drained the scheduler goroutine is idle, otherwise it flushes the queued callbacks
	drained := u.s.drained()
	var pending []func()
	if drained {
		pending = u.takePendingLocked()
	}
	u.mu.Unlock()

	if drained {
		runAll(pending)
		u.finish()
	}
}

func (u *Uploader) cancelLocked() {
	s := u.s
	if s.cancelled || s.completed {
		return
	}

	s.cancelled = true
	s.err = ErrCancelled
	s.cancel()
	u.stopTimersLocked()
	u.logLocked(LevelWarn, "Upload cancelled, %d of %d block(s) uploaded", s.resolvedCount, s.layout.NumberOfBlocks)
}

// State returns a consistent snapshot of the session.
func (u *Uploader) State() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s == nil {
		return Snapshot{
			FileSize:       u.layout.FileSize,
			BlockSize:      u.layout.BlockSize,
			NumberOfBlocks: u.layout.NumberOfBlocks,
			Cancelled:      u.cancelled,
		}
	}

	return u.s.snapshot()
}

// Stats returns the block upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Done is closed once the session completed, failed or was cancelled and every request has returned.
func (u *Uploader) Done() <-chan struct{} {
	return u.done
}

// Wait blocks until Done and returns the session error: nil on success, a *BlockError or
// *CommitError on failure and ErrCancelled after Cancel.
func (u *Uploader) Wait(ctx context.Context) error {
	select {
	case <-u.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s == nil {
		return ErrCancelled
	}
	return u.s.err
}

func (u *Uploader) run() {
	for {
		select {
		case ev := <-u.events:
			u.mu.Lock()
			if u.s.ctx.Err() != nil {
				u.cancelLocked()
			}
			u.handle(ev)
			drained := u.s.drained()
			pending := u.takePendingLocked()
			u.mu.Unlock()

			runAll(pending)
			if drained {
				u.finish()
				return
			}
		case <-u.done:
			return
		}
	}
}

func (u *Uploader) handle(ev event) {
	switch ev.kind {
	case eventBlockRead:
		u.onBlockRead(ev)
	case eventBatchFirst, eventBatchHalf:
		u.onBatchMarker(ev)
	case eventBatchDone:
		u.onBatchDone(ev)
	case eventReadFailed:
		u.onReadFailed(ev)
	case eventBlockReread:
		u.onBlockReread(ev)
	case eventPutDone:
		u.onPutDone(ev)
	case eventRetryDue:
		u.onRetryDue(ev)
	case eventCommitDone:
		u.onCommitDone(ev)
	case eventLog:
		u.queueLogEntry(LogEntry{Level: ev.level, Message: ev.message})
	}
}

// fail ends the session with err unless it already ended.
func (u *Uploader) fail(err error) {
	s := u.s
	if s.terminal() {
		return
	}

	s.failed = true
	s.cancelled = true
	s.err = err
	s.cancel()
	u.stopTimersLocked()
	u.logLocked(LevelError, "Upload failed: %s", err)

	if cb := u.callbacks.Error; cb != nil {
		u.pending = append(u.pending, func() { cb(err) })
	}
}

func (u *Uploader) finish() {
	u.doneOnce.Do(func() {
		u.mu.Lock()
		stop := u.stopWatch
		s := u.s
		unfinished := s != nil && !s.completed
		u.mu.Unlock()
		if stop != nil {
			stop()
		}
		if unfinished {
			u.abortTransport(s)
		}
		if s != nil {
			s.cancel()
		}
		close(u.done)
	})
}

// abortTransport discards the staged blocks of a failed or cancelled session, if the transport supports it.
// The session context is cancelled by then; only its values are kept.
func (u *Uploader) abortTransport(s *session) {
	aborter, ok := u.transport.(transport.Aborter)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), abortTimeout)
	defer cancel()

	if err := aborter.Abort(ctx); err != nil {
		u.logger.Warnf("Failed to discard staged blocks: %s", err)
		return
	}
	u.logger.Debugf("Staged blocks discarded")
}

func (u *Uploader) isCancelled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.s != nil && u.s.cancelled
}

func (u *Uploader) takePendingLocked() []func() {
	pending := u.pending
	u.pending = nil
	return pending
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func (u *Uploader) write(level Level, msg string) {
	switch level {
	case LevelDebug:
		u.logger.Debugf("%s", msg)
	case LevelInfo:
		u.logger.Infof("%s", msg)
	case LevelWarn:
		u.logger.Warnf("%s", msg)
	case LevelError:
		u.logger.Errorf("%s", msg)
	}
}

// logf logs from outside the scheduler goroutine while mu is not held.
func (u *Uploader) logf(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	u.write(level, msg)
	if cb := u.callbacks.Log; cb != nil {
		cb(LogEntry{Level: level, Message: msg})
	}
}

// logLocked logs while mu is held; the Log callback runs once mu is released.
func (u *Uploader) logLocked(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	u.write(level, msg)
	u.queueLogEntry(LogEntry{Level: level, Message: msg})
}

func (u *Uploader) queueLogEntry(entry LogEntry) {
	if cb := u.callbacks.Log; cb != nil {
		u.pending = append(u.pending, func() { cb(entry) })
	}
}

// postLog logs from a worker goroutine and hands the Log callback to the scheduler goroutine.
func (u *Uploader) postLog(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	u.write(level, msg)
	if u.callbacks.Log == nil {
		return
	}

	select {
	case u.events <- event{kind: eventLog, level: level, message: msg}:
	case <-u.done:
	}
}

type eventKind int

const (
	eventBlockRead eventKind = iota
	eventBatchFirst
	eventBatchHalf
	eventBatchDone
	eventReadFailed
	eventBlockReread
	eventPutDone
	eventRetryDue
	eventCommitDone
	eventLog
)

// event is one outcome posted to the scheduler goroutine.
type event struct {
	kind  eventKind
	index int

	data  []byte
	md5   digest.Digest
	count int

	resp     *transport.Response
	err      error
	started  time.Time
	attempts int

	level   Level
	message string
}
