package uploader

import (
	"context"
	"time"

	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-utils/retry"
)

// maybeFinalize commits the block list once every block is resolved and nothing is in flight.
// The committing flag makes sure this happens at most once per session.
func (u *Uploader) maybeFinalize() {
	s := u.s
	if s.committing || s.cancelled {
		return
	}
	if s.resolvedCount < s.layout.NumberOfBlocks || len(s.inFlight) > 0 {
		return
	}

	s.committing = true
	if s.hasher != nil {
		s.fileDigest = s.hasher.Finalize().Base64()
		s.contentDigest = s.hasher.ContentDigest().String()
	}

	req := transport.CommitRequest{
		Blocks:      make([]transport.CommitBlock, 0, len(s.blocks)),
		ContentType: u.file.ContentType(),
	}
	for _, b := range s.blocks {
		req.Blocks = append(req.Blocks, transport.CommitBlock{Index: b.Index, EncodedID: b.EncodedID})
	}

	u.logLocked(LevelInfo, "All %d block(s) uploaded, committing block list", len(req.Blocks))

	s.outstanding++
	go u.commit(s.ctx, req)
}

func (u *Uploader) commit(ctx context.Context, req transport.CommitRequest) {
	var resp *transport.Response
	attempts := 0

	err := retry.Times(u.config.MaxCommitRetries).Wait(u.config.CommitRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if u.isCancelled() {
			return ErrCancelled, true
		}

		attempts = int(attempt) + 1
		r, err := u.transport.CommitBlockList(ctx, req)
		if err != nil {
			u.postLog(LevelWarn, "Commit attempt %d failed: %s", attempts, err)
			return err, false
		}

		resp = r
		return nil, true
	})

	u.events <- event{kind: eventCommitDone, resp: resp, err: err, attempts: attempts}
}

func (u *Uploader) onCommitDone(ev event) {
	s := u.s
	s.outstanding--

	if s.cancelled {
		return
	}
	if ev.err != nil {
		u.fail(&CommitError{Attempts: ev.attempts, Err: ev.err})
		return
	}

	s.completed = true
	result := Result{
		Response:      ev.resp,
		Digest:        s.fileDigest,
		ContentDigest: s.contentDigest,
		StartedAt:     s.startedAt,
		Duration:      time.Since(s.startedAt),
	}

	u.logLocked(LevelInfo, "Upload completed in %s", result.Duration.Round(time.Millisecond))

	if cb := u.callbacks.Complete; cb != nil {
		u.pending = append(u.pending, func() { cb(result) })
	}
}
