package uploader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bitrise-io/go-blockupload/transport"
)

// fill admits blocks until the concurrency window is full. Retried blocks are admitted only
// after every block had its first attempt.
func (u *Uploader) fill() {
	s := u.s
	for !s.cancelled && len(s.inFlight) < u.config.Concurrency {
		if !u.addNextAction() {
			break
		}
	}
	u.rereadWaiting()
}

// addNextAction starts the upload of the next admissible block. It returns false if none is waiting.
func (u *Uploader) addNextAction() bool {
	s := u.s

	queue := &s.ready
	if len(s.ready) == 0 && s.firstPassDone() {
		queue = &s.retryReady
	}

	for len(*queue) > 0 {
		idx := (*queue)[0]
		*queue = (*queue)[1:]

		b := s.blocks[idx]
		if !b.read || b.uploading || b.resolved {
			continue
		}

		b.uploading = true
		b.started = time.Now()
		s.inFlight[idx] = struct{}{}
		s.outstanding++
		if b.retries == 0 {
			s.firstInFlight++
		}

		req := transport.BlockRequest{
			Index:          b.Index,
			EncodedBlockID: b.EncodedID,
			Data:           b.data,
			MD5:            b.md5,
			ContentType:    u.file.ContentType(),
		}
		go u.putBlock(s.ctx, req, b.retries, b.started)

		u.checkLowWater()
		return true
	}

	return false
}

// rereadWaiting re-reads blocks due for another attempt once the first pass is over.
// At most Concurrency re-read blocks are held in memory.
func (u *Uploader) rereadWaiting() {
	s := u.s
	if s.cancelled || !s.firstPassDone() {
		return
	}

	for len(s.retryWaiting) > 0 && len(s.retryReady)+s.rereading < u.config.Concurrency {
		idx := s.retryWaiting[0]
		s.retryWaiting = s.retryWaiting[1:]
		u.reread(s.blocks[idx])
	}
}

// checkLowWater starts the next batch read once too few blocks are waiting for upload.
func (u *Uploader) checkLowWater() {
	s := u.s
	if s.cancelled || s.reading || s.blocksReadIndex >= s.layout.NumberOfBlocks {
		return
	}
	if len(s.ready) < u.config.LowWaterMark {
		u.readNextBatch()
	}
}

func (u *Uploader) putBlock(ctx context.Context, req transport.BlockRequest, attempt int, started time.Time) {
	if u.isCancelled() {
		u.events <- event{kind: eventPutDone, index: req.Index, err: ErrCancelled, started: started}
		return
	}

	var reqCtx context.Context
	var cancel context.CancelFunc
	if u.config.BlockTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, u.config.BlockTimeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Hung detection is skipped on the last attempt
	if u.config.HungThreshold > 0 && attempt < u.config.MaxBlockAttempts-1 {
		go u.detectHungUpload(reqCtx, cancel, started, req.Index)
	}

	resp, err := u.transport.PutBlock(reqCtx, req)
	if err != nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("block upload timed out after %s: %w", u.config.BlockTimeout, err)
	}

	u.events <- event{kind: eventPutDone, index: req.Index, resp: resp, err: err, started: started}
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.postLog(LevelWarn, "Found hung block upload (block %d); canceling request after %s (avg: %s)",
						index, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func (u *Uploader) onPutDone(ev event) {
	s := u.s
	s.outstanding--
	delete(s.inFlight, ev.index)

	b := s.blocks[ev.index]
	b.uploading = false
	if b.retries == 0 {
		s.firstInFlight--
	}

	if s.cancelled {
		b.data = nil
		return
	}

	if ev.err != nil {
		u.stats.Failed()
		u.retryBlock(b, ev.err)
		u.fill()
		return
	}

	took := time.Since(ev.started)
	u.stats.Update(took)

	b.resolved = true
	b.data = nil
	s.resolvedCount++
	s.resolvedBytes += b.Size()

	previous := s.percent
	s.percent = percentComplete(s.resolvedBytes, s.layout.FileSize)

	u.logLocked(LevelDebug, "Block %s uploaded in %s (%.2f%%)", b.ID, took.Round(time.Millisecond), s.percent)

	if cb := u.callbacks.Progress; cb != nil {
		progress := Progress{
			PreviousPercent: previous,
			Percent:         s.percent,
			BlockSize:       b.Size(),
			StartedAt:       ev.started,
			Response:        ev.resp,
		}
		u.pending = append(u.pending, func() {
			// Cancel may have run since the callback was queued
			if !u.isCancelled() {
				cb(progress)
			}
		})
	}

	u.fill()
	u.checkLowWater()
	u.maybeFinalize()
}

// percentComplete rounds to two decimals. An empty file is complete once its only block is.
func percentComplete(resolvedBytes, fileSize int64) float64 {
	if fileSize == 0 {
		return 100
	}
	return math.Round(float64(resolvedBytes)/float64(fileSize)*100*100) / 100
}
