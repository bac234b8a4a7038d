package uploader

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryBlock runs the retry policy for a failed block: the block is dropped from memory and
// queued for a re-read after a backoff delay, or the session fails once the attempt cap is hit.
func (u *Uploader) retryBlock(b *blockState, cause error) {
	s := u.s
	b.retries++
	s.retries++

	if b.retries >= u.config.MaxBlockAttempts {
		u.fail(&BlockError{BlockID: b.ID, Attempts: b.retries, Err: cause})
		return
	}

	b.read = false
	b.uploading = false
	b.resolved = false
	b.data = nil
	b.md5 = nil

	delay := u.nextBackoff(b)
	u.logLocked(LevelDebug, "Block %s attempt %d/%d failed, retrying in %s: %s",
		b.ID, b.retries, u.config.MaxBlockAttempts, delay, cause)

	if delay <= 0 {
		s.retryWaiting = append(s.retryWaiting, b.Index)
		return
	}

	idx := b.Index
	events := u.events
	s.outstanding++
	s.timers[idx] = time.AfterFunc(delay, func() {
		events <- event{kind: eventRetryDue, index: idx}
	})
}

func (u *Uploader) nextBackoff(b *blockState) time.Duration {
	if u.config.RetryInitialInterval <= 0 {
		return 0
	}

	if b.backoff == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = u.config.RetryInitialInterval
		if u.config.RetryMaxInterval > 0 {
			bo.MaxInterval = u.config.RetryMaxInterval
		}
		bo.MaxElapsedTime = 0
		bo.Reset()
		b.backoff = bo
	}

	d := b.backoff.NextBackOff()
	if d == backoff.Stop {
		return u.config.RetryMaxInterval
	}
	return d
}

func (u *Uploader) onRetryDue(ev event) {
	s := u.s
	s.outstanding--
	delete(s.timers, ev.index)

	if s.cancelled {
		return
	}
	s.retryWaiting = append(s.retryWaiting, ev.index)
	u.fill()
}

// stopTimersLocked stops pending backoff timers. A timer that already fired still posts its event.
func (u *Uploader) stopTimersLocked() {
	s := u.s
	for idx, t := range s.timers {
		if t.Stop() {
			s.outstanding--
			delete(s.timers, idx)
		}
	}
}
