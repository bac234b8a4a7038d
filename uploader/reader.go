package uploader

import (
	"fmt"

	"github.com/bitrise-io/go-blockupload/block"
	"github.com/bitrise-io/go-blockupload/digest"
	"github.com/bitrise-io/go-blockupload/source"
)

// readNextBatch starts reading the next batch of blocks. At most one batch is read at a time.
func (u *Uploader) readNextBatch() {
	s := u.s
	if s.cancelled {
		return
	}
	if s.reading {
		u.logLocked(LevelDebug, "Already reading next set of blocks")
		return
	}

	skip := s.blocksReadIndex
	end := skip + u.config.BatchSize
	if end > s.layout.NumberOfBlocks {
		end = s.layout.NumberOfBlocks
	}
	if skip >= s.layout.NumberOfBlocks {
		u.logLocked(LevelDebug, "All blocks read")
		return
	}

	batch := make([]block.Block, 0, end-skip)
	for _, b := range s.blocks[skip:end] {
		batch = append(batch, b.Block)
	}

	s.reading = true
	s.outstanding++
	u.logLocked(LevelDebug, "Reading blocks %d-%d of %d", skip, end-1, s.layout.NumberOfBlocks)

	go readBatch(u.file, batch, s.hasher, u.events)
}

// readBatch reads blocks sequentially in index order and feeds the whole-file hasher in the same order.
// Only one batch runs at a time, so the hasher is never shared between goroutines.
func readBatch(file source.File, batch []block.Block, hasher *digest.Hasher, events chan<- event) {
	half := (len(batch) + 1) / 2
	read := 0

	for i, b := range batch {
		data, err := file.ReadRange(b.Start, b.End)
		if err != nil {
			events <- event{kind: eventReadFailed, index: b.Index, err: err}
			break
		}

		if hasher != nil {
			hasher.Append(data)
		}
		events <- event{kind: eventBlockRead, index: b.Index, data: data, md5: digest.BlockMD5(data)}
		read++

		if i == 0 {
			events <- event{kind: eventBatchFirst, index: b.Index}
		}
		if i+1 == half {
			events <- event{kind: eventBatchHalf, index: b.Index}
		}
	}

	events <- event{kind: eventBatchDone, count: read}
}

// reread reads a single block again after a failed upload. The whole-file digest is not touched.
func (u *Uploader) reread(b *blockState) {
	u.s.outstanding++
	u.s.rereading++

	file := u.file
	blk := b.Block
	events := u.events
	go func() {
		data, err := file.ReadRange(blk.Start, blk.End)
		if err != nil {
			events <- event{kind: eventBlockReread, index: blk.Index, err: err}
			return
		}
		events <- event{kind: eventBlockReread, index: blk.Index, data: data, md5: digest.BlockMD5(data)}
	}()
}

func (u *Uploader) onBlockRead(ev event) {
	s := u.s
	if s.cancelled {
		return
	}

	b := s.blocks[ev.index]
	b.read = true
	b.data = ev.data
	b.md5 = ev.md5
	s.ready = append(s.ready, ev.index)
}

func (u *Uploader) onBatchMarker(ev event) {
	if u.s.cancelled {
		return
	}

	if ev.kind == eventBatchFirst {
		u.logLocked(LevelDebug, "First block of batch read (block %d)", ev.index)
	} else {
		u.logLocked(LevelDebug, "Half of batch read (block %d)", ev.index)
	}
	u.fill()
}

func (u *Uploader) onBatchDone(ev event) {
	s := u.s
	s.outstanding--
	s.reading = false
	s.blocksReadIndex += ev.count

	if s.cancelled {
		return
	}

	u.logLocked(LevelDebug, "Batch read, %d of %d block(s) read", s.blocksReadIndex, s.layout.NumberOfBlocks)
	u.fill()
	u.checkLowWater()
}

func (u *Uploader) onReadFailed(ev event) {
	b := u.s.blocks[ev.index]
	u.fail(&BlockError{BlockID: b.ID, Attempts: b.retries, Err: fmt.Errorf("read block: %w", ev.err)})
}

func (u *Uploader) onBlockReread(ev event) {
	s := u.s
	s.outstanding--
	s.rereading--
	if s.cancelled {
		return
	}

	b := s.blocks[ev.index]
	if ev.err != nil {
		u.fail(&BlockError{BlockID: b.ID, Attempts: b.retries, Err: fmt.Errorf("re-read block: %w", ev.err)})
		return
	}

	b.read = true
	b.data = ev.data
	b.md5 = ev.md5
	s.retryReady = append(s.retryReady, ev.index)
	u.fill()
}
