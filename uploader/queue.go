package uploader

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-blockupload/source"
	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// QueueItem is one file waiting in a Queue.
type QueueItem struct {
	File      source.File
	Transport transport.Transport
}

// QueueResult is the outcome of one queued upload.
type QueueResult struct {
	Name   string
	Result *Result
	State  Snapshot
	Err    error
}

// Queue uploads files one after another with the same configuration.
// A failed file does not stop the queue.
type Queue struct {
	config    Config
	callbacks Callbacks
	logger    log.Logger
	items     []QueueItem
}

// NewQueue ...
func NewQueue(config Config, callbacks Callbacks, logger log.Logger) *Queue {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Queue{
		config:    config,
		callbacks: callbacks,
		logger:    logger,
	}
}

// Add appends a file to the queue.
func (q *Queue) Add(file source.File, tr transport.Transport) {
	q.items = append(q.items, QueueItem{File: file, Transport: tr})
}

// Len returns the number of queued files.
func (q *Queue) Len() int {
	return len(q.items)
}

// Run uploads every queued file in order and returns one result per file.
// Files not yet started when ctx is cancelled are reported with the context error.
func (q *Queue) Run(ctx context.Context) []QueueResult {
	results := make([]QueueResult, 0, len(q.items))

	for i, item := range q.items {
		name := item.File.Name()

		if err := ctx.Err(); err != nil {
			results = append(results, QueueResult{Name: name, Err: err})
			continue
		}

		q.logger.Infof("Uploading file %d/%d: %s", i+1, len(q.items), name)

		result, state, err := q.upload(ctx, item)
		if err != nil {
			q.logger.Errorf("Failed to upload %s: %s", name, err)
		} else {
			q.logger.Donef("Uploaded %s", name)
		}
		results = append(results, QueueResult{Name: name, Result: result, State: state, Err: err})
	}

	q.items = nil

	return results
}

func (q *Queue) upload(ctx context.Context, item QueueItem) (*Result, Snapshot, error) {
	var result *Result

	callbacks := q.callbacks
	complete := q.callbacks.Complete
	callbacks.Complete = func(r Result) {
		result = &r
		if complete != nil {
			complete(r)
		}
	}

	u := New(item.Transport, callbacks, q.logger)
	if err := u.SetFile(item.File); err != nil {
		return nil, Snapshot{}, err
	}
	if err := u.SetConfig(q.config); err != nil {
		return nil, Snapshot{}, fmt.Errorf("configure upload: %w", err)
	}
	if err := u.Upload(ctx); err != nil {
		return nil, u.State(), err
	}

	if err := u.Wait(context.Background()); err != nil {
		return nil, u.State(), err
	}

	return result, u.State(), nil
}
