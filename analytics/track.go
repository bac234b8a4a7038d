package analytics

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-blockupload/uploader"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates a tracker with the given base properties.
type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	StepExecutionIDEnvKey = "BITRISE_STEP_EXECUTION_ID"
	StepExecutionID       = "step_execution_id"

	eventCompleted = "blockupload_completed"
	eventFailed    = "blockupload_failed"
)

// UploadTracker reports the outcome of upload sessions.
type UploadTracker struct {
	tracker analytics.Tracker
}

// NewUploadTracker builds the base properties from the build environment.
func NewUploadTracker(repository env.Repository, trackerFactory TrackerFactory, transportName string) *UploadTracker {
	p := analytics.Properties{
		"build_slug":  repository.Get("BITRISE_BUILD_SLUG"),
		"app_slug":    repository.Get("BITRISE_APP_SLUG"),
		"workflow":    repository.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build": repository.Get("IS_PR") == "true",
		"transport":   transportName,
	}
	if id := repository.Get(StepExecutionIDEnvKey); id != "" {
		p[StepExecutionID] = id
	}
	return &UploadTracker{tracker: trackerFactory(p)}
}

// NewDefaultUploadTracker ...
func NewDefaultUploadTracker(repository env.Repository, logger log.Logger, transportName string) *UploadTracker {
	return NewUploadTracker(repository, func(p ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, p...)
	}, transportName)
}

// LogCompleted ...
func (t *UploadTracker) LogCompleted(state uploader.Snapshot, duration time.Duration) {
	p := sessionProperties(state)
	p["upload_time_s"] = duration.Truncate(time.Second).Seconds()
	t.tracker.Enqueue(eventCompleted, p)
}

// LogFailed ...
func (t *UploadTracker) LogFailed(state uploader.Snapshot, err error) {
	p := sessionProperties(state)
	p["reason"] = failureReason(err)
	p["resolved_blocks"] = state.Resolved
	p["percent"] = state.Percent
	t.tracker.Enqueue(eventFailed, p)
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}

func sessionProperties(state uploader.Snapshot) analytics.Properties {
	return analytics.Properties{
		"session_id":        state.SessionID,
		"upload_size_bytes": state.FileSize,
		"block_size_bytes":  state.BlockSize,
		"block_count":       state.NumberOfBlocks,
		"retries":           state.Retries,
	}
}

func failureReason(err error) string {
	var blockErr *uploader.BlockError
	var commitErr *uploader.CommitError
	switch {
	case errors.Is(err, uploader.ErrCancelled):
		return "cancelled"
	case errors.As(err, &blockErr):
		return "block"
	case errors.As(err, &commitErr):
		return "commit"
	default:
		return "other"
	}
}
