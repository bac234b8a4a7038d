package uploader

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-blockupload/block"
)

var (
	// ErrFileNotSet is returned when the session is configured or started without a file.
	ErrFileNotSet = errors.New("file is not set")
	// ErrNotConfigured is returned when Upload is called before SetConfig.
	ErrNotConfigured = errors.New("upload is not configured")
	// ErrAlreadyStarted is returned by a second Upload call on the same Uploader.
	ErrAlreadyStarted = errors.New("upload already started")
	// ErrCancelled is reported by Wait when the session was cancelled.
	ErrCancelled = errors.New("upload cancelled")
	// ErrInvalidBlockSize is returned for zero or negative block sizes.
	ErrInvalidBlockSize = block.ErrInvalidBlockSize
)

// BlockError is reported when a block could not be uploaded within the attempt cap.
type BlockError struct {
	BlockID  string
	Attempts int
	Err      error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block %s failed after %d attempt(s): %s", e.BlockID, e.Attempts, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}

// CommitError is reported when the block list could not be committed.
type CommitError struct {
	Attempts int
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit block list failed after %d attempt(s): %s", e.Attempts, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}
