package uploader

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-blockupload/digest"
)

const (
	// DefaultBlockSize is 1 MiB.
	DefaultBlockSize int64 = 1024 * 1024
	// DefaultConcurrency is the number of simultaneous block PUTs.
	DefaultConcurrency = 8
	// DefaultBatchSize is the number of blocks read ahead in one batch.
	DefaultBatchSize = 10
	// DefaultLowWaterMark is the ready block count below which the next batch is read.
	DefaultLowWaterMark = 5
	// DefaultMaxBlockAttempts includes the first attempt.
	DefaultMaxBlockAttempts = 4
	// DefaultMaxCommitRetries is the number of commit retries after the first attempt.
	DefaultMaxCommitRetries = 4
)

// Config holds configuration for a block upload session.
// "Default" fields are filled in when left zero. "DefaultConfig" values only come from DefaultConfig,
// a zero value there is used as is.
type Config struct {
	// BlockSize is the requested block size in bytes. Must be positive.
	// DefaultConfig: 1 MiB
	BlockSize int64

	// CalculateWholeFileDigest enables the whole-file digest reported on completion.
	// Default: false
	CalculateWholeFileDigest bool

	// DigestAlgorithm of the whole-file digest. Blocks always carry MD5.
	// Default: md5
	DigestAlgorithm digest.Algorithm

	// DestinationURI is the pre-signed blob URI. Only used when the Uploader was created without a transport.
	DestinationURI string

	// Concurrency is the maximum number of in-flight block uploads.
	// Default: 8
	Concurrency int

	// BatchSize is the number of blocks read in one read-ahead batch.
	// Default: 10
	BatchSize int

	// LowWaterMark triggers the next batch read when fewer blocks are waiting for upload.
	// Default: 5
	LowWaterMark int

	// MaxBlockAttempts is the number of PUT attempts per block before the session fails.
	// Default: 4
	MaxBlockAttempts int

	// RetryInitialInterval is the first backoff delay before a failed block is re-read.
	// Zero retries immediately.
	// DefaultConfig: 500ms
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the exponential backoff delay. Zero keeps the 60 second cap of the backoff package.
	// DefaultConfig: 10 seconds
	RetryMaxInterval time.Duration

	// BlockTimeout bounds a single block PUT. Zero disables the timeout.
	// DefaultConfig: 2 minutes
	BlockTimeout time.Duration

	// HungThreshold cancels a block PUT that exceeds the average PUT duration by this amount.
	// Zero disables hung detection.
	// DefaultConfig: 30 seconds
	HungThreshold time.Duration

	// MaxCommitRetries is the number of commit retries after the first attempt. Zero commits once.
	// DefaultConfig: 4
	MaxCommitRetries uint

	// CommitRetryWait is the delay between commit attempts. Zero retries immediately.
	// DefaultConfig: 5 seconds
	CommitRetryWait time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize:            DefaultBlockSize,
		DigestAlgorithm:      digest.MD5,
		Concurrency:          DefaultConcurrency,
		BatchSize:            DefaultBatchSize,
		LowWaterMark:         DefaultLowWaterMark,
		MaxBlockAttempts:     DefaultMaxBlockAttempts,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		BlockTimeout:         2 * time.Minute,
		HungThreshold:        30 * time.Second,
		MaxCommitRetries:     DefaultMaxCommitRetries,
		CommitRetryWait:      5 * time.Second,
	}
}

// normalize fills unset pipeline sizes with their defaults and rejects negative durations.
func (c Config) normalize() (Config, error) {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LowWaterMark <= 0 {
		c.LowWaterMark = DefaultLowWaterMark
	}
	if c.MaxBlockAttempts <= 0 {
		c.MaxBlockAttempts = DefaultMaxBlockAttempts
	}
	if c.DigestAlgorithm == "" {
		c.DigestAlgorithm = digest.MD5
	}

	durations := map[string]time.Duration{
		"retry initial interval": c.RetryInitialInterval,
		"retry max interval":     c.RetryMaxInterval,
		"block timeout":          c.BlockTimeout,
		"hung threshold":         c.HungThreshold,
		"commit retry wait":      c.CommitRetryWait,
	}
	for name, d := range durations {
		if d < 0 {
			return c, fmt.Errorf("%s must not be negative: %s", name, d)
		}
	}

	return c, nil
}
