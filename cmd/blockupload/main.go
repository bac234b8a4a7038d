package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bitrise-io/go-blockupload/analytics"
	"github.com/bitrise-io/go-blockupload/archive"
	"github.com/bitrise-io/go-blockupload/digest"
	"github.com/bitrise-io/go-blockupload/export"
	"github.com/bitrise-io/go-blockupload/source"
	"github.com/bitrise-io/go-blockupload/stepconf"
	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-blockupload/uploader"
	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

// Inputs are read from environment variables. Transport and DigestAlgorithm must be set explicitly.
type Inputs struct {
	Sources          []string          `env:"sources"`
	ArchivePaths     []string          `env:"archive_paths"`
	ArchiveName      string            `env:"archive_name"`
	CompressionLevel int               `env:"compression_level"`
	Destination      stepconf.Secret   `env:"destination_uri"`
	Transport        string            `env:"transport,opt[azure-rest,azure-sdk,s3]"`
	S3Bucket         string            `env:"s3_bucket"`
	S3KeyPrefix      string            `env:"s3_key_prefix"`
	AWSRegion        string            `env:"aws_region"`
	AWSAccessKeyID   stepconf.Secret   `env:"aws_access_key_id"`
	AWSSecretKey     stepconf.Secret   `env:"aws_secret_access_key"`
	BlockSize        stepconf.ByteSize `env:"block_size"`
	Concurrency      int               `env:"concurrency"`
	MaxBlockAttempts int               `env:"max_block_attempts"`
	MaxCommitRetries *uint             `env:"max_commit_retries"`
	BlockTimeout     time.Duration     `env:"block_timeout"`
	WholeFileDigest  bool              `env:"whole_file_digest"`
	DigestAlgorithm  string            `env:"digest_algorithm,opt[md5,sha256]"`
	ContentType      string            `env:"content_type"`
	ConnRetries      int               `env:"connection_retries"`
	ExportOutputs    bool              `env:"export_outputs"`
	Verbose          bool              `env:"verbose"`
}

// Validate ...
func (i *Inputs) Validate() error {
	if len(i.Sources) == 0 && len(i.ArchivePaths) == 0 {
		return errors.New("either sources or archive_paths must be set")
	}
	return nil
}

func main() {
	logger := log.NewLogger()
	if err := run(logger, env.NewRepository(), analytics.NewDefaultUploadTracker); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

type trackerFactory func(env.Repository, log.Logger, string) *analytics.UploadTracker

func run(logger log.Logger, envRepo env.Repository, newTracker trackerFactory) error {
	var inputs Inputs
	if err := stepconf.NewInputParser(envRepo).ParseAndPrint(&inputs); err != nil {
		return fmt.Errorf("invalid inputs: %w", err)
	}
	logger.Println()
	logger.EnableDebugLog(inputs.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := resolveSources(ctx, inputs.Sources)
	if err != nil {
		return err
	}

	if len(inputs.ArchivePaths) > 0 {
		archivePath, err := createArchive(logger, envRepo, inputs)
		if err != nil {
			return err
		}
		if archivePath != "" {
			paths = append(paths, archivePath)
		}
	}
	if len(paths) == 0 {
		logger.Warnf("Nothing to upload")
		return nil
	}

	config := uploadConfig(inputs)
	if inputs.BlockSize > 0 && config.BlockSize != int64(inputs.BlockSize) {
		logger.Warnf("Block size %s is below the S3 minimum part size, using %s",
			units.BytesSize(float64(inputs.BlockSize)), units.BytesSize(float64(config.BlockSize)))
	}

	factory := transportFactory{inputs: inputs, logger: logger}
	queue := uploader.NewQueue(config, uploader.Callbacks{Progress: progressLogger(logger)}, logger)

	for _, p := range paths {
		file, err := source.OpenFile(p)
		if err != nil {
			return err
		}
		defer file.Close() //nolint:errcheck

		if inputs.ContentType != "" {
			file.SetContentType(inputs.ContentType)
		}

		tr, err := factory.create(ctx, file.Name())
		if err != nil {
			return err
		}
		logger.Infof("Queued %s (%s, %s)", file.Name(), units.BytesSize(float64(file.Size())), file.ContentType())
		queue.Add(file, tr)
	}

	tracker := newTracker(envRepo, logger, inputs.Transport)
	defer tracker.Wait()

	results := queue.Run(ctx)
	if inputs.ExportOutputs {
		exporter := export.NewExporter(command.NewFactory(envRepo))
		if err := exporter.ExportUploadResults(results); err != nil {
			logger.Warnf("Failed to export outputs: %s", err)
		}
	}

	return report(logger, tracker, results)
}

func resolveSources(ctx context.Context, sources []string) ([]string, error) {
	provider := stepconf.NewFileProvider(source.NewDownloader(nil), pathutil.NewPathProvider(), pathutil.NewPathModifier())

	var paths []string
	for _, s := range sources {
		p, err := provider.LocalPath(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("resolve source %s: %w", s, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func createArchive(logger log.Logger, envRepo env.Repository, inputs Inputs) (string, error) {
	archiver := archive.NewArchiver(logger, envRepo, archive.NewDependencyChecker(logger, envRepo), inputs.CompressionLevel)

	includePaths, err := archiver.ExpandPaths(inputs.ArchivePaths)
	if err != nil {
		return "", fmt.Errorf("expand archive paths: %w", err)
	}
	if len(includePaths) == 0 || archive.AreAllPathsEmpty(includePaths) {
		logger.Warnf("The archive paths are empty, skipping the archive")
		return "", nil
	}

	dir, err := pathutil.NewPathProvider().CreateTempDir("blockupload")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	name := inputs.ArchiveName
	if name == "" {
		name = "bundle.tar.zst"
	}
	archivePath := filepath.Join(dir, name)

	start := time.Now()
	if err := archiver.Compress(archivePath, includePaths); err != nil {
		return "", err
	}
	logger.Donef("Archive of %d path(s) created in %s", len(includePaths), time.Since(start).Round(time.Second))

	return archivePath, nil
}

func uploadConfig(inputs Inputs) uploader.Config {
	config := uploader.DefaultConfig()
	if inputs.BlockSize > 0 {
		config.BlockSize = int64(inputs.BlockSize)
	}
	if inputs.Concurrency > 0 {
		config.Concurrency = inputs.Concurrency
	}
	if inputs.MaxBlockAttempts > 0 {
		config.MaxBlockAttempts = inputs.MaxBlockAttempts
	}
	if inputs.MaxCommitRetries != nil {
		config.MaxCommitRetries = *inputs.MaxCommitRetries
	}
	if inputs.BlockTimeout > 0 {
		config.BlockTimeout = inputs.BlockTimeout
	}
	config.CalculateWholeFileDigest = inputs.WholeFileDigest
	if inputs.DigestAlgorithm != "" {
		config.DigestAlgorithm = digest.Algorithm(inputs.DigestAlgorithm)
	}
	// S3 rejects parts below the minimum size, except the last one
	if inputs.Transport == transportS3 && config.BlockSize < transport.S3MinPartSize {
		config.BlockSize = transport.S3MinPartSize
	}
	return config
}

func progressLogger(logger log.Logger) func(uploader.Progress) {
	lastReported := -1
	return func(p uploader.Progress) {
		// every 10%
		step := int(p.Percent) / 10
		if step == lastReported {
			return
		}
		lastReported = step
		logger.Printf("%6.2f%% uploaded (block size %s)", p.Percent, units.BytesSize(float64(p.BlockSize)))
	}
}

func report(logger log.Logger, tracker *analytics.UploadTracker, results []uploader.QueueResult) error {
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			tracker.LogFailed(r.State, r.Err)
			continue
		}

		tracker.LogCompleted(r.State, r.Result.Duration)
		logger.Donef("%s: %s in %s, %d retries", r.Name, units.BytesSize(float64(r.State.FileSize)), r.Result.Duration.Round(time.Millisecond), r.State.Retries)
		if r.Result.Digest != "" {
			logger.Printf("%s digest: %s (%s)", r.Name, r.Result.Digest, r.Result.ContentDigest)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d upload(s) failed", failed, len(results))
	}
	return nil
}
