package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
)

// DefaultLevel is the zstd compression level used when none is configured.
const DefaultLevel = 3

// DependencyChecker reports whether the tar and zstd binaries are available.
type DependencyChecker interface {
	CheckDependencies() bool
}

type binaryChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) DependencyChecker {
	return &binaryChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (c *binaryChecker) CheckDependencies() bool {
	return c.checkDependency("tar") && c.checkDependency("zstd")
}

func (c *binaryChecker) checkDependency(binaryName string) bool {
	cmd := command.NewFactory(c.envRepo).Create("which", []string{binaryName}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver bundles a set of paths into a single tar.zst file so they can be uploaded as one blob.
type Archiver struct {
	logger       log.Logger
	envRepo      env.Repository
	checker      DependencyChecker
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	level        int
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, checker DependencyChecker, level int) *Archiver {
	if level <= 0 {
		level = DefaultLevel
	}
	return &Archiver{
		logger:       logger,
		envRepo:      envRepo,
		checker:      checker,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
		level:        level,
	}
}

// ExpandPaths resolves ** patterns and returns the absolute paths that exist.
// Patterns without a match and missing paths are skipped with a warning.
func (a *Archiver) ExpandPaths(paths []string) ([]string, error) {
	var expanded []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expanded = append(expanded, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := a.pathModifier.AbsPath(base)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", base, err)
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			a.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			a.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expanded = append(expanded, filepath.Join(absBase, match))
		}
	}

	var final []string
	for _, path := range expanded {
		absPath, err := a.pathModifier.AbsPath(path)
		if err != nil {
			a.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := a.pathChecker.IsPathExists(absPath)
		if err != nil {
			a.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			a.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		final = append(final, absPath)
	}

	return final, nil
}

// Compress writes a tar.zst archive of the given absolute paths.
func (a *Archiver) Compress(archivePath string, includePaths []string) error {
	if !a.checker.CheckDependencies() {
		a.logger.Infof("Falling back to native implementation of zstd.")
		if err := a.compressWithGoLib(archivePath, includePaths); err != nil {
			return fmt.Errorf("compress files: %w", err)
		}
		return nil
	}

	a.logger.Infof("Using installed zstd binary")
	if err := a.compressWithBinary(archivePath, includePaths); err != nil {
		return fmt.Errorf("compress files: %w", err)
	}
	return nil
}

func (a *Archiver) compressWithGoLib(archivePath string, includePaths []string) (err error) {
	out, err := os.OpenFile(archivePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
	}()

	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(a.level)))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, p := range includePaths {
		if err := filepath.Walk(filepath.Clean(p), func(file string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			return addToTar(tw, file, fi)
		}); err != nil {
			return fmt.Errorf("iterate on files: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func addToTar(tw *tar.Writer, file string, fi os.FileInfo) error {
	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(file); err != nil {
			return fmt.Errorf("read symlink: %w", err)
		}
	}

	header, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("create file info header: %w", err)
	}
	header.Name = filepath.ToSlash(filepath.Clean(file))

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar file header: %w", err)
	}

	if !fi.Mode().IsRegular() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer data.Close() //nolint:errcheck

	if _, err := io.Copy(tw, data); err != nil {
		return fmt.Errorf("copy to archive: %w", err)
	}
	return nil
}

func (a *Archiver) compressWithBinary(archivePath string, includePaths []string) error {
	/*
		tar arguments:
		--use-compress-program: Pipe the output to zstd instead of using the built-in gzip compression
		-P: Alias for --absolute-paths in BSD tar and --absolute-names in GNU tar
		-c: Create archive
		-f: Output file
	*/
	tarArgs := []string{
		"--use-compress-program", "zstd --threads=0 -" + strconv.Itoa(a.level),
		"-P",
		"-c",
		"-f", archivePath,
	}
	tarArgs = append(tarArgs, includePaths...)

	return a.run("tar", tarArgs)
}

func (a *Archiver) run(name string, args []string) error {
	cmd := command.NewFactory(a.envRepo).Create(name, args, nil)
	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}

// AreAllPathsEmpty checks if the provided paths are all nonexistent files or empty directories.
func AreAllPathsEmpty(includePaths []string) bool {
	for _, path := range includePaths {
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil || !info.IsDir() {
			return false
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		if len(entries) > 0 {
			return false
		}
	}
	return true
}
