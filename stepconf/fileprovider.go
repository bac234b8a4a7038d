package stepconf

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const fileScheme = "file://"

// Downloader saves a remote file to a local path.
type Downloader interface {
	Download(ctx context.Context, localPath, url string) error
}

// FileProvider resolves a file input to a local path.
// Inputs are plain paths, `file://` paths or http(s) URLs; remote files are downloaded to a temp dir.
type FileProvider interface {
	LocalPath(ctx context.Context, path string) (string, error)
}

type fileProvider struct {
	downloader   Downloader
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewFileProvider ...
func NewFileProvider(downloader Downloader, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier) FileProvider {
	return &fileProvider{
		downloader:   downloader,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
	}
}

// LocalPath ...
func (f *fileProvider) LocalPath(ctx context.Context, pth string) (string, error) {
	if isRemote(pth) {
		return f.downloadToTempDir(ctx, pth)
	}
	return f.pathModifier.AbsPath(strings.TrimPrefix(pth, fileScheme))
}

func isRemote(pth string) bool {
	return strings.HasPrefix(pth, "http://") || strings.HasPrefix(pth, "https://")
}

func (f *fileProvider) downloadToTempDir(ctx context.Context, rawURL string) (string, error) {
	tmpDir, err := f.pathProvider.CreateTempDir("FileProvider")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	fileName, err := fileNameFromURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", rawURL, err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	if err := f.downloader.Download(ctx, localPath, rawURL); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", rawURL, err)
	}

	return localPath, nil
}

func fileNameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("no file name in path %q", u.Path)
	}
	return name, nil
}
