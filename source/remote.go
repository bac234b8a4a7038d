package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/melbahja/got"
)

// Downloader fetches remote files with parallel ranged requests.
type Downloader struct {
	client *http.Client
}

// NewDownloader returns a Downloader. A nil client falls back to http.DefaultClient.
func NewDownloader(client *http.Client) *Downloader {
	return &Downloader{client: client}
}

// Download saves rawURL to localPath.
func (d *Downloader) Download(ctx context.Context, localPath, rawURL string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	g := got.New()
	if d.client != nil {
		g.Client = d.client
	}

	if err := g.Do(got.NewDownload(ctx, rawURL, localPath)); err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	return nil
}

// Fetch downloads rawURL into dir and returns the local path.
func Fetch(ctx context.Context, client *http.Client, rawURL, dir string) (string, error) {
	name, err := FileNameFromURL(rawURL)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(dir, name)
	if err := NewDownloader(client).Download(ctx, dest, rawURL); err != nil {
		return "", err
	}
	return dest, nil
}

// FileNameFromURL returns the last path segment of rawURL, or "download" when it has none.
func FileNameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse source URL: %w", err)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	return name, nil
}
