package stepconf

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-blockupload/source"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFileProvider(downloader Downloader) FileProvider {
	return NewFileProvider(downloader, pathutil.NewPathProvider(), pathutil.NewPathModifier())
}

type failingDownloader struct{}

func (failingDownloader) Download(context.Context, string, string) error {
	return errors.New("unexpected download")
}

func TestFileProvider_LocalPath_FileScheme(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("test content"), 0644))

	provider := setupFileProvider(failingDownloader{})

	for _, input := range []string{"file://" + testFile, testFile} {
		localPath, err := provider.LocalPath(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, testFile, localPath)
	}
}

func TestFileProvider_LocalPath_FileScheme_RelativePath(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	defer func() { require.NoError(t, os.Chdir(origDir)) }()
	require.NoError(t, os.Chdir(tmpDir))

	relPath := "relative/test.txt"
	require.NoError(t, os.MkdirAll(filepath.Dir(relPath), 0755))
	require.NoError(t, os.WriteFile(relPath, []byte("content"), 0644))

	provider := setupFileProvider(failingDownloader{})

	localPath, err := provider.LocalPath(context.Background(), "file://"+relPath)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(localPath), "should return absolute path")
	assert.Contains(t, localPath, "relative/test.txt")
}

func TestFileProvider_LocalPath_HTTPUrl(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/artifacts/app.ipa" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("remote content"))
	}))
	defer server.Close()

	provider := setupFileProvider(source.NewDownloader(server.Client()))

	localPath, err := provider.LocalPath(context.Background(), server.URL+"/artifacts/app.ipa")
	require.NoError(t, err)
	assert.Equal(t, "app.ipa", filepath.Base(localPath))

	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(content))
}

func TestFileProvider_LocalPath_HTTPUrl_NoFileName(t *testing.T) {
	provider := setupFileProvider(failingDownloader{})

	_, err := provider.LocalPath(context.Background(), "https://example.com/")
	assert.Error(t, err)
}

func TestFileProvider_LocalPath_HTTPUrl_DownloadError(t *testing.T) {
	provider := setupFileProvider(failingDownloader{})

	_, err := provider.LocalPath(context.Background(), "https://example.com/file.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to download file from https://example.com/file.bin")
}
