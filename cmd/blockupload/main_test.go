package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bitrise-io/go-blockupload/analytics"
	"github.com/bitrise-io/go-blockupload/stepconf"
	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-blockupload/uploader"
	goanalytics "github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobURI(t *testing.T) {
	tests := []struct {
		name      string
		container string
		file      string
		want      string
		wantErr   bool
	}{
		{
			name:      "container with sas",
			container: "https://acc.blob.core.windows.net/builds?sv=2021&sig=abc%2B",
			file:      "app.ipa",
			want:      "https://acc.blob.core.windows.net/builds/app.ipa?sv=2021&sig=abc%2B",
		},
		{
			name:      "trailing slash",
			container: "https://acc.blob.core.windows.net/builds/run-1/?sig=abc",
			file:      "bundle.tar.zst",
			want:      "https://acc.blob.core.windows.net/builds/run-1/bundle.tar.zst?sig=abc",
		},
		{name: "missing", container: "", file: "a", wantErr: true},
		{name: "not pre-signed", container: "https://acc.blob.core.windows.net/builds", file: "a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := blobURI(tt.container, tt.file)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "app.ipa", objectKey("", "app.ipa"))
	assert.Equal(t, "builds/42/app.ipa", objectKey("builds/42/", "app.ipa"))
}

func TestTransportFactory(t *testing.T) {
	tests := []struct {
		transport string
		want      interface{}
	}{
		{transport: "", want: &transport.AzureREST{}},
		{transport: transportAzureREST, want: &transport.AzureREST{}},
		{transport: transportAzureSDK, want: &transport.AzureSDK{}},
	}
	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			f := transportFactory{
				inputs: Inputs{Transport: tt.transport, Destination: "https://acc.blob.core.windows.net/c?sig=abc"},
				logger: log.NewLogger(),
			}
			tr, err := f.create(context.Background(), "app.ipa")
			require.NoError(t, err)
			assert.IsType(t, tt.want, tr)
		})
	}

	_, err := transportFactory{inputs: Inputs{Transport: "ftp"}, logger: log.NewLogger()}.create(context.Background(), "a")
	assert.Error(t, err)
}

func TestUploadConfig(t *testing.T) {
	retries := uint(0)
	config := uploadConfig(Inputs{
		BlockSize:        stepconf.ByteSize(4 * 1024 * 1024),
		Concurrency:      16,
		MaxCommitRetries: &retries,
		WholeFileDigest:  true,
		DigestAlgorithm:  "sha256",
	})

	assert.Equal(t, int64(4*1024*1024), config.BlockSize)
	assert.Equal(t, 16, config.Concurrency)
	assert.Equal(t, uint(0), config.MaxCommitRetries)
	assert.True(t, config.CalculateWholeFileDigest)
	assert.EqualValues(t, "sha256", config.DigestAlgorithm)
	assert.Equal(t, uploader.DefaultMaxBlockAttempts, config.MaxBlockAttempts)

	assert.Equal(t, uploader.DefaultConfig(), uploadConfig(Inputs{}))
}

func TestUploadConfig_S3MinimumPartSize(t *testing.T) {
	tests := []struct {
		name      string
		inputs    Inputs
		blockSize int64
	}{
		{name: "s3 default block size", inputs: Inputs{Transport: transportS3}, blockSize: transport.S3MinPartSize},
		{name: "s3 small block size", inputs: Inputs{Transport: transportS3, BlockSize: 1024}, blockSize: transport.S3MinPartSize},
		{name: "s3 large block size", inputs: Inputs{Transport: transportS3, BlockSize: 8 * 1024 * 1024}, blockSize: 8 * 1024 * 1024},
		{name: "azure small block size", inputs: Inputs{Transport: transportAzureREST, BlockSize: 1024}, blockSize: 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.blockSize, uploadConfig(tt.inputs).BlockSize)
		})
	}
}

type mapEnv map[string]string

func (m mapEnv) Get(key string) string       { return m[key] }
func (m mapEnv) Set(key, value string) error { m[key] = value; return nil }
func (m mapEnv) Unset(key string) error      { delete(m, key); return nil }
func (m mapEnv) List() []string {
	var list []string
	for k, v := range m {
		list = append(list, k+"="+v)
	}
	return list
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Enqueue(eventName string, _ ...goanalytics.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventName)
}

func (r *eventRecorder) Wait() {}

func (r *eventRecorder) factory() trackerFactory {
	return func(repository env.Repository, _ log.Logger, transportName string) *analytics.UploadTracker {
		return analytics.NewUploadTracker(repository, func(...goanalytics.Properties) goanalytics.Tracker {
			return r
		}, transportName)
	}
}

type blobStore struct {
	mu     sync.Mutex
	staged map[string][]byte
	blobs  map[string][]byte
}

func (s *blobStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	query := r.URL.Query()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch query.Get("comp") {
	case "block":
		s.staged[r.URL.Path+"#"+query.Get("blockid")] = body
	case "blocklist":
		var blob []byte
		for _, part := range strings.Split(string(body), "<Latest>")[1:] {
			id := strings.SplitN(part, "</Latest>", 2)[0]
			blob = append(blob, s.staged[r.URL.Path+"#"+id]...)
		}
		s.blobs[r.URL.Path] = blob
	}
	w.WriteHeader(http.StatusCreated)
}

func TestRun_UploadsSourcesAndArchive(t *testing.T) {
	store := &blobStore{staged: map[string][]byte{}, blobs: map[string][]byte{}}
	server := httptest.NewServer(store)
	defer server.Close()

	dir := t.TempDir()
	first := filepath.Join(dir, "first.bin")
	require.NoError(t, os.WriteFile(first, []byte(strings.Repeat("a", 5000)), 0600))
	logs := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(logs, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(logs, "build.log"), []byte("log line"), 0600))

	envs := mapEnv{
		"sources":          "file://" + first,
		"archive_paths":    filepath.Join(logs, "**", "*.log"),
		"archive_name":     "logs.tar.zst",
		"destination_uri":  server.URL + "/builds?sig=abc",
		"transport":        "azure-rest",
		"digest_algorithm": "md5",
		"block_size":       "1k",
		"PATH":             os.Getenv("PATH"),
	}

	events := &eventRecorder{}
	require.NoError(t, run(log.NewLogger(), envs, events.factory()))
	assert.Equal(t, []string{"blockupload_completed", "blockupload_completed"}, events.events)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []byte(strings.Repeat("a", 5000)), store.blobs["/builds/first.bin"])
	assert.NotEmpty(t, store.blobs["/builds/logs.tar.zst"])
}

func TestRun_RequiresSomethingToUpload(t *testing.T) {
	events := &eventRecorder{}
	err := run(log.NewLogger(), mapEnv{
		"destination_uri":  "https://acc.blob.core.windows.net/c?sig=abc",
		"transport":        "azure-rest",
		"digest_algorithm": "md5",
	}, events.factory())
	assert.ErrorContains(t, err, "either sources or archive_paths must be set")
	assert.Empty(t, events.events)
}
