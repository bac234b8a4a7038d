package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nativeOnly struct{}

func (nativeOnly) CheckDependencies() bool { return false }

func writeTree(t *testing.T, base string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(base, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	}
}

func TestArchiver_ExpandPaths(t *testing.T) {
	base := t.TempDir()
	writeTree(t, base, map[string]string{
		"build/app.ipa":              "ipa",
		"build/logs/build.log":       "log",
		"build/logs/nested/test.log": "log",
		"other/readme.md":            "md",
	})

	a := NewArchiver(log.NewLogger(), env.NewRepository(), nativeOnly{}, 0)

	paths, err := a.ExpandPaths([]string{
		filepath.Join(base, "build", "**", "*.log"),
		filepath.Join(base, "other", "readme.md"),
		filepath.Join(base, "missing.txt"),
		filepath.Join(base, "nothing", "**", "*.bin"),
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		filepath.Join(base, "build", "logs", "build.log"),
		filepath.Join(base, "build", "logs", "nested", "test.log"),
		filepath.Join(base, "other", "readme.md"),
	}, paths)
}

func TestArchiver_ExpandPathsDoesNotFollowSymlinkedDirs(t *testing.T) {
	base := t.TempDir()
	writeTree(t, base, map[string]string{
		"logs/real/build.log": "log",
		"outside/secret.log":  "log",
	})
	require.NoError(t, os.Symlink(filepath.Join(base, "outside"), filepath.Join(base, "logs", "linked")))

	a := NewArchiver(log.NewLogger(), env.NewRepository(), nativeOnly{}, 0)

	paths, err := a.ExpandPaths([]string{filepath.Join(base, "logs", "**", "*.log")})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(base, "logs", "real", "build.log")}, paths)
}

// extract unpacks a tar.zst archive under dest, keeping the absolute paths stored in the headers.
func extract(t *testing.T, archivePath, dest string) {
	t.Helper()

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)

		target := filepath.Join(dest, filepath.FromSlash(header.Name))
		switch header.Typeflag {
		case tar.TypeDir:
			require.NoError(t, os.MkdirAll(target, 0755))
		case tar.TypeReg:
			require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
			content, err := io.ReadAll(tr)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(target, content, os.FileMode(header.Mode)))
		case tar.TypeSymlink:
			require.NoError(t, os.Symlink(header.Linkname, target))
		}
	}
}

func TestArchiver_NativeRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"a.txt":          "first",
		"dir/b.txt":      "second",
		"dir/deep/c.bin": string(make([]byte, 70*1024)),
	})
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link.txt")))

	a := NewArchiver(log.NewLogger(), env.NewRepository(), nativeOnly{}, 0)

	archivePath := filepath.Join(t.TempDir(), "bundle.tar.zst")
	require.NoError(t, a.Compress(archivePath, []string{src}))

	info, err := os.Stat(archivePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	dest := t.TempDir()
	extract(t, archivePath, dest)

	restored := filepath.Join(dest, src)
	got, err := os.ReadFile(filepath.Join(restored, "dir", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	got, err = os.ReadFile(filepath.Join(restored, "dir", "deep", "c.bin"))
	require.NoError(t, err)
	assert.Len(t, got, 70*1024)

	link, err := os.Readlink(filepath.Join(restored, "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", link)
}

func TestArchiver_CompressMissingPath(t *testing.T) {
	a := NewArchiver(log.NewLogger(), env.NewRepository(), nativeOnly{}, 0)

	err := a.Compress(filepath.Join(t.TempDir(), "out.tar.zst"), []string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestAreAllPathsEmpty(t *testing.T) {
	basePath := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(basePath, "empty_dir"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(basePath, "dir_with_dir_child", "nested_empty_dir"), 0700))
	writeTree(t, basePath, map[string]string{"first_level/second_level/nested_file.txt": "hello"})

	tests := []struct {
		name         string
		includePaths []string
		want         bool
	}{
		{
			name:         "single empty dir",
			includePaths: []string{filepath.Join(basePath, "empty_dir")},
			want:         true,
		},
		{
			name:         "file",
			includePaths: []string{filepath.Join(basePath, "first_level", "second_level", "nested_file.txt")},
			want:         false,
		},
		{
			name:         "empty dir within dir",
			includePaths: []string{filepath.Join(basePath, "dir_with_dir_child")},
			want:         false,
		},
		{
			name:         "nonexistent dir",
			includePaths: []string{filepath.Join(basePath, "this doesn't exist")},
			want:         true,
		},
		{
			name: "mixed",
			includePaths: []string{
				filepath.Join(basePath, "this doesn't exist"),
				filepath.Join(basePath, "empty_dir"),
				filepath.Join(basePath, "first_level"),
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AreAllPathsEmpty(tt.includePaths))
		})
	}
}
