package export

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/bitrise-io/go-blockupload/uploader"
	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnvman puts a fake envman on PATH that appends its arguments to a file, one call per line.
func setupEnvman(t *testing.T, exitCode int) string {
	t.Helper()

	dir := t.TempDir()
	store := filepath.Join(dir, "calls.txt")
	script := "#!/bin/sh\necho \"$@\" >> " + store + "\nexit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "envman"), []byte(script), 0755))

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return store
}

func readCalls(t *testing.T, store string) []string {
	t.Helper()

	content, err := os.ReadFile(store)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(content)), "\n")
}

func TestExportOutput(t *testing.T) {
	store := setupEnvman(t, 0)

	e := NewExporter(command.NewFactory(env.NewRepository()))
	require.NoError(t, e.ExportOutput("my_key", "my value"))
	require.NoError(t, e.ExportSecretOutput("my_secret", "sas"))

	assert.Equal(t, []string{
		"add --key my_key --value my value",
		"add --key my_secret --value sas --sensitive",
	}, readCalls(t, store))
}

func TestExportOutput_Failure(t *testing.T) {
	setupEnvman(t, 1)

	e := NewExporter(command.NewFactory(env.NewRepository()))
	err := e.ExportOutput("my_key", "my value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exporting output with envman failed")
}

func TestExportUploadResults(t *testing.T) {
	store := setupEnvman(t, 0)

	e := NewExporter(command.NewFactory(env.NewRepository()))
	require.NoError(t, e.ExportUploadResults([]uploader.QueueResult{
		{Name: "b.ipa", Result: &uploader.Result{Digest: "Yg=="}},
		{Name: "broken.bin", Err: errors.New("commit failed")},
		{Name: "a.apk", Result: &uploader.Result{Digest: "YQ=="}},
		{Name: "c.log", Result: &uploader.Result{}},
	}))

	assert.Equal(t, []string{
		"add --key BLOCKUPLOAD_UPLOADED_FILES --value b.ipa|a.apk|c.log",
		"add --key BLOCKUPLOAD_FAILED_FILES --value broken.bin",
		"add --key BLOCKUPLOAD_DIGESTS --value a.apk=YQ==|b.ipa=Yg==",
	}, readCalls(t, store))
}
