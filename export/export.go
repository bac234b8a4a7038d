package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bitrise-io/go-blockupload/uploader"
	"github.com/bitrise-io/go-utils/v2/command"
)

const (
	// UploadedFilesKey lists the uploaded file names separated by "|".
	UploadedFilesKey = "BLOCKUPLOAD_UPLOADED_FILES"
	// FailedFilesKey lists the file names that failed to upload separated by "|".
	FailedFilesKey = "BLOCKUPLOAD_FAILED_FILES"
	// DigestsKey lists "name=digest" pairs separated by "|", only for files with a whole-file digest.
	DigestsKey = "BLOCKUPLOAD_DIGESTS"
)

// Exporter exposes values to subsequent build steps with envman.
type Exporter struct {
	cmdFactory command.Factory
}

// NewExporter ...
func NewExporter(cmdFactory command.Factory) Exporter {
	return Exporter{cmdFactory: cmdFactory}
}

// ExportOutput is used for exposing values for other steps.
// Regular env vars are isolated between steps, so instead of calling `os.Setenv()`, use this to explicitly expose
// a value for subsequent steps.
func (e *Exporter) ExportOutput(key, value string) error {
	cmd := e.cmdFactory.Create("envman", []string{"add", "--key", key, "--value", value}, nil)
	return runExport(cmd)
}

// ExportSecretOutput works like ExportOutput but the value is redacted from build logs.
func (e *Exporter) ExportSecretOutput(key, value string) error {
	cmd := e.cmdFactory.Create("envman", []string{"add", "--key", key, "--value", value, "--sensitive"}, nil)
	return runExport(cmd)
}

// ExportUploadResults exports the uploaded and failed file names and the whole-file digests.
func (e *Exporter) ExportUploadResults(results []uploader.QueueResult) error {
	var uploaded, failed, digests []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Name)
			continue
		}
		uploaded = append(uploaded, r.Name)
		if r.Result != nil && r.Result.Digest != "" {
			digests = append(digests, r.Name+"="+r.Result.Digest)
		}
	}
	sort.Strings(digests)

	outputs := map[string][]string{
		UploadedFilesKey: uploaded,
		FailedFilesKey:   failed,
		DigestsKey:       digests,
	}
	for _, key := range []string{UploadedFilesKey, FailedFilesKey, DigestsKey} {
		if err := e.ExportOutput(key, strings.Join(outputs[key], "|")); err != nil {
			return err
		}
	}
	return nil
}

func runExport(cmd command.Command) error {
	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		return fmt.Errorf("exporting output with envman failed: %s, output: %s", err, out)
	}
	return nil
}
