package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-blockupload/block"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// AzureREST talks to the Blob service REST API through a pre-signed blob URI.
// The URI already carries a query string (the SAS token), operations are appended with "&".
type AzureREST struct {
	httpClient *retryablehttp.Client
	uri        string
	logger     log.Logger
	dumps      bool
}

// AzureRESTOption ...
type AzureRESTOption func(*AzureREST)

// WithHTTPClient replaces the underlying retryable client.
func WithHTTPClient(client *retryablehttp.Client) AzureRESTOption {
	return func(t *AzureREST) {
		t.httpClient = client
	}
}

// WithConnectionRetries enables retries of failed connections below the orchestrator's own retry policy.
func WithConnectionRetries(n int) AzureRESTOption {
	return func(t *AzureREST) {
		t.httpClient.RetryMax = n
	}
}

// WithRequestDumps logs request and response dumps on debug level.
func WithRequestDumps() AzureRESTOption {
	return func(t *AzureREST) {
		t.dumps = true
	}
}

// NewAzureREST ...
func NewAzureREST(uri string, logger log.Logger, opts ...AzureRESTOption) (*AzureREST, error) {
	if uri == "" {
		return nil, fmt.Errorf("blob URI is empty")
	}
	if _, err := url.Parse(uri); err != nil {
		return nil, fmt.Errorf("invalid blob URI: %w", err)
	}
	if !strings.Contains(uri, "?") {
		return nil, fmt.Errorf("blob URI has no query string, a pre-signed URI is required")
	}

	client := retryhttp.NewClient(logger)
	// Block retries are owned by the uploader
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t := &AzureREST{
		httpClient: client,
		uri:        uri,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// BlockURI returns the URI a block is staged at.
func (t *AzureREST) BlockURI(encodedBlockID string) string {
	return t.uri + "&comp=block&blockid=" + url.QueryEscape(encodedBlockID)
}

// CommitURI returns the URI the block list is committed at.
func (t *AzureREST) CommitURI() string {
	return t.uri + "&comp=blocklist"
}

// PutBlock stages one block.
func (t *AzureREST) PutBlock(ctx context.Context, r BlockRequest) (*Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, t.BlockURI(r.EncodedBlockID), r.Data)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.Header.Set("Content-Type", r.ContentType)
	req.Header.Set("Content-MD5", r.MD5.Base64())
	req.ContentLength = int64(len(r.Data))

	return t.do(req, "Block")
}

// CommitBlockList commits the staged blocks in request order.
func (t *AzureREST) CommitBlockList(ctx context.Context, r CommitRequest) (*Response, error) {
	body, err := block.BlockListBody(r.EncodedIDs())
	if err != nil {
		return nil, fmt.Errorf("build block list: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, t.CommitURI(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-ms-blob-content-type", r.ContentType)
	req.ContentLength = int64(len(body))

	return t.do(req, "Commit")
}

func (t *AzureREST) do(req *retryablehttp.Request, name string) (*Response, error) {
	if t.dumps {
		dump, err := httputil.DumpRequest(req.Request, false)
		if err != nil {
			t.logger.Warnf("error while dumping request: %s", err)
		}
		t.logger.Debugf("%s request dump: %s", name, string(dump))
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Warnf("failed to close response body: %s", err)
		}
	}(resp.Body)

	if t.dumps {
		dump, err := httputil.DumpResponse(resp, true)
		if err != nil {
			t.logger.Warnf("error while dumping response: %s", err)
		}
		t.logger.Debugf("%s response dump: %s", name, string(dump))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
