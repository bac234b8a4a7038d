package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/bitrise-io/go-utils/v2/log"
)

// AzureSDK stages blocks through the azblob block blob client.
type AzureSDK struct {
	client *blockblob.Client
	logger log.Logger
}

// NewAzureSDK creates a block blob client for a pre-signed blob URL.
// The SDK's own retry policy is disabled; a nil httpClient uses the SDK default transport.
func NewAzureSDK(blobURL string, httpClient *http.Client, logger log.Logger) (*AzureSDK, error) {
	opts := &blockblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
	if httpClient != nil {
		opts.Transport = httpClient
	}

	client, err := blockblob.NewClientWithNoCredential(blobURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	return &AzureSDK{client: client, logger: logger}, nil
}

// PutBlock stages one block with MD5 transactional validation.
func (t *AzureSDK) PutBlock(ctx context.Context, r BlockRequest) (*Response, error) {
	resp, err := t.client.StageBlock(ctx, r.EncodedBlockID, streaming.NopCloser(bytes.NewReader(r.Data)), &blockblob.StageBlockOptions{
		TransactionalValidation: blob.TransferValidationTypeMD5(r.MD5),
	})
	if err != nil {
		return nil, convertAzureError(err)
	}

	header := http.Header{}
	if resp.RequestID != nil {
		header.Set("x-ms-request-id", *resp.RequestID)
	}

	return &Response{StatusCode: http.StatusCreated, Header: header}, nil
}

// CommitBlockList commits the staged blocks and sets the blob content type.
func (t *AzureSDK) CommitBlockList(ctx context.Context, r CommitRequest) (*Response, error) {
	resp, err := t.client.CommitBlockList(ctx, r.EncodedIDs(), &blockblob.CommitBlockListOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(r.ContentType),
		},
	})
	if err != nil {
		return nil, convertAzureError(err)
	}

	header := http.Header{}
	if resp.RequestID != nil {
		header.Set("x-ms-request-id", *resp.RequestID)
	}
	if resp.ETag != nil {
		header.Set("ETag", string(*resp.ETag))
	}

	return &Response{StatusCode: http.StatusCreated, Header: header}, nil
}

func convertAzureError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return &StatusError{StatusCode: respErr.StatusCode, Body: respErr.ErrorCode}
	}
	return err
}
