package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// S3MinPartSize is the smallest part S3 accepts, except for the last one.
	S3MinPartSize int64 = 5 * 1024 * 1024
	// S3MaxParts is the highest part number of a multipart upload.
	S3MaxParts = 10000
)

// S3API is the subset of the S3 client used for multipart uploads.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Multipart maps blocks to the parts of an S3 multipart upload.
// Part number is the block index plus one.
type S3Multipart struct {
	client S3API
	bucket string
	key    string
	logger log.Logger

	mu       sync.Mutex
	uploadID string
	etags    map[int32]string
}

// NewS3Multipart loads AWS credentials and creates an S3 client.
func NewS3Multipart(ctx context.Context, params S3Params, logger log.Logger) (*S3Multipart, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3MultipartWithClient(s3.NewFromConfig(*cfg), params.Bucket, params.Key, logger)
}

// NewS3MultipartWithClient ...
func NewS3MultipartWithClient(client S3API, bucket, key string, logger log.Logger) (*S3Multipart, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if key == "" {
		return nil, fmt.Errorf("key must not be empty")
	}

	return &S3Multipart{
		client: client,
		bucket: bucket,
		key:    key,
		logger: logger,
		etags:  map[int32]string{},
	}, nil
}

// UploadID returns the multipart upload id, empty before the first part.
func (t *S3Multipart) UploadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadID
}

func (t *S3Multipart) ensureUpload(ctx context.Context, contentType string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.uploadID != "" {
		return t.uploadID, nil
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := t.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", convertS3Error(err))
	}
	if out.UploadId == nil {
		return "", fmt.Errorf("create multipart upload: no upload id returned")
	}

	t.uploadID = *out.UploadId
	t.logger.Debugf("Multipart upload created: %s", t.uploadID)

	return t.uploadID, nil
}

// PutBlock uploads the block as a part.
func (t *S3Multipart) PutBlock(ctx context.Context, r BlockRequest) (*Response, error) {
	uploadID, err := t.ensureUpload(ctx, r.ContentType)
	if err != nil {
		return nil, err
	}

	partNumber := int32(r.Index + 1)
	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(r.Data),
		ContentLength: aws.Int64(int64(len(r.Data))),
		ContentMD5:    aws.String(r.MD5.Base64()),
	})
	if err != nil {
		return nil, convertS3Error(err)
	}

	etag := aws.ToString(out.ETag)
	t.mu.Lock()
	t.etags[partNumber] = etag
	t.mu.Unlock()

	header := http.Header{}
	header.Set("ETag", etag)

	return &Response{StatusCode: http.StatusOK, Header: header}, nil
}

// CommitBlockList completes the multipart upload with the parts in request order.
func (t *S3Multipart) CommitBlockList(ctx context.Context, r CommitRequest) (*Response, error) {
	uploadID, err := t.ensureUpload(ctx, r.ContentType)
	if err != nil {
		return nil, err
	}

	blocks := make([]CommitBlock, len(r.Blocks))
	copy(blocks, r.Blocks)
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })

	t.mu.Lock()
	parts := make([]types.CompletedPart, 0, len(blocks))
	for _, b := range blocks {
		partNumber := int32(b.Index + 1)
		etag, ok := t.etags[partNumber]
		if !ok {
			t.mu.Unlock()
			return nil, fmt.Errorf("part %d was not uploaded", partNumber)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(partNumber),
		})
	}
	t.mu.Unlock()

	out, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.bucket),
		Key:             aws.String(t.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, convertS3Error(err)
	}

	header := http.Header{}
	if out.ETag != nil {
		header.Set("ETag", *out.ETag)
	}
	if out.Location != nil {
		header.Set("Location", *out.Location)
	}

	return &Response{StatusCode: http.StatusOK, Header: header}, nil
}

// CheckLayout rejects layouts that CompleteMultipartUpload would refuse.
func (t *S3Multipart) CheckLayout(blockSize int64, numberOfBlocks int) error {
	if numberOfBlocks > S3MaxParts {
		return fmt.Errorf("%d blocks exceed the S3 limit of %d parts, increase the block size", numberOfBlocks, S3MaxParts)
	}
	if numberOfBlocks > 1 && blockSize < S3MinPartSize {
		return fmt.Errorf("block size %d is below the S3 minimum part size of %d bytes", blockSize, S3MinPartSize)
	}
	return nil
}

// Abort discards the uploaded parts. It is a no-op before the first part.
func (t *S3Multipart) Abort(ctx context.Context) error {
	uploadID := t.UploadID()
	if uploadID == "" {
		return nil
	}

	_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(t.key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", convertS3Error(err))
	}

	return nil
}

func convertS3Error(err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		body := respErr.Error()
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			body = fmt.Sprintf("%s: %s", apiError.ErrorCode(), apiError.ErrorMessage())
		}
		return &StatusError{StatusCode: respErr.HTTPStatusCode(), Body: body}
	}
	return err
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
