package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	transportAzureREST = "azure-rest"
	transportAzureSDK  = "azure-sdk"
	transportS3        = "s3"
)

type transportFactory struct {
	inputs Inputs
	logger log.Logger
}

// create returns a transport writing the named file under the configured destination.
func (f transportFactory) create(ctx context.Context, name string) (transport.Transport, error) {
	switch f.inputs.Transport {
	case transportS3:
		return transport.NewS3Multipart(ctx, transport.S3Params{
			Region:          f.inputs.AWSRegion,
			Bucket:          f.inputs.S3Bucket,
			Key:             objectKey(f.inputs.S3KeyPrefix, name),
			AccessKeyID:     string(f.inputs.AWSAccessKeyID),
			SecretAccessKey: string(f.inputs.AWSSecretKey),
		}, f.logger)
	case transportAzureSDK, transportAzureREST, "":
		blobURI, err := blobURI(string(f.inputs.Destination), name)
		if err != nil {
			return nil, err
		}
		if f.inputs.Transport == transportAzureSDK {
			return transport.NewAzureSDK(blobURI, nil, f.logger)
		}

		var opts []transport.AzureRESTOption
		if f.inputs.ConnRetries > 0 {
			opts = append(opts, transport.WithConnectionRetries(f.inputs.ConnRetries))
		}
		if f.inputs.Verbose {
			opts = append(opts, transport.WithRequestDumps())
		}
		return transport.NewAzureREST(blobURI, f.logger, opts...)
	default:
		return nil, fmt.Errorf("unknown transport: %s", f.inputs.Transport)
	}
}

// blobURI appends the blob name to a pre-signed container URI, keeping its query.
func blobURI(containerURI, name string) (string, error) {
	if containerURI == "" {
		return "", errors.New("destination_uri is required for Azure transports")
	}

	u, err := url.Parse(containerURI)
	if err != nil {
		return "", fmt.Errorf("invalid destination_uri: %w", err)
	}
	if u.RawQuery == "" {
		return "", errors.New("destination_uri must be a pre-signed container URI")
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + name
	u.RawPath = ""
	return u.String(), nil
}

func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
