package archive

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/googleapis/gax-go/v2"
	"gocloud.dev/blob"
	"gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob" // file:// scheme
	"gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob" // mem:// scheme
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"
	"golang.org/x/oauth2"
)

// Open opens a bucket by URL, for example "file:///tmp/out" or "mem://".
// Cloud schemes use the default credentials of the environment.
func Open(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf(`cannot open bucket "%s": %w`, bucketURL, err)
	}
	return b, nil
}

type S3Params struct {
	Region          string `json:"region" yaml:"region"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	AccessKeyID     string `json:"accessKeyId" yaml:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey" yaml:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty" yaml:"sessionToken,omitempty"`
}

// OpenS3 opens an AWS S3 bucket with static credentials, the transport is optional.
func OpenS3(ctx context.Context, params S3Params, transport http.RoundTripper) (*blob.Bucket, error) {
	loadOpts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(params.Region),
		awsConfig.WithCredentialsProvider(aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			params.AccessKeyID,
			params.SecretAccessKey,
			params.SessionToken,
		))),
	}
	if transport != nil {
		loadOpts = append(loadOpts, awsConfig.WithHTTPClient(&http.Client{Transport: transport}))
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}

	b, err := s3blob.OpenBucketV2(ctx, s3.NewFromConfig(cfg), params.Bucket, nil)
	if err != nil {
		return nil, fmt.Errorf(`cannot open S3 bucket "%s": %w`, params.Bucket, err)
	}
	return b, nil
}

// S3WriterOptions returns writer options with the smallest allowed part size, records are small.
func S3WriterOptions() *blob.WriterOptions {
	return &blob.WriterOptions{
		ContentType: "application/json",
		BufferSize:  int(s3manager.MinUploadPartSize),
	}
}

type GCSParams struct {
	Bucket      string `json:"bucket" yaml:"bucket"`
	AccessToken string `json:"accessToken" yaml:"accessToken"`
	TokenType   string `json:"tokenType" yaml:"tokenType"`
}

// OpenGCS opens a Google Cloud Storage bucket with a static token, the transport is optional.
func OpenGCS(ctx context.Context, params GCSParams, transport http.RoundTripper) (*blob.Bucket, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: params.AccessToken,
		TokenType:   params.TokenType,
	})
	if transport == nil {
		transport = gcp.DefaultTransport()
	}
	client, err := gcp.NewHTTPClient(transport, tokenSource)
	if err != nil {
		return nil, err
	}

	b, err := gcsblob.OpenBucket(ctx, client, params.Bucket, nil)
	if err != nil {
		return nil, fmt.Errorf(`cannot open GCS bucket "%s": %w`, params.Bucket, err)
	}

	// Records are written by a single idempotent upload
	var gcsClient *storage.Client
	if !b.As(&gcsClient) {
		panic(fmt.Errorf("unable to access storage.Client through Bucket.As"))
	}
	gcsClient.SetRetry(
		storage.WithBackoff(gax.Backoff{}),
		storage.WithPolicy(storage.RetryIdempotent),
	)
	return b, nil
}

type ABSParams struct {
	// ContainerSASURL is the container URL including the SAS token query.
	ContainerSASURL string `json:"containerSasUrl" yaml:"containerSasUrl"`
	MaxRetries      int32  `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// OpenABS opens an Azure Blob Storage container by a SAS URL, the transport is optional.
func OpenABS(ctx context.Context, params ABSParams, transport http.RoundTripper) (*blob.Bucket, error) {
	clientOpts := &container.ClientOptions{ClientOptions: azcore.ClientOptions{
		Retry: policy.RetryOptions{MaxRetries: params.MaxRetries},
	}}
	if transport != nil {
		clientOpts.Transport = &http.Client{Transport: transport}
	}

	client, err := container.NewClientWithNoCredential(params.ContainerSASURL, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("cannot create ABS container client: %w", err)
	}

	b, err := azureblob.OpenBucket(ctx, client, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open ABS container: %w", err)
	}
	return b, nil
}
