package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 fetches s3://bucket/key URLs, for scraps whose images live in a private
// bucket rather than behind the CDN.
type S3 struct {
	client   S3API
	maxBytes int64
}

// NewS3 creates an S3 fetcher around an existing client.
func NewS3(client S3API) *S3 {
	return &S3{client: client, maxBytes: DefaultMaxBytes}
}

// NewS3FromConfig creates an S3 fetcher using the default AWS credential
// chain. An empty region defers to the environment.
func NewS3FromConfig(ctx context.Context, region string) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3(s3.NewFromConfig(cfg)), nil
}

// Fetch reads the object named by an s3://bucket/key URL.
func (f *S3) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("s3://%s/%s exceeds %d bytes", bucket, key, f.maxBytes)
	}
	return data, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url %q must be s3://bucket/key", rawURL)
	}
	return u.Host, key, nil
}
