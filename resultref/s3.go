package resultref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend serves the object and cloud tiers. It works against AWS S3 and
// S3-compatible providers (MinIO, R2) via endpoint and path-style overrides.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Options configures the S3 backend.
type S3Options struct {
	// Client is a pre-built S3 client. When nil, NewS3Backend loads the AWS
	// default configuration chain.
	Client *s3.Client
	// Bucket is the target bucket. Required.
	Bucket string
	// Prefix is the key prefix within the bucket.
	Prefix string
	// Region overrides the region from the default chain.
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers.
	Endpoint string
	// UsePathStyle forces path-style addressing (required by most
	// S3-compatible providers).
	UsePathStyle bool
}

// NewS3Backend returns a Backend storing payloads as S3 objects. Credentials
// come from the AWS SDK default chain unless a client is supplied.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	client := opts.Client
	if client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		var s3Opts []func(*s3.Options)
		if opts.Endpoint != "" {
			endpoint := opts.Endpoint
			s3Opts = append(s3Opts, func(o *s3.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		if opts.UsePathStyle {
			s3Opts = append(s3Opts, func(o *s3.Options) {
				o.UsePathStyle = true
			})
		}
		client = s3.NewFromConfig(cfg, s3Opts...)
	}
	return &S3Backend{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// Put implements Backend.
func (b *S3Backend) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	fullKey := b.key(key)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", fullKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", b.bucket, fullKey), nil
}

// Get implements Backend.
func (b *S3Backend) Get(ctx context.Context, uri string) ([]byte, error) {
	_, key, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete implements Backend.
func (b *S3Backend) Delete(ctx context.Context, uri string) error {
	_, key, err := parseS3URI(uri)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return err
}

// List implements Backend.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		uris  []string
		token *string
	)
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.key(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				uris = append(uris, fmt.Sprintf("s3://%s/%s", b.bucket, *obj.Key))
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return uris, nil
		}
		token = out.NextContinuationToken
	}
}

func (b *S3Backend) key(key string) string {
	if b.prefix == "" {
		return key
	}
	return strings.TrimSuffix(b.prefix, "/") + "/" + key
}

func parseS3URI(uri string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed s3 uri: %q", uri)
	}
	return parts[0], parts[1], nil
}
