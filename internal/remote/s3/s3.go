// Package s3 lists and streams objects from an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/BadgerOps/dxpops/internal/remote"
)

// API is the subset of the S3 client used here.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options describe where the bucket lives.
type Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PageSize        int32
}

// Bucket implements remote.Container over ListObjectsV2 and GetObject.
type Bucket struct {
	api      API
	bucket   string
	prefix   string
	pageSize int32
	logger   *slog.Logger
}

// New loads AWS configuration and returns a Bucket. Static credentials are
// used when both keys are set, otherwise the default chain applies.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Bucket, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	var loaders []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithAPI(client, opts, logger), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, opts Options, logger *slog.Logger) *Bucket {
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.PageSize
	if size <= 0 {
		size = 1000
	}
	return &Bucket{
		api:      api,
		bucket:   opts.Bucket,
		prefix:   strings.TrimPrefix(opts.Prefix, "/"),
		pageSize: size,
		logger:   logger.With("bucket", opts.Bucket),
	}
}

// ListPage fetches one ListObjectsV2 page.
func (b *Bucket) ListPage(ctx context.Context, token string) (remote.Page, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		MaxKeys: aws.Int32(b.pageSize),
	}
	if b.prefix != "" {
		in.Prefix = aws.String(b.prefix)
	}
	if token != "" {
		in.ContinuationToken = aws.String(token)
	}

	out, err := b.api.ListObjectsV2(ctx, in)
	if err != nil {
		return remote.Page{}, classify("list objects", err)
	}

	page := remote.Page{Objects: make([]remote.Object, 0, len(out.Contents))}
	for _, o := range out.Contents {
		key := aws.ToString(o.Key)
		// Directory placeholders carry no content.
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		obj := remote.Object{Name: key}
		if n := aws.ToInt64(o.Size); n > 0 {
			obj.Size = n
		}
		if o.LastModified != nil {
			ts := *o.LastModified
			obj.LastModified = &ts
		}
		page.Objects = append(page.Objects, obj)
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// Open streams the named object.
func (b *Bucket) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, classify("get "+name, err)
	}
	return out.Body, nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "Forbidden":
			return fmt.Errorf("%s: %w", op, remote.ErrAccessDenied)
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
		}
	}
	return &remote.TransportError{Op: op, Err: err}
}
