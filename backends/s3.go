package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

const (
	// s3DeleteBatchSize is the most keys DeleteObjects accepts per call.
	s3DeleteBatchSize  = 1000
	s3ClearConcurrency = 4
)

// s3API is the subset of *s3.Client used by the backend.
type s3API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Options configures the S3 backend.
type S3Options struct {
	Bucket string
	Region string
	// Endpoint overrides the service endpoint, for S3-compatible stores.
	Endpoint     string
	UsePathStyle bool
}

// S3 stores objects in an S3 bucket. Object keys are used verbatim.
type S3 struct {
	client s3API
	bucket string
	logger *slog.Logger
}

// NewS3 creates an S3 backend using the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options, logger *slog.Logger) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return newS3WithClient(client, opts.Bucket, logger), nil
}

func newS3WithClient(client s3API, bucket string, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{client: client, bucket: bucket, logger: logger}
}

func (b *S3) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", b.bucket, key, err)
	}
	return out.Body, nil
}

func (b *S3) Stat(ctx context.Context, key string) (Object, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("failed to head s3://%s/%s: %w", b.bucket, key, err)
	}
	return Object{
		Key:     key,
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

func (b *S3) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", b.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:     aws.ToString(obj.Key),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (b *S3) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

// Clear lists everything under prefix and deletes it in batches, several
// batches at a time.
func (b *S3) Clear(ctx context.Context, prefix string) error {
	objects, err := b.List(ctx, prefix)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s3ClearConcurrency)
	for start := 0; start < len(objects); start += s3DeleteBatchSize {
		end := min(start+s3DeleteBatchSize, len(objects))
		batch := make([]types.ObjectIdentifier, 0, end-start)
		for _, obj := range objects[start:end] {
			batch = append(batch, types.ObjectIdentifier{Key: aws.String(obj.Key)})
		}
		g.Go(func() error {
			out, err := b.client.DeleteObjects(gctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.bucket),
				Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("failed to delete objects in s3://%s/%s: %w", b.bucket, prefix, err)
			}
			if len(out.Errors) > 0 {
				first := out.Errors[0]
				return fmt.Errorf("failed to delete %d objects, first %s: %s",
					len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.logger.Info("cleared s3 cache", "bucket", b.bucket, "prefix", prefix, "objects", len(objects))
	return nil
}

func (b *S3) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	// HeadObject on some S3-compatible stores only reports the status code.
	return strings.Contains(err.Error(), "StatusCode: 404")
}
