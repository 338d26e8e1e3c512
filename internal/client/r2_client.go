package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/makeasinger/pipeline/internal/config"
)

// ErrObjectNotFound is returned when a requested object does not exist
var ErrObjectNotFound = errors.New("object not found")

// ProgressFunc receives bytes transferred so far and the expected total (0 if unknown)
type ProgressFunc func(transferred, total int64)

// ObjectStore defines the streaming object storage operations the pipeline needs
type ObjectStore interface {
	StreamFrom(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	StreamTo(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, progress ProgressFunc) error
	Delete(ctx context.Context, bucket, key string) error
}

// R2Client implements ObjectStore for Cloudflare R2
type R2Client struct {
	s3Client *s3.Client
	uploader *manager.Uploader
}

// NewR2Client creates a new R2 storage client
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &R2Client{
		s3Client: s3Client,
		uploader: manager.NewUploader(s3Client, func(u *manager.Uploader) {
			u.PartSize = cfg.PartSizeMB * 1024 * 1024
			u.Concurrency = 1
		}),
	}, nil
}

// StreamFrom opens an object for reading. The caller closes the body.
func (c *R2Client) StreamFrom(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, 0, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("failed to read from R2: %w", err)
	}

	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// StreamTo uploads body in parts, reporting progress as it is consumed
func (c *R2Client) StreamTo(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, progress ProgressFunc) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        NewProgressReader(body, size, progress),
		ContentType: aws.String(contentType),
	}

	if _, err := c.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}

	return nil
}

// Delete removes an object from R2
func (c *R2Client) Delete(ctx context.Context, bucket, key string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}

	_, err := c.s3Client.DeleteObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to delete from R2: %w", err)
	}

	return nil
}

// ProgressReader counts bytes read through it
type ProgressReader struct {
	r        io.Reader
	total    int64
	read     int64
	progress ProgressFunc
}

// NewProgressReader wraps r; a nil progress makes it a plain pass-through
func NewProgressReader(r io.Reader, total int64, progress ProgressFunc) *ProgressReader {
	return &ProgressReader{r: r, total: total, progress: progress}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.progress != nil {
			p.progress(p.read, p.total)
		}
	}
	return n, err
}
