package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/artifact"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/retry"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

// api is the subset of *s3.Client the backend uses.
type api interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Backend stores archives in an S3 bucket. Conflicts are detected by listing
// the object path as a prefix.
type Backend struct {
	client api
	target storage.AwsS3
	ro     retry.Options
}

// New builds an S3 client with the target's static credentials.
func New(ctx context.Context, t storage.AwsS3, ro retry.Options) (*Backend, error) {
	if t.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(t.Region),
	}
	if t.AccessKeyID != "" && t.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(t.AccessKeyID, t.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if ep := strings.TrimSpace(t.Endpoint); ep != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(ep)
			o.UsePathStyle = true
		})
	}
	return newWithClient(s3.NewFromConfig(cfg, s3Opts...), t, ro), nil
}

func newWithClient(c api, t storage.AwsS3, ro retry.Options) *Backend {
	return &Backend{client: c, target: t, ro: ro}
}

func (b *Backend) Name() string { return string(storage.KindAwsS3) }

// Conflict lists objects under the bucket's object path and reports a non-empty result.
func (b *Backend) Conflict(ctx context.Context, bucket int64) (bool, error) {
	key := b.target.ObjectPath(bucket)
	var out *s3.ListObjectsV2Output
	err := retry.Do(ctx, b.ro, isRetryable, func(ctx context.Context) error {
		var err error
		out, err = b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(b.target.Bucket),
			Prefix:  aws.String(key),
			MaxKeys: aws.Int32(1),
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("aws: list %q: %w", key, err)
	}
	if out == nil {
		return false, fmt.Errorf("aws: list %q: empty response", key)
	}
	found := len(out.Contents) > 0
	zerolog.Ctx(ctx).Debug().Str("action", "s3_conflict").Str("bucket", b.target.Bucket).
		Str("key", key).Bool("found", found).Msg("conflict check")
	return found, nil
}

// Upload streams the artifact file to the bucket's object path.
func (b *Backend) Upload(ctx context.Context, a artifact.Artifact, bucket int64) error {
	key := b.target.ObjectPath(bucket)
	sum, size, err := a.Digest()
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}

	start := time.Now()
	attempt := 0
	err = retry.Do(ctx, b.ro, isRetryable, func(ctx context.Context) error {
		attempt++
		f, err := os.Open(a.Path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.target.Bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String("application/x-xz"),
			Metadata:      map[string]string{"sha256": sum},
		})
		if err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Str("action", "s3_upload").Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("aws: put %q: %w", key, err)
	}
	zerolog.Ctx(ctx).Info().Str("action", "s3_upload").Str("bucket", b.target.Bucket).Str("key", key).
		Int64("size", size).Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).Msg("upload OK")
	return nil
}

// isRetryable: timeouts, 5xx, 429, 408 and S3 throttling codes.
func isRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var se interface{ HTTPStatusCode() int }
	if errors.As(err, &se) {
		code := se.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || (code >= 500 && code <= 599) {
			return true
		}
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		}
	}
	return false
}
