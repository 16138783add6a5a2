package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/artifact"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/retry"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

// writeOptions are applied to the object writer before the first byte.
type writeOptions struct {
	ContentType string
	Metadata    map[string]string
	Public      bool
}

// bucketHandle abstracts a GCS bucket for testability.
type bucketHandle interface {
	Attrs(ctx context.Context, name string) (*gcstorage.ObjectAttrs, error)
	NewWriter(ctx context.Context, name string, o writeOptions) io.WriteCloser
}

// realBucket wraps *storage.BucketHandle.
type realBucket struct{ bh *gcstorage.BucketHandle }

func (r realBucket) Attrs(ctx context.Context, name string) (*gcstorage.ObjectAttrs, error) {
	return r.bh.Object(name).Attrs(ctx)
}

func (r realBucket) NewWriter(ctx context.Context, name string, o writeOptions) io.WriteCloser {
	w := r.bh.Object(name).NewWriter(ctx)
	w.ChunkSize = 0 // single request, non-resumable
	w.ContentType = o.ContentType
	w.Metadata = o.Metadata
	if o.Public {
		w.PredefinedACL = "publicRead"
	}
	return w
}

// Backend stores archives in a GCS bucket. Conflicts are detected through
// object metadata: returned attributes mean the archive exists.
type Backend struct {
	client *gcstorage.Client
	bucket bucketHandle
	target storage.GoogleCloud
	ro     retry.Options
}

// serviceAccount is the minimal JSON key accepted by the Google auth library.
type serviceAccount struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id,omitempty"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

func credentialsJSON(t storage.GoogleCloud) ([]byte, error) {
	return json.Marshal(serviceAccount{
		Type:        "service_account",
		ProjectID:   t.ProjectID,
		ClientEmail: t.ClientEmail,
		PrivateKey:  t.PrivateKey,
		TokenURI:    "https://oauth2.googleapis.com/token",
	})
}

// New creates a GCS client from the target's service account credentials.
// Without credentials, Application Default Credentials are used.
func New(ctx context.Context, t storage.GoogleCloud, ro retry.Options) (*Backend, error) {
	if t.Bucket == "" {
		return nil, fmt.Errorf("google: bucket is required")
	}
	var opts []option.ClientOption
	if t.ClientEmail != "" && t.PrivateKey != "" {
		data, err := credentialsJSON(t)
		if err != nil {
			return nil, fmt.Errorf("google: credentials: %w", err)
		}
		opts = append(opts, option.WithAuthCredentialsJSON(option.ServiceAccount, data))
	}
	if t.ProjectID != "" {
		opts = append(opts, option.WithQuotaProject(t.ProjectID))
	}
	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google: client: %w", err)
	}
	b := newWithBucket(realBucket{client.Bucket(t.Bucket)}, t, ro)
	b.client = client
	return b, nil
}

func newWithBucket(bh bucketHandle, t storage.GoogleCloud, ro retry.Options) *Backend {
	return &Backend{bucket: bh, target: t, ro: ro}
}

func (b *Backend) Name() string { return string(storage.KindGoogleCloud) }

// Close releases the underlying client.
func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// Conflict fetches the object's attributes; ErrObjectNotExist means no archive yet.
func (b *Backend) Conflict(ctx context.Context, bucket int64) (bool, error) {
	key := b.target.ObjectPath(bucket)
	var attrs *gcstorage.ObjectAttrs
	err := retry.Do(ctx, b.ro, isRetryable, func(ctx context.Context) error {
		var err error
		attrs, err = b.bucket.Attrs(ctx, key)
		return err
	})
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("google: attrs %q: %w", key, err)
	}
	found := attrs != nil
	zerolog.Ctx(ctx).Debug().Str("action", "gcs_conflict").Str("bucket", b.target.Bucket).
		Str("key", key).Bool("found", found).Msg("conflict check")
	return found, nil
}

// Upload writes the artifact in a single non-resumable request.
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

		// Cancelling the writer's context aborts a failed upload.
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		w := b.bucket.NewWriter(wctx, key, writeOptions{
			ContentType: "application/x-xz",
			Metadata:    map[string]string{"sha256": sum},
			Public:      b.target.Public,
		})
		if _, err := io.Copy(w, f); err != nil {
			cancel()
			_ = w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Str("action", "gcs_upload").Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("google: write %q: %w", key, err)
	}
	zerolog.Ctx(ctx).Info().Str("action", "gcs_upload").Str("bucket", b.target.Bucket).Str("key", key).
		Int64("size", size).Int("attempts", attempt).Dur("elapsed_ms", time.Since(start)).Msg("upload OK")
	return nil
}

// isRetryable: timeouts, 5xx, 429 and 408.
func isRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code == http.StatusTooManyRequests || ge.Code == http.StatusRequestTimeout ||
			(ge.Code >= 500 && ge.Code <= 599)
	}
	return false
}
