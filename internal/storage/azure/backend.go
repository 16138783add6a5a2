package azure

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/artifact"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/retry"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

// Backend stores archives in an Azure Blob container.
type Backend struct {
	client     *azblob.Client
	target     storage.AzureBlob
	endpoint   string // e.g. https://<account>.blob.core.windows.net/
	sas        string // raw SAS without leading "?"
	authViaSAS bool
	ro         retry.Options
	httpClient *http.Client
}

func (b *Backend) Name() string { return string(storage.KindAzureBlob) }

// Conflict lists the exact key and reports whether it exists.
func (b *Backend) Conflict(ctx context.Context, bucket int64) (bool, error) {
	key := b.target.ObjectPath(bucket)
	var found bool
	err := retry.Do(ctx, b.ro, isRetryable, func(ctx context.Context) error {
		var err error
		found, _, err = b.lookup(ctx, key)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("azure: list %q: %w", key, err)
	}
	zerolog.Ctx(ctx).Debug().Str("action", "azure_conflict").Str("container", b.target.Container).
		Str("key", key).Bool("found", found).Msg("conflict check")
	return found, nil
}

// Upload uploads the artifact and validates it (HEAD with SAS, list otherwise).
func (b *Backend) Upload(ctx context.Context, a artifact.Artifact, bucket int64) error {
	if err := b.ensureContainer(ctx); err != nil {
		return fmt.Errorf("ensure container: %w", err)
	}
	key := b.target.ObjectPath(bucket)

	sum, size, err := a.Digest()
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}

	upStart := time.Now()
	upAttempt := 0
	uploadOnce := func(ctx context.Context) error {
		upAttempt++
		f, err := os.Open(a.Path)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				zerolog.Ctx(ctx).Warn().Err(cerr).Str("file", a.Path).Msg("failed to close artifact after upload")
			}
		}()
		_, err = b.client.UploadFile(ctx, b.target.Container, key, f, &azblob.UploadFileOptions{
			Metadata: map[string]*string{"sha256": to.Ptr(sum)},
		})
		if err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Str("action", "azure_upload").Str("key", key).
				Int("attempt", upAttempt).Msg("attempt failed")
		}
		return err
	}
	if err := retry.Do(ctx, b.ro, isRetryable, uploadOnce); err != nil {
		return fmt.Errorf("azure: upload %q: %w", key, err)
	}
	zerolog.Ctx(ctx).Info().Str("action", "azure_upload").Str("container", b.target.Container).Str("key", key).
		Int("attempts", upAttempt).Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")

	if err := b.verify(ctx, key, sum, size); err != nil {
		return fmt.Errorf("azure: validate %q: %w", key, err)
	}
	return nil
}

// verify checks the remote blob against the local size (and checksum via SAS HEAD).
func (b *Backend) verify(ctx context.Context, key, sum string, size int64) error {
	if b.authViaSAS {
		return retry.Do(ctx, b.ro, isRetryable, func(ctx context.Context) error {
			remoteSize, remoteSHA, err := b.headSizeAndSHA(ctx, key)
			if err != nil {
				return err
			}
			return compare(size, remoteSize, sum, remoteSHA, true)
		})
	}
	return retry.Do(ctx, b.ro, isRetryable, func(ctx context.Context) error {
		found, remoteSize, err := b.lookup(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("uploaded blob not found at %q", key)
		}
		return compare(size, remoteSize, "", "", false)
	})
}

func compare(local, remote int64, localSHA, remoteSHA string, checkSHA bool) error {
	if remote != local {
		return fmt.Errorf("size mismatch: local=%d, remote=%d", local, remote)
	}
	if !checkSHA {
		return nil
	}
	if remoteSHA == "" {
		return fmt.Errorf("missing metadata: sha256")
	}
	if remoteSHA != localSHA {
		return fmt.Errorf("sha256 mismatch: local=%s, remote=%s", localSHA, remoteSHA)
	}
	return nil
}
