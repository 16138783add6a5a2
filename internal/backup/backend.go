package backup

import (
	"context"
	"fmt"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/retry"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage/azure"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage/gcs"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage/s3"
)

// OpenBackend builds the backend matching the target variant.
func OpenBackend(ctx context.Context, t storage.Target, ro retry.Options) (storage.Backend, error) {
	switch t := t.(type) {
	case nil:
		return nil, ErrNoTarget
	case storage.GoogleCloud:
		b, err := gcs.New(ctx, t, ro)
		if err != nil {
			return nil, err
		}
		return b, nil
	case storage.AwsS3:
		b, err := s3.New(ctx, t, ro)
		if err != nil {
			return nil, err
		}
		return b, nil
	case storage.AzureBlob:
		b, err := azure.New(t, ro)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTarget, t)
	}
}
