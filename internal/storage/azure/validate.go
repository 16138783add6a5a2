package azure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/retry"
)

// ensureContainer checks access using a minimal list (SAS sr=c cannot create containers).
func (b *Backend) ensureContainer(ctx context.Context) error {
	container := b.target.Container
	attempt := 0
	return retry.Do(ctx, b.ro, isRetryable, func(ctx context.Context) error {
		attempt++
		pager := b.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
			MaxResults: to.Ptr(int32(1)),
		})
		if !pager.More() {
			return nil
		}
		_, err := pager.NextPage(ctx)
		if err == nil {
			return nil
		}
		var re *azcore.ResponseError
		if errors.As(err, &re) {
			switch re.ErrorCode {
			case string(bloberror.ContainerNotFound):
				return fmt.Errorf("container %q not found: create it first (container SAS cannot create containers)", container)
			case string(bloberror.AuthorizationFailure),
				string(bloberror.AuthorizationPermissionMismatch),
				string(bloberror.AuthenticationFailed):
				return fmt.Errorf("not authorized for container %q; ensure a container SAS with at least rwl", container)
			}
		}
		zerolog.Ctx(ctx).Debug().Err(err).Str("action", "azure_container_check").Str("container", container).
			Int("attempt", attempt).Msg("attempt failed")
		return err
	})
}

// lookup finds the exact blob and returns (found, size).
func (b *Backend) lookup(ctx context.Context, key string) (bool, int64, error) {
	pager := b.client.NewListBlobsFlatPager(b.target.Container, &azblob.ListBlobsFlatOptions{
		Prefix:     to.Ptr(key),
		MaxResults: to.Ptr(int32(1)),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, 0, err
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name != nil && *it.Name == key {
				if it.Properties != nil && it.Properties.ContentLength != nil {
					return true, *it.Properties.ContentLength, nil
				}
				return true, 0, nil
			}
		}
	}
	return false, 0, nil
}

// isRetryable: timeouts, 5xx, 429, 408 and ServerBusy.
func isRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusTooManyRequests || re.StatusCode == http.StatusRequestTimeout {
			return true
		}
		if re.StatusCode >= 500 && re.StatusCode <= 599 {
			return true
		}
		if re.ErrorCode == string(bloberror.ServerBusy) {
			return true
		}
	}
	return false
}
