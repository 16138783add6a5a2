package storage

import (
	"context"
	"strconv"
	"strings"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/artifact"
)

// Backend is the contract every object store implements for the backup cycle.
// Failures are returned as-is (wrapped), never masked.
type Backend interface {
	// Name returns the backend identifier (e.g. "google", "aws", "azure").
	Name() string

	// Conflict reports whether an archive already exists for the bucket timestamp.
	Conflict(ctx context.Context, bucket int64) (bool, error)

	// Upload stores the artifact under the object path of the bucket timestamp.
	Upload(ctx context.Context, a artifact.Artifact, bucket int64) error
}

// ObjectPath derives the remote key for a bucket timestamp:
// "<seg1>/<seg2>/<bucket>.tar.xz", or "<bucket>.tar.xz" without a path.
// All backends use it so deduplication does not depend on the backend.
func ObjectPath(path []string, bucket int64) string {
	var b strings.Builder
	if len(path) > 0 {
		b.WriteString(strings.Join(path, "/"))
		b.WriteByte('/')
	}
	b.WriteString(strconv.FormatInt(bucket, 10))
	b.WriteByte('.')
	b.WriteString(artifact.Extension)
	return b.String()
}
