package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/archive"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/artifact"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/metrics"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/purge"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

// Archiver produces one local archive from the run's archive options.
type Archiver interface {
	Archive(ctx context.Context, opts archive.Options) (artifact.Artifact, error)
}

// Purger removes local export leftovers. The context carries the logger
// only; a pass is never cut short by cancellation.
type Purger interface {
	Purge(ctx context.Context) (purge.Result, error)
}

// Outcome of a cycle that did not fail.
type Outcome string

const (
	// OutcomeUploaded: a new archive was stored for the bucket.
	OutcomeUploaded Outcome = metrics.OutcomeUploaded
	// OutcomeSkipped: the bucket already had an archive.
	OutcomeSkipped Outcome = metrics.OutcomeSkipped
)

// Result describes one cycle. Bucket and Key are set once the conflict check
// ran; Artifact once the archiver returned.
type Result struct {
	Bucket   int64
	Key      string
	Outcome  Outcome
	Artifact artifact.Artifact
}

// Cycle runs purge, conflict check, archive, upload and purge again.
type Cycle struct {
	rc       RunContext
	backend  storage.Backend
	archiver Archiver
	purger   Purger
	now      func() time.Time
	metrics  *metrics.Collector

	// log carries progress, errLog carries policy-handled errors.
	log    zerolog.Logger
	errLog zerolog.Logger
}

// Run executes one cycle. Purge failures never fail it; a conflict check,
// archive or upload failure is returned wrapped. The second purge runs
// whenever the archiver was invoked, before Run returns.
func (c *Cycle) Run(ctx context.Context) (res Result, err error) {
	c.purge(ctx, "before")

	res.Bucket = BucketTimestamp(c.now(), c.rc.Interval)
	res.Key = c.rc.Target.ObjectPath(res.Bucket)

	start := time.Now()
	conflict, err := c.backend.Conflict(ctx, res.Bucket)
	if err != nil {
		return res, fmt.Errorf("conflict check: %w", err)
	}
	if conflict {
		c.log.Info().
			Str("action", "conflict_check").
			Str("backend", c.backend.Name()).
			Int64("bucket", res.Bucket).
			Str("key", res.Key).
			Msg("archive already present for this interval, skipping")
		res.Outcome = OutcomeSkipped
		return res, nil
	}
	c.log.Info().
		Str("action", "conflict_check").
		Str("backend", c.backend.Name()).
		Int64("bucket", res.Bucket).
		Str("key", res.Key).
		Dur("elapsed_ms", time.Since(start)).
		Msg("no archive for this interval")

	if err := c.archiveAndUpload(ctx, &res); err != nil {
		return res, err
	}
	res.Outcome = OutcomeUploaded
	return res, nil
}

func (c *Cycle) archiveAndUpload(ctx context.Context, res *Result) error {
	defer c.purge(ctx, "after")

	start := time.Now()
	a, err := c.archiver.Archive(ctx, c.rc.Archive)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	res.Artifact = a
	c.log.Info().
		Str("action", "archive").
		Str("file", a.Name).
		Dur("elapsed_ms", time.Since(start)).
		Msg("archive created")

	start = time.Now()
	if err := c.backend.Upload(ctx, a, res.Bucket); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	c.log.Info().
		Str("action", "upload").
		Str("backend", c.backend.Name()).
		Str("key", res.Key).
		Dur("elapsed_ms", time.Since(start)).
		Msg("archive uploaded")
	return nil
}

// purge runs one pass; its error is handed to the policy and goes no further.
func (c *Cycle) purge(ctx context.Context, stage string) {
	res, err := c.purger.Purge(ctx)
	c.metrics.ObservePurge(len(res.Removed), len(res.Failed))
	if len(res.Removed) > 0 {
		c.log.Info().
			Str("action", "purge").
			Str("stage", stage).
			Strs("removed", res.Removed).
			Msg("local exports removed")
	}
	_ = c.rc.Policy.apply(c.errLog, err, scopePurge)
}
