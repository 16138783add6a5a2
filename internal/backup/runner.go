package backup

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/archive"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/logx"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/metrics"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/purge"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/retry"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/schedule"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

// Runner wires the collaborators of a backup run. Fields are exported so
// callers and tests can replace any of them.
type Runner struct {
	OpenBackend func(ctx context.Context, t storage.Target) (storage.Backend, error)
	Archiver    Archiver
	Purger      Purger
	Now         func() time.Time
	Logger      zerolog.Logger
	// Registry holds the pending timer in continuous mode; CancelAll on it
	// is the graceful shutdown.
	Registry *schedule.Registry
	// Metrics is optional.
	Metrics *metrics.Collector
}

// NewRunner returns a runner exporting into workdir and talking to the real
// backends with the given retry options.
func NewRunner(workdir string, ro retry.Options) *Runner {
	return &Runner{
		OpenBackend: func(ctx context.Context, t storage.Target) (storage.Backend, error) {
			return OpenBackend(ctx, t, ro)
		},
		Archiver: archive.NewRethink(workdir),
		Purger:   purge.New(workdir),
		Now:      time.Now,
		Logger:   log.Logger,
		Registry: schedule.NewRegistry(),
	}
}

// Run executes rc: one cycle in single-shot mode, a cycle every rc.Interval
// in continuous mode until the registry is cancelled, ctx is done or a cycle
// fails under Propagate.
//
// Invalid run contexts and backend construction errors are returned whatever
// the policy.
func (r *Runner) Run(ctx context.Context, rc RunContext) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	// The archiver, purger and backends log through zerolog.Ctx.
	progress := logx.Progress(r.Logger, rc.Logging)
	ctx = logx.WithContext(ctx, progress)

	backend, err := r.OpenBackend(ctx, rc.Target)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", rc.Target.Kind(), err)
	}
	if c, ok := backend.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	cycle := &Cycle{
		rc:       rc,
		backend:  backend,
		archiver: r.Archiver,
		purger:   r.Purger,
		now:      r.now,
		metrics:  r.Metrics,
		log:      progress,
		errLog:   r.Logger,
	}

	once := func(ctx context.Context) error {
		start := time.Now()
		res, err := cycle.Run(ctx)
		outcome := string(res.Outcome)
		if err != nil {
			outcome = metrics.OutcomeFailed
		}
		r.Metrics.ObserveCycle(backend.Name(), outcome, time.Since(start), r.now())
		if err == nil {
			progress.Info().
				Str("action", "cycle").
				Str("outcome", outcome).
				Int64("bucket", res.Bucket).
				Dur("elapsed_ms", time.Since(start)).
				Msg("backup cycle done")
		}
		return rc.Policy.apply(r.Logger, err, scopeCycle)
	}

	if !rc.Continuous {
		return once(ctx)
	}

	reg := r.Registry
	if reg == nil {
		reg = schedule.NewRegistry()
	}
	progress.Info().
		Str("action", "schedule").
		Str("backend", backend.Name()).
		Dur("interval", rc.Interval).
		Str("policy", rc.Policy.String()).
		Msg("continuous backup started")
	err = schedule.Loop(ctx, reg, rc.Interval, once)
	progress.Info().Str("action", "schedule").Msg("continuous backup stopped")
	return err
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// OnceOptions configures RunOnce.
type OnceOptions struct {
	Interval time.Duration
	Logging  bool
	Target   storage.Target
	Archive  archive.Options
	// Workdir receives the export; default is the working directory.
	Workdir string
	// Retry applies to backend calls; zero value means retry.Default.
	Retry retry.Options
}

// RunOnce runs a single cycle with the Propagate policy and returns its error.
func RunOnce(ctx context.Context, o OnceOptions) error {
	return NewRunner(o.Workdir, o.Retry).Run(ctx, RunContext{
		Interval: o.Interval,
		Policy:   Propagate,
		Logging:  o.Logging,
		Target:   o.Target,
		Archive:  o.Archive,
	})
}
