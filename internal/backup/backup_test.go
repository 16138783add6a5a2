package backup

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/archive"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/metrics"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/retry"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/schedule"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func (r *rig) runner(logger zerolog.Logger) *Runner {
	return &Runner{
		OpenBackend: func(context.Context, storage.Target) (storage.Backend, error) {
			return r.backend, nil
		},
		Archiver: r.archiver,
		Purger:   r.purger,
		Now:      func() time.Time { return fixedNow },
		Logger:   logger,
		Registry: schedule.NewRegistry(),
		Metrics:  metrics.New(),
	}
}

func (r *rig) runContext(p ErrorPolicy) RunContext {
	return RunContext{
		Interval: time.Hour,
		Policy:   p,
		Logging:  true,
		Target:   r.target(),
		Archive:  archive.Options{Connection: archive.Connection{Host: "rethink", DB: "app", User: "admin"}},
	}
}

func TestBucketTimestamp_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		ms := rng.Int63n(100_000_000) + 1
		interval := time.Duration(ms) * time.Millisecond
		n := rng.Int63n(4_000_000_000_000)

		b := BucketTimestamp(time.UnixMilli(n), interval)
		require.LessOrEqual(t, b, n)
		require.Zero(t, b%ms)
		require.Less(t, n-b, ms)

		// any instant of the same window maps to the same bucket
		other := b + rng.Int63n(ms)
		require.Equal(t, b, BucketTimestamp(time.UnixMilli(other), interval))
	}
}

func TestBucketTimestamp_Examples(t *testing.T) {
	assert.Equal(t, int64(1_700_000_000_000), BucketTimestamp(time.UnixMilli(1_700_000_123_456), 1000*time.Second))
	assert.Equal(t, int64(0), BucketTimestamp(time.UnixMilli(999), time.Second))
	assert.Equal(t, int64(-1000), BucketTimestamp(time.UnixMilli(-1), time.Second))
	assert.Equal(t, int64(12345), BucketTimestamp(time.UnixMilli(12345), time.Millisecond))
}

func TestBucketTimestamp_PanicsUnderOneMillisecond(t *testing.T) {
	assert.Panics(t, func() { BucketTimestamp(fixedNow, 0) })
	assert.Panics(t, func() { BucketTimestamp(fixedNow, 500*time.Microsecond) })
	assert.Panics(t, func() { BucketTimestamp(fixedNow, -time.Second) })
}

func TestRunContext_Validate(t *testing.T) {
	rc := RunContext{Interval: time.Minute, Target: storage.GoogleCloud{Bucket: "b"}}
	require.NoError(t, rc.Validate())

	rc.Interval = 0
	assert.ErrorIs(t, rc.Validate(), ErrInvalidInterval)

	rc.Interval = 1500 * time.Microsecond
	assert.ErrorIs(t, rc.Validate(), ErrInvalidInterval)

	rc.Interval = 1500 * time.Millisecond
	require.NoError(t, rc.Validate())

	rc.Interval = time.Minute
	rc.Target = nil
	assert.ErrorIs(t, rc.Validate(), ErrNoTarget)
}

func TestParseErrorPolicy(t *testing.T) {
	for in, want := range map[string]ErrorPolicy{
		"propagate":         Propagate,
		"throw":             Propagate,
		"log":               LogAndContinue,
		" Log-And-Continue": LogAndContinue,
	} {
		got, err := ParseErrorPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseErrorPolicy("ignore")
	assert.Error(t, err)
	assert.Equal(t, "log", LogAndContinue.String())
	assert.Equal(t, "propagate", Propagate.String())
}

func TestApply(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name    string
		policy  ErrorPolicy
		scope   scope
		err     error
		wantErr bool
		wantLog string
	}{
		{"nil error", Propagate, scopeCycle, nil, false, ""},
		{"propagate cycle", Propagate, scopeCycle, boom, true, ""},
		{"propagate purge", Propagate, scopePurge, boom, false, ""},
		{"log cycle", LogAndContinue, scopeCycle, boom, false, "backup cycle failed"},
		{"log purge", LogAndContinue, scopePurge, boom, false, "purge failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := zerolog.New(&buf).Level(zerolog.InfoLevel)
			err := tc.policy.apply(l, tc.err, tc.scope)
			if tc.wantErr {
				assert.ErrorIs(t, err, tc.err)
			} else {
				assert.NoError(t, err)
			}
			if tc.wantLog == "" {
				assert.Zero(t, buf.Len())
			} else {
				assert.Contains(t, buf.String(), tc.wantLog)
				assert.Contains(t, buf.String(), "boom")
			}
		})
	}
}

func TestRun_SingleShotUploadsAndPurges(t *testing.T) {
	r := newRig(t.TempDir())
	runner := r.runner(zerolog.Nop())
	rc := r.runContext(Propagate)

	require.NoError(t, runner.Run(context.Background(), rc))

	assert.Equal(t, []string{"purge", "conflict", "archive", "upload", "purge"}, r.tr.list())
	require.Len(t, r.backend.uploaded, 1)
	assert.True(t, r.backend.present[0], "artifact must exist when uploaded")
	assert.Empty(t, r.exports(), "final purge removes the artifact")
	assert.Equal(t, []int64{BucketTimestamp(fixedNow, time.Hour)}, r.backend.buckets)
	assert.Equal(t, []archive.Options{rc.Archive}, r.archiver.opts)
	assert.True(t, r.backend.closed)
	assert.Equal(t, 1.0, testutil.ToFloat64(runner.Metrics.Cycles.WithLabelValues("fake", metrics.OutcomeUploaded)))
}

func TestRun_ConflictSkipsArchiveAndUpload(t *testing.T) {
	r := newRig(t.TempDir())
	r.backend.conflict = true
	runner := r.runner(zerolog.Nop())

	require.NoError(t, runner.Run(context.Background(), r.runContext(Propagate)))

	assert.Equal(t, []string{"purge", "conflict"}, r.tr.list())
	assert.Empty(t, r.archiver.opts)
	assert.Empty(t, r.backend.uploaded)
	assert.Equal(t, 1.0, testutil.ToFloat64(runner.Metrics.Cycles.WithLabelValues("fake", metrics.OutcomeSkipped)))
}

func TestRun_FirstPurgeClearsLeftovers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "rethinkdb_export_OLD1", "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rethinkdb_export_OLD2.tar"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("keep"), 0o644))

	r := newRig(dir)
	r.backend.conflict = true
	require.NoError(t, r.runner(zerolog.Nop()).Run(context.Background(), r.runContext(Propagate)))

	assert.Empty(t, r.exports())
	assert.FileExists(t, filepath.Join(dir, "readme.md"))
}

func TestRun_ArchiverFailureSkipsUploadButPurges(t *testing.T) {
	r := newRig(t.TempDir())
	archErr := errors.New("connection refused")
	r.archiver.err = archErr

	err := r.runner(zerolog.Nop()).Run(context.Background(), r.runContext(Propagate))

	require.ErrorIs(t, err, archErr)
	assert.True(t, strings.HasPrefix(err.Error(), "archive: "))
	assert.Equal(t, []string{"purge", "conflict", "archive", "purge"}, r.tr.list())
	assert.Equal(t, 0, r.tr.count("upload"))
	assert.Empty(t, r.exports(), "partial export removed by the final purge")
}

func TestRun_UploadFailurePropagatesAfterPurge(t *testing.T) {
	r := newRig(t.TempDir())
	upErr := errors.New("403 forbidden")
	r.backend.uploadErr = upErr
	runner := r.runner(zerolog.Nop())

	err := runner.Run(context.Background(), r.runContext(Propagate))

	require.ErrorIs(t, err, upErr)
	assert.Contains(t, err.Error(), "upload: ")
	assert.Equal(t, []string{"purge", "conflict", "archive", "upload", "purge"}, r.tr.list())
	assert.Empty(t, r.exports(), "purge ran before the error surfaced")
	assert.Equal(t, 1.0, testutil.ToFloat64(runner.Metrics.Cycles.WithLabelValues("fake", metrics.OutcomeFailed)))
}

func TestRun_ConflictErrorIsFatal(t *testing.T) {
	r := newRig(t.TempDir())
	r.backend.conflictErr = errors.New("list denied")

	err := r.runner(zerolog.Nop()).Run(context.Background(), r.runContext(Propagate))

	require.ErrorIs(t, err, r.backend.conflictErr)
	assert.Contains(t, err.Error(), "conflict check: ")
	assert.Equal(t, []string{"purge", "conflict"}, r.tr.list())
}

func TestRun_SingleShotLogAndContinue(t *testing.T) {
	r := newRig(t.TempDir())
	r.backend.uploadErr = errors.New("503 unavailable")
	var buf bytes.Buffer

	err := r.runner(zerolog.New(&buf)).Run(context.Background(), r.runContext(LogAndContinue))

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "backup cycle failed")
	assert.Contains(t, buf.String(), "503 unavailable")
	assert.Empty(t, r.exports())
}

func TestRun_PurgeFailureDoesNotStopCycle(t *testing.T) {
	for _, p := range []ErrorPolicy{Propagate, LogAndContinue} {
		t.Run(p.String(), func(t *testing.T) {
			r := newRig(t.TempDir())
			r.purger.err = errors.New("permission denied")
			var buf bytes.Buffer

			err := r.runner(zerolog.New(&buf).Level(zerolog.InfoLevel)).Run(context.Background(), r.runContext(p))

			require.NoError(t, err)
			assert.Equal(t, []string{"purge", "conflict", "archive", "upload", "purge"}, r.tr.list())
			if p == LogAndContinue {
				assert.Equal(t, 2, strings.Count(buf.String(), "purge failed"))
			} else {
				assert.NotContains(t, buf.String(), "purge failed")
			}
		})
	}
}

func TestRun_PurgeFailureDoesNotMaskUploadError(t *testing.T) {
	r := newRig(t.TempDir())
	r.purger.err = errors.New("permission denied")
	r.backend.uploadErr = errors.New("timeout")

	err := r.runner(zerolog.Nop()).Run(context.Background(), r.runContext(Propagate))

	require.ErrorIs(t, err, r.backend.uploadErr)
	assert.NotContains(t, err.Error(), "permission denied")
}

func TestRun_LoggingDisabledKeepsErrors(t *testing.T) {
	r := newRig(t.TempDir())
	r.backend.uploadErr = errors.New("boom")
	rc := r.runContext(LogAndContinue)
	rc.Logging = false
	var buf bytes.Buffer

	require.NoError(t, r.runner(zerolog.New(&buf)).Run(context.Background(), rc))

	assert.Contains(t, buf.String(), "backup cycle failed")
	assert.NotContains(t, buf.String(), "no archive for this interval")
	assert.NotContains(t, buf.String(), "archive created")
}

// Collaborators log through zerolog.Ctx; the run's Logging flag reaches them
// even when a process-wide context logger is installed.
func TestRun_LoggingFlagReachesCollaborators(t *testing.T) {
	var global bytes.Buffer
	fallback := zerolog.New(&global)
	prev := zerolog.DefaultContextLogger
	zerolog.DefaultContextLogger = &fallback
	defer func() { zerolog.DefaultContextLogger = prev }()

	for _, enabled := range []bool{true, false} {
		global.Reset()
		r := newRig(t.TempDir())
		rc := r.runContext(Propagate)
		rc.Logging = enabled
		var buf bytes.Buffer

		require.NoError(t, r.runner(zerolog.New(&buf)).Run(context.Background(), rc))

		assert.Empty(t, global.String(), "logging=%v", enabled)
		if enabled {
			assert.Contains(t, buf.String(), "upload OK")
			assert.Contains(t, buf.String(), "purge pass done")
			continue
		}
		assert.NotContains(t, buf.String(), "upload OK")
		assert.NotContains(t, buf.String(), "purge pass done")
		assert.Empty(t, buf.String())
	}
}

func TestRun_ContinuousLogAndContinueRearms(t *testing.T) {
	r := newRig(t.TempDir())
	var buf bytes.Buffer
	runner := r.runner(zerolog.New(&buf))
	r.backend.uploadErr = errors.New("upload refused")
	r.backend.onUpload = func() {
		if len(r.backend.uploaded) == 3 {
			runner.Registry.CancelAll()
		}
	}
	rc := r.runContext(LogAndContinue)
	rc.Continuous = true
	rc.Interval = 5 * time.Millisecond

	require.NoError(t, runner.Run(context.Background(), rc))

	assert.Len(t, r.backend.uploaded, 3)
	assert.Equal(t, 3, strings.Count(buf.String(), "backup cycle failed"))
	assert.Equal(t, 0, runner.Registry.Len())
	assert.Empty(t, r.exports())
}

func TestRun_ContinuousPropagateStops(t *testing.T) {
	r := newRig(t.TempDir())
	upErr := errors.New("upload refused")
	r.backend.uploadErr = upErr
	runner := r.runner(zerolog.Nop())
	rc := r.runContext(Propagate)
	rc.Continuous = true
	rc.Interval = time.Millisecond

	err := runner.Run(context.Background(), rc)

	require.ErrorIs(t, err, upErr)
	assert.Len(t, r.backend.uploaded, 1)
	assert.Equal(t, 0, runner.Registry.Len(), "no cycle re-armed")
}

func TestRun_ShutdownWhileTimerPending(t *testing.T) {
	r := newRig(t.TempDir())
	runner := r.runner(zerolog.Nop())
	rc := r.runContext(LogAndContinue)
	rc.Continuous = true

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background(), rc) }()

	require.Eventually(t, func() bool { return runner.Registry.Len() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, runner.Registry.CancelAll())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after shutdown")
	}
	assert.Equal(t, 1, r.tr.count("conflict"), "pending cycle never fired")
	assert.Equal(t, 0, runner.Registry.Len())
}

func TestRun_InvalidContextFailsBeforeAnyWork(t *testing.T) {
	r := newRig(t.TempDir())
	runner := r.runner(zerolog.Nop())

	rc := r.runContext(LogAndContinue)
	rc.Interval = 0
	assert.ErrorIs(t, runner.Run(context.Background(), rc), ErrInvalidInterval)

	rc = r.runContext(LogAndContinue)
	rc.Target = nil
	assert.ErrorIs(t, runner.Run(context.Background(), rc), ErrNoTarget)

	assert.Empty(t, r.tr.list())
}

func TestRun_OpenBackendError(t *testing.T) {
	r := newRig(t.TempDir())
	runner := r.runner(zerolog.Nop())
	openErr := errors.New("bad credentials")
	runner.OpenBackend = func(context.Context, storage.Target) (storage.Backend, error) { return nil, openErr }

	err := runner.Run(context.Background(), r.runContext(LogAndContinue))

	require.ErrorIs(t, err, openErr)
	assert.Contains(t, err.Error(), "open aws backend")
	assert.Empty(t, r.tr.list())
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	_, err := OpenBackend(ctx, nil, retry.Once)
	assert.ErrorIs(t, err, ErrNoTarget)

	_, err = OpenBackend(ctx, &storage.AwsS3{Bucket: "b"}, retry.Once)
	assert.ErrorIs(t, err, ErrUnknownTarget)

	b, err := OpenBackend(ctx, storage.AzureBlob{Account: "acct", Container: "backups", SASToken: "sv=2024&sig=x"}, retry.Once)
	require.NoError(t, err)
	assert.Equal(t, "azure", b.Name())

	b, err = OpenBackend(ctx, storage.AwsS3{
		AccessKeyID: "AKID", SecretAccessKey: "secret", Region: "eu-west-3", Bucket: "backups",
	}, retry.Once)
	require.NoError(t, err)
	assert.Equal(t, "aws", b.Name())

	_, err = OpenBackend(ctx, storage.AzureBlob{Account: "acct"}, retry.Once)
	assert.Error(t, err)
}

func TestRunOnce_RejectsInvalidInterval(t *testing.T) {
	err := RunOnce(context.Background(), OnceOptions{
		Interval: 0,
		Target:   storage.AwsS3{Bucket: "b"},
		Workdir:  t.TempDir(),
	})
	assert.ErrorIs(t, err, ErrInvalidInterval)
}
