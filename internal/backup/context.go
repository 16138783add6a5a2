package backup

import (
	"errors"
	"time"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/archive"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

var (
	// ErrInvalidInterval is returned when the interval is under one millisecond
	// or not a whole number of milliseconds.
	ErrInvalidInterval = errors.New("backup interval must be a whole number of milliseconds, at least 1ms")
	// ErrNoTarget is returned when no storage target is configured.
	ErrNoTarget = errors.New("no storage target configured")
	// ErrUnknownTarget is returned for a target type no backend handles.
	ErrUnknownTarget = errors.New("unknown storage target")
)

// RunContext is the parameter set of one backup lifecycle. Continuous mode
// builds one for the whole process; each single-shot call builds its own.
// It is passed by value and never mutated.
type RunContext struct {
	Continuous bool
	Interval   time.Duration
	Policy     ErrorPolicy
	// Logging enables progress logs. Errors handled by LogAndContinue are
	// logged regardless.
	Logging bool
	Target  storage.Target
	// Archive is passed through to the archiver untouched.
	Archive archive.Options
}

// Validate checks the preconditions the cycle relies on.
func (rc RunContext) Validate() error {
	// buckets are counted in whole milliseconds; the timer must agree
	if rc.Interval < time.Millisecond || rc.Interval%time.Millisecond != 0 {
		return ErrInvalidInterval
	}
	if rc.Target == nil {
		return ErrNoTarget
	}
	return nil
}

// BucketTimestamp floors now (Unix milliseconds) to a multiple of interval.
// Every instant of the same interval window yields the same value, which is
// the dedup key handed to the storage backend.
//
// It panics when interval is under one millisecond; RunContext.Validate
// rejects such intervals before any cycle starts.
func BucketTimestamp(now time.Time, interval time.Duration) int64 {
	ms := interval.Milliseconds()
	if ms <= 0 {
		panic("backup: interval must be at least 1ms")
	}
	n := now.UnixMilli()
	q := n / ms
	if n%ms != 0 && n < 0 {
		q--
	}
	return q * ms
}
