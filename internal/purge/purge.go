package purge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/artifact"
)

// Result describes one purge pass.
type Result struct {
	Removed []string
	Failed  []string
}

// Purger removes export leftovers from a single directory (non-recursive).
type Purger struct {
	dir   string
	match func(string) bool
}

// New returns a purger for dir using the shared artifact naming contract.
func New(dir string) *Purger {
	if dir == "" {
		dir = "."
	}
	return &Purger{dir: dir, match: artifact.Matches}
}

// Dir returns the swept directory.
func (p *Purger) Dir() string { return p.dir }

// Purge removes every matching entry. Removals run concurrently and the call
// returns once all of them settled. Individual failures do not stop the others;
// they are joined into the returned error. ctx only carries the logger: a
// cancelled context still gets a full pass.
func (p *Purger) Purge(ctx context.Context) (Result, error) {
	var res Result
	start := time.Now()

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return res, fmt.Errorf("read dir %q: %w", p.dir, err)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		if !p.match(e.Name()) {
			continue
		}
		name, isDir := e.Name(), e.IsDir()
		g.Go(func() error {
			err := remove(filepath.Join(p.dir, name), isDir)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, name)
				errs = append(errs, fmt.Errorf("remove %q: %w", name, err))
				return nil
			}
			res.Removed = append(res.Removed, name)
			return nil
		})
	}
	_ = g.Wait()

	zerolog.Ctx(ctx).Debug().
		Str("action", "purge").
		Str("dir", p.dir).
		Int("removed", len(res.Removed)).
		Int("failed", len(res.Failed)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("purge pass done")

	return res, errors.Join(errs...)
}

func remove(path string, isDir bool) error {
	if isDir {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}
