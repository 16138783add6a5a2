package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/archive"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/artifact"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/purge"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

// trace records collaborator calls in order.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(e string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *trace) count(e string) int {
	n := 0
	for _, got := range t.list() {
		if got == e {
			n++
		}
	}
	return n
}

type fakeBackend struct {
	tr          *trace
	conflict    bool
	conflictErr error
	uploadErr   error
	onUpload    func()

	buckets  []int64
	uploaded []artifact.Artifact
	// present records whether the artifact file existed at upload time.
	present []bool
	closed  bool
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Conflict(_ context.Context, bucket int64) (bool, error) {
	f.tr.add("conflict")
	f.buckets = append(f.buckets, bucket)
	return f.conflict, f.conflictErr
}

func (f *fakeBackend) Upload(ctx context.Context, a artifact.Artifact, _ int64) error {
	f.tr.add("upload")
	zerolog.Ctx(ctx).Info().Str("action", "fake_upload").Str("file", a.Name).Msg("upload OK")
	_, err := os.Stat(a.Path)
	f.present = append(f.present, err == nil)
	f.uploaded = append(f.uploaded, a)
	if f.onUpload != nil {
		f.onUpload()
	}
	return f.uploadErr
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

// fakeArchiver writes a small archive into dir. With err set it leaves a
// staging directory behind and fails.
type fakeArchiver struct {
	tr   *trace
	dir  string
	err  error
	opts []archive.Options
}

func (f *fakeArchiver) Archive(_ context.Context, opts archive.Options) (artifact.Artifact, error) {
	f.tr.add("archive")
	f.opts = append(f.opts, opts)
	token := artifact.NewToken()
	if f.err != nil {
		_ = os.MkdirAll(filepath.Join(f.dir, artifact.StagingName(token), "app"), 0o755)
		return artifact.Artifact{}, f.err
	}
	name := artifact.FileName(token)
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("archive"), 0o644); err != nil {
		return artifact.Artifact{}, err
	}
	return artifact.Artifact{Path: path, Name: name, Extension: artifact.Extension}, nil
}

// tracingPurger wraps the real purger so the filesystem effects are real.
type tracingPurger struct {
	tr    *trace
	inner *purge.Purger
	err   error
}

func (p *tracingPurger) Purge(ctx context.Context) (purge.Result, error) {
	p.tr.add("purge")
	res, err := p.inner.Purge(ctx)
	if p.err != nil {
		return res, p.err
	}
	return res, err
}

type rig struct {
	tr       *trace
	dir      string
	backend  *fakeBackend
	archiver *fakeArchiver
	purger   *tracingPurger
}

func newRig(dir string) *rig {
	tr := &trace{}
	return &rig{
		tr:       tr,
		dir:      dir,
		backend:  &fakeBackend{tr: tr},
		archiver: &fakeArchiver{tr: tr, dir: dir},
		purger:   &tracingPurger{tr: tr, inner: purge.New(dir)},
	}
}

func (r *rig) target() storage.Target {
	return storage.AwsS3{Bucket: "backups", Region: "eu-west-1", Path: []string{"rethink", "prod"}}
}

// exports lists the export entries left in the rig directory.
func (r *rig) exports() []string {
	entries, _ := os.ReadDir(r.dir)
	var out []string
	for _, e := range entries {
		if artifact.Matches(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}
