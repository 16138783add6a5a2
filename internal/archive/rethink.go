package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/ulikunitz/xz"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/artifact"
)

// Rethink exports a RethinkDB cluster into a tar.xz archive in Dir.
//
// Tables are written as JSON arrays to rethinkdb_export_<TOKEN>/<db>/<table>.json,
// then packed to rethinkdb_export_<TOKEN>.tar.xz. The staging directory is
// removed on success; on failure whatever was written stays behind for the purge.
type Rethink struct {
	dir  string
	dial dialFunc
}

// NewRethink returns an exporter writing into dir (default: working directory).
func NewRethink(dir string) *Rethink {
	if dir == "" {
		dir = "."
	}
	return &Rethink{dir: dir, dial: dialRethink}
}

type tableRef struct{ db, table string }

// Archive runs one export.
func (x *Rethink) Archive(ctx context.Context, opts Options) (artifact.Artifact, error) {
	if err := opts.Validate(); err != nil {
		return artifact.Artifact{}, err
	}
	start := time.Now()
	token := artifact.NewToken()
	staging := filepath.Join(x.dir, artifact.StagingName(token))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return artifact.Artifact{}, fmt.Errorf("create staging dir: %w", err)
	}

	src, err := x.dial(ctx, opts.Connection)
	if err != nil {
		return artifact.Artifact{}, err
	}
	defer func() { _ = src.Close() }()

	tables, err := selectTables(ctx, src, opts)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("list tables: %w", err)
	}

	var docs int
	for _, t := range tables {
		n, err := exportTable(ctx, src, staging, t)
		if err != nil {
			return artifact.Artifact{}, fmt.Errorf("export %s.%s: %w", t.db, t.table, err)
		}
		docs += n
		zerolog.Ctx(ctx).Debug().Str("action", "rethink_export").Str("db", t.db).Str("table", t.table).
			Int("documents", n).Msg("table exported")
	}

	name := artifact.FileName(token)
	out := filepath.Join(x.dir, name)
	if err := pack(staging, out); err != nil {
		return artifact.Artifact{}, fmt.Errorf("pack: %w", err)
	}
	if err := os.RemoveAll(staging); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("dir", staging).Msg("failed to remove staging dir")
	}

	zerolog.Ctx(ctx).Info().
		Str("action", "rethink_export").
		Str("address", opts.Connection.Address()).
		Int("tables", len(tables)).
		Int("documents", docs).
		Str("file", name).
		Dur("elapsed_ms", time.Since(start)).
		Msg("export OK")

	return artifact.Artifact{Path: out, Name: name, Extension: artifact.Extension}, nil
}

func selectTables(ctx context.Context, src source, opts Options) ([]tableRef, error) {
	dbs, err := src.Databases(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(dbs)
	var refs []tableRef
	for _, db := range dbs {
		if db == systemDB {
			continue
		}
		tables, err := src.Tables(ctx, db)
		if err != nil {
			return nil, err
		}
		sort.Strings(tables)
		for _, t := range tables {
			if opts.Selects(db, t) {
				refs = append(refs, tableRef{db: db, table: t})
			}
		}
	}
	return refs, nil
}

// exportTable writes one table as a JSON array and returns the document count.
func exportTable(ctx context.Context, src source, staging string, t tableRef) (n int, err error) {
	dir := filepath.Join(staging, t.db)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(filepath.Join(dir, t.table+".json"))
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString("["); err != nil {
		return 0, err
	}
	err = src.Each(ctx, t.db, t.table, func(doc any) error {
		b, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		sep := "\n"
		if n > 0 {
			sep = ",\n"
		}
		if _, err := w.WriteString(sep); err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	if _, err := w.WriteString("\n]\n"); err != nil {
		return n, err
	}
	return n, w.Flush()
}

// pack writes dir (with its own name as the top-level entry) to a tar.xz file.
func pack(dir, out string) (err error) {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	xw, err := xz.NewWriter(f)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(xw)
	base := filepath.Dir(dir)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return xw.Close()
}
