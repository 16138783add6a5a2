package archive

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// source is the read side of a RethinkDB cluster used by the exporter.
type source interface {
	Databases(ctx context.Context) ([]string, error)
	Tables(ctx context.Context, db string) ([]string, error)
	// Each calls fn for every document of db.table, in cursor order.
	Each(ctx context.Context, db, table string, fn func(doc any) error) error
	Close() error
}

type dialFunc func(ctx context.Context, c Connection) (source, error)

// driverSource reads through the official Go driver.
type driverSource struct {
	session *r.Session
}

func dialRethink(_ context.Context, c Connection) (source, error) {
	opts := r.ConnectOpts{
		Address:  c.Address(),
		Database: c.DB,
		Username: c.User,
		Password: c.Password,
	}
	if c.TLS {
		cfg, err := tlsConfig(c.CACert)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = cfg
	}
	s, err := r.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Address, err)
	}
	return &driverSource{session: s}, nil
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca cert %q: no certificates found", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// rawOpts keeps TIME and BINARY pseudo-types as stored, like rethinkdb export does.
func rawOpts(ctx context.Context) r.RunOpts {
	return r.RunOpts{Context: ctx, TimeFormat: "raw", BinaryFormat: "raw"}
}

func (s *driverSource) list(ctx context.Context, t r.Term) ([]string, error) {
	cur, err := t.Run(s.session, rawOpts(ctx))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close() }()
	var out []string
	if err := cur.All(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *driverSource) Databases(ctx context.Context) ([]string, error) {
	return s.list(ctx, r.DBList())
}

func (s *driverSource) Tables(ctx context.Context, db string) ([]string, error) {
	return s.list(ctx, r.DB(db).TableList())
}

func (s *driverSource) Each(ctx context.Context, db, table string, fn func(doc any) error) error {
	cur, err := r.DB(db).Table(table).Run(s.session, rawOpts(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close() }()

	var doc any
	for cur.Next(&doc) {
		if err := fn(doc); err != nil {
			return err
		}
		doc = nil
	}
	return cur.Err()
}

func (s *driverSource) Close() error {
	return s.session.Close()
}
