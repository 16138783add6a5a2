package archive

import (
	"fmt"
	"slices"
	"strings"
)

// systemDB is RethinkDB's internal database; it is never exported.
const systemDB = "rethinkdb"

// Connection holds RethinkDB connection parameters.
type Connection struct {
	Host     string
	Port     int
	TLS      bool
	CACert   string // PEM file, optional
	DB       string
	User     string
	Password string
}

// Address returns host:port (default port 28015).
func (c Connection) Address() string {
	port := c.Port
	if port <= 0 {
		port = 28015
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Filter selects a whole database, or some of its tables.
type Filter struct {
	DB     string   `yaml:"db"`
	Tables []string `yaml:"tables,omitempty"`
}

// ParseFilter reads "db" or "db.table".
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	db, table, hasTable := strings.Cut(s, ".")
	if db == "" || (hasTable && table == "") {
		return Filter{}, fmt.Errorf("invalid filter %q: want db or db.table", s)
	}
	if hasTable {
		return Filter{DB: db, Tables: []string{table}}, nil
	}
	return Filter{DB: db}, nil
}

// Matches reports whether the filter covers db.table.
func (f Filter) Matches(db, table string) bool {
	if f.DB != db {
		return false
	}
	return len(f.Tables) == 0 || slices.Contains(f.Tables, table)
}

// Options is what the archiver needs for one export.
// Pluck and Without are mutually exclusive.
type Options struct {
	Connection Connection
	Pluck      []Filter
	Without    []Filter
}

// Selects reports whether db.table belongs to the export.
func (o Options) Selects(db, table string) bool {
	if db == systemDB {
		return false
	}
	if len(o.Pluck) > 0 {
		return slices.ContainsFunc(o.Pluck, func(f Filter) bool { return f.Matches(db, table) })
	}
	return !slices.ContainsFunc(o.Without, func(f Filter) bool { return f.Matches(db, table) })
}

// Validate checks what the exporter cannot work without.
func (o Options) Validate() error {
	if strings.TrimSpace(o.Connection.Host) == "" {
		return fmt.Errorf("rethink: host is required")
	}
	if len(o.Pluck) > 0 && len(o.Without) > 0 {
		return fmt.Errorf("rethink: pluck and without are mutually exclusive")
	}
	return nil
}
