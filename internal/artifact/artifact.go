// Package artifact holds the naming contract shared by the archiver (which
// creates local export files) and the purge engine (which deletes them).
// Changing the archive name format means changing it here, and both sides follow.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// Prefix starts every local export name.
	Prefix = "rethinkdb_export_"
	// Extension is the packed archive extension, also used for remote object names.
	Extension = "tar.xz"
)

// namePattern matches a staging directory or a (partially) packed archive.
var namePattern = regexp.MustCompile(`^rethinkdb_export_[A-Z0-9]+(?:\.tar(?:\.xz)?)?$`)

// Artifact is a packed export on local disk, valid for one backup cycle.
type Artifact struct {
	// Path is the file location, absolute or relative to the working directory.
	Path string
	// Name is the base file name.
	Name string
	// Extension is the archive type tag (e.g. "tar.xz").
	Extension string
}

// Matches reports whether a directory entry name belongs to an export.
func Matches(name string) bool {
	return namePattern.MatchString(name)
}

// NewToken returns a fresh uppercase alphanumeric token.
func NewToken() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// StagingName is the directory the exporter writes tables into.
func StagingName(token string) string {
	return Prefix + token
}

// FileName is the packed archive name for a token.
func FileName(token string) string {
	return Prefix + token + "." + Extension
}

// Digest computes the SHA-256 checksum of the artifact file and returns:
//   - the hex-encoded digest
//   - the file size in bytes
func (a Artifact) Digest() (sum string, size int64, err error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
