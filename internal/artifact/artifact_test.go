package artifact

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	cases := map[string]bool{
		"rethinkdb_export_AB12CD":        true,
		"rethinkdb_export_AB12CD.tar":    true,
		"rethinkdb_export_AB12CD.tar.xz": true,
		"rethinkdb_export_ab12cd":        false,
		"rethinkdb_export_":              false,
		"rethinkdb_export_AB12CD.zip":    false,
		"readme.md":                      false,
		"x_rethinkdb_export_AB12CD":      false,
	}
	for name, want := range cases {
		assert.Equal(t, want, Matches(name), name)
	}
}

func TestNamesFromToken(t *testing.T) {
	tok := NewToken()
	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{32}$`), tok)
	assert.NotEqual(t, tok, NewToken())

	assert.True(t, Matches(StagingName(tok)))
	assert.True(t, Matches(FileName(tok)))
	assert.Equal(t, "rethinkdb_export_"+tok+".tar.xz", FileName(tok))
}

func TestDigest(t *testing.T) {
	p := filepath.Join(t.TempDir(), FileName("ABC"))
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o600))

	sum, size, err := Artifact{Path: p}.Digest()
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	_, _, err = Artifact{Path: filepath.Join(t.TempDir(), "missing")}.Digest()
	assert.Error(t, err)
}
