package pathmatch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Match(t *testing.T) {
	m, err := Compile([]string{"*.tmp", ".git", "build/**", "  "})
	require.NoError(t, err)
	assert.Equal(t, []string{"*.tmp", ".git", "build/**"}, m.Patterns())

	tests := []struct {
		path string
		want bool
	}{
		{"/data/file.tmp", true},
		{"/data/sub/file.tmp", true},
		{"/data/file.txt", false},
		{"/data/.git", true},
		{"/data/.git/HEAD", true},
		{"/data/build/out/bin", true},
		{"/data/builder/x", false},
		{"/data/src/main.go", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestMatcher_Empty(t *testing.T) {
	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Match("/anything"))
	assert.Nil(t, nilMatcher.Patterns())

	m, err := Compile(nil)
	require.NoError(t, err)
	assert.False(t, m.Match("/anything.tmp"))
}

func TestCompile_Invalid(t *testing.T) {
	_, err := Compile([]string{"[unterminated"})
	assert.Error(t, err)

	assert.Panics(t, func() { MustCompile("[unterminated") })
}

func TestMatcher_Reserved(t *testing.T) {
	base := t.TempDir()
	data := filepath.Join(base, "data")

	m := MustCompile("*.tmp").WithReserved(data, "")
	assert.Equal(t, []string{"*.tmp"}, m.Patterns())

	tests := []struct {
		name string
		path string
		rel  string
		want bool
	}{
		{"reserved dir", data, "data", true},
		{"below reserved", filepath.Join(data, "backups", "a.txt"), "data/backups/a.txt", true},
		{"sibling prefix", filepath.Join(base, "database", "x"), "database/x", false},
		{"ordinary file", filepath.Join(base, "a.txt"), "a.txt", false},
		{"pattern still applies", filepath.Join(base, "a.tmp"), "a.tmp", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Excludes(tt.path, tt.rel))
		})
	}

	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Reserved(data))
	assert.True(t, nilMatcher.WithReserved(data).Reserved(filepath.Join(data, "x")))
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/srv/data", "/srv/data"))
	assert.True(t, Within("/srv/data/a/b", "/srv/data"))
	assert.False(t, Within("/srv/database", "/srv/data"))
	assert.False(t, Within("/srv", "/srv/data"))
}
