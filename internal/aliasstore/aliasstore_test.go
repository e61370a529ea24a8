package aliasstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "aliases.json"))
	require.NoError(t, err)
	require.Empty(t, s.List())
}

func TestSetResolveDeleteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Set(Alias{Token: "proj", WorkingDir: "/home/dev/proj"}))
	dir, ok := s.Resolve("proj")
	require.True(t, ok)
	require.Equal(t, "/home/dev/proj", dir)

	require.NoError(t, s.Delete("proj"))
	_, ok = s.Resolve("proj")
	require.False(t, ok)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(Alias{Token: "x", WorkingDir: "/tmp/x"}))

	reopened, err := Open(path)
	require.NoError(t, err)
	dir, ok := reopened.Resolve("x")
	require.True(t, ok)
	require.Equal(t, "/tmp/x", dir)
}

func TestPersistDoesNotLeaveTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(Alias{Token: "a", WorkingDir: "/a"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "aliases.json", entries[0].Name())
}
