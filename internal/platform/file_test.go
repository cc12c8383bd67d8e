package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "packages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleYAML = `
packages:
  - name: a.b
    uid: 10042
    user_id: 0
    privileged: false
    suspended: false
  - name: a.sys
    uid: 1000
    user_id: 0
    privileged: true
    suspended: false
`

func TestNewRegistryLoadsEntries(t *testing.T) {
	path := writeRegistry(t, t.TempDir(), sampleYAML)
	r, err := NewRegistry(path)
	require.NoError(t, err)

	names, err := r.PackagesForUID(10042)
	require.NoError(t, err)
	require.Equal(t, []string{"a.b"}, names)

	uid, ok, err := r.UIDForPackage("a.b", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10042, uid)

	priv, err := r.IsPrivileged("a.sys", 0)
	require.NoError(t, err)
	require.True(t, priv)

	priv, err = r.IsPrivileged("a.b", 0)
	require.NoError(t, err)
	require.False(t, priv)
}

func TestNewRegistryMissingFileIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)

	_, ok, err := r.UIDForPackage("anything", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUIDForPackageUnknownIsNotFoundNotError(t *testing.T) {
	path := writeRegistry(t, t.TempDir(), sampleYAML)
	r, err := NewRegistry(path)
	require.NoError(t, err)

	_, ok, err := r.UIDForPackage("never.installed", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIsPackageSuspended(t *testing.T) {
	path := writeRegistry(t, t.TempDir(), sampleYAML)
	r, err := NewRegistry(path)
	require.NoError(t, err)

	suspended, err := r.IsPackageSuspended("a.b", 0)
	require.NoError(t, err)
	require.False(t, suspended)
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, sampleYAML)
	r, err := NewRegistry(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
packages:
  - name: new.pkg
    uid: 20000
    user_id: 0
`), 0o600))
	require.NoError(t, r.Reload())

	_, ok, err := r.UIDForPackage("a.b", 0)
	require.NoError(t, err)
	require.False(t, ok, "stale entry should be gone after reload")

	uid, ok, err := r.UIDForPackage("new.pkg", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 20000, uid)
}

func TestReloadOnParseFailureKeepsOldState(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, sampleYAML)
	r, err := NewRegistry(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o600))
	err = r.Reload()
	require.Error(t, err)

	uid, ok, err := r.UIDForPackage("a.b", 0)
	require.NoError(t, err)
	require.True(t, ok, "registry should retain its last-good state")
	require.Equal(t, 10042, uid)
}
