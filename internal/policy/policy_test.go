package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoFilesPermitsEveryone(t *testing.T) {
	dir := t.TempDir()
	p, err := Load(filepath.Join(dir, "allow"), filepath.Join(dir, "deny"))
	require.NoError(t, err)
	require.True(t, p.Allowed("anyone"))
}

func TestAllowFileWinsOverDeny(t *testing.T) {
	dir := t.TempDir()
	allow := filepath.Join(dir, "allow")
	deny := filepath.Join(dir, "deny")
	require.NoError(t, os.WriteFile(allow, []byte("alice\n"), 0o644))
	require.NoError(t, os.WriteFile(deny, []byte("alice\n"), 0o644))

	p, err := Load(allow, deny)
	require.NoError(t, err)
	require.True(t, p.Allowed("alice"))
	require.False(t, p.Allowed("bob"))
}

func TestEmptyAllowFilePermitsNobody(t *testing.T) {
	dir := t.TempDir()
	allow := filepath.Join(dir, "allow")
	require.NoError(t, os.WriteFile(allow, nil, 0o644))

	p, err := Load(allow, filepath.Join(dir, "deny"))
	require.NoError(t, err)
	require.False(t, p.Allowed("alice"))
}

func TestDenyFileExcludesListedUsers(t *testing.T) {
	dir := t.TempDir()
	deny := filepath.Join(dir, "deny")
	require.NoError(t, os.WriteFile(deny, []byte("# comment\nmallory\n"), 0o644))

	p, err := Load(filepath.Join(dir, "allow"), deny)
	require.NoError(t, err)
	require.False(t, p.Allowed("mallory"))
	require.True(t, p.Allowed("alice"))
}
