package dispatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/relvacode/incrond/internal/inotify"
	"github.com/relvacode/incrond/internal/policy"
)

func newTestDispatcher(t *testing.T, systemDir, userDir string) *Dispatcher {
	pol, err := policy.Load(filepath.Join(t.TempDir(), "allow"), filepath.Join(t.TempDir(), "deny"))
	require.NoError(t, err)

	log := logrus.NewEntry(logrus.New())
	d, err := New(systemDir, userDir, pol, log)
	if err != nil {
		t.Skipf("inotify unavailable in this sandbox: %v", err)
	}
	return d
}

func TestLoadAllLoadsSystemTables(t *testing.T) {
	root := t.TempDir()
	systemDir := filepath.Join(root, "incron.d")
	userDir := filepath.Join(root, "spool")
	watchedDir := filepath.Join(root, "watched")
	require.NoError(t, os.MkdirAll(systemDir, 0o755))
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	require.NoError(t, os.MkdirAll(watchedDir, 0o755))

	sysTable := watchedDir + " IN_CLOSE_WRITE echo $#\n"
	require.NoError(t, os.WriteFile(filepath.Join(systemDir, "sys1"), []byte(sysTable), 0o644))

	d := newTestDispatcher(t, systemDir, userDir)
	d.LoadAll()

	require.Len(t, d.principals, 1)
	require.Contains(t, d.principals, "sys1")
}

func TestLoadPrincipalRejectsDeniedUser(t *testing.T) {
	root := t.TempDir()
	systemDir := filepath.Join(root, "incron.d")
	userDir := filepath.Join(root, "spool")
	watchedDir := filepath.Join(root, "watched")
	require.NoError(t, os.MkdirAll(systemDir, 0o755))
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	require.NoError(t, os.MkdirAll(watchedDir, 0o755))

	allow := filepath.Join(root, "allow")
	require.NoError(t, os.WriteFile(allow, []byte("alice\n"), 0o644))
	pol, err := policy.Load(allow, filepath.Join(root, "deny"))
	require.NoError(t, err)

	log := logrus.NewEntry(logrus.New())
	d, err := New(systemDir, userDir, pol, log)
	if err != nil {
		t.Skipf("inotify unavailable in this sandbox: %v", err)
	}

	userTable := watchedDir + " IN_MODIFY echo hi\n"
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "eve"), []byte(userTable), 0o644))

	d.loadDir(userDir, false)
	require.Empty(t, d.principals)
}

func TestHandleManagementEventLoadsNewSystemTable(t *testing.T) {
	root := t.TempDir()
	systemDir := filepath.Join(root, "incron.d")
	userDir := filepath.Join(root, "spool")
	watchedDir := filepath.Join(root, "watched")
	require.NoError(t, os.MkdirAll(systemDir, 0o755))
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	require.NoError(t, os.MkdirAll(watchedDir, 0o755))

	d := newTestDispatcher(t, systemDir, userDir)

	tablePath := filepath.Join(systemDir, "newsys")
	require.NoError(t, os.WriteFile(tablePath, []byte(watchedDir+" IN_MODIFY echo hi\n"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := d.management.Drain(); err == nil {
			for {
				ev, ok := d.management.Next()
				if !ok {
					break
				}
				d.handleManagementEvent(ev)
			}
		}
		if _, ok := d.principals["newsys"]; ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Contains(t, d.principals, "newsys")
}

func TestBuildPollArrayOrdersSelfPipeThenManagementThenPrincipals(t *testing.T) {
	root := t.TempDir()
	systemDir := filepath.Join(root, "incron.d")
	userDir := filepath.Join(root, "spool")
	require.NoError(t, os.MkdirAll(systemDir, 0o755))
	require.NoError(t, os.MkdirAll(userDir, 0o755))

	d := newTestDispatcher(t, systemDir, userDir)

	fds, order := d.buildPollArray()
	require.Len(t, fds, 2)
	require.Equal(t, int32(d.supervisor.SelfPipeReadFd()), fds[0].Fd)
	require.Equal(t, int32(d.management.Fd()), fds[1].Fd)
	require.Equal(t, []string{"", ""}, order)
}

func TestShutdownFlagSetOnManagementDeleteSelf(t *testing.T) {
	root := t.TempDir()
	systemDir := filepath.Join(root, "incron.d")
	userDir := filepath.Join(root, "spool")
	require.NoError(t, os.MkdirAll(systemDir, 0o755))
	require.NoError(t, os.MkdirAll(userDir, 0o755))

	d := newTestDispatcher(t, systemDir, userDir)
	require.False(t, d.Shutdown())

	d.handleManagementEvent(inotify.Event{Mask: inotify.DeleteSelf})
	require.True(t, d.Shutdown())
}
