package supervisor

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeWatch is a WatchHandle that just records SetEnabled calls, so tests
// can assert the loop-lock discipline without a real inotify watch.
type fakeWatch struct {
	enabled []bool
}

func (f *fakeWatch) SetEnabled(enabled bool) error {
	f.enabled = append(f.enabled, enabled)
	return nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSpawnSystemAndReap(t *testing.T) {
	sv, err := New()
	require.NoError(t, err)

	pid, err := sv.SpawnSystem("exit 0", nil, false)
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	require.Equal(t, 1, sv.Live())

	waitUntil(t, 2*time.Second, func() bool {
		return len(sv.ReapAll()) > 0 || sv.Live() == 0
	})
	require.Equal(t, 0, sv.Live())
}

func TestSpawnSystemLockOnSpawnReenablesOnExit(t *testing.T) {
	sv, err := New()
	require.NoError(t, err)

	w := &fakeWatch{}
	_, err = sv.SpawnSystem("exit 0", w, true)
	require.NoError(t, err)
	require.Equal(t, []bool{false}, w.enabled)

	waitUntil(t, 2*time.Second, func() bool {
		sv.ReapAll()
		return sv.Live() == 0
	})
	require.Equal(t, []bool{false, true}, w.enabled)
}

func TestSpawnLockReleasedOnForkFailure(t *testing.T) {
	// SpawnSystem always forks /bin/sh successfully on any POSIX box with a
	// shell, so exercise the failure-unlock path directly via Spawn with a
	// program that does not exist.
	sv, err := New()
	require.NoError(t, err)

	w := &fakeWatch{}
	_, err = sv.Spawn([]string{"/nonexistent/incrond-test-binary"}, Identity{}, w, true)
	require.Error(t, err)
	require.Equal(t, []bool{false, true}, w.enabled)
	require.Equal(t, 0, sv.Live())
}

func TestSpawnUserTableArgvExactNoShellInterpretation(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("no `true` binary on PATH")
	}
	sv, err := New()
	require.NoError(t, err)

	pid, err := sv.Spawn([]string{"true", "$(nonexistent)"}, Identity{}, nil, false)
	require.NoError(t, err)
	require.Greater(t, pid, 0)

	waitUntil(t, 2*time.Second, func() bool {
		sv.ReapAll()
		return sv.Live() == 0
	})
}

func TestForgetDropsRecordsWithoutReenabling(t *testing.T) {
	sv, err := New()
	require.NoError(t, err)

	w := &fakeWatch{}
	_, err = sv.SpawnSystem("sleep 1", w, true)
	require.NoError(t, err)
	require.Equal(t, 1, sv.Live())

	sv.Forget(w)
	require.Equal(t, 0, sv.Live())
	require.Equal(t, []bool{false}, w.enabled) // never re-enabled
}

func TestLookupIdentityRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root to look up uid 0's identity reliably in all test sandboxes")
	}
	id, err := LookupIdentity("root")
	require.NoError(t, err)
	require.Equal(t, uint32(0), id.Uid)
	require.NotEmpty(t, id.Shell)
}

func TestSpawnUserIdentityResolvesBinaryFromSanitizedPath(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("privilege drop requires root")
	}
	sv, err := New()
	require.NoError(t, err)

	id := Identity{Uid: 65534, Gid: 65534, Username: "nobody", Home: "/", Shell: "/bin/sh"}
	pid, err := sv.Spawn([]string{"true"}, id, nil, false)
	require.NoError(t, err)
	require.Greater(t, pid, 0)

	waitUntil(t, 2*time.Second, func() bool {
		sv.ReapAll()
		return sv.Live() == 0
	})
}

func TestSpawnUserIdentityIgnoresAmbientPathAdditions(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("privilege drop requires root")
	}
	dir := t.TempDir()
	script := dir + "/incrond-test-only-binary"
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))

	sv, err := New()
	require.NoError(t, err)

	id := Identity{Uid: 65534, Gid: 65534, Username: "nobody", Home: "/", Shell: "/bin/sh"}
	_, err = sv.Spawn([]string{"incrond-test-only-binary"}, id, nil, false)
	require.Error(t, err) // resolvable only via the daemon's own PATH, not defaultUserPath
}

func TestLookPathInFindsBinaryInGivenDirsOnly(t *testing.T) {
	dir := t.TempDir()
	script := dir + "/incrond-test-lookpathin"
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))

	path, err := lookPathIn("incrond-test-lookpathin", dir)
	require.NoError(t, err)
	require.Equal(t, script, path)

	_, err = lookPathIn("incrond-test-lookpathin", "/nonexistent-dir")
	require.Error(t, err)
}

func TestUserEnvironHasNoInheritedVars(t *testing.T) {
	id := Identity{Username: "alice", Home: "/home/alice", Shell: "/bin/bash"}
	env := userEnviron(id)
	require.Contains(t, env, "USER=alice")
	require.Contains(t, env, "HOME=/home/alice")
	require.Contains(t, env, "SHELL=/bin/bash")
	require.Contains(t, env, "PATH="+defaultUserPath)
	require.Len(t, env, 6)
}
