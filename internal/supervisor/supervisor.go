// Package supervisor forks, execs and reaps the commands a rule fires,
// under the correct principal identity. It also owns the SIGCHLD
// self-pipe the dispatcher's poll loop wakes up on.
package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/relvacode/incrond/internal/incronerr"
	"github.com/relvacode/incrond/internal/metrics"
)

// Identity is the resolved uid/gid/home/shell a user-table command runs as.
type Identity struct {
	Username string
	Uid      uint32
	Gid      uint32
	Groups   []uint32
	Home     string
	Shell    string
}

// LookupIdentity resolves username through the OS user database.
func LookupIdentity(username string) (Identity, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("parse uid for %q: %w", username, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("parse gid for %q: %w", username, err)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return Identity{}, fmt.Errorf("supplementary groups for %q: %w", username, err)
	}
	groups := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(n))
	}

	shell := "/bin/sh"
	if sh, err := readShell(username); err == nil && sh != "" {
		shell = sh
	}

	return Identity{
		Username: username,
		Uid:      uint32(uid),
		Gid:      uint32(gid),
		Groups:   groups,
		Home:     u.HomeDir,
		Shell:    shell,
	}, nil
}

// defaultUserPath is the PATH a spawned user command inherits when its own
// environment is cleared.
const defaultUserPath = "/usr/local/bin:/usr/bin:/bin:/usr/X11R6/bin"

// CompletionAction is what the supervisor does to a rule's watch once its
// spawned child exits. A small enum in place of a stored callback, so
// ReapAll can be exercised without installing real callbacks.
type CompletionAction int

const (
	// NoAction leaves the watch untouched; the rule had no loop lock.
	NoAction CompletionAction = iota
	// ReenableWatch re-enables the watch that was disabled at spawn time.
	ReenableWatch
)

// WatchHandle is the minimal surface the supervisor needs from a Watch to
// release its loop lock, decoupling this package from internal/inotify.
type WatchHandle interface {
	SetEnabled(enabled bool) error
}

// liveChild is one entry of the process-wide pid → record map.
type liveChild struct {
	watch  WatchHandle
	action CompletionAction
}

// Supervisor tracks every child this daemon has spawned and is still
// waiting on, plus the self-pipe used to turn SIGCHLD into a pollable fd.
type Supervisor struct {
	mu       sync.Mutex
	children map[int]liveChild

	pipeRead, pipeWrite int
}

// New wires up the self-pipe and installs no signal handler — callers
// forward each SIGCHLD by calling Notify.
func New() (*Supervisor, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, incronerr.Wrap(incronerr.Init, fmt.Errorf("self-pipe: %w", err))
	}
	return &Supervisor{
		children: make(map[int]liveChild),
		pipeRead: fds[0], pipeWrite: fds[1],
	}, nil
}

// SelfPipeReadFd exposes the self-pipe's read end for the dispatcher's
// poll array.
func (s *Supervisor) SelfPipeReadFd() int { return s.pipeRead }

// Notify writes (non-blocking) one byte to the self-pipe. It is designed
// to be called from a signal handler: it drains stale bytes first to
// guard against the pipe filling under a child storm, then writes one
// fresh byte. Errors are swallowed: they are neither fatal nor logged,
// and a signal handler cannot safely log.
func (s *Supervisor) Notify() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.pipeRead, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	_, _ = unix.Write(s.pipeWrite, []byte{0})
}

// Drain consumes every byte currently buffered in the self-pipe's read end.
func (s *Supervisor) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.pipeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Spawn forks a user-table command under id's credentials (the Go runtime
// sets supplementary groups, then gid, then uid in the child, so uid is
// dropped last and both group changes still run privileged), then a
// cleared environment re-populated with
// LOGNAME/USER/USERNAME/HOME/SHELL/PATH, then exec. If id.Uid is 0 the
// daemon's own environment is preserved instead
func (s *Supervisor) Spawn(argv []string, id Identity, watch WatchHandle, lockOnSpawn bool) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("spawn: empty argv")
	}

	env := os.Environ()
	if id.Uid != 0 {
		env = userEnviron(id)
	}

	attr := &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{0, 1, 2},
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}
	if id.Uid != 0 {
		// The runtime applies these as setgroups, setgid, then setuid:
		// uid goes last so setgroups(2) and setgid(2) still run with
		// the caller's original privilege before it's dropped.
		attr.Sys.Credential = &syscall.Credential{
			Uid:    id.Uid,
			Gid:    id.Gid,
			Groups: id.Groups,
		}
	}

	var (
		path string
		err  error
	)
	if id.Uid != 0 {
		// Resolve argv[0] against the same sanitized PATH the child's
		// environment carries, not the daemon's own ambient PATH: a
		// binary only reachable through the daemon's PATH must not run
		// under a dropped-privilege identity, and one absent from the
		// daemon's PATH but present in the sanitized directories must
		// still be found.
		path, err = lookPathIn(argv[0], defaultUserPath)
	} else {
		path, err = lookPath(argv[0])
	}
	if err != nil {
		return 0, incronerr.Wrap(incronerr.Spawn, fmt.Errorf("exec lookup %q: %w", argv[0], err))
	}

	if lockOnSpawn && watch != nil {
		_ = watch.SetEnabled(false)
	}

	pid, err := syscall.ForkExec(path, argv, attr)
	if err != nil {
		if lockOnSpawn && watch != nil {
			_ = watch.SetEnabled(true)
		}
		return 0, incronerr.Wrap(incronerr.Spawn, fmt.Errorf("fork/exec %q: %w", argv[0], err))
	}

	action := NoAction
	var lockedWatch WatchHandle
	if lockOnSpawn {
		action = ReenableWatch
		lockedWatch = watch
	}
	s.mu.Lock()
	s.children[pid] = liveChild{watch: lockedWatch, action: action}
	s.mu.Unlock()
	metrics.LiveChildren.Inc()

	return pid, nil
}

// SpawnSystem forks a system-table command via /bin/sh -c, inheriting the
// daemon's own environment and identity.
func (s *Supervisor) SpawnSystem(cmdString string, watch WatchHandle, lockOnSpawn bool) (int, error) {
	argv := []string{"/bin/sh", "-c", cmdString}
	attr := &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{0, 1, 2},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	if lockOnSpawn && watch != nil {
		_ = watch.SetEnabled(false)
	}

	pid, err := syscall.ForkExec("/bin/sh", argv, attr)
	if err != nil {
		if lockOnSpawn && watch != nil {
			_ = watch.SetEnabled(true)
		}
		return 0, incronerr.Wrap(incronerr.Spawn, fmt.Errorf("fork/exec sh -c: %w", err))
	}

	action := NoAction
	var lockedWatch WatchHandle
	if lockOnSpawn {
		action = ReenableWatch
		lockedWatch = watch
	}
	s.mu.Lock()
	s.children[pid] = liveChild{watch: lockedWatch, action: action}
	s.mu.Unlock()
	metrics.LiveChildren.Inc()

	return pid, nil
}

// ReapAll calls waitpid(-1, WNOHANG) in a loop, releasing the loop lock of
// every reaped child's watch before dropping its record.
func (s *Supervisor) ReapAll() []int {
	var reaped []int
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return reaped
		}
		s.mu.Lock()
		rec, ok := s.children[pid]
		delete(s.children, pid)
		s.mu.Unlock()
		if ok && rec.action == ReenableWatch && rec.watch != nil {
			_ = rec.watch.SetEnabled(true)
		}
		if ok {
			metrics.LiveChildren.Dec()
		}
		reaped = append(reaped, pid)
	}
}

// Forget drops every live-child record whose watch is w, without
// re-enabling it, for use when a User Table is disposed and its watches
// are about to become invalid.
func (s *Supervisor) Forget(w WatchHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, rec := range s.children {
		if rec.watch == w {
			delete(s.children, pid)
			metrics.LiveChildren.Dec()
		}
	}
}

// Live reports how many live-child records currently exist, for tests and
// metrics.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// readShell looks up username's login shell directly from /etc/passwd,
// since os/user does not expose it on most platforms.
func readShell(username string) (string, error) {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[0] != username {
			continue
		}
		return fields[6], nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no passwd entry for %q", username)
}

// lookPath resolves argv0 to an absolute path the same way a shell would,
// against the daemon's own ambient PATH, so ForkExec never has to
// consult PATH itself. Only used by Spawn for a uid-0 principal, whose
// command keeps the daemon's own identity and environment.
func lookPath(argv0 string) (string, error) {
	if strings.Contains(argv0, "/") {
		return argv0, nil
	}
	return exec.LookPath(argv0)
}

// lookPathIn resolves argv0 against pathList instead of the daemon's own
// ambient PATH, so a dropped-privilege child's argv[0] is only ever
// found under the same sanitized directories its own PATH environment
// variable carries.
func lookPathIn(argv0, pathList string) (string, error) {
	if strings.Contains(argv0, "/") {
		return argv0, nil
	}
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, argv0)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: executable file not found in %s", argv0, pathList)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func userEnviron(id Identity) []string {
	return []string{
		"LOGNAME=" + id.Username,
		"USER=" + id.Username,
		"USERNAME=" + id.Username,
		"HOME=" + id.Home,
		"SHELL=" + id.Shell,
		"PATH=" + defaultUserPath,
	}
}
