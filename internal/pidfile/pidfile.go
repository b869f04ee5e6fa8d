// Package pidfile implements incrond's single-instance lock, grounded on
// original_source/appinst.cpp's AppInstance: an exclusive-create pidfile
// containing the owning process's pid, with stale-lock recovery via a
// zero-signal liveness probe.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PidFile is an exclusively-created lockfile at path holding this
// process's pid, once Lock succeeds.
type PidFile struct {
	path   string
	locked bool
}

// New returns a PidFile at path. Call Lock to acquire it.
func New(path string) *PidFile {
	return &PidFile{path: path}
}

// Lock attempts to acquire the lock, retrying through up to 100 stale
// locks left behind by a process that has since died, mirroring
// AppInstance::Lock's retry loop. It returns false, nil if a live
// process already holds the lock.
func (p *PidFile) Lock() (bool, error) {
	for i := 0; i < 100; i++ {
		ok, err := p.doLock()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		pid, err := readPid(p.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, err
		}

		if processAlive(pid) {
			return false, nil
		}

		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return false, err
		}
	}
	return false, fmt.Errorf("pidfile %q: gave up after repeated stale-lock collisions", p.path)
}

// doLock performs the exclusive O_CREAT|O_EXCL open, per
// AppInstance::DoLock.
func (p *PidFile) doLock() (bool, error) {
	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		return false, err
	}
	p.locked = true
	return true, nil
}

// Unlock removes the lockfile. A no-op if this PidFile never acquired
// the lock.
func (p *PidFile) Unlock() error {
	if !p.locked {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	p.locked = false
	return nil
}

// Exists reports whether the lock is currently held by a live process,
// per AppInstance::Exists.
func (p *PidFile) Exists() (bool, error) {
	if p.locked {
		return true, nil
	}
	pid, err := readPid(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return processAlive(pid), nil
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile %q: malformed pid: %w", path, err)
	}
	return pid, nil
}

// processAlive sends signal 0 to pid, which performs no action but
// fails with ESRCH if no such process exists, per kill(2).
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
