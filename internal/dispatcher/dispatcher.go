// Package dispatcher implements incrond's top-level poll loop. It owns
// the self-pipe, the management Watch Registry (watching the system-
// and user-table directories) and the set of per-principal User Tables,
// and demultiplexes descriptor readiness across all three every
// iteration.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/relvacode/incrond/internal/incronerr"
	"github.com/relvacode/incrond/internal/inotify"
	"github.com/relvacode/incrond/internal/metrics"
	"github.com/relvacode/incrond/internal/policy"
	"github.com/relvacode/incrond/internal/supervisor"
	"github.com/relvacode/incrond/internal/usertable"
)

const managementMask = inotify.Create | inotify.CloseWrite | inotify.Delete | inotify.Move | inotify.DeleteSelf | inotify.Unmount

// Dispatcher is the daemon's single-threaded top-level loop.
type Dispatcher struct {
	log *logrus.Entry

	systemDir string
	userDir   string
	policy    *policy.Policy

	supervisor *supervisor.Supervisor
	management *inotify.Registry

	// principals is keyed by table file basename, not by path: one entry
	// per loaded system or user table.
	principals map[string]*usertable.Table

	// shutdown is set by RequestShutdown from the signal-handling
	// goroutine and read by Run's loop goroutine; it has to be atomic
	// since those are two separate goroutines, unlike the original
	// daemon's inline signal handler.
	shutdown atomic.Bool

	eagainLimiter *rate.Limiter
}

// New wires up the self-pipe, the Child Supervisor and the management
// Watch Registry watching systemDir and userDir.
func New(systemDir, userDir string, pol *policy.Policy, log *logrus.Entry) (*Dispatcher, error) {
	sv, err := supervisor.New()
	if err != nil {
		return nil, err
	}
	mgmt, err := inotify.OpenRegistry(true, true)
	if err != nil {
		return nil, err
	}
	if _, err := mgmt.Add(systemDir, managementMask, nil); err != nil {
		mgmt.Close()
		return nil, fmt.Errorf("watch system table dir %q: %w", systemDir, err)
	}
	if _, err := mgmt.Add(userDir, managementMask, nil); err != nil {
		mgmt.Close()
		return nil, fmt.Errorf("watch user table dir %q: %w", userDir, err)
	}

	return &Dispatcher{
		log:           log,
		systemDir:     systemDir,
		userDir:       userDir,
		policy:        pol,
		supervisor:    sv,
		management:    mgmt,
		principals:    make(map[string]*usertable.Table),
		eagainLimiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
	}, nil
}

// LoadAll loads every system table under systemDir and every user table
// under userDir whose principal passes the allow/deny policy, at daemon
// startup.
func (d *Dispatcher) LoadAll() {
	d.loadDir(d.systemDir, true)
	d.loadDir(d.userDir, false)
}

func (d *Dispatcher) loadDir(dir string, isSystem bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.log.WithField("dir", dir).WithError(err).Warn("cannot list table directory")
		return
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		d.loadPrincipal(e.Name(), dir, isSystem)
	}
}

// loadPrincipal constructs and loads one User Table for name, rejecting
// unauthorized user-table principals against the allow/deny policy.
func (d *Dispatcher) loadPrincipal(name, dir string, isSystem bool) {
	if !isSystem && d.policy != nil && !d.policy.Allowed(name) {
		d.log.Warnf("table for invalid user %s found (ignored)", name)
		return
	}
	path := filepath.Join(dir, name)
	ut, err := usertable.New(path, name, isSystem, d.supervisor, d.log)
	if err != nil {
		d.log.WithField("principal", name).WithError(err).Warn("cannot construct table")
		return
	}
	if err := ut.Load(); err != nil {
		d.log.WithField("principal", name).WithError(err).Warn("cannot load table")
		ut.Dispose()
		return
	}
	d.principals[name] = ut
	metrics.PrincipalsLoaded.Set(float64(len(d.principals)))
}

// Shutdown reports whether the shutdown flag has been set, either by a
// caller invoking RequestShutdown or by the management watch observing
// its base directory disappear.
func (d *Dispatcher) Shutdown() bool { return d.shutdown.Load() }

// RequestShutdown sets the cooperative shutdown flag; the loop exits at
// the next poll return.
func (d *Dispatcher) RequestShutdown() { d.shutdown.Store(true) }

// SelfPipeNotify exposes the Child Supervisor's self-pipe Notify, for a
// SIGCHLD handler installed by cmd/incrond to call.
func (d *Dispatcher) SelfPipeNotify() { d.supervisor.Notify() }

// fail logs err and, only if its incronerr.Kind is Fatal, sets the
// shutdown flag so Run unwinds at its next poll return instead of
// continuing to serve events.
func (d *Dispatcher) fail(err error) {
	d.log.WithError(err).Error("fatal condition")
	if incronerr.KindOf(err).Fatal() {
		d.shutdown.Store(true)
	}
}

// Run executes the main loop until the shutdown flag is set.
func (d *Dispatcher) Run() error {
	for !d.shutdown.Load() {
		fds, order := d.buildPollArray()
		n, err := unix.Poll(fds, -1)
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				// EAGAIN is Resource: a transient resource shortage,
				// retried after a brief backoff rather than propagated.
				_ = d.eagainLimiter.Wait(context.Background())
				continue
			default:
				// Any other poll(2) failure means the kernel notification
				// handle itself is no longer usable: Init, same as a
				// failure to create it in the first place.
				wrapped := incronerr.Wrap(incronerr.Init, fmt.Errorf("poll: %w", err))
				if incronerr.KindOf(wrapped).Fatal() {
					return wrapped
				}
				continue
			}
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			d.supervisor.Drain()
			d.supervisor.ReapAll()
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			d.handleManagement()
		}
		for i := 2; i < len(fds); i++ {
			if fds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			name := order[i]
			ut := d.principals[name]
			if ut == nil {
				continue
			}
			if err := ut.Registry().Drain(); err != nil {
				d.log.WithField("principal", name).WithError(err).Warn("drain failed")
				continue
			}
			for {
				ev, ok := ut.Registry().Next()
				if !ok {
					break
				}
				ut.OnEvent(ev)
			}
		}
	}

	for _, ut := range d.principals {
		ut.Dispose()
	}
	_ = d.management.Close()
	return nil
}

// buildPollArray rebuilds the poll(2) array: index 0 is the self-pipe,
// index 1 the management registry, and 2..N each loaded principal's
// registry.
func (d *Dispatcher) buildPollArray() ([]unix.PollFd, []string) {
	fds := make([]unix.PollFd, 2, 2+len(d.principals))
	fds[0] = unix.PollFd{Fd: int32(d.supervisor.SelfPipeReadFd()), Events: unix.POLLIN}
	fds[1] = unix.PollFd{Fd: int32(d.management.Fd()), Events: unix.POLLIN}
	order := make([]string, 2, 2+len(d.principals))
	order[0], order[1] = "", ""
	for name, ut := range d.principals {
		fds = append(fds, unix.PollFd{Fd: int32(ut.Fd()), Events: unix.POLLIN})
		order = append(order, name)
	}
	return fds, order
}

// handleManagement drains the management registry and reacts to each
// table-file create/remove/rename event. Names starting with "." are
// ignored.
func (d *Dispatcher) handleManagement() {
	if err := d.management.Drain(); err != nil {
		d.log.WithError(err).Warn("management drain failed")
		return
	}
	for {
		ev, ok := d.management.Next()
		if !ok {
			return
		}
		d.handleManagementEvent(ev)
	}
}

func (d *Dispatcher) handleManagementEvent(ev inotify.Event) {
	if ev.Mask.Has(inotify.DeleteSelf) || ev.Mask.Has(inotify.Unmount) {
		d.fail(incronerr.Wrap(incronerr.BaseGone, fmt.Errorf("management watch lost its base directory")))
		return
	}
	if ev.Name == "" || strings.HasPrefix(ev.Name, ".") {
		return
	}

	dir, isSystem := d.ownerDir(ev.Watch)
	if dir == "" {
		return
	}

	switch {
	case ev.Mask.Has(inotify.CloseWrite) || ev.Mask.Has(inotify.MovedTo):
		if existing, ok := d.principals[ev.Name]; ok {
			existing.Dispose()
			delete(d.principals, ev.Name)
		}
		d.loadPrincipal(ev.Name, dir, isSystem)
	case ev.Mask.Has(inotify.MovedFrom) || ev.Mask.Has(inotify.Delete):
		if existing, ok := d.principals[ev.Name]; ok {
			existing.Dispose()
			delete(d.principals, ev.Name)
			metrics.PrincipalsLoaded.Set(float64(len(d.principals)))
		}
	}
}

// ownerDir reports which managed directory produced w, and whether it is
// the system-table directory, by matching on the watch's recorded path.
func (d *Dispatcher) ownerDir(w *inotify.Watch) (dir string, isSystem bool) {
	if w == nil {
		return "", false
	}
	switch w.Path() {
	case d.systemDir:
		return d.systemDir, true
	case d.userDir:
		return d.userDir, false
	default:
		return "", false
	}
}
