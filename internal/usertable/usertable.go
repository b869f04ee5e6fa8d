// Package usertable binds one Rule Table to one Watch Registry for
// exactly one principal. It is the component that actually fires
// commands: on a drained inotify event it finds the originating Rule,
// runs the access check, expands the command template, and hands the
// resulting argv to the Child Supervisor.
package usertable

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/relvacode/incrond/internal/expand"
	"github.com/relvacode/incrond/internal/incronerr"
	"github.com/relvacode/incrond/internal/inotify"
	"github.com/relvacode/incrond/internal/metrics"
	"github.com/relvacode/incrond/internal/supervisor"
	"github.com/relvacode/incrond/internal/table"
)

// Table binds one on-disk table.Table to one inotify.Registry for one
// principal. Exactly one exists per loaded user or system table: one
// Watch Registry per Rule Table.
type Table struct {
	Principal string
	IsSystem  bool
	Path      string

	registry   *inotify.Registry
	supervisor *supervisor.Supervisor
	identity   supervisor.Identity
	log        *logrus.Entry

	watches []*watchRef
	byWatch map[*inotify.Watch]*watchRef
}

// watchRef adapts an inotify.Watch (which has no SetEnabled method of its
// own — toggling lives on the owning Registry) into the
// supervisor.WatchHandle the Child Supervisor needs to release a rule's
// loop lock on completion.
type watchRef struct {
	reg *inotify.Registry
	w   *inotify.Watch
}

func (r *watchRef) SetEnabled(enabled bool) error { return r.reg.SetEnabled(r.w, enabled) }

// New constructs an unloaded Table and opens its Watch Registry. Call
// Load before Fd/OnEvent are meaningful.
func New(path, principal string, isSystem bool, sv *supervisor.Supervisor, log *logrus.Entry) (*Table, error) {
	reg, err := inotify.OpenRegistry(true, true)
	if err != nil {
		return nil, err
	}
	t := &Table{
		Principal:  principal,
		IsSystem:   isSystem,
		Path:       path,
		registry:   reg,
		supervisor: sv,
		log:        log.WithField("principal", principal),
	}
	if !isSystem {
		id, err := supervisor.LookupIdentity(principal)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("resolve identity for %q: %w", principal, err)
		}
		t.identity = id
	}
	return t, nil
}

// Fd exposes the underlying Watch Registry descriptor for the
// dispatcher's poll array.
func (t *Table) Fd() int { return t.registry.Fd() }

// Registry exposes the underlying Watch Registry, for the dispatcher to
// call Drain/Next directly.
func (t *Table) Registry() *inotify.Registry { return t.registry }

// Load reads the Rule Table from disk and adds one Watch per rule, plus,
// for rules without no_recursion, one additional Watch per existing
// subdirectory found at load time (a one-time expansion, not a live
// recursive watch). Rules whose kernel registration fails are logged
// and dropped, not fatal to the load.
func (t *Table) Load() error {
	tbl, err := table.Load(t.Path, t.Principal, t.IsSystem)
	if err != nil {
		return fmt.Errorf("load table %q: %w", t.Path, err)
	}

	for _, rule := range tbl.Rules {
		t.addWatch(rule)
		if !rule.NoRecursion {
			t.expandRecursive(rule)
		}
	}
	t.log.WithField("rules", len(tbl.Rules)).Info("loading table")
	return nil
}

// addWatch registers one Watch for rule and tracks it. Failure is logged
// and the rule is dropped from the watch set, not fatal to the load.
func (t *Table) addWatch(rule table.Rule) {
	w, err := t.registry.Add(rule.Path, rule.Mask, rule)
	if err != nil {
		t.log.WithField("path", rule.Path).WithError(err).Warn("dropping rule: watch add failed")
		return
	}
	ref := &watchRef{reg: t.registry, w: w}
	if t.byWatch == nil {
		t.byWatch = make(map[*inotify.Watch]*watchRef)
	}
	t.byWatch[w] = ref
	t.watches = append(t.watches, ref)
}

// expandRecursive walks rule.Path once and adds an identical Watch
// (same mask, same command, no further recursion) for every existing
// subdirectory.
func (t *Table) expandRecursive(rule table.Rule) {
	entries, err := os.ReadDir(rule.Path)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := table.Rule{
			Path:        filepath.Join(rule.Path, e.Name()),
			Mask:        rule.Mask,
			Cmd:         rule.Cmd,
			NoLoop:      rule.NoLoop,
			NoRecursion: true,
		}
		t.addWatch(child)
	}
}

// Dispose removes every watch this table owns, tells the Child
// Supervisor to forget any live children pointing at them (so a later
// reap does not dereference a dead watch), and closes the Watch
// Registry.
func (t *Table) Dispose() {
	for _, ref := range t.watches {
		t.supervisor.Forget(ref)
		_ = t.registry.Remove(ref.w)
	}
	t.watches = nil
	t.byWatch = nil
	_ = t.registry.Close()
}

// OnEvent handles one drained Event: finds the firing Rule, performs the
// access check for user tables, expands the command template, tokenizes,
// logs and spawns.
func (t *Table) OnEvent(ev inotify.Event) {
	metrics.EventsDrained.Inc()

	if ev.Watch == nil {
		return
	}
	rule, ok := ev.Watch.Owner.(table.Rule)
	if !ok {
		return
	}

	if !t.IsSystem {
		allowed, err := mayAccess(rule.Path, t.identity)
		if err != nil || !allowed {
			// AccessDenied: event silently discarded
			// (prevents information leak about path existence/perms).
			metrics.AccessDenials.Inc()
			return
		}
	}

	kind := "user"
	if t.IsSystem {
		kind = "system"
	}
	metrics.RulesMatched.WithLabelValues(kind).Inc()

	ctx := expand.Context{WatchedPath: rule.Path, Name: ev.Name, Mask: ev.Mask}
	argv, err := expand.Expand(rule.Cmd, ctx)
	if err != nil {
		t.log.WithField("path", rule.Path).WithError(err).Warn("bad command expansion")
		return
	}

	t.log.WithField("path", rule.Path).WithField("argv", argv).Info("spawning")

	var watch supervisor.WatchHandle
	if ref, ok := t.byWatch[ev.Watch]; ok {
		watch = ref
	}
	lock := rule.NoLoop
	if t.IsSystem {
		cmdString := expand.Substitute(rule.Cmd, ctx)
		if _, err := t.supervisor.SpawnSystem(cmdString, watch, lock); err != nil {
			metrics.SpawnFailures.WithLabelValues(kind).Inc()
			t.log.WithError(incronerr.Wrap(incronerr.Spawn, err)).Warn("spawn failed")
			return
		}
		metrics.ChildrenSpawned.WithLabelValues(kind).Inc()
		return
	}
	if _, err := t.supervisor.Spawn(argv, t.identity, watch, lock); err != nil {
		metrics.SpawnFailures.WithLabelValues(kind).Inc()
		t.log.WithError(incronerr.Wrap(incronerr.Spawn, err)).Warn("spawn failed")
		return
	}
	metrics.ChildrenSpawned.WithLabelValues(kind).Inc()
}

// mayAccess implements the access check against the watched path at
// event time: uid 0, any world permission bit, ownership plus any owner
// permission bit, or group membership plus any group permission bit.
func mayAccess(path string, id supervisor.Identity) (bool, error) {
	if id.Uid == 0 {
		return true, nil
	}
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return false, err
	}
	mode := os.FileMode(st.Mode).Perm()

	if mode&0o007 != 0 {
		return true, nil
	}
	if uint32(st.Uid) == id.Uid && (mode>>6)&0o7 != 0 {
		return true, nil
	}
	if (mode>>3)&0o7 != 0 && memberOfGroup(id, uint32(st.Gid)) {
		return true, nil
	}
	return false, nil
}

func memberOfGroup(id supervisor.Identity, gid uint32) bool {
	if id.Gid == gid {
		return true
	}
	for _, g := range id.Groups {
		if g == gid {
			return true
		}
	}
	return false
}
