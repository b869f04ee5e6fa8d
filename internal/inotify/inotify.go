// Package inotify wraps one inotify(7) kernel instance: a file
// descriptor, a descriptor→watch map, and a non-blocking drain into a
// typed event queue. It is the "Watch Registry" of the daemon: every
// Table (system or per-user) owns exactly one Registry, and the
// dispatcher's poll loop multiplexes across every Registry's Fd.
package inotify

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/relvacode/incrond/internal/incronerr"
)

// Mask is a bitset over the inotify event kinds, reusing the kernel's own
// IN_* bit values so raw masks round-trip losslessly through the table file.
type Mask uint32

const (
	Access      Mask = unix.IN_ACCESS
	Modify      Mask = unix.IN_MODIFY
	Attrib      Mask = unix.IN_ATTRIB
	CloseWrite  Mask = unix.IN_CLOSE_WRITE
	CloseNoWrite Mask = unix.IN_CLOSE_NOWRITE
	Open        Mask = unix.IN_OPEN
	MovedFrom   Mask = unix.IN_MOVED_FROM
	MovedTo     Mask = unix.IN_MOVED_TO
	Create      Mask = unix.IN_CREATE
	Delete      Mask = unix.IN_DELETE
	DeleteSelf  Mask = unix.IN_DELETE_SELF
	Unmount     Mask = unix.IN_UNMOUNT
	QOverflow   Mask = unix.IN_Q_OVERFLOW
	Ignored     Mask = unix.IN_IGNORED
	Close       Mask = unix.IN_CLOSE
	Move        Mask = unix.IN_MOVE
	IsDir       Mask = unix.IN_ISDIR
	OneShot     Mask = unix.IN_ONESHOT
	AllEvents   Mask = unix.IN_ALL_EVENTS

	// none is used internally to disable delivery on a watch without
	// forgetting its rule-level mask. The kernel rejects a mask of 0 with
	// EINVAL, but accepts IN_IGNORED alone, which selects no event kinds.
	none Mask = unix.IN_IGNORED
)

// names lists the symbolic event-kind tokens in the order the
// "$%" placeholder should render them, mirroring incrontab's own
// mask-to-string helper.
var names = []struct {
	bit  Mask
	name string
}{
	{Access, "IN_ACCESS"},
	{Modify, "IN_MODIFY"},
	{Attrib, "IN_ATTRIB"},
	{CloseWrite, "IN_CLOSE_WRITE"},
	{CloseNoWrite, "IN_CLOSE_NOWRITE"},
	{Open, "IN_OPEN"},
	{MovedFrom, "IN_MOVED_FROM"},
	{MovedTo, "IN_MOVED_TO"},
	{Create, "IN_CREATE"},
	{Delete, "IN_DELETE"},
	{DeleteSelf, "IN_DELETE_SELF"},
	{Unmount, "IN_UNMOUNT"},
	{QOverflow, "IN_Q_OVERFLOW"},
	{Ignored, "IN_IGNORED"},
	{IsDir, "IN_ISDIR"},
	{OneShot, "IN_ONESHOT"},
}

// String renders the comma-separated list of symbolic names set in m, for
// use by the command expander's "$%" placeholder.
func (m Mask) String() string {
	var out string
	for _, n := range names {
		if m&n.bit == n.bit && n.bit != 0 {
			if out != "" {
				out += ","
			}
			out += n.name
		}
	}
	if out == "" {
		return "0"
	}
	return out
}

// Has reports whether m has every bit of h set.
func (m Mask) Has(h Mask) bool { return m&h == h }

// Watch is a live kernel registration for one Rule's path. The owner field
// is opaque to this package — callers attach whatever they need (incrond
// attaches a table.Rule) and get it back on every Event.
type Watch struct {
	wd      int32
	mask    Mask // the mask the owner wants delivered when enabled
	path    string
	enabled bool
	Owner   any
}

// Wd returns the watch's current kernel watch descriptor. Only meaningful
// while the watch is live; becomes stale the instant Remove is called.
func (w *Watch) Wd() int32 { return w.wd }

// Path returns the absolute path the watch was added for.
func (w *Watch) Path() string { return w.path }

// Enabled reports whether the watch is currently delivering events.
func (w *Watch) Enabled() bool { return w.enabled }

// Event is one parsed inotify_event, tagged with the Watch it fired on.
type Event struct {
	Watch  *Watch
	Mask   Mask
	Cookie uint32
	Name   string // basename of the child the event concerns, "" for the watched path itself
}

// Registry is one kernel inotify instance plus its watch bookkeeping.
type Registry struct {
	mu      sync.Mutex
	fd      int
	watches map[int32]*Watch
	queue   []Event
	closed  bool
}

// OpenRegistry acquires a new inotify kernel handle. nonblock makes Drain's
// read non-blocking (EWOULDBLOCK is treated as "nothing pending", not an
// error); closeOnExec sets FD_CLOEXEC so forked children never inherit the
// handle.
func OpenRegistry(nonblock, closeOnExec bool) (*Registry, error) {
	var flags int
	if nonblock {
		flags |= unix.IN_NONBLOCK
	}
	if closeOnExec {
		flags |= unix.IN_CLOEXEC
	}
	fd, err := unix.InotifyInit1(flags)
	if err != nil {
		return nil, incronerr.Wrap(incronerr.Init, fmt.Errorf("inotify_init1: %w", err))
	}
	return &Registry{
		fd:      fd,
		watches: make(map[int32]*Watch),
	}, nil
}

// Fd exposes the underlying descriptor for the dispatcher's poll array.
func (r *Registry) Fd() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fd
}

// Add registers a new watch for path with the given mask. The mask is
// kept on the Watch so SetEnabled can restore it after a disable.
func (r *Registry) Add(path string, mask Mask, owner any) (*Watch, error) {
	wd, err := unix.InotifyAddWatch(r.fd, path, uint32(mask))
	if err != nil {
		return nil, incronerr.Wrap(incronerr.WatchAdd, fmt.Errorf("inotify_add_watch %q: %w", path, err))
	}
	w := &Watch{wd: int32(wd), mask: mask, path: path, enabled: true, Owner: owner}
	r.mu.Lock()
	r.watches[w.wd] = w
	r.mu.Unlock()
	return w, nil
}

// Remove deregisters w. Idempotent: removing an already-removed watch is
// a no-op.
func (r *Registry) Remove(w *Watch) error {
	r.mu.Lock()
	_, present := r.watches[w.wd]
	if present {
		delete(r.watches, w.wd)
	}
	r.mu.Unlock()
	if !present {
		return nil
	}
	// Kernel may have already dropped the watch (e.g. the path was
	// deleted, generating IN_IGNORED); that is not an error here because
	// the map deletion above already committed.
	if _, err := unix.InotifyRmWatch(r.fd, uint32(w.wd)); err != nil && err != unix.EINVAL {
		return fmt.Errorf("inotify_rm_watch: %w", err)
	}
	w.enabled = false
	return nil
}

// SetEnabled toggles delivery on w by re-adding the kernel watch with
// either its rule mask or the no-event mask none. Re-adding
// at the same path reuses the same map slot from the kernel's point of
// view (inotify_add_watch on an already-watched path updates the mask in
// place), so other watches' queued-but-undrained events are untouched.
func (r *Registry) SetEnabled(w *Watch, enabled bool) error {
	effective := none
	if enabled {
		effective = w.mask
	}
	wd, err := unix.InotifyAddWatch(r.fd, w.path, uint32(effective))
	if err != nil {
		return incronerr.Wrap(incronerr.WatchAdd, fmt.Errorf("inotify_add_watch %q: %w", w.path, err))
	}
	r.mu.Lock()
	delete(r.watches, w.wd)
	w.wd = int32(wd)
	w.enabled = enabled
	r.watches[w.wd] = w
	r.mu.Unlock()
	return nil
}

// Find returns the watch registered under wd, or nil.
func (r *Registry) Find(wd int32) *Watch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watches[wd]
}

const eventBufferSize = 64 * (unix.SizeofInotifyEvent + unix.PathMax + 1)

// Drain performs one non-blocking read of the kernel handle and appends
// every parsed event to the internal queue. It never blocks: on a
// registry opened non-blocking, EAGAIN/EWOULDBLOCK simply means nothing
// is pending and Drain returns nil.
func (r *Registry) Drain() error {
	buf := make([]byte, eventBufferSize)
	for {
		n, err := unix.Read(r.fd, buf)
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				return nil
			default:
				return fmt.Errorf("inotify read: %w", err)
			}
		}
		if n <= 0 {
			return nil
		}
		r.parse(buf[:n])
		if n < len(buf) {
			// Short read: the kernel had no more pending events in this pass.
			return nil
		}
	}
}

func (r *Registry) parse(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(data) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&data[offset]))
		var name string
		nameStart := offset + unix.SizeofInotifyEvent
		if raw.Len > 0 {
			nameEnd := nameStart + int(raw.Len)
			if nameEnd > len(data) {
				nameEnd = len(data)
			}
			rawName := data[nameStart:nameEnd]
			for i, b := range rawName {
				if b == 0 {
					rawName = rawName[:i]
					break
				}
			}
			name = string(rawName)
		}

		w := r.watches[raw.Wd]
		r.queue = append(r.queue, Event{
			Watch:  w,
			Mask:   Mask(raw.Mask),
			Cookie: raw.Cookie,
			Name:   name,
		})

		offset = nameStart + int(raw.Len)
	}
}

// Next pops the oldest queued event, or reports ok=false when the queue is
// empty. Callers must call Drain before Next to refill the queue.
func (r *Registry) Next() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return Event{}, false
	}
	e := r.queue[0]
	r.queue = r.queue[1:]
	return e, true
}

// Close releases the kernel handle. Safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return unix.Close(r.fd)
}
