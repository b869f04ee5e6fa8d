// Package table implements the incrontab file format: one rule per
// line, three whitespace-separated columns (path, mask, command), plus
// the load/save and path-resolution contract treats as an
// external collaborator. It is implemented directly here so the daemon
// is runnable end to end.
package table

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/djherbis/atime"
	"github.com/sirupsen/logrus"

	"github.com/relvacode/incrond/internal/inotify"
)

// Rule is one line of a table.
type Rule struct {
	Path        string
	Mask        inotify.Mask
	Cmd         string
	NoLoop      bool // default true; loopable=true or an explicit false flips it
	NoRecursion bool
}

// Table is the ordered set of Rules loaded from one file, for one principal.
type Table struct {
	Principal string
	IsSystem  bool
	Path      string
	Rules     []Rule
}

var symbolicMask = map[string]inotify.Mask{
	"IN_ACCESS":        inotify.Access,
	"IN_MODIFY":        inotify.Modify,
	"IN_ATTRIB":        inotify.Attrib,
	"IN_CLOSE_WRITE":   inotify.CloseWrite,
	"IN_CLOSE_NOWRITE": inotify.CloseNoWrite,
	"IN_OPEN":          inotify.Open,
	"IN_MOVED_FROM":    inotify.MovedFrom,
	"IN_MOVED_TO":      inotify.MovedTo,
	"IN_CREATE":        inotify.Create,
	"IN_DELETE":        inotify.Delete,
	"IN_DELETE_SELF":   inotify.DeleteSelf,
	"IN_UNMOUNT":       inotify.Unmount,
	"IN_Q_OVERFLOW":    inotify.QOverflow,
	"IN_IGNORED":       inotify.Ignored,
	"IN_CLOSE":         inotify.Close,
	"IN_MOVE":          inotify.Move,
	"IN_ISDIR":         inotify.IsDir,
	"IN_ONESHOT":       inotify.OneShot,
	"IN_ALL_EVENTS":    inotify.AllEvents,
}

// ParseRule parses one non-comment, non-empty line of a table file.
// Unknown mask tokens are ignored silently
func ParseRule(line string) (Rule, error) {
	path, rest, err := splitEscapedPath(line)
	if err != nil {
		return Rule{}, fmt.Errorf("bad path column: %w", err)
	}
	rest = strings.TrimLeft(rest, " \t")
	maskCol, cmd, ok := cutField(rest)
	if !ok {
		return Rule{}, fmt.Errorf("missing mask/command columns")
	}
	cmd = strings.TrimLeft(cmd, " \t")
	if cmd == "" {
		return Rule{}, fmt.Errorf("empty command")
	}

	r := Rule{Path: path, Cmd: cmd, NoLoop: true}
	if raw, err := strconv.ParseUint(maskCol, 10, 32); err == nil {
		r.Mask = inotify.Mask(raw)
		return r, nil
	}

	for _, tok := range strings.Split(maskCol, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
			continue
		case tok == "IN_NO_LOOP":
			r.NoLoop = true
		case tok == "loopable=true":
			r.NoLoop = false
		case tok == "loopable=false":
			r.NoLoop = true
		case tok == "recursive=false":
			r.NoRecursion = true
		case tok == "recursive=true":
			r.NoRecursion = false
		default:
			if bit, ok := symbolicMask[tok]; ok {
				r.Mask |= bit
			}
			// unrecognized tokens are dropped silently
		}
	}
	return r, nil
}

// cutField splits s on the first run of whitespace into (field, rest, ok).
func cutField(s string) (field, rest string, ok bool) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", s != ""
	}
	return s[:i], s[i+1:], true
}

// splitEscapedPath reads the leading path column, where a literal space or
// backslash is written "\ " / "\\", and any other whitespace run ends the
// column.
func splitEscapedPath(s string) (path, rest string, err error) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i += 2
			continue
		}
		if c == ' ' || c == '\t' {
			break
		}
		b.WriteByte(c)
		i++
	}
	if b.Len() == 0 {
		return "", "", fmt.Errorf("empty path")
	}
	return b.String(), s[i:], nil
}

// escapePath is ToString's counterpart to splitEscapedPath: spaces and
// backslashes are backslash-escaped so the column round-trips.
func escapePath(path string) string {
	var b strings.Builder
	for _, c := range path {
		if c == ' ' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// String renders r back into a table-file line. Masks always serialize as
// the comma-separated symbolic form plus flag tokens, never the raw
// integer "modulo mask-representation canonicalization"; a rule with
// neither mask bits nor flags gets a mask column of "0".
func (r Rule) String() string {
	m := r.Mask.String()
	if m == "0" {
		m = ""
	}
	var flags []string
	if !r.NoLoop {
		flags = append(flags, "loopable=true")
	}
	if r.NoRecursion {
		flags = append(flags, "recursive=false")
	}
	parts := flags
	if m != "" {
		parts = append([]string{m}, flags...)
	}
	maskCol := strings.Join(parts, ",")
	if maskCol == "" {
		maskCol = "0"
	}
	return fmt.Sprintf("%s %s %s", escapePath(r.Path), maskCol, r.Cmd)
}

// Load parses path into a Table for the given principal. Malformed lines
// are dropped with a logged warning; load otherwise continues, per
// the TableParse policy.
func Load(path, principal string, isSystem bool) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table %q: %w", path, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		at := atime.Get(info)
		logrus.WithField("table", path).
			WithField("atime", at.Format(time.RFC3339)).
			Debug("loading table")
	}

	t := &Table{Principal: principal, IsSystem: isSystem, Path: path}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		r, err := ParseRule(line)
		if err != nil {
			logrus.WithField("table", path).
				WithField("line", lineNo).
				WithError(err).
				Warn("dropping malformed rule")
			continue
		}
		t.Rules = append(t.Rules, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read table %q: %w", path, err)
	}
	return t, nil
}

// Save writes t back to its Path. User tables are created 0600; system
// tables are created 0644, less the process umask.
func Save(path string, t *Table) error {
	mode := os.FileMode(0o644)
	if !t.IsSystem {
		mode = 0o600
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("open table %q for write: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, r := range t.Rules {
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			return fmt.Errorf("write table %q: %w", path, err)
		}
	}
	return w.Flush()
}

// UserTablePath resolves a user's table file under dir.
func UserTablePath(dir, user string) string {
	return filepath.Join(dir, user)
}

// SystemTablePath resolves a system table file by its basename under dir.
func SystemTablePath(dir, name string) string {
	return filepath.Join(dir, name)
}
