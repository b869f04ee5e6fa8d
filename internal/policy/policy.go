// Package policy implements incrond's allow/deny gate on which principals
// may own a user table: an allow file, if present, wins outright;
// otherwise a deny file, if present, excludes; otherwise every
// principal is permitted.
package policy

import (
	"bufio"
	"os"
	"strings"
)

// Policy holds the parsed contents of /etc/incron.allow or
// /etc/incron.deny, whichever is in effect.
type Policy struct {
	allow    map[string]bool
	deny     map[string]bool
	hasAllow bool
	hasDeny  bool
}

// Load reads allowPath and denyPath, mirroring
// original_source/incrontab.cpp's CheckUser: allowPath wins if it exists
// at all, even empty (an empty allow file permits nobody); otherwise
// denyPath is consulted; a missing file of either kind is not an error.
func Load(allowPath, denyPath string) (*Policy, error) {
	p := &Policy{}

	users, err := readUserList(allowPath)
	if err != nil {
		return nil, err
	}
	if users != nil {
		p.hasAllow = true
		p.allow = users
		return p, nil
	}

	users, err = readUserList(denyPath)
	if err != nil {
		return nil, err
	}
	if users != nil {
		p.hasDeny = true
		p.deny = users
	}
	return p, nil
}

// readUserList returns nil, nil if path does not exist, and a (possibly
// empty) set of usernames otherwise.
func readUserList(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	set := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		set[fields[0]] = true
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// Allowed reports whether user may own a user table under this policy.
func (p *Policy) Allowed(user string) bool {
	if p == nil {
		return true
	}
	if p.hasAllow {
		return p.allow[user]
	}
	if p.hasDeny {
		return !p.deny[user]
	}
	return true
}
