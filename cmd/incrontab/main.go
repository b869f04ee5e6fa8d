// Command incrontab manipulates one principal's rule table: list,
// remove, edit, import, or print the recognized symbolic event names.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"sort"

	"github.com/spf13/cobra"

	"github.com/relvacode/incrond/internal/config"
	"github.com/relvacode/incrond/internal/table"
)

func main() {
	var (
		list       bool
		remove     bool
		edit       bool
		types      bool
		reload     bool
		asUser     string
		configPath string
	)

	root := &cobra.Command{
		Use:          "incrontab [file]",
		Short:        "manipulate a user's inotify cron table",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := resolvePrincipal(asUser)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config %q: %w", configPath, err)
			}
			tablePath := table.UserTablePath(cfg.GetString("user_table_dir", "/var/spool/incron"), principal)

			switch {
			case types:
				printTypes()
				return nil
			case list:
				return runList(tablePath)
			case remove:
				return runRemove(tablePath)
			case edit:
				return runEdit(tablePath, cfg)
			case reload:
				fmt.Println("table reload is driven by the daemon watching", tablePath, "directly; nothing to do here")
				return nil
			case len(args) == 1:
				return runImport(tablePath, args[0])
			default:
				return cmd.Help()
			}
		},
	}

	root.Flags().BoolVarP(&list, "list", "l", false, "list the current table")
	root.Flags().BoolVarP(&remove, "remove", "r", false, "remove the current table")
	root.Flags().BoolVarP(&edit, "edit", "e", false, "edit the current table")
	root.Flags().BoolVarP(&types, "types", "t", false, "print the recognized symbolic event names")
	root.Flags().BoolVarP(&reload, "reload", "d", false, "print a note: the daemon reloads this table itself when it changes")
	root.Flags().StringVarP(&asUser, "user", "u", "", "act on behalf of this user (root only)")
	root.Flags().StringVarP(&configPath, "config", "f", "/etc/incron.conf", "configuration file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "incrontab:", err)
		os.Exit(1)
	}
}

// resolvePrincipal implements the -u/--user override, which is
// restricted to root
func resolvePrincipal(asUser string) (string, error) {
	if asUser == "" {
		u, err := user.Current()
		if err != nil {
			return "", fmt.Errorf("resolve current user: %w", err)
		}
		return u.Username, nil
	}
	if os.Geteuid() != 0 {
		return "", fmt.Errorf("-u/--user requires root")
	}
	return asUser, nil
}

func runList(tablePath string) error {
	data, err := os.ReadFile(tablePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runRemove(tablePath string) error {
	if err := os.Remove(tablePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func runImport(tablePath, src string) error {
	var r io.Reader
	if src == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return os.WriteFile(tablePath, data, 0o600)
}

// runEdit opens tablePath in the resolved editor, in a temp copy, then
// validates and installs it, mirroring incrontab -e's edit-a-copy-then-
// replace workflow.
func runEdit(tablePath string, cfg *config.Config) error {
	tmp, err := os.CreateTemp("", "incrontab-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if existing, err := os.ReadFile(tablePath); err == nil {
		if _, err := tmp.Write(existing); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	editor := cfg.Editor()
	cmd := exec.Command(editor, tmpPath)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run editor %q: %w", editor, err)
	}

	// Validate every surviving line before installing it, so a typo
	// never silently becomes a dropped rule only the daemon log notices.
	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if _, err := table.ParseRule(line); err != nil {
			f.Close()
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	f.Close()
	if err := sc.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return err
	}
	return os.WriteFile(tablePath, data, 0o600)
}

// printTypes prints the symbolic mask names incrontab.cpp's event-name
// listing exposes supplemented feature.
func printTypes() {
	names := []string{
		"IN_ACCESS", "IN_MODIFY", "IN_ATTRIB", "IN_CLOSE_WRITE",
		"IN_CLOSE_NOWRITE", "IN_OPEN", "IN_MOVED_FROM", "IN_MOVED_TO",
		"IN_CREATE", "IN_DELETE", "IN_DELETE_SELF", "IN_UNMOUNT",
		"IN_Q_OVERFLOW", "IN_IGNORED", "IN_CLOSE", "IN_MOVE", "IN_ISDIR",
		"IN_ONESHOT", "IN_ALL_EVENTS",
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Println(n)
	}
}
