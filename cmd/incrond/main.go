// Command incrond is the inotify cron daemon: it loads system and user
// rule tables, watches the paths they name, and spawns the configured
// commands under the correct principal when a watched path changes.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relvacode/incrond/internal/config"
	"github.com/relvacode/incrond/internal/dispatcher"
	"github.com/relvacode/incrond/internal/metrics"
	"github.com/relvacode/incrond/internal/pidfile"
	"github.com/relvacode/incrond/internal/policy"
)

const (
	detachEnvVar  = "INCROND_DETACHED"
	daemonVersion = "1.0.0"
)

func main() {
	var (
		foreground  bool
		kill        bool
		configPath  string
		metricsAddr string
		about       bool
		version     bool
	)

	log := logrus.New()

	root := &cobra.Command{
		Use:   "incrond",
		Short: "inotify cron daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case version:
				fmt.Println(daemonVersion)
				return nil
			case about:
				fmt.Println("incrond - inotify cron daemon")
				return nil
			case kill:
				return runKill(configPath, log)
			default:
				return runDaemon(configPath, foreground, metricsAddr, log)
			}
		},
		SilenceUsage: true,
	}

	root.Flags().BoolVarP(&foreground, "foreground", "n", false, "do not detach from the controlling terminal")
	root.Flags().BoolVarP(&kill, "kill", "k", false, "read the lockfile and send SIGTERM to the recorded pid")
	root.Flags().StringVarP(&configPath, "config", "f", "/etc/incron.conf", "configuration file path")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9102")
	root.Flags().BoolVarP(&about, "about", "?", false, "print information about this program and exit")
	root.Flags().BoolVarP(&version, "version", "V", false, "print version and exit")

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("incrond exiting")
		os.Exit(1)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	return cfg, nil
}

func lockFilePath(cfg *config.Config) string {
	dir := cfg.GetString("lockfile_dir", "/var/run")
	name := cfg.GetString("lockfile_name", "incrond")
	return filepath.Join(dir, name+".pid")
}

func runKill(configPath string, log *logrus.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	pf := pidfile.New(lockFilePath(cfg))
	exists, err := pf.Exists()
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no running instance found")
	}
	data, err := os.ReadFile(lockFilePath(cfg))
	if err != nil {
		return err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return fmt.Errorf("malformed pidfile: %w", err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	log.WithField("pid", pid).Info("sent SIGTERM")
	return nil
}

func runDaemon(configPath string, foreground bool, metricsAddr string, log *logrus.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if !foreground && os.Getenv(detachEnvVar) == "" {
		return detach()
	}

	pf := pidfile.New(lockFilePath(cfg))
	locked, err := pf.Lock()
	if err != nil {
		return fmt.Errorf("acquire pidfile: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is already running (%s)", lockFilePath(cfg))
	}
	defer pf.Unlock()

	pol, err := policy.Load(cfg.GetString("allowed_users", "/etc/incron.allow"), cfg.GetString("denied_users", "/etc/incron.deny"))
	if err != nil {
		return fmt.Errorf("load allow/deny policy: %w", err)
	}

	entry := log.WithField("component", "incrond")

	d, err := dispatcher.New(cfg.GetString("system_table_dir", "/etc/incron.d"), cfg.GetString("user_table_dir", "/var/spool/incron"), pol, entry)
	if err != nil {
		return fmt.Errorf("construct dispatcher: %w", err)
	}
	d.LoadAll()

	if metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(metricsAddr, metrics.Handler()); err != nil {
				entry.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGCHLD:
				d.SelfPipeNotify()
			case syscall.SIGINT, syscall.SIGTERM:
				d.RequestShutdown()
				d.SelfPipeNotify() // wake the blocked poll so the shutdown flag is seen promptly
			}
		}
	}()

	entry.Info("incrond starting")
	return d.Run()
}

// detach re-execs the current binary with the detach sentinel set and a
// new session, then returns so the parent exits immediately. This is
// the default (non-foreground) behavior.
func detach() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	attr := &os.ProcAttr{
		Env:   append(os.Environ(), detachEnvVar+"=1"),
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	proc, err := os.StartProcess(exe, os.Args, attr)
	if err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	_ = proc.Release()
	return nil
}
