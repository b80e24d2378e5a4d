// Package daemonrt holds the daemon's ambient runtime concerns: flag
// parsing, the optional YAML provider configuration file, PID/socket
// file lifecycle, and signal-driven shutdown — everything a runnable
// binary needs beyond the core lifecycle logic. Flag handling uses the
// stdlib flag package.
package daemonrt

import (
	"flag"
	"os"
	"path/filepath"
)

// Flags are the daemon's command-line parameters.
type Flags struct {
	Socket     string
	PIDFile    string
	DBPath     string
	LogDir     string
	ConfigPath string
	Force      bool
}

// ParseFlags registers and parses the daemon's flags against
// flag.CommandLine, defaulting every path under
// $HOME/.config/workd. Call once from cmd/workd/main.go.
func ParseFlags() *Flags {
	base := defaultBaseDir()
	f := &Flags{
		Socket:     filepath.Join(base, "workd.sock"),
		PIDFile:    filepath.Join(base, "workd.pid"),
		DBPath:     filepath.Join(base, "workd.db"),
		LogDir:     filepath.Join(base, "logs"),
		ConfigPath: filepath.Join(base, "config.yaml"),
	}

	flag.StringVar(&f.Socket, "socket", f.Socket, "unix domain socket path")
	flag.StringVar(&f.PIDFile, "pid-file", f.PIDFile, "pid file path")
	flag.StringVar(&f.DBPath, "db-path", f.DBPath, "path to sqlite database file")
	flag.StringVar(&f.LogDir, "log-dir", f.LogDir, "lifecycle log directory")
	flag.StringVar(&f.ConfigPath, "config", f.ConfigPath, "path to provider config YAML (optional)")
	flag.BoolVar(&f.Force, "force", false, "remove stale pid/socket files before starting")
	flag.Parse()

	return f
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "workd")
}
