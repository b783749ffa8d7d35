package tor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// DaemonConfig is the curated subset of torrc settings the façade launches
// the daemon with.
type DaemonConfig struct {
	BinaryPath  string
	SocksPort   int
	ControlPort int
	DataDir     string
}

// Daemon manages a tor subprocess's lifecycle.
type Daemon struct {
	cmd *exec.Cmd
}

// Launch starts tor as a child process with cfg's settings passed as
// command-line torrc overrides.
func Launch(cfg DaemonConfig) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("tor: create data dir: %w", err)
	}
	binary := cfg.BinaryPath
	if binary == "" {
		binary = "tor"
	}

	cmd := exec.Command(binary,
		"--SocksPort", strconv.Itoa(cfg.SocksPort),
		"--ControlPort", strconv.Itoa(cfg.ControlPort),
		"--DataDirectory", cfg.DataDir,
		"--CookieAuthentication", "0",
		"--Log", "notice stdout",
	)
	cmd.Dir = filepath.Dir(cfg.DataDir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tor: launch daemon: %w", err)
	}
	return &Daemon{cmd: cmd}, nil
}

// Kill terminates the daemon process.
func (d *Daemon) Kill() error {
	if d.cmd == nil || d.cmd.Process == nil {
		return nil
	}
	return d.cmd.Process.Kill()
}

// Wait releases the process's resources once it has exited. Callers should
// invoke this after Kill in a non-blocking goroutine if they don't need
// the exit status.
func (d *Daemon) Wait() error {
	if d.cmd == nil {
		return nil
	}
	return d.cmd.Wait()
}
