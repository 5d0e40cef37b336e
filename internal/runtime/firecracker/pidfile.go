package firecracker

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/octolab/octolab/internal/logging"
)

const killGrace = 5 * time.Second

// writePIDFile records the hypervisor pid in the lab's state dir.
func writePIDFile(stateDir string, pid int) error {
	return os.WriteFile(filepath.Join(stateDir, "pid"), []byte(strconv.Itoa(pid)), 0o600)
}

// readPIDFile returns the recorded pid, or 0 when no pid file exists.
func readPIDFile(stateDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, "pid"))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file holds %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// procCmdline reads /proc/<pid>/cmdline with NULs turned into spaces.
// Empty result means the process is gone.
func procCmdline(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	return string(bytes.ReplaceAll(data, []byte{0}, []byte{' '}))
}

// cmdlineMatchesVM reports whether a command line is a firecracker
// invocation for this lab's API socket. Pid reuse after a crash must never
// lead to signalling an unrelated process.
func cmdlineMatchesVM(cmdline, apiSocket string) bool {
	return strings.Contains(cmdline, "firecracker") && strings.Contains(cmdline, apiSocket)
}

// terminateVM kills the lab's hypervisor if, and only if, the pid file
// still points at a firecracker process for this lab. The pid file is
// re-read immediately before signalling. SIGTERM first, SIGKILL after the
// grace period. Missing pid file or dead process is success.
func terminateVM(stateDir, apiSocket string) error {
	pid, err := readPIDFile(stateDir)
	if err != nil {
		return err
	}
	if pid == 0 {
		return nil
	}

	cmdline := procCmdline(pid)
	if cmdline == "" {
		// Process already gone; drop the stale pid file.
		return os.Remove(filepath.Join(stateDir, "pid"))
	}
	if !cmdlineMatchesVM(cmdline, apiSocket) {
		logging.Op().Warn("pid file points at foreign process, refusing to signal", "pid", pid)
		return os.Remove(filepath.Join(stateDir, "pid"))
	}

	// Negative pid signals the whole process group; firecracker is started
	// in its own session.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("signal firecracker pid %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if procCmdline(pid) == "" {
			return os.Remove(filepath.Join(stateDir, "pid"))
		}
		time.Sleep(100 * time.Millisecond)
	}

	if procCmdline(pid) != "" {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	return os.Remove(filepath.Join(stateDir, "pid"))
}
