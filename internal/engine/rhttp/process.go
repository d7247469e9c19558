package rhttp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// startedProcess is an engine server launched by autostart. It runs in its own
// process group so terminate reaches any workers it forks.
type startedProcess struct {
	PID    int
	cmd    *exec.Cmd
	waitCh <-chan error

	terminateOnce sync.Once
	terminateErr  error
}

// launch starts the autostart command with extraEnv appended to the current
// environment. Output goes to LogPath when set and is discarded otherwise.
func (a AutostartConfig) launch(extraEnv ...string) (*startedProcess, error) {
	parts := trimNonEmpty(a.Command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	out, err := a.openLog()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Env = append(cmd.Env, a.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("%s: %w", strings.Join(parts, " "), err)
	}

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = out.Close()
		waitCh <- err
		close(waitCh)
	}()
	return &startedProcess{PID: cmd.Process.Pid, cmd: cmd, waitCh: waitCh}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// openLog opens LogPath for appending, creating its directory. An unusable
// log path fails the launch rather than silently losing engine output.
func (a AutostartConfig) openLog() (io.WriteCloser, error) {
	path := strings.TrimSpace(a.LogPath)
	if path == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("engine log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("engine log: %w", err)
	}
	return f, nil
}

// exited reports whether the process has already been reaped.
func (p *startedProcess) exited() bool {
	if p == nil {
		return true
	}
	select {
	case <-p.waitCh:
		return true
	default:
	}
	return !pidAlive(p.PID)
}

func (p *startedProcess) terminate(grace time.Duration) error {
	if p == nil {
		return nil
	}
	p.terminateOnce.Do(func() {
		if p.cmd == nil || p.cmd.Process == nil {
			return
		}
		if err := signalGroup(p.cmd, syscall.SIGTERM); err != nil {
			p.terminateErr = err
			return
		}
		if grace <= 0 {
			grace = 250 * time.Millisecond
		}
		select {
		case <-p.waitCh:
			return
		case <-time.After(grace):
		}
		if err := signalGroup(p.cmd, syscall.SIGKILL); err != nil {
			p.terminateErr = err
			return
		}
		select {
		case <-p.waitCh:
		case <-time.After(2 * time.Second):
			p.terminateErr = fmt.Errorf("timed out waiting for engine process %d to exit after SIGKILL", p.PID)
		}
	})
	return p.terminateErr
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// pidAlive reports whether pid exists and is not a zombie.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat")); err == nil {
		line := string(b)
		if i := strings.LastIndexByte(line, ')'); i >= 0 && i+2 < len(line) {
			if st := line[i+2]; st == 'Z' || st == 'X' {
				return false
			}
		}
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
