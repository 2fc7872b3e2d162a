// Package process runs job commands as local child processes.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/scheduler"
)

// Config controls how child processes are started and stopped.
type Config struct {
	KillGrace      time.Duration `yaml:"kill_grace"`       // SIGTERM to SIGKILL delay
	MaxOutputBytes int           `yaml:"max_output_bytes"` // per stream, in the final result
	InheritEnv     bool          `yaml:"inherit_env"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		KillGrace:      5 * time.Second,
		MaxOutputBytes: 64 * 1024,
		InheritEnv:     true,
	}
}

// Runner implements scheduler.Runner with os/exec.
type Runner struct {
	cfg Config
}

var _ scheduler.Runner = (*Runner)(nil)

// NewRunner creates a Runner. Zero fields take the defaults.
func NewRunner(cfg Config) *Runner {
	d := DefaultConfig()
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = d.KillGrace
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = d.MaxOutputBytes
	}
	return &Runner{cfg: cfg}
}

// Run starts cmd and streams each output line to onOutput. When ctx ends the
// process gets SIGTERM and, after the grace period, SIGKILL. A deadline
// reports TimedOut with a nil error; any other cancellation returns ctx.Err().
// A non-zero exit is not an error here; callers inspect ExitCode.
func (r *Runner) Run(ctx context.Context, cmd domain.Command, onOutput scheduler.OutputFunc) (domain.ExecResult, error) {
	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = r.environ(cmd.Env)
	c.Cancel = func() error { return c.Process.Signal(syscall.SIGTERM) }
	c.WaitDelay = r.cfg.KillGrace

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	c.Stdout = stdoutW
	c.Stderr = stderrW

	var (
		outBuf strings.Builder
		errBuf strings.Builder
		mu     sync.Mutex
		wg     sync.WaitGroup
	)
	read := func(isError bool, rd io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			if isError {
				appendLimited(&errBuf, line, r.cfg.MaxOutputBytes)
			} else {
				appendLimited(&outBuf, line, r.cfg.MaxOutputBytes)
			}
			mu.Unlock()
			if onOutput != nil {
				onOutput(line, isError)
			}
		}
		// Keep the writer side unblocked after an oversized line.
		_, _ = io.Copy(io.Discard, rd)
	}

	wg.Add(2)
	go read(false, stdoutR)
	go read(true, stderrR)

	slog.Debug("Starting process", "command", cmd.String(), "dir", cmd.Dir)
	waitErr := c.Start()
	if waitErr == nil {
		waitErr = c.Wait()
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()
	wg.Wait()

	mu.Lock()
	res := domain.ExecResult{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		ExitCode: -1,
	}
	mu.Unlock()
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	if c.Process == nil {
		return res, fmt.Errorf("start %s: %w", cmd.Program, waitErr)
	}
	if ctx.Err() != nil && (c.ProcessState == nil || !c.ProcessState.Success()) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			return res, nil
		}
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, fmt.Errorf("wait %s: %w", cmd.Program, waitErr)
	}
	return res, nil
}

func (r *Runner) environ(extra map[string]string) []string {
	env := make([]string, 0, len(extra))
	if r.cfg.InheritEnv {
		env = append(env, os.Environ()...)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string, maxKeep int) {
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	remain := maxKeep - b.Len()
	if len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}
