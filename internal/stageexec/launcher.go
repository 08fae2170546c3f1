package stageexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cbmeeks/machine/internal/worker"
)

// stderrTailBytes bounds how much worker stderr is kept for diagnostics.
const stderrTailBytes = 16 * 1024

// LaunchSpec describes the worker to start.
type LaunchSpec struct {
	Request worker.Request
	// Env is appended to the inherited environment. Store credentials travel
	// here and nowhere else.
	Env []string
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// Wait returns the exit status. Valid after Done is closed.
	Wait() error
	// Kill sends SIGKILL to the worker's process group.
	Kill() error
	// Stderr returns the retained tail of the worker's stderr.
	Stderr() string
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts workers by executing Path with Args followed by the
// worker request flags.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string
}

// NewExecLauncher re-executes the running binary's hidden worker subcommand.
func NewExecLauncher() (*ExecLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecLauncher{Path: exe, Args: []string{"worker"}}, nil
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	args := append(append([]string(nil), l.Args...), spec.Request.Args()...)
	cmd := exec.Command(l.Path, args...)
	cmd.Dir = spec.Request.Workdir
	cmd.Env = append(append(os.Environ(), l.Env...), spec.Env...)
	tail := newTailBuffer(stderrTailBytes)
	cmd.Stderr = tail
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	proc := &execProcess{cmd: cmd, stderr: tail, done: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}
	err    error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return errors.Join(err, killErr)
	}
	return nil
}

func (p *execProcess) Stderr() string { return p.stderr.String() }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
