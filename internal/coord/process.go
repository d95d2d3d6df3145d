package coord

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProcessConfig describes how to spawn the worker.
type ProcessConfig struct {
	Bin  string
	Args []string
	Env  []string
	// StopTimeout is how long Close waits after SIGTERM before killing.
	StopTimeout time.Duration
}

// WorkerProcess is a spawned worker speaking the line protocol on its
// stdin/stdout. Stderr is kept as a bounded tail for diagnostics.
type WorkerProcess struct {
	*LineTransport
	cmd    *exec.Cmd
	stderr *tailBuffer
	stop   time.Duration
	exited chan struct{}
	log    zerolog.Logger

	mu      sync.Mutex
	waitErr error
	closed  sync.Once
}

// StartWorker spawns cfg.Bin and wires its pipes into a LineTransport.
func StartWorker(ctx context.Context, cfg ProcessConfig) (*WorkerProcess, error) {
	if cfg.Bin == "" {
		return nil, errors.New("worker binary is empty")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	cmd := exec.CommandContext(ctx, cfg.Bin, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	tail := newTailBuffer(4096)
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	p := &WorkerProcess{
		LineTransport: NewLineTransport(stdout, stdin),
		cmd:           cmd,
		stderr:        tail,
		stop:          cfg.StopTimeout,
		exited:        make(chan struct{}),
		log:           log.With().Str("component", "worker_process").Int("pid", cmd.Process.Pid).Logger(),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
		if err != nil {
			p.log.Warn().Err(err).Str("stderr_tail", tail.String()).Msg("worker exited")
		} else {
			p.log.Info().Msg("worker exited")
		}
	}()
	p.log.Info().Str("bin", cfg.Bin).Msg("worker started")
	return p, nil
}

// PID of the worker process.
func (p *WorkerProcess) PID() int { return p.cmd.Process.Pid }

// Exited is closed once the process has been reaped.
func (p *WorkerProcess) Exited() <-chan struct{} { return p.exited }

// ExitErr is the process wait error, valid after Exited is closed.
func (p *WorkerProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// StderrTail returns the last bytes the worker wrote to stderr.
func (p *WorkerProcess) StderrTail() string { return p.stderr.String() }

// Close closes stdin, then sends SIGTERM and falls back to kill after the
// stop timeout.
func (p *WorkerProcess) Close() error {
	var err error
	p.closed.Do(func() {
		err = p.LineTransport.Close()
		select {
		case <-p.exited:
			return
		case <-time.After(100 * time.Millisecond):
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(p.stop):
			p.log.Warn().Dur("timeout", p.stop).Msg("worker ignored SIGTERM; killing")
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	})
	return err
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
