package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type ProcessState int

const (
	ProcessPending ProcessState = iota
	ProcessRunning
	ProcessExited
	ProcessFailed
)

func (s ProcessState) String() string {
	switch s {
	case ProcessPending:
		return "pending"
	case ProcessRunning:
		return "running"
	case ProcessExited:
		return "exited"
	case ProcessFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ProcessState) Terminal() bool {
	return s == ProcessExited || s == ProcessFailed
}

// ProcessControl is implemented by whatever transport owns the process.
type ProcessControl interface {
	WriteStdin(requestID string, data string) error
	Kill(requestID string) error
}

// ProcessHandle is one spawned process as seen by the caller. Output arrives
// on Stdout and Stderr, both of which close once the process settles. Exactly
// one terminal result is recorded: an exit code or an error.
type ProcessHandle struct {
	id      string
	control ProcessControl
	stdout  *chunkStream
	stderr  *chunkStream
	done    chan struct{}

	mu       sync.Mutex
	state    ProcessState
	exitCode int
	err      error
}

func NewProcessHandle(requestID string, control ProcessControl) *ProcessHandle {
	return &ProcessHandle{
		id:      requestID,
		control: control,
		stdout:  newChunkStream(),
		stderr:  newChunkStream(),
		done:    make(chan struct{}),
	}
}

func (p *ProcessHandle) ID() string {
	return p.id
}

func (p *ProcessHandle) Stdout() <-chan string {
	return p.stdout.out
}

func (p *ProcessHandle) Stderr() <-chan string {
	return p.stderr.out
}

// Done is closed once the terminal result is recorded.
func (p *ProcessHandle) Done() <-chan struct{} {
	return p.done
}

func (p *ProcessHandle) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the terminal outcome. It is only meaningful after Done is closed.
func (p *ProcessHandle) Result() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.err
}

func (p *ProcessHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *ProcessHandle) WriteStdin(data string) error {
	if p.State().Terminal() {
		return ErrProcessNotFound
	}

	return p.control.WriteStdin(p.id, data)
}

func (p *ProcessHandle) Kill() error {
	if p.State().Terminal() {
		return nil
	}

	return p.control.Kill(p.id)
}

func (p *ProcessHandle) MarkRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProcessPending {
		p.state = ProcessRunning
	}
}

func (p *ProcessHandle) PushStdout(chunk string) {
	p.MarkRunning()
	p.stdout.push(chunk)
}

func (p *ProcessHandle) PushStderr(chunk string) {
	p.MarkRunning()
	p.stderr.push(chunk)
}

// Exit records a normal exit. Later calls to Exit or Fail are ignored.
func (p *ProcessHandle) Exit(code int) bool {
	return p.settle(ProcessExited, code, nil)
}

func (p *ProcessHandle) Fail(err error) bool {
	return p.settle(ProcessFailed, -1, err)
}

func (p *ProcessHandle) settle(state ProcessState, code int, err error) bool {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return false
	}
	p.state = state
	p.exitCode = code
	p.err = err
	p.mu.Unlock()

	p.stdout.close()
	p.stderr.close()
	close(p.done)
	return true
}

// chunkStream is an unbounded queue in front of an unbuffered channel, so
// producers never block on a slow consumer. Chunk order is preserved.
type chunkStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []string
	closed bool
	out    chan string
}

func newChunkStream() *chunkStream {
	s := &chunkStream{out: make(chan string)}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *chunkStream) push(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, chunk)
	s.cond.Signal()
}

func (s *chunkStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Signal()
}

func (s *chunkStream) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- chunk
	}
}

// Collect drains both output streams until the process settles and returns
// the aggregated result.
func Collect(ctx context.Context, handle *ProcessHandle) (ExecResult, error) {
	var (
		wg             sync.WaitGroup
		stdout, stderr []byte
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for chunk := range handle.Stdout() {
			stdout = append(stdout, chunk...)
		}
	}()
	go func() {
		defer wg.Done()
		for chunk := range handle.Stderr() {
			stderr = append(stderr, chunk...)
		}
	}()

	select {
	case <-handle.Done():
	case <-ctx.Done():
		return ExecResult{ExitCode: -1}, ctx.Err()
	}
	wg.Wait()

	code, err := handle.Result()
	return ExecResult{Stdout: string(stdout), Stderr: string(stderr), ExitCode: code}, err
}

// Await is Collect bounded by timeout. A process still running at the
// deadline is killed and ErrExecTimeout returned.
func Await(ctx context.Context, handle *ProcessHandle, timeout time.Duration) (ExecResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := Collect(waitCtx, handle)
	if err == nil || !errors.Is(err, waitCtx.Err()) {
		return result, err
	}

	if killErr := handle.Kill(); killErr != nil {
		err = fmt.Errorf("%w (kill: %v)", err, killErr)
	}
	if ctx.Err() != nil {
		return result, err
	}

	return result, fmt.Errorf("%w after %s", ErrExecTimeout, timeout)
}
