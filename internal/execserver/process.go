package execserver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
)

const chunkSize = 32 * 1024

type process struct {
	id    string
	owner *session
	cmd   *exec.Cmd

	stdinMu sync.Mutex
	stdin   io.WriteCloser
}

func (p *process) writeStdin(data string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()

	if _, err := io.WriteString(p.stdin, data+"\n"); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}

	return nil
}

// kill terminates the whole process group so shell children die too.
func (p *process) kill() error {
	if p.cmd.Process == nil {
		return nil
	}

	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return p.cmd.Process.Kill()
	}

	return nil
}

type processTable struct {
	mu    sync.Mutex
	procs map[string]*process
}

func newProcessTable() *processTable {
	return &processTable{procs: make(map[string]*process)}
}

func (t *processTable) add(p *process) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.procs[p.id]; exists {
		return fmt.Errorf("%w: requestId %s already running", domain.ErrProtocolViolation, p.id)
	}
	t.procs[p.id] = p
	return nil
}

func (t *processTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, id)
}

// owned returns the process only when it belongs to owner.
func (t *processTable) owned(id string, owner *session) (*process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[id]
	if !ok || p.owner != owner {
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, id)
	}

	return p, nil
}

func (t *processTable) ownedBy(owner *session) []*process {
	t.mu.Lock()
	defer t.mu.Unlock()

	procs := make([]*process, 0, len(t.procs))
	for _, p := range t.procs {
		if p.owner == owner {
			procs = append(procs, p)
		}
	}

	return procs
}

func (t *processTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

func sysProcAttr(u User) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if os.Geteuid() == 0 && u.UID != os.Geteuid() {
		attr.Credential = &syscall.Credential{Uid: uint32(u.UID), Gid: uint32(u.GID)}
	}

	return attr
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}

	return state.ExitCode()
}

// pipeChunks forwards reads from r to emit until EOF. A UTF-8 sequence split
// across reads is held back until it is complete, so chunks survive the JSON
// string encoding intact.
func pipeChunks(r io.Reader, emit func(string)) {
	buf := make([]byte, chunkSize)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			cut := len(data) - partialRuneLen(data)
			if cut > 0 {
				emit(string(data[:cut]))
			}
			pending = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if len(pending) > 0 {
				emit(string(pending))
			}
			return
		}
	}
}

// partialRuneLen returns how many trailing bytes of b begin a UTF-8 sequence
// that is not complete yet.
func partialRuneLen(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		tail := b[len(b)-i:]
		if !utf8.RuneStart(tail[0]) {
			continue
		}
		if utf8.FullRune(tail) {
			return 0
		}
		return i
	}

	return 0
}
