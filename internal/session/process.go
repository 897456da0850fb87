package session

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Process is the narrow interface between the session state machine and the
// OS-specific pseudo-terminal plumbing. The security layers and the state
// machine are portable and testable against a fake implementation.
type Process interface {
	// Start spawns argv attached to a pseudo-terminal of the given size.
	Start(argv []string, dir string, env []string, rows, cols uint16) error

	// Read reads output from the terminal; blocks until data or error.
	Read(p []byte) (int, error)

	// Write writes input bytes to the terminal.
	Write(p []byte) (int, error)

	// Resize changes the terminal window size.
	Resize(rows, cols uint16) error

	// Signal delivers sig to the process group.
	Signal(sig os.Signal) error

	// Pid returns the child process id, or 0 before Start.
	Pid() int

	// Wait blocks until the child exits.
	Wait() error

	// Close releases the terminal; unblocks pending reads.
	Close() error
}

// ProcessFactory creates a Process for a new session. Tests substitute a fake.
type ProcessFactory func() Process

// NewPTYProcess is the default factory: a child process attached to a real
// pseudo-terminal pair.
func NewPTYProcess() Process {
	return &ptyProcess{}
}

type ptyProcess struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File
}

func (p *ptyProcess) Start(argv []string, dir string, env []string, rows, cols uint16) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.ptmx = ptmx
	p.mu.Unlock()

	return nil
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	p.mu.Lock()
	ptmx := p.ptmx
	p.mu.Unlock()
	if ptmx == nil {
		return 0, os.ErrClosed
	}
	return ptmx.Read(b)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	ptmx := p.ptmx
	p.mu.Unlock()
	if ptmx == nil {
		return 0, os.ErrClosed
	}
	return ptmx.Write(b)
}

func (p *ptyProcess) Resize(rows, cols uint16) error {
	p.mu.Lock()
	ptmx := p.ptmx
	p.mu.Unlock()
	if ptmx == nil {
		return os.ErrClosed
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *ptyProcess) Signal(sig os.Signal) error {
	pid := p.Pid()
	if pid == 0 {
		return os.ErrProcessDone
	}

	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}

	// The child is the session leader of its own process group (pty start
	// uses setsid), so -pid reaches it and its descendants.
	if err := syscall.Kill(-pid, sysSig); err != nil {
		return syscall.Kill(pid, sysSig)
	}
	return nil
}

func (p *ptyProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return os.ErrProcessDone
	}
	return cmd.Wait()
}

func (p *ptyProcess) Close() error {
	p.mu.Lock()
	ptmx := p.ptmx
	p.ptmx = nil
	p.mu.Unlock()
	if ptmx == nil {
		return nil
	}
	return ptmx.Close()
}
