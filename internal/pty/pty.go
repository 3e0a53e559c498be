// Package pty implements a single PTY-backed shell session as described
// in spec.md §4.6: spawn, write, resize, kill, and a broadcast of output
// to any number of subscribers.
//
// The spawn path is grounded on the egg-server reference's use of
// github.com/creack/pty (pty.StartWithSize / pty.Setsize); the broadcast
// fan-out with lag-drop semantics follows the same non-blocking-send
// pattern the teacher uses for its lease/session broadcast hooks
// (portal/lease.go's callback-on-change, generalized here to many
// concurrent readers instead of one callback).
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	readChunkSize = 32 * 1024

	// SubscriberBufferSize bounds how many unread chunks a subscriber may
	// lag behind before it is dropped.
	SubscriberBufferSize = 1024

	killGraceTimeout = 2 * time.Second
)

var (
	ErrPTYOpenFailed        = errors.New("pty: open failed")
	ErrWriteWhenTerminated  = errors.New("pty: write when terminated")
	ErrResizeWhenTerminated = errors.New("pty: resize when terminated")
	ErrAlreadyTerminated    = errors.New("pty: already terminated")
)

// Status describes the terminal state of a Session after it exits.
type Status struct {
	Exited   bool
	Signaled bool
	Code     int
	Signal   string
}

// Chunk is one slice of PTY output delivered to subscribers.
type Chunk struct {
	Data []byte
	Err  error // non-nil exactly once, on the final chunk delivered before close
}

// Session wraps one spawned shell process attached to a PTY master.
type Session struct {
	mu sync.Mutex // guards everything below; this session's own fine-grained lock (spec.md §4.7)

	cmd  *exec.Cmd
	ptmx *os.File

	cols, rows uint16
	running    bool
	status     Status

	subscribers map[int]chan Chunk
	nextSubID   int

	done chan struct{}
}

// Spawn starts shell (or the user's default shell if empty) attached to a
// new PTY with the given initial size, environment, and working
// directory, and starts the background read loop that fans output out to
// subscribers.
func Spawn(shell string, cols, rows uint16, env []string, cwd string) (*Session, error) {
	if shell == "" {
		shell = defaultShell()
	}
	cmd := exec.Command(shell)
	if len(env) > 0 {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPTYOpenFailed, err)
	}

	s := &Session{
		cmd:         cmd,
		ptmx:        ptmx,
		cols:        cols,
		rows:        rows,
		running:     true,
		subscribers: make(map[int]chan Chunk),
		done:        make(chan struct{}),
	}

	go s.readLoop()
	go s.waitLoop()

	return s, nil
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// PID returns the child process id.
func (s *Session) PID() int {
	return s.cmd.Process.Pid
}

// Size returns the last recorded terminal size.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Running reports whether the process has not yet been reaped.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the terminal status recorded at reap time; valid only
// once Running() is false.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.broadcast(Chunk{Data: chunk})
		}
		if err != nil {
			s.broadcast(Chunk{Err: err})
			s.closeSubscribers()
			return
		}
	}
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	s.ptmx.Close()

	s.mu.Lock()
	s.running = false
	s.status = statusFromWaitError(err)
	s.mu.Unlock()

	close(s.done)
}

func statusFromWaitError(err error) Status {
	if err == nil {
		return Status{Exited: true, Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return Status{Signaled: true, Signal: ws.Signal().String()}
			}
			return Status{Exited: true, Code: ws.ExitStatus()}
		}
		return Status{Exited: true, Code: exitErr.ExitCode()}
	}
	return Status{Exited: true, Code: -1}
}

// broadcast delivers chunk to every subscriber without blocking on any
// one of them: a subscriber whose buffer is full is dropped rather than
// letting it stall the rest (spec.md §4.6/§5 lag policy).
func (s *Session) broadcast(chunk Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- chunk:
		default:
			close(ch)
			delete(s.subscribers, id)
		}
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Subscribe registers a new output subscriber and returns a channel of
// chunks plus an unsubscribe function. Fails if the session has already
// terminated.
func (s *Session) Subscribe() (<-chan Chunk, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, nil, ErrAlreadyTerminated
	}
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Chunk, SubscriberBufferSize)
	s.subscribers[id] = ch
	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			close(existing)
			delete(s.subscribers, id)
		}
	}
	return ch, unsubscribe, nil
}

// Write forwards bytes verbatim to the PTY master.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return 0, ErrWriteWhenTerminated
	}
	return s.ptmx.Write(data)
}

// Resize issues the platform resize syscall and updates the recorded
// size.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrResizeWhenTerminated
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("pty: resize: %w", err)
	}
	s.cols, s.rows = cols, rows
	return nil
}

// Kill sends sig (SIGTERM if zero) to the process group, waits up to
// killGraceTimeout for reap, and escalates to SIGKILL if the process has
// not exited by then.
func (s *Session) Kill(sig syscall.Signal) error {
	s.mu.Lock()
	running := s.running
	pid := s.cmd.Process.Pid
	s.mu.Unlock()
	if !running {
		return ErrAlreadyTerminated
	}
	if sig == 0 {
		sig = syscall.SIGTERM
	}

	_ = syscall.Kill(-pid, sig)

	select {
	case <-s.done:
		return nil
	case <-time.After(killGraceTimeout):
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	<-s.done
	return nil
}

// Wait blocks until the session has been reaped.
func (s *Session) Wait() {
	<-s.done
}
