// Package ptysession implements the concurrent session manager described
// in spec.md §4.7: a map from session id to a running internal/pty
// session, fan-out subscription, and a periodic reaper that removes
// terminated sessions.
//
// Session ids are generated with github.com/google/uuid, the same
// identifier library the teacher pulls in (indirectly, via its libp2p
// stack) rather than hand-rolling a random-string generator.
package ptysession

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/moukrea/remoshell-sub001/internal/pty"
)

func signalFromUint(sig uint32) syscall.Signal {
	return syscall.Signal(sig)
}

// DefaultReapInterval is how often the background reaper scans for
// terminated sessions, per spec.md §4.7.
const DefaultReapInterval = 30 * time.Second

var (
	ErrNotFound         = errors.New("ptysession: session not found")
	ErrSpawnFailed      = errors.New("ptysession: spawn failed")
	ErrAlreadyTerminated = errors.New("ptysession: already terminated")
)

// Info is a point-in-time snapshot of one session, matching the shape
// session/manager.rs::SessionInfo returns in the original implementation.
type Info struct {
	ID          string
	PID         int
	Cols, Rows  uint16
	Running     bool
	Subscribers int
}

// entry pairs a pty.Session with the bookkeeping the manager needs
// (creator device, subscriber count) without the session itself knowing
// about the manager — spec.md §9 "no back-pointer to the manager".
type entry struct {
	session   *pty.Session
	creatorID string
	mu        sync.Mutex
	subCount  int
}

// Manager holds the concurrent session table described in spec.md §4.7.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	reapInterval time.Duration
	stopReaper   chan struct{}
	reaperDone   chan struct{}
}

// New creates a session manager and starts its background reaper.
func New(reapInterval time.Duration) *Manager {
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	m := &Manager{
		sessions:     make(map[string]*entry),
		reapInterval: reapInterval,
		stopReaper:   make(chan struct{}),
		reaperDone:   make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Create spawns a new PTY-backed shell session and registers it,
// recording creatorID (the device that asked for it), which CreatorID
// returns; internal/router does not consult it for authorization.
func (m *Manager) Create(creatorID, shell string, cols, rows uint16, env []string, cwd string) (id string, pid int, err error) {
	sess, err := pty.Spawn(shell, cols, rows, env, cwd)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	id = uuid.NewString()
	m.mu.Lock()
	m.sessions[id] = &entry{session: sess, creatorID: creatorID}
	m.mu.Unlock()

	return id, sess.PID(), nil
}

func (m *Manager) get(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// CreatorID returns the device id that created session id, for
// authorization checks that want to scope SessionKill to the creator
// (spec.md §9 Open Question — the router itself does not enforce this
// by default).
func (m *Manager) CreatorID(id string) (string, error) {
	e, err := m.get(id)
	if err != nil {
		return "", err
	}
	return e.creatorID, nil
}

// Attach returns a new output subscription for session id plus an
// unsubscribe function; fails with ErrNotFound if the session is gone
// and with the underlying pty error if it has already terminated.
func (m *Manager) Attach(id string) (<-chan pty.Chunk, func(), error) {
	e, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub, err := e.session.Subscribe()
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	e.subCount++
	e.mu.Unlock()
	wrapped := func() {
		unsub()
		e.mu.Lock()
		e.subCount--
		e.mu.Unlock()
	}
	return ch, wrapped, nil
}

// Write forwards bytes to the session's PTY master.
func (m *Manager) Write(id string, data []byte) (int, error) {
	e, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return e.session.Write(data)
}

// Resize proxies to the session's resize operation.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	return e.session.Resize(cols, rows)
}

// Kill proxies to the session's kill operation and returns its terminal
// status once reaped.
func (m *Manager) Kill(id string, sig uint32) (pty.Status, error) {
	e, err := m.get(id)
	if err != nil {
		return pty.Status{}, err
	}
	if err := e.session.Kill(signalFromUint(sig)); err != nil {
		return pty.Status{}, err
	}
	return e.session.Status(), nil
}

// Exists reports whether id is currently registered (not necessarily
// still running — it is removed only by the reaper or an explicit kill
// plus reap).
func (m *Manager) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// List returns a snapshot of every registered session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for id, e := range m.sessions {
		cols, rows := e.session.Size()
		e.mu.Lock()
		subs := e.subCount
		e.mu.Unlock()
		out = append(out, Info{
			ID:          id,
			PID:         e.session.PID(),
			Cols:        cols,
			Rows:        rows,
			Running:     e.session.Running(),
			Subscribers: subs,
		})
	}
	return out
}

// Remove drops session id from the table immediately, regardless of its
// running state. Used by Kill-then-reap call sites that want synchronous
// removal instead of waiting for the next reaper tick.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopReaper:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

// reapOnce removes every session whose process has already been
// reaped by the OS (Running() == false). Removal only drops the table
// entry: once Running() is false the PTY master is closed, so the
// session's own read loop ends and closes every subscriber channel,
// whether or not that has happened yet when the entry is removed.
func (m *Manager) reapOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.sessions {
		if !e.session.Running() {
			delete(m.sessions, id)
		}
	}
}

// Shutdown stops the reaper and terminates every still-running session,
// escalating per-session per the usual Kill grace timeout.
func (m *Manager) Shutdown() {
	close(m.stopReaper)
	<-m.reaperDone

	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if e.session.Running() {
				_ = e.session.Kill(0)
			}
		}(e)
	}
	wg.Wait()
}
