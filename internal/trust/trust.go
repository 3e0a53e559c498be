// Package trust implements the persisted device trust store described in
// spec.md §3 / §4.9: a set of trusted, pending, and revoked devices,
// saved to a JSON file via the atomic write-then-rename pattern used
// throughout the teacher for crash-consistent state
// (cmd/relay-server/admin.go's SaveSettings/LoadSettings), generalized
// from a single approved-set boolean to the fuller entry shape spec.md
// requires (display name, first-approved/last-seen times, allow-paths).
//
// The in-memory shape itself — a coarse mutex guarding plain maps keyed
// by device id — follows manager.ApproveManager's
// approvedLeases/deniedLeases pattern.
package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moukrea/remoshell-sub001/internal/identity"
)

var (
	ErrNotTrusted    = errors.New("trust: device not trusted")
	ErrRevoked       = errors.New("trust: device revoked")
	ErrUnknownDevice = errors.New("trust: unknown device")
	ErrNoSuchPending = errors.New("trust: no such pending approval")
)

// Level is a device's trust state.
type Level string

const (
	LevelTrusted Level = "trusted"
	LevelRevoked Level = "revoked"
	LevelPending Level = "pending"
)

// Entry is one persisted trust-store record, per spec.md §3.
type Entry struct {
	DeviceID      string    `json:"device_id"`
	PublicKey     []byte    `json:"public_key"`
	DisplayName   string    `json:"display_name"`
	Level         Level     `json:"level"`
	FirstApproved time.Time `json:"first_approved"`
	LastSeen      time.Time `json:"last_seen"`
	AllowPaths    []string  `json:"allow_paths,omitempty"`
}

// Pending is a not-yet-decided approval request, expiring to rejection
// on timeout per spec.md §3.
type Pending struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	PublicKey   []byte    `json:"public_key"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// fileFormat is the on-disk shape, written atomically as a whole.
type fileFormat struct {
	Entries  []Entry   `json:"entries"`
	Pendings []Pending `json:"pendings"`
}

// Store is the concurrent, persisted trust store described in spec.md
// §4.9. A single coarse lock guards the in-memory copy; persistence IO
// happens with the lock released, per spec.md §5.
type Store struct {
	path string

	mu       sync.RWMutex
	entries  map[string]Entry
	pendings map[string]Pending

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// DefaultSweepInterval is how often expired pending approvals are swept,
// per spec.md §4.9.
const DefaultSweepInterval = 60 * time.Second

// Open loads the trust store from path (creating an empty one if it does
// not exist) and starts the background pending-expiry sweeper.
func Open(path string, sweepInterval time.Duration) (*Store, error) {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	s := &Store{
		path:          path,
		entries:       make(map[string]Entry),
		pendings:      make(map[string]Pending),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	go s.sweepLoop()
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", s.path).Msg("[trust] no trust store file found, starting fresh")
			return nil
		}
		return fmt.Errorf("trust: read store: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("trust: parse store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range ff.Entries {
		s.entries[e.DeviceID] = e
	}
	for _, p := range ff.Pendings {
		s.pendings[p.ID] = p
	}
	log.Info().Int("entries", len(ff.Entries)).Int("pendings", len(ff.Pendings)).Msg("[trust] loaded trust store")
	return nil
}

// save writes the entire store to disk via a temp file in the same
// directory followed by an atomic rename, so a reader never observes a
// partially written file (spec.md §4.9 invariant).
func (s *Store) save() error {
	s.mu.RLock()
	ff := fileFormat{
		Entries:  make([]Entry, 0, len(s.entries)),
		Pendings: make([]Pending, 0, len(s.pendings)),
	}
	for _, e := range s.entries {
		ff.Entries = append(ff.Entries, e)
	}
	for _, p := range s.pendings {
		ff.Pendings = append(ff.Pendings, p)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("trust: marshal store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("trust: create store dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".trust-*.tmp")
	if err != nil {
		return fmt.Errorf("trust: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("trust: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("trust: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("trust: rename temp file: %w", err)
	}
	return nil
}

// AddPending records a new approval request for peer, expiring at the
// given time.
func (s *Store) AddPending(peer identity.PeerIdentity, displayName string, expiresAt time.Time) (Pending, error) {
	p := Pending{
		ID:          peer.Fingerprint(),
		DeviceID:    peer.Fingerprint(),
		PublicKey:   append([]byte(nil), peer.PublicKey()...),
		DisplayName: displayName,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
	}
	s.mu.Lock()
	s.pendings[p.ID] = p
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return Pending{}, err
	}
	return p, nil
}

// Approve promotes a pending approval to a trusted entry.
func (s *Store) Approve(pendingID string) (Entry, error) {
	s.mu.Lock()
	p, ok := s.pendings[pendingID]
	if !ok {
		s.mu.Unlock()
		return Entry{}, ErrNoSuchPending
	}
	delete(s.pendings, pendingID)
	now := time.Now()
	entry := Entry{
		DeviceID:      p.DeviceID,
		PublicKey:     p.PublicKey,
		DisplayName:   p.DisplayName,
		Level:         LevelTrusted,
		FirstApproved: now,
		LastSeen:      now,
	}
	s.entries[entry.DeviceID] = entry
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Reject discards a pending approval without creating a trust entry.
func (s *Store) Reject(pendingID string) error {
	s.mu.Lock()
	if _, ok := s.pendings[pendingID]; !ok {
		s.mu.Unlock()
		return ErrNoSuchPending
	}
	delete(s.pendings, pendingID)
	s.mu.Unlock()
	return s.save()
}

// Revoke marks an existing (or previously unknown) device as revoked;
// revoked entries are kept, never deleted, and reject all future access.
func (s *Store) Revoke(peer identity.PeerIdentity) error {
	id := peer.Fingerprint()
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		entry = Entry{
			DeviceID:  id,
			PublicKey: append([]byte(nil), peer.PublicKey()...),
		}
	}
	entry.Level = LevelRevoked
	s.entries[id] = entry
	s.mu.Unlock()
	return s.save()
}

// SetAllowPaths updates the allow-paths for a trusted device.
func (s *Store) SetAllowPaths(deviceID string, paths []string) error {
	s.mu.Lock()
	entry, ok := s.entries[deviceID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownDevice
	}
	entry.AllowPaths = paths
	s.entries[deviceID] = entry
	s.mu.Unlock()
	return s.save()
}

// Lookup returns the trust entry for peer, if any.
func (s *Store) Lookup(peer identity.PeerIdentity) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[peer.Fingerprint()]
	return e, ok
}

// TouchLastSeen records that peer was just seen, persisting the update.
func (s *Store) TouchLastSeen(peer identity.PeerIdentity) error {
	s.mu.Lock()
	entry, ok := s.entries[peer.Fingerprint()]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownDevice
	}
	entry.LastSeen = time.Now()
	s.entries[peer.Fingerprint()] = entry
	s.mu.Unlock()
	return s.save()
}

// List returns a snapshot of every trusted/revoked entry.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// ListPending returns a snapshot of every still-open pending approval.
func (s *Store) ListPending() []Pending {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pending, 0, len(s.pendings))
	for _, p := range s.pendings {
		out = append(out, p)
	}
	return out
}

// IsAuthorized reports whether peer currently holds trusted status.
func (s *Store) IsAuthorized(peer identity.PeerIdentity) bool {
	e, ok := s.Lookup(peer)
	return ok && e.Level == LevelTrusted
}

func (s *Store) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired drops pending approvals whose expiry has passed, matching
// spec.md §3's "expires to rejected on timeout".
func (s *Store) sweepExpired() {
	now := time.Now()
	s.mu.Lock()
	changed := false
	for id, p := range s.pendings {
		if now.After(p.ExpiresAt) {
			delete(s.pendings, id)
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		if err := s.save(); err != nil {
			log.Error().Err(err).Msg("[trust] failed to persist after sweeping expired pending approvals")
		}
	}
}

// Close stops the background sweeper.
func (s *Store) Close() {
	close(s.stopSweep)
	<-s.sweepDone
}
