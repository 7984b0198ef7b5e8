// Package state persists runs and the remote connection in a single JSON
// document. Every mutation rewrites the whole document before returning.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shawl-hpc/shawl/internal/models"
)

const documentVersion = "1"

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrDuplicateRun = errors.New("run_id already exists")
)

// Sealer encrypts the credential at rest. A nil Sealer stores it as plaintext.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// document is the on-disk layout.
type document struct {
	Version string `json:"version"`
	models.Connection
	Runs []models.Run `json:"runs"`
}

// Store is the in-memory run collection plus its persisted copy.
// Runs keep insertion order; index maps run_id to position for O(1) lookup.
type Store struct {
	mu     sync.RWMutex
	path   string
	sealer Sealer

	conn  models.Connection
	runs  []models.Run
	index map[string]int

	credentialDropped bool
}

// NewStore creates a store backed by path. Call Load before use.
func NewStore(path string, sealer Sealer) *Store {
	return &Store{
		path:   path,
		sealer: sealer,
		index:  make(map[string]int),
	}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file, replacing the in-memory contents.
// If the file doesn't exist, the store starts empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.conn = models.Connection{}
			s.runs = nil
			s.index = make(map[string]int)
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}
	return s.applyLocked(data)
}

// Restore replaces the store contents with a serialized document (from Export
// or a backup) and persists it.
func (s *Store) Restore(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevConn, prevRuns, prevIndex := s.conn, s.runs, s.index
	if err := s.applyLocked(data); err != nil {
		return err
	}
	if err := s.saveLocked(); err != nil {
		s.conn, s.runs, s.index = prevConn, prevRuns, prevIndex
		return err
	}
	return nil
}

// Export returns the document exactly as it is written to disk.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marshalLocked()
}

// CredentialDropped reports whether the last Load found a sealed credential
// that could not be opened with the current key. The credential is cleared
// in that case and the runs are kept.
func (s *Store) CredentialDropped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentialDropped
}

func (s *Store) applyLocked(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	index := make(map[string]int, len(doc.Runs))
	for i, r := range doc.Runs {
		if r.ID == "" {
			return fmt.Errorf("state file has a run without run_id at position %d", i)
		}
		if _, dup := index[r.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRun, r.ID)
		}
		index[r.ID] = i
	}

	s.credentialDropped = false
	if s.sealer != nil && doc.Credential != "" {
		plain, err := s.sealer.Open(doc.Credential)
		if err != nil {
			plain = ""
			s.credentialDropped = true
		}
		doc.Credential = plain
	}

	s.conn = doc.Connection
	s.runs = doc.Runs
	s.index = index
	return nil
}

func (s *Store) marshalLocked() ([]byte, error) {
	conn := s.conn
	if s.sealer != nil && conn.Credential != "" {
		sealed, err := s.sealer.Seal(conn.Credential)
		if err != nil {
			return nil, fmt.Errorf("failed to seal credential: %w", err)
		}
		conn.Credential = sealed
	}
	runs := s.runs
	if runs == nil {
		runs = []models.Run{}
	}
	doc := document{Version: documentVersion, Connection: conn, Runs: runs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// saveLocked writes the whole document. Caller must hold the write lock.
func (s *Store) saveLocked() error {
	data, err := s.marshalLocked()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write to temp file first, then rename for atomicity
	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpFile, s.path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Save persists the current contents.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Connection returns the stored connection with the credential in plaintext.
func (s *Store) Connection() models.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// SetConnection replaces the connection parameters and persists.
func (s *Store) SetConnection(c models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.conn
	s.conn = c
	if err := s.saveLocked(); err != nil {
		s.conn = prev
		return err
	}
	return nil
}

// Runs returns a copy of all runs in insertion order.
func (s *Store) Runs() []models.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Run, len(s.runs))
	copy(out, s.runs)
	return out
}

// Get returns the run with the given id.
func (s *Store) Get(id string) (models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return s.runs[i], nil
}

// Add appends a new run and persists.
func (s *Store) Add(r models.Run) error {
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.index[r.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, r.ID)
	}
	s.runs = append(s.runs, r)
	s.index[r.ID] = len(s.runs) - 1

	if err := s.saveLocked(); err != nil {
		s.runs = s.runs[:len(s.runs)-1]
		delete(s.index, r.ID)
		return err
	}
	return nil
}

// Update applies fn to the run with the given id and persists.
// fn must not change the run_id. The updated run is returned.
func (s *Store) Update(id string, fn func(r *models.Run)) (models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	prev := s.runs[i]
	next := prev
	fn(&next)
	next.ID = prev.ID
	if !next.Status.IsValid() {
		return prev, fmt.Errorf("invalid status %q", next.Status)
	}

	s.runs[i] = next
	if err := s.saveLocked(); err != nil {
		s.runs[i] = prev
		return prev, err
	}
	return next, nil
}

// Mutate applies fn to every run under a single lock and persists once if fn
// reports any change. fn returns true when it modified the run.
func (s *Store) Mutate(fn func(r *models.Run) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make([]models.Run, len(s.runs))
	copy(prev, s.runs)

	changed := 0
	for i := range s.runs {
		id := s.runs[i].ID
		if fn(&s.runs[i]) {
			s.runs[i].ID = id
			if !s.runs[i].Status.IsValid() {
				s.runs = prev
				return 0, fmt.Errorf("invalid status %q for run %s", s.runs[i].Status, id)
			}
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		s.runs = prev
		return 0, err
	}
	return changed, nil
}

// Remove deletes the run with the given id and persists.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	prevRuns := s.runs
	prevIndex := s.index

	runs := make([]models.Run, 0, len(s.runs)-1)
	runs = append(runs, s.runs[:i]...)
	runs = append(runs, s.runs[i+1:]...)
	s.runs = runs
	s.reindexLocked()

	if err := s.saveLocked(); err != nil {
		s.runs = prevRuns
		s.index = prevIndex
		return err
	}
	return nil
}

// Len returns the number of runs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func (s *Store) reindexLocked() {
	s.index = make(map[string]int, len(s.runs))
	for i, r := range s.runs {
		s.index[r.ID] = i
	}
}
