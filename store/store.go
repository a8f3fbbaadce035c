package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.etcd.io/bbolt"
)

var (
	// ErrJobNotFound is returned when a record or run is not in the journal.
	ErrJobNotFound = errors.New("job not found")

	// ErrLocked is returned when another sfast process holds the state directory.
	ErrLocked = errors.New("state directory is in use by another sfast process")
)

var (
	transfersBucket = []byte("transfers")
	runsBucket      = []byte("runs")
)

const (
	dbFile   = "state.db"
	lockFile = "sfast.lock"
)

// TransferRecord is the journaled state of one file within a run.
type TransferRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Mode        string    `json:"mode"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	State       string    `json:"state"`
	Offset      int64     `json:"offset"`
	Total       int64     `json:"total"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	Warning     string    `json:"warning,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RunRecord describes one invocation.
type RunRecord struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	Source    string    `json:"source"`
	Dest      string    `json:"dest"`
	Args      []string  `json:"args"`
	StartedAt time.Time `json:"started_at"`
}

// RecordID returns the journal key of a destination within a run.
func RecordID(runID, destination string) string {
	return runID + "/" + destination
}

// Store defines the journal used to track transfers.
type Store interface {
	SaveRun(run *RunRecord) error
	SaveRecord(rec *TransferRecord) error
	GetRecord(id string) (*TransferRecord, error)
	// ListRun returns the records of a run ordered by key.
	ListRun(runID string) ([]*TransferRecord, error)
	// LastRun returns the most recently started run.
	LastRun() (*RunRecord, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db   *bbolt.DB
	lock *flock.Flock
}

// Open locks dir and opens the journal inside it. A second process using
// the same directory gets ErrLocked.
func Open(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock state dir: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	s, err := NewBoltStore(filepath.Join(dir, dbFile))
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	s.lock = lock
	return s, nil
}

// NewBoltStore creates a new BoltStore at the given path without locking.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{transfersBucket, runsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveRun records the start of a run. Run IDs must sort by start time.
func (s *BoltStore) SaveRun(run *RunRecord) error {
	return s.put(runsBucket, run.ID, run)
}

// SaveRecord saves a transfer record to the journal.
func (s *BoltStore) SaveRecord(rec *TransferRecord) error {
	return s.put(transfersBucket, rec.ID, rec)
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := tx.Bucket(bucket).Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to put record: %w", err)
		}
		return nil
	})
}

// GetRecord retrieves a transfer record from the journal.
func (s *BoltStore) GetRecord(id string) (*TransferRecord, error) {
	var rec TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(transfersBucket).Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListRun(runID string) ([]*TransferRecord, error) {
	var out []*TransferRecord
	prefix := []byte(runID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(transfersBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", k, err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) LastRun() (*RunRecord, error) {
	var run RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(runsBucket).Cursor().Last()
		if k == nil {
			return ErrJobNotFound
		}
		return json.Unmarshal(v, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Close closes the journal and releases the directory lock.
func (s *BoltStore) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}
