// Package history persists repair runs in a bbolt database so they can be
// listed and inspected after the fact.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a run is not stored
	ErrNotFound = errors.New("run not found")

	// ErrInvalidID is returned for an empty run id
	ErrInvalidID = errors.New("invalid run id")
)

// Bucket names
const (
	BucketRuns     = "runs"
	BucketSequence = "sequence"
)

// EnvPath names the database when no flag is given
const EnvPath = "SAFTAO_HISTORY_PATH"

// Run is one stored repair run
type Run struct {
	ID           string         `json:"id"`
	Seq          uint64         `json:"seq"`
	Profile      string         `json:"profile"`
	TotalsOrder  string         `json:"totals_order,omitempty"`
	Source       string         `json:"source,omitempty"`
	Output       string         `json:"output,omitempty"`
	AuditPath    string         `json:"audit_path,omitempty"`
	Outcome      string         `json:"outcome"`
	Changes      int            `json:"changes"`
	Actions      map[string]int `json:"actions,omitempty"`
	Customers    []string       `json:"customers,omitempty"`
	SchemaErrors []string       `json:"schema_errors,omitempty"`
	Digest       string         `json:"digest"`
	Error        string         `json:"error,omitempty"`
	Started      time.Time      `json:"started"`
	Finished     time.Time      `json:"finished"`
}

// Duration returns how long the run took
func (r Run) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Store wraps the bbolt database
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path and initializes its buckets
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{BucketRuns, BucketSequence} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores run and assigns its sequence number. Saving an id twice
// replaces the record and keeps the first sequence number.
func (s *Store) Save(run *Run) error {
	if run.ID == "" {
		return ErrInvalidID
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		seqs := tx.Bucket([]byte(BucketSequence))

		if existing := runs.Get([]byte(run.ID)); existing != nil {
			var prev Run
			if err := json.Unmarshal(existing, &prev); err != nil {
				return fmt.Errorf("failed to decode run %s: %w", run.ID, err)
			}
			run.Seq = prev.Seq
		} else {
			seq, err := seqs.NextSequence()
			if err != nil {
				return err
			}
			run.Seq = seq
			if err := seqs.Put(itob(seq), []byte(run.ID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		return runs.Put([]byte(run.ID), data)
	})
}

// Get retrieves a run by id
func (s *Store) Get(id string) (*Run, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(BucketRuns)).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) List(limit int) ([]Run, error) {
	var out []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		c := tx.Bucket([]byte(BucketSequence)).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			data := runs.Get(id)
			if data == nil {
				continue
			}
			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("failed to decode run %s: %w", id, err)
			}
			out = append(out, run)
		}
		return nil
	})
	return out, err
}

// Count returns the number of stored runs
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(BucketRuns)).Stats().KeyN
		return nil
	})
	return n, err
}

// itob encodes a sequence number as a big-endian key so cursor order
// matches insertion order
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
