// Package baseline stores scan snapshots in a bbolt database and compares new
// scans against them to separate new, fixed and unchanged findings.
package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/orchestrator"
)

// DefaultFileName is the database name inside the config directory.
const DefaultFileName = "baseline.db"

var ErrNotFound = errors.New("baseline not found")

var bucketSnapshots = []byte("snapshots")

// Snapshot is a saved set of findings for one target.
type Snapshot struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id,omitempty"`
	Target    string            `json:"target"`
	CreatedAt time.Time         `json:"created_at"`
	Findings  []*engine.Finding `json:"findings"`
}

// Store is a bbolt-backed snapshot store. Snapshot keys are ULIDs, so key
// order is creation order.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create baseline directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize baseline bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores the findings of a scan as a new snapshot.
func (s *Store) Save(res *orchestrator.Result) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        ulid.Make().String(),
		RunID:     res.RunID,
		Target:    canonicalTarget(res.Target),
		CreatedAt: time.Now().UTC(),
		Findings:  res.Findings,
	}
	if snap.Findings == nil {
		snap.Findings = []*engine.Finding{}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(snap.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Get loads a snapshot by ID.
func (s *Store) Get(id string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var err error
		snap, err = decode(data)
		return err
	})
	return snap, err
}

// Latest returns the most recent snapshot for target, or for any target when
// target is empty.
func (s *Store) Latest(target string) (*Snapshot, error) {
	if target != "" {
		target = canonicalTarget(target)
	}

	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			candidate, err := decode(v)
			if err != nil {
				return err
			}
			if target == "" || candidate.Target == target {
				snap = candidate
				return nil
			}
		}
		return ErrNotFound
	})
	return snap, err
}

// Info summarizes a stored snapshot.
type Info struct {
	ID        string
	Target    string
	CreatedAt time.Time
	Findings  int
}

// List returns every snapshot, newest first.
func (s *Store) List() ([]Info, error) {
	var out []Info
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			snap, err := decode(v)
			if err != nil {
				return err
			}
			out = append(out, Info{
				ID:        snap.ID,
				Target:    snap.Target,
				CreatedAt: snap.CreatedAt,
				Findings:  len(snap.Findings),
			})
		}
		return nil
	})
	return out, err
}

func decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

func canonicalTarget(target string) string {
	if abs, err := filepath.Abs(target); err == nil {
		return abs
	}
	return filepath.Clean(target)
}

// Diff is the result of comparing a scan against a snapshot.
type Diff struct {
	New       []*engine.Finding `json:"new"`
	Fixed     []*engine.Finding `json:"fixed"`
	Unchanged []*engine.Finding `json:"unchanged"`
}

// Compare matches findings by fingerprint. New and Unchanged follow the order
// of current; Fixed follows the snapshot.
func Compare(base *Snapshot, current []*engine.Finding) Diff {
	before := make(map[string]bool, len(base.Findings))
	for _, f := range base.Findings {
		before[f.Fingerprint()] = true
	}

	d := Diff{
		New:       []*engine.Finding{},
		Fixed:     []*engine.Finding{},
		Unchanged: []*engine.Finding{},
	}
	now := make(map[string]bool, len(current))
	for _, f := range current {
		fp := f.Fingerprint()
		now[fp] = true
		if before[fp] {
			d.Unchanged = append(d.Unchanged, f)
		} else {
			d.New = append(d.New, f)
		}
	}
	for _, f := range base.Findings {
		if !now[f.Fingerprint()] {
			d.Fixed = append(d.Fixed, f)
		}
	}
	return d
}
