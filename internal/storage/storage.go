package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"

	"github.com/hailam/nnuetrain/internal/errs"
)

// Storage keys
const (
	prefixRun        = "run/"
	prefixCheckpoint = "ckpt/"
	prefixLoss       = "loss/"
)

func runKey(netID string) []byte { return []byte(prefixRun + netID) }

func checkpointPrefix(netID string) []byte { return []byte(prefixCheckpoint + netID + "/") }

func lossPrefix(netID string) []byte { return []byte(prefixLoss + netID + "/") }

// Zero-padded so lexical key order is superbatch order.
func sbKey(prefix []byte, sb int) []byte {
	return fmt.Appendf(append([]byte(nil), prefix...), "%06d", sb)
}

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrNetIDConflict = errors.New("net id already registered with a different configuration")
	ErrChecksum      = errors.New("checkpoint checksum mismatch")
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning  RunStatus = "running"
	StatusFinished RunStatus = "finished"
	StatusFailed   RunStatus = "failed"
)

// Run is the registry record of one network identifier.
type Run struct {
	NetID       string          `json:"net_id"`
	Fingerprint uint64          `json:"fingerprint"` // xxhash64 of Config
	Config      json.RawMessage `json:"config"`
	Status      RunStatus       `json:"status"`
	// LastSuperbatch is the last superbatch that completed.
	LastSuperbatch int       `json:"last_superbatch"`
	Error          string    `json:"error,omitempty"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
}

// CheckpointRecord indexes one written checkpoint.
type CheckpointRecord struct {
	Superbatch int       `json:"superbatch"`
	Dir        string    `json:"dir"`
	Path       string    `json:"path"` // quantised artifact
	Bytes      int       `json:"bytes"`
	Checksum   uint64    `json:"checksum"`
	Saturated  int       `json:"saturated"`
	Written    time.Time `json:"written"`
}

// LossPoint is the outcome of one superbatch.
type LossPoint struct {
	Superbatch         int     `json:"superbatch"`
	Loss               float64 `json:"loss"`
	LR                 float64 `json:"lr"`
	WDL                float64 `json:"wdl"`
	PositionsPerSecond float64 `json:"positions_per_second"`
}

// Storage wraps BadgerDB as the run registry.
type Storage struct {
	db *badger.DB
}

// NewStorage opens the registry in the default database directory.
func NewStorage() (*Storage, error) {
	dbDir, err := GetDatabaseDir()
	if err != nil {
		return nil, err
	}
	return Open(dbDir)
}

// Open opens the registry stored in dir.
func Open(dir string) (*Storage, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable logging
	return open(opts)
}

// OpenInMemory opens a registry that lives only as long as the process.
func OpenInMemory() (*Storage, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Storage, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// Fingerprint hashes a canonical configuration encoding.
func Fingerprint(config []byte) uint64 {
	return xxhash.Sum64(config)
}

// RegisterRun claims netID for config. Registering the same configuration
// again returns the existing record so a run can be restarted; a different
// configuration under a used id is a ConfigError wrapping ErrNetIDConflict.
func (s *Storage) RegisterRun(netID string, config []byte) (*Run, error) {
	if netID == "" {
		return nil, errs.Configf("net_id", "empty network identifier")
	}
	fp := Fingerprint(config)
	var run Run
	err := s.db.Update(func(txn *badger.Txn) error {
		err := getJSON(txn, runKey(netID), &run)
		if err == nil {
			if run.Fingerprint != fp {
				return fmt.Errorf("%w: %w", ErrNetIDConflict,
					errs.Configf("net_id", "%q was registered %s with fingerprint %016x, got %016x",
						netID, run.Created.Format(time.RFC3339), run.Fingerprint, fp))
			}
			run.Status = StatusRunning
			run.Error = ""
			run.Updated = time.Now()
			return setJSON(txn, runKey(netID), &run)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		now := time.Now()
		run = Run{
			NetID:       netID,
			Fingerprint: fp,
			Config:      json.RawMessage(config),
			Status:      StatusRunning,
			Created:     now,
			Updated:     now,
		}
		return setJSON(txn, runKey(netID), &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Run returns the record for netID.
func (s *Storage) Run(netID string) (*Run, error) {
	var run Run
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, runKey(netID), &run)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, netID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Runs returns every registered run ordered by net id.
func (s *Storage) Runs() ([]Run, error) {
	var runs []Run
	err := scan(s.db, []byte(prefixRun), func(val []byte) error {
		var r Run
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		runs = append(runs, r)
		return nil
	})
	return runs, err
}

// UpdateRun applies fn to the stored record of netID.
func (s *Storage) UpdateRun(netID string, fn func(*Run)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var run Run
		if err := getJSON(txn, runKey(netID), &run); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, netID)
			}
			return err
		}
		fn(&run)
		run.Updated = time.Now()
		return setJSON(txn, runKey(netID), &run)
	})
}

// Finish marks the run finished, or failed when runErr is non-nil.
func (s *Storage) Finish(netID string, runErr error) error {
	return s.UpdateRun(netID, func(r *Run) {
		r.Status = StatusFinished
		if runErr != nil {
			r.Status = StatusFailed
			r.Error = runErr.Error()
		}
	})
}

// RecordLoss stores the loss of one superbatch and advances the run's
// last completed superbatch.
func (s *Storage) RecordLoss(netID string, p LossPoint) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var run Run
		if err := getJSON(txn, runKey(netID), &run); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, netID)
			}
			return err
		}
		run.LastSuperbatch = max(run.LastSuperbatch, p.Superbatch)
		run.Updated = time.Now()
		if err := setJSON(txn, runKey(netID), &run); err != nil {
			return err
		}
		return setJSON(txn, sbKey(lossPrefix(netID), p.Superbatch), &p)
	})
}

// Losses returns the recorded loss history in superbatch order.
func (s *Storage) Losses(netID string) ([]LossPoint, error) {
	var out []LossPoint
	err := scan(s.db, lossPrefix(netID), func(val []byte) error {
		var p LossPoint
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// RecordCheckpoint indexes a written checkpoint.
func (s *Storage) RecordCheckpoint(netID string, c CheckpointRecord) error {
	if c.Written.IsZero() {
		c.Written = time.Now()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, sbKey(checkpointPrefix(netID), c.Superbatch), &c)
	})
}

// Checkpoints returns the checkpoints of netID in superbatch order.
func (s *Storage) Checkpoints(netID string) ([]CheckpointRecord, error) {
	var out []CheckpointRecord
	err := scan(s.db, checkpointPrefix(netID), func(val []byte) error {
		var c CheckpointRecord
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// LatestCheckpoint returns the checkpoint with the highest superbatch, the
// recovery point after an aborted run.
func (s *Storage) LatestCheckpoint(netID string) (*CheckpointRecord, error) {
	all, err := s.Checkpoints(netID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for %s", ErrRunNotFound, netID)
	}
	return &all[len(all)-1], nil
}

// Verify checks the artifact on disk against the recorded checksum.
func (c CheckpointRecord) Verify() error {
	b, err := os.ReadFile(c.Path)
	if err != nil {
		return err
	}
	if len(b) != c.Bytes || Fingerprint(b) != c.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksum, c.Path)
	}
	return nil
}

func scan(db *badger.DB, prefix []byte, fn func(val []byte) error) error {
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
