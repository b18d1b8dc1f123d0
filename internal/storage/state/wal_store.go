// Package state persists engine state as a write-ahead log of atomic commit batches.
package state

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"
)

const (
	DefaultDir   = "./wal/engine"
	segmentLimit = 1000
	maxSegments  = 10

	// DefaultCheckpointEvery must stay below the number of records the WAL retains
	// so segment rotation never drops records newer than the last checkpoint.
	DefaultCheckpointEvery = 500

	batchKey      = "batch"
	checkpointKey = "checkpoint"

	walDirPermissions = 0o755
)

// WALStore persists commit batches in a WAL and periodically writes full checkpoints.
type WALStore struct {
	wal             *gowal.Wal
	mu              sync.Mutex
	mirror          *Snapshot
	sinceCheckpoint int
	checkpointEvery int
	l               *zap.Logger
}

// Option configures a WALStore.
type Option func(*WALStore)

// WithCheckpointEvery sets how many batches are written between checkpoints.
func WithCheckpointEvery(n int) Option {
	return func(s *WALStore) {
		if n > 0 {
			s.checkpointEvery = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *WALStore) {
		if l != nil {
			s.l = l
		}
	}
}

// Open opens (or creates) the WAL in dir and replays it into a snapshot.
func Open(dir string, opts ...Option) (*WALStore, *Snapshot, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "engine_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "init engine WAL")
	}

	s := &WALStore{
		wal:             wal,
		checkpointEvery: DefaultCheckpointEvery,
		l:               zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	snap, replayed, err := replay(wal)
	if err != nil {
		_ = wal.Close()
		return nil, nil, err
	}
	s.mirror = snap
	s.sinceCheckpoint = replayed

	s.l.Info("engine state replayed",
		zap.Uint64("wal_index", wal.CurrentIndex()),
		zap.Int("plans", len(snap.Plans)),
		zap.Int("pending_intents", len(snap.Intents)),
		zap.Int("batches_since_checkpoint", replayed))

	return s, snap.Clone(), nil
}

func replay(wal *gowal.Wal) (*Snapshot, int, error) {
	snap := NewSnapshot()
	since := 0

	for msg := range wal.Iterator() {
		switch msg.Key {
		case checkpointKey:
			next := NewSnapshot()
			if err := json.Unmarshal(msg.Value, next); err != nil {
				return nil, 0, errors.Wrap(err, "decode checkpoint")
			}
			next.normalize()
			snap = next
			since = 0
		case batchKey:
			var b Batch
			if err := json.Unmarshal(msg.Value, &b); err != nil {
				return nil, 0, errors.Wrap(err, "decode commit batch")
			}
			snap.Apply(b)
			since++
		}
	}

	return snap, since, nil
}

// Commit durably appends b. The batch is visible to replay only if Commit returns nil.
func (s *WALStore) Commit(b Batch) error {
	if s == nil || s.wal == nil {
		return errors.New("state store is not initialized")
	}
	if b.Empty() {
		return nil
	}

	payload, err := json.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "marshal commit batch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wal.Write(s.wal.CurrentIndex()+1, batchKey, payload); err != nil {
		return errors.Wrapf(err, "write %s batch", b.Op)
	}
	s.mirror.Apply(b)
	s.sinceCheckpoint++

	if s.sinceCheckpoint >= s.checkpointEvery {
		if err := s.checkpointLocked(); err != nil {
			// the batch itself is durable; the next commit retries the checkpoint
			s.l.Warn("checkpoint failed", zap.Error(err))
		}
	}

	return nil
}

// Checkpoint writes the full state so older segments can be rotated away.
func (s *WALStore) Checkpoint() error {
	if s == nil || s.wal == nil {
		return errors.New("state store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkpointLocked()
}

func (s *WALStore) checkpointLocked() error {
	payload, err := json.Marshal(s.mirror)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}
	if err := s.wal.Write(s.wal.CurrentIndex()+1, checkpointKey, payload); err != nil {
		return errors.Wrap(err, "write checkpoint")
	}
	s.sinceCheckpoint = 0
	return nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("state store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
