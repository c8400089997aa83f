package internal

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const SnapshotDBFilename = "feedback.db"

var snapshotsBucket = []byte("snapshots")

var _ SnapshotStore = (*BoltSnapshotStore)(nil)

// BoltSnapshotStore keeps every round's snapshot in a nested bucket per
// experiment, keyed by the big-endian round number.
type BoltSnapshotStore struct {
	db *bolt.DB
}

func NewBoltSnapshotStore(path string) (*BoltSnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltSnapshotStore{db: db}, nil
}

func roundKey(round int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(round))
	return key
}

func (s *BoltSnapshotStore) SaveSnapshot(ctx context.Context, snap *CacheSnapshot) error {
	if snap.Experiment == "" {
		return fmt.Errorf("%w: snapshot has no experiment name", ErrConfiguration)
	}

	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		exp, err := tx.Bucket(snapshotsBucket).CreateBucketIfNotExists([]byte(snap.Experiment))
		if err != nil {
			return fmt.Errorf("create experiment bucket: %w", err)
		}
		return exp.Put(roundKey(snap.Round), data)
	})
}

func (s *BoltSnapshotStore) LoadSnapshot(ctx context.Context, experiment string) (*CacheSnapshot, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		exp := tx.Bucket(snapshotsBucket).Bucket([]byte(experiment))
		if exp == nil {
			return ErrNoSnapshot
		}
		_, v := exp.Cursor().Last()
		if v == nil {
			return ErrNoSnapshot
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}

// Rounds lists the stored round numbers for experiment in ascending order.
func (s *BoltSnapshotStore) Rounds(ctx context.Context, experiment string) ([]int, error) {
	var rounds []int
	err := s.db.View(func(tx *bolt.Tx) error {
		exp := tx.Bucket(snapshotsBucket).Bucket([]byte(experiment))
		if exp == nil {
			return nil
		}
		return exp.ForEach(func(k, _ []byte) error {
			rounds = append(rounds, int(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	return rounds, err
}

func (s *BoltSnapshotStore) Close() error {
	return s.db.Close()
}
