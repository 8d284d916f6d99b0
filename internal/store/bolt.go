package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
)

// BucketRuns holds one JSON-encoded RunState per run id.
const BucketRuns = "runs"

// Bolt is a Store backed by a local bbolt file.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close implements Store.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// SaveRun implements Store.
func (b *Bolt) SaveRun(_ context.Context, state *loadtest.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", state.ID, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketRuns)).Put([]byte(state.ID), data)
	})
}

// GetRun implements Store.
func (b *Bolt) GetRun(_ context.Context, id string) (*loadtest.RunState, error) {
	var state loadtest.RunState
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(BucketRuns)).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// ListRuns implements Store. Undecodable entries are skipped.
func (b *Bolt) ListRuns(_ context.Context, limit int) ([]*loadtest.RunState, error) {
	var runs []*loadtest.RunState

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketRuns)).ForEach(func(_, v []byte) error {
			var state loadtest.RunState
			if err := json.Unmarshal(v, &state); err == nil {
				runs = append(runs, &state)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortNewestFirst(runs)
	if limit = normalizeLimit(limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
