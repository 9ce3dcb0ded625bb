// Package journal is the durable, key-indexed store behind the
// orchestrator's state: tasks, sessions, diffs, containers, and log
// references, each addressed by opaque id, survive an abrupt restart. It is
// backed by go.etcd.io/bbolt, a single-file, write-ahead-logged store with
// concurrent readers and a single writer.
//
// The Journal never interprets the bytes it stores: upsert/get/list/delete
// all move opaque blobs. Callers (one package per kind) own encoding.
package journal

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Kind names one of the five logical tables the journal maintains.
type Kind string

const (
	KindTask      Kind = "tasks"
	KindSession   Kind = "sessions"
	KindDiff      Kind = "diffs"
	KindContainer Kind = "containers"
	KindLogRef    Kind = "log_refs"
)

var allKinds = []Kind{KindTask, KindSession, KindDiff, KindContainer, KindLogRef}

// metaBucket suffix holds a parallel updatedAt timestamp per id, used only by
// PurgeOlderThan; it never leaves the package.
func metaBucket(k Kind) []byte { return []byte(string(k) + "_meta") }

// Journal is a transactional, single-node record store.
type Journal struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures every
// logical bucket exists.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, k := range allKinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(k)); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists(metaBucket(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal buckets: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying file.
func (j *Journal) Close() error { return j.db.Close() }

// Upsert writes record under id in kind's table. When durable is true the
// write fsyncs before returning, required whenever a caller crosses a
// lifecycle boundary (session start, diff create, transitions to
// done/failed/applied/rejected); otherwise writes are batched
// for throughput and may survive only best-effort across a crash.
func (j *Journal) Upsert(kind Kind, id string, record []byte, durable bool) error {
	now := make([]byte, 8)
	binary.BigEndian.PutUint64(now, uint64(time.Now().UTC().UnixNano()))

	write := func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(kind)).Put([]byte(id), record); err != nil {
			return err
		}
		return tx.Bucket(metaBucket(kind)).Put([]byte(id), now)
	}

	if durable {
		return j.db.Update(write)
	}
	return j.db.Batch(write)
}

// Get returns the record stored under id, or (nil, false) if absent.
func (j *Journal) Get(kind Kind, id string) ([]byte, bool, error) {
	var out []byte
	err := j.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(kind)).Get([]byte(id))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

// Record is one entry returned by List.
type Record struct {
	ID   string
	Data []byte
}

// Filter decides whether a record should be included in a List result.
type Filter func(id string, data []byte) bool

// List returns every record in kind's table for which filter returns true.
// A nil filter matches everything.
func (j *Journal) List(kind Kind, filter Filter) ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(kind)).ForEach(func(k, v []byte) error {
			if filter != nil && !filter(string(k), v) {
				return nil
			}
			out = append(out, Record{ID: string(k), Data: append([]byte(nil), v...)})
			return nil
		})
	})
	return out, err
}

// Delete removes id from kind's table. Deleting an absent id is a no-op.
func (j *Journal) Delete(kind Kind, id string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(kind)).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(metaBucket(kind)).Delete([]byte(id))
	})
}

// PurgeOlderThan deletes every record in kind's table last written more than
// age ago, returning how many were removed. Used by the Startup Reconciler's
// retention pass.
func (j *Journal) PurgeOlderThan(kind Kind, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age).UnixNano()
	var stale [][]byte
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket(kind)).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			if int64(binary.BigEndian.Uint64(v)) < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = j.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(kind))
		meta := tx.Bucket(metaBucket(kind))
		for _, id := range stale {
			if err := data.Delete(id); err != nil {
				return err
			}
			if err := meta.Delete(id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}
