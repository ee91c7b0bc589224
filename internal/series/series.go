// Package series implements the time-series store (C9): a durable
// key-ordered log per series used by the flow engine's caches. The
// orchestrator does not persist or recover inflight operations here.
//
// Grounded on go.etcd.io/bbolt (carried in from
// other_examples/manifests/cuemby-warren), whose ordered B+tree buckets
// and transactional writes satisfy the "ordered iteration + atomic
// prefix deletion" contract spec.md §4.7 asks for.
package series

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
)

// Timestamp is a (seconds, nanos) pair whose big-endian byte encoding
// sorts lexically in chronological order, per spec.md §3.
type Timestamp struct {
	Seconds uint64
	Nanos   uint32
}

// Before reports whether t sorts strictly before cutoff.
func (t Timestamp) Before(cutoff Timestamp) bool {
	return t.key() < cutoff.key()
}

// LessOrEqual reports whether t <= cutoff, used by drain's boundary.
func (t Timestamp) LessOrEqual(cutoff Timestamp) bool {
	return t.key() <= cutoff.key()
}

func (t Timestamp) key() string {
	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], t.Seconds)
	binary.BigEndian.PutUint32(b[8:12], t.Nanos)
	return string(b[:])
}

func keyOf(ts Timestamp, seq uint64) []byte {
	var b [20]byte
	binary.BigEndian.PutUint64(b[0:8], ts.Seconds)
	binary.BigEndian.PutUint32(b[8:12], ts.Nanos)
	binary.BigEndian.PutUint64(b[12:20], seq)
	return b[:]
}

// Record is one stored (timestamp, message) pair within a series.
type Record struct {
	Timestamp Timestamp
	Message   json.RawMessage
}

// Store is the durable, single-writer time-series engine. One bbolt
// bucket per series gives the "no ordering across series" freedom
// spec.md §4.7 allows while keeping strict append order within one.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "open series store")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Store appends a single record to series, durably, before returning.
func (s *Store) Store(seriesName string, ts Timestamp, message json.RawMessage) error {
	return s.StoreMany(seriesName, []Record{{Timestamp: ts, Message: message}})
}

// StoreMany appends a batch of records to series as a single atomic
// transaction, per spec.md §4.7's "store_many (atomic batch)".
func (s *Store) StoreMany(seriesName string, records []Record) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(seriesName))
		if err != nil {
			return err
		}
		for _, r := range records {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			if err := b.Put(keyOf(r.Timestamp, seq), r.Message); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "store_many")
	}
	return nil
}

// DrainOlderThan atomically removes and returns, in chronological
// order, every record in series with timestamp <= cutoff. A reader
// calling QueryAll immediately afterwards observes no trace of the
// drained records, per spec.md §4.7 and invariant 4 in §8.
func (s *Store) DrainOlderThan(seriesName string, cutoff Timestamp) ([]Record, error) {
	var drained []Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(seriesName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts := Timestamp{
				Seconds: binary.BigEndian.Uint64(k[0:8]),
				Nanos:   binary.BigEndian.Uint32(k[8:12]),
			}
			if !ts.LessOrEqual(cutoff) {
				break
			}
			msg := make(json.RawMessage, len(v))
			copy(msg, v)
			drained = append(drained, Record{Timestamp: ts, Message: msg})
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "drain_older_than")
	}
	return drained, nil
}

// QueryAll returns every record currently stored in series, in
// chronological order, without removing them. Used for idempotent
// restart behaviour by flow steps that re-derive state from the cache.
func (s *Store) QueryAll(seriesName string) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(seriesName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) < 12 {
				return errors.Errorf("corrupt series key length %d", len(k))
			}
			ts := Timestamp{
				Seconds: binary.BigEndian.Uint64(k[0:8]),
				Nanos:   binary.BigEndian.Uint32(k[8:12]),
			}
			msg := make(json.RawMessage, len(v))
			copy(msg, v)
			out = append(out, Record{Timestamp: ts, Message: msg})
			return nil
		})
	})
	if err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "query_all")
	}
	return out, nil
}
