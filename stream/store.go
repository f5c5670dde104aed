package stream

import (
	"encoding/binary"
	"encoding/json"

	"github.com/efficientgo/core/errors"
	bolt "go.etcd.io/bbolt"
)

// Store is the durable, append-only log of StreamEvent records, backed
// by a single bbolt bucket keyed by an auto-incrementing sequence
// number (bbolt's NextSequence), so replay is a simple ordered scan.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and ensures
// the stream bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening event stream database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(StreamName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating event stream bucket")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append durably writes events in a single bbolt transaction (bbolt
// fsyncs on commit), assigning each a monotonically increasing
// Sequence. Append is atomic: either every event in the batch is
// durable or none is.
func (s *Store) Append(events []StreamEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StreamName))
		for i := range events {
			seq, err := bucket.NextSequence()
			if err != nil {
				return errors.Wrap(err, "allocating stream sequence")
			}
			events[i].Sequence = seq
			raw, err := json.Marshal(events[i])
			if err != nil {
				return errors.Wrap(err, "encoding stream event")
			}
			if err := bucket.Put(sequenceKey(seq), raw); err != nil {
				return errors.Wrap(err, "appending stream event")
			}
		}
		return nil
	})
}

// ReadFrom replays every event with Sequence > after, in order, for
// consumers that read the stream by cursor.
func (s *Store) ReadFrom(after uint64) ([]StreamEvent, error) {
	var out []StreamEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StreamName))
		c := bucket.Cursor()
		for k, v := c.Seek(sequenceKey(after + 1)); k != nil; k, v = c.Next() {
			var ev StreamEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return errors.Wrap(err, "decoding stream event")
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestSequence returns the highest sequence number durably stored, or
// 0 if the stream is empty.
func (s *Store) LatestSequence() (uint64, error) {
	var latest uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StreamName))
		k, _ := bucket.Cursor().Last()
		if k == nil {
			return nil
		}
		latest = binary.BigEndian.Uint64(k)
		return nil
	})
	return latest, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
