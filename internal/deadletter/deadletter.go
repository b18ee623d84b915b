// Package deadletter keeps a durable record of events whose dispatch failed.
//
// The journal is a bbolt file with a single bucket keyed by event ID. Event
// IDs are ULIDs, so bbolt's byte-ordered cursor walks entries oldest first.
//
// Only failures are written here. Pending events still live exclusively in
// the scheduler's memory and are lost on restart.
//
// Operations:
//
//   - Record: store a failed event (overwrites an earlier failure of the same ID).
//   - List:   read up to N entries without removing them.
//   - Replay: hand entries back to a scheduling callback and remove the ones
//     it accepted.
//   - Delete: discard one entry.
//
// Replay claims each entry in its own transaction before handing it out, so
// concurrent Replay calls never schedule the same entry twice. A replayed
// event gets a fresh ID from the scheduler; the journal links that ID to the
// entry it came from so a repeat failure continues the same failure count.
package deadletter

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/multierr"
)

var (
	bucketDeadLetters = []byte("deadletters")
	bucketLineage     = []byte("lineage")
)

// linkGrace is how long after its due time a replayed event may still fail
// and be linked back to its origin. Older links are pruned on Replay.
const linkGrace = 10 * time.Minute

// ErrNotFound is returned by Get and Delete for unknown IDs.
var ErrNotFound = errors.New("deadletter: entry not found")

// Entry is one failed dispatch.
type Entry struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp int64           `json:"timestamp"` // originally scheduled UTC ms
	Message   json.RawMessage `json:"message"`
	Error     string          `json:"error"`
	FailedAt  int64           `json:"failed_at"` // UTC ms
	Failures  int             `json:"failures"`  // failed deliveries, replays included
	OriginID  string          `json:"origin_id,omitempty"`
}

// link ties a replayed event ID back to the entry it was replayed from.
type link struct {
	OriginID string `json:"origin_id"`
	Failures int    `json:"failures"`
	Due      int64  `json:"due"`
}

// ReplayFunc re-schedules e and returns the new event's ID and due time in
// UTC ms. An error leaves e in the journal.
type ReplayFunc func(e Entry) (id string, due int64, err error)

// Journal is a bbolt-backed store of Entry values.
type Journal struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("deadletter: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDeadLetters, bucketLineage} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: init buckets: %w", err)
	}

	return &Journal{db: db, now: time.Now}, nil
}

// Record stores e. If e.FailedAt is zero it is set to now. Recording an ID
// that is already present increments its failure count. Recording the ID of
// a replayed event continues the count of the entry it was replayed from and
// sets OriginID.
func (j *Journal) Record(e Entry) error {
	if e.ID == "" {
		return errors.New("deadletter: entry id must not be empty")
	}
	if e.FailedAt == 0 {
		e.FailedAt = j.now().UnixMilli()
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		lineage := tx.Bucket(bucketLineage)

		e.Failures = 1
		if raw := lineage.Get([]byte(e.ID)); raw != nil {
			var l link
			if err := json.Unmarshal(raw, &l); err == nil {
				e.OriginID = l.OriginID
				e.Failures = l.Failures + 1
			}
			if err := lineage.Delete([]byte(e.ID)); err != nil {
				return err
			}
		} else if prev := b.Get([]byte(e.ID)); prev != nil {
			var old Entry
			if err := json.Unmarshal(prev, &old); err == nil {
				e.OriginID = old.OriginID
				e.Failures = old.Failures + 1
			}
		}
		return putEntry(b, e)
	})
}

func putEntry(b *bbolt.Bucket, e Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: marshal %s: %w", e.ID, err)
	}
	return b.Put([]byte(e.ID), val)
}

// Get returns the entry for id.
func (j *Journal) Get(id string) (Entry, error) {
	var e Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketDeadLetters).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &e)
	})
	return e, err
}

// List returns up to limit entries, oldest first. limit <= 0 means all.
func (j *Journal) List(limit int) ([]Entry, error) {
	out := []Entry{}
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDeadLetters).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("deadletter: decode %s: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the entry for id.
func (j *Journal) Delete(id string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// Len returns the number of entries in the journal.
func (j *Journal) Len() int {
	n := 0
	_ = j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketDeadLetters).Stats().KeyN
		return nil
	})
	return n
}

// Replay passes up to limit entries (oldest first) to schedule and deletes
// every entry schedule accepted. Entries it rejects stay in the journal so
// the caller can retry. Each entry is removed before schedule sees it; an
// entry already claimed by a concurrent Replay or Delete is skipped.
//
// Returns the number of entries replayed. Storage errors do not stop the
// pass; they are combined with multierr and returned alongside the count.
func (j *Journal) Replay(limit int, schedule ReplayFunc) (int, error) {
	if err := j.pruneLinks(); err != nil {
		return 0, fmt.Errorf("deadletter: replay: %w", err)
	}
	candidates, err := j.List(limit)
	if err != nil {
		return 0, fmt.Errorf("deadletter: replay: %w", err)
	}

	var errs error
	replayed := 0
	for _, c := range candidates {
		e, ok, err := j.claim(c.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deadletter: claim %s: %w", c.ID, err))
			continue
		}
		if !ok {
			continue
		}

		id, due, err := schedule(e)
		if err != nil {
			if perr := j.restore(e); perr != nil {
				errs = multierr.Append(errs, fmt.Errorf("deadletter: restore %s: %w", e.ID, perr))
			}
			continue
		}
		replayed++

		if err := j.link(id, e, due); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deadletter: link %s: %w", id, err))
		}
	}
	return replayed, errs
}

// claim removes id and returns the entry it held. ok is false if another
// caller got there first.
func (j *Journal) claim(id string) (e Entry, ok bool, err error) {
	err = j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		val := b.Get([]byte(id))
		if val == nil {
			return nil
		}
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		ok = true
		return b.Delete([]byte(id))
	})
	return e, ok, err
}

func (j *Journal) restore(e Entry) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return putEntry(tx.Bucket(bucketDeadLetters), e)
	})
}

func (j *Journal) link(id string, from Entry, due int64) error {
	origin := from.OriginID
	if origin == "" {
		origin = from.ID
	}
	val, err := json.Marshal(link{OriginID: origin, Failures: from.Failures, Due: due})
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLineage).Put([]byte(id), val)
	})
}

// pruneLinks drops links whose event was due more than linkGrace ago. Those
// events were delivered, or the process restarted and they were lost.
func (j *Journal) pruneLinks() error {
	cutoff := j.now().Add(-linkGrace).UnixMilli()
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLineage)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var l link
			if err := json.Unmarshal(v, &l); err != nil || l.Due < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying bbolt database.
func (j *Journal) Close() error {
	return j.db.Close()
}
