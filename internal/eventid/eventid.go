// Package eventid generates identifiers for scheduled events.
//
// IDs are ULIDs: 26-character, lexicographically sortable by creation time.
// The dead-letter journal relies on that ordering to list failures oldest
// first without a secondary index.
package eventid

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Monotonic entropy keeps IDs generated within the same millisecond ordered.
// ulid.Monotonic is not safe for concurrent use, hence the mutex.
var (
	mu      sync.Mutex
	entropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID string.
func New() (string, error) {
	mu.Lock()
	defer mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", fmt.Errorf("eventid: generate: %w", err)
	}
	return id.String(), nil
}

// MustNew is like New but panics on error. Use only in tests or init code.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(fmt.Sprintf("eventid.MustNew: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	if _, err := ulid.ParseStrict(s); err != nil {
		return fmt.Errorf("eventid: invalid id %q: %w", s, err)
	}
	return nil
}

// Time returns the creation time encoded in id.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("eventid: invalid id %q: %w", id, err)
	}
	return ulid.Time(u.Time()), nil
}
