// Package idx mints ULID request identifiers. IDs from one process sort in
// the order they were minted, so backend logs keyed by X-Request-ID line up
// with the client's own.
package idx

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a ULID in canonical string form.
type ID string

var ErrInvalid = errors.New("idx: invalid ulid")

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New mints an ID for the current time.
func New() ID { return NewAt(time.Now()) }

// NewAt mints an ID stamped with t. Calls within the same millisecond still
// produce increasing IDs.
func NewAt(t time.Time) ID {
	mu.Lock()
	defer mu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

// Parse accepts a ULID in any case and returns its canonical form.
func Parse(s string) (ID, error) {
	u, err := ulid.ParseStrict(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return ID(u.String()), nil
}

func (id ID) String() string { return string(id) }

// Time is the mint time, or the zero time when id is not a ULID.
func (id ID) Time() time.Time {
	u, err := ulid.ParseStrict(string(id))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time())
}
