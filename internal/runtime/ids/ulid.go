package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// DeduplicationKey returns the caller supplied idempotency token when it carries a
// value, otherwise a fresh ULID. One key is produced per logical request and it is
// never regenerated while that request is in flight.
func DeduplicationKey(supplied string) string {
	if key := strings.TrimSpace(supplied); key != "" {
		return key
	}
	return CreateULID()
}
