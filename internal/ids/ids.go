package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID. Authorization ids are time-ordered so rows cluster by
// creation time in the primary key index, and the lowest-id tie break on
// equal end dates stays deterministic.
func New() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}
