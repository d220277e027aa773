package ledger

import (
	"github.com/oklog/ulid/v2"
)

// NewID returns a fresh ULID string. ULIDs are 26 characters of Crockford
// base32 whose lexicographic order matches their creation order, so event IDs
// double as tie-breakers when two events share a millisecond timestamp.
func NewID() string {
	return ulid.Make().String()
}

// IDTime extracts the millisecond timestamp embedded in an ID.
func IDTime(id string) (int64, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return 0, err
	}
	return int64(parsed.Time()), nil
}
