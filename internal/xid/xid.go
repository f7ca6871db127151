package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random record id. Ids are assigned on the device and double
// as the remote idempotency key, so they must never be derived from local
// state such as counters or clocks.
func New() string {
	return uuid.NewString()
}

// Valid reports whether id parses as a UUID. Legacy ids created by older
// shells are accepted as long as they are non-empty and contain no spaces.
func Valid(id string) bool {
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	return id != "" && !strings.ContainsAny(id, " \t\r\n/")
}
