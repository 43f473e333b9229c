// Package requestid generates the identifiers attached to batch runs
// and individual remote requests for log and event correlation.
package requestid

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// ShortIDLength is the length of per-request short IDs.
const ShortIDLength = 8

// NewRunID returns the identifier for one scheduler invocation.
func NewRunID() string {
	return uuid.New().String()
}

// NewShortID returns a short random hex identifier for a single remote
// request. Falls back to a UUID prefix if crypto/rand fails.
func NewShortID() string {
	bytes := make([]byte, ShortIDLength/2+1)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.New().String()[:ShortIDLength]
	}
	return hex.EncodeToString(bytes)[:ShortIDLength]
}
