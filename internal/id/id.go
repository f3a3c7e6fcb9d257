// Package id mints job identifiers.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// New returns a 32-character hex job ID. If the entropy source fails the ID
// degrades to a timestamp so job creation never blocks on randomness.
func New() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "job-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf[:])
}
