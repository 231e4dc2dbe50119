// Package xid generates ledger record identifiers. IDs embed a nanosecond
// timestamp so records sort roughly by creation order, plus random bytes so
// concurrent writers cannot collide.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

func New(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Fall back to the timestamp alone rather than aborting a ledger write.
		return prefix + "-" + ts
	}
	return prefix + "-" + ts + "-" + hex.EncodeToString(buf[:])
}
