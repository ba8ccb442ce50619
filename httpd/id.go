package httpd

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

func genID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	// A rand failure must not take the request down; fall back to a
	// timestamp-derived ID.
	t := time.Now().UnixNano()
	var fb [16]byte
	for i := 0; i < 16; i++ {
		fb[i] = byte(t >> (uint(i%8) * 8))
	}
	return hex.EncodeToString(fb[:])
}
