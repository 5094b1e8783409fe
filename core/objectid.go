package core

import (
	"crypto/rand"
	"encoding/hex"
)

// NewObjectID returns a fresh 24-character hex record identifier.
func NewObjectID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // the platform random source is gone, nothing sensible to do
	}
	return hex.EncodeToString(b[:])
}

// IsObjectID reports whether s is a well-formed 24-character hex identifier.
func IsObjectID(s string) bool {
	if len(s) != 24 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
