// Package peerid generates this process's local peer identifier, used in
// tracker announces and the wire handshake.
package peerid

import (
	"crypto/rand"
	"sync"
)

const prefix = "-TM0001-"

var (
	once sync.Once
	id   [20]byte
)

// Generate returns the process-wide peer id, generating it on first call
// and memoizing it for the remainder of the process's lifetime.
func Generate() [20]byte {
	once.Do(func() {
		copy(id[:], prefix)
		_, _ = rand.Read(id[len(prefix):])
	})
	return id
}
