package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// RandomID is the default IDGenerator: a random 16-byte hex token
// prefixed for readability in logs and URLs.
type RandomID struct{}

// NewID mints a new locally-unique swap ID.
func (RandomID) NewID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("swap-%s", hex.EncodeToString(buf[:]))
}
