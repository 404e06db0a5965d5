// Package peerid defines the 20-byte peer identifier shared by the wire,
// scheduler, tracker, and swarm packages.
package peerid

import (
	"crypto/rand"
	"encoding/hex"
)

// ID is a 20-byte BitTorrent peer identifier.
type ID [20]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// clientPrefix identifies this client per the Azureus-style convention
// ("-GL0001-"), with a random suffix so concurrent local instances don't
// collide.
const clientPrefix = "-GL0001-"

// Generate returns a fresh self peer-id: the client prefix followed by
// random bytes.
func Generate() ID {
	var id ID
	copy(id[:], clientPrefix)
	rand.Read(id[len(clientPrefix):])
	return id
}
