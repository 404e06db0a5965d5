package wire

import (
	"io"

	"goleech/internal/bterrors"
)

const pstr = "BitTorrent protocol"

// HandshakeSize is the fixed 68-byte handshake length for pstr
// "BitTorrent protocol".
const HandshakeSize = 1 + len(pstr) + 8 + 20 + 20

// ExtBitExtensionProtocol is the reserved-byte bit index (BEP-10) signaling
// extension-protocol support, counted from the low end of the 64-bit
// reserved field (bit 0 = LSB of the last reserved byte).
const ExtBitExtensionProtocol = 20

// Handshake is the fixed 68-byte peer-wire handshake.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// New builds a handshake advertising the given reserved-bit extension
// indices (e.g. ExtBitExtensionProtocol).
func New(infoHash, peerID [20]byte, extensionBits ...uint) *Handshake {
	h := &Handshake{InfoHash: infoHash, PeerID: peerID}
	for _, bit := range extensionBits {
		h.SetExtensionBit(bit)
	}
	return h
}

// SetExtensionBit sets reserved bit index bit, little-endian within its
// byte, counting bytes from the end of the 8-byte reserved field (bit 0 is
// the LSB of the last byte).
func (h *Handshake) SetExtensionBit(bit uint) {
	byteIdx := 7 - bit/8
	h.Reserved[byteIdx] |= 1 << (bit % 8)
}

// HasExtensionBit reports whether reserved bit index bit is set.
func (h *Handshake) HasExtensionBit(bit uint) bool {
	byteIdx := 7 - bit/8
	return h.Reserved[byteIdx]&(1<<(bit%8)) != 0
}

// Serialize renders the fixed 68-byte handshake.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeSize)
	cursor := 0
	buf[cursor] = byte(len(pstr))
	cursor++
	cursor += copy(buf[cursor:], pstr)
	cursor += copy(buf[cursor:], h.Reserved[:])
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and parses a handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, connClosed(err)
	}
	pstrlen := int(lenBuf[0])
	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, connClosed(err)
	}
	h := &Handshake{}
	cursor := pstrlen
	copy(h.Reserved[:], rest[cursor:cursor+8])
	cursor += 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}

// VerifyInfoHash reports a mismatch if the peer's handshake carries a
// different info-hash than expected, which should abort the session.
func VerifyInfoHash(h *Handshake, want [20]byte) error {
	if h.InfoHash != want {
		return bterrors.Wrapf(bterrors.ErrProtocolError, "info-hash mismatch: expected %x, got %x", want, h.InfoHash)
	}
	return nil
}
