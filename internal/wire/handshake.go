package wire

import (
	"bytes"
	"fmt"
	"io"
)

const (
	protocolString = "BitTorrent protocol"
	HandshakeLen   = 49 + len(protocolString)
)

// Handshake is the fixed 68-byte greeting exchanged before the message
// loop begins.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serializes the handshake: pstrlen, pstr, 8 reserved zero bytes,
// info-hash, peer-id.
func (h *Handshake) Encode() []byte {
	var buf bytes.Buffer
	var reserved [8]byte

	buf.WriteByte(byte(len(protocolString)))
	buf.WriteString(protocolString)
	buf.Write(reserved[:])
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])

	return buf.Bytes()
}

// DecodeHandshake reads exactly HandshakeLen bytes from r and parses them.
// It rejects a handshake whose length byte does not match HandshakeLen;
// the protocol string's bytes themselves are not checked.
func DecodeHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}

	pstrlen := int(buf[0])
	if 1+pstrlen+8+20+20 != HandshakeLen {
		return nil, fmt.Errorf("unexpected protocol string length %d", pstrlen)
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])

	return &h, nil
}
