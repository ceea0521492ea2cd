// Package wire implements the peer wire protocol framing: the fixed
// handshake, the length-prefixed message format, and the bit-packed
// bitfield the rest of the module shares.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

func (m MessageID) String() string {
	switch m {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return "unknown"
	}
}

// Block is the size of one transfer unit, the atomic unit of a Request.
const Block = 16384

// MaxPayload bounds the accepted payload length of a message: one byte
// more than a Piece payload carrying a full block (index + begin + Block
// bytes). Decode rejects any frame whose length exceeds MaxPayload+1.
const MaxPayload = Block + 9

// Message is one wire-protocol message: <id><payload>, framed on the
// wire as <4-byte length><id><payload>.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Encode serializes m into its on-wire, length-prefixed form.
func (m *Message) Encode() []byte {
	var buf bytes.Buffer

	length := uint32(1 + len(m.Payload))
	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, length)

	buf.Write(lengthPrefix)
	buf.WriteByte(byte(m.ID))
	buf.Write(m.Payload)

	return buf.Bytes()
}

// KeepAlive encodes the zero-length keep-alive message.
func KeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// Decode reads one framed message from r. A nil Message with a nil error
// signals a keep-alive (length-prefix of zero).
func Decode(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	length := binary.BigEndian.Uint32(lengthBuf)

	if length == 0 {
		return nil, nil
	}

	if length > MaxPayload+1 {
		return nil, fmt.Errorf("message length %d exceeds maximum %d", length, MaxPayload+1)
	}

	idBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}

	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read message payload: %w", err)
	}

	return &Message{ID: MessageID(idBuf[0]), Payload: payload}, nil
}

// RequestPayload builds the 12-byte payload of a Request (or Cancel)
// message: index, begin, length, all big-endian u32.
func RequestPayload(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// ParseRequest decodes a Request/Cancel payload.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("malformed request payload: want 12 bytes, got %d", len(payload))
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return index, begin, length, nil
}

// HavePayload builds the 4-byte payload of a Have message.
func HavePayload(index uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return payload
}

// ParseHave decodes a Have payload.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("malformed have payload: want 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// PieceBlock is a parsed Piece message: the block of data a peer sent us
// for (Index, Begin).
type PieceBlock struct {
	Index uint32
	Begin uint32
	Data  []byte
}

// ParsePieceMessage decodes a Piece message's payload into a PieceBlock.
func ParsePieceMessage(msg *Message) (*PieceBlock, error) {
	if msg.ID != Piece {
		return nil, fmt.Errorf("wrong message given: must be 'piece', got %q", msg.ID)
	}
	if len(msg.Payload) < 8 {
		return nil, fmt.Errorf("malformed piece payload: want at least 8 bytes, got %d", len(msg.Payload))
	}

	return &PieceBlock{
		Index: binary.BigEndian.Uint32(msg.Payload[0:4]),
		Begin: binary.BigEndian.Uint32(msg.Payload[4:8]),
		Data:  msg.Payload[8:],
	}, nil
}

// PiecePayload builds the payload of a Piece message.
func PiecePayload(index, begin uint32, data []byte) []byte {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], data)
	return payload
}
