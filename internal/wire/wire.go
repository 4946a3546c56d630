// Package wire implements the framed cluster transport: a fixed 12-byte
// big-endian PacketInfo header followed by a JSON-encoded payload.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/me/condex/pkg/model"
)

// MaxPayload bounds the announced payload size of a single frame. OS images
// are the largest legitimate payload; anything past this is a framing error.
const MaxPayload = 1 << 30

// headerSize is the encoded size of a PacketInfo.
const headerSize = 12

// EncodePacket serializes a header into its 12-byte wire form.
func EncodePacket(pk model.PacketInfo) [headerSize]byte {
	var b [headerSize]byte
	binary.BigEndian.PutUint32(b[0:4], pk.ID)
	binary.BigEndian.PutUint32(b[4:8], pk.Type)
	binary.BigEndian.PutUint32(b[8:12], pk.Size)
	return b
}

// DecodePacket parses a 12-byte wire header.
func DecodePacket(b [headerSize]byte) model.PacketInfo {
	return model.PacketInfo{
		ID:   binary.BigEndian.Uint32(b[0:4]),
		Type: binary.BigEndian.Uint32(b[4:8]),
		Size: binary.BigEndian.Uint32(b[8:12]),
	}
}

// WritePacket writes a bare header frame (no payload). Size is forced to 0.
func WritePacket(w io.Writer, pk model.PacketInfo) error {
	pk.Size = 0
	b := EncodePacket(pk)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("write packet header: %w", err)
	}
	return nil
}

// ReadPacket reads the next frame header.
func ReadPacket(r io.Reader) (model.PacketInfo, error) {
	var b [headerSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return model.PacketInfo{}, fmt.Errorf("read packet header: %w", err)
	}
	pk := DecodePacket(b)
	if pk.Size > MaxPayload {
		return model.PacketInfo{}, fmt.Errorf("packet size %d: %w", pk.Size, model.ErrPayloadTooLarge)
	}
	return pk, nil
}

// WriteMessage writes a header plus a JSON-encoded payload. The header's
// Size field is set to the encoded payload length.
func WriteMessage(w io.Writer, pk model.PacketInfo, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload (type %d): %w", pk.Type, err)
	}

	pk.Size = uint32(len(body))
	b := EncodePacket(pk)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("write message header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write message body: %w", err)
	}
	return nil
}

// ReadMessage reads the next frame, verifies its type, and decodes the
// payload into v. A frame of a different type is an ErrUnexpectedPacket.
func ReadMessage(r io.Reader, expect model.PacketType, v any) (model.PacketInfo, error) {
	pk, err := ReadPacket(r)
	if err != nil {
		return pk, err
	}
	if pk.Type != expect {
		return pk, fmt.Errorf("got type %d, want %d: %w", pk.Type, expect, model.ErrUnexpectedPacket)
	}

	body := make([]byte, pk.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return pk, fmt.Errorf("read message body: %w", err)
	}
	if len(body) == 0 {
		return pk, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return pk, fmt.Errorf("decode payload (type %d): %w", pk.Type, err)
	}
	return pk, nil
}
