package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Envelope errors.
var (
	ErrEnvelopeShort   = errors.New("envelope too short")
	ErrSchemaIDTooLong = errors.New("schema id too long")
)

// EncodeEnvelope frames a record payload for the wire.
// Format: [schemaIDLen(1)][schemaID(n)][capturedAt(8, unix nanos, big endian)][payload]
func EncodeEnvelope(schemaID string, capturedAt time.Time, payload []byte) ([]byte, error) {
	idBytes := []byte(schemaID)
	if len(idBytes) > 255 {
		return nil, fmt.Errorf("%w: %d bytes", ErrSchemaIDTooLong, len(idBytes))
	}

	buf := make([]byte, 1+len(idBytes)+8+len(payload))
	buf[0] = byte(len(idBytes))
	copy(buf[1:], idBytes)
	binary.BigEndian.PutUint64(buf[1+len(idBytes):], uint64(capturedAt.UnixNano()))
	copy(buf[1+len(idBytes)+8:], payload)
	return buf, nil
}

// DecodeEnvelope parses a framed record.
func DecodeEnvelope(data []byte) (schemaID string, capturedAt time.Time, payload []byte, err error) {
	if len(data) < 9 {
		return "", time.Time{}, nil, ErrEnvelopeShort
	}
	idLen := int(data[0])
	if len(data) < 1+idLen+8 {
		return "", time.Time{}, nil, ErrEnvelopeShort
	}
	schemaID = string(data[1 : 1+idLen])
	nanos := binary.BigEndian.Uint64(data[1+idLen:])
	capturedAt = time.Unix(0, int64(nanos))
	payload = data[1+idLen+8:]
	return schemaID, capturedAt, payload, nil
}
