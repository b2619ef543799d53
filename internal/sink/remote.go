package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// remoteFrameVersion is the first byte of every appended frame so the
// wire format can evolve without breaking existing viewers.
const remoteFrameVersion = 1

// RemoteAppender streams records to a remote viewer over a single TCP
// connection. Frames carry the topic, schema id, capture time and
// payload; the viewer replays them in arrival order.
type RemoteAppender struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// DialViewer connects to a remote viewer endpoint (host:port).
func DialViewer(endpoint string, timeout time.Duration) (*RemoteAppender, error) {
	conn, err := net.DialTimeout("tcp", endpoint, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial viewer %s: %w", endpoint, err)
	}
	return &RemoteAppender{conn: conn, writeTimeout: timeout}, nil
}

// NewRemoteAppender wraps an existing connection, for tests.
func NewRemoteAppender(conn net.Conn, writeTimeout time.Duration) *RemoteAppender {
	return &RemoteAppender{conn: conn, writeTimeout: writeTimeout}
}

// Append writes one framed record. Any write error is fatal for the
// session: the caller tears the sink down rather than retrying.
func (a *RemoteAppender) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := encodeFrame(rec)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writeTimeout > 0 {
		a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	}
	if _, err := a.conn.Write(frame); err != nil {
		return fmt.Errorf("viewer append failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (a *RemoteAppender) Close() error {
	return a.conn.Close()
}

// RemoteAddr reports the viewer endpoint.
func (a *RemoteAppender) RemoteAddr() string {
	return a.conn.RemoteAddr().String()
}

// encodeFrame lays a record out as:
//
//	[version 1][topicLen 2 BE][topic][schemaIDLen 1][schemaID]
//	[capturedAt 8 BE, unix ns][payloadLen 4 BE][payload]
func encodeFrame(rec Record) ([]byte, error) {
	if len(rec.Topic) > 0xFFFF {
		return nil, fmt.Errorf("topic name too long: %d bytes", len(rec.Topic))
	}
	if len(rec.SchemaID) > 0xFF {
		return nil, fmt.Errorf("schema id too long: %d bytes", len(rec.SchemaID))
	}

	size := 1 + 2 + len(rec.Topic) + 1 + len(rec.SchemaID) + 8 + 4 + len(rec.Payload)
	frame := make([]byte, 0, size)

	frame = append(frame, remoteFrameVersion)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(rec.Topic)))
	frame = append(frame, rec.Topic...)
	frame = append(frame, byte(len(rec.SchemaID)))
	frame = append(frame, rec.SchemaID...)
	frame = binary.BigEndian.AppendUint64(frame, uint64(rec.CapturedAt.UnixNano()))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(rec.Payload)))
	frame = append(frame, rec.Payload...)
	return frame, nil
}
