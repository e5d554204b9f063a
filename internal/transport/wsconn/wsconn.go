// Package wsconn implements C16, a single duplex WebSocket pipe with
// metrics, grounded on internal/websocket's dial.go/frame.go conventions
// and built on github.com/coder/websocket.
package wsconn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Direction indicates which way a frame travelled through the connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Frame is a single WebSocket message with bookkeeping metadata.
type Frame struct {
	Type      websocket.MessageType
	Data      []byte
	Timestamp time.Time
	Direction Direction
	Size      int
}

// Metrics tracks per-connection counters using atomics, matching the
// concurrency model's "atomics for pure counters" guidance in spec.md §5.
type Metrics struct {
	FramesIn   atomic.Int64
	FramesOut  atomic.Int64
	BytesIn    atomic.Int64
	BytesOut   atomic.Int64
	LastActive atomic.Int64 // unix nanos
}

func (m *Metrics) touch() {
	m.LastActive.Store(time.Now().UnixNano())
}

// Connection wraps a single coder/websocket connection as a duplex pipe
// with read/write serialization and metrics.
type Connection struct {
	conn    *websocket.Conn
	id      string
	metrics Metrics

	writeMu sync.Mutex
	closed  atomic.Bool
}

// New wraps an already-dialed or already-accepted websocket.Conn.
func New(id string, conn *websocket.Conn) *Connection {
	c := &Connection{conn: conn, id: id}
	c.metrics.touch()
	return c
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

// Read blocks for the next frame.
func (c *Connection) Read(ctx context.Context) (*Frame, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	c.metrics.FramesIn.Add(1)
	c.metrics.BytesIn.Add(int64(len(data)))
	c.metrics.touch()
	return &Frame{Type: typ, Data: data, Timestamp: time.Now(), Direction: Inbound, Size: len(data)}, nil
}

// Write sends a frame, serialized against concurrent writers.
func (c *Connection) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, typ, data); err != nil {
		return err
	}
	c.metrics.FramesOut.Add(1)
	c.metrics.BytesOut.Add(int64(len(data)))
	c.metrics.touch()
	return nil
}

// Close closes the connection with the given close code and reason,
// matching the 16-bit-code-plus-reason close frame contract in spec.md §6.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close(code, reason)
}

// IsClosed reports whether Close has already run.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

// Snapshot returns a point-in-time copy of the connection's metrics.
func (c *Connection) Snapshot() (framesIn, framesOut, bytesIn, bytesOut int64, lastActive time.Time) {
	return c.metrics.FramesIn.Load(),
		c.metrics.FramesOut.Load(),
		c.metrics.BytesIn.Load(),
		c.metrics.BytesOut.Load(),
		time.Unix(0, c.metrics.LastActive.Load())
}
