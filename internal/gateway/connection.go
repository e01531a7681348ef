// Package gateway holds the WebSocket-facing half of the system: the
// connection object and its three loops, the reusable connection pool, the
// message handler and the HTTP/WS server that composes everything.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
	"github.com/mrkingu/knight-hero-server-sub001/internal/metrics"
	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
	"github.com/mrkingu/knight-hero-server-sub001/internal/session"
)

// ConnState is the connection lifecycle state. Transitions are forward
// only; a Disconnected connection never comes back (its shell may be
// recycled into a fresh Idle one by the pool).
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "error"
	}
}

// Connection errors.
var (
	ErrNotConnected     = errors.New("gateway: connection not connected")
	ErrWriteQueueFull   = errors.New("gateway: write queue full")
	ErrReceiveTimeout   = errors.New("gateway: receive timed out")
	ErrConnectionClosed = errors.New("gateway: connection closed")
)

// ConnOptions sizes the per-connection queues and the heartbeat.
type ConnOptions struct {
	ReadQueueSize     int           // default 1000
	WriteQueueSize    int           // default 1000
	WriteBatchSize    int           // default 100
	WriteBatchTimeout time.Duration // default 10ms
	HeartbeatInterval time.Duration // default 30s
	HeartbeatTimeout  time.Duration // default 60s

	// Metrics is optional; nil disables Prometheus instrumentation.
	Metrics *metrics.Registry
}

func (o *ConnOptions) applyDefaults() {
	if o.ReadQueueSize <= 0 {
		o.ReadQueueSize = 1000
	}
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = 1000
	}
	if o.WriteBatchSize <= 0 {
		o.WriteBatchSize = 100
	}
	if o.WriteBatchTimeout <= 0 {
		o.WriteBatchTimeout = 10 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
}

// Connection wraps one accepted WebSocket with a reader, a batching writer
// and a heartbeat loop. Shells are reusable: Reset prepares a used shell
// for the next socket.
type Connection struct {
	ID         string
	RemoteAddr string

	conn  net.Conn
	opts  ConnOptions
	state atomic.Int32

	createdAt    time.Time
	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos
	lastPing     atomic.Int64 // last heartbeat evidence from the peer
	lastPong     atomic.Int64

	BytesSent    atomic.Int64
	BytesRecv    atomic.Int64
	MessagesSent atomic.Int64
	MessagesRecv atomic.Int64
	Errors       atomic.Int64
	Pings        atomic.Int64
	Pongs        atomic.Int64
	ReadDrops    atomic.Int64
	WriteDrops   atomic.Int64

	readQueue  chan *protocol.Message
	writeQueue chan *protocol.Message

	// Session is a non-owning back-reference; the store owns lifetimes.
	session atomic.Pointer[session.Session]

	ctx      context.Context
	cancel   context.CancelFunc
	loopWG   sync.WaitGroup
	closeOne sync.Once

	logger zerolog.Logger
}

// newConnection builds an idle shell; Bind attaches a socket later.
func newConnection(opts ConnOptions, logger zerolog.Logger) *Connection {
	opts.applyDefaults()
	c := &Connection{
		opts:       opts,
		createdAt:  time.Now(),
		readQueue:  make(chan *protocol.Message, opts.ReadQueueSize),
		writeQueue: make(chan *protocol.Message, opts.WriteQueueSize),
		logger:     logger,
	}
	c.state.Store(int32(StateIdle))
	return c
}

// Bind attaches an upgraded socket to the shell and starts the three
// loops. The shell must be Idle.
func (c *Connection) Bind(conn net.Conn, remoteAddr string) error {
	if !c.transition(StateIdle, StateConnecting) {
		return ErrConnectionClosed
	}
	c.ID = uuid.NewString()
	c.RemoteAddr = remoteAddr
	c.conn = conn
	c.connectedAt = time.Now()
	now := time.Now().UnixNano()
	c.lastActivity.Store(now)
	c.lastPing.Store(now)
	c.lastPong.Store(now)
	c.logger = c.logger.With().Str("conn_id", c.ID).Logger()

	if !c.transition(StateConnecting, StateConnected) {
		return ErrConnectionClosed
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.closeOne = sync.Once{}
	c.loopWG.Add(3)
	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()
	return nil
}

// transition performs a CAS on the state; transitions never go backwards.
func (c *Connection) transition(from, to ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Alive reports Connected with a heartbeat inside the timeout window. Any
// ping, pong or heartbeat frame from the peer counts.
func (c *Connection) Alive() bool {
	if c.State() != StateConnected {
		return false
	}
	last := time.Unix(0, c.lastPing.Load())
	return time.Since(last) < c.opts.HeartbeatTimeout
}

// LastActivity returns the time of the last decode or send.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// BindSession attaches the session back-reference.
func (c *Connection) BindSession(s *session.Session) {
	c.session.Store(s)
}

// Session returns the bound session, nil before binding.
func (c *Connection) Session() *session.Session {
	return c.session.Load()
}

// Receive pops the next decoded message, waiting up to timeout.
func (c *Connection) Receive(timeout time.Duration) (*protocol.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-c.readQueue:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrReceiveTimeout
	}
}

// Send queues a message for the write loop. Drops (with a count) when the
// queue is full rather than blocking the caller.
func (c *Connection) Send(msg *protocol.Message) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	select {
	case c.writeQueue <- msg:
		return nil
	default:
		c.WriteDrops.Add(1)
		if m := c.opts.Metrics; m != nil {
			m.WriteQueueDrops.Inc()
		}
		return ErrWriteQueueFull
	}
}

// readLoop decodes frames into the read queue. Text frames become JSON
// envelopes, binary frames opaque byte messages; pongs update the
// heartbeat clock and never surface.
func (c *Connection) readLoop() {
	defer c.loopWG.Done()
	defer logging.RecoverPanic(c.logger, "conn_read")
	// A dead socket ends the reader; close the rest of the connection too.
	defer c.Close(protocol.CloseNormal, "read loop exit")

	controlHandler := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      false,
		OnIntermediate: controlHandler,
	}

	for {
		if c.ctx.Err() != nil {
			return
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.Errors.Add(1)
			}
			return
		}

		if hdr.OpCode.IsControl() {
			now := time.Now().UnixNano()
			switch hdr.OpCode {
			case ws.OpPong:
				c.Pongs.Add(1)
				c.lastPong.Store(now)
				c.lastPing.Store(now)
			case ws.OpPing:
				// The control handler answers; record the liveness proof.
				c.lastPing.Store(now)
			}
			if err := controlHandler(hdr, rd); err != nil {
				return
			}
			continue
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(rd, payload); err != nil {
			c.Errors.Add(1)
			return
		}
		c.BytesRecv.Add(hdr.Length)
		if m := c.opts.Metrics; m != nil {
			m.BytesReceived.Add(float64(hdr.Length))
		}

		var msg *protocol.Message
		switch hdr.OpCode {
		case ws.OpText:
			msg, err = protocol.Decode(payload)
			if err != nil {
				c.Errors.Add(1)
				if m := c.opts.Metrics; m != nil {
					m.DecodeErrors.Inc()
				}
				c.logger.Debug().Err(err).Msg("Undecodable text frame")
				continue
			}
		case ws.OpBinary:
			msg = &protocol.Message{
				Type:      protocol.TypeBytes,
				Timestamp: time.Now().UnixMilli(),
				Kind:      protocol.KindBytes,
				Raw:       payload,
			}
		default:
			continue
		}

		c.MessagesRecv.Add(1)
		if m := c.opts.Metrics; m != nil {
			m.MessagesReceived.Inc()
		}
		c.lastActivity.Store(time.Now().UnixNano())
		if msg.Type == protocol.TypePing || msg.Type == protocol.TypeHeartbeat {
			c.lastPing.Store(time.Now().UnixNano())
		}
		if s := c.Session(); s != nil {
			s.Touch()
		}

		select {
		case c.readQueue <- msg:
		default:
			// Bounded queue; overflow drops the frame and counts it.
			c.ReadDrops.Add(1)
			if m := c.opts.Metrics; m != nil {
				m.ReadQueueDrops.Inc()
			}
		}
	}
}

// writeLoop batches queued messages onto the socket: it drains until the
// batch fills or the flush window passes, then writes the whole run
// through one buffered writer.
func (c *Connection) writeLoop() {
	defer c.loopWG.Done()
	defer logging.RecoverPanic(c.logger, "conn_write")

	bw := bufio.NewWriter(c.conn)
	batch := make([]*protocol.Message, 0, c.opts.WriteBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, msg := range batch {
			if err := c.writeFrame(bw, msg); err != nil {
				c.Errors.Add(1)
				c.Close(protocol.CloseNormal, "write failure")
				return
			}
		}
		if err := bw.Flush(); err != nil {
			c.Errors.Add(1)
			c.Close(protocol.CloseNormal, "flush failure")
			return
		}
		c.MessagesSent.Add(int64(len(batch)))
		if m := c.opts.Metrics; m != nil {
			m.MessagesSent.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	timer := time.NewTimer(c.opts.WriteBatchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			flush()
			return
		case msg := <-c.writeQueue:
			batch = append(batch, msg)
			if len(batch) == 1 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.opts.WriteBatchTimeout)
			}
			if len(batch) >= c.opts.WriteBatchSize {
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

func (c *Connection) writeFrame(w io.Writer, msg *protocol.Message) error {
	switch msg.Kind {
	case protocol.KindBytes:
		c.addBytesSent(len(msg.Raw))
		return wsutil.WriteServerMessage(w, ws.OpBinary, msg.Raw)
	case protocol.KindPing:
		c.Pings.Add(1)
		return wsutil.WriteServerMessage(w, ws.OpPing, msg.Raw)
	default:
		payload, err := msg.Encode()
		if err != nil {
			return err
		}
		c.addBytesSent(len(payload))
		return wsutil.WriteServerMessage(w, ws.OpText, payload)
	}
}

func (c *Connection) addBytesSent(n int) {
	c.BytesSent.Add(int64(n))
	if m := c.opts.Metrics; m != nil {
		m.BytesSent.Add(float64(n))
	}
}

// heartbeatLoop pings the client and closes the connection when pongs stop
// arriving inside the timeout window.
func (c *Connection) heartbeatLoop() {
	defer c.loopWG.Done()
	defer logging.RecoverPanic(c.logger, "conn_heartbeat")

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			silence := time.Since(time.Unix(0, c.lastPing.Load()))
			if silence > c.opts.HeartbeatTimeout {
				c.logger.Info().Dur("silence", silence).Msg("Heartbeat timeout")
				c.Close(protocol.CloseHeartbeatTimeout, "Heartbeat timeout")
				return
			}
			ping := &protocol.Message{
				Kind: protocol.KindPing,
				Raw:  []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)),
			}
			_ = c.Send(ping)
		}
	}
}

// Close cancels the loops, sends a close frame and shuts the socket.
// Idempotent; errors during close are counted, not surfaced.
func (c *Connection) Close(code int, reason string) {
	c.closeOne.Do(func() {
		st := c.State()
		if st == StateConnected {
			c.transition(StateConnected, StateDisconnecting)
		}
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
			if err := ws.WriteFrame(c.conn, frame); err != nil {
				c.Errors.Add(1)
			}
			if err := c.conn.Close(); err != nil {
				c.Errors.Add(1)
			}
		}
		c.state.Store(int32(StateDisconnected))
	})
}

// Wait blocks until every loop has exited. Used by the pool on release.
func (c *Connection) Wait() {
	c.loopWG.Wait()
}

// Reset prepares a disconnected shell for reuse. Queues are drained so the
// next client never sees leftovers.
func (c *Connection) Reset() {
drainRead:
	for {
		select {
		case <-c.readQueue:
		default:
			break drainRead
		}
	}
drainWrite:
	for {
		select {
		case <-c.writeQueue:
		default:
			break drainWrite
		}
	}
	c.ID = ""
	c.RemoteAddr = ""
	c.conn = nil
	c.session.Store(nil)
	c.lastActivity.Store(0)
	c.lastPing.Store(0)
	c.lastPong.Store(0)
	c.state.Store(int32(StateIdle))
}

// Info summarizes the connection for the stats surface.
func (c *Connection) Info() map[string]any {
	info := map[string]any{
		"id":            c.ID,
		"remote_addr":   c.RemoteAddr,
		"state":         c.State().String(),
		"connected_at":  c.connectedAt,
		"last_activity": c.LastActivity(),
		"bytes_sent":    c.BytesSent.Load(),
		"bytes_recv":    c.BytesRecv.Load(),
		"messages_sent": c.MessagesSent.Load(),
		"messages_recv": c.MessagesRecv.Load(),
		"errors":        c.Errors.Load(),
		"pings":         c.Pings.Load(),
		"pongs":         c.Pongs.Load(),
		"last_ping_ts":  time.Unix(0, c.lastPing.Load()),
		"last_pong_ts":  time.Unix(0, c.lastPong.Load()),
	}
	if s := c.Session(); s != nil {
		info["session_id"] = s.ID
	}
	return info
}
