package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/model"
)

const readBufferSize = 4096

// TCPConfig configures one raw byte-stream connection to a scale.
type TCPConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Cooldown       time.Duration
	RecvBuffer     int
	SendBuffer     int
}

// TCPClient is a raw TCP client for serial-over-TCP scales. A background
// read loop started on connect publishes every received chunk to byte
// subscribers; connection state changes go to status subscribers.
type TCPClient struct {
	cfg TCPConfig
	log *zap.Logger

	mu          sync.Mutex
	conn        net.Conn
	connected   bool
	lastAttempt time.Time
	lastErr     error
	readerDone  chan struct{}

	subMu      sync.Mutex
	byteSubs   map[int]chan []byte
	statusSubs map[int]chan bool
	nextSub    int
}

// NewTCPClient creates a disconnected client.
func NewTCPClient(cfg TCPConfig, log *zap.Logger) *TCPClient {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &TCPClient{
		cfg:        cfg,
		log:        log,
		byteSubs:   make(map[int]chan []byte),
		statusSubs: make(map[int]chan bool),
	}
}

// Connect dials the scale and starts the read loop. Repeated calls within
// the cooldown window after a failure return the cached error.
func (c *TCPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if time.Since(c.lastAttempt) < c.cfg.Cooldown && c.lastErr != nil {
		return c.lastErr
	}
	c.lastAttempt = time.Now()

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.lastErr = fmt.Errorf("%w: %s: %v", model.ErrConnectFailed, addr, err)
		c.log.Debug("scale connect failed", zap.String("addr", addr), zap.Error(err))
		return c.lastErr
	}
	tuneConn(conn, c.cfg.RecvBuffer, c.cfg.SendBuffer)
	c.conn = conn
	c.connected = true
	c.lastErr = nil
	c.readerDone = make(chan struct{})
	go c.readLoop(conn, c.readerDone)
	c.publishStatus(true)
	c.log.Debug("scale connected", zap.String("addr", addr))
	return nil
}

// readLoop reads until error or orderly close, publishing every non-empty
// chunk. On exit the client is marked disconnected.
func (c *TCPClient) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.publishBytes(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("scale read loop ended", zap.Error(err))
			}
			c.dropConn(conn)
			return
		}
	}
}

func (c *TCPClient) dropConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		_ = conn.Close()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		c.publishStatus(false)
		return
	}
	c.mu.Unlock()
}

// Send writes bytes to the scale.
func (c *TCPClient) Send(ctx context.Context, b []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return model.ErrConnectFailed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	if _, err := conn.Write(b); err != nil {
		c.dropConn(conn)
		return fmt.Errorf("%w: %v", model.ErrReadFailed, err)
	}
	return nil
}

// SendReceive sends bytes and waits for the first response chunk within
// respTimeout. The subscription is registered before the send so a fast
// response cannot be missed.
func (c *TCPClient) SendReceive(ctx context.Context, b []byte, respTimeout time.Duration) ([]byte, error) {
	ch, cancel := c.SubscribeBytes()
	defer cancel()

	if err := c.Send(ctx, b); err != nil {
		return nil, err
	}
	timer := time.NewTimer(respTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, model.ErrCancelled
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response within %s", model.ErrReadTimeout, respTimeout)
	case chunk := <-ch:
		return chunk, nil
	}
}

// SubscribeBytes returns a channel of received chunks and a cancel func.
func (c *TCPClient) SubscribeBytes() (<-chan []byte, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan []byte, 16)
	c.byteSubs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		delete(c.byteSubs, id)
		c.subMu.Unlock()
	}
}

// SubscribeStatus returns a channel of connection state changes.
func (c *TCPClient) SubscribeStatus() (<-chan bool, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan bool, 4)
	c.statusSubs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		delete(c.statusSubs, id)
		c.subMu.Unlock()
	}
}

func (c *TCPClient) publishBytes(chunk []byte) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.byteSubs {
		select {
		case ch <- chunk:
		default: // slow subscriber loses chunks, never blocks the read loop
		}
	}
}

func (c *TCPClient) publishStatus(connected bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.statusSubs {
		select {
		case ch <- connected:
		default:
		}
	}
}

// Test reports whether the scale currently answers a connect.
func (c *TCPClient) Test(ctx context.Context) bool {
	return c.Connect(ctx) == nil
}

// Connected reports the cached connection state.
func (c *TCPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the connection and waits for the read loop to exit.
// Idempotent.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.readerDone
	c.conn = nil
	c.connected = false
	c.readerDone = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}
