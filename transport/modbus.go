package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aldas/go-modbus-client"
	"github.com/aldas/go-modbus-client/packet"
	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/model"
)

// ModbusConfig configures one Modbus/TCP counter connection.
type ModbusConfig struct {
	Host           string
	Port           int
	UnitID         uint8
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryDelay     time.Duration
	MaxRetries     int
	Cooldown       time.Duration
	RecvBuffer     int
	SendBuffer     int
}

// ModbusClient holds one connection to one Modbus/TCP device and reads
// holding registers from it. Safe for use by a single worker goroutine;
// the mutex guards state against concurrent Test/Close from the control
// plane.
type ModbusClient struct {
	cfg ModbusConfig
	log *zap.Logger

	mu          sync.Mutex
	client      *modbus.Client
	connected   bool
	lastAttempt time.Time
	lastErr     error
}

// NewModbusClient creates a disconnected client.
func NewModbusClient(cfg ModbusConfig, log *zap.Logger) *ModbusClient {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &ModbusClient{cfg: cfg, log: log}
}

// Connect establishes the TCP connection unless already connected. Within
// the cooldown window after a failed attempt the cached error is returned
// without touching the socket.
func (c *ModbusClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *ModbusClient) connectLocked(ctx context.Context) error {
	if c.connected {
		return nil
	}
	if time.Since(c.lastAttempt) < c.cfg.Cooldown && c.lastErr != nil {
		return c.lastErr
	}
	c.lastAttempt = time.Now()

	client := modbus.NewTCPClientWithConfig(modbus.ClientConfig{
		WriteTimeout:    c.cfg.ReadTimeout,
		ReadTimeout:     c.cfg.ReadTimeout,
		DialContextFunc: c.dialContext,
	})
	addr := fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(dialCtx, addr); err != nil {
		c.lastErr = fmt.Errorf("%w: %s: %v", model.ErrConnectFailed, addr, err)
		c.log.Debug("modbus connect failed",
			zap.String("addr", addr), zap.Error(err))
		return c.lastErr
	}
	c.client = client
	c.connected = true
	c.lastErr = nil
	c.log.Debug("modbus connected", zap.String("addr", addr))
	return nil
}

// dialContext dials the raw socket for the Modbus client and applies the
// field-device socket options.
func (c *ModbusClient) dialContext(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(address, "tcp://"))
	if err != nil {
		return nil, err
	}
	tuneConn(conn, c.cfg.RecvBuffer, c.cfg.SendBuffer)
	return conn, nil
}

// ReadRegisters reads count holding registers starting at start. On read
// failure the connection is dropped, the retry delay elapses, and the whole
// connect+read is retried, up to MaxRetries attempts in total. The result
// duration covers all attempts.
func (c *ModbusClient) ReadRegisters(ctx context.Context, start uint16, count uint16) (ReadResult, error) {
	began := time.Now()
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ReadResult{Duration: time.Since(began)}, model.ErrCancelled
			case <-timer.C:
			}
		}
		words, err := c.readOnce(ctx, start, count)
		if err == nil {
			return ReadResult{Words: words, Duration: time.Since(began)}, nil
		}
		if ctx.Err() != nil {
			return ReadResult{Duration: time.Since(began)}, model.ErrCancelled
		}
		lastErr = err
		c.markDisconnected()
	}
	return ReadResult{Duration: time.Since(began)}, lastErr
}

func (c *ModbusClient) readOnce(ctx context.Context, start uint16, count uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		// A read attempt may connect outside the cooldown bookkeeping of
		// repeated explicit Connect calls, but still records the outcome.
		prevErr := c.lastErr
		c.lastErr = nil
		if err := c.connectLocked(ctx); err != nil {
			if c.lastErr == nil {
				c.lastErr = prevErr
			}
			return nil, err
		}
	}

	req, err := packet.NewReadHoldingRegistersRequestTCP(c.cfg.UnitID, start, count)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", model.ErrReadFailed, err)
	}
	readCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	resp, err := c.client.Do(readCtx, req)
	if err != nil {
		var mbErr packet.ModbusError
		switch {
		case readCtx.Err() == context.DeadlineExceeded:
			return nil, fmt.Errorf("%w: registers %d+%d", model.ErrReadTimeout, start, count)
		case errors.As(err, &mbErr):
			return nil, fmt.Errorf("%w: %v", model.ErrReadFailed, mbErr)
		default:
			return nil, fmt.Errorf("%w: %v", model.ErrReadFailed, err)
		}
	}
	tcpResp, ok := resp.(*packet.ReadHoldingRegistersResponseTCP)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected response type %T", model.ErrReadFailed, resp)
	}
	data := tcpResp.Data
	if len(data) < int(count)*2 {
		return nil, fmt.Errorf("%w: short register payload (%d bytes)", model.ErrReadFailed, len(data))
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// Test reports whether the device currently answers a connect.
func (c *ModbusClient) Test(ctx context.Context) bool {
	return c.Connect(ctx) == nil
}

// Connected reports the cached connection state.
func (c *ModbusClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *ModbusClient) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.connected = false
}

// Close tears down the connection. Idempotent.
func (c *ModbusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.connected = false
	return nil
}
