package transport

import (
	"bytes"
	"sync"
	"time"

	"picomotor-host/pkg/errors"
	"picomotor-host/pkg/log"
	"picomotor-host/pkg/metrics"
	"picomotor-host/pkg/protocol"
)

// DefaultQueryTimeout bounds the wait for a query response terminator.
const DefaultQueryTimeout = 500 * time.Millisecond

// Channel serializes request/response exchanges over one connection.
//
// A single lock covers each full exchange: the send/receive pair for one
// command completes before the next command's bytes are sent, even across
// axes of the same device.
type Channel struct {
	mu           sync.Mutex
	conn         Conn
	logger       *log.Logger
	queryTimeout time.Duration

	exchanges    *metrics.Counter
	timeouts     *metrics.Counter
	checksumErrs *metrics.Counter
}

// NewChannel wraps a connection with exchange serialization.
func NewChannel(conn Conn, logger *log.Logger) *Channel {
	return &Channel{
		conn:         conn,
		logger:       logger,
		queryTimeout: DefaultQueryTimeout,
	}
}

// Instrument registers the channel's counters on the given registry.
func (c *Channel) Instrument(reg *metrics.Registry) {
	c.exchanges = reg.Counter("picomotor_channel_exchanges_total", "Commands sent over the protocol channel")
	c.timeouts = reg.Counter("picomotor_channel_timeouts_total", "Query responses that missed the wait budget")
	c.checksumErrs = reg.Counter("picomotor_channel_checksum_errors_total", "Binary replies failing integrity checks")
}

func (c *Channel) countExchange() {
	if c.exchanges != nil {
		c.exchanges.Inc()
	}
}

func (c *Channel) countTimeout() {
	if c.timeouts != nil {
		c.timeouts.Inc()
	}
}

// SendOrder sends one ASCII fire-and-forget command.
func (c *Channel) SendOrder(axis int, cmd, val string) error {
	msg, err := protocol.FormatOrder(axis, cmd, val)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.countExchange()
	c.logger.Debug("sending order %q", msg)
	if _, err := c.conn.Write(msg); err != nil {
		return errors.Wrap(err, errors.ErrConnection, "failed to send command")
	}
	return nil
}

// SendQuery sends one ASCII query and waits for its terminated response.
// The terminator is stripped from the returned payload.
func (c *Channel) SendQuery(axis int, cmd, val string) (string, error) {
	msg, err := protocol.FormatQuery(axis, cmd, val)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.countExchange()
	c.logger.Debug("sending query %q", msg)
	if _, err := c.conn.Write(msg); err != nil {
		return "", errors.Wrap(err, errors.ErrConnection, "failed to send command")
	}

	ans, err := c.readUntilTerminator()
	if err != nil {
		return "", err
	}
	c.logger.Debug("received %q", ans)
	return ans, nil
}

func (c *Channel) readUntilTerminator() (string, error) {
	deadline := time.Now().Add(c.queryTimeout)
	buf := make([]byte, 0, 64)
	tmp := make([]byte, 256)
	for {
		n, err := c.conn.Read(tmp)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrConnection, "failed to read response")
		}
		buf = append(buf, tmp[:n]...)

		// A full answer is the terminator, possibly preceded by payload.
		if bytes.HasSuffix(buf, []byte(protocol.ReplyTerminator)) {
			return string(buf[:len(buf)-len(protocol.ReplyTerminator)]), nil
		}
		if time.Now().After(deadline) {
			c.countTimeout()
			return "", errors.ProtoTimeout("no response terminator within %v", c.queryTimeout)
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Exchange sends one binary frame and waits for its 9-byte reply.
//
// A reply addressed from an unexpected module id is tolerated, matching
// real hardware: it is logged and the reply is returned anyway.
func (c *Channel) Exchange(f protocol.Frame) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countExchange()

	msg := f.Encode()
	c.logger.Debug("sending frame % x", msg)
	if _, err := c.conn.Write(msg); err != nil {
		return protocol.Reply{}, errors.Wrap(err, errors.ErrConnection, "failed to send frame")
	}

	deadline := time.Now().Add(c.queryTimeout)
	buf := make([]byte, 0, protocol.FrameLen)
	tmp := make([]byte, protocol.FrameLen)
	for len(buf) < protocol.FrameLen {
		n, err := c.conn.Read(tmp[:protocol.FrameLen-len(buf)])
		if err != nil {
			return protocol.Reply{}, errors.Wrap(err, errors.ErrConnection, "failed to read reply")
		}
		buf = append(buf, tmp[:n]...)
		if len(buf) < protocol.FrameLen {
			if time.Now().After(deadline) {
				c.countTimeout()
				return protocol.Reply{}, errors.ProtoTimeout("no reply frame within %v", c.queryTimeout)
			}
			if n == 0 {
				time.Sleep(10 * time.Millisecond)
			}
		}
	}

	r, err := protocol.DecodeReply(buf)
	if err != nil {
		if errors.Is(err, errors.ErrChecksum) && c.checksumErrs != nil {
			c.checksumErrs.Inc()
		}
		return protocol.Reply{}, err
	}
	if r.ModuleAddr != f.Target {
		c.logger.Warn("reply from module %d, expected %d", r.ModuleAddr, f.Target)
	}
	return r, nil
}

// DrainInput discards unread bytes so the next exchange starts clean.
// Used by resynchronization after a timeout or known-bad command.
func (c *Channel) DrainInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.DrainInput()
}

// Close releases the underlying connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
