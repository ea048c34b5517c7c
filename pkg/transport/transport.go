// Package transport provides byte-stream connections to picomotor
// controllers (serial device, TCP, or the in-process simulator) and the
// exchange-serializing protocol channel on top of them.
package transport

import (
	"io"
	"net"
	"strings"
	"time"

	"github.com/tarm/serial"

	"picomotor-host/pkg/errors"
	"picomotor-host/pkg/log"
	"picomotor-host/pkg/sim"
)

// DefaultTCPPort is the well-known controller port (telnet-style).
const DefaultTCPPort = "23"

// SimAddress is the sentinel address selecting the in-process simulator.
const SimAddress = "sim"

// DefaultBaud is used for serial connections.
const DefaultBaud = 115200

// readPoll bounds one Conn.Read attempt. The channel owns the overall
// response budget; transports only wait this long per attempt.
const readPoll = 50 * time.Millisecond

// Conn is a byte-stream connection to one controller.
//
// Read returns (0, nil) when no data arrived within the transport's short
// poll interval, so callers can enforce their own overall deadline.
type Conn interface {
	io.ReadWriteCloser

	// DrainInput discards any unread bytes queued on the connection.
	DrainInput() error
}

// Dial opens a connection for the given address:
//   - "sim" starts an in-process simulated controller
//   - an absolute path opens a serial device
//   - anything else is host[:port] over TCP (default port 23)
func Dial(address string, logger *log.Logger) (Conn, error) {
	switch {
	case address == SimAddress:
		return sim.New(logger.WithPrefix("sim")), nil
	case strings.HasPrefix(address, "/"):
		return dialSerial(address)
	default:
		return dialTCP(address, logger)
	}
}

type tcpConn struct {
	c net.Conn
}

func dialTCP(address string, logger *log.Logger) (Conn, error) {
	if !strings.Contains(address, ":") {
		address = net.JoinHostPort(address, DefaultTCPPort)
	}
	c, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConnection,
			"failed to connect to "+address+", check the controller is connected to the network, turned on, and correctly configured")
	}
	conn := &tcpConn{c: c}

	// The controller sends a telnet negotiation blob on a new connection.
	// Discard whatever greeting shows up before first use.
	if err := conn.DrainInput(); err != nil {
		logger.Debug("no welcome message received from %s", address)
	}
	return conn, nil
}

func (t *tcpConn) Read(p []byte) (int, error) {
	if err := t.c.SetReadDeadline(time.Now().Add(readPoll)); err != nil {
		return 0, err
	}
	n, err := t.c.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (t *tcpConn) Write(p []byte) (int, error) {
	return t.c.Write(p)
}

func (t *tcpConn) Close() error {
	return t.c.Close()
}

func (t *tcpConn) DrainInput() error {
	buf := make([]byte, 4096)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		n, err := t.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

type serialConn struct {
	p *serial.Port
}

func dialSerial(device string) (Conn, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        DefaultBaud,
		ReadTimeout: readPoll,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConnection, "failed to open serial port "+device)
	}
	return &serialConn{p: p}, nil
}

func (s *serialConn) Read(p []byte) (int, error) {
	n, err := s.p.Read(p)
	// tarm reports a read timeout as EOF; to the channel that is just an
	// empty poll, not end of stream.
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (s *serialConn) Write(p []byte) (int, error) {
	return s.p.Write(p)
}

func (s *serialConn) Close() error {
	return s.p.Close()
}

func (s *serialConn) DrainInput() error {
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
