// pmnetscan is the privileged network-discovery helper for picomotord.
// New Focus controllers answer a UDP broadcast on port 23; binding that
// port needs elevated privileges, so this small helper does only that and
// prints its findings for the unprivileged daemon to parse.
//
// Output: one controller per line, tab-separated:
//
//	<hostname>	<ip-address>	<port>
//
// Exit codes:
//
//	0   success (possibly zero controllers found)
//	2   bad arguments
//	13  permission denied binding the discovery port
//
// Usage:
//
//	pmnetscan [-timeout 2s] [-port 23]
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"regexp"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// discoveryRequest is the broadcast payload controllers answer to.
const discoveryRequest = "Discovery: Who is out there?\r\n"

// replyRe matches a discovery answer, e.g. "Discovery Reply: 8742-11511".
// The hostname is the device's announced name; identification details are
// read later by the unprivileged probe.
var replyRe = regexp.MustCompile(`Discovery Reply:\s*(\S+)`)

func main() {
	timeout := flag.Duration("timeout", 2*time.Second, "How long to collect answers")
	port := flag.Int("port", 23, "Discovery port")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-timeout 2s] [-port 23]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*port, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "pmnetscan: %v\n", err)
		var errno syscall.Errno
		if asErrno(err, &errno) && (errno == unix.EACCES || errno == unix.EPERM) {
			os.Exit(13)
		}
		os.Exit(1)
	}
}

func asErrno(err error, target *syscall.Errno) bool {
	for err != nil {
		if e, ok := err.(syscall.Errno); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func run(port int, timeout time.Duration) error {
	// The controllers answer from port 23 to port 23, and the port may
	// still be in TIME_WAIT from a previous scan, so both reuse-address
	// and broadcast are set before bind.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	defer pc.Close()

	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	if _, err := pc.WriteTo([]byte(discoveryRequest), bcast); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}

	pc.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1500)
	seen := make(map[string]bool)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			return err
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		m := replyRe.FindSubmatch(buf[:n])
		if m == nil {
			// Our own broadcast loops back too; ignore anything that is
			// not a discovery answer.
			continue
		}
		ip := udpAddr.IP.String()
		if seen[ip] {
			continue
		}
		seen[ip] = true
		fmt.Printf("%s\t%s\t%d\n", m[1], ip, port)
	}
}
