// mock-device serves the in-memory controller simulator over TCP, so the
// daemon and ad-hoc tools can be exercised against a network "device"
// without hardware. Each accepted connection gets its own simulator
// instance speaking the 9-byte binary framing.
//
// Usage:
//
//	mock-device [-listen :4023] [-banner]
//
// Options:
//
//	-listen string  TCP listen address (default ":4023")
//	-banner         Send a telnet-style welcome line on connect, like the
//	                real controller, to exercise the client's banner drain
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"picomotor-host/pkg/log"
	"picomotor-host/pkg/sim"
)

func main() {
	listen := flag.String("listen", ":4023", "TCP listen address")
	banner := flag.Bool("banner", false, "Send a welcome line on connect")
	flag.Parse()

	logger := log.New("mock-device")

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-device: %v\n", err)
		os.Exit(1)
	}
	logger.Info("listening on %s", ln.Addr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Info("listener closed, exiting")
			return
		}
		logger.Info("client %s connected", conn.RemoteAddr())
		go serve(conn, *banner, logger.WithPrefix("mock/"+conn.RemoteAddr().String()))
	}
}

// serve bridges one TCP client to a fresh simulator until either side
// goes away.
func serve(conn net.Conn, banner bool, logger *log.Logger) {
	defer conn.Close()

	s := sim.New(logger)
	defer s.Close()

	if banner {
		conn.Write([]byte("Welcome to the mock controller\r\n"))
	}

	done := make(chan struct{})
	// Reply pump: the simulator queues replies synchronously with Write,
	// so a short poll is enough.
	go func() {
		defer close(done)
		buf := make([]byte, 256)
		for {
			n, err := s.Read(buf)
			if err != nil {
				return
			}
			if n == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	in := make([]byte, 256)
	for {
		n, err := conn.Read(in)
		if err != nil {
			break
		}
		if _, err := s.Write(in[:n]); err != nil {
			break
		}
	}
	s.Close()
	<-done
	logger.Info("client disconnected")
}
