package main

/*

This module is the TCP accept loop that feeds internal/session. Each accepted connection is handed
to its own session.Session running in its own goroutine; the server itself only tracks how many
connections it has accepted and how many are concurrently in flight, the socket-level analogue of
what the DNS-over-HTTPS proxy's server.go tracked for query concurrency.

Socket options are tuned via a net.ListenConfig.Control func rather than left at Go's defaults so
that restarting the proxy does not have to wait out TIME_WAIT on the listen address.

*/

import (
	"context"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/dunmore-labs/zyproxy/internal/concurrencytracker"
	"github.com/dunmore-labs/zyproxy/internal/connectiontracker"
	"github.com/dunmore-labs/zyproxy/internal/dnsresolver"
	"github.com/dunmore-labs/zyproxy/internal/session"

	"golang.org/x/sys/unix"
)

type stats struct {
	accepted int // Connections accepted since the last reset
	refused  int // Reported but never incremented: acceptLoop returns on the first Accept() error
}

type server struct {
	stdout        io.Writer
	listenAddress string
	resolver      *dnsresolver.Resolver
	tracker       *connectiontracker.Tracker
	sessionStats  *session.Stats
	sessionCfg    session.Config

	ln  net.Listener
	cct concurrencytracker.Counter // Track peak concurrent sessions for reporting purposes

	mu sync.Mutex
	stats
}

// reusePortControl sets SO_REUSEADDR and SO_REUSEPORT on the listening socket before bind, so a
// restart does not have to wait out TIME_WAIT on the listen address.
func reusePortControl(_ string, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			ctrlErr = err
			return
		}
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// start opens the listening socket and launches the accept loop in its own goroutine, writing to
// errorChan if and when that loop exits. It returns once the socket is open (or failed to open).
func (t *server) start(errorChan chan error, wg *sync.WaitGroup) error {
	lc := net.ListenConfig{Control: reusePortControl}
	ln, err := lc.Listen(context.Background(), "tcp", t.listenAddress)
	if err != nil {
		return err
	}
	t.ln = ln

	wg.Add(1)
	go func() {
		defer wg.Done()
		errorChan <- t.acceptLoop()
	}()

	return nil
}

// acceptLoop runs until the listener is closed by stop(), at which point Accept() returns an
// error that the caller (main, after the Running select loop has already exited) simply ignores.
func (t *server) acceptLoop() error {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return err
		}

		t.mu.Lock()
		t.accepted++
		t.mu.Unlock()

		t.cct.Add()
		go func() {
			defer t.cct.Done()
			sess := session.New(conn, t.resolver, t.tracker, t.sessionStats, t.sessionCfg)
			sess.Serve()
		}()
	}
}

// stop closes the listening socket, which unblocks the accept loop's Accept() call.
func (t *server) stop() {
	if t.ln != nil {
		t.ln.Close()
	}
}
