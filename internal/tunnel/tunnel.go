// Package tunnel implements the paired client<->upstream byte pipe described in spec.md §4.4:
// dial the upstream origin under a connect timeout, then forward bytes in both directions with
// per-direction backpressure until either side disappears.
package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/dunmore-labs/zyproxy/internal/constants"
)

// Config carries the tunnel-wide tunables from spec.md §6.
type Config struct {
	ConnectTimeout time.Duration
	HighWaterBytes int
}

// DefaultConfig mirrors spec.md §6's defaults.
var DefaultConfig = Config{
	ConnectTimeout: 3 * time.Second,
	HighWaterBytes: 1024 * 1024,
}

// Tunnel owns one client<->upstream connection pair. Construct with New, then Connect to an
// origin address; Close is idempotent and safe to call at any time, from any goroutine, any
// number of times (spec.md §4.4 "Teardown").
type Tunnel struct {
	client   net.Conn
	upstream net.Conn
	cfg      Config

	Target string // display string for logging, e.g. "example.com:443"
	HTTPS  bool

	c2u, u2c *pipeDirection

	closeOnce sync.Once
	onClose   func()
	wg        sync.WaitGroup
}

// New wraps the client-facing connection. The tunnel does not own client until Connect succeeds;
// a caller whose Connect fails is still responsible for closing client itself (the session does
// this as part of replying 504 Gateway Timeout).
func New(client net.Conn, cfg Config, onClose func()) *Tunnel {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig.ConnectTimeout
	}
	if cfg.HighWaterBytes <= 0 {
		cfg.HighWaterBytes = DefaultConfig.HighWaterBytes
	}
	return &Tunnel{client: client, cfg: cfg, onClose: onClose}
}

// Connect dials addr under the configured connect timeout. On success it writes whichever
// greeting applies - the literal 200 Connection established line for HTTPS, or a pre-buffered
// rewritten HTTP request - then starts forwarding. If the dial fails the tunnel remains
// un-started; the caller (the session) is responsible for replying 504 and closing the client.
// If writing the greeting or the pending request fails, the tunnel is closed (both connections)
// before the error is returned.
func (t *Tunnel) Connect(addr, target string, https bool, pendingRequest []byte) error {
	conn, err := net.DialTimeout("tcp", addr, t.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true) // disable Nagle, per spec.md §4.4
	}

	t.upstream = conn
	t.Target = target
	t.HTTPS = https

	if https {
		if _, err := t.client.Write([]byte(constants.Get().ConnectOK)); err != nil {
			t.Close()
			return err
		}
		t.startBoth()
	} else {
		if len(pendingRequest) > 0 {
			if _, err := t.upstream.Write(pendingRequest); err != nil {
				t.Close()
				return err
			}
		}
		// HTTP mode forwards opaquely only upstream->client; the session itself owns
		// client->upstream bytes so it can re-parse subsequent keep-alive requests
		// (spec.md §4.5 "HTTP keep-alive handling").
		t.startUpstreamOnly()
	}

	return nil
}

// startBoth runs both directions as blind byte pipes - HTTPS CONNECT mode, per spec.md §4.4.
func (t *Tunnel) startBoth() {
	t.c2u = newPipeDirection(t.client, t.upstream, t.cfg.HighWaterBytes, t.Close)
	t.u2c = newPipeDirection(t.upstream, t.client, t.cfg.HighWaterBytes, t.Close)

	t.wg.Add(2)
	go func() { defer t.wg.Done(); t.c2u.run() }()
	go func() { defer t.wg.Done(); t.u2c.run() }()
}

// startUpstreamOnly runs just the upstream->client direction; client->upstream bytes are
// forwarded by the session via WriteUpstream instead of being read here.
func (t *Tunnel) startUpstreamOnly() {
	t.u2c = newPipeDirection(t.upstream, t.client, t.cfg.HighWaterBytes, t.Close)

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.u2c.run() }()
}

// WriteUpstream forwards an already-rewritten request to the upstream socket. Used by the
// session in TransportHttp to push subsequent keep-alive requests through the tunnel.
func (t *Tunnel) WriteUpstream(data []byte) error {
	_, err := t.upstream.Write(data)
	return err
}

// Wait blocks until both forwarding directions have exited. Useful in tests; the session itself
// does not need to wait since Close is what matters for cleanup.
func (t *Tunnel) Wait() {
	t.wg.Wait()
}

// Close tears the tunnel down: both connections are closed and the onClose callback (if any)
// fires exactly once. Idempotent, per spec.md §4.4.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		if t.client != nil {
			t.client.Close()
		}
		if t.upstream != nil {
			t.upstream.Close()
		}
		if t.onClose != nil {
			t.onClose()
		}
	})
}

// ClientReadPaused reports whether the client->upstream direction is currently backpressured.
func (t *Tunnel) ClientReadPaused() bool {
	if t.c2u == nil {
		return false
	}
	return t.c2u.Paused()
}

// UpstreamReadPaused reports whether the upstream->client direction is currently backpressured.
func (t *Tunnel) UpstreamReadPaused() bool {
	if t.u2c == nil {
		return false
	}
	return t.u2c.Paused()
}

// BytesForwarded returns (client->upstream, upstream->client) byte counts so far.
func (t *Tunnel) BytesForwarded() (clientToUpstream, upstreamToClient int64) {
	if t.c2u != nil {
		clientToUpstream = t.c2u.Bytes()
	}
	if t.u2c != nil {
		upstreamToClient = t.u2c.Bytes()
	}
	return
}
