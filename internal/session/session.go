// Package session implements the proxy session state machine of spec.md §4.5: one goroutine per
// accepted client connection, driving the request parser, asking the resolver for an address, and
// handing off to a tunnel once the upstream connection is up. The state machine itself
// (Start -> GotRequest -> Resolved -> Transport{Http,Https}) is encoded directly as the sequence
// of steps Serve runs through rather than as a dispatched state enum, since there is exactly one
// goroutine driving exactly one connection through it and no external event can reorder the
// steps - the enum below exists for reporting/testing, not dispatch.
package session

import (
	"io"
	"net"
	"time"

	"github.com/dunmore-labs/zyproxy/internal/connectiontracker"
	"github.com/dunmore-labs/zyproxy/internal/constants"
	"github.com/dunmore-labs/zyproxy/internal/dnsresolver"
	"github.com/dunmore-labs/zyproxy/internal/httpproxy"
	"github.com/dunmore-labs/zyproxy/internal/tunnel"
)

// State is one of the five proxy session states from spec.md §4.5.
type State int

const (
	StateStart State = iota
	StateGotRequest
	StateResolved
	StateTransportHttp
	StateTransportHttps
)

// String implements fmt.Stringer for compact logging.
func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateGotRequest:
		return "GotRequest"
	case StateResolved:
		return "Resolved"
	case StateTransportHttp:
		return "TransportHttp"
	case StateTransportHttps:
		return "TransportHttps"
	default:
		return "Unknown"
	}
}

// Config carries the per-session tunables from spec.md §6; zero values fall back to the
// tunnel package's defaults.
type Config struct {
	ConnectTimeout time.Duration
	HighWaterBytes int
}

// Session drives one accepted client connection through its state machine. One goroutine owns a
// Session for its entire life; Serve does not return until the connection and any tunnel it
// built are fully torn down. Not safe for concurrent use - there is never a reason to share one.
type Session struct {
	conn     net.Conn
	key      string
	resolver *dnsresolver.Resolver
	tracker  *connectiontracker.Tracker
	stats    *Stats
	cfg      Config

	state    State
	parser   *httpproxy.Parser
	tun      *tunnel.Tunnel
	hijacked bool
}

// New constructs a Session around an accepted connection. tracker and stats may both be nil, in
// which case the corresponding bookkeeping is simply skipped.
func New(conn net.Conn, resolver *dnsresolver.Resolver, tracker *connectiontracker.Tracker, stats *Stats, cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = tunnel.DefaultConfig.ConnectTimeout
	}
	if cfg.HighWaterBytes <= 0 {
		cfg.HighWaterBytes = tunnel.DefaultConfig.HighWaterBytes
	}
	return &Session{
		conn:     conn,
		key:      conn.RemoteAddr().String(),
		resolver: resolver,
		tracker:  tracker,
		stats:    stats,
		cfg:      cfg,
		state:    StateStart,
		parser:   httpproxy.NewParser(),
	}
}

// State returns the session's current state, safe to call from the owning goroutine only - this
// is a convenience for tests, not for cross-goroutine inspection.
func (s *Session) State() State {
	return s.state
}

// Serve runs the session to completion, blocking until teardown. It never returns an error:
// every failure path is terminated by replying to the client (where a reply is still owed) and
// closing the connection, per spec.md §4.5's "Error replies".
func (s *Session) Serve() {
	now := time.Now()
	if s.tracker != nil {
		s.tracker.ConnState(s.key, now, connectiontracker.StateNew)
		s.tracker.ConnState(s.key, now, connectiontracker.StateActive)
	}
	if s.stats != nil {
		s.stats.sessionStarted()
	}
	defer s.teardown()

	req, err := s.readRequest()
	if err != nil {
		if err != io.EOF {
			s.replyBadRequest()
		}
		return
	}
	s.state = StateGotRequest

	ip, ok := s.resolve(req.Host)
	if !ok || ip.IsUnspecified() {
		s.replyGatewayTimeout()
		return
	}
	s.state = StateResolved

	https := req.Method == "CONNECT"
	var pending []byte
	if !https {
		pending = req.Upstream
	}
	target := net.JoinHostPort(req.Host, req.Port)
	addr := net.JoinHostPort(ip.String(), req.Port)

	done := make(chan struct{})
	s.tun = tunnel.New(s.conn, tunnel.Config{
		ConnectTimeout: s.cfg.ConnectTimeout,
		HighWaterBytes: s.cfg.HighWaterBytes,
	}, func() { close(done) })

	if err := s.tun.Connect(addr, target, https, pending); err != nil {
		s.replyGatewayTimeout()
		return
	}

	if https {
		s.enterTransport(StateTransportHttps, https)
		<-done
		return
	}

	s.enterTransport(StateTransportHttp, https)
	s.serveKeepAlive(req.KeepAlive, done)
}

// enterTransport marks the hand-off from request handling to raw forwarding: the moment the
// session stops being an ordinary request/response cycle, the same event connectiontracker's
// StateHijacked models for net/http's own hijacked connections.
func (s *Session) enterTransport(state State, https bool) {
	s.state = state
	if s.tracker != nil {
		s.tracker.ConnState(s.key, time.Now(), connectiontracker.StateHijacked)
	}
	s.hijacked = true
	if s.stats != nil {
		s.stats.sessionTransport(https)
	}
}

// serveKeepAlive implements TransportHttp's re-parse loop (spec.md §4.5): every further client
// request is parsed, rewritten, and forwarded through the tunnel's upstream socket, until either
// the client asks to close, parsing fails (answered with 400 Bad Request before the tunnel is
// closed), or the tunnel tears itself down from the response side.
func (s *Session) serveKeepAlive(keepAlive bool, done chan struct{}) {
	if !keepAlive {
		<-done
		return
	}

	for {
		req, err := s.readRequest()
		if err != nil {
			if err != io.EOF {
				switch err {
				case httpproxy.ErrMalformedRequestLine, httpproxy.ErrMalformedHeader, httpproxy.ErrBadContentLength:
					s.replyBadRequest()
				}
				s.tun.Close()
			}
			<-done
			return
		}

		if err := s.tun.WriteUpstream(req.Upstream); err != nil {
			<-done
			return
		}

		if !req.KeepAlive {
			<-done
			return
		}
	}
}

// readRequest blocks until the parser produces one complete, valid request, a parse error
// surfaces, or the connection is closed. Bytes left over in the parser's buffer from a previous
// call (a pipelined keep-alive request) are tried before any new Read.
func (s *Session) readRequest() (*httpproxy.Request, error) {
	buf := make([]byte, 8192)
	for {
		req, err := s.parser.Next()
		if err != nil {
			return nil, err
		}
		if req != nil {
			if !req.Valid() {
				return nil, httpproxy.ErrMalformedRequestLine
			}
			return req, nil
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			s.parser.Feed(buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// resolve asks the resolver for host's address and blocks the session's goroutine until the
// callback fires. This is the Go realization of GotRequest's "reads paused": the goroutine that
// would otherwise call conn.Read is parked on resultCh instead, so no client byte is ever read
// while a resolve is outstanding.
func (s *Session) resolve(host string) (net.IP, bool) {
	resultCh := make(chan net.IP, 1)
	accepted := s.resolver.ResolveBoth(host, func(ip net.IP) {
		select {
		case resultCh <- ip:
		default: // the session gave up already (shouldn't happen: buffered, one send)
		}
	})
	if !accepted {
		return nil, false
	}
	return <-resultCh, true
}

func (s *Session) replyBadRequest() {
	s.conn.Write([]byte(constants.Get().BadRequest))
	if s.stats != nil {
		s.stats.badRequest()
	}
}

func (s *Session) replyGatewayTimeout() {
	s.conn.Write([]byte(constants.Get().GatewayTimeo))
	if s.stats != nil {
		s.stats.gatewayTimeout()
	}
}

// teardown closes whatever is still open and erases the session's tracker/stats bookkeeping,
// per spec.md §4.5's "Resource cleanup". Safe to call exactly once, from Serve's defer.
func (s *Session) teardown() {
	if s.tun != nil {
		s.tun.Close()
	} else {
		s.conn.Close()
	}
	if s.tracker != nil && !s.hijacked {
		s.tracker.ConnState(s.key, time.Now(), connectiontracker.StateClosed)
	}
	if s.stats != nil {
		s.stats.sessionEnded()
	}
}
