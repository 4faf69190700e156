package session

import (
	"fmt"
	"sync"
)

// Stats aggregates session-lifecycle counters across every Session sharing it, implementing
// reporter.Reporter for cmd/zyproxy's periodic status line (SPEC_FULL.md §11.1).
type Stats struct {
	mu sync.Mutex

	started         int64
	active          int64
	httpSessions    int64
	httpsSessions   int64
	badRequests     int64
	gatewayTimeouts int64
}

// NewStats returns an empty session Stats ready to be shared across every accepted connection.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) sessionStarted() {
	s.mu.Lock()
	s.started++
	s.active++
	s.mu.Unlock()
}

func (s *Stats) sessionEnded() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func (s *Stats) sessionTransport(https bool) {
	s.mu.Lock()
	if https {
		s.httpsSessions++
	} else {
		s.httpSessions++
	}
	s.mu.Unlock()
}

func (s *Stats) badRequest() {
	s.mu.Lock()
	s.badRequests++
	s.mu.Unlock()
}

func (s *Stats) gatewayTimeout() {
	s.mu.Lock()
	s.gatewayTimeouts++
	s.mu.Unlock()
}

// Name implements reporter.Reporter.
func (s *Stats) Name() string {
	return "Sessions"
}

// Report implements reporter.Reporter.
func (s *Stats) Report(resetCounters bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := fmt.Sprintf("active=%d started=%d http=%d https=%d badReq=%d gatewayTimeout=%d",
		s.active, s.started, s.httpSessions, s.httpsSessions, s.badRequests, s.gatewayTimeouts)

	if resetCounters {
		s.started, s.httpSessions, s.httpsSessions, s.badRequests, s.gatewayTimeouts = 0, 0, 0, 0, 0
	}

	return report
}
