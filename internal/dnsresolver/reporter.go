package dnsresolver

import "fmt"

// Name implements reporter.Reporter.
func (r *Resolver) Name() string {
	return "DNS Resolver"
}

// Report implements reporter.Reporter, in the teacher's compact field=value style.
func (r *Resolver) Report(resetCounters bool) string {
	r.statsMu.Lock()
	s := r.s
	if resetCounters {
		r.s = stats{}
	}
	r.statsMu.Unlock()

	r.cacheMu.Lock()
	v4, v6 := r.caches[V4].size(), r.caches[V6].size()
	r.cacheMu.Unlock()

	return fmt.Sprintf("sent=%d hits=%d timeouts=%d retries=%d malformed=%d full=%d badhost=%d cacheA=%d cacheAAAA=%d",
		s.queriesSent, s.cacheHits, s.timeouts, s.retries, s.malformed, s.transactionsFull, s.encodingErrors, v4, v6)
}
