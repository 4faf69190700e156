package main

import (
	"fmt"
)

//////////////////////////////////////////////////////////////////////
// reporter implementation
//////////////////////////////////////////////////////////////////////

func (t *server) Name() string {
	return "Server: (on " + t.listenAddress + ")"
}

func (t *server) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := fmt.Sprintf("accepted=%d refused=%d concurrency=%d",
		t.accepted, t.refused, t.cct.Peak(resetCounters))

	if resetCounters {
		t.stats = stats{}
	}

	return s
}
