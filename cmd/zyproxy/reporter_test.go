package main

import (
	"strings"
	"testing"
)

func TestReporter(t *testing.T) {
	s := &server{listenAddress: "127.0.0.1:8768"}
	name := s.Name()
	if !strings.Contains(name, "127.0.0.1:8768") {
		t.Error("Name does not contain listen address", name)
	}

	rep1 := s.Report(false)
	if !strings.Contains(rep1, "accepted=0") {
		t.Error("Expected zeroed initial report, got", rep1)
	}

	s.mu.Lock()
	s.accepted = 3
	s.refused = 1
	s.mu.Unlock()

	rep2 := s.Report(true)
	if rep2 == rep1 {
		t.Error("Report should change with counter updates", rep1, rep2)
	}
	if !strings.Contains(rep2, "accepted=3") || !strings.Contains(rep2, "refused=1") {
		t.Error("Report did not reflect updated counters", rep2)
	}

	rep3 := s.Report(false)
	if rep3 != rep1 {
		t.Error("Reset counters report should equal initial report. Expected:", rep1, "Got:", rep3)
	}
}
