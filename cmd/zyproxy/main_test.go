package main

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// We use a bytes.Buffer as stdout, stderr which is shared across multiple go-routines so we need to
// protected it from concurrent access. This is test-only code but -race doesn't know that.
type mutexBytesBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (t *mutexBytesBuffer) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buffer.Write(p)
}

func (t *mutexBytesBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buffer.String()
}

//////////////////////////////////////////////////////////////////////

type mainTestCase struct {
	description string
	willRunFor  time.Duration // zyproxy should run for this amount of time before being terminated
	args        []string      // ARGV - not counting command
	stdout      []string      // Expected stdout strings
	stderr      string        // Expected stderr string
}

// freeLoopbackAddr asks the kernel for a free loopback port so concurrent sub-tests never collide
// on a hard-coded listen address.
func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeLoopbackAddr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestMain(t *testing.T) {
	mainTestCases := []mainTestCase{
		{"Good listen address",
			100 * time.Millisecond, []string{"-v", "-A", freeLoopbackAddr(t)},
			[]string{"Starting", "Exiting"}, ""},

		{"Default listen address",
			100 * time.Millisecond, []string{"-v"},
			[]string{"Starting", "Exiting"}, ""},

		{"Status report",
			2 * time.Second, []string{"-v", "-i", "1s", "-A", freeLoopbackAddr(t)},
			[]string{"Status Server:"}, ""},

		{"CPU Profile",
			100 * time.Millisecond, []string{"-A", freeLoopbackAddr(t), "--cpu-profile", t.TempDir() + "/cpu"},
			[]string{}, ""},

		{"Mem Profile",
			100 * time.Millisecond, []string{"-A", freeLoopbackAddr(t), "--mem-profile", t.TempDir() + "/mem"},
			[]string{}, ""},

		{"Bad dns-max-ttl",
			0, []string{"--dns-max-ttl", "1"},
			[]string{}, "--dns-max-ttl must be at least 2 seconds"},

		{"Bad high-water-bytes",
			0, []string{"--high-water-bytes", "0"},
			[]string{}, "--high-water-bytes must be positive"},
	}

	for _, tc := range mainTestCases {
		t.Run(tc.description, func(t *testing.T) {
			args := append([]string{"zyproxy"}, tc.args...)
			out := &mutexBytesBuffer{}
			err := &mutexBytesBuffer{}
			mainInit(out, err)
			done := make(chan error, 1)
			if tc.willRunFor > 0 {
				go func() {
					done <- waitForMainExecute(t, tc.willRunFor)
				}()
			} else {
				done <- nil // A fatal config error exits before mainState(Started), nothing to wait for
			}
			ec := mainExecute(args)
			e := <-done // Get waitForMainExecute results
			if e != nil {
				t.Log("wfmeO:", out.String())
				t.Log("wfmeE:", err.String())
				t.Fatal(e)
			}
			if ec == 0 && tc.willRunFor == 0 {
				t.Error("Non-zero Exit code expected")
			}
			if ec != 0 && tc.willRunFor > 0 {
				t.Error("Zero Exit code expected, not:", ec)
			}

			outStr := out.String()
			errStr := err.String()
			if len(errStr) > 0 && len(tc.stderr) == 0 {
				t.Error("Did not expect a fatal error:", errStr)
			}
			if !strings.Contains(errStr, tc.stderr) {
				t.Error("Stderr expected:", tc.stderr, "Got:", errStr)
			}

			for _, o := range tc.stdout {
				if !strings.Contains(outStr, o) {
					t.Error("Stdout expected:", o, "Got:", outStr)
				}
			}
		})
	}
}

func TestNextInterval(t *testing.T) {
	tt := []struct {
		now      time.Time
		interval time.Duration
		nextIn   time.Duration
	}{
		// mod(01:01:01, minute)++ -> 01:02:00 needs 59s
		{time.Date(2019, 5, 7, 1, 1, 1, 0, time.UTC), time.Minute, time.Second * 59},
		// mod(01:13:58, 15m)++ -> 01:15:00 needs 1m2s
		{time.Date(2019, 5, 7, 1, 13, 58, 0, time.UTC), time.Minute * 15, time.Minute + time.Second*2},
		// mod(01:01:01, hour)++ -> 02:00:00 needs 58m59s
		{time.Date(2019, 5, 7, 1, 1, 1, 0, time.UTC), time.Hour, time.Minute*58 + time.Second*59},
	}

	for tx, tc := range tt {
		t.Run(fmt.Sprintf("%d", tx), func(t *testing.T) {
			nextIn := nextInterval(tc.now, tc.interval)
			if nextIn != tc.nextIn {
				t.Error("nextIn NE:now", tc.now, "Int", tc.interval, "Want", tc.nextIn, "Got", nextIn)
			}
		})
	}
}

// Test that SIGUSR1 causes a stats report
func TestUSR1(t *testing.T) {
	out := &mutexBytesBuffer{}
	err := &mutexBytesBuffer{}
	args := []string{"zyproxy", "-A", freeLoopbackAddr(t)}
	mainInit(out, err) // Start up quietly
	go func() {
		stopChannel <- syscall.SIGUSR1
		time.Sleep(time.Millisecond * 200) // Give it time to process
		stopMain()
	}()
	ec := mainExecute(args)
	outStr := out.String()
	errStr := err.String()
	if ec != 0 {
		t.Error("Expected zero exit return, not", ec, errStr)
	}
	if !strings.Contains(outStr, "User1 Server") {
		t.Error("Expected User1 Server", outStr)
	}
}

// waitForMainExecute is a helper routine which makes sure that mainExecute() starts up and
// terminates as expected. If not, it returns an error rather than calling t.Fatal() directly since
// it runs in its own goroutine.
func waitForMainExecute(t *testing.T, howLong time.Duration) error {
	for ix := 0; ix < 10; ix++ { // Wait for up to two seconds for main to get running
		if isMain(Started) {
			break
		}
		time.Sleep(time.Millisecond * 200)
	}
	if !isMain(Started) {
		return fmt.Errorf("mainStarted did not get set after two seconds")
	}
	time.Sleep(howLong)          // Give it the designated time to complete
	stopMain()                   // Then ask it to finish up
	for ix := 0; ix < 10; ix++ { // Wait for up to two seconds for main to terminate
		if isMain(Stopped) {
			break
		}
		time.Sleep(time.Millisecond * 200)
	}
	if !isMain(Stopped) {
		return fmt.Errorf("mainStopped did not get set two seconds after stopMain() call for %s", t.Name())
	}

	return nil
}
