package tunnel

import (
	"net"
	"sync"
	"sync/atomic"
)

// pipeDirection is one of a tunnel's two byte pipes: read from src, queue, write to dst. Once
// the queue holds highWater bytes or more, the reader blocks (pausing that read) until the writer
// drains it back below the mark, so the queue exceeds highWater by at most one read's worth of
// bytes. This is spec.md §4.4's backpressure scheme made explicit
// rather than left to implicit kernel socket-buffer behaviour, so it can be asserted on in tests.
type pipeDirection struct {
	src, dst  net.Conn
	highWater int
	teardown  func()

	mu     sync.Mutex
	cond   *sync.Cond
	queued int
	paused bool
	closed bool

	bytesForwarded int64
}

func newPipeDirection(src, dst net.Conn, highWater int, teardown func()) *pipeDirection {
	d := &pipeDirection{src: src, dst: dst, highWater: highWater, teardown: teardown}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// run drives the pipe until src or dst errors, or the tunnel is torn down from elsewhere. It
// blocks the calling goroutine; callers run it in its own goroutine per direction.
func (d *pipeDirection) run() {
	ch := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.writeLoop(ch)
	}()
	d.readLoop(ch)
	<-done
	d.teardownOnce() // only after the writer has drained everything already read
}

func (d *pipeDirection) readLoop(ch chan []byte) {
	defer close(ch)
	buf := make([]byte, 32*1024)
	for {
		n, err := d.src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)

			d.mu.Lock()
			for d.queued >= d.highWater && !d.closed {
				d.paused = true
				d.cond.Wait()
			}
			d.paused = false
			stop := d.closed
			if !stop {
				d.queued += len(chunk)
			}
			d.mu.Unlock()

			if stop {
				return
			}
			ch <- chunk
		}
		if err != nil {
			return // run tears down once writeLoop has flushed the queue
		}
	}
}

func (d *pipeDirection) writeLoop(ch chan []byte) {
	for chunk := range ch {
		n, err := d.dst.Write(chunk)
		atomic.AddInt64(&d.bytesForwarded, int64(n))

		d.mu.Lock()
		d.queued -= len(chunk)
		d.cond.Signal() // wake the reader if it was paused on this backlog draining
		d.mu.Unlock()

		if err != nil {
			d.teardownOnce()
		}
	}
}

// teardownOnce unblocks any paused reader and notifies the owning tunnel. teardown itself is
// idempotent (spec.md §4.4), so no guard is needed here beyond waking waiters exactly once more
// than strictly required being harmless.
func (d *pipeDirection) teardownOnce() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	if d.teardown != nil {
		d.teardown()
	}
}

// Paused reports whether this direction's reader is currently blocked on backpressure.
func (d *pipeDirection) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Bytes returns the number of bytes this direction has forwarded so far.
func (d *pipeDirection) Bytes() int64 {
	return atomic.LoadInt64(&d.bytesForwarded)
}
