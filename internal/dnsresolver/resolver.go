// Package dnsresolver implements the asynchronous stub-resolver client described in spec.md §4.2:
// a single UDP socket pinned to one configured stub resolver, a transaction table matching
// replies to in-flight queries by id, bounded retry on timeout, and a TTL-bucketed cache shared
// across callers.
//
// All resolver-owned state (the transaction table, the UDP socket, retry timers) is confined to
// one goroutine, the direct analogue of spec.md §5's single-threaded event loop: Resolve may be
// called from any goroutine, and every callback for a query sent to the stub resolver runs on that
// one owning goroutine. A cache hit runs the callback synchronously on the goroutine that called
// Resolve, before Resolve returns.
// The cache is the one piece of state touched from other goroutines, and is guarded by its own
// mutex exactly as spec.md §4.2 "Thread-safety" requires.
package dnsresolver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dunmore-labs/zyproxy/internal/dnswire"
)

// Config carries the tunables enumerated in spec.md §6.
type Config struct {
	Server     string // stub resolver host:port
	Timeout    time.Duration
	MaxRetries int
	MaxTTL     int // cache ring size, seconds
}

// DefaultConfig mirrors the defaults spec.md §6 documents.
var DefaultConfig = Config{
	Server:     "127.0.1.1:53",
	Timeout:    2 * time.Second,
	MaxRetries: 2,
	MaxTTL:     500,
}

// ErrNoStubResolver is returned by New when the UDP socket to the stub resolver cannot be opened.
var ErrNoStubResolver = errors.New("dnsresolver: cannot reach stub resolver")

type stats struct {
	queriesSent   int
	cacheHits     int
	timeouts      int
	retries       int
	malformed     int
	transactionsFull int
	encodingErrors   int
}

// transaction is one in-flight query, per spec.md §3.
type transaction struct {
	id       uint16
	hostname string
	family   Family
	callback func(net.IP)
	retries  int
	timer    *time.Timer
}

// Resolver is the asynchronous DNS client. Construct with New; it owns a background goroutine
// until Close is called.
type Resolver struct {
	cfg     Config
	conn    *net.UDPConn
	actions chan func()
	quit    chan struct{}
	stopped chan struct{}

	out io.Writer // fire-and-forget log sink for dropped/unmatched datagrams

	nextID       uint16
	transactions map[uint16]*transaction

	cacheMu sync.Mutex
	caches  [2]*ring // indexed by Family

	statsMu sync.Mutex
	s       stats
}

// New dials the configured stub resolver and starts the resolver's owning goroutine.
func New(cfg Config, out io.Writer) (*Resolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultConfig.MaxTTL
	}
	if len(cfg.Server) == 0 {
		cfg.Server = DefaultConfig.Server
	}

	raddr, err := net.ResolveUDPAddr("udp", cfg.Server)
	if err != nil {
		return nil, ErrNoStubResolver
	}
	conn, err := net.DialUDP("udp", nil, raddr) // connect(2)-equivalent: kernel filters stray datagrams
	if err != nil {
		return nil, ErrNoStubResolver
	}

	r := &Resolver{
		cfg:          cfg,
		conn:         conn,
		actions:      make(chan func(), 64),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		out:          out,
		transactions: make(map[uint16]*transaction),
	}
	r.caches[V4] = newRing(cfg.MaxTTL)
	r.caches[V6] = newRing(cfg.MaxTTL)

	go r.readLoop()
	go r.loop()

	return r, nil
}

// Close tears down the resolver's socket and owning goroutine. Any transactions still in flight
// see their callback invoked with a zero address as the socket read loop unwinds.
func (r *Resolver) Close() error {
	select {
	case <-r.quit:
		return nil
	default:
		close(r.quit)
	}
	err := r.conn.Close()
	<-r.stopped
	return err
}

// Resolve issues (or satisfies from cache) a lookup for hostname/family. It returns true if the
// request was accepted: either satisfied synchronously from the cache (callback has already run)
// or queued as a new transaction (callback will run exactly once, later, on the resolver's
// goroutine). It returns false, synchronously and without invoking callback, for a malformed
// hostname or a full transaction table.
func (r *Resolver) Resolve(hostname string, family Family, callback func(net.IP)) bool {
	if ip, ok := r.cacheLookup(hostname, family); ok {
		r.statsMu.Lock()
		r.s.cacheHits++
		r.statsMu.Unlock()
		callback(ip)
		return true
	}

	if err := dnswire.ValidateHostname(hostname); err != nil {
		r.statsMu.Lock()
		r.s.encodingErrors++
		r.statsMu.Unlock()
		return false
	}

	done := make(chan struct{})
	accepted := false
	submit := func() {
		accepted = r.startTransaction(hostname, family, callback)
		close(done)
	}

	select {
	case r.actions <- submit:
	case <-r.quit:
		return false
	}

	select {
	case <-done:
	case <-r.quit:
		return false
	}

	return accepted
}

// cacheLookup is the only resolver operation callable from outside the owning goroutine.
func (r *Resolver) cacheLookup(hostname string, family Family) (net.IP, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return r.caches[family].lookupHost(hostname)
}

func (r *Resolver) cacheInsert(hostname string, family Family, ip net.IP, ttl uint32) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.caches[family].insert(hostname, ip, int(ttl))
}

// Tick advances both cache rings by one second. Callers run this from a time.Ticker once a
// second; it is split out from New so tests can drive the ring deterministically.
func (r *Resolver) Tick() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.caches[V4].tick()
	r.caches[V6].tick()
}

// startTransaction runs on the owning goroutine: allocate an id, send the query, arm the retry
// timer. Returns false (TransactionTableFull) if every id is already in flight.
func (r *Resolver) startTransaction(hostname string, family Family, callback func(net.IP)) bool {
	id, ok := r.allocateID()
	if !ok {
		r.statsMu.Lock()
		r.s.transactionsFull++
		r.statsMu.Unlock()
		return false
	}

	tx := &transaction{id: id, hostname: hostname, family: family, callback: callback}
	r.transactions[id] = tx
	r.sendQuery(tx)

	return true
}

// allocateID assigns the next free id, monotonically modulo 65535, skipping ids already in
// flight, per spec.md §3's transaction invariant.
func (r *Resolver) allocateID() (uint16, bool) {
	if len(r.transactions) >= 65535 {
		return 0, false
	}
	for i := 0; i < 65536; i++ {
		id := r.nextID
		r.nextID = (r.nextID + 1) % 65535
		if _, inUse := r.transactions[id]; !inUse {
			return id, true
		}
	}
	return 0, false
}

func (r *Resolver) sendQuery(tx *transaction) {
	query, err := dnswire.EncodeQuery(tx.id, tx.hostname, tx.family.qtype())
	if err != nil { // Can't happen: ValidateHostname already passed in Resolve.
		r.finishTransaction(tx, tx.family.zeroAddr())
		return
	}

	if _, err := r.conn.Write(query); err != nil && r.out != nil {
		// UdpSendError per spec.md §7: leave the transaction armed, the timeout/retry path
		// handles it.
		fmt.Fprintln(r.out, "dnsresolver: send error for", tx.hostname, ":", err)
	}
	r.statsMu.Lock()
	r.s.queriesSent++
	r.statsMu.Unlock()

	tx.timer = time.AfterFunc(r.cfg.Timeout, func() {
		select {
		case r.actions <- func() { r.handleTimeout(tx.id) }:
		case <-r.quit:
		}
	})
}

// handleTimeout runs on the owning goroutine.
func (r *Resolver) handleTimeout(id uint16) {
	tx, ok := r.transactions[id]
	if !ok {
		return // reply arrived and raced the timer; already handled
	}

	tx.retries++
	if tx.retries > r.cfg.MaxRetries {
		r.statsMu.Lock()
		r.s.timeouts++
		r.statsMu.Unlock()
		r.finishTransaction(tx, tx.family.zeroAddr())
		return
	}

	r.statsMu.Lock()
	r.s.retries++
	r.statsMu.Unlock()
	r.sendQuery(tx) // re-send under the same id and rearm the timer
}

// handleReply runs on the owning goroutine for every datagram the read loop hands it.
func (r *Resolver) handleReply(data []byte) {
	if len(data) < 2 {
		return
	}
	id := uint16(data[0])<<8 | uint16(data[1])

	tx, ok := r.transactions[id]
	if !ok {
		return // unknown transaction id: drop and continue, per spec.md §4.2
	}

	answer, err := dnswire.ParseResponse(data, tx.id, tx.family.qtype())
	if err != nil {
		r.statsMu.Lock()
		r.s.malformed++
		r.statsMu.Unlock()
		r.finishTransaction(tx, tx.family.zeroAddr())
		return
	}

	ip := net.IP(answer.Address)
	r.cacheInsert(tx.hostname, tx.family, ip, answer.TTL)
	r.finishTransaction(tx, ip)
}

// finishTransaction cancels the retry timer, removes the transaction, and invokes the user
// callback exactly once, on the owning goroutine.
func (r *Resolver) finishTransaction(tx *transaction, ip net.IP) {
	if tx.timer != nil {
		tx.timer.Stop() // a timer may be cancelled exactly once; a redundant Stop is a no-op
	}
	delete(r.transactions, tx.id)
	tx.callback(ip)
}

// readLoop reads datagrams off the UDP socket and hands them to the owning goroutine.
func (r *Resolver) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case r.actions <- func() { r.handleReply(data) }:
		case <-r.quit:
			return
		}
	}
}

// loop is the resolver's single owning goroutine: every action - queries, timeouts, replies - is
// executed here, one at a time, in the order it was submitted.
func (r *Resolver) loop() {
	defer close(r.stopped)
	for {
		select {
		case fn := <-r.actions:
			fn()
		case <-r.quit:
			for _, tx := range r.transactions {
				r.finishTransaction(tx, tx.family.zeroAddr())
			}
			return
		}
	}
}

