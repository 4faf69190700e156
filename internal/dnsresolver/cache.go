package dnsresolver

import "net"

// cacheEntry is an owned resolved-address record, as described in spec.md §3 "Cache entry".
type cacheEntry struct {
	hostname string
	ip       net.IP
}

// ring is the per-family eviction structure: MaxTTL buckets, one per second, each holding the
// strong owners due to expire that many seconds from now. A hostname->entry lookup map is the
// only other state; Go's garbage collector retires an entry the instant both the map and every
// bucket stop referencing it, so this is the strong-owner/weak-handle graph from spec.md §3
// collapsed onto ordinary references. No separate generation counter is kept: tick removes a map
// key only while it still points at the entry being dropped.
type ring struct {
	buckets [][]*cacheEntry
	lookup  map[string]*cacheEntry
	head    int
}

func newRing(maxTTL int) *ring {
	if maxTTL < 1 {
		maxTTL = 1
	}
	return &ring{
		buckets: make([][]*cacheEntry, maxTTL),
		lookup:  make(map[string]*cacheEntry),
	}
}

// lookupHost returns the cached address for hostname, if live. Caller holds the cache mutex.
func (r *ring) lookupHost(hostname string) (net.IP, bool) {
	e, ok := r.lookup[hostname]
	if !ok {
		return nil, false
	}
	return e.ip, true
}

// insert places a newly-resolved address into the bucket ttlSeconds from the current head,
// clamped to min(ttlSeconds, len(buckets)-1) per spec.md §4.2. Caller holds the cache mutex.
func (r *ring) insert(hostname string, ip net.IP, ttlSeconds int) {
	maxTTL := len(r.buckets)
	ttl := ttlSeconds
	if ttl > maxTTL-1 {
		ttl = maxTTL - 1
	}
	if ttl < 0 {
		ttl = 0
	}

	e := &cacheEntry{hostname: hostname, ip: ip}
	r.lookup[hostname] = e // last-write-wins; any prior entry is now orphaned from the map

	idx := (r.head + ttl) % maxTTL
	r.buckets[idx] = append(r.buckets[idx], e)
}

// tick advances the ring by one second: the bucket at the current head is dropped, releasing the
// strong reference held by every entry in it, and the head advances to the next slot. An entry
// whose map lookup no longer points at it (because a fresher resolution superseded it) is left
// alone - it is already unreachable via lookupHost. Caller holds the cache mutex.
func (r *ring) tick() {
	maxTTL := len(r.buckets)
	bucket := r.buckets[r.head]
	for _, e := range bucket {
		if r.lookup[e.hostname] == e {
			delete(r.lookup, e.hostname)
		}
	}
	r.buckets[r.head] = nil
	r.head = (r.head + 1) % maxTTL
}

// size returns the number of distinct live hostnames, for reporting.
func (r *ring) size() int {
	return len(r.lookup)
}
