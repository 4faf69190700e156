package dnsresolver

import "net"

// ResolveBoth is a convenience layered on top of the single-family Resolve required by spec.md
// §4.2: it races an A and an AAAA lookup for hostname and invokes callback once, with the first
// non-zero address delivered, whichever family it comes from; no family is preferred among
// non-zero answers. If neither lookup yields a non-zero address, callback receives the IPv4 zero
// address (the IPv6 one if only the AAAA lookup was accepted). See SPEC_FULL.md §11.3. It does
// not change the semantics of a direct single-family Resolve call in any way.
func (r *Resolver) ResolveBoth(hostname string, callback func(net.IP)) bool {
	type result struct {
		family Family
		ip     net.IP
	}

	results := make(chan result, 2)
	done := make(chan struct{})
	var fired bool

	deliver := func(family Family, ip net.IP) {
		select {
		case <-done:
			return
		default:
		}
		results <- result{family, ip}
	}

	okV4 := r.Resolve(hostname, V4, func(ip net.IP) { deliver(V4, ip) })
	okV6 := r.Resolve(hostname, V6, func(ip net.IP) { deliver(V6, ip) })

	if !okV4 && !okV6 {
		return false
	}

	want := 0
	if okV4 {
		want++
	}
	if okV6 {
		want++
	}

	go func() {
		var v4Answer, v6Answer *result
		for i := 0; i < want; i++ {
			res := <-results
			cp := res
			if res.family == V4 {
				v4Answer = &cp
			} else {
				v6Answer = &cp
			}
			if !res.ip.IsUnspecified() {
				close(done)
				callback(res.ip)
				fired = true
				return
			}
		}
		if !fired {
			close(done)
			switch {
			case v4Answer != nil:
				callback(v4Answer.ip) // IPv4 zero address on a full double-miss, per the tie-break rule
			case v6Answer != nil:
				callback(v6Answer.ip)
			default:
				callback(net.IPv4zero)
			}
		}
	}()

	return true
}
