package main

import (
	"time"

	"github.com/dunmore-labs/zyproxy/internal/flagutil"
)

type config struct {
	gops    bool
	help    bool
	verbose bool
	version bool

	listenAddresses flagutil.StringValue // Listen address(es) for inbound client connections

	dnsServer     string
	dnsTimeout    time.Duration
	dnsMaxRetries int
	dnsMaxTTL     int

	connectTimeout time.Duration
	highWaterBytes int

	statusInterval time.Duration

	cpuprofile, memprofile string
}
