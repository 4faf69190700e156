package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative tty
// width for the usage output.

const usageMessageTemplate = `
NAME
          {{.ProgramName}} -- a forward HTTP/HTTPS proxy

SYNOPSIS
          {{.ProgramName}} [options]

DESCRIPTION
          {{.ProgramName}} is a forward proxy for browser-style clients based on {{.RFC}}. It accepts
          plain-text HTTP requests and CONNECT requests on a listening TCP endpoint, resolves the
          origin hostname itself via a small asynchronous DNS client, and ferries bytes between the
          client and the origin until either side closes.

          Plain HTTP requests have their request line rewritten to an origin-relative path and their
          Proxy-Connection header normalized to Connection: Keep-Alive before being forwarded.
          CONNECT requests receive a 200 Connection established reply and are thereafter forwarded
          as opaque bytes in both directions - {{.ProgramName}} never terminates or inspects TLS.

          {{.ProgramName}} speaks directly to a single stub DNS resolver over UDP rather than relying
          on the host system resolver, so a restart or misconfigured /etc/resolv.conf never silently
          redirects proxy traffic. Resolved addresses are cached per hostname/family honoring the
          answer's TTL.

          The wildcard interface address and default port {{.DefaultPort}} are used if no listen
          address is supplied.

OPTIONS
          [-hv] [--version]
          [-A listen address[:port] ...]

          [--dns-server host:port] [--dns-timeout duration]
          [--dns-max-retries count] [--dns-max-ttl seconds]

          [--connect-timeout duration] [--high-water-bytes bytes]

          [-i status-report-interval]

          [--gops] [--cpu-profile file] [--mem-profile file]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time to make it easier for test wrappers to use.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status and stats - otherwise only errors are output")

	flagSet.Var(&cfg.listenAddresses, "A",
		"Listen `address` for inbound client connections (default "+consts.DefaultListenAddress+")")

	flagSet.StringVar(&cfg.dnsServer, "dns-server", consts.DefaultDNSServer,
		"stub resolver `address` to query for upstream hostnames")
	flagSet.DurationVar(&cfg.dnsTimeout, "dns-timeout", 2*time.Second, "per-query DNS `timeout`")
	flagSet.IntVar(&cfg.dnsMaxRetries, "dns-max-retries", consts.DefaultDNSMaxRetries,
		"DNS query retry `count` before a lookup fails")
	flagSet.IntVar(&cfg.dnsMaxTTL, "dns-max-ttl", consts.DefaultDNSMaxTTL,
		"cache ring size in `seconds`; cached entries live at most this minus one")

	flagSet.DurationVar(&cfg.connectTimeout, "connect-timeout", 3*time.Second,
		"upstream TCP connect `timeout`")
	flagSet.IntVar(&cfg.highWaterBytes, "high-water-bytes", consts.DefaultHighWaterBytes,
		"per-direction tunnel backpressure high water mark in `bytes`")

	flagSet.DurationVar(&cfg.statusInterval, "i", 15*time.Minute, "Periodic Status Report `interval`")

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	return flagSet.Parse(args[1:])
}
