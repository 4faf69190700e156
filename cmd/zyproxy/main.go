// listen for inbound client connections and forward them as a plain HTTP/HTTPS proxy
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dunmore-labs/zyproxy/internal/connectiontracker"
	"github.com/dunmore-labs/zyproxy/internal/constants"
	"github.com/dunmore-labs/zyproxy/internal/dnsresolver"
	"github.com/dunmore-labs/zyproxy/internal/reporter"
	"github.com/dunmore-labs/zyproxy/internal/session"

	"github.com/google/gops/agent"
)

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer // All I/O goes via these writers
	stderr io.Writer

	startTime   = time.Now()
	stopChannel chan os.Signal
	flagSet     *flag.FlagSet
)

//////////////////////////////////////////////////////////////////////

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

//////////////////////////////////////////////////////////////////////
// main wrappers make it easy for test programs
//////////////////////////////////////////////////////////////////////

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution. stopChannel is buffered as the reader may disappear if there is a fatal error and
// multiple writers may try to write to the channel and we don't want those writers to stall
// forever.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainState(Initial)
	stopChannel = make(chan os.Signal, 4) // All reasonable signals cause us to quit or stats report
	signal.Notify(stopChannel, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	err := parseCommandLine(args)
	if err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProgramName, "Version:", consts.Version)
		return 0
	}

	if cfg.dnsMaxRetries < 0 {
		return fatal("--dns-max-retries must not be negative")
	}
	if cfg.dnsMaxTTL < 2 {
		return fatal("--dns-max-ttl must be at least 2 seconds")
	}
	if cfg.highWaterBytes < 1 {
		return fatal("--high-water-bytes must be positive")
	}

	if cfg.listenAddresses.NArg() == 0 { // Use the documented default if none supplied
		cfg.listenAddresses.Set(consts.DefaultListenAddress)
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal(err)
		}
	}

	// Start CPU profiling now that most error checking is complete

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	// Memory profile is triggered at the end of the program but we open the output file now so
	// errors surface before we start accepting connections.

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	var logOut io.Writer
	if cfg.verbose {
		logOut = stdout
	}

	resolver, err := dnsresolver.New(dnsresolver.Config{
		Server:     cfg.dnsServer,
		Timeout:    cfg.dnsTimeout,
		MaxRetries: cfg.dnsMaxRetries,
		MaxTTL:     cfg.dnsMaxTTL,
	}, logOut)
	if err != nil {
		return fatal(err)
	}

	tickerDone := make(chan struct{})
	ticker := time.NewTicker(time.Second)
	go func() {
		for {
			select {
			case <-ticker.C:
				resolver.Tick()
			case <-tickerDone:
				ticker.Stop()
				return
			}
		}
	}()

	tracker := connectiontracker.New("Sessions")
	sessionStats := session.NewStats()

	sessionCfg := session.Config{
		ConnectTimeout: cfg.connectTimeout,
		HighWaterBytes: cfg.highWaterBytes,
	}

	var reporters []reporter.Reporter // Keep track of all reportable routines
	var servers []*server             // Keep track of all servers so we can shut them down

	reporters = append(reporters, resolver, tracker, sessionStats)

	if cfg.verbose {
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Starting:", cfg.listenAddresses.Args())
	}

	errorChannel := make(chan error, cfg.listenAddresses.NArg())
	wg := &sync.WaitGroup{} // Wait on all servers

	for _, addr := range cfg.listenAddresses.Args() {
		ip := net.ParseIP(addr) // We have to wrap unadorned ipv6 addresses so we can append port
		if ip != nil && ip.To16() != nil {
			addr = "[" + addr + "]" // It's naked, so wrap it
		}

		// If addr is neither v4addr:port, [v6addr]:port or host:port, append the default port
		if !(strings.LastIndex(addr, ":") > strings.LastIndex(addr, "]")) {
			addr = fmt.Sprintf("%s:%s", addr, consts.DefaultPort)
		}

		s := &server{
			stdout:        stdout,
			listenAddress: addr,
			resolver:      resolver,
			tracker:       tracker,
			sessionStats:  sessionStats,
			sessionCfg:    sessionCfg,
		}
		if err := s.start(errorChannel, wg); err != nil {
			return fatal(err)
		}
		if cfg.verbose {
			fmt.Fprintln(stdout, "Starting", s.Name())
		}

		reporters = append(reporters, s)
		servers = append(servers, s)
	}

	// Loop forever giving periodic status reports and checking for a termination event.

	mainState(Started) // Tell testers that we're up and running
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if s == syscall.SIGUSR1 {
				statusReport("User1", false, reporters)
				break
			}
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running // All signals bar USR1 cause loop exit

		case err := <-errorChannel:
			return fatal(err) // No cleanup if we got a server startup error

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	for _, s := range servers {
		s.stop()
	}
	close(tickerDone)
	resolver.Close()

	mainState(Stopped)
	wg.Wait() // Wait for all servers to shut down

	if cfg.verbose {
		statusReport("Status", true, reporters) // One last report prior to exiting
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Exiting after", uptime())
	}

	// Memory profile is written at the end of the program

	if memProfileFile != nil {
		runtime.GC() // get up-to-date statistics
		err := pprof.WriteHeapProfile(memProfileFile)
		if err != nil {
			return fatal(err)
		}
	}

	return 0
}

// nextInterval calculates the duration to the modulo interval next time. If now is 00:01:17 and
// interval is 30s then return is 13s which is the duration to the next modulo of 00:01:30.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

// uptime calculates how long this server has been running and returns a print-friendly,
// granularity-appropriate representation of that duration.
func uptime() string {
	return time.Now().Sub(startTime).Truncate(time.Second).String()
}

// statusReport prints stats about the server and all known reporters
func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ProgramName, consts.Version, uptime())
	for _, r := range reporters {
		reps := strings.Split(r.Report(resetCounters), "\n")
		for _, s := range reps {
			if len(s) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), s)
			}
		}
	}
}
