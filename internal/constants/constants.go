/*
Package constants provides common values used across all zyproxy packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typical usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProgramName, "based on", consts.RFC)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	ProgramName string
	Version     string
	PackageName string
	PackageURL  string
	RFC         string

	DefaultListenAddress string // host:port the proxy binds to absent -A
	DefaultPort          string

	DefaultDNSServer     string // stub resolver host:port
	DefaultDNSTimeout    string // human-readable default, for usage text only
	DefaultDNSMaxRetries int
	DefaultDNSMaxTTL     int // cache ring size, seconds

	DefaultConnectTimeout string // human-readable default, for usage text only
	DefaultHighWaterBytes int

	HTTPVersion  string // version token stamped on internally generated responses
	ProxyAgent   string // Proxy-Agent header value, verbatim per spec
	HopHeader    string // hop-by-hop header the proxy strips/rewrites
	KeepAlive    string // replacement Connection value for a rewritten Proxy-Connection
	DefaultPath  string // path substituted when a request line has none
	ConnectOK    string // the literal 200 response to a CONNECT
	BadRequest   string // the literal 400 response
	GatewayTimeo string // the literal 504 response
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	c := &Constants{
		ProgramName: "zyproxy",
		Version:     "v0.1.0",
		PackageName: "zyproxy forward proxy",
		PackageURL:  "https://github.com/dunmore-labs/zyproxy",
		RFC:         "RFC7230",

		DefaultListenAddress: ":8768",
		DefaultPort:          "8768",

		DefaultDNSServer:     "127.0.1.1:53",
		DefaultDNSTimeout:    "2s",
		DefaultDNSMaxRetries: 2,
		DefaultDNSMaxTTL:     500,

		DefaultConnectTimeout: "3s",
		DefaultHighWaterBytes: 1024 * 1024,

		HTTPVersion: "HTTP/1.1",
		ProxyAgent:  "zy_https/0.1",
		HopHeader:   "proxy-connection",
		KeepAlive:   "Keep-Alive",
		DefaultPath: "/",
	}

	c.BadRequest = c.HTTPVersion + " 400 Bad Request\r\nProxy-Agent: " + c.ProxyAgent + "\r\n\r\n"
	c.GatewayTimeo = c.HTTPVersion + " 504 Gateway Timeout\r\nProxy-Agent: " + c.ProxyAgent + "\r\n\r\n"
	c.ConnectOK = c.HTTPVersion + " 200 Connection established\r\nProxy-Agent: " + c.ProxyAgent + "\r\n\r\n"

	readOnlyConstants = c
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
