// Package httpproxy implements the plain-text HTTP request line tokenizer, the CRLF-delimited
// head/body parser built on top of it, and the hop-by-hop header rewrite that turns a client's
// request into the upstream-relative request the tunnel forwards. It deliberately stops at the
// request head: responses are never parsed, matching the proxy's opaque-tunnel design.
package httpproxy

import (
	"errors"
	"strconv"
	"strings"
)

const defaultPort = "80"

// ErrMalformedRequestLine is returned for anything that doesn't tokenize as METHOD SP URL SP VERSION.
var ErrMalformedRequestLine = errors.New("httpproxy: malformed request line")

// ParseRequestLine tokenizes a request line by splitting on single ASCII spaces into
// METHOD, URL and VERSION, then decomposes URL into host/port/path. The URL may be an absolute
// form (scheme://host[:port]/path) or a CONNECT authority form (host:port) - both are decomposed
// the same way once any "scheme://" prefix has been stripped.
func ParseRequestLine(line string) (method, host, port, path, version string, err error) {
	fields := strings.Split(line, " ")
	if len(fields) != 3 {
		return "", "", "", "", "", ErrMalformedRequestLine
	}
	method, url, version := fields[0], fields[1], fields[2]
	if len(method) == 0 || len(version) == 0 {
		return "", "", "", "", "", ErrMalformedRequestLine
	}

	authority := url
	if idx := strings.Index(url, "://"); idx >= 0 {
		authority = url[idx+3:]
	}

	path = "/"
	if idx := strings.IndexByte(authority, '/'); idx >= 0 {
		path = authority[idx:]
		authority = authority[:idx]
	}

	host, port, err = splitAuthority(authority)
	if err != nil {
		return "", "", "", "", "", err
	}

	return method, host, port, path, version, nil
}

// splitAuthority splits "host" or "host:port" into its parts, defaulting port to 80. More than
// one colon, an empty host, or a non-numeric port are all rejected.
func splitAuthority(authority string) (host, port string, err error) {
	if len(authority) == 0 {
		return "", "", ErrMalformedRequestLine
	}

	parts := strings.Split(authority, ":")
	switch len(parts) {
	case 1:
		host = parts[0]
		port = defaultPort
	case 2:
		host = parts[0]
		if len(host) == 0 {
			return "", "", ErrMalformedRequestLine
		}
		if _, perr := strconv.Atoi(parts[1]); perr != nil {
			return "", "", ErrMalformedRequestLine
		}
		port = parts[1]
	default:
		return "", "", ErrMalformedRequestLine
	}

	if len(host) == 0 {
		return "", "", ErrMalformedRequestLine
	}

	return host, port, nil
}
