package httpproxy

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedHeader is returned for a header line that isn't "Name: Value" or whose value is
// empty after left-trimming.
var ErrMalformedHeader = errors.New("httpproxy: malformed header line")

// ErrBadContentLength is returned when Content-Length is present but not a non-negative integer.
var ErrBadContentLength = errors.New("httpproxy: bad Content-Length")

const headDelimiter = "\r\n\r\n"

// Header is one accepted request header, in receipt order. Duplicates are retained verbatim;
// last-write-wins is applied only at the Request.Header lookup, matching spec.md 4.3.
type Header struct {
	Name  string
	Value string
}

// Request is a fully parsed client request: the decomposed request line, the ordered headers,
// the body, and the already-rewritten upstream buffer ready to write to the origin socket.
type Request struct {
	Method  string
	Host    string
	Port    string
	Path    string
	Version string
	Headers []Header
	Body    []byte

	// Upstream is "METHOD SP path SP VERSION CRLF" + rewritten headers + CRLF + Body, ready
	// to forward verbatim to the origin connection.
	Upstream []byte

	// KeepAlive reflects an explicit client "Connection: close" (supplemental to spec.md 4.3,
	// which only names Proxy-Connection rewriting); true unless the client asked to close.
	KeepAlive bool
}

// Valid reports whether method and host are both non-empty, the parser's public validity rule.
func (r *Request) Valid() bool {
	return len(r.Method) > 0 && len(r.Host) > 0
}

// Header looks up a header case-insensitively, returning the last value written for that name.
func (r *Request) Header(name string) (string, bool) {
	name = strings.ToLower(name)
	val, ok := "", false
	for _, h := range r.Headers {
		if strings.ToLower(h.Name) == name {
			val, ok = h.Value, true
		}
	}
	return val, ok
}

// parsedHead is the result of Phase A (§4.3): everything needed to know how many more body bytes
// to wait for, plus the already-rewritten head ready to have the body bytes appended to it.
type parsedHead struct {
	method, host, port, path, version string
	headers                           []Header
	contentLength                     int
	keepAlive                         bool
	upstream                          []byte
	rawLen                            int // bytes of the original buffer this head consumed
}

// Parser drives the two-phase parse described in spec.md §4.3 over an append-only byte buffer.
// It is not safe for concurrent use; one Parser belongs to one client connection.
type Parser struct {
	buf  []byte
	head *parsedHead
}

// NewParser returns an empty Parser ready to accept bytes.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends newly-read client bytes to the parser's buffer.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Next attempts to complete one request from the bytes fed so far. It returns (nil, nil) when
// more bytes are needed (a phase A or phase B "incomplete"), (nil, err) on a parse error, or a
// completed *Request with the consumed bytes removed from the internal buffer. A parse error
// between calls is sticky only for the caller: the caller is expected to tear the connection down
// rather than call Next again.
func (p *Parser) Next() (*Request, error) {
	if p.head == nil {
		idx := bytes.Index(p.buf, []byte(headDelimiter))
		if idx < 0 {
			return nil, nil // Phase A incomplete
		}
		head, err := parseHead(p.buf[:idx])
		if err != nil {
			return nil, err
		}
		head.rawLen = idx + len(headDelimiter)
		p.head = head
	}

	total := p.head.rawLen + p.head.contentLength
	if len(p.buf) < total {
		return nil, nil // Phase B incomplete
	}

	body := append([]byte(nil), p.buf[p.head.rawLen:total]...)
	req := &Request{
		Method:    p.head.method,
		Host:      p.head.host,
		Port:      p.head.port,
		Path:      p.head.path,
		Version:   p.head.version,
		Headers:   p.head.headers,
		Body:      body,
		KeepAlive: p.head.keepAlive,
	}
	req.Upstream = make([]byte, 0, len(p.head.upstream)+len(body))
	req.Upstream = append(req.Upstream, p.head.upstream...)
	req.Upstream = append(req.Upstream, body...)

	p.buf = p.buf[total:]
	p.head = nil

	return req, nil
}

// parseHead implements Phase A: split the head into CRLF-delimited lines, tokenize the request
// line, parse and rewrite headers, and stage the Content-Length for Phase B.
func parseHead(head []byte) (*parsedHead, error) {
	lines := strings.Split(string(head), "\r\n")
	method, host, port, path, version, err := ParseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	ph := &parsedHead{
		method: method, host: host, port: port, path: path, version: version,
		keepAlive: true,
	}

	var contentLength string
	var haveContentLength bool

	var upstream bytes.Buffer
	upstream.WriteString(method)
	upstream.WriteByte(' ')
	upstream.WriteString(path)
	upstream.WriteByte(' ')
	upstream.WriteString(version)
	upstream.WriteString("\r\n")

	for _, line := range lines[1:] {
		if len(line) == 0 {
			return nil, ErrMalformedHeader
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, ErrMalformedHeader
		}
		name := line[:colon]
		value := strings.TrimLeft(line[colon+1:], " ")
		if len(name) == 0 || len(value) == 0 {
			return nil, ErrMalformedHeader
		}

		ph.headers = append(ph.headers, Header{Name: name, Value: value})

		lname := strings.ToLower(name)
		switch lname {
		case "proxy-connection":
			upstream.WriteString("Connection: Keep-Alive\r\n")
			continue
		case "content-length":
			contentLength = value
			haveContentLength = true
		case "connection":
			if strings.EqualFold(strings.TrimSpace(value), "close") {
				ph.keepAlive = false
			}
		}

		upstream.WriteString(name)
		upstream.WriteString(": ")
		upstream.WriteString(value)
		upstream.WriteString("\r\n")
	}
	upstream.WriteString("\r\n")
	ph.upstream = upstream.Bytes()

	if haveContentLength {
		n, err := strconv.Atoi(contentLength)
		if err != nil || n < 0 {
			return nil, ErrBadContentLength
		}
		ph.contentLength = n
	}

	return ph, nil
}
