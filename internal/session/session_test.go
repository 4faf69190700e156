package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dunmore-labs/zyproxy/internal/dnsresolver"
)

// fakeDNSStub answers every query on the loopback address with a fixed A-record for 127.0.0.1.
func fakeDNSStub(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		buf := make([]byte, 65535)
		for {
			_, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			id := binary.BigEndian.Uint16(buf[0:2])
			conn.WriteToUDP(buildAReply(id, 2, [4]byte{127, 0, 0, 1}), peer)
		}
	}()
	return conn.LocalAddr().String(), func() { conn.Close() }
}

// silentDNSStub reads every query and never answers, to exercise resolver timeout/retry.
func silentDNSStub(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		buf := make([]byte, 65535)
		for {
			if _, _, err := conn.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()
	return conn.LocalAddr().String(), func() { conn.Close() }
}

func buildAReply(id uint16, ttl uint32, addr [4]byte) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint16(buf[0:2], id)
	binary.BigEndian.PutUint16(buf[2:4], 0x8180)
	binary.BigEndian.PutUint16(buf[4:6], 1)
	binary.BigEndian.PutUint16(buf[6:8], 1)
	binary.BigEndian.PutUint16(buf[8:10], 0)
	binary.BigEndian.PutUint16(buf[10:12], 0)

	buf = append(buf, 7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0)
	buf = append(buf, 0, 1, 0, 1)

	buf = append(buf, 0xC0, 12)
	buf = append(buf, 0, 1, 0, 1)
	ttlBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(ttlBytes, ttl)
	buf = append(buf, ttlBytes...)
	buf = append(buf, 0, 4)
	buf = append(buf, addr[:]...)

	return buf
}

// echoUpstream starts a TCP listener that runs fn(conn) for each accepted connection.
func echoUpstream(t *testing.T, fn func(net.Conn)) (port string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fn(conn)
		}
	}()
	_, port, _ = net.SplitHostPort(ln.Addr().String())
	return port, func() { ln.Close() }
}

func TestSessionHTTPRequestForwardedAndClosed(t *testing.T) {
	port, closeUpstream := echoUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		_ = n
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})
	defer closeUpstream()

	dnsAddr, closeDNS := fakeDNSStub(t)
	defer closeDNS()

	resolver, err := dnsresolver.New(dnsresolver.Config{Server: dnsAddr, Timeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("New resolver: %v", err)
	}
	defer resolver.Close()

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	sess := New(serverSide, resolver, nil, nil, Config{ConnectTimeout: time.Second})
	go sess.Serve()

	req := fmt.Sprintf("GET http://127.0.0.1:%s/foo HTTP/1.1\r\nHost: 127.0.0.1:%s\r\nProxy-Connection: keep-alive\r\nConnection: close\r\n\r\n", port, port)
	if _, err := clientSide.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp := make([]byte, 256)
	n, err := clientSide.Read(resp)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.HasPrefix(string(resp[:n]), "HTTP/1.1 200 OK") {
		t.Fatalf("unexpected response: %q", resp[:n])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := clientSide.Read(resp); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never closed the client connection")
		}
	}
}

func TestSessionMalformedRequestReturns400(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	sess := New(serverSide, nil, nil, nil, Config{})
	go sess.Serve()

	if _, err := clientSide.Write([]byte("GET HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := make([]byte, 256)
	n, err := clientSide.Read(resp)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.Contains(string(resp[:n]), "400 Bad Request") {
		t.Fatalf("expected 400 Bad Request, got %q", resp[:n])
	}
}

func TestSessionResolverFailureReturns504(t *testing.T) {
	dnsAddr, closeDNS := silentDNSStub(t)
	defer closeDNS()

	resolver, err := dnsresolver.New(dnsresolver.Config{Server: dnsAddr, Timeout: 20 * time.Millisecond, MaxRetries: 1}, nil)
	if err != nil {
		t.Fatalf("New resolver: %v", err)
	}
	defer resolver.Close()

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	sess := New(serverSide, resolver, nil, nil, Config{ConnectTimeout: time.Second})
	go sess.Serve()

	req := "GET http://nonexistent.invalid/foo HTTP/1.1\r\nHost: nonexistent.invalid\r\n\r\n"
	if _, err := clientSide.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, 256)
	n, err := clientSide.Read(resp)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.Contains(string(resp[:n]), "504 Gateway Timeout") {
		t.Fatalf("expected 504 Gateway Timeout, got %q", resp[:n])
	}
}

func TestSessionHTTPSConnectTunnels(t *testing.T) {
	port, closeUpstream := echoUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		io.Copy(conn, conn)
	})
	defer closeUpstream()

	dnsAddr, closeDNS := fakeDNSStub(t)
	defer closeDNS()

	resolver, err := dnsresolver.New(dnsresolver.Config{Server: dnsAddr, Timeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("New resolver: %v", err)
	}
	defer resolver.Close()

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	sess := New(serverSide, resolver, nil, nil, Config{ConnectTimeout: time.Second})
	go sess.Serve()

	req := fmt.Sprintf("CONNECT 127.0.0.1:%s HTTP/1.1\r\nHost: 127.0.0.1:%s\r\n\r\n", port, port)
	if _, err := clientSide.Write([]byte(req)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	greeting := make([]byte, 256)
	n, err := clientSide.Read(greeting)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.HasPrefix(string(greeting[:n]), "HTTP/1.1 200 Connection established") {
		t.Fatalf("unexpected greeting: %q", greeting[:n])
	}

	if _, err := clientSide.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, 4)
	if _, err := io.ReadFull(clientSide, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(echo, []byte("ping")) {
		t.Fatalf("got %q, want ping", echo)
	}
}
