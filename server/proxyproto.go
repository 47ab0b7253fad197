package server

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// proxyHeader is the parsed result of a PROXY protocol v1 preamble, per
// §4.7 and the example in §6: "PROXY TCP4 192.0.2.1 192.0.2.2 1234 21\r\n".
type proxyHeader struct {
	srcIP    string
	srcPort  int
	dstIP    string
	dstPort  int
}

// maxProxyHeaderLen bounds the v1 ASCII header per the PROXY protocol spec.
const maxProxyHeaderLen = 107

// errProxyHeaderTooLong and friends classify a malformed preamble; the caller
// always responds by closing the connection, per §4.7.
var (
	errProxyHeaderTooLong   = fmt.Errorf("proxyproto: header exceeds %d bytes", maxProxyHeaderLen)
	errProxyHeaderMalformed = fmt.Errorf("proxyproto: malformed header")
	errProxyUnsupportedFam  = fmt.Errorf("proxyproto: only TCP4 is supported")
)

// readProxyHeader reads and parses a PROXY v1 header from the front of r.
// Only IPv4 ("TCP4") is required; anything else is rejected. r must be a
// *bufio.Reader so unconsumed bytes after the header remain available to
// the caller (the control-loop codec attaches to the same reader).
func readProxyHeader(r *bufio.Reader) (proxyHeader, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return proxyHeader{}, err
	}
	if len(line) > maxProxyHeaderLen+1 {
		return proxyHeader{}, errProxyHeaderTooLong
	}
	if !strings.HasSuffix(line, "\r\n") {
		return proxyHeader{}, errProxyHeaderMalformed
	}
	line = strings.TrimSuffix(line, "\r\n")

	fields := strings.Fields(line)
	if len(fields) != 6 || fields[0] != "PROXY" {
		return proxyHeader{}, errProxyHeaderMalformed
	}
	if fields[1] != "TCP4" {
		return proxyHeader{}, errProxyUnsupportedFam
	}

	srcPort, err := strconv.Atoi(fields[4])
	if err != nil {
		return proxyHeader{}, errProxyHeaderMalformed
	}
	dstPort, err := strconv.Atoi(fields[5])
	if err != nil {
		return proxyHeader{}, errProxyHeaderMalformed
	}
	if net.ParseIP(fields[2]) == nil || net.ParseIP(fields[3]) == nil {
		return proxyHeader{}, errProxyHeaderMalformed
	}

	return proxyHeader{
		srcIP:   fields[2],
		srcPort: srcPort,
		dstIP:   fields[3],
		dstPort: dstPort,
	}, nil
}

// proxyConn wraps a net.Conn whose first bytes have already been consumed
// as a PROXY header, remapping RemoteAddr to the real client address it
// described (what every downstream consumer — logging, bounce-attack
// checks, the switchboard lookup — actually wants).
type proxyConn struct {
	net.Conn
	remote net.Addr
}

func (c *proxyConn) RemoteAddr() net.Addr { return c.remote }

// acceptProxied classifies one freshly-accepted connection under PROXY
// mode: control connections (destination port == externalControlPort) are
// handed to the caller for a new session; data connections are routed
// through the switchboard to the session that reserved that port.
func (s *Server) acceptProxied(conn net.Conn) {
	br := bufio.NewReaderSize(conn, maxProxyHeaderLen+1)
	hdr, err := readProxyHeader(br)
	if err != nil {
		s.logger.Warn("proxy_header_rejected", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	wrapped := &proxyConn{
		Conn:   conn,
		remote: &net.TCPAddr{IP: net.ParseIP(hdr.srcIP), Port: hdr.srcPort},
	}

	if hdr.dstPort == s.proxyExternalControlPort {
		s.handleConnection(bufferedConn{Conn: wrapped, r: br})
		return
	}

	sess := s.switchboard.lookup(hdr.srcIP, hdr.dstPort)
	if sess == nil {
		s.logger.Warn("proxy_data_conn_no_session", "source", hdr.srcIP, "port", hdr.dstPort)
		conn.Close()
		return
	}
	select {
	case sess.incomingDataConnCh <- bufferedConn{Conn: wrapped, r: br}:
	default:
		s.logger.Warn("proxy_data_conn_dropped", "source", hdr.srcIP, "port", hdr.dstPort)
		conn.Close()
	}
}

// bufferedConn carries a net.Conn alongside a *bufio.Reader that may hold
// bytes already read from it (the PROXY header parse over-reads via
// bufio), so downstream readers don't lose buffered data.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
