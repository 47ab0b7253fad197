package server

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// testFTPClient is a minimal FTP client used only by this package's own
// integration tests. It speaks just enough of the protocol (USER/PASS,
// PASV, the handful of RFC 3659/draft-bryan-ftp-hash extensions this
// server implements, and the standard transfer verbs) to drive the server
// end to end; it is not meant to be a general-purpose client.
type testFTPClient struct {
	conn      net.Conn
	reader    *bufio.Reader
	host      string
	timeout   time.Duration
	tlsConfig *tls.Config

	currentType string
}

type ftpResponse struct {
	Code    int
	Message string
	Lines   []string
}

func (r *ftpResponse) Is2xx() bool { return r.Code >= 200 && r.Code < 300 }

type ftpEntry struct {
	Name string
	Size int64
}

type ftpClientOption func(*testFTPClient)

func withTimeout(d time.Duration) ftpClientOption {
	return func(c *testFTPClient) { c.timeout = d }
}

func withExplicitTLS(cfg *tls.Config) ftpClientOption {
	return func(c *testFTPClient) { c.tlsConfig = cfg }
}

// dialFTP connects to addr, reads the greeting, and (if withExplicitTLS was
// given) performs the AUTH TLS/PBSZ/PROT upgrade before returning.
func dialFTP(addr string, opts ...ftpClientOption) (*testFTPClient, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &testFTPClient{host: host, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if c.timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	resp, err := readFTPResponse(c.reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	if resp.Code != 220 {
		conn.Close()
		return nil, &ftpProtocolError{Command: "CONNECT", Code: resp.Code, Response: resp.Message}
	}

	if c.tlsConfig != nil {
		if err := c.upgradeToTLS(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *testFTPClient) upgradeToTLS() error {
	resp, err := c.sendCommand("AUTH", "TLS")
	if err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}
	if resp.Code != 234 {
		return &ftpProtocolError{Command: "AUTH TLS", Code: resp.Code, Response: resp.Message}
	}

	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	tlsConn := tls.Client(c.conn, c.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)

	if _, err := c.expect2xx("PBSZ", "0"); err != nil {
		return fmt.Errorf("PBSZ failed: %w", err)
	}
	if _, err := c.expect2xx("PROT", "P"); err != nil {
		return fmt.Errorf("PROT failed: %w", err)
	}
	return nil
}

// readFTPResponse reads a single- or multi-line FTP response, following the
// same termination rule the server itself uses: a continuation line starts
// with the code followed by '-', the response ends at a line starting with
// the code followed by a space.
func readFTPResponse(r *bufio.Reader) (*ftpResponse, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		return nil, fmt.Errorf("invalid response line: %q", line)
	}
	code, err := strconv.Atoi(line[0:3])
	if err != nil {
		return nil, fmt.Errorf("invalid response code: %q", line[0:3])
	}

	lines := []string{line}
	if line[3] == ' ' {
		return &ftpResponse{Code: code, Message: line[4:], Lines: lines}, nil
	}
	if line[3] != '-' {
		return nil, fmt.Errorf("invalid response format: %q", line)
	}

	codeStr := line[0:3]
	var msgLines []string
	if len(line) > 4 {
		msgLines = append(msgLines, line[4:])
	}
	for {
		l, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		l = strings.TrimRight(l, "\r\n")
		lines = append(lines, l)
		if len(l) > 0 && l[0] == ' ' {
			msgLines = append(msgLines, strings.TrimSpace(l))
			continue
		}
		if len(l) < 4 || l[0:3] != codeStr {
			continue
		}
		if len(l) > 4 {
			msgLines = append(msgLines, l[4:])
		}
		if l[3] == ' ' {
			break
		}
	}

	return &ftpResponse{Code: code, Message: strings.Join(msgLines, "\n"), Lines: lines}, nil
}

func (c *testFTPClient) sendCommand(command string, args ...string) (*ftpResponse, error) {
	cmd := command
	if len(args) > 0 {
		cmd = command + " " + strings.Join(args, " ")
	}
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	resp, err := readFTPResponse(c.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

func (c *testFTPClient) expectCode(code int, command string, args ...string) (*ftpResponse, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}
	if resp.Code != code {
		return resp, &ftpProtocolError{Command: command, Code: resp.Code, Response: resp.Message}
	}
	return resp, nil
}

func (c *testFTPClient) expect2xx(command string, args ...string) (*ftpResponse, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}
	if !resp.Is2xx() {
		return resp, &ftpProtocolError{Command: command, Code: resp.Code, Response: resp.Message}
	}
	return resp, nil
}

type ftpProtocolError struct {
	Command  string
	Response string
	Code     int
}

func (e *ftpProtocolError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Command, e.Code, e.Response)
}

func (c *testFTPClient) Login(username, password string) error {
	resp, err := c.sendCommand("USER", username)
	if err != nil {
		return err
	}
	if resp.Code == 230 {
		return nil
	}
	if resp.Code != 331 {
		return &ftpProtocolError{Command: "USER", Code: resp.Code, Response: resp.Message}
	}
	_, err = c.expectCode(230, "PASS", password)
	return err
}

func (c *testFTPClient) Quit() error {
	if c.conn == nil {
		return nil
	}
	_, _ = c.sendCommand("QUIT")
	return c.conn.Close()
}

func (c *testFTPClient) Host(host string) error {
	_, err := c.expect2xx("HOST", host)
	return err
}

func (c *testFTPClient) Type(transferType string) error {
	if c.currentType == transferType {
		return nil
	}
	if _, err := c.expectCode(200, "TYPE", transferType); err != nil {
		return err
	}
	c.currentType = transferType
	return nil
}

func (c *testFTPClient) Noop() error {
	_, err := c.expect2xx("NOOP")
	return err
}

// Quote sends a raw command line and returns the server's response.
func (c *testFTPClient) Quote(raw string) (*ftpResponse, error) {
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) == 1 {
		return c.sendCommand(parts[0])
	}
	return c.sendCommand(parts[0], parts[1])
}

func (c *testFTPClient) Hash(path string) (string, error) {
	resp, err := c.sendCommand("HASH", path)
	if err != nil {
		return "", err
	}
	if resp.Code != 213 {
		return "", &ftpProtocolError{Command: "HASH", Code: resp.Code, Response: resp.Message}
	}
	fields := strings.Fields(resp.Message)
	if len(fields) < 2 {
		return "", fmt.Errorf("invalid HASH response: %s", resp.Message)
	}
	return fields[1], nil
}

func (c *testFTPClient) SetHashAlgo(algo string) error {
	_, err := c.expect2xx("OPTS", "HASH", algo)
	return err
}

func (c *testFTPClient) MakeDir(path string) error {
	_, err := c.expect2xx("MKD", path)
	return err
}

func (c *testFTPClient) RemoveDir(path string) error {
	_, err := c.expect2xx("RMD", path)
	return err
}

func (c *testFTPClient) Delete(path string) error {
	_, err := c.expect2xx("DELE", path)
	return err
}

func (c *testFTPClient) Rename(from, to string) error {
	resp, err := c.sendCommand("RNFR", from)
	if err != nil {
		return err
	}
	if resp.Code != 350 {
		return &ftpProtocolError{Command: "RNFR", Code: resp.Code, Response: resp.Message}
	}
	_, err = c.expect2xx("RNTO", to)
	return err
}

func (c *testFTPClient) CurrentDir() (string, error) {
	resp, err := c.expect2xx("PWD")
	if err != nil {
		return "", err
	}
	start := strings.Index(resp.Message, "\"")
	if start == -1 {
		return "", fmt.Errorf("invalid PWD response: %s", resp.Message)
	}
	end := strings.Index(resp.Message[start+1:], "\"")
	if end == -1 {
		return "", fmt.Errorf("invalid PWD response: %s", resp.Message)
	}
	return resp.Message[start+1 : start+1+end], nil
}

func (c *testFTPClient) ModTime(path string) (time.Time, error) {
	resp, err := c.expect2xx("MDTM", path)
	if err != nil {
		return time.Time{}, err
	}
	ts := strings.TrimSpace(resp.Message)
	if len(ts) != 14 {
		return time.Time{}, fmt.Errorf("invalid MDTM response format: %s", resp.Message)
	}
	modTime, err := time.Parse("20060102150405", ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse MDTM timestamp: %w", err)
	}
	return modTime.UTC(), nil
}

func (c *testFTPClient) SetModTime(path string, t time.Time) error {
	ts := t.UTC().Format("20060102150405")
	_, err := c.expect2xx("MFMT", ts, path)
	return err
}

func (c *testFTPClient) Chmod(path string, mode os.FileMode) error {
	octal := fmt.Sprintf("%04o", mode&os.ModePerm)
	_, err := c.expect2xx("SITE", "CHMOD", octal, path)
	return err
}

var pasvResponseRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// openPassiveDataConn sends PASV, parses the h1,h2,h3,h4,p1,p2 tuple (this
// server never supports active mode, so there is no EPRT/PORT fallback to
// try), and dials the data port.
func (c *testFTPClient) openPassiveDataConn() (net.Conn, error) {
	resp, err := c.sendCommand("PASV")
	if err != nil {
		return nil, fmt.Errorf("PASV failed: %w", err)
	}
	if !resp.Is2xx() {
		return nil, &ftpProtocolError{Command: "PASV", Code: resp.Code, Response: resp.Message}
	}

	m := pasvResponseRegex.FindStringSubmatch(resp.Message)
	if len(m) != 7 {
		return nil, fmt.Errorf("invalid PASV response: %s", resp.Message)
	}
	h := make([]string, 4)
	for i := range 4 {
		h[i] = m[i+1]
	}
	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	port := p1*256 + p2
	host := strings.Join(h, ".")
	if host == "0.0.0.0" {
		host = c.host
	}

	dataConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}
	if c.tlsConfig != nil {
		tlsConn := tls.Client(dataConn, c.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			dataConn.Close()
			return nil, fmt.Errorf("data connection TLS handshake failed: %w", err)
		}
		return tlsConn, nil
	}
	return dataConn, nil
}

// dataCmd opens the data connection, sends cmd, and returns the data
// connection on a 1xx/2xx response. The caller must call finishDataConn.
func (c *testFTPClient) dataCmd(cmd string, args ...string) (net.Conn, error) {
	dataConn, err := c.openPassiveDataConn()
	if err != nil {
		return nil, err
	}
	resp, err := c.sendCommand(cmd, args...)
	if err != nil {
		dataConn.Close()
		return nil, err
	}
	if resp.Code < 100 || resp.Code >= 400 {
		dataConn.Close()
		return nil, &ftpProtocolError{Command: cmd, Code: resp.Code, Response: resp.Message}
	}
	return dataConn, nil
}

func (c *testFTPClient) finishDataConn(dataConn net.Conn) error {
	if err := dataConn.Close(); err != nil {
		return fmt.Errorf("failed to close data connection: %w", err)
	}
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	resp, err := readFTPResponse(c.reader)
	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}
	if !resp.Is2xx() {
		return &ftpProtocolError{Command: "DATA_TRANSFER", Code: resp.Code, Response: resp.Message}
	}
	return nil
}

func (c *testFTPClient) Store(remotePath string, r io.Reader) error {
	return c.storeCmd("STOR", remotePath, r)
}

func (c *testFTPClient) Append(remotePath string, r io.Reader) error {
	return c.storeCmd("APPE", remotePath, r)
}

func (c *testFTPClient) storeCmd(verb, remotePath string, r io.Reader) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}
	dataConn, err := c.dataCmd(verb, remotePath)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(dataConn, r)
	finishErr := c.finishDataConn(dataConn)
	if copyErr != nil {
		return fmt.Errorf("upload failed: %w", copyErr)
	}
	return finishErr
}

// StoreUnique issues STOU and extracts the server-generated filename from
// the "150 FILE: <name>" reply.
func (c *testFTPClient) StoreUnique(r io.Reader) (string, error) {
	if err := c.Type("I"); err != nil {
		return "", fmt.Errorf("failed to set binary mode: %w", err)
	}
	dataConn, err := c.openPassiveDataConn()
	if err != nil {
		return "", err
	}
	resp, err := c.sendCommand("STOU")
	if err != nil {
		dataConn.Close()
		return "", err
	}
	if resp.Code < 100 || resp.Code >= 400 {
		dataConn.Close()
		return "", &ftpProtocolError{Command: "STOU", Code: resp.Code, Response: resp.Message}
	}

	name := resp.Message
	if idx := strings.Index(resp.Message, "FILE: "); idx != -1 {
		name = strings.TrimSpace(resp.Message[idx+len("FILE: "):])
	}

	_, copyErr := io.Copy(dataConn, r)
	finishErr := c.finishDataConn(dataConn)
	if copyErr != nil {
		return "", fmt.Errorf("upload failed: %w", copyErr)
	}
	if finishErr != nil {
		return "", finishErr
	}
	return name, nil
}

func (c *testFTPClient) Retrieve(remotePath string, w io.Writer) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}
	dataConn, err := c.dataCmd("RETR", remotePath)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(w, dataConn)
	finishErr := c.finishDataConn(dataConn)
	if copyErr != nil {
		return fmt.Errorf("download failed: %w", copyErr)
	}
	return finishErr
}

func (c *testFTPClient) RestartAt(offset int64) error {
	resp, err := c.sendCommand("REST", strconv.FormatInt(offset, 10))
	if err != nil {
		return err
	}
	if resp.Code != 350 {
		return &ftpProtocolError{Command: "REST", Code: resp.Code, Response: resp.Message}
	}
	return nil
}

func (c *testFTPClient) RetrieveFrom(remotePath string, w io.Writer, offset int64) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}
	if offset > 0 {
		if err := c.RestartAt(offset); err != nil {
			return fmt.Errorf("failed to set restart marker: %w", err)
		}
	}
	dataConn, err := c.dataCmd("RETR", remotePath)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(w, dataConn)
	finishErr := c.finishDataConn(dataConn)
	if copyErr != nil {
		return fmt.Errorf("download failed: %w", copyErr)
	}
	return finishErr
}

// List issues LIST and parses this server's own fixed-field listing format
// (see session_fs.go's listBuffer): "mode 1 owner group size month day time name".
func (c *testFTPClient) List(path string) ([]*ftpEntry, error) {
	var dataConn net.Conn
	var err error
	if path == "" {
		dataConn, err = c.dataCmd("LIST")
	} else {
		dataConn, err = c.dataCmd("LIST", path)
	}
	if err != nil {
		return nil, err
	}

	var entries []*ftpEntry
	scanner := bufio.NewScanner(dataConn)
	for scanner.Scan() {
		if entry := parseServerListLine(scanner.Text()); entry != nil {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		dataConn.Close()
		return nil, fmt.Errorf("failed to read directory listing: %w", err)
	}
	if err := c.finishDataConn(dataConn); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseServerListLine parses a single LIST line in this server's own
// format: "mode 1 owner group size month day time name" (8 fixed
// space-separated fields, e.g. "Jan 02 15:04", then the name).
func parseServerListLine(line string) *ftpEntry {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil
	}
	name := strings.Join(fields[8:], " ")
	if name == "" {
		return nil
	}
	return &ftpEntry{Name: name, Size: size}
}

func (c *testFTPClient) NameList(path string) ([]string, error) {
	var dataConn net.Conn
	var err error
	if path == "" {
		dataConn, err = c.dataCmd("NLST")
	} else {
		dataConn, err = c.dataCmd("NLST", path)
	}
	if err != nil {
		return nil, err
	}

	var names []string
	scanner := bufio.NewScanner(dataConn)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		dataConn.Close()
		return nil, fmt.Errorf("failed to read name list: %w", err)
	}
	if err := c.finishDataConn(dataConn); err != nil {
		return nil, err
	}
	return names, nil
}
