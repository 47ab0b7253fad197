package server

import (
	"bufio"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/brannvik/ftpd/internal/ratelimit"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// controlBufSize is the buffer size for the control connection's reader
// and writer. Pooled across sessions to cut per-connection allocations.
const controlBufSize = 4096

var telnetReaderPool = sync.Pool{
	New: func() interface{} {
		return newTelnetReader(nil)
	},
}

var controlReaderPool = sync.Pool{
	New: func() interface{} {
		return bufio.NewReaderSize(nil, controlBufSize)
	},
}

var controlWriterPool = sync.Pool{
	New: func() interface{} {
		return bufio.NewWriterSize(nil, controlBufSize)
	},
}

// sessionState is the small state machine described in spec §3.
type sessionState int

const (
	stateNew sessionState = iota
	stateWaitPass
	stateWaitCmd
)

// session represents one FTP control connection and all of the state
// spec §3 requires it to carry. The session is exclusively owned by its
// control loop; the data task it spawns receives only the capabilities
// (storage handle, user, sockets) it needs, per §5.
type session struct {
	server *Server
	conn   net.Conn
	rawConn net.Conn // the original, pre-TLS connection; restored by CCC
	reader *bufio.Reader
	writer *bufio.Writer
	tnet   *telnetReader
	mu     sync.Mutex // protects writer/conn/reader swap and arm-related fields

	sessionID string
	remoteIP  string
	traceID   string

	state      sessionState
	username   string
	storage    StorageBackend
	cwd        string
	renameFrom string
	// restartOffset is set by REST, consumed by the next RETR/STOR/APPE.
	restartOffset uint64

	host         string // from HOST command
	selectedHash string
	transferType string // A or I; always binary in effect (ascii is dropped)

	cmdTLS  bool // invariant 5: control channel encryption state
	dataTLS bool // derived from PROT P
	prot    string

	pendingTLSUpgrade bool

	// Passive/data-channel coordination, armed at most once per transfer
	// (invariant 6/7).
	switchboardKey     *switchboardKey
	pasvListener       net.Listener
	// dataConn is the live, accepted data connection for the in-flight
	// transfer, if any. handleABOR closes it directly to interrupt a
	// transfer that is already streaming; acceptDataConn sets it, the
	// data task clears it on exit.
	dataConn           net.Conn
	dataCmdCh          chan dataChanCmd
	dataAbortCh        chan struct{}
	controlMsgCh       chan controlChanMsg
	incomingDataConnCh chan net.Conn
	transferWG         sync.WaitGroup
	armed              bool

	lastPublicHost string
	resolvedIP     net.IP
}

// generateSessionID generates a unique 8-character session/trace ID.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

func (s *session) redactPath(path string) string { return s.server.redactPath(path) }
func (s *session) redactIP(ip string) string      { return s.server.redactIP(ip) }

// rateLimitReader wraps a reader with bandwidth limiting if configured.
// Applies both global and per-user limits (most restrictive wins).
func (s *session) rateLimitReader(r io.Reader) io.Reader {
	if s.server.bandwidthLimitPerUser > 0 {
		r = ratelimit.NewReader(r, ratelimit.New(s.server.bandwidthLimitPerUser))
	}
	if s.server.globalLimiter != nil {
		r = ratelimit.NewReader(r, s.server.globalLimiter)
	}
	return r
}

// rateLimitWriter wraps a writer with bandwidth limiting if configured.
func (s *session) rateLimitWriter(w io.Writer) io.Writer {
	if s.server.bandwidthLimitPerUser > 0 {
		w = ratelimit.NewWriter(w, ratelimit.New(s.server.bandwidthLimitPerUser))
	}
	if s.server.globalLimiter != nil {
		w = ratelimit.NewWriter(w, s.server.globalLimiter)
	}
	return w
}

func newSession(server *Server, conn net.Conn) *session {
	sessionID := generateSessionID()

	remoteAddr := conn.RemoteAddr().String()
	remoteIP, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		remoteIP = remoteAddr
	}

	tr := telnetReaderPool.Get().(*telnetReader)
	tr.Reset(conn)

	reader := controlReaderPool.Get().(*bufio.Reader)
	reader.Reset(tr)

	writer := controlWriterPool.Get().(*bufio.Writer)
	writer.Reset(conn)

	s := &session{
		server:             server,
		conn:               conn,
		rawConn:            conn,
		reader:             reader,
		writer:             writer,
		tnet:               tr,
		sessionID:          sessionID,
		traceID:            sessionID,
		remoteIP:           remoteIP,
		state:              stateNew,
		cwd:                "/",
		prot:               "C",
		selectedHash:       "SHA-256",
		transferType:       "I",
		controlMsgCh:       make(chan controlChanMsg, 1),
		incomingDataConnCh: make(chan net.Conn, 1),
	}

	if _, ok := conn.(*tls.Conn); ok {
		s.prot = "P"
		s.dataTLS = true
		s.cmdTLS = true
	}

	return s
}

// serve is the control loop described in §4.3: it selects on the next
// parsed command, the next internal message from a data task, and an
// idle timeout, in a single cooperative step.
func (s *session) serve() {
	defer s.close()

	s.sendWelcome()
	s.server.logger.Info("session_started", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP))

	done := make(chan struct{})
	defer close(done)
	cmdCh := s.startCommandReader(done)

	for {
		idleTimeout := s.server.maxIdleTime
		var idleTimer <-chan time.Time
		if idleTimeout > 0 {
			t := time.NewTimer(idleTimeout)
			defer t.Stop()
			idleTimer = t.C
		}

		select {
		case line, ok := <-cmdCh:
			if !ok {
				return
			}
			if line.err != nil {
				s.handleReadError(line.err)
				return
			}
			s.dispatchLine(line.text)
			s.maybeUpgradeTLS()

		case msg := <-s.controlMsgCh:
			s.reply(s.replyForControlMsg(msg))

		case <-idleTimer:
			s.reply(reply(421, "Idle timeout, closing control connection."))
			return
		}
	}
}

func (s *session) handleReadError(err error) {
	if err != io.EOF && err.Error() != "command too long" {
		s.server.logger.Warn("read error", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP), "user", s.username, "error", err)
	}
	if err.Error() == "command too long" {
		s.reply(reply(500, "Command line too long."))
	}
}

func (s *session) dispatchLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}

	cmd, perr := parseCommand(line)
	if perr != nil {
		s.reply(replyForParseError(perr))
		return
	}

	logArg := cmd.Raw
	if cmd.Kind == cmdPass {
		logArg = "***"
	}
	s.server.logger.Debug("command received", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP), "user", s.username, "cmd", cmd.Verb, "arg", logArg)

	if s.armed && cmd.Kind != cmdAbor && cmd.Kind != cmdStat {
		s.reply(reply(425, "Concurrent transfer already armed."))
		return
	}

	if res := s.runMiddleware(cmd); !res.ok {
		s.reply(res.reply)
		return
	}

	r := s.dispatch(cmd)
	if !r.IsNone() {
		s.reply(r)
	}
}

func replyForParseError(e *ParseError) Reply {
	switch e.Kind {
	case ErrUnknownCommand:
		return reply(502, "Command not implemented.")
	case ErrInvalidUTF8:
		return reply(501, "Invalid UTF-8 in command verb.")
	case ErrInvalidEndOfLine:
		return reply(500, "Invalid end of line.")
	default:
		return reply(501, "Syntax error in parameters.")
	}
}

// dispatch routes a parsed Command to its handler. Invariant 3 (rename_from
// reset by any command other than RNTO) is enforced here, once, rather than
// scattered through every handler.
func (s *session) dispatch(cmd Command) Reply {
	if cmd.Kind != cmdRnto && cmd.Kind != cmdRnfr {
		s.renameFrom = ""
	}

	switch cmd.Kind {
	case cmdUser:
		return s.handleUSER(cmd)
	case cmdPass:
		return s.handlePASS(cmd)
	case cmdAcct:
		return s.handleACCT(cmd)
	case cmdHost:
		return s.handleHOST(cmd)
	case cmdQuit:
		go s.scheduleClose()
		return reply(221, "Service closing control connection.")
	case cmdNoop:
		return reply(200, "OK.")
	case cmdCwd:
		return s.handleCWD(cmd)
	case cmdCdup:
		return s.handleCDUP(cmd)
	case cmdPwd:
		return s.handlePWD(cmd)
	case cmdList:
		return s.handleLIST(cmd)
	case cmdNlst:
		return s.handleNLST(cmd)
	case cmdMlsd:
		return s.handleMLSD(cmd)
	case cmdMlst:
		return s.handleMLST(cmd)
	case cmdMkd:
		return s.handleMKD(cmd)
	case cmdRmd:
		return s.handleRMD(cmd)
	case cmdDele:
		return s.handleDELE(cmd)
	case cmdRnfr:
		return s.handleRNFR(cmd)
	case cmdRnto:
		return s.handleRNTO(cmd)
	case cmdRetr:
		return s.handleRETR(cmd)
	case cmdStor:
		return s.handleSTOR(cmd)
	case cmdAppe:
		return s.handleAPPE(cmd)
	case cmdStou:
		return s.handleSTOU(cmd)
	case cmdType:
		return s.handleTYPE(cmd)
	case cmdPort:
		return s.handlePORT(cmd)
	case cmdEprt:
		return s.handleEPRT(cmd)
	case cmdPasv:
		return s.handlePASV(cmd)
	case cmdEpsv:
		return s.handleEPSV(cmd)
	case cmdRest:
		return s.handleREST(cmd)
	case cmdSize:
		return s.handleSIZE(cmd)
	case cmdMdtm:
		return s.handleMDTM(cmd)
	case cmdFeat:
		return s.handleFEAT(cmd)
	case cmdOpts:
		return s.handleOPTS(cmd)
	case cmdAuth:
		return s.handleAUTH(cmd)
	case cmdProt:
		return s.handlePROT(cmd)
	case cmdPbsz:
		return s.handlePBSZ(cmd)
	case cmdCcc:
		return s.handleCCC(cmd)
	case cmdMode:
		return s.handleMODE(cmd)
	case cmdStru:
		return s.handleSTRU(cmd)
	case cmdSyst:
		return s.handleSYST(cmd)
	case cmdStat:
		return s.handleSTAT(cmd)
	case cmdHelp:
		return s.handleHELP(cmd)
	case cmdSite:
		return s.handleSITE(cmd)
	case cmdHash:
		return s.handleHASH(cmd)
	case cmdMfmt:
		return s.handleMFMT(cmd)
	case cmdAbor:
		return s.handleABOR(cmd)
	default:
		return reply(502, "Command not implemented.")
	}
}

func (s *session) replyForControlMsg(msg controlChanMsg) Reply {
	s.armed = false
	switch msg.kind {
	case msgSentData, msgWrittenData:
		return reply(226, fmt.Sprintf("Transfer complete (%d bytes).", msg.bytes))
	case msgDirectoryListed:
		return reply(226, "Transfer complete.")
	case msgConnectionReset:
		return reply(426, "Connection closed; transfer aborted.")
	case msgStorageError:
		return replyForStorageError(msg.err)
	default:
		return reply(451, "Local error in processing.")
	}
}

func (s *session) sendWelcome() {
	msg := s.server.welcomeMessage
	switch {
	case strings.HasPrefix(msg, "220 "):
		s.writeRaw(msg)
	case strings.HasPrefix(msg, "220"):
		s.writeRaw("220 " + msg[3:])
	default:
		s.reply(reply(220, msg))
		return
	}
}

func (s *session) writeRaw(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%s\r\n", line)
	s.writer.Flush()
}

type commandLine struct {
	text string
	err  error
}

func (s *session) startCommandReader(done chan struct{}) chan commandLine {
	cmdCh := make(chan commandLine)
	go func() {
		defer close(cmdCh)
		for {
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()

			if s.server.readTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.readTimeout))
			} else if s.server.maxIdleTime > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			line, err := s.readCommand()
			select {
			case cmdCh <- commandLine{line, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return cmdCh
}

// readCommand reads one line from the reader with a length limit.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		s.mu.Lock()
		r := s.reader
		s.mu.Unlock()

		b, err := r.ReadByte()
		if err != nil {
			return string(line), err
		}
		if len(line) >= MaxCommandLength {
			return "", fmt.Errorf("command too long")
		}
		if b == '\n' {
			return string(line), nil
		}
		line = append(line, b)
	}
}

// maybeUpgradeTLS performs the handshake deferred by AUTH TLS, per §4.3:
// the handshake happens before the next command is read, with the same
// framed codec re-attached atop the TLS stream and any buffered bytes
// discarded (clients must not pipeline data during the handshake).
func (s *session) maybeUpgradeTLS() {
	s.mu.Lock()
	if !s.pendingTLSUpgrade {
		s.mu.Unlock()
		return
	}
	s.pendingTLSUpgrade = false
	conn := s.conn
	s.mu.Unlock()

	tlsConn := tls.Server(conn, s.server.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.server.logger.Warn("tls_handshake_failed", "session_id", s.sessionID, "error", err)
		s.conn.Close()
		return
	}

	s.mu.Lock()
	s.conn = tlsConn
	s.tnet.Reset(tlsConn)
	s.reader.Reset(s.tnet)
	s.writer.Reset(tlsConn)
	s.cmdTLS = true
	s.mu.Unlock()
}

func (s *session) scheduleClose() {
	time.Sleep(50 * time.Millisecond)
	s.conn.Close()
}

// close releases a session's resources: the switchboard reservation, any
// pasv listener, and the pooled codec buffers.
func (s *session) close() {
	if s.switchboardKey != nil {
		s.server.switchboard.unregister(*s.switchboardKey)
		s.switchboardKey = nil
	}
	if s.pasvListener != nil {
		s.pasvListener.Close()
	}
	s.mu.Lock()
	if s.dataConn != nil {
		s.dataConn.Close()
	}
	s.mu.Unlock()
	if s.storage != nil {
		s.storage.Close()
	}
	s.conn.Close()
	s.transferWG.Wait()

	if s.reader != nil {
		s.reader.Reset(nil)
		controlReaderPool.Put(s.reader)
		s.reader = nil
	}
	if s.writer != nil {
		s.writer.Reset(nil)
		controlWriterPool.Put(s.writer)
		s.writer = nil
	}
	if s.tnet != nil {
		s.tnet.Reset(nil)
		telnetReaderPool.Put(s.tnet)
		s.tnet = nil
	}

	s.server.logger.Debug("session_closed", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP), "user", s.username)
}

// reply sends a Reply to the client, unless it is Reply::None.
func (s *session) reply(r Reply) {
	if r.IsNone() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
	}
	io.WriteString(s.writer, r.Encode())
	s.writer.Flush()
	if s.server.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
}

// armData prepares the session's per-transfer channels ahead of a PASV/
// EPSV reservation. Invariant 6: armed at most once per transfer.
func (s *session) armData() {
	s.dataCmdCh = make(chan dataChanCmd, 1)
	s.dataAbortCh = make(chan struct{})
}

// startDataTask spawns the data task for cmd, arming the session.
func (s *session) startDataTask(cmd dataChanCmd) {
	s.armed = true
	s.transferWG.Add(1)
	go s.runDataTask(cmd)
}

// logTransfer logs a file transfer in standard xferlog format:
// current-time transfer-time remote-host file-size filename transfer-type
// special-action-flag direction access-mode username service-name
// authentication-method authenticated-user-id completion-status
func (s *session) logTransfer(cmd, filename string, bytes int64, duration time.Duration) {
	if s.server.transferLog == nil {
		return
	}
	now := time.Now()
	transferTime := int64(duration.Seconds())
	if transferTime == 0 {
		transferTime = 1
	}
	tType := "b"
	if s.transferType == "A" {
		tType = "a"
	}
	direction := "o"
	if cmd == "STOR" || cmd == "APPE" || cmd == "STOU" {
		direction = "i"
	}
	accessMode := "r"
	if isAnonymous(s.username) {
		accessMode = "a"
	}
	line := fmt.Sprintf("%s %d %s %d %s %s %s %s %s %s %s %s %s %s\n",
		now.Format("Mon Jan 02 15:04:05 2006"),
		transferTime, s.remoteIP, bytes, filename, tType, "_", direction,
		accessMode, s.username, "ftp", "0", "*", "c",
	)
	_, _ = s.server.transferLog.Write([]byte(line))
}

func osWriteFlags(appendMode bool) int {
	flag := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	return flag
}
