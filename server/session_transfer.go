package server

import (
	"fmt"
	"net"
	"strings"
	"time"
)

func (s *session) handleRETR(cmd Command) Reply {
	if !s.armed {
		return reply(425, "Use PASV or EPSV first.")
	}
	offset := s.consumeRestartOffset()
	s.startDataTask(dataChanCmd{kind: dataCmdRetr, path: cmd.Arg, offset: offset})
	if offset > 0 {
		return reply(150, fmt.Sprintf("Opening data connection for RETR (restarting at %d).", offset))
	}
	return reply(150, "Opening data connection for RETR.")
}

func (s *session) handleSTOR(cmd Command) Reply {
	if !s.armed {
		return reply(425, "Use PASV or EPSV first.")
	}
	offset := s.consumeRestartOffset()
	s.startDataTask(dataChanCmd{kind: dataCmdStor, path: cmd.Arg, offset: offset})
	return reply(150, "Opening data connection for STOR.")
}

func (s *session) handleAPPE(cmd Command) Reply {
	if !s.armed {
		return reply(425, "Use PASV or EPSV first.")
	}
	s.consumeRestartOffset()
	s.startDataTask(dataChanCmd{kind: dataCmdAppe, path: cmd.Arg})
	return reply(150, "Opening data connection for APPE.")
}

func (s *session) handleSTOU(_ Command) Reply {
	if !s.armed {
		return reply(425, "Use PASV or EPSV first.")
	}
	path := fmt.Sprintf("ftp-%d", time.Now().UnixNano())
	s.startDataTask(dataChanCmd{kind: dataCmdStor, path: path})
	return reply(150, fmt.Sprintf("FILE: %s", path))
}

// consumeRestartOffset implements invariant 4: a nonzero restart_offset is
// consumed by the next transfer command, then reset to zero.
func (s *session) consumeRestartOffset() uint64 {
	offset := s.restartOffset
	s.restartOffset = 0
	return offset
}

func (s *session) handleTYPE(cmd Command) Reply {
	switch strings.ToUpper(strings.TrimSpace(cmd.Arg)) {
	case "A", "A N":
		s.transferType = "A"
		return reply(200, "Type set to A.")
	case "I", "L 8":
		s.transferType = "I"
		return reply(200, "Type set to I.")
	default:
		return reply(504, "Type not supported.")
	}
}

// handlePORT always returns 502: active-mode data connections are not
// supported (Non-goal in §1/§4.4).
func (s *session) handlePORT(_ Command) Reply {
	return reply(502, "Active mode (PORT) is not supported.")
}

// handleEPRT always returns 504 for the same reason as PORT; 504 (rather
// than 502) matches EPRT's "parameter not implemented" framing in the
// reply table since the verb itself is recognized.
func (s *session) handleEPRT(_ Command) Reply {
	return reply(504, "Active mode (EPRT) is not supported.")
}

// handleABOR aborts an armed-but-unfinished transfer. The 226 here answers
// ABOR itself; if a transfer was genuinely in flight, handleABOR first waits
// (up to dataArmTimeout) for the data task's own 426 (via
// controlMsgCh/msgConnectionReset) and writes it, so it precedes the 226,
// matching the two-reply ABOR sequence real clients expect. Closing s.dataConn directly
// is what actually interrupts a transfer that is already streaming: once a
// connection is accepted, acceptDataConn has already niled s.pasvListener,
// so closing that alone is a no-op.
func (s *session) handleABOR(_ Command) Reply {
	if !s.armed {
		return reply(226, "No transfer in progress.")
	}
	select {
	case <-s.dataAbortCh:
	default:
		close(s.dataAbortCh)
	}
	s.mu.Lock()
	if s.pasvListener != nil {
		s.pasvListener.Close()
	}
	if s.dataConn != nil {
		s.dataConn.Close()
	}
	s.mu.Unlock()
	select {
	case msg := <-s.controlMsgCh:
		s.reply(s.replyForControlMsg(msg))
	case <-time.After(dataArmTimeout):
	}
	return reply(226, "Abort successful.")
}

func (s *session) handleREST(cmd Command) Reply {
	s.restartOffset = cmd.Restart
	return reply(350, fmt.Sprintf("Restarting at %d. Send STOR or RETR to initiate transfer.", cmd.Restart))
}

func (s *session) publicHost() net.IP {
	host, _, _ := net.SplitHostPort(s.conn.LocalAddr().String())

	settings := s.storageSettings()
	if settings != nil && settings.PublicHost != "" {
		host = settings.PublicHost
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	if host == s.lastPublicHost && s.resolvedIP != nil {
		return s.resolvedIP
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			s.lastPublicHost = host
			s.resolvedIP = v4
			return v4
		}
	}
	return nil
}

// storageSettings fetches passive-mode settings from the storage backend,
// if it exposes any via a SettingsProvider assertion; returns nil otherwise
// so the server's own PasvMinPort/PasvMaxPort configuration applies.
func (s *session) storageSettings() *Settings {
	if p, ok := s.storage.(interface{ Settings() *Settings }); ok {
		return p.Settings()
	}
	return nil
}

// handlePASV reserves a passive port via the switchboard and arms the
// session to accept one inbound data connection, per §4.4/§4.6.
func (s *session) handlePASV(_ Command) Reply {
	port, err := s.armPassive()
	if err != nil {
		return reply(425, "Can't open passive connection.")
	}

	ip := s.publicHost()
	var ipParts []string
	if ip != nil && ip.To4() != nil {
		ipParts = strings.Split(ip.To4().String(), ".")
	} else {
		ipParts = []string{"0", "0", "0", "0"}
	}

	p1, p2 := port/256, port%256
	addr := fmt.Sprintf("%s,%s,%s,%s,%d,%d", ipParts[0], ipParts[1], ipParts[2], ipParts[3], p1, p2)
	return reply(227, "Entering Passive Mode ("+addr+").")
}

func (s *session) handleEPSV(_ Command) Reply {
	port, err := s.armPassive()
	if err != nil {
		return reply(425, "Can't open passive connection.")
	}
	return reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
}

// armPassive resolves a port via the server's switchboard (direct or
// proxied mode, per its own configuration), arms the per-transfer
// channels, and resets any prior armed-but-unused transfer, enforcing
// invariant 7 (one reservation at a time).
func (s *session) armPassive() (int, error) {
	s.armData()

	sb := s.server.switchboard
	if !sb.proxyMode {
		ln, port, err := sb.reserveDirect(s)
		if err != nil {
			return 0, err
		}
		s.pasvListener = ln
		return port, nil
	}

	port, err := sb.reserveProxied(s, s.remoteIP)
	if err != nil {
		return 0, err
	}
	return port, nil
}
