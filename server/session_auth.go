package server

func (s *session) handleUSER(cmd Command) Reply {
	s.username = cmd.Arg
	s.state = stateWaitPass
	return reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(cmd Command) Reply {
	if s.state != stateWaitPass {
		return reply(503, "Login with USER first.")
	}

	if cache := s.server.failedLoginCache; cache != nil && cache.locked(s.remoteIP, s.username) {
		s.server.logger.Warn("login_locked_out", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP), "user", s.username)
		return reply(530, "Login incorrect.")
	}

	storage, err := s.server.authenticator.Authenticate(s.username, cmd.Arg, s.host, s.remoteIP)
	if err != nil {
		if cache := s.server.failedLoginCache; cache != nil {
			cache.failed(s.remoteIP, s.username)
		}
		s.server.logger.Warn("authentication_failed", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP), "user", s.username, "reason", err.Error())
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, s.username)
		}
		s.state = stateNew
		return reply(530, "Login incorrect.")
	}

	if cache := s.server.failedLoginCache; cache != nil {
		if lockErr := cache.success(s.remoteIP, s.username); lockErr != nil {
			storage.Close()
			return reply(530, "Login incorrect.")
		}
	}

	s.storage = storage
	s.state = stateWaitCmd
	s.server.logger.Info("authentication_success", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP), "user", s.username)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, s.username)
	}
	return reply(230, "User logged in, proceed.")
}

func (s *session) handleACCT(_ Command) Reply {
	return reply(202, "Command not implemented, superfluous at this site.")
}

// handleHOST implements RFC 7151 virtual hosting: the client names which
// host it wants before authenticating, and it can no longer change after
// login.
func (s *session) handleHOST(cmd Command) Reply {
	if s.state == stateWaitCmd {
		return reply(503, "Cannot change host after login.")
	}
	s.host = cmd.Arg
	return reply(220, "Host accepted.")
}
