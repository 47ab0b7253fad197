package server

import (
	"fmt"
	"strings"
	"time"
)

func (s *session) handleSIZE(cmd Command) Reply {
	info, err := s.storage.GetFileInfo(cmd.Arg)
	if err != nil {
		return replyForStorageError(err)
	}
	return reply(213, fmt.Sprintf("%d", info.Size()))
}

func (s *session) handleMDTM(cmd Command) Reply {
	info, err := s.storage.GetFileInfo(cmd.Arg)
	if err != nil {
		return replyForStorageError(err)
	}
	// RFC 3659 §2.3: time values are always represented in UTC.
	return reply(213, info.ModTime().UTC().Format("20060102150405"))
}

func (s *session) handleFEAT(_ Command) Reply {
	lines := []string{
		"SIZE", "MDTM", "PASV", "EPSV", "UTF8", "TVFS", "MLST",
		"MLST type*;size*;modify*;", "REST STREAM", "HOST",
		"HASH SHA-1;SHA-256;SHA-512;MD5;CRC32", "MFMT",
	}
	if !s.server.disableMLSD {
		lines = append(lines, "MLSD")
	}
	if s.server.tlsConfig != nil {
		lines = append(lines, "AUTH TLS", "PBSZ", "PROT", "CCC")
	}
	return replyMultiline(211, append([]string{"Features:"}, lines...)...)
}

func (s *session) handleOPTS(cmd Command) Reply {
	switch cmd.OptsName {
	case "UTF8":
		return reply(200, "Always in UTF8 mode.")
	case "HASH":
		switch cmd.OptsVal {
		case "SHA-1", "SHA-256", "SHA-512", "MD5", "CRC32":
			s.selectedHash = cmd.OptsVal
			return reply(200, cmd.OptsVal+" selected.")
		}
	}
	return reply(501, "Option not understood.")
}

func (s *session) handleHASH(cmd Command) Reply {
	hash, err := s.storage.GetHash(cmd.Arg, s.selectedHash)
	if err != nil {
		return replyForStorageError(err)
	}
	return reply(213, fmt.Sprintf("%s %s %s", s.selectedHash, hash, cmd.Arg))
}

func (s *session) handleMFMT(cmd Command) Reply {
	timeStr, path, ok := strings.Cut(cmd.Arg, " ")
	if !ok {
		return reply(501, "Syntax error in parameters or arguments.")
	}
	t, err := time.Parse("20060102150405", timeStr)
	if err != nil {
		return reply(501, "Invalid time format.")
	}
	if err := s.storage.SetTime(path, t); err != nil {
		return replyForStorageError(err)
	}
	return reply(213, fmt.Sprintf("Modify=%s; %s", timeStr, path))
}
