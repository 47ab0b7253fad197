package server

import (
	"fmt"
	"io"
	"os"
	"strings"
)

func (s *session) handlePWD(_ Command) Reply {
	cwd, err := s.storage.GetWd()
	if err != nil {
		return replyForStorageError(err)
	}
	return reply(257, fmt.Sprintf("%q is the current directory.", cwd))
}

func (s *session) handleCWD(cmd Command) Reply {
	if err := s.storage.ChangeDir(cmd.Arg); err != nil {
		return replyForStorageError(err)
	}

	var msgLines []string
	if s.server.enableDirMessage {
		if f, err := s.storage.OpenFile(".message", 0, 0); err == nil {
			b, _ := io.ReadAll(io.LimitReader(f, 2048))
			f.Close()
			if len(b) > 0 {
				msg := strings.TrimRight(string(b), "\r\n")
				for _, line := range strings.Split(msg, "\n") {
					msgLines = append(msgLines, strings.TrimRight(line, "\r"))
				}
			}
		}
	}

	if len(msgLines) > 0 {
		return replyMultiline(250, append(msgLines, "Directory successfully changed.")...)
	}
	return reply(250, "Directory successfully changed.")
}

func (s *session) handleCDUP(_ Command) Reply {
	return s.handleCWD(Command{Kind: cmdCwd, Arg: ".."})
}

// listBuffer produces the line-formatted listing buffer a LIST/NLST/MLSD
// data task writes to the data socket, per §4.5.
func (s *session) listBuffer(cmd dataChanCmd) ([]byte, error) {
	entries, err := s.storage.ListDir(cmd.path)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	switch cmd.kind {
	case dataCmdNlst:
		for _, e := range entries {
			fmt.Fprintf(&b, "%s\r\n", e.Name())
		}
	case dataCmdMlsd:
		for _, e := range entries {
			writeMLEntry(&b, e)
		}
	default: // dataCmdList
		for _, e := range entries {
			fmt.Fprintf(&b, "%s 1 owner group %d %s %s\r\n",
				e.Mode().String(), e.Size(), e.ModTime().Format("Jan 02 15:04"), e.Name())
		}
	}
	return []byte(b.String()), nil
}

func (s *session) handleLIST(cmd Command) Reply  { return s.startListing(dataCmdList, cmd.ListArg) }
func (s *session) handleNLST(cmd Command) Reply  { return s.startListing(dataCmdNlst, cmd.ListArg) }
func (s *session) handleMLSD(cmd Command) Reply {
	if s.server.disableMLSD {
		return reply(502, "Command not implemented.")
	}
	return s.startListing(dataCmdMlsd, cmd.ListArg)
}

func (s *session) startListing(kind dataChanCmdKind, path string) Reply {
	if !s.armed {
		return reply(425, "Use PASV or EPSV first.")
	}
	s.startDataTask(dataChanCmd{kind: kind, path: path})
	return reply(150, "Here comes the directory listing.")
}

func (s *session) handleMLST(cmd Command) Reply {
	info, err := s.storage.GetFileInfo(cmd.Arg)
	if err != nil {
		return replyForStorageError(err)
	}
	var b strings.Builder
	writeMLEntry(&b, info)
	return replyMultiline(250, "Listing follows", " "+strings.TrimRight(b.String(), "\r\n"), "End")
}

func writeMLEntry(w io.Writer, info os.FileInfo) {
	t := "file"
	if info.IsDir() {
		t = "dir"
	}
	fmt.Fprintf(w, "type=%s;size=%d;modify=%s; %s\r\n",
		t, info.Size(), info.ModTime().UTC().Format("20060102150405"), info.Name())
}

func (s *session) handleMKD(cmd Command) Reply {
	if err := s.storage.MakeDir(cmd.Arg); err != nil {
		return replyForStorageError(err)
	}
	s.server.logger.Info("directory_created", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP), "user", s.username, "path", s.redactPath(cmd.Arg))
	return reply(257, fmt.Sprintf("%q created.", cmd.Arg))
}

func (s *session) handleRMD(cmd Command) Reply {
	if err := s.storage.RemoveDir(cmd.Arg); err != nil {
		return replyForStorageError(err)
	}
	s.server.logger.Info("directory_removed", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP), "user", s.username, "path", s.redactPath(cmd.Arg))
	return reply(250, "Directory removed.")
}

func (s *session) handleDELE(cmd Command) Reply {
	if err := s.storage.DeleteFile(cmd.Arg); err != nil {
		return replyForStorageError(err)
	}
	s.server.logger.Info("file_deleted", "session_id", s.sessionID, "remote_ip", s.redactIP(s.remoteIP), "user", s.username, "path", s.redactPath(cmd.Arg))
	return reply(250, "File deleted.")
}

func (s *session) handleRNFR(cmd Command) Reply {
	if _, err := s.storage.GetFileInfo(cmd.Arg); err != nil {
		return reply(550, "File not found.")
	}
	s.renameFrom = cmd.Arg
	return reply(350, "Requested file action pending further information.")
}

func (s *session) handleRNTO(cmd Command) Reply {
	if s.renameFrom == "" {
		return reply(503, "Bad sequence of commands. Send RNFR first.")
	}
	from := s.renameFrom
	s.renameFrom = ""
	if err := s.storage.Rename(from, cmd.Arg); err != nil {
		return replyForStorageError(err)
	}
	return reply(250, "Requested file action successful, file renamed.")
}
