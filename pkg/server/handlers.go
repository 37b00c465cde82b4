package server

import (
	"strings"

	"github.com/rbraunm/eqbcs/pkg/protocol"
)

const previewLen = 200

// preview shortens text for debug logs
func preview(text string) string {
	text = strings.ReplaceAll(text, "\n", `\n`)
	if len(text) <= previewLen {
		return text
	}
	return text[:previewLen] + "…"
}

// handleLine interprets one complete inbound line
func (s *Server) handleLine(sess *Session, line string) {
	if !sess.Authorized {
		s.handleLogin(sess, line)
		return
	}

	// Every line consumes the armed kind, whatever its shape
	kind := sess.Consume()

	if protocol.IsControl(line) {
		s.metrics.RecordLineReceived(s.label, "command")
		s.handleCommand(sess, line)
		return
	}

	// Blank line (often seen after PONG on some clients)
	if line == "" {
		s.metrics.RecordLineReceived(s.label, "blank")
		if s.config.LogKeepalive {
			s.debugf("Ignored blank line from %s", sess.Label())
		}
		return
	}

	if kind == protocol.KindNone {
		s.metrics.RecordLineReceived(s.label, "implicit_msgall")
		s.debugf("Coercing untyped line to MSGALL from %s: %q", sess.Name, preview(line))
		s.broadcastMsgAll(sess, line)
		return
	}

	s.metrics.RecordLineReceived(s.label, strings.ToLower(kind.String()))
	s.debugf("RX payload from %s: type=%s payload=%q", sess.Name, kind, preview(line))

	switch kind {
	case protocol.KindNBMsg:
		s.broadcastPacket(sess, line)
	case protocol.KindMsgAll:
		s.broadcastMsgAll(sess, line)
	case protocol.KindTell:
		s.routeDirected(sess, line, protocol.TellLine)
	case protocol.KindChannels:
		s.handleChannels(sess, line)
	case protocol.KindBCI:
		s.routeDirected(sess, line, protocol.BCILine)
	}
}

// handleLogin processes a line from a session that has not logged in.
// Anything other than a LOGIN line is ignored.
func (s *Server) handleLogin(sess *Session, line string) {
	login, ok := protocol.ParseLogin(line)
	if !ok {
		s.metrics.RecordLineReceived(s.label, "ignored")
		return
	}
	s.metrics.RecordLineReceived(s.label, "login")

	if login.Name == "" {
		s.disconnect(sess, reasonEmptyName)
		return
	}

	// Without a configured password any supplied password is accepted
	if s.config.Password != "" {
		if !login.HasPassword || login.Password != s.config.Password {
			s.disconnect(sess, reasonBadPassword)
			return
		}
	}

	if prev := s.registry.ByName(login.Name); prev != nil && prev != sess {
		s.disconnect(prev, reasonReplaced)
	}

	s.registry.Authorize(sess, login.Name, s.now())
	s.recordCounts()
	s.logf("[login] %s -> %s", sess.RemoteAddr, sess.Name)

	for _, dst := range s.registry.Authorized() {
		if dst != sess {
			s.sendControl(dst, protocol.JoinBody(sess.Name))
		}
	}
	if !s.sendControl(sess, protocol.ClientListBody(s.registry.Roster())) {
		return
	}
	s.logf("[system] %s", protocol.JoinedServer(sess.Name))
	s.broadcastRoster()

	remainder := strings.TrimLeft(login.Remainder, " ")
	if protocol.IsControl(remainder) && !sess.closing {
		s.handleCommand(sess, remainder)
	}
}

// handleCommand executes a tab-prefixed command line
func (s *Server) handleCommand(sess *Session, line string) {
	cmd, ok := protocol.ParseCommand(line)
	if !ok {
		return
	}

	if kind, armed := protocol.ArmKind(cmd.Token); armed {
		sess.Arm(kind)
		s.debugf("RX preface from %s: pending=%s", sess.Name, kind)
		return
	}

	switch cmd.Token {
	case protocol.CmdPong:
		sess.lastPongAt = s.now()
		if s.config.LogKeepalive {
			s.debugf("PONG from %s", sess.Name)
		}
	case protocol.CmdPing:
		// Clients answer our PING; a PING from a client needs nothing
	case protocol.CmdNames:
		s.sendText(sess, protocol.NamesReply(s.registry.Roster()))
	case protocol.CmdNBNames:
		s.sendControl(sess, protocol.ClientListBody(s.registry.Roster()))
	case protocol.CmdDisconnect:
		s.disconnect(sess, reasonClient)
	case protocol.CmdLocalEcho:
		sess.LocalEcho = protocol.ParseEcho(cmd.Arg)
		s.sendText(sess, protocol.LocalEchoReply(sess.LocalEcho))
	default:
		s.sendText(sess, protocol.UnknownCommand(cmd.Token))
	}
}

// broadcastPacket relays an NBMSG payload to everyone but the sender
func (s *Server) broadcastPacket(src *Session, payload string) {
	body := protocol.PacketBody(src.Name, payload)
	for _, dst := range s.registry.Authorized() {
		if dst == src {
			continue
		}
		s.sendControl(dst, body)
	}
}

// broadcastMsgAll delivers a MSGALL payload. Payloads starting with "//"
// are broadcast commands and carry each recipient's own name.
func (s *Server) broadcastMsgAll(src *Session, payload string) {
	body := protocol.CollapseSpaces(strings.TrimSpace(payload))
	perRecipient := strings.HasPrefix(body, "//")
	shared := protocol.MsgAllLine(src.Name, body)

	for _, dst := range s.registry.Authorized() {
		if dst == src && !src.LocalEcho {
			continue
		}
		if perRecipient {
			s.sendText(dst, protocol.MsgAllCommandLine(src.Name, dst.Name, body))
		} else {
			s.sendText(dst, shared)
		}
	}
}

// routeDirected delivers a TELL or BCI payload "<target> <message>". The
// target is tried as a character name (case-insensitive) and then as a
// channel token (case-sensitive).
func (s *Server) routeDirected(src *Session, payload string, format func(sender, message string) string) {
	target, message := protocol.SplitTarget(payload)
	if target == "" {
		return
	}
	text := format(src.Name, protocol.Unescape(message))

	if dst := s.registry.Lookup(target); dst != nil {
		s.sendText(dst, text)
		return
	}

	delivered := false
	for _, dst := range s.registry.Authorized() {
		if dst == src && !src.LocalEcho {
			continue
		}
		if !dst.InChannel(target) {
			continue
		}
		s.sendText(dst, text)
		delivered = true
	}
	if !delivered {
		s.sendText(src, protocol.NoSuchName(target))
	}
}

// handleChannels replaces the sender's channel set and confirms privately
func (s *Server) handleChannels(sess *Session, payload string) {
	list := strings.TrimSpace(payload)
	sess.SetChannels(protocol.ParseChannels(list))
	s.sendText(sess, protocol.ChannelsJoinedLine(sess.Name, list))
}

func (s *Server) broadcastControl(body string) {
	for _, dst := range s.registry.Authorized() {
		s.sendControl(dst, body)
	}
}

func (s *Server) broadcastRoster() {
	s.broadcastControl(protocol.ClientListBody(s.registry.Roster()))
}

// sendText writes a plain line; false means the session is (now) closed
func (s *Server) sendText(dst *Session, text string) bool {
	if !s.write(dst, protocol.EncodeLine(text)) {
		return false
	}
	s.debugf("TX_TEXT -> [%s] %q", dst.Label(), preview(text))
	return true
}

// sendControl writes a control line; false means the session is (now) closed
func (s *Server) sendControl(dst *Session, body string) bool {
	if !s.write(dst, protocol.EncodeControl(body)) {
		return false
	}
	if body != protocol.ControlPing || s.config.LogKeepalive {
		s.debugf("TX_CTRL -> [%s] %q", dst.Label(), preview(body))
	}
	return true
}

// write sends one encoded line. A failed write disconnects the recipient;
// the error never reaches the caller.
func (s *Server) write(dst *Session, data []byte) bool {
	if dst.closing {
		return false
	}
	if err := dst.Conn.WriteLine(data); err != nil {
		s.metrics.RecordSendFailure(s.label)
		s.debugf("write to %s failed: %v", dst.Label(), err)
		s.disconnect(dst, reasonSendFailure)
		return false
	}
	s.metrics.RecordLineSent(s.label)
	return true
}
