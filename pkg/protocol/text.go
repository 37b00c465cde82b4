package protocol

import (
	"strings"
)

// Control line bodies (sent with EncodeControl)
const (
	ControlJoin       = "NBJOIN="
	ControlQuit       = "NBQUIT="
	ControlClientList = "NBCLIENTLIST="
	ControlPacket     = "NBPKT:"
	ControlPing       = CmdPing
)

// ServerFull is sent to a connection refused for capacity
const ServerFull = "-- Server full."

// JoinBody announces a newly logged-in character
func JoinBody(name string) string {
	return ControlJoin + name
}

// QuitBody announces a departed character
func QuitBody(name string) string {
	return ControlQuit + name
}

// ClientListBody carries the roster, names already sorted
func ClientListBody(names []string) string {
	return ControlClientList + strings.Join(names, " ")
}

// PacketBody relays an NBMSG payload
func PacketBody(sender, payload string) string {
	return ControlPacket + sender + ":" + payload
}

// NamesReply answers the NAMES command
func NamesReply(names []string) string {
	return "-- Names: " + strings.Join(names, " ") + " ."
}

// LocalEchoReply reports the local echo state
func LocalEchoReply(on bool) string {
	if on {
		return "-- Local Echo: ON"
	}
	return "-- Local Echo: OFF"
}

// NoSuchName reports a TELL/BCI target with no eligible recipient
func NoSuchName(target string) string {
	return "-- " + target + ": No such name."
}

// UnknownCommand reports an unrecognized command token
func UnknownCommand(token string) string {
	return "-- Unknown Command: " + token
}

// MsgAllLine is the shared broadcast form of a MSGALL payload
func MsgAllLine(sender, body string) string {
	return "<" + sender + "> " + body
}

// MsgAllCommandLine is the per-recipient form used for "//" broadcast
// commands; the recipient's name is inserted so its plugin can match it.
func MsgAllCommandLine(sender, recipient, body string) string {
	return "<" + sender + "> " + recipient + " " + body
}

// TellLine is a delivered TELL
func TellLine(sender, message string) string {
	return "[" + sender + "] " + message
}

// BCILine is a delivered BCI
func BCILine(sender, message string) string {
	return "{" + sender + "} " + message
}

// ChannelsJoinedLine confirms a CHANNELS update to its sender
func ChannelsJoinedLine(sender, channels string) string {
	return sender + " joined channels " + channels + "."
}

// JoinedServer and LeftServer are operational log notices; they are never
// sent to clients.
func JoinedServer(name string) string {
	return "-- " + name + " has joined the server."
}

func LeftServer(name string) string {
	return "-- " + name + " has left the server."
}

// ParseClientList extracts the roster from a decoded NBCLIENTLIST line
func ParseClientList(line string) ([]string, bool) {
	rest, ok := strings.CutPrefix(line, ControlPrefix+ControlClientList)
	if !ok {
		return nil, false
	}
	return strings.Fields(rest), true
}

// ParsePacket extracts sender and payload from a decoded NBPKT line
func ParsePacket(line string) (sender, payload string, ok bool) {
	rest, ok := strings.CutPrefix(line, ControlPrefix+ControlPacket)
	if !ok {
		return "", "", false
	}
	sender, payload, ok = strings.Cut(rest, ":")
	return sender, payload, ok
}
