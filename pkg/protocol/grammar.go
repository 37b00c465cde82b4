package protocol

import (
	"strings"
)

// Command tokens understood after login. Tokens are matched after
// uppercasing, so clients may send them in any case.
const (
	CmdPong       = "PONG"
	CmdPing       = "PING"
	CmdNames      = "NAMES"
	CmdNBNames    = "NBNAMES"
	CmdDisconnect = "DISCONNECT"
	CmdLocalEcho  = "LOCALECHO"
	CmdNBMsg      = "NBMSG"
	CmdMsgAll     = "MSGALL"
	CmdTell       = "TELL"
	CmdChannels   = "CHANNELS"
	CmdBCI        = "BCI"
)

const (
	loginToken         = "LOGIN"
	loginPlainPrefix   = "LOGIN="
	loginPasswordStart = "LOGIN:"
)

// Kind identifies the payload kind an armed command waits for.
// KindNone means no payload is pending.
type Kind uint8

const (
	KindNone Kind = iota
	KindNBMsg
	KindMsgAll
	KindTell
	KindChannels
	KindBCI
)

var kindNames = map[Kind]string{
	KindNone:     "NONE",
	KindNBMsg:    CmdNBMsg,
	KindMsgAll:   CmdMsgAll,
	KindTell:     CmdTell,
	KindChannels: CmdChannels,
	KindBCI:      CmdBCI,
}

var armTokens = map[string]Kind{
	CmdNBMsg:    KindNBMsg,
	CmdMsgAll:   KindMsgAll,
	CmdTell:     KindTell,
	CmdChannels: KindChannels,
	CmdBCI:      KindBCI,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// ArmKind returns the payload kind armed by an uppercased command token
func ArmKind(token string) (Kind, bool) {
	k, ok := armTokens[token]
	return k, ok
}

// Login is a parsed LOGIN line.
type Login struct {
	Name        string
	Password    string
	HasPassword bool
	// Remainder is whatever followed the terminating ';' on the same line
	Remainder string
}

// IsLogin reports whether line starts with the LOGIN token
func IsLogin(line string) bool {
	return strings.HasPrefix(line, loginToken)
}

// ParseLogin parses the two accepted login shapes:
//
//	LOGIN=<name>;
//	LOGIN:<password>=<name>;
//
// ok is false when line does not start with LOGIN at all. Any other shape
// that starts with LOGIN parses with an empty Name, which the server treats
// as a protocol violation.
func ParseLogin(line string) (login Login, ok bool) {
	if !IsLogin(line) {
		return Login{}, false
	}

	part, remainder, _ := strings.Cut(line, ";")
	login.Remainder = remainder

	switch {
	case strings.HasPrefix(part, loginPasswordStart):
		password, name, found := strings.Cut(part[len(loginPasswordStart):], "=")
		if found {
			login.Password = password
			login.HasPassword = true
			login.Name = name
		}
	case strings.HasPrefix(part, loginPlainPrefix):
		login.Name = part[len(loginPlainPrefix):]
	}

	login.Name = strings.TrimSpace(login.Name)
	return login, true
}

// LoginLine builds the login line a client sends. An empty password selects
// the password-less form.
func LoginLine(name, password string) string {
	if password == "" {
		return loginPlainPrefix + name + ";"
	}
	return loginPasswordStart + password + "=" + name + ";"
}

// Command is a parsed tab-prefixed command line.
type Command struct {
	Token string // uppercased
	Arg   string // everything after the first space, may be empty
}

// ParseCommand parses a command line. The leading tab is optional so the
// login remainder can be fed through the same path. ok is false for an
// empty command.
func ParseCommand(line string) (cmd Command, ok bool) {
	body := strings.TrimSpace(strings.TrimPrefix(line, ControlPrefix))
	if body == "" {
		return Command{}, false
	}
	token, arg, _ := strings.Cut(body, " ")
	return Command{Token: strings.ToUpper(strings.TrimSpace(token)), Arg: arg}, true
}

// CommandLine builds a command line with an optional argument
func CommandLine(token, arg string) string {
	if arg == "" {
		return ControlPrefix + token
	}
	return ControlPrefix + token + " " + arg
}

// ParseEcho interprets the LOCALECHO argument: 1, ON and TRUE enable it
func ParseEcho(arg string) bool {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "1", "ON", "TRUE":
		return true
	}
	return false
}

// SplitTarget splits a TELL/BCI payload at the first space into the target
// and the message text.
func SplitTarget(payload string) (target, message string) {
	target, message, _ = strings.Cut(payload, " ")
	return target, message
}

// Unescape removes backslash escapes: a backslash followed by any character
// yields that character. A trailing lone backslash is kept.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\\' && i+1 < len(runes) {
			i++
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

// CollapseSpaces replaces runs of spaces with a single space. Tabs and other
// whitespace are preserved.
func CollapseSpaces(s string) string {
	if !strings.Contains(s, "  ") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' {
			if prevSpace {
				continue
			}
			prevSpace = true
		} else {
			prevSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseChannels splits a CHANNELS payload into its channel tokens
func ParseChannels(payload string) []string {
	return strings.Fields(payload)
}
