package protocol

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

const (
	// DefaultPort is the port legacy EQBC plugins connect to
	DefaultPort = 2112

	// MaxLineSize is the default upper bound for one inbound line (64 KB)
	MaxLineSize = 64 * 1024

	// ControlPrefix marks a line as protocol metadata rather than chat text
	ControlPrefix = "\t"
)

var (
	ErrLineTooLong = errors.New("line exceeds maximum size")
)

// LineBuffer accumulates inbound bytes across reads and splits them into
// newline-terminated lines. Partial lines are retained until their
// terminator arrives.
type LineBuffer struct {
	buf []byte
	max int
}

// NewLineBuffer creates a buffer that refuses to hold an unterminated line
// longer than max bytes. A max of 0 disables the limit.
func NewLineBuffer(max int) *LineBuffer {
	return &LineBuffer{max: max}
}

// Feed appends data and returns every complete line now available, with
// the trailing "\n" and any "\r" before it removed. ErrLineTooLong is
// returned (together with the lines completed so far) when the retained
// partial line exceeds the limit.
func (b *LineBuffer) Feed(data []byte) ([]string, error) {
	b.buf = append(b.buf, data...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(b.buf[start:], '\n')
		if i < 0 {
			break
		}
		raw := bytes.TrimRight(b.buf[start:start+i], "\r")
		lines = append(lines, DecodeLine(raw))
		start += i + 1
	}

	if start > 0 {
		n := copy(b.buf, b.buf[start:])
		b.buf = b.buf[:n]
	}

	if b.max > 0 && len(b.buf) > b.max {
		return lines, ErrLineTooLong
	}
	return lines, nil
}

// Buffered returns the number of bytes held for an unterminated line
func (b *LineBuffer) Buffered() int {
	return len(b.buf)
}

// DecodeLine converts raw line bytes to text. Invalid UTF-8 sequences are
// replaced with U+FFFD; decoding never fails.
func DecodeLine(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	out, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	return string(out)
}

// EncodeLine returns text as a plain wire line terminated by "\n".
// Text that already ends in "\n" is not terminated twice.
func EncodeLine(text string) []byte {
	if strings.HasSuffix(text, "\n") {
		return []byte(text)
	}
	out := make([]byte, 0, len(text)+1)
	out = append(out, text...)
	return append(out, '\n')
}

// EncodeControl returns body as a control line: tab prefix, body, "\n".
func EncodeControl(body string) []byte {
	return EncodeLine(ControlPrefix + body)
}

// IsControl reports whether a decoded line carries the control prefix
func IsControl(line string) bool {
	return strings.HasPrefix(line, ControlPrefix)
}
