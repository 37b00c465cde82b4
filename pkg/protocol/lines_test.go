package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineBufferFeed(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		rest   int
	}{
		{
			name:   "single line",
			chunks: []string{"LOGIN=Alice;\n"},
			want:   []string{"LOGIN=Alice;"},
		},
		{
			name:   "carriage return stripped",
			chunks: []string{"\tNAMES\r\n"},
			want:   []string{"\tNAMES"},
		},
		{
			name:   "empty lines kept",
			chunks: []string{"\n\r\n"},
			want:   []string{"", ""},
		},
		{
			name:   "partial line retained",
			chunks: []string{"hel", "lo\nwor"},
			want:   []string{"hello"},
			rest:   3,
		},
		{
			name:   "several lines in one read",
			chunks: []string{"\tMSGALL\nhello\n\tPONG\n"},
			want:   []string{"\tMSGALL", "hello", "\tPONG"},
		},
		{
			name:   "inner tab preserved",
			chunks: []string{"a\tb\n"},
			want:   []string{"a\tb"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewLineBuffer(0)
			var got []string
			for _, chunk := range tt.chunks {
				lines, err := b.Feed([]byte(chunk))
				require.NoError(t, err)
				got = append(got, lines...)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.rest, b.Buffered())
		})
	}
}

func TestLineBufferLimit(t *testing.T) {
	b := NewLineBuffer(8)

	lines, err := b.Feed([]byte("ok\n0123456789"))
	assert.Equal(t, []string{"ok"}, lines)
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestLineBufferLimitCountsOnlyUnterminated(t *testing.T) {
	b := NewLineBuffer(8)

	lines, err := b.Feed([]byte(strings.Repeat("x", 20) + "\n"))
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestDecodeLineReplacesInvalidBytes(t *testing.T) {
	got := DecodeLine([]byte{'a', 0xff, 'b'})
	assert.Equal(t, "a�b", got)

	assert.Equal(t, "héllo", DecodeLine([]byte("héllo")))
}

func TestEncodeLine(t *testing.T) {
	assert.Equal(t, []byte("hello\n"), EncodeLine("hello"))
	assert.Equal(t, []byte("hello\n"), EncodeLine("hello\n"))
	assert.Equal(t, []byte("\n"), EncodeLine(""))
}

func TestEncodeControl(t *testing.T) {
	assert.Equal(t, []byte("\tPING\n"), EncodeControl(ControlPing))
	assert.Equal(t, []byte("\tNBJOIN=Alice\n"), EncodeControl(JoinBody("Alice")))
	assert.True(t, IsControl("\tNBQUIT=Bob"))
	assert.False(t, IsControl("<Bob> hi"))
}
