package console

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		NewLog(20, "hello world"),
		NewBytes([]byte{0, 1, 2, 3, 255}),
		NewRawEnable(),
		NewRawDisable(),
		NewWinch(24, 80),
	}
	for _, msg := range cases {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, msg))
		got, err := Read(&buf)
		require.NoError(t, err)
		assert.Equal(t, msg.Cmd, got.Cmd)
		assert.True(t, bytes.Equal(got.Payload, msg.Payload))
	}
}

func TestReadEOFAtFrameBoundary(t *testing.T) {
	_, err := Read(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestWinchPayload(t *testing.T) {
	msg := NewWinch(40, 120)
	rows, cols := msg.RowsCols()
	assert.Equal(t, uint16(40), rows)
	assert.Equal(t, uint16(120), cols)
}
