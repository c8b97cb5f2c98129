// Package console implements the task I/O multiplexer and its binary
// console wire protocol, grounded on original_source/fatbuildr/console.py
// and console/server.py. Framing: cmd:u16_le, size:u32_le, payload.
package console

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Cmd identifies a console frame's kind.
type Cmd uint16

const (
	CmdLog        Cmd = 0
	CmdBytes      Cmd = 1
	CmdRawEnable  Cmd = 2
	CmdRawDisable Cmd = 3
	CmdWinch      Cmd = 4
)

// Message is one framed console message.
type Message struct {
	Cmd     Cmd
	Payload []byte
}

// IsWinch reports whether the message carries a window-size change.
func (m Message) IsWinch() bool { return m.Cmd == CmdWinch }

// IsBytes reports whether the message carries raw byte payload.
func (m Message) IsBytes() bool { return m.Cmd == CmdBytes }

// NewLog builds a LOG frame with payload "<level>:<message>".
func NewLog(level int, message string) Message {
	return Message{Cmd: CmdLog, Payload: []byte(fmt.Sprintf("%d:%s", level, message))}
}

// NewBytes builds a BYTES frame.
func NewBytes(b []byte) Message {
	return Message{Cmd: CmdBytes, Payload: b}
}

// NewWinch builds a WINCH frame from terminal rows/cols.
func NewWinch(rows, cols uint16) Message {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], rows)
	binary.LittleEndian.PutUint16(payload[2:4], cols)
	return Message{Cmd: CmdWinch, Payload: payload}
}

// RowsCols decodes a WINCH frame's payload.
func (m Message) RowsCols() (rows, cols uint16) {
	if len(m.Payload) < 4 {
		return 0, 0
	}
	return binary.LittleEndian.Uint16(m.Payload[0:2]), binary.LittleEndian.Uint16(m.Payload[2:4])
}

var rawEnable = Message{Cmd: CmdRawEnable}
var rawDisable = Message{Cmd: CmdRawDisable}

// NewRawEnable/NewRawDisable build the bracketing control frames sent
// around an interactive subprocess's raw byte stream.
func NewRawEnable() Message  { return rawEnable }
func NewRawDisable() Message { return rawDisable }

// Write frames msg onto w: cmd:u16_le, size:u32_le, payload.
func Write(w io.Writer, msg Message) error {
	header := make([]byte, 6)
	binary.LittleEndian.PutUint16(header[0:2], uint16(msg.Cmd))
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(msg.Payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(msg.Payload) > 0 {
		if _, err := w.Write(msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Read reads one framed message from r. It returns io.EOF when the
// stream ends cleanly between frames.
func Read(r io.Reader) (Message, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	cmd := Cmd(binary.LittleEndian.Uint16(header[0:2]))
	size := binary.LittleEndian.Uint32(header[2:6])
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Cmd: cmd, Payload: payload}, nil
}

// Encode renders msg into its wire bytes, for callers that need the bytes
// without an io.Writer (e.g. broadcasting the same frame to N
// subscribers).
func Encode(msg Message) []byte {
	var buf bytes.Buffer
	Write(&buf, msg)
	return buf.Bytes()
}
