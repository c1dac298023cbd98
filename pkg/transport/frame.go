// Package transport implements the JPIP WebSocket transport: binary frame
// framing, multiplexed request correlation, keepalive, reconnection with
// exponential backoff, and the sticky HTTP fallback.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// FrameType tags a wire frame.
type FrameType uint8

const (
	FrameRequest  FrameType = 0x01
	FrameResponse FrameType = 0x02
	FrameDataBin  FrameType = 0x03
	FramePing     FrameType = 0x04
	FramePong     FrameType = 0x05
	FrameControl  FrameType = 0x06
	FrameError    FrameType = 0x07
	FramePush     FrameType = 0x08
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameDataBin:
		return "data-bin"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameControl:
		return "control"
	case FrameError:
		return "error"
	case FramePush:
		return "push"
	}
	return fmt.Sprintf("frame(0x%02x)", uint8(t))
}

// frameHeaderLen is the fixed prefix: type byte, u32 request id, u32 length.
const frameHeaderLen = 9

// ErrInvalidFrame reports a malformed wire frame.
var ErrInvalidFrame = errors.New("transport: invalid frame")

// Frame is one wire unit. RequestID 0 means "none".
type Frame struct {
	Type      FrameType
	RequestID uint32
	Payload   []byte
	Timestamp time.Time
}

// Encode renders the frame: byte 0 type, bytes 1..4 big-endian request id,
// bytes 5..8 big-endian payload length, then the payload.
func (f *Frame) Encode() []byte {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.RequestID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[frameHeaderLen:], f.Payload)
	return buf
}

// DecodeFrame parses one frame from buf. Frames shorter than the header or
// shorter than the declared payload are rejected.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < frameHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(buf))
	}
	payloadLen := binary.BigEndian.Uint32(buf[5:9])
	if uint32(len(buf)) < frameHeaderLen+payloadLen {
		return nil, fmt.Errorf("%w: declared %d payload bytes, have %d",
			ErrInvalidFrame, payloadLen, len(buf)-frameHeaderLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[frameHeaderLen:frameHeaderLen+payloadLen])
	return &Frame{
		Type:      FrameType(buf[0]),
		RequestID: binary.BigEndian.Uint32(buf[1:5]),
		Payload:   payload,
		Timestamp: time.Now(),
	}, nil
}
