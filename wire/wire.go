// Copyright (C) 2025 Everything Design. All Rights Reserved.

// Package wire implements the framed message format exchanged between
// presence peers.
//
// Each frame on the stream is a 4-byte big-endian unsigned payload length
// followed by that many bytes of UTF-8 encoded JSON. A frame carries exactly
// one Message. Framing and message validity are independent failure axes: a
// complete frame whose payload does not parse is consumed and reported
// without disturbing the frames that follow it.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxFrameSize is the largest payload length the codec accepts. A frame
// header announcing more than this cannot be skipped safely, so the stream
// is considered unsynchronized.
const MaxFrameSize = 16 << 20

// Kind identifies the structure and routing of a Message.
type Kind string

// The message kinds of the presence protocol. Values are exchanged on the
// wire verbatim; receivers ignore kinds they do not recognize.
const (
	KindUserInfo                Kind = "UserInfo"
	KindStatusUpdate            Kind = "StatusUpdate"
	KindHeartbeat               Kind = "Heartbeat"
	KindMeetingRequest          Kind = "MeetingRequest"
	KindMeetingRequestCancel    Kind = "MeetingRequestCancel"
	KindMeetingRequestAccepted  Kind = "MeetingRequestAccepted"
	KindMeetingRequestDeclined  Kind = "MeetingRequestDeclined"
	KindEmergencyMeetingRequest Kind = "EmergencyMeetingRequest"
	KindEmergencyAccessGrant    Kind = "EmergencyAccessGrant"
	KindAdminNotification       Kind = "AdminNotification"
)

// A Message is one unit of the presence wire protocol.
//
// Payload is an opaque serialized identity record, present only on the
// UserInfo, StatusUpdate, and Heartbeat kinds. It is carried as base64 in
// the JSON encoding. RequestMessage is free text whose meaning depends on
// the kind.
type Message struct {
	Type           Kind      `json:"type"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        []byte    `json:"payload,omitempty"`
	RequestMessage string    `json:"requestMessage,omitempty"`
}

// Encode returns the framed binary encoding of m.
func (m *Message) Encode() []byte {
	payload, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// WriteTo writes the framed encoding of m to w. It satisfies io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Encode())
	return int64(n), err
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(%s, from=%s)", m.Type, m.SenderID)
}

// ErrIncomplete is reported by Next when the buffer does not yet hold a
// complete frame. More input may allow decoding to proceed.
var ErrIncomplete = errors.New("wire: incomplete frame")

// ErrBadPayload is reported by Next when a complete frame was received but
// its payload does not parse as a Message. The frame has been consumed; the
// caller may keep decoding.
var ErrBadPayload = errors.New("wire: malformed payload")

// ErrFrameTooBig is reported by Next when a frame header announces a payload
// larger than MaxFrameSize. The stream cannot be resynchronized.
var ErrFrameTooBig = errors.New("wire: frame exceeds size limit")

// A Decoder splits an accumulating byte stream into messages. Feed stream
// data with Write and drain complete messages with Next. A frame may arrive
// split across any number of writes, and one write may carry any number of
// frames. The zero value is ready for use.
type Decoder struct {
	buf []byte
}

// Write appends p to the decoder's buffer. It never fails; it satisfies
// io.Writer so a decoder can be the target of an io.Copy or TeeReader.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next decodes and returns the next buffered message.
//
// If no complete frame is buffered, Next reports ErrIncomplete. If a
// complete frame is buffered but its payload is invalid, the frame is
// consumed and Next reports an error wrapping ErrBadPayload; the buffer
// remains usable. An error wrapping ErrFrameTooBig means the stream is
// beyond recovery and the connection should be discarded.
func (d *Decoder) Next() (*Message, error) {
	if len(d.buf) < 4 {
		return nil, ErrIncomplete
	}
	size := binary.BigEndian.Uint32(d.buf)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooBig, size)
	}
	total := 4 + int(size)
	if len(d.buf) < total {
		return nil, ErrIncomplete
	}
	payload := d.buf[4:total]

	var msg Message
	err := json.Unmarshal(payload, &msg)

	// Consume the frame and retain any remainder, whether or not the
	// payload parsed.
	if len(d.buf) == total {
		d.buf = d.buf[:0]
	} else {
		d.buf = d.buf[total:]
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &msg, nil
}

// Buffered reports the number of bytes held for future frames.
func (d *Decoder) Buffered() int { return len(d.buf) }
