// Copyright (C) 2025 Everything Design. All Rights Reserved.

package wire_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Everything-Design/ZenState-V3-sub000/wire"
)

var testTime = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func testMessages() []*wire.Message {
	return []*wire.Message{
		{Type: wire.KindUserInfo, SenderID: "u1", SenderName: "Avery", Timestamp: testTime,
			Payload: []byte(`{"id":"u1","name":"Avery"}`)},
		{Type: wire.KindHeartbeat, SenderID: "u1", SenderName: "Avery", Timestamp: testTime.Add(5 * time.Second),
			Payload: []byte(`{"id":"u1"}`)},
		{Type: wire.KindMeetingRequest, SenderID: "u2", SenderName: "Blake", Timestamp: testTime,
			RequestMessage: "got a minute?"},
		{Type: wire.KindAdminNotification, SenderID: "u3", SenderName: "Casey", Timestamp: testTime,
			RequestMessage: "standup in 5"},
	}
}

// drainAll decodes every complete message buffered in dec.
func drainAll(t *testing.T, dec *wire.Decoder) []*wire.Message {
	t.Helper()
	var out []*wire.Message
	for {
		m, err := dec.Next()
		if errors.Is(err, wire.ErrIncomplete) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: unexpected error: %v", err)
		}
		out = append(out, m)
	}
}

func TestRoundTrip(t *testing.T) {
	want := testMessages()
	var stream []byte
	for _, m := range want {
		stream = append(stream, m.Encode()...)
	}

	// However the stream is chopped up, the decoded sequence must equal the
	// encoded input, in order.
	for _, chunk := range []int{1, 2, 3, 5, 7, 16, 64, len(stream)} {
		t.Run(fmt.Sprintf("chunk-%d", chunk), func(t *testing.T) {
			var dec wire.Decoder
			var got []*wire.Message
			for i := 0; i < len(stream); i += chunk {
				end := min(i+chunk, len(stream))
				dec.Write(stream[i:end])
				got = append(got, drainAll(t, &dec)...)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Decoded messages (-want, +got):\n%s", diff)
			}
			if n := dec.Buffered(); n != 0 {
				t.Errorf("Buffered: got %d bytes, want 0", n)
			}
		})
	}
}

func TestMultipleFramesOneWrite(t *testing.T) {
	want := testMessages()
	var stream []byte
	for _, m := range want {
		stream = append(stream, m.Encode()...)
	}
	var dec wire.Decoder
	dec.Write(stream)
	got := drainAll(t, &dec)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decoded messages (-want, +got):\n%s", diff)
	}
}

func TestIncomplete(t *testing.T) {
	m := &wire.Message{Type: wire.KindHeartbeat, SenderID: "u1", Timestamp: testTime}
	frame := m.Encode()

	var dec wire.Decoder
	if _, err := dec.Next(); !errors.Is(err, wire.ErrIncomplete) {
		t.Errorf("Next on empty: got %v, want ErrIncomplete", err)
	}

	// Fewer than 4 header bytes buffered: wait.
	dec.Write(frame[:3])
	if _, err := dec.Next(); !errors.Is(err, wire.ErrIncomplete) {
		t.Errorf("Next with partial header: got %v, want ErrIncomplete", err)
	}

	// Header complete, payload short: wait.
	dec.Write(frame[3 : len(frame)-1])
	if _, err := dec.Next(); !errors.Is(err, wire.ErrIncomplete) {
		t.Errorf("Next with partial payload: got %v, want ErrIncomplete", err)
	}

	dec.Write(frame[len(frame)-1:])
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: unexpected error: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("Decoded message (-want, +got):\n%s", diff)
	}
}

func TestMalformedPayload(t *testing.T) {
	// A complete frame whose payload is not valid JSON is dropped; the frame
	// after it decodes normally.
	bad := []byte(`{"type":"Heartbeat",`)
	frame := make([]byte, 4+len(bad))
	binary.BigEndian.PutUint32(frame, uint32(len(bad)))
	copy(frame[4:], bad)

	good := &wire.Message{Type: wire.KindHeartbeat, SenderID: "u9", Timestamp: testTime}

	var dec wire.Decoder
	dec.Write(frame)
	dec.Write(good.Encode())

	if _, err := dec.Next(); !errors.Is(err, wire.ErrBadPayload) {
		t.Fatalf("Next: got %v, want ErrBadPayload", err)
	}
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next after bad frame: unexpected error: %v", err)
	}
	if diff := cmp.Diff(good, got); diff != "" {
		t.Errorf("Decoded message (-want, +got):\n%s", diff)
	}
}

func TestUnknownKindDecodes(t *testing.T) {
	// Unknown tags are a routing concern, not a decoding failure.
	m := &wire.Message{Type: "FutureKind", SenderID: "u1", Timestamp: testTime}
	var dec wire.Decoder
	dec.Write(m.Encode())
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: unexpected error: %v", err)
	}
	if got.Type != "FutureKind" {
		t.Errorf("Type: got %q, want FutureKind", got.Type)
	}
}

func TestFrameTooBig(t *testing.T) {
	var frame [8]byte
	binary.BigEndian.PutUint32(frame[:4], wire.MaxFrameSize+1)

	var dec wire.Decoder
	dec.Write(frame[:])
	if _, err := dec.Next(); !errors.Is(err, wire.ErrFrameTooBig) {
		t.Errorf("Next: got %v, want ErrFrameTooBig", err)
	}
}

func TestHeaderFormat(t *testing.T) {
	// The length prefix is a 4-byte big-endian count of the payload bytes.
	m := &wire.Message{Type: wire.KindHeartbeat, SenderID: "u1", Timestamp: testTime}
	frame := m.Encode()
	if got, want := binary.BigEndian.Uint32(frame[:4]), uint32(len(frame)-4); got != want {
		t.Errorf("Length prefix: got %d, want %d", got, want)
	}
}

func BenchmarkRoundTrip(b *testing.B) {
	m := &wire.Message{
		Type: wire.KindHeartbeat, SenderID: "u1", SenderName: "Avery",
		Timestamp: testTime, Payload: []byte(`{"id":"u1","status":"focused"}`),
	}
	var dec wire.Decoder
	for b.Loop() {
		dec.Write(m.Encode())
		if _, err := dec.Next(); err != nil {
			b.Fatal(err)
		}
	}
}
