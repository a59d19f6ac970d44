package speech

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   *packet
	}{
		{name: "full request", in: fullClientRequest([]byte(`{"a":1}`), CompressNone)},
		{name: "audio with sequence", in: audioRequest([]byte{1, 2, 3}, 2, false, CompressGzip)},
		{name: "last audio", in: audioRequest([]byte{4}, 5, true, CompressGzip)},
		{name: "server error", in: &packet{Type: typeServerError, ErrorCode: 45000001, Payload: []byte("bad")}},
		{name: "session event", in: &packet{Type: typeFullServerResponse, Flags: flagWithEvent, Event: eventSessionFinished, SessionID: "s-1", Payload: []byte("{}")}},
		{name: "connection event", in: &packet{Type: typeFullServerResponse, Flags: flagWithEvent, Event: eventConnectionStarted, ConnectID: "c-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := unmarshalPacket(tt.in.marshal())
			if err != nil {
				t.Fatalf("unmarshalPacket err: %v", err)
			}
			if tt.in.Payload == nil && len(out.Payload) == 0 {
				out.Payload = nil
			}
			if !reflect.DeepEqual(out, tt.in) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, tt.in)
			}
		})
	}
}

func TestAudioRequestFlags(t *testing.T) {
	if p := audioRequest(nil, 3, true, CompressNone); p.Flags != flagNegativeSequence || p.Sequence != -3 || !p.isLast() {
		t.Fatalf("last packet with sequence: %+v", p)
	}
	if p := audioRequest(nil, 0, true, CompressNone); p.Flags != flagLastNoSequence || !p.isLast() {
		t.Fatalf("last packet without sequence: %+v", p)
	}
	if p := audioRequest(nil, 2, false, CompressNone); p.Flags != flagPositiveSequence || p.isLast() {
		t.Fatalf("middle packet: %+v", p)
	}
}

func TestUnmarshalPacketRejectsBadInput(t *testing.T) {
	valid := fullClientRequest([]byte("payload"), CompressNone).marshal()

	wrongVersion := append([]byte(nil), valid...)
	wrongVersion[0] = 0x21

	tests := map[string][]byte{
		"empty":         nil,
		"short header":  {0x11, 0x10},
		"wrong version": wrongVersion,
		"truncated":     valid[:len(valid)-3],
	}
	for name, data := range tests {
		if _, err := unmarshalPacket(data); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := unmarshalPacket(valid[:len(valid)-3]); !errors.Is(err, errShortPacket) {
		t.Fatalf("truncated payload should report errShortPacket, got %v", err)
	}
}

func TestCompression(t *testing.T) {
	data := bytes.Repeat([]byte("teddy bear says hello. "), 20)

	compressed, err := Compress(data, CompressGzip)
	if err != nil {
		t.Fatalf("Compress err: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("gzip did not shrink repetitive data: %d >= %d", len(compressed), len(data))
	}
	restored, err := Decompress(compressed, CompressGzip)
	if err != nil {
		t.Fatalf("Decompress err: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Fatal("round trip mismatch")
	}
	if _, err := Compress(data, Compression(7)); err == nil {
		t.Fatal("expected unsupported compression error")
	}
}
