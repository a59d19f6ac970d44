package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
)

// TestFrameEncoding 测试二进制帧编解码
func TestFrameEncoding(t *testing.T) {
	original := &Frame{
		Kind:        KindMic,
		Last:        true,
		Sequence:    7,
		UtteranceID: "utt-1",
		Payload:     []byte("pcm audio bytes"),
	}

	data, err := EncodeFrame(original)
	if err != nil {
		t.Fatalf("EncodeFrame err: %v", err)
	}

	in, err := Decode(websocket.BinaryMessage, data)
	if err != nil {
		t.Fatalf("Decode err: %v", err)
	}
	if !in.IsFrame() {
		t.Fatal("expected a frame")
	}
	got := in.Frame
	if got.Kind != KindMic || !got.Last || got.Sequence != 7 || got.UtteranceID != "utt-1" {
		t.Fatalf("unexpected frame: %+v", got)
	}
	if !bytes.Equal(got.Payload, original.Payload) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	valid, err := EncodeFrame(&Frame{Kind: KindMic, UtteranceID: "u", Payload: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("EncodeFrame err: %v", err)
	}

	badVersion := append([]byte(nil), valid...)
	badVersion[0] = (0b0010 << 4) | 1

	badKind := append([]byte(nil), valid...)
	badKind[1] = 0b0111 << 4

	cases := []struct {
		name      string
		data      []byte
		code      string
		wantFatal bool
	}{
		{name: "short header", data: []byte{0x11}, code: CodeTruncatedFrame},
		{name: "bad version", data: badVersion, code: CodeUnsupportedVersion, wantFatal: true},
		{name: "bad kind", data: badKind, code: CodeInvalidField},
		{name: "truncated payload", data: valid[:len(valid)-1], code: CodeTruncatedFrame},
		{name: "trailing bytes", data: append(append([]byte(nil), valid...), 9), code: CodeTruncatedFrame},
	}

	for _, tc := range cases {
		_, err := Decode(websocket.BinaryMessage, tc.data)
		var perr *Error
		if !errors.As(err, &perr) {
			t.Fatalf("%s: expected *Error, got %v", tc.name, err)
		}
		if perr.Code != tc.code {
			t.Errorf("%s: code = %s, want %s", tc.name, perr.Code, tc.code)
		}
		if perr.Fatal != tc.wantFatal {
			t.Errorf("%s: fatal = %v, want %v", tc.name, perr.Fatal, tc.wantFatal)
		}
		if !errors.Is(err, errs.ErrProtocol) {
			t.Errorf("%s: expected errs.ErrProtocol in chain", tc.name)
		}
	}
}

func TestDecodeEnvelope(t *testing.T) {
	in, err := Decode(websocket.TextMessage, []byte(`{"type":"start_recording","id":"m1","params":{"utterance_id":"u1","sample_rate":16000,"pcm":true,"caps":["led","x",3]}}`))
	if err != nil {
		t.Fatalf("Decode err: %v", err)
	}
	env := in.Envelope
	if env.Type != TypeStartRecording || env.ID != "m1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.String("utterance_id") != "u1" {
		t.Fatalf("utterance_id = %q", env.String("utterance_id"))
	}
	if rate, ok := env.Int("sample_rate"); !ok || rate != 16000 {
		t.Fatalf("sample_rate = %d, %v", rate, ok)
	}
	if v, ok := env.Bool("pcm"); !ok || !v {
		t.Fatal("expected pcm=true")
	}
	if caps := env.Strings("caps"); len(caps) != 2 {
		t.Fatalf("caps = %v", caps)
	}
	if _, ok := env.Int("utterance_id"); ok {
		t.Fatal("string param must not read as int")
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
		code string
	}{
		{name: "not json", data: `{type`, code: CodeMalformedJSON},
		{name: "missing type", data: `{"id":"1"}`, code: CodeMissingField},
		{name: "empty type", data: `{"type":"  "}`, code: CodeMissingField},
		{name: "numeric id", data: `{"type":"ping","id":5}`, code: CodeInvalidField},
		{name: "array params", data: `{"type":"ping","params":[1]}`, code: CodeInvalidField},
	}

	for _, tc := range cases {
		_, err := Decode(websocket.TextMessage, []byte(tc.data))
		var perr *Error
		if !errors.As(err, &perr) {
			t.Fatalf("%s: expected *Error, got %v", tc.name, err)
		}
		if perr.Code != tc.code {
			t.Errorf("%s: code = %s, want %s", tc.name, perr.Code, tc.code)
		}
	}
}

func TestSplitAudio(t *testing.T) {
	audio := bytes.Repeat([]byte{1}, 10)
	frames := SplitAudio("r1", audio, 4)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Sequence != uint32(i) || f.UtteranceID != "r1" || f.Kind != KindSpeaker {
			t.Fatalf("unexpected frame %d: %+v", i, f)
		}
		if f.Last != (i == 2) {
			t.Fatalf("frame %d last = %v", i, f.Last)
		}
	}
	if len(frames[2].Payload) != 2 {
		t.Fatalf("last frame payload = %d bytes", len(frames[2].Payload))
	}

	empty := SplitAudio("r2", nil, 4)
	if len(empty) != 1 || !empty[0].Last {
		t.Fatal("empty audio still produces a terminating frame")
	}
}

func TestEncodeFrameValidatesUtteranceID(t *testing.T) {
	if _, err := EncodeFrame(&Frame{Kind: KindMic}); err == nil {
		t.Fatal("expected error for empty utterance id")
	}
	long := string(bytes.Repeat([]byte("a"), MaxUtteranceIDLength+1))
	if _, err := EncodeFrame(&Frame{Kind: KindMic, UtteranceID: long}); err == nil {
		t.Fatal("expected error for oversized utterance id")
	}
}
