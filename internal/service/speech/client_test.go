package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/provider"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
)

// fakeOpenspeech upgrades the connection and hands it to handle.
func fakeOpenspeech(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readPacket(t *testing.T, conn *websocket.Conn) *packet {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	p, err := unmarshalPacket(data)
	if err != nil {
		t.Errorf("server decode: %v", err)
		return nil
	}
	return p
}

func gzipJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Compress(raw, CompressGzip)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	return out
}

func testConfig(asrURL, ttsURL string) Config {
	return Config{AppID: "app", AccessToken: "token", ASRURL: asrURL, TTSURL: ttsURL, TTSVoice: "zh_default"}
}

func TestASRClientTranscribe(t *testing.T) {
	audio := make([]byte, asrChunkSize*2+100)
	received := make(chan int, 1)

	url := fakeOpenspeech(t, func(conn *websocket.Conn, r *http.Request) {
		if r.Header.Get("X-Api-App-Key") != "app" || r.Header.Get("X-Api-Resource-Id") != "volc.bigasr.sauc.duration" {
			t.Errorf("unexpected headers: %v", r.Header)
		}

		req := readPacket(t, conn)
		if req == nil || req.Type != typeFullClientRequest {
			t.Errorf("expected full client request, got %+v", req)
			return
		}
		body, _ := req.decodedPayload()
		var parsed asrRequest
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Audio.Language != "en-US" {
			t.Errorf("unexpected request body %s: %v", body, err)
		}

		total := 0
		for {
			p := readPacket(t, conn)
			if p == nil {
				return
			}
			chunk, _ := p.decodedPayload()
			total += len(chunk)
			if p.isLast() {
				break
			}
		}
		received <- total

		resp := map[string]any{"result": map[string]any{"text": "tell me a joke"}}
		final := &packet{Type: typeFullServerResponse, Flags: flagNegativeSequence, Sequence: -4, Serialization: serializeJSON, Compression: CompressGzip, Payload: gzipJSON(t, resp)}
		_ = conn.WriteMessage(websocket.BinaryMessage, final.marshal())
	})

	client := NewASRClient(testConfig(url, ""))
	text, err := client.Transcribe(context.Background(), audio, "en-US")
	if err != nil {
		t.Fatalf("Transcribe err: %v", err)
	}
	if text != "tell me a joke" {
		t.Fatalf("text = %q", text)
	}
	if got := <-received; got != len(audio) {
		t.Fatalf("server received %d bytes, want %d", got, len(audio))
	}
}

func TestASRClientServerError(t *testing.T) {
	url := fakeOpenspeech(t, func(conn *websocket.Conn, r *http.Request) {
		readPacket(t, conn)
		msg := &packet{Type: typeServerError, ErrorCode: 45000002, Payload: []byte("empty audio")}
		_ = conn.WriteMessage(websocket.BinaryMessage, msg.marshal())
		// 继续读取直到客户端断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	_, err := NewASRClient(testConfig(url, "")).Transcribe(context.Background(), []byte{1, 2, 3, 4}, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 45000002 || !resilience.IsPermanent(err) {
		t.Fatalf("expected permanent API error, got %v", err)
	}
}

func TestASRClientCancellation(t *testing.T) {
	url := fakeOpenspeech(t, func(conn *websocket.Conn, r *http.Request) {
		// 读取但从不回复
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewASRClient(testConfig(url, "")).Transcribe(ctx, []byte{1, 2}, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestASRClientRequiresCredentials(t *testing.T) {
	_, err := NewASRClient(Config{}).Transcribe(context.Background(), []byte{1}, "")
	if err == nil || !resilience.IsPermanent(err) {
		t.Fatalf("missing credentials should be permanent, got %v", err)
	}
}

func TestTTSClientSynthesize(t *testing.T) {
	url := fakeOpenspeech(t, func(conn *websocket.Conn, r *http.Request) {
		req := readPacket(t, conn)
		if req == nil {
			return
		}
		var parsed ttsRequest
		if err := json.Unmarshal(req.Payload, &parsed); err != nil {
			t.Errorf("unmarshal tts request: %v", err)
			return
		}
		if parsed.ReqParams.Speaker != "en_female_amy_jupiter_bigtts" || parsed.ReqParams.Text != "hello friend" {
			t.Errorf("unexpected tts request: %+v", parsed.ReqParams)
		}
		if r.Header.Get("X-Api-Resource-Id") != "seed-tts-2.0" {
			t.Errorf("resource id = %s", r.Header.Get("X-Api-Resource-Id"))
		}

		chunk := &packet{Type: typeAudioOnlyResponse, Flags: flagPositiveSequence, Sequence: 1, Payload: []byte("abc")}
		_ = conn.WriteMessage(websocket.BinaryMessage, chunk.marshal())

		meta, _ := json.Marshal(map[string]any{
			"code":     3000,
			"data":     base64.StdEncoding.EncodeToString([]byte("def")),
			"addition": map[string]string{"duration": "1200"},
		})
		final := &packet{Type: typeFullServerResponse, Flags: flagWithEvent, Event: eventSessionFinished, SessionID: "s", Serialization: serializeJSON, Payload: meta}
		_ = conn.WriteMessage(websocket.BinaryMessage, final.marshal())
	})

	client := NewTTSClient(testConfig("", url))
	audio, err := client.Synthesize(context.Background(), "hello friend", provider.VoiceProfile{VoiceID: "en_default"})
	if err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}
	if string(audio.Data) != "abcdef" || audio.Format != "mp3" || audio.Duration != 1200*time.Millisecond {
		t.Fatalf("unexpected audio: %q %s %v", audio.Data, audio.Format, audio.Duration)
	}
}

func TestTTSClientFallsBackOnResourceMismatch(t *testing.T) {
	attempts := make(chan string, 4)
	url := fakeOpenspeech(t, func(conn *websocket.Conn, r *http.Request) {
		resource := r.Header.Get("X-Api-Resource-Id")
		attempts <- resource
		readPacket(t, conn)
		if resource == "seed-tts-2.0" {
			msg := &packet{Type: typeServerError, ErrorCode: 3050, Payload: []byte("resource ID is mismatched with speaker related resource")}
			_ = conn.WriteMessage(websocket.BinaryMessage, msg.marshal())
			return
		}
		final := &packet{Type: typeAudioOnlyResponse, Flags: flagNegativeSequence, Sequence: -1, Payload: []byte("ok")}
		_ = conn.WriteMessage(websocket.BinaryMessage, final.marshal())
	})

	audio, err := NewTTSClient(testConfig("", url)).Synthesize(context.Background(), "hi", provider.VoiceProfile{VoiceID: "zh_female_vv_uranus_bigtts"})
	if err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}
	if string(audio.Data) != "ok" {
		t.Fatalf("audio = %q", audio.Data)
	}
	if first, second := <-attempts, <-attempts; first != "seed-tts-2.0" || second != "volc.service_type.10029" {
		t.Fatalf("unexpected resource order: %s, %s", first, second)
	}
}

func TestTTSClientRejectsEmptyText(t *testing.T) {
	_, err := NewTTSClient(testConfig("", "")).Synthesize(context.Background(), "  ", provider.VoiceProfile{})
	if !resilience.IsPermanent(err) {
		t.Fatalf("empty text should be permanent, got %v", err)
	}
}
