package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
)

const asrChunkSize = 6400 // 16kHz 16bit 单声道 200ms

// ASRClient implements provider.Transcriber against the bigmodel ASR API.
type ASRClient struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewASRClient 创建语音识别客户端
func NewASRClient(cfg Config) *ASRClient {
	return &ASRClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.handshakeTimeout()},
	}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text     string `json:"text"`
	Definite bool   `json:"definite"`
}

type asrResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

func (c *ASRClient) buildRequest(connectID, locale string) *asrRequest {
	req := &asrRequest{}
	req.User.UID = connectID
	req.Audio.Format = orDefault(c.cfg.ASRFormat, "pcm")
	req.Audio.Language = orDefault(locale, orDefault(c.cfg.ASRLanguage, "zh-CN"))
	req.Audio.Codec = "raw"
	req.Audio.Rate = c.cfg.SampleRate
	if req.Audio.Rate <= 0 {
		req.Audio.Rate = 16000
	}
	req.Audio.Bits = 16
	req.Audio.Channel = 1

	req.Request.ModelName = orDefault(c.cfg.ASRModel, "bigmodel")
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// Transcribe implements provider.Transcriber.
func (c *ASRClient) Transcribe(ctx context.Context, audio []byte, locale string) (string, error) {
	if len(audio) == 0 {
		return "", resilience.Permanent(fmt.Errorf("no audio data to send"))
	}
	appID, token, err := c.cfg.credentials()
	if err != nil {
		return "", resilience.Permanent(err)
	}

	connectID := uuid.NewString()
	resourceID := "volc.bigasr.sauc.duration"
	if c.cfg.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent"
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, orDefault(c.cfg.ASRURL, DefaultASRURL), header)
	if err != nil {
		return "", fmt.Errorf("failed to connect to ASR WebSocket: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[asr] connected logid=%s", logid)
		}
	}

	payload, err := json.Marshal(c.buildRequest(connectID, locale))
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to marshal ASR request: %w", err))
	}
	compressed, err := Compress(payload, CompressGzip)
	if err != nil {
		return "", resilience.Permanent(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, fullClientRequest(compressed, CompressGzip).marshal()); err != nil {
		return "", fmt.Errorf("failed to send ASR request: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	// 取消或任一方出错时关闭连接，解除阻塞的读
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-gctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	var text string
	g.Go(func() error {
		return sendAudio(gctx, conn, audio)
	})
	g.Go(func() error {
		var err error
		text, err = receiveTranscript(conn)
		return err
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return text, nil
}

func sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	// 完整请求占用序号 1，音频从 2 开始
	sequence := int32(2)
	for offset := 0; offset < len(audio); offset += asrChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(offset+asrChunkSize, len(audio))
		chunk, err := Compress(audio[offset:end], CompressGzip)
		if err != nil {
			return resilience.Permanent(err)
		}
		msg := audioRequest(chunk, sequence, end == len(audio), CompressGzip)
		if err := conn.WriteMessage(websocket.BinaryMessage, msg.marshal()); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}
		sequence++
	}
	return nil
}

func receiveTranscript(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("failed to read ASR response: %w", err)
		}
		msg, err := unmarshalPacket(data)
		if err != nil {
			return "", resilience.Permanent(fmt.Errorf("failed to decode ASR message: %w", err))
		}

		switch msg.Type {
		case typeServerError:
			payload, _ := msg.decodedPayload()
			return "", classifyAPIError("ASR", int(msg.ErrorCode), string(payload))

		case typeFullServerResponse:
			payload, err := msg.decodedPayload()
			if err != nil {
				return "", resilience.Permanent(fmt.Errorf("failed to decompress ASR payload: %w", err))
			}
			var resp asrResponse
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &resp); err != nil {
					log.Printf("[asr] failed to unmarshal response: %v", err)
					continue
				}
			}
			if resp.Code != 0 && resp.Code != 20000000 {
				return "", classifyAPIError("ASR", resp.Code, resp.Message)
			}
			if candidate := transcriptText(resp); candidate != "" {
				text = candidate
			}
			if msg.isLast() {
				return strings.TrimSpace(text), nil
			}
		}
	}
}

func transcriptText(resp asrResponse) string {
	if resp.Result.Text != "" {
		return resp.Result.Text
	}
	parts := make([]string, 0, len(resp.Result.Utterances))
	for _, u := range resp.Result.Utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// APIError 火山引擎返回的业务错误
type APIError struct {
	Service string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Service, e.Code, e.Message)
}

// classifyAPIError 参数类错误不重试：ASR 的 45xxxxxx 与 TTS 的 3001/3010/3011。
func classifyAPIError(service string, code int, message string) error {
	err := &APIError{Service: service, Code: code, Message: strings.TrimSpace(message)}
	switch {
	case code >= 45000000 && code < 46000000:
		return resilience.Permanent(err)
	case code == 3001 || code == 3010 || code == 3011:
		return resilience.Permanent(err)
	case isResourceMismatch(err.Message):
		return resilience.Permanent(err)
	default:
		return err
	}
}
