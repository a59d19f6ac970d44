package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/provider"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
)

// ErrEmptyAudio 合成结果为空
var ErrEmptyAudio = errors.New("TTS audio is empty")

// TTSClient implements provider.Synthesizer against the unidirectional
// streaming TTS API.
type TTSClient struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewTTSClient 创建语音合成客户端
func NewTTSClient(cfg Config) *TTSClient {
	return &TTSClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.handshakeTimeout()},
	}
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

type ttsResponse struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

// Synthesize implements provider.Synthesizer. Speakers and resource ids are
// tried in order while the service reports a resource mismatch.
func (c *TTSClient) Synthesize(ctx context.Context, text string, voice provider.VoiceProfile) (provider.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return provider.Audio{}, resilience.Permanent(fmt.Errorf("TTS text is empty"))
	}
	appID, token, err := c.cfg.credentials()
	if err != nil {
		return provider.Audio{}, resilience.Permanent(err)
	}

	var lastErr error
	for _, speaker := range speakerCandidates(voice.VoiceID, c.cfg.TTSVoice) {
		for _, resourceID := range resourceCandidates(speaker) {
			audio, err := c.synthesizeOnce(ctx, appID, token, resourceID, speaker, text, voice)
			if err == nil {
				return audio, nil
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && isResourceMismatch(apiErr.Message) {
				log.Printf("[tts] voice %s resource %s mismatch, trying next", speaker, resourceID)
				lastErr = err
				continue
			}
			return provider.Audio{}, err
		}
	}
	if lastErr == nil {
		lastErr = resilience.Permanent(fmt.Errorf("no TTS speaker configured"))
	}
	return provider.Audio{}, lastErr
}

func (c *TTSClient) buildRequest(uid, speaker, text string, voice provider.VoiceProfile) *ttsRequest {
	req := &ttsRequest{}
	req.User.UID = uid
	req.ReqParams.Speaker = speaker
	req.ReqParams.Text = text
	req.ReqParams.AudioParams.Format = c.format()
	req.ReqParams.AudioParams.SampleRate = c.sampleRate()

	speed := voice.Speed
	if speed <= 0 {
		speed = c.cfg.TTSSpeed
	}
	if speed > 0 && speed != 1.0 {
		req.ReqParams.AudioParams.SpeedRatio = speed
	}
	volume := voice.Volume
	if volume <= 0 {
		volume = c.cfg.TTSVolume
	}
	if volume > 0 && volume != 1.0 {
		req.ReqParams.AudioParams.VolumeRatio = volume
	}
	req.ReqParams.Language = orDefault(voice.Locale, c.cfg.TTSLanguage)
	return req
}

func (c *TTSClient) format() string {
	return orDefault(c.cfg.TTSFormat, "mp3")
}

func (c *TTSClient) sampleRate() int {
	if c.format() == "pcm" {
		return 16000
	}
	return 24000
}

func (c *TTSClient) synthesizeOnce(ctx context.Context, appID, token, resourceID, speaker, text string, voice provider.VoiceProfile) (provider.Audio, error) {
	connectID := uuid.NewString()

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, orDefault(c.cfg.TTSURL, DefaultTTSURL), header)
	if err != nil {
		return provider.Audio{}, fmt.Errorf("failed to connect to TTS WebSocket: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[tts] connected logid=%s", logid)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	payload, err := json.Marshal(c.buildRequest(connectID, speaker, text, voice))
	if err != nil {
		return provider.Audio{}, resilience.Permanent(fmt.Errorf("failed to marshal TTS request: %w", err))
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, fullClientRequest(payload, CompressNone).marshal()); err != nil {
		return provider.Audio{}, fmt.Errorf("failed to send TTS request: %w", err)
	}

	var (
		audio    bytes.Buffer
		duration time.Duration
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return provider.Audio{}, ctx.Err()
			}
			return provider.Audio{}, fmt.Errorf("failed to read TTS response: %w", err)
		}
		msg, err := unmarshalPacket(data)
		if err != nil {
			return provider.Audio{}, resilience.Permanent(fmt.Errorf("failed to decode TTS message: %w", err))
		}

		switch msg.Type {
		case typeServerError:
			payload, _ := msg.decodedPayload()
			return provider.Audio{}, classifyAPIError("TTS", int(msg.ErrorCode), string(payload))

		case typeAudioOnlyResponse:
			chunk, err := msg.decodedPayload()
			if err != nil {
				return provider.Audio{}, resilience.Permanent(fmt.Errorf("failed to decompress audio chunk: %w", err))
			}
			audio.Write(chunk)

		case typeFullServerResponse:
			payload, err := msg.decodedPayload()
			if err != nil {
				return provider.Audio{}, resilience.Permanent(fmt.Errorf("failed to decompress TTS payload: %w", err))
			}
			if len(payload) > 0 {
				var resp ttsResponse
				if err := json.Unmarshal(payload, &resp); err != nil {
					log.Printf("[tts] failed to unmarshal response payload: %v", err)
				} else {
					if resp.Code != 0 && resp.Code != 3000 {
						return provider.Audio{}, classifyAPIError("TTS", resp.Code, resp.Message)
					}
					if ms, err := strconv.ParseInt(resp.Addition.Duration, 10, 64); err == nil {
						duration = time.Duration(ms) * time.Millisecond
					}
					if resp.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(resp.Data)
						if err != nil {
							return provider.Audio{}, resilience.Permanent(fmt.Errorf("failed to decode base64 audio chunk: %w", err))
						}
						audio.Write(chunk)
					}
				}
			}
		default:
			log.Printf("[tts] unexpected message type: %d", msg.Type)
			continue
		}

		finished := msg.isLast() || (msg.hasEvent() && msg.Event == eventSessionFinished)
		if !finished {
			continue
		}
		if audio.Len() == 0 {
			return provider.Audio{}, ErrEmptyAudio
		}
		return provider.Audio{
			Data:       audio.Bytes(),
			Format:     c.format(),
			SampleRate: c.sampleRate(),
			Duration:   duration,
		}, nil
	}
}
