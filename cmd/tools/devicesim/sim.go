package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/protocol"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
)

// errRetryable 服务端要求稍后重连（限流、会话数已满、服务重启）
var errRetryable = errors.New("server asked to retry later")

// options 模拟器参数
type options struct {
	URL          string
	DeviceID     string
	Token        string
	Capabilities []string
	Audio        []byte
	SampleRate   int
	ChunkSize    int
	FrameDelay   time.Duration
	Turns        int
	Reconnects   int
	Backoff      resilience.Backoff
	ReadTimeout  time.Duration
}

// turnReply 一轮对话的回复
type turnReply struct {
	UtteranceID string
	Outcome     string
	Text        string
	Audio       []byte
}

// simulator 模拟一台设备
type simulator struct {
	opts  options
	sleep func(ctx context.Context, d time.Duration) error
}

func newSimulator(opts options) *simulator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 3200
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Turns <= 0 {
		opts.Turns = 1
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	return &simulator{opts: opts, sleep: sleepContext}
}

// run 连接失败且可重试时按指数退避重连
func (s *simulator) run(ctx context.Context) ([]turnReply, error) {
	for attempt := 0; ; attempt++ {
		replies, err := s.connect(ctx)
		if err == nil {
			return replies, nil
		}
		if !errors.Is(err, errRetryable) || attempt >= s.opts.Reconnects {
			return replies, err
		}
		delay := s.opts.Backoff.Delay(attempt)
		log.Printf("[devicesim] attempt %d failed: %v, retrying in %s", attempt+1, err, delay.Round(time.Millisecond))
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (s *simulator) connect(ctx context.Context) ([]turnReply, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("dial: HTTP %d (Retry-After %s): %w", resp.StatusCode, resp.Header.Get("Retry-After"), errRetryable)
		}
		if resp == nil {
			// 网络错误，服务可能正在重启
			return nil, fmt.Errorf("dial: %v: %w", err, errRetryable)
		}
		return nil, fmt.Errorf("dial: HTTP %d: %w", resp.StatusCode, err)
	}
	defer conn.Close()

	params := protocol.Params{"device_id": s.opts.DeviceID, "token": s.opts.Token}
	if len(s.opts.Capabilities) > 0 {
		caps := make([]any, len(s.opts.Capabilities))
		for i, c := range s.opts.Capabilities {
			caps[i] = c
		}
		params["capabilities"] = caps
	}
	if err := s.send(conn, protocol.NewEnvelope(protocol.TypeHello, "hello", params)); err != nil {
		return nil, err
	}
	welcome, err := s.await(conn, protocol.TypeWelcome)
	if err != nil {
		return nil, err
	}
	log.Printf("[devicesim] connected session=%s capabilities=%v", welcome.String("session_id"), welcome.Strings("capabilities"))

	replies := make([]turnReply, 0, s.opts.Turns)
	for i := 0; i < s.opts.Turns; i++ {
		reply, err := s.turn(ctx, conn)
		if err != nil {
			return replies, err
		}
		log.Printf("[devicesim] turn %d outcome=%s text=%q audio=%dB", i+1, reply.Outcome, reply.Text, len(reply.Audio))
		replies = append(replies, reply)
	}

	if err := s.send(conn, protocol.NewEnvelope(protocol.TypeClose, "", nil)); err != nil {
		return replies, err
	}
	if _, err := s.await(conn, protocol.TypeBye); err != nil {
		return replies, err
	}
	return replies, nil
}

func (s *simulator) turn(ctx context.Context, conn *websocket.Conn) (turnReply, error) {
	id := uuid.NewString()
	start := protocol.NewEnvelope(protocol.TypeStartRecording, id, protocol.Params{
		"utterance_id": id,
		"encoding":     "pcm16",
		"sample_rate":  s.opts.SampleRate,
		"channels":     1,
	})
	if err := s.send(conn, start); err != nil {
		return turnReply{}, err
	}
	if _, err := s.await(conn, protocol.TypeRecordingStarted); err != nil {
		return turnReply{}, err
	}

	for _, frame := range protocol.SplitAudio(id, s.opts.Audio, s.opts.ChunkSize) {
		frame.Kind = protocol.KindMic
		data, err := protocol.EncodeFrame(frame)
		if err != nil {
			return turnReply{}, err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return turnReply{}, fmt.Errorf("write frame: %w", err)
		}
		if s.opts.FrameDelay > 0 {
			if err := s.sleep(ctx, s.opts.FrameDelay); err != nil {
				return turnReply{}, err
			}
		}
	}

	reply := turnReply{UtteranceID: id}
	for {
		in, err := s.read(conn)
		if err != nil {
			return reply, err
		}
		if in.IsFrame() {
			if in.Frame.UtteranceID == id {
				reply.Audio = append(reply.Audio, in.Frame.Payload...)
			}
			continue
		}
		env := in.Envelope
		switch env.Type {
		case protocol.TypePlaybackStart:
			reply.Outcome = env.String("outcome")
			reply.Text = env.String("text")
		case protocol.TypePlaybackEnd:
			return reply, s.send(conn, protocol.NewEnvelope(protocol.TypePlaybackDone, "", protocol.Params{"utterance_id": id}))
		case protocol.TypeLED:
			_ = s.send(conn, protocol.NewEnvelope(protocol.TypeLEDAck, env.ID, protocol.Params{"pattern": env.String("pattern")}))
		case protocol.TypeError:
			if err := envelopeError(env); err != nil {
				return reply, err
			}
			log.Printf("[devicesim] server warning code=%s: %s", env.String("code"), env.String("message"))
		case protocol.TypeBye:
			return reply, fmt.Errorf("server closed session: %s", env.String("reason"))
		}
	}
}

// await 读取直到出现指定消息，期间的 LED 指令直接确认
func (s *simulator) await(conn *websocket.Conn, want protocol.MessageType) (*protocol.Envelope, error) {
	for {
		in, err := s.read(conn)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", want, err)
		}
		if in.IsFrame() {
			continue
		}
		env := in.Envelope
		switch env.Type {
		case want:
			return env, nil
		case protocol.TypeLED:
			_ = s.send(conn, protocol.NewEnvelope(protocol.TypeLEDAck, env.ID, protocol.Params{"pattern": env.String("pattern")}))
		case protocol.TypeError:
			if err := envelopeError(env); err != nil {
				return nil, err
			}
		}
	}
}

func (s *simulator) read(conn *websocket.Conn) (protocol.Inbound, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseTryAgainLater, websocket.CloseGoingAway) {
			return protocol.Inbound{}, fmt.Errorf("%v: %w", err, errRetryable)
		}
		return protocol.Inbound{}, err
	}
	return protocol.Decode(mt, data)
}

func (s *simulator) send(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// envelopeError 致命错误转为 error，资源不足可重试
func envelopeError(env *protocol.Envelope) error {
	if fatal, _ := env.Bool("fatal"); !fatal {
		return nil
	}
	code := env.String("code")
	err := fmt.Errorf("server error %s: %s", code, env.String("message"))
	if code == "resource_exhausted" {
		return fmt.Errorf("%w: %w", err, errRetryable)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
