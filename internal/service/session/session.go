package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/analysis/mood"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
	convmodel "github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/protocol"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/ingest"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/provider"
)

// Non-fatal error codes sent to the device.
const (
	CodeBusy             = "busy"
	CodeInvalidState     = "invalid_state"
	CodeUnknownUtterance = "unknown_utterance"
)

// Close reasons reported in bye and logs.
const (
	ReasonClientClose   = "client_close"
	ReasonDisconnect    = "disconnect"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonSuperseded    = "superseded"
	ReasonShutdown      = "shutdown"
	ReasonProtocolError = "protocol_error"
)

var ledPatterns = map[State]string{
	StateIdle:       "idle",
	StateRecording:  "listening",
	StateProcessing: "thinking",
	StatePlaying:    "speaking",
}

// Snapshot 会话状态快照，供管理接口读取。
type Snapshot struct {
	ID              string    `json:"id"`
	DeviceID        string    `json:"deviceId"`
	ChildID         string    `json:"childId"`
	ChildAge        int       `json:"childAge"`
	State           State     `json:"state"`
	Capabilities    []string  `json:"capabilities"`
	RemoteAddr      string    `json:"remoteAddr"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastActivity    time.Time `json:"lastActivity"`
	Turns           int       `json:"turns"`
	ContextTurns    int       `json:"contextTurns"`
	ActiveUtterance string    `json:"activeUtterance,omitempty"`
}

type inbound struct {
	msg     protocol.Inbound
	err     error // decode error, connection stays open
	readErr error // link is gone
}

type turnEventKind int

const (
	turnResult turnEventKind = iota
	turnPlayed
)

type turnEvent struct {
	seq    uint64
	kind   turnEventKind
	result conversation.Result
	err    error
}

// Session is one authenticated device connection. The fields guarded by mu
// are read by admin snapshots; the rest belong to the session loop.
type Session struct {
	id          string
	deviceID    string
	childID     string
	childAge    int
	locale      string
	voice       provider.VoiceProfile
	caps        map[string]bool
	remote      string
	connectedAt time.Time

	manager *Manager
	conn    Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	turns        int
	utterance    string

	window     *convmodel.Window
	buffer     *ingest.Buffer
	turnSeq    uint64
	turnCtx    context.Context
	turnCancel context.CancelFunc
	turnID     string
	turnCorr   string
	turnWG     sync.WaitGroup
	turnEvents chan turnEvent

	protocolErrors int
	lastRejected   string

	closeReq chan string
	done     chan struct{}
	closing  atomic.Bool
}

func newSession(m *Manager, conn Conn, remote string) *Session {
	now := m.now()
	return &Session{
		id:           uuid.NewString(),
		remote:       remote,
		connectedAt:  now,
		manager:      m,
		conn:         conn,
		state:        StateConnecting,
		lastActivity: now,
		window:       convmodel.NewWindow(m.cfg.ContextWindow),
		buffer:       ingest.NewBuffer(m.cfg.Audio),
		turnEvents:   make(chan turnEvent, 4),
		closeReq:     make(chan string, 1),
		done:         make(chan struct{}),
	}
}

// ID 会话标识
func (s *Session) ID() string { return s.id }

// DeviceID 设备标识
func (s *Session) DeviceID() string { return s.deviceID }

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot 读取会话状态
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := make([]string, 0, len(s.caps))
	for c := range s.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return Snapshot{
		ID:              s.id,
		DeviceID:        s.deviceID,
		ChildID:         s.childID,
		ChildAge:        s.childAge,
		State:           s.state,
		Capabilities:    caps,
		RemoteAddr:      s.remote,
		ConnectedAt:     s.connectedAt,
		LastActivity:    s.lastActivity,
		Turns:           s.turns,
		ContextTurns:    s.window.Len(),
		ActiveUtterance: s.utterance,
	}
}

// requestClose asks the session loop to close. Safe from any goroutine.
func (s *Session) requestClose(reason string) {
	select {
	case s.closeReq <- reason:
	default:
	}
}

func (s *Session) transition(event Event) error {
	s.mu.Lock()
	next, err := Next(s.state, event)
	if err == nil {
		s.state = next
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if pattern, ok := ledPatterns[next]; ok && s.caps["led"] {
		_ = s.send(protocol.NewEnvelope(protocol.TypeLED, "", protocol.Params{"pattern": pattern}))
	}
	return nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.manager.now()
	s.mu.Unlock()
}

func (s *Session) setUtterance(id string) {
	s.mu.Lock()
	s.utterance = id
	s.mu.Unlock()
}

func (s *Session) logf(format string, args ...any) {
	log.Printf("[session] device=%s session=%s "+format, append([]any{s.deviceID, s.id}, args...)...)
}

// send 序列化写入，读循环、处理协程和播放协程共用同一把锁。
func (s *Session) send(env *protocol.Envelope) error {
	out, err := protocol.EnvelopeMessage(env)
	if err != nil {
		return err
	}
	return s.write(out)
}

func (s *Session) write(out protocol.Outbound) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.manager.cfg.WriteTimeout))
	return s.conn.WriteMessage(out.MessageType, out.Data)
}

func (s *Session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.manager.cfg.WriteTimeout))
}

func (s *Session) sendError(code, message string, fatal bool, extra protocol.Params) {
	params := protocol.Params{"code": code, "message": message, "fatal": fatal}
	for k, v := range extra {
		params[k] = v
	}
	if err := s.send(protocol.NewEnvelope(protocol.TypeError, "", params)); err != nil {
		s.logf("write error envelope failed: %v", err)
	}
}

// run 会话主循环，返回时连接已关闭。
func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := s.manager.cfg
	pongWait := cfg.PingInterval * 10 / 9
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := s.send(s.welcome()); err != nil {
		return s.shutdown(ReasonDisconnect, websocket.CloseAbnormalClosure)
	}
	if err := s.transition(EventAuthenticated); err != nil {
		return err
	}

	reads := make(chan inbound, 16)
	go s.readLoop(reads, pongWait)

	pingTicker := time.NewTicker(cfg.PingInterval)
	defer pingTicker.Stop()
	tick := time.NewTicker(cfg.tickInterval())
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(ReasonShutdown, websocket.CloseGoingAway)
		case reason := <-s.closeReq:
			return s.shutdown(reason, websocket.CloseGoingAway)
		case in := <-reads:
			if in.readErr != nil {
				if websocket.IsUnexpectedCloseError(in.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					s.logf("read error: %v", in.readErr)
				}
				return s.shutdown(ReasonDisconnect, websocket.CloseAbnormalClosure)
			}
			s.touch()
			if in.err != nil {
				if s.onProtocolError(in.err) {
					return s.shutdown(ReasonProtocolError, websocket.CloseProtocolError)
				}
				continue
			}
			if closeReason := s.dispatch(ctx, in.msg); closeReason != "" {
				code := websocket.CloseNormalClosure
				if closeReason == ReasonProtocolError {
					code = websocket.CloseProtocolError
				}
				return s.shutdown(closeReason, code)
			}
		case ev := <-s.turnEvents:
			s.onTurnEvent(ev)
		case <-pingTicker.C:
			if err := s.ping(); err != nil {
				s.logf("ping failed: %v", err)
			}
		case now := <-tick.C:
			if s.onTick(ctx, now) {
				return s.shutdown(ReasonIdleTimeout, websocket.CloseNormalClosure)
			}
		}
	}
}

func (s *Session) welcome() *protocol.Envelope {
	cfg := s.manager.cfg
	caps := make([]string, 0, len(s.caps))
	for c := range s.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return protocol.NewEnvelope(protocol.TypeWelcome, "", protocol.Params{
		"session_id":       s.id,
		"device_id":        s.deviceID,
		"capabilities":     caps,
		"max_duration_ms":  cfg.Audio.MaxDuration.Milliseconds(),
		"max_bytes":        cfg.Audio.MaxBytes,
		"idle_timeout_ms":  cfg.IdleTimeout.Milliseconds(),
		"ping_interval_ms": cfg.PingInterval.Milliseconds(),
	})
}

// readLoop 唯一的读协程
func (s *Session) readLoop(out chan<- inbound, pongWait time.Duration) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inbound{readErr: err}:
			case <-s.done:
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, decodeErr := protocol.Decode(messageType, data)
		select {
		case out <- inbound{msg: msg, err: decodeErr}:
		case <-s.done:
			return
		}
	}
}

// onProtocolError 返回 true 表示需要断开连接。
func (s *Session) onProtocolError(err error) bool {
	s.protocolErrors++
	code := errs.Code(err)
	fatal := false
	var perr *protocol.Error
	if errors.As(err, &perr) {
		code = perr.Code
		fatal = perr.Fatal
	}
	if limit := s.manager.cfg.MaxProtocolErrors; limit > 0 && s.protocolErrors >= limit {
		fatal = true
	}
	s.logf("protocol error count=%d fatal=%t: %v", s.protocolErrors, fatal, err)
	s.sendError(code, err.Error(), fatal, nil)
	return fatal
}

// dispatch 处理一条入站消息，返回非空原因时关闭会话。
func (s *Session) dispatch(ctx context.Context, msg protocol.Inbound) string {
	if msg.IsFrame() {
		s.onFrame(ctx, msg.Frame)
		return ""
	}

	env := msg.Envelope
	switch env.Type {
	case protocol.TypeStartRecording:
		s.onStartRecording(env)
	case protocol.TypeEndRecording:
		s.onEndRecording(ctx, env)
	case protocol.TypeCancel:
		s.onCancel(env)
	case protocol.TypePlaybackDone:
		if err := s.transition(EventPlaybackDone); err != nil {
			s.sendError(CodeInvalidState, err.Error(), false, nil)
			return ""
		}
		s.setUtterance("")
		s.releaseTurn()
	case protocol.TypeLEDAck, protocol.TypeMotorAck:
		s.logf("%s pattern=%q", env.Type, env.String("pattern"))
	case protocol.TypePing:
		_ = s.send(protocol.NewEnvelope(protocol.TypePong, env.ID, nil))
	case protocol.TypeClose:
		return ReasonClientClose
	default:
		err := fmt.Errorf("unexpected %q envelope: %w", env.Type, errs.ErrProtocol)
		if s.onProtocolError(err) {
			return ReasonProtocolError
		}
	}
	return ""
}

func utteranceID(env *protocol.Envelope) string {
	if id := env.String("utterance_id"); id != "" {
		return id
	}
	return env.ID
}

func (s *Session) onStartRecording(env *protocol.Envelope) {
	id := utteranceID(env)
	if id == "" {
		s.sendError(protocol.CodeMissingField, "start_recording requires utterance_id", false, nil)
		return
	}

	switch state := s.State(); state {
	case StateRecording, StateProcessing:
		s.sendError(CodeBusy, fmt.Sprintf("cannot start %s while %s", id, state), false, protocol.Params{"utterance_id": id})
		return
	case StatePlaying:
		// 打断播放
		s.logf("barge-in utterance=%s interrupts=%s", id, s.turnID)
		s.cancelTurn()
	}

	if err := s.transition(EventStartRecording); err != nil {
		s.sendError(CodeInvalidState, err.Error(), false, protocol.Params{"utterance_id": id})
		return
	}

	format := ingest.Format{Encoding: env.String("encoding"), Channels: 1}
	if format.Encoding == "" {
		format.Encoding = "pcm16"
	}
	if rate, ok := env.Int("sample_rate"); ok && rate > 0 {
		format.SampleRate = rate
	}
	if channels, ok := env.Int("channels"); ok && channels > 0 {
		format.Channels = channels
	}
	s.buffer.Discard()
	if err := s.buffer.Start(id, format); err != nil {
		s.sendError(protocol.CodeInvalidField, err.Error(), false, nil)
		return
	}
	s.setUtterance(id)
	s.lastRejected = ""
	_ = s.send(protocol.NewEnvelope(protocol.TypeRecordingStarted, env.ID, protocol.Params{"utterance_id": id}))
}

func (s *Session) onFrame(ctx context.Context, frame *protocol.Frame) {
	if frame.Kind != protocol.KindMic {
		s.rejectFrame(frame.UtteranceID, "only microphone frames are accepted")
		return
	}
	u, err := s.buffer.Append(frame)
	switch {
	case errors.Is(err, ingest.ErrBufferOverflow):
		s.finishRecording(ctx, u)
	case errors.Is(err, ingest.ErrNoUtterance), errors.Is(err, ingest.ErrUnknownUtterance):
		s.rejectFrame(frame.UtteranceID, err.Error())
	case err != nil:
		s.logf("append frame failed: %v", err)
	case frame.Last:
		u, err := s.buffer.Finish(frame.UtteranceID)
		if err == nil {
			s.finishRecording(ctx, u)
		}
	}
}

// rejectFrame 同一轮次只报告一次
func (s *Session) rejectFrame(id, reason string) {
	if s.lastRejected == id {
		return
	}
	s.lastRejected = id
	s.logf("rejected frame utterance=%s: %s", id, reason)
	s.sendError(CodeUnknownUtterance, reason, false, protocol.Params{"utterance_id": id})
}

func (s *Session) onEndRecording(ctx context.Context, env *protocol.Envelope) {
	id := utteranceID(env)
	if s.State() != StateRecording {
		s.sendError(CodeInvalidState, "no recording in progress", false, protocol.Params{"utterance_id": id})
		return
	}
	u, err := s.buffer.Finish(id)
	if err != nil {
		s.sendError(CodeUnknownUtterance, err.Error(), false, protocol.Params{"utterance_id": id})
		return
	}
	s.finishRecording(ctx, u)
}

func (s *Session) onCancel(env *protocol.Envelope) {
	state := s.State()
	id := s.turnID
	switch state {
	case StateRecording:
		id, _ = s.buffer.Active()
		s.buffer.Discard()
	case StateProcessing, StatePlaying:
		s.cancelTurn()
	default:
		s.sendError(CodeInvalidState, "nothing to cancel", false, nil)
		return
	}
	if err := s.transition(EventCancel); err != nil {
		s.sendError(CodeInvalidState, err.Error(), false, nil)
		return
	}
	s.setUtterance("")
	s.logf("turn cancelled utterance=%s stage=%s", id, state)
	_ = s.send(protocol.NewEnvelope(protocol.TypeTurnCancelled, env.ID, protocol.Params{
		"utterance_id": id,
		"stage":        string(state),
	}))
}

// finishRecording 录音结束，进入处理阶段。
func (s *Session) finishRecording(ctx context.Context, u *ingest.Utterance) {
	if err := s.transition(EventUtteranceReady); err != nil {
		s.logf("finish recording: %v", err)
		return
	}
	_ = s.send(protocol.NewEnvelope(protocol.TypeRecordingStopped, "", protocol.Params{
		"utterance_id": u.ID,
		"reason":       string(u.Reason),
		"bytes":        u.Bytes,
		"duration_ms":  u.Duration.Milliseconds(),
	}))
	s.startTurn(ctx, u)
}

func (s *Session) startTurn(ctx context.Context, u *ingest.Utterance) {
	s.releaseTurn()
	s.turnSeq++
	seq := s.turnSeq
	turnCtx, cancel := context.WithCancel(ctx)
	s.turnCtx = turnCtx
	s.turnCancel = cancel
	s.turnID = u.ID
	s.turnCorr = uuid.NewString()

	utterance := u.ID
	req := &conversation.Request{
		SessionID:     s.id,
		CorrelationID: s.turnCorr,
		UtteranceID:   utterance,
		Audio:         u.Audio(),
		Child:         conversation.Child{ID: s.childID, Age: s.childAge, Locale: s.locale},
		Voice:         s.voice,
		Context:       s.window,
		Progress: func(stage conversation.Stage) {
			if turnCtx.Err() != nil {
				return
			}
			_ = s.send(protocol.NewEnvelope(protocol.TypeProcessing, "", protocol.Params{
				"utterance_id": utterance,
				"stage":        string(stage),
			}))
		},
	}
	s.logf("corr=%s processing utterance=%s bytes=%d reason=%s", s.turnCorr, utterance, u.Bytes, u.Reason)

	s.turnWG.Add(1)
	go func() {
		defer s.turnWG.Done()
		res := s.manager.processor.Process(turnCtx, req)
		s.post(turnEvent{seq: seq, kind: turnResult, result: res})
	}()
}

func (s *Session) post(ev turnEvent) {
	select {
	case s.turnEvents <- ev:
	case <-s.done:
	}
}

// cancelTurn 取消进行中的处理或播放，之后到达的结果会被丢弃。
func (s *Session) cancelTurn() {
	s.releaseTurn()
	s.turnSeq++
}

// releaseTurn 释放当前回合的 context，回合序号不变。
func (s *Session) releaseTurn() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
		s.turnCtx = nil
	}
}

func (s *Session) onTurnEvent(ev turnEvent) {
	if ev.seq != s.turnSeq {
		return
	}
	switch ev.kind {
	case turnResult:
		res := ev.result
		if res.Canceled {
			return
		}
		if err := s.transition(EventReplyReady); err != nil {
			s.logf("reply ready: %v", err)
			return
		}
		if res.Stage == conversation.StageDelivered {
			s.mu.Lock()
			s.turns++
			s.mu.Unlock()
		}
		id := res.Turn.UtteranceID
		if id == "" {
			id = s.turnID
		}
		s.turnWG.Add(1)
		go s.play(s.turnCtx, ev.seq, id, s.turnCorr, res)
	case turnPlayed:
		if ev.err != nil {
			s.logf("corr=%s playback failed: %v", s.turnCorr, ev.err)
		}
	}
}

// play 下发回复音频，由独立协程执行以便随时打断。
func (s *Session) play(ctx context.Context, seq uint64, id, corr string, res conversation.Result) {
	defer s.turnWG.Done()
	start := protocol.Params{
		"utterance_id":   id,
		"correlation_id": corr,
		"outcome":        string(res.Outcome),
		"text":           res.Reply,
		"format":         res.Audio.Format,
		"sample_rate":    res.Audio.SampleRate,
		"duration_ms":    res.Audio.Duration.Milliseconds(),
	}
	if res.Err != nil {
		start["code"] = errs.Code(res.Err)
	}
	decision := mood.Analyze(res.Turn.Transcript, res.Reply)
	start["mood"] = string(decision.Mood)
	if err := s.send(protocol.NewEnvelope(protocol.TypePlaybackStart, "", start)); err != nil {
		s.post(turnEvent{seq: seq, kind: turnPlayed, err: err})
		return
	}
	if s.caps["motor"] {
		_ = s.send(protocol.NewEnvelope(protocol.TypeMotor, "", protocol.Params{
			"utterance_id": id,
			"gesture":      mood.Gesture(decision.Mood),
			"intensity":    decision.Intensity,
		}))
	}

	interrupted := false
	for _, frame := range protocol.SplitAudio(id, res.Audio.Data, s.manager.cfg.ChunkSize) {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		out, err := protocol.FrameMessage(frame)
		if err == nil {
			err = s.write(out)
		}
		if err != nil {
			s.post(turnEvent{seq: seq, kind: turnPlayed, err: err})
			return
		}
	}
	if s.closing.Load() {
		return
	}
	err := s.send(protocol.NewEnvelope(protocol.TypePlaybackEnd, "", protocol.Params{
		"utterance_id": id,
		"interrupted":  interrupted,
	}))
	s.post(turnEvent{seq: seq, kind: turnPlayed, err: err})
}

// onTick 检查录音空闲和会话空闲，返回 true 表示空闲超时。
func (s *Session) onTick(ctx context.Context, now time.Time) bool {
	state := s.State()
	if state == StateRecording {
		if u, ok := s.buffer.Expire(now); ok {
			s.finishRecording(ctx, u)
		}
		return false
	}
	if state != StateIdle && state != StatePlaying {
		return false
	}
	s.mu.Lock()
	idle := now.Sub(s.lastActivity)
	s.mu.Unlock()
	return s.manager.cfg.IdleTimeout > 0 && idle >= s.manager.cfg.IdleTimeout
}

// shutdown 关闭连接并等待处理协程退出。
func (s *Session) shutdown(reason string, code int) error {
	s.closing.Store(true)
	s.cancelTurn()
	s.buffer.Discard()
	_ = s.transition(EventClose)

	if reason != ReasonDisconnect {
		_ = s.send(protocol.NewEnvelope(protocol.TypeBye, "", protocol.Params{"reason": reason}))
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.manager.cfg.WriteTimeout))
		s.writeMu.Unlock()
	}
	close(s.done)
	_ = s.conn.Close()
	s.turnWG.Wait()

	s.mu.Lock()
	turns := s.turns
	s.mu.Unlock()
	s.logf("closed reason=%s turns=%d duration=%s", reason, turns, s.manager.now().Sub(s.connectedAt).Round(time.Millisecond))
	return nil
}
