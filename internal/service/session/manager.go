// Package session owns device connections: hello and authentication, the
// per-connection state machine, recording and playback, and the registry
// of active sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/device"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/protocol"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/ingest"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/provider"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/safety"
)

var (
	ErrHelloTimeout       = fmt.Errorf("hello not received in time: %w", errs.ErrAuth)
	ErrMissingCredentials = fmt.Errorf("hello requires device_id and token: %w", errs.ErrAuth)
	ErrShuttingDown       = fmt.Errorf("server is shutting down: %w", errs.ErrResourceExhausted)
)

// KnownCapabilities 服务端支持协商的设备能力
var KnownCapabilities = []string{"led", "motor"}

// Authenticator 校验设备凭证
type Authenticator interface {
	Authenticate(deviceID, token string) (device.Profile, error)
}

// Processor runs one utterance to a reply.
type Processor interface {
	Process(ctx context.Context, req *conversation.Request) conversation.Result
}

// Config 会话参数
type Config struct {
	AuthTimeout       time.Duration
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	MaxProtocolErrors int
	MaxSessions       int
	DuplicatePolicy   DuplicatePolicy
	RetryAfter        time.Duration
	Audio             ingest.Limits
	ContextWindow     int
	ChunkSize         int
	DefaultLocale     string
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxProtocolErrors <= 0 {
		c.MaxProtocolErrors = 3
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 5 * time.Second
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 6
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4096
	}
	if c.DefaultLocale == "" {
		c.DefaultLocale = "en-US"
	}
	return c
}

// tickInterval 录音空闲与会话空闲的检查频率
func (c Config) tickInterval() time.Duration {
	interval := time.Second
	for _, d := range []time.Duration{c.Audio.IdleTimeout / 4, c.IdleTimeout / 4} {
		if d > 0 && d < interval {
			interval = d
		}
	}
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	return interval
}

// Stats 会话计数
type Stats struct {
	Active     int   `json:"active"`
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Superseded int64 `json:"superseded"`
}

// Manager supervises all device sessions.
type Manager struct {
	cfg       Config
	auth      Authenticator
	gate      *safety.Gate
	processor Processor
	registry  *Registry
	now       func() time.Time

	// closeMu 保证 Shutdown 开始等待后不再有 wg.Add
	closeMu    sync.Mutex
	closing    bool
	wg         sync.WaitGroup
	accepted   atomic.Int64
	rejected   atomic.Int64
	superseded atomic.Int64
}

// NewManager 创建会话管理器
func NewManager(cfg Config, auth Authenticator, gate *safety.Gate, processor Processor) *Manager {
	cfg = cfg.withDefaults()
	if gate == nil {
		gate = safety.NewGate(nil, nil)
	}
	return &Manager{
		cfg:       cfg,
		auth:      auth,
		gate:      gate,
		processor: processor,
		registry:  NewRegistry(cfg.DuplicatePolicy, cfg.MaxSessions),
		now:       time.Now,
	}
}

// Registry 活跃会话表
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Stats 返回会话计数
func (m *Manager) Stats() Stats {
	return Stats{
		Active:     m.registry.Len(),
		Accepted:   m.accepted.Load(),
		Rejected:   m.rejected.Load(),
		Superseded: m.superseded.Load(),
	}
}

// Serve runs one device connection until it closes. The returned error is
// the admission failure, if any.
func (m *Manager) Serve(ctx context.Context, conn Conn, remoteAddr string) error {
	defer conn.Close()
	s := newSession(m, conn, remoteAddr)

	m.closeMu.Lock()
	if m.closing {
		m.closeMu.Unlock()
		m.reject(s, ErrShuttingDown)
		return ErrShuttingDown
	}
	m.wg.Add(1)
	m.closeMu.Unlock()
	defer m.wg.Done()

	// 握手阶段 ctx 结束时直接断开，读操作才能返回
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err := m.authenticate(s)
	stopped := stop()
	if err != nil {
		m.reject(s, err)
		return err
	}
	if !stopped {
		return ctx.Err()
	}

	displaced, err := m.registry.Register(s)
	if err != nil {
		m.reject(s, err)
		return err
	}
	defer m.registry.Unregister(s)
	m.accepted.Add(1)
	if displaced != nil {
		m.superseded.Add(1)
		log.Printf("[session] device=%s session=%s superseded by session=%s", displaced.deviceID, displaced.id, s.id)
		displaced.requestClose(ReasonSuperseded)
	}
	// 握手期间开始的 Shutdown 可能已错过本会话
	if m.isClosing() {
		s.requestClose(ReasonShutdown)
	}

	s.logf("connected remote=%s child=%s age=%d caps=%v", remoteAddr, s.childID, s.childAge, s.Snapshot().Capabilities)
	return s.run(ctx)
}

// authenticate 读取 hello 并完成凭证与年龄校验
func (m *Manager) authenticate(s *Session) error {
	conn := s.conn
	_ = conn.SetReadDeadline(m.now().Add(m.cfg.AuthTimeout))

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("after %s: %w", m.cfg.AuthTimeout, ErrHelloTimeout)
		}
		return fmt.Errorf("read hello: %w", err)
	}
	msg, err := protocol.Decode(messageType, data)
	if err != nil {
		return err
	}
	if msg.IsFrame() || msg.Envelope.Type != protocol.TypeHello {
		return fmt.Errorf("first message must be hello: %w", errs.ErrProtocol)
	}
	hello := msg.Envelope
	if err := s.transition(EventHello); err != nil {
		return err
	}

	deviceID, token := hello.String("device_id"), hello.String("token")
	if deviceID == "" || token == "" {
		return ErrMissingCredentials
	}
	profile, err := m.auth.Authenticate(deviceID, token)
	if err != nil {
		return fmt.Errorf("device %s: %w: %w", deviceID, errs.ErrAuth, err)
	}
	if err := m.gate.CheckAge(profile.ChildAge); err != nil {
		return fmt.Errorf("device %s: %w", deviceID, err)
	}

	locale := hello.String("locale")
	if locale == "" {
		locale = profile.Locale
	}
	if locale == "" {
		locale = m.cfg.DefaultLocale
	}

	s.mu.Lock()
	s.deviceID = profile.DeviceID
	s.childID = profile.ChildID
	s.childAge = profile.ChildAge
	s.locale = locale
	s.voice = provider.VoiceProfile{VoiceID: profile.VoiceID, Locale: locale}
	s.caps = negotiate(hello.Strings("capabilities"), profile.Features)
	s.mu.Unlock()
	return nil
}

// negotiate 取设备声明、档案允许与服务端支持三者的交集。
// 档案未配置 features 时不做限制。
func negotiate(requested, allowed []string) map[string]bool {
	caps := make(map[string]bool)
	for _, c := range requested {
		c = strings.ToLower(c)
		if !contains(KnownCapabilities, c) {
			continue
		}
		if len(allowed) > 0 && !contains(allowed, c) {
			continue
		}
		caps[c] = true
	}
	return caps
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// reject 发送致命错误并关闭连接
func (m *Manager) reject(s *Session, err error) {
	m.rejected.Add(1)

	code := errs.Code(err)
	closeCode := websocket.ClosePolicyViolation
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		code = perr.Code
		closeCode = websocket.CloseProtocolError
	case errors.Is(err, errs.ErrProtocol):
		closeCode = websocket.CloseProtocolError
	case errs.IsRetryLater(err):
		closeCode = websocket.CloseTryAgainLater
	}

	params := protocol.Params{"code": code, "message": err.Error(), "fatal": true}
	if errs.IsRetryLater(err) {
		params["retry_after_ms"] = m.cfg.RetryAfter.Milliseconds()
	}
	log.Printf("[session] rejected remote=%s device=%s code=%s: %v", s.remote, s.deviceID, code, err)

	_ = s.send(protocol.NewEnvelope(protocol.TypeError, "", params))
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, code), m.now().Add(m.cfg.WriteTimeout))
	s.writeMu.Unlock()
	_ = s.transition(EventClose)
}

func (m *Manager) isClosing() bool {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	return m.closing
}

// Shutdown 拒绝新连接，通知全部会话关闭并等待退出
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closeMu.Lock()
	m.closing = true
	m.closeMu.Unlock()
	m.registry.closeAll(ReasonShutdown)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
