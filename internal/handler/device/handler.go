package device

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/session"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/pkg/utils"
)

// 单条入站消息上限，音频帧通常只有几 KB
const maxMessageBytes = 1 << 20

// Options 连接准入参数
type Options struct {
	// ConnectRate 每秒允许的新连接数，<=0 表示不限制
	ConnectRate  float64
	ConnectBurst int
	RetryAfter   time.Duration
	CheckOrigin  func(r *http.Request) bool
}

// Handler 设备 WebSocket 接入
type Handler struct {
	manager    *session.Manager
	limiter    *rate.Limiter
	retryAfter time.Duration
	upgrader   websocket.Upgrader
}

// New 创建设备接入处理器
func New(manager *session.Manager, opts Options) *Handler {
	limit := rate.Inf
	if opts.ConnectRate > 0 {
		limit = rate.Limit(opts.ConnectRate)
	}
	burst := opts.ConnectBurst
	if burst <= 0 {
		burst = 1
	}
	retryAfter := opts.RetryAfter
	if retryAfter <= 0 {
		retryAfter = 5 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		// 设备固件不发送 Origin，鉴权在 hello 阶段完成
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		manager:    manager,
		limiter:    rate.NewLimiter(limit, burst),
		retryAfter: retryAfter,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册设备路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/device", h.handleDevice)
}

func (h *Handler) handleDevice(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		utils.RespondRetryLater(w, h.retryAfter, errs.Code(errs.ErrResourceExhausted), "too many connection attempts")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		log.Printf("[ws] upgrade failed remote=%s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	log.Printf("[ws] device connected remote=%s", r.RemoteAddr)
	if err := h.manager.Serve(r.Context(), conn, r.RemoteAddr); err != nil {
		log.Printf("[ws] device session ended remote=%s: %v", r.RemoteAddr, err)
	}
}
