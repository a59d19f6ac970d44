package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/session"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/pkg/utils"
)

// Handler 运维查询接口
type Handler struct {
	manager *session.Manager
	guards  *resilience.Set
	policy  string
	started time.Time
	now     func() time.Time
}

// New 创建运维处理器，guards 为 nil 时不输出外部服务状态。
func New(manager *session.Manager, guards *resilience.Set, policyVersion string) *Handler {
	return &Handler{
		manager: manager,
		guards:  guards,
		policy:  policyVersion,
		started: time.Now(),
		now:     time.Now,
	}
}

// RegisterRoutes 注册运维路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/sessions", h.handleListSessions)
}

type healthResponse struct {
	Status        string                     `json:"status"`
	Uptime        string                     `json:"uptime"`
	PolicyVersion string                     `json:"policyVersion"`
	Sessions      session.Stats              `json:"sessions"`
	Providers     []resilience.GuardSnapshot `json:"providers"`
}

// handleHealth 任一外部服务熔断时返回 degraded，HTTP 状态仍为 200
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Uptime:        h.now().Sub(h.started).Round(time.Second).String(),
		PolicyVersion: h.policy,
		Sessions:      h.manager.Stats(),
		Providers:     []resilience.GuardSnapshot{},
	}
	if h.guards != nil {
		resp.Providers = h.guards.Snapshot()
	}
	for _, p := range resp.Providers {
		if p.Breaker.State != resilience.StateClosed {
			resp.Status = "degraded"
		}
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": h.manager.Registry().Snapshot(),
	})
}
