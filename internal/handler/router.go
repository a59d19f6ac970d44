package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/handler/admin"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/handler/device"
	middlewarePkg "github.com/JAAFAR1996/ai-teddy-bear/backend/internal/middleware"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(deviceHandler *device.Handler, adminHandler *admin.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// 设备长连接不经过访问日志与 CORS，日志由会话自行记录
	deviceHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Logger)
		api.Use(middlewarePkg.CORS)

		adminHandler.RegisterRoutes(api)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusNotFound, "not found")
	})

	return r
}
