package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tle_arena/internal/api/handler"
	"tle_arena/internal/api/middleware"
	"tle_arena/internal/app/broadcast"
	"tle_arena/internal/app/service"
	"tle_arena/internal/common/security"
	"tle_arena/internal/platform/logger"
)

type RouterDeps struct {
	RoomService    *service.RoomService
	MatchService   *service.MatchService
	Hub            *broadcast.Hub
	OriginPatterns []string
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Base Middlewares
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Observe(logger.NewNamedLogger("http")))
	r.Use(chiMiddleware.Recoverer)

	// Accepts "Authorization: Bearer T" and ?token=T for WebSocket upgrades.
	r.Use(middleware.Verifier(security.TokenAuth))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	roomHandler := handler.NewRoomHandler(deps.RoomService)
	matchHandler := handler.NewMatchHandler(deps.MatchService)
	wsHandler := handler.NewWSHandler(deps.Hub, deps.RoomService, deps.OriginPatterns)

	r.Route("/api/v1/rooms", func(rooms chi.Router) {
		rooms.Use(middleware.Authenticator)

		// Submissions wait for the judge, so the budget is generous.
		rooms.Group(func(rest chi.Router) {
			rest.Use(chiMiddleware.Timeout(60 * time.Second))
			roomHandler.RegisterRoutes(rest)
			matchHandler.RegisterRoutes(rest)
		})

		// WebSocket connections live as long as the client stays.
		rooms.Group(wsHandler.RegisterRoutes)
	})

	return r
}
