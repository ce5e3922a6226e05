package api

import (
	"github.com/go-chi/chi/v5"

	"setu/api/handlers"
	"setu/api/routegroups"
)

type routeHandlers struct {
	auth        *handlers.AuthHandler
	reports     *handlers.ReportsHandler
	leaderboard *handlers.LeaderboardHandler
	chat        *handlers.ChatHandler
	stats       *handlers.StatsHandler
	live        *handlers.LiveHandler
}

func (s *Server) newRouteHandlers() routeHandlers {
	maxUpload := s.cfg.Storage.MaxUploadBytes
	return routeHandlers{
		auth:        handlers.NewAuthHandler(s.auth, s.logger),
		reports:     handlers.NewReportsHandler(s.reports, maxUpload, s.logger),
		leaderboard: handlers.NewLeaderboardHandler(s.ledger, s.logger),
		chat:        handlers.NewChatHandler(s.chat, maxUpload, s.logger),
		stats:       handlers.NewStatsHandler(s.stats, s.logger),
		live:        handlers.NewLiveHandler(s.reports, s.chat, s.ledger, s.hub, s.metrics, s.cfg.AllowedOrigins, s.logger),
	}
}

func (s *Server) guards() routegroups.Guards {
	return routegroups.Guards{
		WithSession: s.withSession,
		RequireRole: s.requireRole,
		RateLimit:   s.rateLimit,
	}
}

func (s *Server) registerRoutes(apiRouter chi.Router, h routeHandlers) {
	g := s.guards()
	routegroups.RegisterAuth(apiRouter, g, h.auth)
	routegroups.RegisterReports(apiRouter, g, h.reports)
	routegroups.RegisterCommunity(apiRouter, g, h.leaderboard, h.chat, h.stats)
	routegroups.RegisterLive(apiRouter, g, h.live)
}
