package routegroups

import (
	"github.com/go-chi/chi/v5"

	"setu/api/handlers"
	"setu/core/store"
)

func RegisterCommunity(apiRouter chi.Router, g Guards, leaderboard *handlers.LeaderboardHandler, chat *handlers.ChatHandler, stats *handlers.StatsHandler) {
	apiRouter.MethodFunc("GET", "/leaderboard", g.Session(leaderboard.Top))

	apiRouter.Route("/chat", func(chatRouter chi.Router) {
		chatRouter.MethodFunc("GET", "/", g.Session(chat.Recent))
		chatRouter.MethodFunc("POST", "/", g.Session(chat.Post))
	})

	apiRouter.Route("/stats", func(statsRouter chi.Router) {
		statsRouter.MethodFunc("GET", "/government", g.SessionRole(stats.Government, store.RoleGovernment))
		statsRouter.MethodFunc("GET", "/ngo", g.SessionRole(stats.NGO, store.RoleNGO, store.RoleGovernment))
	})
}

func RegisterLive(apiRouter chi.Router, g Guards, live *handlers.LiveHandler) {
	apiRouter.Route("/live", func(liveRouter chi.Router) {
		liveRouter.MethodFunc("GET", "/reports", g.Session(live.Reports))
		liveRouter.MethodFunc("GET", "/chat", g.Session(live.Chat))
		liveRouter.MethodFunc("GET", "/leaderboard", g.Session(live.Leaderboard))
	})
}
