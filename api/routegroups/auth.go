package routegroups

import (
	"github.com/go-chi/chi/v5"

	"setu/api/handlers"
)

func RegisterAuth(apiRouter chi.Router, g Guards, h *handlers.AuthHandler) {
	apiRouter.Route("/auth", func(authRouter chi.Router) {
		authRouter.MethodFunc("POST", "/signup", g.Limited(h.SignUp))
		authRouter.MethodFunc("POST", "/login", g.Limited(h.Login))
		authRouter.MethodFunc("POST", "/logout", g.Session(h.Logout))
		authRouter.MethodFunc("GET", "/me", g.Session(h.Me))
		authRouter.MethodFunc("PATCH", "/me", g.Session(h.UpdateMe))
	})
}
