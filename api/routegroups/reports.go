package routegroups

import (
	"github.com/go-chi/chi/v5"

	"setu/api/handlers"
	"setu/core/store"
)

func RegisterReports(apiRouter chi.Router, g Guards, reports *handlers.ReportsHandler) {
	apiRouter.Route("/reports", func(reportsRouter chi.Router) {
		reportsRouter.MethodFunc("GET", "/", g.Session(reports.Feed))
		reportsRouter.MethodFunc("POST", "/", g.SessionRole(reports.Create, store.RoleCitizen))
		reportsRouter.MethodFunc("GET", "/mine", g.Session(reports.Mine))
		reportsRouter.MethodFunc("GET", "/assigned", g.SessionRole(reports.Assigned, store.RoleNGO))
		reportsRouter.MethodFunc("GET", "/volunteered", g.SessionRole(reports.Volunteered, store.RoleCitizen))
		reportsRouter.MethodFunc("GET", "/{id}", g.Session(reports.Get))
		reportsRouter.MethodFunc("PATCH", "/{id}", g.Session(reports.Update))
		reportsRouter.MethodFunc("POST", "/{id}/accept", g.Session(reports.Accept))
		reportsRouter.MethodFunc("POST", "/{id}/complete", g.Session(reports.Complete))
		reportsRouter.MethodFunc("POST", "/{id}/volunteer", g.Session(reports.Volunteer))
		reportsRouter.MethodFunc("GET", "/{id}/volunteers", g.Session(reports.Volunteers))
	})
}
