package routegroups

import (
	"net/http"

	"setu/core/store"
)

// Guards wraps handlers with the server's session and role checks. Every
// route registered here goes through one of its methods.
type Guards struct {
	WithSession func(http.HandlerFunc) http.HandlerFunc
	RequireRole func(...store.Role) func(http.HandlerFunc) http.HandlerFunc
	RateLimit   func(http.HandlerFunc) http.HandlerFunc
}

// Limited is for unauthenticated endpoints; they are rate limited per client.
func (g Guards) Limited(h http.HandlerFunc) http.HandlerFunc {
	return g.RateLimit(h)
}

func (g Guards) Session(h http.HandlerFunc) http.HandlerFunc {
	return g.WithSession(h)
}

func (g Guards) SessionRole(h http.HandlerFunc, roles ...store.Role) http.HandlerFunc {
	return g.WithSession(g.RequireRole(roles...)(h))
}
