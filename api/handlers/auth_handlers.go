package handlers

import (
	"net/http"
	"strings"
	"time"

	"setu/core/auth"
	"setu/core/store"
	"setu/core/utils"
)

type AuthHandler struct {
	svc    *auth.Service
	logger *utils.Logger
}

func NewAuthHandler(svc *auth.Service, logger *utils.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

type signupRequest struct {
	Email       string `json:"email" validate:"required,email" msg:"auth.emailInvalid"`
	Password    string `json:"password" validate:"required,min=8,max=128" msg:"auth.passwordWeak"`
	DisplayName string `json:"display_name" validate:"required,max=100" msg:"auth.nameRequired"`
	Role        string `json:"role" validate:"required,oneof=citizen ngo government" msg:"auth.roleInvalid"`
	City        string `json:"city" validate:"max=100" msg:"auth.cityInvalid"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required" msg:"auth.invalidCredentials"`
	Password string `json:"password" validate:"required" msg:"auth.invalidCredentials"`
}

type profileRequest struct {
	DisplayName *string `json:"display_name" validate:"omitempty,max=100" msg:"auth.nameRequired"`
	City        *string `json:"city" validate:"omitempty,max=100" msg:"auth.cityInvalid"`
}

type sessionDTO struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *store.User `json:"user"`
}

type viewerDTO struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Email       string     `json:"email"`
	Role        store.Role `json:"role"`
	City        string     `json:"city,omitempty"`
	Points      int64      `json:"points"`
}

func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, sess, err := h.svc.SignUp(r.Context(), auth.SignUp{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Role:        req.Role,
		City:        req.City,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionDTO{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: user})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, sess, err := h.svc.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDTO{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: user})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	if token == "" {
		writeErrorKey(w, http.StatusUnauthorized, "auth.sessionInvalid")
		return
	}
	if err := h.svc.SignOut(r.Context(), token); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewerDTO{
		ID:          v.UserID,
		DisplayName: v.DisplayName,
		Email:       v.Email,
		Role:        v.Role,
		City:        v.City,
		Points:      v.Points,
	})
}

func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.svc.UpdateProfile(r.Context(), v, auth.ProfileUpdate{DisplayName: req.DisplayName, City: req.City})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewerDTO{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        user.Role,
		City:        user.City,
		Points:      user.Points,
	})
}

// BearerToken reads the Authorization header, falling back to the token query
// parameter that browsers must use for websockets.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
