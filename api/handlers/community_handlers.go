package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"setu/core/chat"
	"setu/core/ledger"
	"setu/core/stats"
	"setu/core/store"
	"setu/core/utils"
)

type LeaderboardHandler struct {
	ledger *ledger.Ledger
	logger *utils.Logger
}

func NewLeaderboardHandler(l *ledger.Ledger, logger *utils.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{ledger: l, logger: logger}
}

// Top ranks users by points. role is optional; n defaults to 10.
func (h *LeaderboardHandler) Top(w http.ResponseWriter, r *http.Request) {
	var role store.Role
	if raw := strings.TrimSpace(r.URL.Query().Get("role")); raw != "" {
		parsed, ok := store.ParseRole(raw)
		if !ok {
			writeErrorKey(w, http.StatusBadRequest, "leaderboard.roleInvalid")
			return
		}
		role = parsed
	}
	entries, err := h.ledger.TopN(r.Context(), role, queryInt(r, "n"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

type ChatHandler struct {
	svc       *chat.Service
	maxUpload int64
	logger    *utils.Logger
}

func NewChatHandler(svc *chat.Service, maxUploadBytes int64, logger *utils.Logger) *ChatHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &ChatHandler{svc: svc, maxUpload: maxUploadBytes, logger: logger}
}

type chatPostRequest struct {
	Text string `json:"text" validate:"max=2000" msg:"chat.textTooLong"`
}

func (h *ChatHandler) Recent(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Recent(r.Context(), queryInt(r, "n"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Post accepts JSON {"text": ...} or a multipart form with "text" and an
// optional "image" file.
func (h *ChatHandler) Post(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	var req chatPostRequest
	var image *chat.Image
	if isMultipart(r) {
		if err := parseMultipart(w, r, h.maxUpload+(1<<20)); err != nil {
			writeMultipartError(w, err)
			return
		}
		req.Text = formValue(r, "text")
		files, closeFiles, err := openFiles(r, "image")
		defer closeFiles()
		if err != nil {
			writeErrorKey(w, http.StatusBadRequest, "common.badRequest")
			return
		}
		if len(files) > 0 {
			image = &chat.Image{Filename: files[0].name, Body: files[0].file}
		}
		if !validStruct(w, &req) {
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, jsonBodyMaxBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorKey(w, http.StatusBadRequest, "common.badRequest")
			return
		}
	}
	msg, err := h.svc.Post(r.Context(), viewer, req.Text, image)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

type StatsHandler struct {
	svc    *stats.Service
	logger *utils.Logger
}

func NewStatsHandler(svc *stats.Service, logger *utils.Logger) *StatsHandler {
	return &StatsHandler{svc: svc, logger: logger}
}

func (h *StatsHandler) Government(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.Government(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// NGO returns the viewer's own numbers. Government viewers may pass ngo_id.
func (h *StatsHandler) NGO(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	ngoID := viewer.UserID
	if viewer.Is(store.RoleGovernment) {
		ngoID = strings.TrimSpace(r.URL.Query().Get("ngo_id"))
		if ngoID == "" {
			writeErrorKey(w, http.StatusBadRequest, "stats.ngoRequired")
			return
		}
	}
	out, err := h.svc.NGO(r.Context(), ngoID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
