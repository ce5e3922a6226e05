package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"setu/core/auth"
	"setu/core/chat"
	"setu/core/ledger"
	"setu/core/live"
	"setu/core/metrics"
	"setu/core/reports"
	"setu/core/store"
	"setu/core/utils"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	readLimit    = 512
)

// LiveHandler streams query snapshots over websockets. Each connection owns
// one subscription and is closed when either side goes away.
type LiveHandler struct {
	reports  *reports.Service
	chat     *chat.Service
	ledger   *ledger.Ledger
	hub      *live.Hub
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	logger   *utils.Logger
}

func NewLiveHandler(reportsSvc *reports.Service, chatSvc *chat.Service, l *ledger.Ledger, hub *live.Hub, m *metrics.Metrics, allowedOrigins []string, logger *utils.Logger) *LiveHandler {
	return &LiveHandler{
		reports: reportsSvc,
		chat:    chatSvc,
		ledger:  l,
		hub:     hub,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// originChecker allows same-host origins, plus any listed origin. "*" allows all.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			a = strings.TrimSpace(a)
			if a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

type reportsFrame struct {
	Type   string         `json:"type"`
	Items  []store.Report `json:"items,omitempty"`
	Report *store.Report  `json:"report,omitempty"`
}

type leaderboardFrame struct {
	Type  string         `json:"type"`
	Items []ledger.Entry `json:"items"`
}

type chatFrame struct {
	Type  string              `json:"type"`
	Items []store.ChatMessage `json:"items"`
}

// Reports streams one of the report queries selected by scope:
// feed, mine, assigned or report (with id).
func (h *LiveHandler) Reports(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	filter, single, key := reportScope(viewer, r)
	switch key {
	case "":
	case "reports.roleNotAllowed":
		writeErrorKey(w, http.StatusForbidden, key)
		return
	default:
		writeErrorKey(w, http.StatusBadRequest, key)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := h.reports.Subscribe(ctx, filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer sub.Close()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("live reports upgrade: %v", err)
		return
	}
	h.metrics.LiveSubscriberDelta(1)
	defer h.metrics.LiveSubscriberDelta(-1)
	stream(ctx, cancel, conn, sub.C, h.logger, func(items []store.Report) any {
		if !single {
			return reportsFrame{Type: "reports", Items: items}
		}
		if len(items) == 0 {
			return reportsFrame{Type: "report"}
		}
		return reportsFrame{Type: "report", Report: &items[0]}
	})
}

func (h *LiveHandler) Chat(w http.ResponseWriter, r *http.Request) {
	if _, ok := viewerOrReject(w, r); !ok {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := h.chat.Subscribe(ctx)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer sub.Close()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("live chat upgrade: %v", err)
		return
	}
	h.metrics.LiveSubscriberDelta(1)
	defer h.metrics.LiveSubscriberDelta(-1)
	stream(ctx, cancel, conn, sub.C, h.logger, func(items []store.ChatMessage) any {
		return chatFrame{Type: "chat", Items: items}
	})
}

func (h *LiveHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	var role store.Role
	if raw := strings.TrimSpace(r.URL.Query().Get("role")); raw != "" {
		parsed, ok := store.ParseRole(raw)
		if !ok {
			writeErrorKey(w, http.StatusBadRequest, "leaderboard.roleInvalid")
			return
		}
		role = parsed
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := h.ledger.Subscribe(ctx, h.hub, role, queryInt(r, "n"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer sub.Close()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("live leaderboard upgrade: %v", err)
		return
	}
	h.metrics.LiveSubscriberDelta(1)
	defer h.metrics.LiveSubscriberDelta(-1)
	stream(ctx, cancel, conn, sub.C, h.logger, func(entries []ledger.Entry) any {
		return leaderboardFrame{Type: "leaderboard", Items: entries}
	})
}

func reportScope(viewer auth.Viewer, r *http.Request) (store.ReportFilter, bool, string) {
	limit := queryInt(r, "limit")
	switch strings.TrimSpace(r.URL.Query().Get("scope")) {
	case "", "feed":
		return reports.FeedFilter(limit), false, ""
	case "mine":
		return reports.MineFilter(viewer, limit), false, ""
	case "assigned":
		if !viewer.Is(store.RoleNGO) {
			return store.ReportFilter{}, false, "reports.roleNotAllowed"
		}
		return reports.AssignedFilter(viewer, limit), false, ""
	case "report":
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			return store.ReportFilter{}, false, "live.idRequired"
		}
		return store.ReportFilter{ReportID: id, Limit: 1}, true, ""
	}
	return store.ReportFilter{}, false, "live.scopeInvalid"
}

// stream writes every value from updates until the channel closes, the
// client disconnects or ctx ends.
func stream[T any](ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, updates <-chan T, logger *utils.Logger, frame func(T) any) {
	defer conn.Close()
	go readPump(conn, cancel)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case v, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame(v)); err != nil {
				logger.Debugf("live write: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and cancels the stream once the peer is gone.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
