package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"loom/internal/httputil"
	"loom/internal/middleware"
	"loom/internal/realtime"
)

// RealtimeHandler upgrades canvas connections to WebSocket and hands them
// to the room manager.
type RealtimeHandler struct {
	manager  *realtime.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewRealtimeHandler creates a new realtime handler. allowedOrigins uses
// the same comma-split list as the CORS layer; browser connections from
// other origins are refused during the handshake.
func NewRealtimeHandler(manager *realtime.Manager, allowedOrigins []string, logger *slog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// ServeWS joins the request's connection to its chat room.
func (h *RealtimeHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "chat id required")
		return
	}

	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httputil.RespondError(w, http.StatusUnauthorized, "collaborator identity required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		h.logger.Warn("websocket upgrade failed", "chat_id", chatID, "error", err)
		return
	}

	if _, err := h.manager.Join(r.Context(), chatID, identity, conn); err != nil {
		h.logger.Error("room join failed", "chat_id", chatID, "error", err)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable")
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
	}
}

// originChecker allows non-browser clients (no Origin header) and any
// origin on the allow list. "*" disables the check.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(strings.TrimSpace(a), origin) {
				return true
			}
		}
		return false
	}
}
