package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/authgw"
	"github.com/chatwire/chatwire/internal/chat"
	"github.com/chatwire/chatwire/internal/domain"
	"github.com/chatwire/chatwire/internal/event"
	"github.com/chatwire/chatwire/internal/observability"
	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/registry"
)

const (
	pongWait      = 60 * time.Second
	maxFrameBytes = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is what a connected client sends: chat actions plus an
// explicit "ping" heartbeat answered with "pong".
type clientFrame struct {
	Action    string `json:"action"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type Handler struct {
	registry  *registry.Registry
	tracker   *presence.Tracker
	chat      *chat.Service
	auth      *authgw.Client
	jwtSecret string
	log       *zap.Logger
}

func NewHandler(reg *registry.Registry, tracker *presence.Tracker, chatSvc *chat.Service, auth *authgw.Client, jwtSecret string, log *zap.Logger) *Handler {
	return &Handler{
		registry:  reg,
		tracker:   tracker,
		chat:      chatSvc,
		auth:      auth,
		jwtSecret: jwtSecret,
		log:       log,
	}
}

// ServeHTTP upgrades GET /ws?userId=&roomId=&userName= into a session:
// presence join (capacity-checked), registry registration, write loop, then
// the read loop owns the connection until disconnect.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	roomID := r.URL.Query().Get("roomId")
	userName := r.URL.Query().Get("userName")
	if userName == "" {
		userName = userID
	}

	if userID == "" || roomID == "" {
		http.Error(w, "missing userId or roomId", http.StatusBadRequest)
		return
	}

	if h.jwtSecret != "" {
		if err := h.checkToken(r, userID); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws: upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID := uuid.NewString()
	ctx := r.Context()

	if _, err := h.tracker.Connect(context.WithoutCancel(ctx), userID, userName, roomID, sessionID); err != nil {
		if rej, ok := domain.IsRejection(err); ok {
			h.log.Info("ws: join rejected",
				zap.String("user_id", userID),
				zap.String("room", roomID),
				zap.String("reason", rej.Reason))
			closeMsg := websocket.FormatCloseMessage(registry.CloseRoomFull, rej.Reason)
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		} else {
			h.log.Error("ws: presence connect failed", zap.Error(err))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "try again"),
				time.Now().Add(time.Second))
		}
		conn.Close()
		return
	}

	session := registry.NewSession(sessionID, userID, roomID, conn, h.log)
	h.registry.Register(session)
	session.Start()

	observability.WebSocketConnections.Inc()
	h.log.Info("ws: connected",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("room", roomID))

	// Advisory only: a degraded gateway answer never blocks the session.
	go func() {
		if h.auth != nil && !h.auth.IsUserOnline(context.Background(), userID) {
			h.log.Debug("ws: identity service has no online record for user",
				zap.String("user_id", userID))
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.tracker.Heartbeat(context.Background(), sessionID)
		return nil
	})

	go h.readLoop(session, conn)
}

func (h *Handler) readLoop(s *registry.Session, conn *websocket.Conn) {
	ctx := context.Background()
	defer func() {
		h.registry.Unregister(s)
		s.Close()
		if err := h.tracker.Leave(ctx, s.ID); err != nil {
			h.log.Error("ws: presence leave failed", zap.String("session_id", s.ID), zap.Error(err))
		}
		observability.WebSocketConnections.Dec()
		h.log.Info("ws: disconnected",
			zap.String("session_id", s.ID),
			zap.String("user_id", s.UserID))
	}()

	for {
		select {
		case <-s.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("ws: read error", zap.String("session_id", s.ID), zap.Error(err))
			}
			return
		}

		// Any inbound frame proves liveness.
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.tracker.Heartbeat(ctx, s.ID)

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(s, "bad_request", "malformed frame")
			continue
		}

		h.handleFrame(ctx, s, frame)
	}
}

func (h *Handler) handleFrame(ctx context.Context, s *registry.Session, frame clientFrame) {
	switch frame.Action {
	case "ping":
		s.Send([]byte(`{"action":"pong"}`))

	case "send":
		_, err := h.chat.Send(ctx, frame.Content, s.UserID, s.UserID, s.RoomID)
		h.reportOutcome(s, err)

	case "edit":
		_, err := h.chat.Edit(ctx, frame.MessageID, s.UserID, frame.Content)
		h.reportOutcome(s, err)

	case "delete":
		err := h.chat.Delete(ctx, frame.MessageID, s.UserID)
		h.reportOutcome(s, err)

	case "history":
		msgs, err := h.chat.History(ctx, s.RoomID, frame.Limit)
		if err != nil {
			h.reportOutcome(s, err)
			return
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			env := event.New(event.TypeNewMessage, s.RoomID, event.MessageFrom(msgs[i]))
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			s.Send(payload)
		}

	default:
		h.sendError(s, "bad_request", "unknown action")
	}
}

// reportOutcome maps the error taxonomy onto client notices: rejections
// carry their reason, faults collapse to a generic retry hint, and
// validation errors name the rule.
func (h *Handler) reportOutcome(s *registry.Session, err error) {
	switch {
	case err == nil:
		return
	case isValidation(err):
		h.sendError(s, "invalid", err.Error())
	default:
		if rej, ok := domain.IsRejection(err); ok {
			h.sendError(s, "rejected", rej.Reason)
			return
		}
		h.log.Error("ws: operation failed", zap.String("session_id", s.ID), zap.Error(err))
		h.sendError(s, "unavailable", "try again")
	}
}

func isValidation(err error) bool {
	return errors.Is(err, domain.ErrEmptyContent) ||
		errors.Is(err, domain.ErrContentTooLong) ||
		errors.Is(err, domain.ErrMissingRoom) ||
		errors.Is(err, domain.ErrMessageNotFound) ||
		errors.Is(err, domain.ErrNotAuthorized) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

func (h *Handler) sendError(s *registry.Session, code, message string) {
	env := event.New(event.TypeError, s.RoomID, &event.ErrorPayload{Code: code, Message: message})
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.Send(payload)
}

// checkToken verifies a locally-signed bearer token and that its subject
// matches the connecting user. Deep credential checks belong to the auth
// gateway; ValidateToken is consulted when a gateway client is wired.
func (h *Handler) checkToken(r *http.Request, userID string) error {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			tokenString = parts[1]
		}
	}
	if tokenString == "" {
		return errors.New("missing token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid token claims")
	}
	if sub, _ := claims["sub"].(string); sub != userID {
		return errors.New("token subject mismatch")
	}

	if h.auth != nil && !h.auth.ValidateToken(r.Context(), tokenString) {
		return errors.New("token rejected")
	}
	return nil
}
