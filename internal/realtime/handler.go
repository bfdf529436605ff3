package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/live"
)

const (
	defaultReadTimeout    = 60 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultMaxMessageSize = 4096
)

// Controller runs session operations on behalf of a connection.
type Controller interface {
	JoinSession(ctx context.Context, req live.JoinSessionRequest) (*live.JoinSessionResponse, error)
	StartQuestion(ctx context.Context, req live.StartQuestionRequest) (*live.StartQuestionResponse, error)
	EndQuestion(ctx context.Context, sessionID string) (*domain.Snapshot, error)
	SubmitAnswer(ctx context.Context, req live.SubmitAnswerRequest) (*domain.AnswerResult, error)
	EndSession(ctx context.Context, sessionID string) (*domain.Snapshot, error)
}

type HandlerConfig struct {
	Hub        *Hub
	Controller Controller

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int64
}

// Handler upgrades HTTP requests to websocket connections and serves the session protocol on them.
type Handler struct {
	hub      *Hub
	ctrl     Controller
	upgrader websocket.Upgrader

	readTimeout    time.Duration
	writeTimeout   time.Duration
	requestTimeout time.Duration
	maxMessageSize int64
}

func NewHandler(c HandlerConfig) *Handler {
	h := &Handler{
		hub:  c.Hub,
		ctrl: c.Controller,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		readTimeout:    c.ReadTimeout,
		writeTimeout:   c.WriteTimeout,
		requestTimeout: c.RequestTimeout,
		maxMessageSize: c.MaxMessageSize,
	}

	if h.readTimeout <= 0 {
		h.readTimeout = defaultReadTimeout
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.requestTimeout <= 0 {
		h.requestTimeout = defaultRequestTimeout
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = defaultMaxMessageSize
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "realtime: upgrade failed", "error", err)
		return
	}

	c := h.hub.register(ws)
	go h.writePump(c)
	h.readPump(r.Context(), c)
}

func (h *Handler) readPump(ctx context.Context, c *conn) {
	defer func() {
		h.hub.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(h.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.InfoContext(ctx, "realtime: connection closed", "conn", c.id, "error", err)
			}
			return
		}

		h.handle(ctx, c, data)
	}
}

func (h *Handler) writePump(c *conn) {
	ticker := time.NewTicker(h.readTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handle(ctx context.Context, c *conn, data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		h.hub.reply(c, domain.EventNameError, rejection(errors.Reject(errors.ReasonValidation, "invalid message")))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()

	switch m.Type {
	case TypeJoinSession:
		h.join(ctx, c, m)
	case TypeStartQuestion:
		h.hub.bind(c, m.SessionID, "")
		_, err := h.ctrl.StartQuestion(ctx, live.StartQuestionRequest{
			SessionID:     m.SessionID,
			QuestionIndex: m.QuestionIndex,
		})
		h.hostReply(c, err)
	case TypeEndQuestion:
		h.hub.bind(c, m.SessionID, "")
		_, err := h.ctrl.EndQuestion(ctx, m.SessionID)
		h.hostReply(c, err)
	case TypeEndSession:
		h.hub.bind(c, m.SessionID, "")
		_, err := h.ctrl.EndSession(ctx, m.SessionID)
		h.hostReply(c, err)
	case TypeSubmitAnswer:
		res, err := h.ctrl.SubmitAnswer(ctx, live.SubmitAnswerRequest{
			SessionID:        m.SessionID,
			ParticipantID:    m.ParticipantID,
			QuestionID:       m.QuestionID,
			SelectedOptionID: m.OptionID,
		})
		if err != nil {
			h.hub.reply(c, domain.EventNameAnswerRejected, rejection(err))
			return
		}
		h.hub.reply(c, domain.EventNameAnswerAccepted, domain.AnswerAccepted{
			IsCorrect:   res.IsCorrect,
			ScoreEarned: res.ScoreEarned,
		})
	default:
		h.hub.reply(c, domain.EventNameError, rejection(errors.Reject(errors.ReasonValidation, "unknown message type: %q", m.Type)))
	}
}

func (h *Handler) join(ctx context.Context, c *conn, m Message) {
	resp, err := h.ctrl.JoinSession(ctx, live.JoinSessionRequest{
		SessionCode: m.SessionCode,
		DisplayName: m.DisplayName,
	})
	if err != nil {
		h.hub.reply(c, domain.EventNameJoinFailed, rejection(err))
		return
	}

	h.hub.bind(c, resp.SessionID, resp.Participant.ParticipantID)
	h.hub.reply(c, domain.EventNameSessionState, domain.SessionState{
		Snapshot:    resp.Snapshot,
		Participant: &resp.Participant,
	})
}

// hostReply reports a failed host command to the host only. Host connections are bound to
// the session before the command runs, so they hear the group events it causes.
func (h *Handler) hostReply(c *conn, err error) {
	if err != nil {
		h.hub.reply(c, domain.EventNameError, rejection(err))
	}
}

func rejection(err error) domain.Rejection {
	e := errors.Convert(err)

	r := domain.Rejection{
		Reason:  string(e.Reason),
		Message: e.Message,
	}
	if e.Code == errors.CodeInternal {
		r.Message = "internal error"
	}

	return r
}
