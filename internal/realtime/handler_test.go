package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/live"
)

type stubController struct {
	started []string
}

func (s *stubController) JoinSession(_ context.Context, req live.JoinSessionRequest) (*live.JoinSessionResponse, error) {
	switch req.SessionCode {
	case "123456":
		id := "p1"
		if req.DisplayName != "Ann" {
			id = "p-" + strings.ToLower(req.DisplayName)
		}
		p := domain.Participant{ParticipantID: id, DisplayName: req.DisplayName}
		return &live.JoinSessionResponse{
			SessionID:   "s1",
			Participant: p,
			Snapshot: domain.Snapshot{
				SessionID:    "s1",
				Status:       domain.StatusLobby,
				Participants: []domain.Participant{p},
			},
		}, nil
	case "000000":
		return nil, errors.Reject(errors.ReasonInvalidTransition, "Session has already ended.")
	default:
		return nil, errors.Reject(errors.ReasonNotFound, "Session not found.")
	}
}

func (s *stubController) StartQuestion(_ context.Context, req live.StartQuestionRequest) (*live.StartQuestionResponse, error) {
	if req.QuestionIndex > 1 {
		return nil, errors.Reject(errors.ReasonValidation, "Invalid question index.")
	}
	s.started = append(s.started, req.SessionID)
	return &live.StartQuestionResponse{}, nil
}

func (s *stubController) EndQuestion(_ context.Context, sessionID string) (*domain.Snapshot, error) {
	return &domain.Snapshot{SessionID: sessionID}, nil
}

func (s *stubController) SubmitAnswer(_ context.Context, req live.SubmitAnswerRequest) (*domain.AnswerResult, error) {
	switch req.SelectedOptionID {
	case "right":
		return &domain.AnswerResult{IsCorrect: true, ScoreEarned: 966, TotalScore: 966, ResponseTimeMs: 2000}, nil
	case "boom":
		return nil, errors.Internal(assert.AnError)
	default:
		return nil, errors.Reject(errors.ReasonTimeExpired, "Time is up for this question.")
	}
}

func (s *stubController) EndSession(_ context.Context, sessionID string) (*domain.Snapshot, error) {
	return nil, errors.Reject(errors.ReasonInvalidTransition, "session has already ended: session=%s", sessionID)
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type fixture struct {
	hub    *Hub
	redis  *redis.Client
	server *httptest.Server
}

func makeHandler(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	r := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = r.Close() })

	hub := NewHub(HubConfig{Redis: r, Prefix: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Listen(ctx) }()

	select {
	case <-hub.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not subscribe")
	}

	srv := httptest.NewServer(NewHandler(HandlerConfig{
		Hub:        hub,
		Controller: &stubController{},
	}))
	t.Cleanup(srv.Close)

	return &fixture{hub: hub, redis: r, server: srv}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	return ws
}

func send(t *testing.T, ws *websocket.Conn, m Message) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(m))
}

func read(t *testing.T, ws *websocket.Conn) received {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var r received
	require.NoError(t, ws.ReadJSON(&r))
	return r
}

func TestHandler_Join(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		code   string
		event  string
		assert func(t *testing.T, f *fixture, data json.RawMessage)
	}{
		"joined": {
			code:  "123456",
			event: domain.EventNameSessionState,
			assert: func(t *testing.T, f *fixture, data json.RawMessage) {
				var st domain.SessionState
				require.NoError(t, json.Unmarshal(data, &st))
				require.NotNil(t, st.Participant)
				assert.Equal(t, "p1", st.Participant.ParticipantID)
				assert.Equal(t, "Ann", st.Participant.DisplayName)
				assert.Equal(t, "s1", st.Snapshot.SessionID)
				assert.Equal(t, 1, f.hub.GroupSize("s1"))
			},
		},
		"session ended": {
			code:  "000000",
			event: domain.EventNameJoinFailed,
			assert: func(t *testing.T, f *fixture, data json.RawMessage) {
				var rej domain.Rejection
				require.NoError(t, json.Unmarshal(data, &rej))
				assert.Equal(t, string(errors.ReasonInvalidTransition), rej.Reason)
				assert.Equal(t, "Session has already ended.", rej.Message)
				assert.Zero(t, f.hub.GroupSize("s1"))
			},
		},
		"unknown code": {
			code:  "999999",
			event: domain.EventNameJoinFailed,
			assert: func(t *testing.T, _ *fixture, data json.RawMessage) {
				var rej domain.Rejection
				require.NoError(t, json.Unmarshal(data, &rej))
				assert.Equal(t, string(errors.ReasonNotFound), rej.Reason)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := makeHandler(t)
			ws := f.dial(t)

			send(t, ws, Message{Type: TypeJoinSession, SessionCode: tt.code, DisplayName: "Ann"})

			got := read(t, ws)
			assert.Equal(t, tt.event, got.Event)
			tt.assert(t, f, got.Data)
		})
	}
}

func TestHandler_SubmitAnswer(t *testing.T) {
	t.Parallel()

	f := makeHandler(t)
	ws := f.dial(t)

	send(t, ws, Message{Type: TypeSubmitAnswer, SessionID: "s1", ParticipantID: "p1", QuestionID: "q1", OptionID: "right"})
	got := read(t, ws)
	require.Equal(t, domain.EventNameAnswerAccepted, got.Event)

	var acc domain.AnswerAccepted
	require.NoError(t, json.Unmarshal(got.Data, &acc))
	assert.Equal(t, domain.AnswerAccepted{IsCorrect: true, ScoreEarned: 966}, acc)

	send(t, ws, Message{Type: TypeSubmitAnswer, SessionID: "s1", ParticipantID: "p1", QuestionID: "q1", OptionID: "late"})
	got = read(t, ws)
	require.Equal(t, domain.EventNameAnswerRejected, got.Event)

	var rej domain.Rejection
	require.NoError(t, json.Unmarshal(got.Data, &rej))
	assert.Equal(t, string(errors.ReasonTimeExpired), rej.Reason)

	send(t, ws, Message{Type: TypeSubmitAnswer, SessionID: "s1", ParticipantID: "p1", QuestionID: "q1", OptionID: "boom"})
	got = read(t, ws)
	require.Equal(t, domain.EventNameAnswerRejected, got.Event)
	require.NoError(t, json.Unmarshal(got.Data, &rej))
	assert.Equal(t, domain.Rejection{Message: "internal error"}, rej)
}

func TestHandler_BadMessages(t *testing.T) {
	t.Parallel()

	f := makeHandler(t)
	ws := f.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	got := read(t, ws)
	assert.Equal(t, domain.EventNameError, got.Event)

	send(t, ws, Message{Type: "dance"})
	got = read(t, ws)
	assert.Equal(t, domain.EventNameError, got.Event)
	assert.Contains(t, string(got.Data), "dance")
}

func TestHandler_HostCommands(t *testing.T) {
	t.Parallel()

	f := makeHandler(t)
	ws := f.dial(t)

	send(t, ws, Message{Type: TypeStartQuestion, SessionID: "s1", QuestionIndex: 5})
	got := read(t, ws)
	require.Equal(t, domain.EventNameError, got.Event)
	assert.Contains(t, string(got.Data), "Invalid question index.")

	send(t, ws, Message{Type: TypeEndSession, SessionID: "s1"})
	got = read(t, ws)
	require.Equal(t, domain.EventNameError, got.Event)
	assert.Contains(t, string(got.Data), string(errors.ReasonInvalidTransition))

	// A successful command sends nothing back directly; the host hears the group events instead.
	send(t, ws, Message{Type: TypeStartQuestion, SessionID: "s1", QuestionIndex: 0})
	require.Eventually(t, func() bool { return f.hub.GroupSize("s1") == 1 }, 5*time.Second, 10*time.Millisecond)

	payload := `{"event":"question.started","data":{"session_id":"s1"}}`
	require.NoError(t, f.redis.Publish(context.Background(), Channel("test", "s1"), payload).Err())

	got = read(t, ws)
	assert.Equal(t, domain.EventNameQuestionStarted, got.Event)
	assert.JSONEq(t, `{"session_id":"s1"}`, string(got.Data))
}

func TestHandler_GroupFanOut(t *testing.T) {
	t.Parallel()

	f := makeHandler(t)

	var members []*websocket.Conn
	for range 3 {
		ws := f.dial(t)
		send(t, ws, Message{Type: TypeJoinSession, SessionCode: "123456", DisplayName: "Ann"})
		require.Equal(t, domain.EventNameSessionState, read(t, ws).Event)
		members = append(members, ws)
	}
	outsider := f.dial(t)

	require.Equal(t, 3, f.hub.GroupSize("s1"))
	require.Eventually(t, func() bool { return f.hub.Connections() == 4 }, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, f.redis.Publish(ctx, Channel("test", "other"), `{"event":"question.ended","data":null}`).Err())
	require.NoError(t, f.redis.Publish(ctx, Channel("test", "s1"), `{"event":"leaderboard.updated","data":{"session_id":"s1"}}`).Err())

	for _, ws := range members {
		got := read(t, ws)
		assert.Equal(t, domain.EventNameLeaderboardUpdated, got.Event)
	}

	// The outsider is in no group and must not receive anything.
	require.NoError(t, outsider.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := outsider.ReadMessage()
	require.Error(t, err)

	_ = members[0].Close()
	require.Eventually(t, func() bool { return f.hub.GroupSize("s1") == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_DropsSlowConnections(t *testing.T) {
	t.Parallel()

	h := NewHub(HubConfig{SendBuffer: 1})

	fast := h.register(nil)
	slow := h.register(nil)
	h.bind(fast, "s1", "")
	h.bind(slow, "s1", "")

	h.Broadcast("s1", []byte("one"))
	<-fast.send
	h.Broadcast("s1", []byte("two"))

	assert.Equal(t, 1, h.Connections())
	assert.Equal(t, 1, h.GroupSize("s1"))

	_, open := <-slow.send
	assert.True(t, open, "buffered message is still delivered")
	_, open = <-slow.send
	assert.False(t, open)

	h.bind(fast, "s2", "")
	assert.Zero(t, h.GroupSize("s1"))
	assert.Equal(t, 1, h.GroupSize("s2"))

	h.unregister(fast)
	h.unregister(fast)
	assert.Zero(t, h.Connections())
	assert.Zero(t, h.GroupSize("s2"))
}

func TestHandler_JoinerSkipsOwnJoinedEvent(t *testing.T) {
	t.Parallel()

	f := makeHandler(t)

	ann := f.dial(t)
	send(t, ann, Message{Type: TypeJoinSession, SessionCode: "123456", DisplayName: "Ann"})
	require.Equal(t, domain.EventNameSessionState, read(t, ann).Event)

	bo := f.dial(t)
	send(t, bo, Message{Type: TypeJoinSession, SessionCode: "123456", DisplayName: "Bo"})
	require.Equal(t, domain.EventNameSessionState, read(t, bo).Event)

	ctx := context.Background()
	joined := `{"event":"participant.joined","data":{"participant_id":"p-bo","display_name":"Bo"},"except":"p-bo"}`
	require.NoError(t, f.redis.Publish(ctx, Channel("test", "s1"), joined).Err())
	require.NoError(t, f.redis.Publish(ctx, Channel("test", "s1"), `{"event":"leaderboard.updated","data":{"session_id":"s1"}}`).Err())

	got := read(t, ann)
	require.Equal(t, domain.EventNameParticipantJoined, got.Event)
	assert.JSONEq(t, `{"participant_id":"p-bo","display_name":"Bo"}`, string(got.Data))
	assert.Equal(t, domain.EventNameLeaderboardUpdated, read(t, ann).Event)

	// Bo's first group event is the leaderboard: its own join was skipped.
	assert.Equal(t, domain.EventNameLeaderboardUpdated, read(t, bo).Event)
}
