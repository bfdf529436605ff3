package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/live"
)

// Controller runs the session operations exposed by the API.
type Controller interface {
	CreateSession(ctx context.Context, req live.CreateSessionRequest) (*live.CreateSessionResponse, error)
	JoinSession(ctx context.Context, req live.JoinSessionRequest) (*live.JoinSessionResponse, error)
	StartQuestion(ctx context.Context, req live.StartQuestionRequest) (*live.StartQuestionResponse, error)
	EndQuestion(ctx context.Context, sessionID string) (*domain.Snapshot, error)
	SubmitAnswer(ctx context.Context, req live.SubmitAnswerRequest) (*domain.AnswerResult, error)
	EndSession(ctx context.Context, sessionID string) (*domain.Snapshot, error)
	State(ctx context.Context, sessionID string) (*domain.Snapshot, error)
}

type LeaderboardReader interface {
	GetLeaderboard(ctx context.Context, req leaderboard.GetLeaderboardRequest) (*domain.Leaderboard, error)
}

type Config struct {
	GRPC         *grpc.Server
	HTTP         gin.IRouter
	EventBus     *event.Bus
	Live         Controller
	Leaderboard  LeaderboardReader
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	live Controller
	ls   LeaderboardReader

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		live:   c.Live,
		ls:     c.Leaderboard,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	// gRPC APIs
	if c.GRPC != nil {
		RegisterSessionServiceServer(c.GRPC, a)
	}

	// HTTP APIs
	if c.HTTP != nil {
		a.registerRoutes(c.HTTP)
	}

	// Register event handlers
	if c.EventBus != nil && c.Redis != nil {
		a.subscribe(c.EventBus)
	}

	return a
}

func (a *API) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	resp, err := a.live.CreateSession(ctx, live.CreateSessionRequest{
		QuizID: req.QuizID,
		HostID: req.HostID,
	})
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &CreateSessionResponse{
		SessionID:   resp.Session.SessionID,
		SessionCode: resp.Session.SessionCode,
		State:       resp.State,
	}, nil
}

func (a *API) JoinSession(ctx context.Context, req *JoinSessionRequest) (*JoinSessionResponse, error) {
	resp, err := a.live.JoinSession(ctx, live.JoinSessionRequest{
		SessionCode: req.SessionCode,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &JoinSessionResponse{
		SessionID:   resp.SessionID,
		Participant: resp.Participant,
		State:       resp.Snapshot,
	}, nil
}

func (a *API) StartQuestion(ctx context.Context, req *StartQuestionRequest) (*StartQuestionResponse, error) {
	resp, err := a.live.StartQuestion(ctx, live.StartQuestionRequest{
		SessionID:     req.SessionID,
		QuestionIndex: req.QuestionIndex,
	})
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &StartQuestionResponse{
		State:    resp.Snapshot,
		Question: resp.Question,
	}, nil
}

func (a *API) EndQuestion(ctx context.Context, req *SessionRequest) (*StateResponse, error) {
	snap, err := a.live.EndQuestion(ctx, req.SessionID)
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &StateResponse{State: *snap}, nil
}

func (a *API) SubmitAnswer(ctx context.Context, req *SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	res, err := a.live.SubmitAnswer(ctx, live.SubmitAnswerRequest{
		SessionID:        req.SessionID,
		ParticipantID:    req.ParticipantID,
		QuestionID:       req.QuestionID,
		SelectedOptionID: req.SelectedOptionID,
	})
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &SubmitAnswerResponse{Result: *res}, nil
}

func (a *API) EndSession(ctx context.Context, req *SessionRequest) (*StateResponse, error) {
	snap, err := a.live.EndSession(ctx, req.SessionID)
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &StateResponse{State: *snap}, nil
}

func (a *API) GetState(ctx context.Context, req *SessionRequest) (*StateResponse, error) {
	snap, err := a.live.State(ctx, req.SessionID)
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &StateResponse{State: *snap}, nil
}

// GetLeaderboard serves the mirrored leaderboard, so any process can answer it. Sessions
// without a mirror fall back to the live state owned by this process.
func (a *API) GetLeaderboard(ctx context.Context, req *SessionRequest) (*GetLeaderboardResponse, error) {
	if a.ls != nil {
		l, err := a.ls.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: req.SessionID})
		if err == nil {
			return &GetLeaderboardResponse{Leaderboard: *l}, nil
		}
		if errors.ReasonOf(err) != errors.ReasonNotFound {
			slog.WarnContext(ctx, "api: read leaderboard mirror failed", "session", req.SessionID, "error", err)
		}
	}

	snap, err := a.live.State(ctx, req.SessionID)
	if err != nil {
		return nil, errors.Convert(err)
	}

	return &GetLeaderboardResponse{
		Leaderboard: domain.Leaderboard{
			SessionID: req.SessionID,
			Entries:   snap.Leaderboard,
		},
	}, nil
}
