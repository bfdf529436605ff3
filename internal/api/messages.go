package api

import (
	"github.com/victornm/livequiz/internal/domain"
)

type (
	CreateSessionRequest struct {
		QuizID string `json:"quiz_id" binding:"required"`
		HostID string `json:"host_id" binding:"required"`
	}

	CreateSessionResponse struct {
		SessionID   string          `json:"session_id"`
		SessionCode string          `json:"session_code"`
		State       domain.Snapshot `json:"state"`
	}

	JoinSessionRequest struct {
		SessionCode string `json:"session_code"`
		DisplayName string `json:"display_name"`
	}

	JoinSessionResponse struct {
		SessionID   string             `json:"session_id"`
		Participant domain.Participant `json:"participant"`
		State       domain.Snapshot    `json:"state"`
	}

	StartQuestionRequest struct {
		SessionID     string `json:"session_id"`
		QuestionIndex int    `json:"question_index"`
	}

	StartQuestionResponse struct {
		State    domain.Snapshot     `json:"state"`
		Question domain.QuestionView `json:"question"`
	}

	SubmitAnswerRequest struct {
		SessionID        string `json:"session_id"`
		ParticipantID    string `json:"participant_id"`
		QuestionID       string `json:"question_id"`
		SelectedOptionID string `json:"selected_option_id"`
	}

	SubmitAnswerResponse struct {
		Result domain.AnswerResult `json:"result"`
	}

	// SessionRequest addresses one session: EndQuestion, EndSession, GetState and GetLeaderboard.
	SessionRequest struct {
		SessionID string `json:"session_id"`
	}

	StateResponse struct {
		State domain.Snapshot `json:"state"`
	}

	GetLeaderboardResponse struct {
		Leaderboard domain.Leaderboard `json:"leaderboard"`
	}
)
