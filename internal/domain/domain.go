package domain

import (
	"time"
)

// Status is the lifecycle state of a live session.
type Status string

const (
	StatusLobby            Status = "Lobby"
	StatusInProgress       Status = "InProgress"
	StatusBetweenQuestions Status = "BetweenQuestions"
	StatusCompleted        Status = "Completed"
)

// NoQuestionIndex is the question index of a session that has not started any question yet.
const NoQuestionIndex = -1

// DefaultTimeLimitSeconds applies whenever a caller supplies a non-positive time limit.
const DefaultTimeLimitSeconds = 30

// Session is the durable record of a quiz run.
type Session struct {
	SessionID   string
	SessionCode string
	QuizID      string
	HostID      string
	Status      Status
	CreateTime  time.Time
	StartTime   *time.Time
	EndTime     *time.Time
}

type Question struct {
	QuestionID       string
	QuizID           string
	QuestionText     string
	TimeLimitSeconds int
	OrderIndex       int
	Options          []Option
}

type Option struct {
	OptionID   string
	OptionText string
	IsCorrect  bool
}

// QuestionView is what participants see of a question: no correctness flags.
type QuestionView struct {
	QuestionID       string       `json:"question_id"`
	QuestionText     string       `json:"question_text"`
	TimeLimitSeconds int          `json:"time_limit_seconds"`
	Options          []OptionView `json:"options"`
}

type OptionView struct {
	OptionID   string `json:"option_id"`
	OptionText string `json:"option_text"`
}

// View strips the answer key from q.
func (q Question) View() QuestionView {
	v := QuestionView{
		QuestionID:       q.QuestionID,
		QuestionText:     q.QuestionText,
		TimeLimitSeconds: q.TimeLimitSeconds,
		Options:          make([]OptionView, 0, len(q.Options)),
	}
	for _, o := range q.Options {
		v.Options = append(v.Options, OptionView{OptionID: o.OptionID, OptionText: o.OptionText})
	}
	return v
}

// Participant is a joined user and their running aggregates within one session.
type Participant struct {
	ParticipantID         string `json:"participant_id"`
	DisplayName           string `json:"display_name"`
	TotalScore            int    `json:"total_score"`
	AverageResponseTimeMs *int   `json:"average_response_time_ms,omitempty"`
}

// LeaderboardEntry is one ranked row. Ranks are 1-based and never shared.
type LeaderboardEntry struct {
	ParticipantID         string `json:"participant_id"`
	DisplayName           string `json:"display_name"`
	TotalScore            int    `json:"total_score"`
	AverageResponseTimeMs *int   `json:"average_response_time_ms,omitempty"`
	Rank                  int    `json:"rank"`
}

// Leaderboard represents the ranked participants of a session.
type Leaderboard struct {
	SessionID string             `json:"session_id"`
	Entries   []LeaderboardEntry `json:"entries"`
}

// Snapshot is an immutable read of a live session, used for broadcast and late-join sync.
type Snapshot struct {
	SessionID            string             `json:"session_id"`
	Status               Status             `json:"status"`
	CurrentQuestionIndex int                `json:"current_question_index"`
	CurrentQuestionID    string             `json:"current_question_id,omitempty"`
	QuestionStartTime    *time.Time         `json:"question_start_time,omitempty"`
	TimeLimitSeconds     int                `json:"time_limit_seconds"`
	Participants         []Participant      `json:"participants"`
	Leaderboard          []LeaderboardEntry `json:"leaderboard"`
	ServerTime           time.Time          `json:"server_time"`
}

// AnswerRecord is the durable record of one participant's answer to one question.
// (SessionID, ParticipantID, QuestionID) is unique.
type AnswerRecord struct {
	SessionID        string    `json:"session_id"`
	ParticipantID    string    `json:"participant_id"`
	QuestionID       string    `json:"question_id"`
	SelectedOptionID string    `json:"selected_option_id"`
	IsCorrect        bool      `json:"is_correct"`
	ResponseTimeMs   int       `json:"response_time_ms"`
	ScoreEarned      int       `json:"score_earned"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// AnswerResult is what the submitter of an accepted answer is told.
type AnswerResult struct {
	IsCorrect      bool `json:"is_correct"`
	ScoreEarned    int  `json:"score_earned"`
	TotalScore     int  `json:"total_score"`
	ResponseTimeMs int  `json:"response_time_ms"`
}

// Recovery seeds a live session that is missing from memory, e.g. after a restart.
// Answers must be in recorded order so smoothed averages replay identically.
type Recovery struct {
	Status       Status
	Participants []Participant
	Answers      []AnswerRecord
}
