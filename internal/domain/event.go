package domain

const (
	EventNameSessionState       = "session.state"
	EventNameParticipantJoined  = "participant.joined"
	EventNameQuestionStarted    = "question.started"
	EventNameQuestionEnded      = "question.ended"
	EventNameLeaderboardUpdated = "leaderboard.updated"
	EventNameAnswerAccepted     = "answer.accepted"
	EventNameAnswerRejected     = "answer.rejected"
	EventNameAnswerRecorded     = "answer.recorded"
	EventNameJoinFailed         = "join.failed"
	EventNameSessionCompleted   = "session.completed"
	EventNameError              = "error"
)

// Notification is the wire shape of every event sent to a client.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Group events, delivered to every connection of a session.

type EventParticipantJoined struct {
	SessionID   string
	Participant Participant
}

func (EventParticipantJoined) Name() string   { return EventNameParticipantJoined }
func (e EventParticipantJoined) Key() string { return e.SessionID }

type EventQuestionStarted struct {
	Snapshot Snapshot
	Question QuestionView
}

func (EventQuestionStarted) Name() string   { return EventNameQuestionStarted }
func (e EventQuestionStarted) Key() string { return e.Snapshot.SessionID }

type EventQuestionEnded struct {
	Snapshot Snapshot
}

func (EventQuestionEnded) Name() string   { return EventNameQuestionEnded }
func (e EventQuestionEnded) Key() string { return e.Snapshot.SessionID }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string   { return EventNameLeaderboardUpdated }
func (e EventLeaderboardUpdated) Key() string { return e.Leaderboard.SessionID }

type EventSessionCompleted struct {
	Snapshot Snapshot
}

func (EventSessionCompleted) Name() string   { return EventNameSessionCompleted }
func (e EventSessionCompleted) Key() string { return e.Snapshot.SessionID }

// EventAnswerRecorded is an audit event, emitted after the write-through succeeded.
type EventAnswerRecorded struct {
	Answer AnswerRecord
}

func (EventAnswerRecorded) Name() string   { return EventNameAnswerRecorded }
func (e EventAnswerRecorded) Key() string { return e.Answer.SessionID }

// Caller-only payloads, written straight back to the requesting connection.

type SessionState struct {
	Snapshot    Snapshot     `json:"snapshot"`
	Participant *Participant `json:"participant,omitempty"`
}

type AnswerAccepted struct {
	IsCorrect   bool `json:"is_correct"`
	ScoreEarned int  `json:"score_earned"`
}

type Rejection struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
