package realtime

import (
	"strings"
)

// Client to server message types.
const (
	TypeJoinSession   = "join_session"
	TypeStartQuestion = "start_question"
	TypeEndQuestion   = "end_question"
	TypeSubmitAnswer  = "submit_answer"
	TypeEndSession    = "end_session"
)

// Message is a client request. Type selects which of the other fields are read.
type Message struct {
	Type string `json:"type"`

	SessionCode string `json:"session_code,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	SessionID     string `json:"session_id,omitempty"`
	QuestionIndex int    `json:"question_index,omitempty"`

	ParticipantID string `json:"participant_id,omitempty"`
	QuestionID    string `json:"question_id,omitempty"`
	OptionID      string `json:"option_id,omitempty"`
}

// Envelope is what travels on a session channel: a notification for the group, and the
// participant whose own connections skip it, if any.
type Envelope struct {
	Event  string `json:"event"`
	Data   any    `json:"data"`
	Except string `json:"except,omitempty"`
}

// Channel is the Redis channel carrying the group events of a session.
func Channel(prefix, sessionID string) string {
	return prefix + ":session:" + sessionID
}

func channelPattern(prefix string) string {
	return Channel(prefix, "*")
}

func sessionOf(prefix, channel string) (string, bool) {
	return strings.CutPrefix(channel, prefix+":session:")
}
