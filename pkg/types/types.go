package types

import (
	"encoding/json"
	"time"
)

// Session types
const (
	SessionTypeClass   = "CLASS"
	SessionTypeMeeting = "MEETING"
)

// Session lifecycle states. ENDED is terminal.
const (
	SessionStatusActive = "ACTIVE"
	SessionStatusEnded  = "ENDED"
)

// Presence states
const (
	PresenceOnline  = "ONLINE"
	PresenceOffline = "OFFLINE"
)

// Session is the live record of a host-moderated classroom or meeting.
// ARCHITECTURAL DISCOVERY: participants are keyed by user ID so a user can
// never appear twice; display order is kept separately and only reordered
// by an explicit move.
type Session struct {
	ID                       string          `json:"id"`
	HostID                   string          `json:"hostId"`
	Type                     string          `json:"type"`
	ClassID                  string          `json:"classId,omitempty"`
	Title                    string          `json:"title"`
	Status                   string          `json:"status"`
	StartTime                time.Time       `json:"startTime"`
	EndTime                  *time.Time      `json:"endTime,omitempty"`
	Messages                 []*ChatMessage  `json:"messages"`
	RaisedHands              []string        `json:"raisedHands"`
	SpotlightedParticipantID string          `json:"spotlightedParticipantId,omitempty"`
	BreakoutRooms            []*BreakoutRoom `json:"breakoutRooms,omitempty"`
	Polls                    []*Poll         `json:"polls"`
	Quizzes                  []*Quiz         `json:"quizzes"`

	participants map[string]*Participant
	order        []string
}

// Participant is one user's state inside a session.
type Participant struct {
	UserID         string     `json:"userId"`
	Role           string     `json:"role"`
	IsOnline       bool       `json:"isOnline"`
	IsMuted        bool       `json:"isMuted"`
	HasRaisedHand  bool       `json:"hasRaisedHand"`
	RaisedHandAt   *time.Time `json:"raisedHandAt,omitempty"`
	Points         int        `json:"points"`
	Badges         []string   `json:"badges"`
	BreakoutRoomID string     `json:"breakoutRoomId,omitempty"`
}

// ChatMessage is an append-only session chat entry.
type ChatMessage struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"sessionId" db:"session_id"`
	AuthorID  string    `json:"authorId" db:"author_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// BreakoutRoom groups a subset of participants.
type BreakoutRoom struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"`
}

// Poll is a single-question vote. Votes maps voter -> option ID.
type Poll struct {
	ID        string            `json:"id"`
	Question  string            `json:"question"`
	Options   []*PollOption     `json:"options"`
	Votes     map[string]string `json:"votes"`
	Active    bool              `json:"active"`
	CreatedBy string            `json:"createdBy"`
	CreatedAt time.Time         `json:"createdAt"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
}

// PollOption carries a running vote count.
type PollOption struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// Quiz is a sequence of multiple-choice questions answered one at a time.
type Quiz struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Questions       []*QuizQuestion `json:"questions"`
	CurrentQuestion int             `json:"currentQuestion"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"createdAt"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
}

// QuizQuestion records each participant's chosen option index.
type QuizQuestion struct {
	ID               string         `json:"id"`
	Text             string         `json:"text"`
	Options          []string       `json:"options"`
	CorrectIndex     int            `json:"correctIndex"`
	TimeLimitSeconds int            `json:"timeLimitSeconds,omitempty"`
	Answers          map[string]int `json:"answers"`
}

// Notification is a queued event for a recipient who was not reachable live.
type Notification struct {
	ID              string          `json:"id"`
	RecipientUserID string          `json:"recipientUserId"`
	Type            string          `json:"type"`
	Title           string          `json:"title"`
	Message         string          `json:"message"`
	ActionURL       string          `json:"actionUrl,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Read            bool            `json:"read"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// UserPresence is a user's last known liveness.
type UserPresence struct {
	UserID     string    `json:"userId" db:"user_id"`
	Status     string    `json:"status" db:"status"`
	LastSeenAt time.Time `json:"lastSeenAt" db:"last_seen_at"`
}

// SessionRequest describes a session to start.
type SessionRequest struct {
	HostID       string
	HostRole     string
	Type         string
	Title        string
	ClassID      string
	Participants []*Participant
}
