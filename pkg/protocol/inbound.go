package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"livesession/pkg/types"
)

// Inbound event types
const (
	TypePresenceOnline     = "presence:online"
	TypePresenceHeartbeat  = "presence:heartbeat"
	TypePresenceGet        = "presence:get"
	TypeStudentPresent     = "student:present"
	TypeSessionStart       = "session:start"
	TypeSessionGet         = "session:get"
	TypeSessionEnd         = "session:end"
	TypeSessionMute        = "session:mute"
	TypeSessionMuteAll     = "session:mute_all"
	TypeSessionSpotlight   = "session:spotlight"
	TypeSessionRemove      = "session:remove"
	TypeParticipantAdd     = "session:participant_add"
	TypeHandRaise          = "session:hand_raise"
	TypeHandLower          = "session:hand_lower"
	TypeHandsClear         = "session:hands_clear"
	TypeSessionMove        = "session:move"
	TypeSessionMessage     = "session:message"
	TypePollCreate         = "session:poll_create"
	TypePollVote           = "session:poll_vote"
	TypePollEnd            = "session:poll_end"
	TypeQuizCreate         = "session:quiz_create"
	TypeQuizAnswer         = "session:quiz_answer"
	TypeQuizNext           = "session:quiz_next"
	TypeQuizEnd            = "session:quiz_end"
	TypeBreakoutCreate     = "session:breakout_create"
	TypeBreakoutClose      = "session:breakout_close"
	TypeReward             = "session:reward"
	TypeNotificationsFetch = "notifications:get"
)

// Inbound is the closed set of client requests. Only types declared in this
// package satisfy it.
type Inbound interface {
	EventType() string
	sealed()
}

type inbound struct{}

func (inbound) sealed() {}

// SessionRef names the session a request targets.
type SessionRef struct {
	SessionID string `json:"sessionId" validate:"required,max=64"`
}

// ParticipantRef names a participant inside a session.
type ParticipantRef struct {
	SessionRef
	UserID string `json:"userId" validate:"required,max=64"`
}

// ParticipantSpec is a requested participant at session start.
type ParticipantSpec struct {
	UserID string `json:"userId" validate:"required,max=64"`
	Role   string `json:"role" validate:"max=32"`
}

type PresenceOnline struct{ inbound }
type PresenceHeartbeat struct{ inbound }
type PresenceGet struct{ inbound }
type NotificationsFetch struct{ inbound }

type StudentPresent struct {
	inbound
	StudentID string `json:"studentId" validate:"required,max=64"`
}

type SessionStart struct {
	inbound
	Title        string            `json:"title" validate:"required,max=200"`
	Type         string            `json:"type" validate:"omitempty,oneof=CLASS MEETING class meeting"`
	ClassID      string            `json:"classId" validate:"max=64"`
	Participants []ParticipantSpec `json:"participants" validate:"required,min=1,dive"`
}

type SessionGet struct {
	inbound
	SessionRef
}

type SessionEnd struct {
	inbound
	SessionRef
}

type SessionMute struct {
	inbound
	ParticipantRef
}

type SessionMuteAll struct {
	inbound
	SessionRef
	Muted bool `json:"muted"`
}

type SessionSpotlight struct {
	inbound
	ParticipantRef
}

type SessionRemove struct {
	inbound
	ParticipantRef
}

type ParticipantAdd struct {
	inbound
	ParticipantRef
	Role string `json:"role" validate:"max=32"`
}

type HandRaise struct {
	inbound
	SessionRef
}

type HandLower struct {
	inbound
	SessionRef
}

type HandsClear struct {
	inbound
	SessionRef
}

type SessionMove struct {
	inbound
	SessionRef
	FromIndex int `json:"fromIndex" validate:"gte=0"`
	ToIndex   int `json:"toIndex" validate:"gte=0"`
}

type SessionMessage struct {
	inbound
	SessionRef
	Content string `json:"content" validate:"required,max=4000"`
}

type PollCreate struct {
	inbound
	SessionRef
	Question string   `json:"question" validate:"required,max=500"`
	Options  []string `json:"options" validate:"required,min=2,max=10,dive,required,max=200"`
}

type PollVote struct {
	inbound
	SessionRef
	PollID   string `json:"pollId" validate:"required"`
	OptionID string `json:"optionId" validate:"required"`
}

type PollEnd struct {
	inbound
	SessionRef
	PollID string `json:"pollId" validate:"required"`
}

// QuizQuestionSpec is one question of a quiz being created.
type QuizQuestionSpec struct {
	Text             string   `json:"text" validate:"required,max=500"`
	Options          []string `json:"options" validate:"required,min=2,max=10,dive,required"`
	CorrectIndex     int      `json:"correctIndex" validate:"gte=0"`
	TimeLimitSeconds int      `json:"timeLimitSeconds" validate:"gte=0"`
}

type QuizCreate struct {
	inbound
	SessionRef
	Title     string             `json:"title" validate:"required,max=200"`
	Questions []QuizQuestionSpec `json:"questions" validate:"required,min=1,dive"`
}

type QuizAnswer struct {
	inbound
	SessionRef
	QuizID     string `json:"quizId" validate:"required"`
	QuestionID string `json:"questionId" validate:"required"`
	Answer     int    `json:"answer" validate:"gte=0"`
}

type QuizNext struct {
	inbound
	SessionRef
	QuizID string `json:"quizId" validate:"required"`
}

type QuizEnd struct {
	inbound
	SessionRef
	QuizID string `json:"quizId" validate:"required"`
}

// BreakoutSpec assigns users to one breakout room.
type BreakoutSpec struct {
	Name    string   `json:"name" validate:"required,max=100"`
	UserIDs []string `json:"userIds" validate:"dive,required"`
}

type BreakoutCreate struct {
	inbound
	SessionRef
	Rooms []BreakoutSpec `json:"rooms" validate:"required,min=1,dive"`
}

type BreakoutClose struct {
	inbound
	SessionRef
}

type Reward struct {
	inbound
	ParticipantRef
	Points int    `json:"points" validate:"gte=0,lte=1000"`
	Badge  string `json:"badge" validate:"max=64"`
}

func (PresenceOnline) EventType() string     { return TypePresenceOnline }
func (PresenceHeartbeat) EventType() string  { return TypePresenceHeartbeat }
func (PresenceGet) EventType() string        { return TypePresenceGet }
func (NotificationsFetch) EventType() string { return TypeNotificationsFetch }
func (StudentPresent) EventType() string     { return TypeStudentPresent }
func (SessionStart) EventType() string       { return TypeSessionStart }
func (SessionGet) EventType() string         { return TypeSessionGet }
func (SessionEnd) EventType() string         { return TypeSessionEnd }
func (SessionMute) EventType() string        { return TypeSessionMute }
func (SessionMuteAll) EventType() string     { return TypeSessionMuteAll }
func (SessionSpotlight) EventType() string   { return TypeSessionSpotlight }
func (SessionRemove) EventType() string      { return TypeSessionRemove }
func (ParticipantAdd) EventType() string     { return TypeParticipantAdd }
func (HandRaise) EventType() string          { return TypeHandRaise }
func (HandLower) EventType() string          { return TypeHandLower }
func (HandsClear) EventType() string         { return TypeHandsClear }
func (SessionMove) EventType() string        { return TypeSessionMove }
func (SessionMessage) EventType() string     { return TypeSessionMessage }
func (PollCreate) EventType() string         { return TypePollCreate }
func (PollVote) EventType() string           { return TypePollVote }
func (PollEnd) EventType() string            { return TypePollEnd }
func (QuizCreate) EventType() string         { return TypeQuizCreate }
func (QuizAnswer) EventType() string         { return TypeQuizAnswer }
func (QuizNext) EventType() string           { return TypeQuizNext }
func (QuizEnd) EventType() string            { return TypeQuizEnd }
func (BreakoutCreate) EventType() string     { return TypeBreakoutCreate }
func (BreakoutClose) EventType() string      { return TypeBreakoutClose }
func (Reward) EventType() string             { return TypeReward }

var inboundFactories = map[string]func() Inbound{
	TypePresenceOnline:     func() Inbound { return &PresenceOnline{} },
	TypePresenceHeartbeat:  func() Inbound { return &PresenceHeartbeat{} },
	TypePresenceGet:        func() Inbound { return &PresenceGet{} },
	TypeNotificationsFetch: func() Inbound { return &NotificationsFetch{} },
	TypeStudentPresent:     func() Inbound { return &StudentPresent{} },
	TypeSessionStart:       func() Inbound { return &SessionStart{} },
	TypeSessionGet:         func() Inbound { return &SessionGet{} },
	TypeSessionEnd:         func() Inbound { return &SessionEnd{} },
	TypeSessionMute:        func() Inbound { return &SessionMute{} },
	TypeSessionMuteAll:     func() Inbound { return &SessionMuteAll{} },
	TypeSessionSpotlight:   func() Inbound { return &SessionSpotlight{} },
	TypeSessionRemove:      func() Inbound { return &SessionRemove{} },
	TypeParticipantAdd:     func() Inbound { return &ParticipantAdd{} },
	TypeHandRaise:          func() Inbound { return &HandRaise{} },
	TypeHandLower:          func() Inbound { return &HandLower{} },
	TypeHandsClear:         func() Inbound { return &HandsClear{} },
	TypeSessionMove:        func() Inbound { return &SessionMove{} },
	TypeSessionMessage:     func() Inbound { return &SessionMessage{} },
	TypePollCreate:         func() Inbound { return &PollCreate{} },
	TypePollVote:           func() Inbound { return &PollVote{} },
	TypePollEnd:            func() Inbound { return &PollEnd{} },
	TypeQuizCreate:         func() Inbound { return &QuizCreate{} },
	TypeQuizAnswer:         func() Inbound { return &QuizAnswer{} },
	TypeQuizNext:           func() Inbound { return &QuizNext{} },
	TypeQuizEnd:            func() Inbound { return &QuizEnd{} },
	TypeBreakoutCreate:     func() Inbound { return &BreakoutCreate{} },
	TypeBreakoutClose:      func() Inbound { return &BreakoutClose{} },
	TypeReward:             func() Inbound { return &Reward{} },
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator, configured to report JSON field names.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// DecodeInbound parses a client frame into its typed request and validates it.
// Every failure wraps types.ErrInvalidInput.
func DecodeInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", types.ErrInvalidInput, err)
	}
	factory, ok := inboundFactories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", types.ErrInvalidInput, env.Type)
	}
	ev := factory()
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", types.ErrInvalidInput, env.Type, err)
		}
	}
	if err := Validator().Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidInput, describe(err))
	}
	return ev, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
