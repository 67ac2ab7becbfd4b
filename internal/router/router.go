package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"livesession/internal/metrics"
	"livesession/internal/notify"
	"livesession/pkg/interfaces"
	"livesession/pkg/protocol"
	"livesession/pkg/types"
)

var log = logrus.WithField("component", "router")

// Presence is the part of the presence registry the router drives.
type Presence interface {
	SetOnline(ctx context.Context, userID string) (bool, error)
	Heartbeat(ctx context.Context, userID string) error
	ListOnline(ctx context.Context) ([]string, error)
}

// Notifier is the part of the notification dispatcher the router drives.
type Notifier interface {
	Broadcast(eventType string, payload interface{}) int
	BroadcastPresence(ctx context.Context) ([]string, error)
	DrainPending(ctx context.Context, recipientID string) ([]*types.Notification, error)
}

// Config controls who may start sessions and how fast a user may send.
type Config struct {
	HostRoles     []string
	RatePerSecond float64
	RateBurst     int
}

func DefaultConfig() Config {
	return Config{
		HostRoles:     []string{"ADMIN", "TEACHER"},
		RatePerSecond: 20,
		RateBurst:     40,
	}
}

// Router turns decoded socket events into service calls.
// ARCHITECTURAL DISCOVERY: routing only; session state changes and their
// fan-out live in the session manager, delivery in the dispatcher
type Router struct {
	sessions    interfaces.SessionManager
	presence    Presence
	notifier    Notifier
	rateLimiter *RateLimiter
	hostRoles   map[string]bool
	metrics     *metrics.Metrics
}

// NewRouter creates a router. m may be nil.
func NewRouter(sessions interfaces.SessionManager, presence Presence, notifier Notifier, config Config, m *metrics.Metrics) *Router {
	roles := make(map[string]bool, len(config.HostRoles))
	for _, role := range config.HostRoles {
		roles[strings.ToUpper(role)] = true
	}
	return &Router{
		sessions:    sessions,
		presence:    presence,
		notifier:    notifier,
		rateLimiter: NewRateLimiter(config.RatePerSecond, config.RateBurst),
		hostRoles:   roles,
		metrics:     m,
	}
}

// Dispatch handles one inbound frame from conn. Malformed, rate-limited and
// failed requests are answered with an error frame; forbidden ones are
// logged and dropped.
func (r *Router) Dispatch(ctx context.Context, conn interfaces.Connection, data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		r.fail(conn, "", err)
		return
	}
	eventType := msg.EventType()
	r.metrics.EventReceived(eventType)

	if !r.rateLimiter.Allow(conn.GetUserID()) {
		r.fail(conn, eventType, ErrRateLimitExceeded)
		return
	}

	if err := r.route(ctx, conn, msg); err != nil {
		r.fail(conn, eventType, err)
	}
}

// RunCleanup prunes idle rate-limit buckets until ctx is done.
func (r *Router) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.rateLimiter.Cleanup(); n > 0 {
				log.WithField("removed", n).Debug("Pruned idle rate limiters")
			}
		}
	}
}

func (r *Router) route(ctx context.Context, conn interfaces.Connection, msg protocol.Inbound) error {
	userID := conn.GetUserID()

	switch m := msg.(type) {
	case *protocol.PresenceOnline:
		if _, err := r.presence.SetOnline(ctx, userID); err != nil {
			return err
		}
		if err := r.sessions.MarkPresence(ctx, userID, true); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("Failed to mirror presence into sessions")
		}
		_, err := r.notifier.BroadcastPresence(ctx)
		return err

	case *protocol.PresenceHeartbeat:
		return r.presence.Heartbeat(ctx, userID)

	case *protocol.PresenceGet:
		online, err := r.presence.ListOnline(ctx)
		if err != nil {
			return err
		}
		if online == nil {
			online = []string{}
		}
		return r.reply(conn, protocol.TypePresenceUpdate, notify.PresenceSnapshot{OnlineUserIDs: online})

	case *protocol.NotificationsFetch:
		pending, err := r.notifier.DrainPending(ctx, userID)
		if err != nil {
			return err
		}
		return r.reply(conn, protocol.TypeNotificationsPending, pending)

	case *protocol.StudentPresent:
		if m.StudentID != userID {
			return ErrImpersonation
		}
		r.notifier.Broadcast(protocol.TypeStudentSignaledPresence, protocol.StudentSignal{StudentID: userID})
		return nil

	case *protocol.SessionStart:
		if !r.hostRoles[strings.ToUpper(conn.GetRole())] {
			return ErrNotHostRole
		}
		req := &types.SessionRequest{
			HostID:   userID,
			HostRole: conn.GetRole(),
			Type:     m.Type,
			Title:    m.Title,
			ClassID:  m.ClassID,
		}
		for _, p := range m.Participants {
			req.Participants = append(req.Participants, &types.Participant{UserID: p.UserID, Role: p.Role})
		}
		s, err := r.sessions.CreateSession(ctx, req)
		if err != nil {
			return err
		}
		return r.reply(conn, protocol.TypeSessionState, s)

	case *protocol.SessionGet:
		s, err := r.sessions.GetSession(ctx, m.SessionID)
		if err != nil {
			return err
		}
		if !s.HasParticipant(userID) {
			return ErrNotParticipant
		}
		return r.reply(conn, protocol.TypeSessionState, s)

	case *protocol.SessionEnd:
		_, err := r.sessions.EndSession(ctx, m.SessionID, userID)
		return err

	case *protocol.SessionMute:
		_, err := r.sessions.ToggleMute(ctx, m.SessionID, m.UserID, userID)
		return err

	case *protocol.SessionMuteAll:
		_, err := r.sessions.SetMuteAll(ctx, m.SessionID, m.Muted, userID)
		return err

	case *protocol.SessionSpotlight:
		_, err := r.sessions.ToggleSpotlight(ctx, m.SessionID, m.UserID, userID)
		return err

	case *protocol.SessionRemove:
		_, err := r.sessions.RemoveParticipant(ctx, m.SessionID, m.UserID, userID)
		return err

	case *protocol.ParticipantAdd:
		_, err := r.sessions.AddParticipant(ctx, m.SessionID, m.UserID, m.Role, userID)
		return err

	case *protocol.HandRaise:
		_, err := r.sessions.RaiseHand(ctx, m.SessionID, userID)
		return err

	case *protocol.HandLower:
		_, err := r.sessions.LowerHand(ctx, m.SessionID, userID)
		return err

	case *protocol.HandsClear:
		_, err := r.sessions.ClearRaisedHands(ctx, m.SessionID, userID)
		return err

	case *protocol.SessionMove:
		_, err := r.sessions.MoveParticipant(ctx, m.SessionID, m.FromIndex, m.ToIndex, userID)
		return err

	case *protocol.SessionMessage:
		_, err := r.sessions.AddMessage(ctx, m.SessionID, userID, m.Content)
		return err

	case *protocol.PollCreate:
		_, err := r.sessions.CreatePoll(ctx, m.SessionID, m.Question, m.Options, userID)
		return err

	case *protocol.PollVote:
		_, err := r.sessions.VotePoll(ctx, m.SessionID, m.PollID, m.OptionID, userID)
		return err

	case *protocol.PollEnd:
		_, err := r.sessions.EndPoll(ctx, m.SessionID, m.PollID, userID)
		return err

	case *protocol.QuizCreate:
		questions := make([]*types.QuizQuestion, 0, len(m.Questions))
		for _, q := range m.Questions {
			questions = append(questions, &types.QuizQuestion{
				Text:             q.Text,
				Options:          q.Options,
				CorrectIndex:     q.CorrectIndex,
				TimeLimitSeconds: q.TimeLimitSeconds,
			})
		}
		_, err := r.sessions.CreateQuiz(ctx, m.SessionID, m.Title, questions, userID)
		return err

	case *protocol.QuizAnswer:
		_, err := r.sessions.AnswerQuiz(ctx, m.SessionID, m.QuizID, m.QuestionID, m.Answer, userID)
		return err

	case *protocol.QuizNext:
		_, err := r.sessions.NextQuizQuestion(ctx, m.SessionID, m.QuizID, userID)
		return err

	case *protocol.QuizEnd:
		_, err := r.sessions.EndQuiz(ctx, m.SessionID, m.QuizID, userID)
		return err

	case *protocol.BreakoutCreate:
		rooms := make([]*types.BreakoutRoom, 0, len(m.Rooms))
		for _, room := range m.Rooms {
			rooms = append(rooms, &types.BreakoutRoom{Name: room.Name, ParticipantIDs: room.UserIDs})
		}
		_, err := r.sessions.CreateBreakoutRooms(ctx, m.SessionID, rooms, userID)
		return err

	case *protocol.BreakoutClose:
		_, err := r.sessions.CloseBreakoutRooms(ctx, m.SessionID, userID)
		return err

	case *protocol.Reward:
		_, err := r.sessions.AwardReward(ctx, m.SessionID, m.UserID, m.Points, m.Badge, userID)
		return err

	default:
		return fmt.Errorf("%w: unhandled event %s", types.ErrInvalidInput, msg.EventType())
	}
}

func (r *Router) reply(conn interfaces.Connection, eventType string, payload interface{}) error {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(env); err != nil {
		log.WithError(err).WithField("connection_id", conn.GetConnectionID()).Debug("Reply write failed")
	}
	return nil
}

func (r *Router) fail(conn interfaces.Connection, eventType string, err error) {
	fields := logrus.Fields{
		"user_id": conn.GetUserID(),
		"event":   eventType,
	}
	if errors.Is(err, types.ErrForbidden) {
		log.WithFields(fields).WithError(err).Warn("Dropped unauthorized request")
		return
	}
	if errors.Is(err, types.ErrUpstream) {
		log.WithFields(fields).WithError(err).Error("Request failed")
	} else {
		log.WithFields(fields).WithError(err).Debug("Request rejected")
	}
	if werr := conn.WriteJSON(protocol.NewErrorEnvelope(eventType, err)); werr != nil {
		log.WithError(werr).WithField("connection_id", conn.GetConnectionID()).Debug("Error frame write failed")
	}
}
