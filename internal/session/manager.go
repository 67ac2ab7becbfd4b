package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"livesession/internal/events"
	"livesession/internal/metrics"
	"livesession/pkg/interfaces"
	"livesession/pkg/protocol"
	"livesession/pkg/types"
)

var log = logrus.WithField("component", "session")

var _ interfaces.SessionManager = (*Manager)(nil)

// Participant roles assigned when the request leaves them empty.
const (
	RoleHost        = "HOST"
	RoleParticipant = "STUDENT"
)

const maxTitleLength = 200

// InviteTitlePrefix and InviteActionURL shape the invitation notification.
const (
	InviteTitlePrefix = "Invitation à la session: "
	InviteActionURL   = "/list/chatroom/session?sessionId="
)

// Notifier delivers events to users.
type Notifier interface {
	Notify(ctx context.Context, n *types.Notification) (bool, error)
	Push(userID, eventType string, payload interface{}) int
}

// PresenceChecker seeds participant isOnline flags.
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Publisher forwards lifecycle events to the bus.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Archiver keeps a copy of ended sessions.
type Archiver interface {
	Archive(ctx context.Context, s *types.Session) error
}

// Policy holds the configurable session invariants.
type Policy struct {
	AllowConcurrentHostSessions    bool
	AllowMultiSessionParticipation bool
}

// DefaultPolicy allows both.
func DefaultPolicy() Policy {
	return Policy{AllowConcurrentHostSessions: true, AllowMultiSessionParticipation: true}
}

// Manager is the session lifecycle controller. Live state sits in the Store;
// the durable store receives the stub at creation and the terminal snapshot
// at the end.
// ARCHITECTURAL DISCOVERY: every mutation is a single Store.Update so
// concurrent writers to one session serialise on that key and the last
// writer wins without lost updates.
type Manager struct {
	store     Store
	db        interfaces.DatabaseManager
	notifier  Notifier
	presence  PresenceChecker
	publisher Publisher
	archiver  Archiver
	metrics   *metrics.Metrics
	policy    Policy
	now       func() time.Time
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option         { return func(m *Manager) { m.notifier = n } }
func WithPresence(p PresenceChecker) Option  { return func(m *Manager) { m.presence = p } }
func WithPublisher(p Publisher) Option       { return func(m *Manager) { m.publisher = p } }
func WithArchiver(a Archiver) Option         { return func(m *Manager) { m.archiver = a } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithPolicy(p Policy) Option             { return func(m *Manager) { m.policy = p } }
func WithClock(now func() time.Time) Option  { return func(m *Manager) { m.now = now } }

func NewManager(store Store, db interfaces.DatabaseManager, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		db:     db,
		policy: DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadActiveSessions restores sessions the durable store still lists as
// ACTIVE. Sessions already present in the live store are left alone.
func (m *Manager) LoadActiveSessions(ctx context.Context) (int, error) {
	sessions, err := m.db.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active sessions: %w", err)
	}

	loaded := 0
	for _, s := range sessions {
		if _, err := m.store.Get(ctx, s.ID); err == nil {
			continue
		}
		if err := m.store.Put(ctx, s); err != nil {
			return loaded, fmt.Errorf("failed to cache session %s: %w", s.ID, err)
		}
		loaded++
	}

	if active, err := m.ListActiveSessions(ctx); err == nil {
		m.metrics.SetSessionsActive(len(active))
	}
	log.WithField("count", loaded).Info("Loaded active sessions")
	return loaded, nil
}

// CreateSession starts a session. The host is always the first participant
// and appears once even when listed in the request.
func (m *Manager) CreateSession(ctx context.Context, req *types.SessionRequest) (*types.Session, error) {
	if req == nil || !types.IsValidUserID(req.HostID) {
		return nil, ErrInvalidHost
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		return nil, ErrInvalidTitle
	}
	sessionType, err := types.NormalizeSessionType(req.Type)
	if err != nil {
		return nil, err
	}
	if len(req.Participants) == 0 {
		return nil, ErrEmptyParticipants
	}
	for _, p := range req.Participants {
		if p == nil || !types.IsValidUserID(p.UserID) {
			return nil, ErrInvalidParticipant
		}
	}

	s := &types.Session{
		ID:          uuid.NewString(),
		HostID:      req.HostID,
		Type:        sessionType,
		ClassID:     req.ClassID,
		Title:       title,
		Status:      types.SessionStatusActive,
		StartTime:   m.now().UTC(),
		Messages:    []*types.ChatMessage{},
		RaisedHands: []string{},
		Polls:       []*types.Poll{},
		Quizzes:     []*types.Quiz{},
	}
	s.AddParticipant(&types.Participant{
		UserID:   req.HostID,
		Role:     roleOr(req.HostRole, RoleHost),
		IsOnline: m.isOnline(ctx, req.HostID),
	})
	for _, p := range req.Participants {
		if s.HasParticipant(p.UserID) {
			continue
		}
		s.AddParticipant(&types.Participant{
			UserID:   p.UserID,
			Role:     roleOr(p.Role, RoleParticipant),
			IsOnline: m.isOnline(ctx, p.UserID),
		})
	}

	if err := m.checkHost(ctx, s); err != nil {
		return nil, err
	}
	if err := m.checkParticipation(ctx, s.ID, s.ParticipantIDs()); err != nil {
		return nil, err
	}

	if err := m.db.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("%w: persist session: %v", types.ErrUpstream, err)
	}
	if err := m.store.Put(ctx, s); err != nil {
		m.abandon(ctx, s)
		return nil, fmt.Errorf("%w: cache session: %v", types.ErrUpstream, err)
	}

	m.metrics.SessionCreated()
	log.WithFields(logrus.Fields{
		"session_id":   s.ID,
		"host_id":      s.HostID,
		"participants": s.ParticipantCount(),
	}).Info("Session created")

	m.invite(ctx, s, s.ParticipantIDs())
	m.publish(ctx, events.NewEvent(events.SessionCreated, s.ID, s.HostID, map[string]interface{}{
		"type":         s.Type,
		"classId":      s.ClassID,
		"participants": s.ParticipantIDs(),
	}))
	return s, nil
}

// abandon marks a stub ENDED when the live copy could not be cached, so a
// later restore does not resurrect it.
func (m *Manager) abandon(ctx context.Context, s *types.Session) {
	end := m.now().UTC()
	s.Status = types.SessionStatusEnded
	s.EndTime = &end
	if err := m.db.UpdateSession(ctx, s); err != nil {
		log.WithError(err).WithField("session_id", s.ID).Error("Failed to abandon session stub")
	}
}

// GetSession returns an ACTIVE session. A live-store miss falls back to the
// durable store and re-caches what it finds.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err == nil {
		if !s.IsActive() {
			return nil, ErrSessionNotFound
		}
		return s, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, classify(err)
	}

	stored, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: load session: %v", types.ErrUpstream, err)
	}
	if !stored.IsActive() {
		return nil, ErrSessionNotFound
	}
	if err := m.store.Put(ctx, stored); err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("Failed to re-cache session")
	}
	return stored, nil
}

// ListActiveSessions returns live sessions ordered by start time.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, classify(err)
	}
	active := make([]*types.Session, 0, len(all))
	for _, s := range all {
		if s.IsActive() {
			active = append(active, s)
		}
	}
	return active, nil
}

// ListSessionsFor returns the active sessions userID participates in.
func (m *Manager) ListSessionsFor(ctx context.Context, userID string) ([]*types.Session, error) {
	active, err := m.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Session, 0)
	for _, s := range active {
		if s.HasParticipant(userID) {
			out = append(out, s)
		}
	}
	return out, nil
}

// EndSession moves the session to ENDED, flushes it and evicts it. If the
// flush fails the ENDED copy stays in the live store, reads report not
// found, and the host may call EndSession again to retry the flush.
func (m *Manager) EndSession(ctx context.Context, sessionID, requestedBy string) (*types.Session, error) {
	end := func(s *types.Session) error {
		if s.HostID != requestedBy {
			if !s.IsActive() {
				return ErrSessionNotFound
			}
			return ErrNotHost
		}
		if s.IsActive() {
			at := m.now().UTC()
			s.Status = types.SessionStatusEnded
			s.EndTime = &at
			for _, p := range s.Participants() {
				p.HasRaisedHand = false
				p.RaisedHandAt = nil
			}
			s.RaisedHands = []string{}
		}
		return nil
	}

	s, err := m.store.Update(ctx, sessionID, end)
	if errors.Is(err, ErrSessionNotFound) {
		// only an ACTIVE durable copy can still be ended
		if _, gerr := m.GetSession(ctx, sessionID); gerr != nil {
			return nil, gerr
		}
		s, err = m.store.Update(ctx, sessionID, end)
	}
	if err != nil {
		if errors.Is(err, types.ErrForbidden) {
			log.WithFields(logrus.Fields{"session_id": sessionID, "user_id": requestedBy}).Warn("Non-host tried to end session")
		}
		return nil, classify(err)
	}

	if err := m.db.UpdateSession(ctx, s); err != nil {
		log.WithError(err).WithField("session_id", sessionID).Error("Failed to flush ended session")
		return nil, fmt.Errorf("%w: flush ended session: %v", types.ErrUpstream, err)
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("Failed to evict ended session")
	}

	m.metrics.SessionEnded()
	log.WithFields(logrus.Fields{"session_id": s.ID, "host_id": s.HostID}).Info("Session ended")

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, s); err != nil {
			log.WithError(err).WithField("session_id", s.ID).Warn("Failed to archive session")
		}
	}
	payload := protocol.SessionEnded{SessionID: s.ID, EndedBy: requestedBy, EndTime: s.EndTime}
	for _, id := range s.ParticipantIDs() {
		m.push(id, protocol.TypeSessionEnded, payload)
	}
	m.publish(ctx, events.NewEvent(events.SessionEnded, s.ID, requestedBy, payload))
	return s, nil
}

// ToggleMute flips the target's mute flag. Unknown targets are a no-op.
func (m *Manager) ToggleMute(ctx context.Context, sessionID, targetID, requestedBy string) (*types.Session, error) {
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		if p, ok := s.Participant(targetID); ok {
			p.IsMuted = !p.IsMuted
		}
		return nil
	})
}

// SetMuteAll mutes or unmutes everyone except the host.
func (m *Manager) SetMuteAll(ctx context.Context, sessionID string, muted bool, requestedBy string) (*types.Session, error) {
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		for _, p := range s.Participants() {
			if p.UserID != s.HostID {
				p.IsMuted = muted
			}
		}
		return nil
	})
}

// ToggleSpotlight spotlights the target, or clears the spotlight if the
// target already holds it. Unknown targets are a no-op.
func (m *Manager) ToggleSpotlight(ctx context.Context, sessionID, targetID, requestedBy string) (*types.Session, error) {
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		switch {
		case s.SpotlightedParticipantID == targetID:
			s.SpotlightedParticipantID = ""
		case s.HasParticipant(targetID):
			s.SpotlightedParticipantID = targetID
		}
		return nil
	})
}

// RemoveParticipant evicts the target and tells their connections.
func (m *Manager) RemoveParticipant(ctx context.Context, sessionID, targetID, requestedBy string) (*types.Session, error) {
	s, err := m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		if targetID == s.HostID {
			return ErrHostNotRemovable
		}
		if !s.RemoveParticipant(targetID) {
			return ErrParticipantNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.push(targetID, protocol.TypeSessionRemoved, protocol.SessionRemoval{SessionID: sessionID, RemovedBy: requestedBy})
	m.publish(ctx, events.NewEvent(events.ParticipantRemoved, sessionID, requestedBy, map[string]string{"userId": targetID}))
	return s, nil
}

// AddParticipant adds userID and invites them. Adding an existing
// participant changes nothing.
func (m *Manager) AddParticipant(ctx context.Context, sessionID, userID, role, requestedBy string) (*types.Session, error) {
	if !types.IsValidUserID(userID) {
		return nil, ErrInvalidParticipant
	}
	if err := m.checkParticipation(ctx, sessionID, []string{userID}); err != nil {
		return nil, err
	}

	online := m.isOnline(ctx, userID)
	added := false
	s, err := m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		added = s.AddParticipant(&types.Participant{
			UserID:   userID,
			Role:     roleOr(role, RoleParticipant),
			IsOnline: online,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if added {
		m.invite(ctx, s, []string{userID})
		m.publish(ctx, events.NewEvent(events.ParticipantAdded, sessionID, requestedBy, map[string]string{"userId": userID}))
	}
	return s, nil
}

// MoveParticipant reorders the display list.
func (m *Manager) MoveParticipant(ctx context.Context, sessionID string, from, to int, requestedBy string) (*types.Session, error) {
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		return s.MoveParticipant(from, to)
	})
}

// ClearRaisedHands lowers every hand.
func (m *Manager) ClearRaisedHands(ctx context.Context, sessionID, requestedBy string) (*types.Session, error) {
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		for _, p := range s.Participants() {
			p.HasRaisedHand = false
			p.RaisedHandAt = nil
		}
		s.RaisedHands = []string{}
		return nil
	})
}

// RaiseHand queues userID's hand. Raising twice keeps the first position.
func (m *Manager) RaiseHand(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	return m.participantMutate(ctx, sessionID, userID, func(s *types.Session, p *types.Participant) error {
		if p.HasRaisedHand {
			return nil
		}
		at := m.now().UTC()
		p.HasRaisedHand = true
		p.RaisedHandAt = &at
		if !contains(s.RaisedHands, userID) {
			s.RaisedHands = append(s.RaisedHands, userID)
		}
		return nil
	})
}

// LowerHand clears userID's hand.
func (m *Manager) LowerHand(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	return m.participantMutate(ctx, sessionID, userID, func(s *types.Session, p *types.Participant) error {
		p.HasRaisedHand = false
		p.RaisedHandAt = nil
		s.RaisedHands = remove(s.RaisedHands, userID)
		return nil
	})
}

// MarkPresence mirrors userID's connectivity into every active session they
// belong to.
func (m *Manager) MarkPresence(ctx context.Context, userID string, online bool) error {
	sessions, err := m.ListSessionsFor(ctx, userID)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if p, ok := s.Participant(userID); ok && p.IsOnline == online {
			continue
		}
		_, err := m.mutate(ctx, s.ID, func(s *types.Session) error {
			if p, ok := s.Participant(userID); ok {
				p.IsOnline = online
			}
			return nil
		})
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			log.WithError(err).WithFields(logrus.Fields{"session_id": s.ID, "user_id": userID}).Warn("Failed to mirror presence")
		}
	}
	return nil
}

// mutate applies fn to an ACTIVE session and fans the new state out to its
// participants.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(*types.Session) error) (*types.Session, error) {
	apply := func(s *types.Session) error {
		if !s.IsActive() {
			return ErrSessionNotFound
		}
		return fn(s)
	}

	s, err := m.store.Update(ctx, sessionID, apply)
	if errors.Is(err, ErrSessionNotFound) {
		if _, gerr := m.GetSession(ctx, sessionID); gerr != nil {
			return nil, gerr
		}
		s, err = m.store.Update(ctx, sessionID, apply)
	}
	if err != nil {
		return nil, classify(err)
	}

	for _, id := range s.ParticipantIDs() {
		m.push(id, protocol.TypeSessionUpdate, s)
	}
	return s, nil
}

func (m *Manager) hostMutate(ctx context.Context, sessionID, requestedBy string, fn func(*types.Session) error) (*types.Session, error) {
	s, err := m.mutate(ctx, sessionID, func(s *types.Session) error {
		if s.HostID != requestedBy {
			return ErrNotHost
		}
		return fn(s)
	})
	if errors.Is(err, types.ErrForbidden) {
		log.WithFields(logrus.Fields{"session_id": sessionID, "user_id": requestedBy}).Warn("Rejected host-only operation")
	}
	return s, err
}

func (m *Manager) participantMutate(ctx context.Context, sessionID, userID string, fn func(*types.Session, *types.Participant) error) (*types.Session, error) {
	return m.mutate(ctx, sessionID, func(s *types.Session) error {
		p, ok := s.Participant(userID)
		if !ok {
			return ErrNotParticipant
		}
		return fn(s, p)
	})
}

// checkHost enforces one active session per (host, class) when concurrent
// host sessions are disabled.
func (m *Manager) checkHost(ctx context.Context, candidate *types.Session) error {
	if m.policy.AllowConcurrentHostSessions {
		return nil
	}
	active, err := m.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range active {
		if s.ID != candidate.ID && s.HostID == candidate.HostID && s.ClassID == candidate.ClassID {
			return ErrHostBusy
		}
	}
	return nil
}

// checkParticipation rejects users already in another active session when
// multi-session participation is disabled.
func (m *Manager) checkParticipation(ctx context.Context, sessionID string, userIDs []string) error {
	if m.policy.AllowMultiSessionParticipation {
		return nil
	}
	active, err := m.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range active {
		if s.ID == sessionID {
			continue
		}
		for _, id := range userIDs {
			if s.HasParticipant(id) {
				return fmt.Errorf("%w (%s)", ErrParticipantBusy, id)
			}
		}
	}
	return nil
}

// invite notifies each listed participant except the host. Offline
// recipients get the invitation queued.
func (m *Manager) invite(ctx context.Context, s *types.Session, userIDs []string) {
	if m.notifier == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		log.WithError(err).WithField("session_id", s.ID).Error("Failed to encode invitation")
		return
	}
	for _, id := range userIDs {
		if id == s.HostID {
			continue
		}
		n := &types.Notification{
			ID:              uuid.NewString(),
			RecipientUserID: id,
			Type:            protocol.TypeSessionInvite,
			Title:           InviteTitlePrefix + s.Title,
			Message:         fmt.Sprintf("%s vous invite à rejoindre la session %q.", s.HostID, s.Title),
			ActionURL:       InviteActionURL + s.ID,
			Payload:         payload,
			CreatedAt:       m.now().UTC(),
		}
		if _, err := m.notifier.Notify(ctx, n); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"session_id": s.ID, "user_id": id}).Error("Failed to deliver invitation")
		}
	}
}

func (m *Manager) push(userID, eventType string, payload interface{}) {
	if m.notifier != nil {
		m.notifier.Push(userID, eventType, payload)
	}
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		log.WithError(err).WithField("event", ev.Type).Warn("Failed to publish event")
	}
}

func (m *Manager) isOnline(ctx context.Context, userID string) bool {
	if m.presence == nil {
		return false
	}
	online, err := m.presence.IsOnline(ctx, userID)
	return err == nil && online
}

func roleOr(role, fallback string) string {
	role = strings.ToUpper(strings.TrimSpace(role))
	if role == "" {
		return fallback
	}
	return role
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
