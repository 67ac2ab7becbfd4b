package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"livesession/pkg/types"
)

const (
	maxMessageLength = 2000
	minPollOptions   = 2
	maxPollOptions   = 10
)

// AddMessage appends a chat message to the live session and then persists
// it. A persistence failure is reported as upstream; the live copy stays.
func (m *Manager) AddMessage(ctx context.Context, sessionID, authorID, content string) (*types.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > maxMessageLength {
		return nil, ErrInvalidMessage
	}

	msg := &types.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: m.now().UTC(),
	}
	_, err := m.participantMutate(ctx, sessionID, authorID, func(s *types.Session, _ *types.Participant) error {
		s.Messages = append(s.Messages, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.db.StoreMessage(ctx, msg); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"session_id": sessionID, "message_id": msg.ID}).Error("Failed to persist chat message")
		return nil, fmt.Errorf("%w: persist message: %v", types.ErrUpstream, err)
	}
	return msg, nil
}

// GetMessages returns the persisted chat history to a participant.
func (m *Manager) GetMessages(ctx context.Context, sessionID, requestedBy string) ([]*types.ChatMessage, error) {
	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.HasParticipant(requestedBy) {
		return nil, ErrNotParticipant
	}
	msgs, err := m.db.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: load messages: %v", types.ErrUpstream, err)
	}
	return msgs, nil
}

// CreatePoll opens a poll. Options get the IDs "1".."n" in order.
func (m *Manager) CreatePoll(ctx context.Context, sessionID, question string, options []string, requestedBy string) (*types.Session, error) {
	question = strings.TrimSpace(question)
	if question == "" || len(options) < minPollOptions || len(options) > maxPollOptions {
		return nil, ErrInvalidPoll
	}
	pollOptions := make([]*types.PollOption, 0, len(options))
	for i, text := range options {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, ErrInvalidPoll
		}
		pollOptions = append(pollOptions, &types.PollOption{ID: strconv.Itoa(i + 1), Text: text})
	}

	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		s.Polls = append(s.Polls, &types.Poll{
			ID:        uuid.NewString(),
			Question:  question,
			Options:   pollOptions,
			Votes:     make(map[string]string),
			Active:    true,
			CreatedBy: requestedBy,
			CreatedAt: m.now().UTC(),
		})
		return nil
	})
}

// VotePoll records userID's vote. Voting again moves the vote.
func (m *Manager) VotePoll(ctx context.Context, sessionID, pollID, optionID, userID string) (*types.Session, error) {
	return m.participantMutate(ctx, sessionID, userID, func(s *types.Session, _ *types.Participant) error {
		poll, err := findPoll(s, pollID)
		if err != nil {
			return err
		}
		if !poll.Active {
			return ErrActivityClosed
		}
		option := findOption(poll, optionID)
		if option == nil {
			return ErrInvalidOption
		}

		if poll.Votes == nil {
			poll.Votes = make(map[string]string)
		}
		if previous, voted := poll.Votes[userID]; voted {
			if previous == optionID {
				return nil
			}
			if old := findOption(poll, previous); old != nil && old.Count > 0 {
				old.Count--
			}
		}
		poll.Votes[userID] = optionID
		option.Count++
		return nil
	})
}

// EndPoll closes a poll. Ending a closed poll changes nothing.
func (m *Manager) EndPoll(ctx context.Context, sessionID, pollID, requestedBy string) (*types.Session, error) {
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		poll, err := findPoll(s, pollID)
		if err != nil {
			return err
		}
		if poll.Active {
			at := m.now().UTC()
			poll.Active = false
			poll.EndedAt = &at
		}
		return nil
	})
}

// CreateQuiz starts a quiz on its first question.
func (m *Manager) CreateQuiz(ctx context.Context, sessionID, title string, questions []*types.QuizQuestion, requestedBy string) (*types.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" || len(questions) == 0 {
		return nil, ErrInvalidQuiz
	}
	copied := make([]*types.QuizQuestion, 0, len(questions))
	for i, q := range questions {
		if q == nil || strings.TrimSpace(q.Text) == "" || len(q.Options) < 2 {
			return nil, fmt.Errorf("%w: question %d", ErrInvalidQuiz, i+1)
		}
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) || q.TimeLimitSeconds < 0 {
			return nil, fmt.Errorf("%w: question %d", ErrInvalidQuiz, i+1)
		}
		id := q.ID
		if id == "" {
			id = uuid.NewString()
		}
		copied = append(copied, &types.QuizQuestion{
			ID:               id,
			Text:             strings.TrimSpace(q.Text),
			Options:          append([]string(nil), q.Options...),
			CorrectIndex:     q.CorrectIndex,
			TimeLimitSeconds: q.TimeLimitSeconds,
			Answers:          make(map[string]int),
		})
	}

	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		s.Quizzes = append(s.Quizzes, &types.Quiz{
			ID:        uuid.NewString(),
			Title:     title,
			Questions: copied,
			Active:    true,
			CreatedAt: m.now().UTC(),
		})
		return nil
	})
}

// AnswerQuiz records an answer to the current question. Answering again
// replaces the earlier answer.
func (m *Manager) AnswerQuiz(ctx context.Context, sessionID, quizID, questionID string, answer int, userID string) (*types.Session, error) {
	return m.participantMutate(ctx, sessionID, userID, func(s *types.Session, _ *types.Participant) error {
		quiz, err := findQuiz(s, quizID)
		if err != nil {
			return err
		}
		if !quiz.Active {
			return ErrActivityClosed
		}
		current := quiz.Questions[quiz.CurrentQuestion]
		if current.ID != questionID {
			return ErrNotCurrentQuestion
		}
		if answer < 0 || answer >= len(current.Options) {
			return ErrInvalidOption
		}
		if current.Answers == nil {
			current.Answers = make(map[string]int)
		}
		current.Answers[userID] = answer
		return nil
	})
}

// NextQuizQuestion advances the quiz, ending it after the last question.
func (m *Manager) NextQuizQuestion(ctx context.Context, sessionID, quizID, requestedBy string) (*types.Session, error) {
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		quiz, err := findQuiz(s, quizID)
		if err != nil {
			return err
		}
		if !quiz.Active {
			return ErrActivityClosed
		}
		if quiz.CurrentQuestion < len(quiz.Questions)-1 {
			quiz.CurrentQuestion++
			return nil
		}
		at := m.now().UTC()
		quiz.Active = false
		quiz.EndedAt = &at
		return nil
	})
}

// EndQuiz closes a quiz early. Ending a closed quiz changes nothing.
func (m *Manager) EndQuiz(ctx context.Context, sessionID, quizID, requestedBy string) (*types.Session, error) {
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		quiz, err := findQuiz(s, quizID)
		if err != nil {
			return err
		}
		if quiz.Active {
			at := m.now().UTC()
			quiz.Active = false
			quiz.EndedAt = &at
		}
		return nil
	})
}

// CreateBreakoutRooms replaces any existing rooms. Every assigned user must
// be a participant and may sit in one room only.
func (m *Manager) CreateBreakoutRooms(ctx context.Context, sessionID string, rooms []*types.BreakoutRoom, requestedBy string) (*types.Session, error) {
	if len(rooms) == 0 {
		return nil, ErrInvalidBreakout
	}
	for _, room := range rooms {
		if room == nil || strings.TrimSpace(room.Name) == "" {
			return nil, ErrInvalidBreakout
		}
	}

	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		assigned := make(map[string]string)
		created := make([]*types.BreakoutRoom, 0, len(rooms))
		for _, room := range rooms {
			r := &types.BreakoutRoom{
				ID:             uuid.NewString(),
				Name:           strings.TrimSpace(room.Name),
				ParticipantIDs: make([]string, 0, len(room.ParticipantIDs)),
			}
			for _, userID := range room.ParticipantIDs {
				if !s.HasParticipant(userID) {
					return fmt.Errorf("%w: %s is not a participant", ErrInvalidBreakout, userID)
				}
				if _, taken := assigned[userID]; taken {
					return fmt.Errorf("%w: %s is assigned twice", ErrInvalidBreakout, userID)
				}
				assigned[userID] = r.ID
				r.ParticipantIDs = append(r.ParticipantIDs, userID)
			}
			created = append(created, r)
		}

		for _, p := range s.Participants() {
			p.BreakoutRoomID = assigned[p.UserID]
		}
		s.BreakoutRooms = created
		return nil
	})
}

// CloseBreakoutRooms brings everyone back to the main room.
func (m *Manager) CloseBreakoutRooms(ctx context.Context, sessionID, requestedBy string) (*types.Session, error) {
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		for _, p := range s.Participants() {
			p.BreakoutRoomID = ""
		}
		s.BreakoutRooms = nil
		return nil
	})
}

// AwardReward adds points and an optional badge to a participant. A badge
// is held at most once.
func (m *Manager) AwardReward(ctx context.Context, sessionID, targetID string, points int, badge, requestedBy string) (*types.Session, error) {
	badge = strings.TrimSpace(badge)
	if points < 0 || (points == 0 && badge == "") {
		return nil, ErrInvalidReward
	}
	return m.hostMutate(ctx, sessionID, requestedBy, func(s *types.Session) error {
		p, ok := s.Participant(targetID)
		if !ok {
			return ErrParticipantNotFound
		}
		p.Points += points
		if badge != "" && !contains(p.Badges, badge) {
			p.Badges = append(p.Badges, badge)
		}
		return nil
	})
}

func findPoll(s *types.Session, pollID string) (*types.Poll, error) {
	for _, p := range s.Polls {
		if p.ID == pollID {
			return p, nil
		}
	}
	return nil, ErrPollNotFound
}

func findOption(p *types.Poll, optionID string) *types.PollOption {
	for _, o := range p.Options {
		if o.ID == optionID {
			return o
		}
	}
	return nil
}

func findQuiz(s *types.Session, quizID string) (*types.Quiz, error) {
	for _, q := range s.Quizzes {
		if q.ID == quizID {
			if q.CurrentQuestion < 0 || q.CurrentQuestion >= len(q.Questions) {
				return nil, ErrInvalidQuiz
			}
			return q, nil
		}
	}
	return nil, ErrQuizNotFound
}
