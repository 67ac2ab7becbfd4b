package interfaces

import (
	"context"

	"livesession/pkg/types"
)

// SessionManager is the Session Lifecycle Controller. Every mutation of live
// session state goes through it; transport code never touches the store.
// Mutations return the updated session so callers can fan the new state out.
type SessionManager interface {
	CreateSession(ctx context.Context, req *types.SessionRequest) (*types.Session, error)

	// GetSession returns ACTIVE sessions only; anything else is not found.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	ListSessionsFor(ctx context.Context, userID string) ([]*types.Session, error)

	EndSession(ctx context.Context, sessionID, requestedBy string) (*types.Session, error)

	// Host-only participant moderation
	ToggleMute(ctx context.Context, sessionID, targetID, requestedBy string) (*types.Session, error)
	SetMuteAll(ctx context.Context, sessionID string, muted bool, requestedBy string) (*types.Session, error)
	ToggleSpotlight(ctx context.Context, sessionID, targetID, requestedBy string) (*types.Session, error)
	RemoveParticipant(ctx context.Context, sessionID, targetID, requestedBy string) (*types.Session, error)
	AddParticipant(ctx context.Context, sessionID, userID, role, requestedBy string) (*types.Session, error)
	MoveParticipant(ctx context.Context, sessionID string, from, to int, requestedBy string) (*types.Session, error)
	ClearRaisedHands(ctx context.Context, sessionID, requestedBy string) (*types.Session, error)
	AwardReward(ctx context.Context, sessionID, targetID string, points int, badge, requestedBy string) (*types.Session, error)

	// Self-service
	RaiseHand(ctx context.Context, sessionID, userID string) (*types.Session, error)
	LowerHand(ctx context.Context, sessionID, userID string) (*types.Session, error)
	AddMessage(ctx context.Context, sessionID, authorID, content string) (*types.ChatMessage, error)
	GetMessages(ctx context.Context, sessionID, requestedBy string) ([]*types.ChatMessage, error)

	// Activities
	CreatePoll(ctx context.Context, sessionID, question string, options []string, requestedBy string) (*types.Session, error)
	VotePoll(ctx context.Context, sessionID, pollID, optionID, userID string) (*types.Session, error)
	EndPoll(ctx context.Context, sessionID, pollID, requestedBy string) (*types.Session, error)
	CreateQuiz(ctx context.Context, sessionID, title string, questions []*types.QuizQuestion, requestedBy string) (*types.Session, error)
	AnswerQuiz(ctx context.Context, sessionID, quizID, questionID string, answer int, userID string) (*types.Session, error)
	NextQuizQuestion(ctx context.Context, sessionID, quizID, requestedBy string) (*types.Session, error)
	EndQuiz(ctx context.Context, sessionID, quizID, requestedBy string) (*types.Session, error)
	CreateBreakoutRooms(ctx context.Context, sessionID string, rooms []*types.BreakoutRoom, requestedBy string) (*types.Session, error)
	CloseBreakoutRooms(ctx context.Context, sessionID, requestedBy string) (*types.Session, error)

	// MarkPresence mirrors a user's connectivity onto their participant entries.
	MarkPresence(ctx context.Context, userID string, online bool) error
}
