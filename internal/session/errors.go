package session

import (
	"errors"
	"fmt"

	"livesession/pkg/types"
)

// Session errors. Each wraps a taxonomy sentinel so transports can map it.
var (
	ErrInvalidTitle        = fmt.Errorf("%w: session title must be 1-200 characters", types.ErrInvalidInput)
	ErrInvalidHost         = fmt.Errorf("%w: host must be a valid user ID", types.ErrInvalidInput)
	ErrEmptyParticipants   = fmt.Errorf("%w: participant list cannot be empty", types.ErrInvalidInput)
	ErrInvalidParticipant  = fmt.Errorf("%w: invalid participant user ID", types.ErrInvalidInput)
	ErrHostNotRemovable    = fmt.Errorf("%w: the host cannot be removed", types.ErrInvalidInput)
	ErrInvalidMessage      = fmt.Errorf("%w: message must be 1-2000 characters", types.ErrInvalidInput)
	ErrInvalidPoll         = fmt.Errorf("%w: a poll needs a question and 2-10 options", types.ErrInvalidInput)
	ErrInvalidOption       = fmt.Errorf("%w: unknown option", types.ErrInvalidInput)
	ErrInvalidQuiz         = fmt.Errorf("%w: invalid quiz", types.ErrInvalidInput)
	ErrNotCurrentQuestion  = fmt.Errorf("%w: question is not the current one", types.ErrInvalidInput)
	ErrInvalidBreakout     = fmt.Errorf("%w: invalid breakout room assignment", types.ErrInvalidInput)
	ErrInvalidReward       = fmt.Errorf("%w: a reward needs positive points or a badge", types.ErrInvalidInput)
	ErrSessionNotFound     = fmt.Errorf("session %w", types.ErrNotFound)
	ErrParticipantNotFound = fmt.Errorf("participant %w", types.ErrNotFound)
	ErrPollNotFound        = fmt.Errorf("poll %w", types.ErrNotFound)
	ErrQuizNotFound        = fmt.Errorf("quiz %w", types.ErrNotFound)
	ErrNotHost             = fmt.Errorf("%w: only the session host may do this", types.ErrForbidden)
	ErrNotParticipant      = fmt.Errorf("%w: not a participant of this session", types.ErrForbidden)
	ErrHostBusy            = fmt.Errorf("%w: host already runs an active session for this class", types.ErrConflict)
	ErrParticipantBusy     = fmt.Errorf("%w: user already participates in another active session", types.ErrConflict)
	ErrActivityClosed      = fmt.Errorf("%w: activity is closed", types.ErrConflict)
)

var taxonomy = []error{
	types.ErrUnauthorized,
	types.ErrForbidden,
	types.ErrNotFound,
	types.ErrInvalidInput,
	types.ErrConflict,
	types.ErrUpstream,
}

// classify leaves taxonomy errors untouched and reports anything else, such
// as a store or driver failure, as an upstream failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range taxonomy {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", types.ErrUpstream, err)
}
