package types

import (
	"fmt"
	"regexp"
	"strings"
)

// FUNCTIONAL DISCOVERY: identity providers issue IDs such as "user_2Nc..." or
// cuid strings; anything outside this alphabet is rejected at the boundary.
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidSessionType accepts CLASS and MEETING.
func IsValidSessionType(t string) bool {
	return t == SessionTypeClass || t == SessionTypeMeeting
}

// NormalizeSessionType upper-cases t and defaults an empty value to CLASS.
func NormalizeSessionType(t string) (string, error) {
	if t == "" {
		return SessionTypeClass, nil
	}
	t = strings.ToUpper(t)
	if !IsValidSessionType(t) {
		return "", fmt.Errorf("%w: session type must be CLASS or MEETING", ErrInvalidInput)
	}
	return t, nil
}
