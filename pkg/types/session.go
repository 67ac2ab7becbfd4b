package types

import (
	"encoding/json"
	"fmt"
)

// IsActive reports whether the session has not been ended.
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// AddParticipant appends p to the display order. It returns false and leaves
// the session untouched when the user is already a participant.
func (s *Session) AddParticipant(p *Participant) bool {
	if p == nil || p.UserID == "" {
		return false
	}
	if s.participants == nil {
		s.participants = make(map[string]*Participant)
	}
	if _, exists := s.participants[p.UserID]; exists {
		return false
	}
	if p.Badges == nil {
		p.Badges = []string{}
	}
	s.participants[p.UserID] = p
	s.order = append(s.order, p.UserID)
	return true
}

// Participant returns the participant entry for userID.
func (s *Session) Participant(userID string) (*Participant, bool) {
	p, ok := s.participants[userID]
	return p, ok
}

func (s *Session) HasParticipant(userID string) bool {
	_, ok := s.participants[userID]
	return ok
}

func (s *Session) ParticipantCount() int {
	return len(s.order)
}

// Participants returns the entries in display order.
func (s *Session) Participants() []*Participant {
	out := make([]*Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.participants[id])
	}
	return out
}

// ParticipantIDs returns user IDs in display order.
func (s *Session) ParticipantIDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// RemoveParticipant drops userID along with every reference to it: raised
// hands, spotlight and breakout room membership.
func (s *Session) RemoveParticipant(userID string) bool {
	if _, ok := s.participants[userID]; !ok {
		return false
	}
	delete(s.participants, userID)
	s.order = without(s.order, userID)
	s.RaisedHands = without(s.RaisedHands, userID)
	if s.SpotlightedParticipantID == userID {
		s.SpotlightedParticipantID = ""
	}
	for _, room := range s.BreakoutRooms {
		room.ParticipantIDs = without(room.ParticipantIDs, userID)
	}
	return true
}

// MoveParticipant moves the entry at from to position to.
func (s *Session) MoveParticipant(from, to int) error {
	n := len(s.order)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("%w: participant index out of range (have %d)", ErrInvalidInput, n)
	}
	if from == to {
		return nil
	}
	id := s.order[from]
	rest := append(s.order[:from:from], s.order[from+1:]...)
	reordered := make([]string, 0, n)
	reordered = append(reordered, rest[:to]...)
	reordered = append(reordered, id)
	reordered = append(reordered, rest[to:]...)
	s.order = reordered
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// MarshalJSON writes participants as an ordered list.
func (s *Session) MarshalJSON() ([]byte, error) {
	type plain Session
	return json.Marshal(struct {
		*plain
		Participants []*Participant `json:"participants"`
	}{
		plain:        (*plain)(s),
		Participants: s.Participants(),
	})
}

// UnmarshalJSON rebuilds the participant map. Repeated user IDs keep the
// first entry.
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	aux := struct {
		*plain
		Participants []*Participant `json:"participants"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.participants = nil
	s.order = nil
	for _, p := range aux.Participants {
		s.AddParticipant(p)
	}
	return nil
}

// Clone returns a deep copy through the JSON encoding.
func (s *Session) Clone() (*Session, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
