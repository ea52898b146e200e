package chat

import "time"

// Session is the per-pair summary shown in each participant's inbox.
type Session struct {
	Key             ConversationKey    `json:"conversation_key"`
	Participants    [2]string          `json:"participants"`
	LastMessage     string             `json:"last_message"`
	LastMessageAt   time.Time          `json:"last_message_at"`
	LastSeq         int64              `json:"last_seq"`
	Unread          map[string]int     `json:"unread"`
	DeletedFor      map[string]bool    `json:"deleted_for"`
	ParticipantData map[string]Profile `json:"participant_data"`
}

// UnreadFor returns the unread count of userID, never negative.
func (s Session) UnreadFor(userID string) int {
	if n := s.Unread[userID]; n > 0 {
		return n
	}
	return 0
}

// HiddenFor reports whether userID soft-deleted the session.
func (s Session) HiddenFor(userID string) bool {
	return s.DeletedFor[userID]
}

// Peer returns the other participant of the session.
func (s Session) Peer(userID string) string {
	if s.Participants[0] == userID {
		return s.Participants[1]
	}
	return s.Participants[0]
}

// clone returns a deep copy so callers never share maps with a store.
func (s Session) clone() Session {
	out := s
	out.Unread = make(map[string]int, len(s.Unread))
	for k, v := range s.Unread {
		out.Unread[k] = v
	}
	out.DeletedFor = make(map[string]bool, len(s.DeletedFor))
	for k, v := range s.DeletedFor {
		out.DeletedFor[k] = v
	}
	out.ParticipantData = make(map[string]Profile, len(s.ParticipantData))
	for k, v := range s.ParticipantData {
		out.ParticipantData[k] = v
	}
	return out
}

// touch applies a send to the session: preview, timestamps, unread counters,
// visibility and the sender's cached profile.
func (s *Session) touch(msg Message, receiverID string, sender Profile) {
	s.LastMessage = msg.Preview()
	s.LastMessageAt = msg.CreatedAt
	s.LastSeq = msg.Seq
	s.Unread[receiverID]++
	s.Unread[msg.SenderID] = 0
	// A new message un-hides the conversation for both sides.
	delete(s.DeletedFor, msg.SenderID)
	delete(s.DeletedFor, receiverID)
	s.ParticipantData[msg.SenderID] = sender
}
