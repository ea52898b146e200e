package chat

import (
	"fmt"
	"strings"
)

// keySeparator joins the two escaped participant ids of a ConversationKey.
const keySeparator = "_"

var (
	idEscaper   = strings.NewReplacer("%", "%25", "_", "%5F")
	idUnescaper = strings.NewReplacer("%5F", "_", "%25", "%")
)

// ConversationKey addresses the message log and session record of exactly one
// unordered pair of users.
type ConversationKey string

// Resolve returns the conversation key for two users. The result does not
// depend on argument order.
func Resolve(userA, userB string) ConversationKey {
	a, b := idEscaper.Replace(userA), idEscaper.Replace(userB)
	if b < a {
		a, b = b, a
	}
	return ConversationKey(a + keySeparator + b)
}

// Participants decodes the two user ids the key was resolved from, in key
// order.
func (k ConversationKey) Participants() (string, string, error) {
	parts := strings.Split(string(k), keySeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("chat: malformed conversation key %q", string(k))
	}
	return idUnescaper.Replace(parts[0]), idUnescaper.Replace(parts[1]), nil
}

// Includes reports whether userID is one of the two participants.
func (k ConversationKey) Includes(userID string) bool {
	a, b, err := k.Participants()
	if err != nil {
		return false
	}
	return userID == a || userID == b
}

// Peer returns the other participant. ok is false if userID is not part of
// the conversation.
func (k ConversationKey) Peer(userID string) (peer string, ok bool) {
	a, b, err := k.Participants()
	if err != nil {
		return "", false
	}
	switch userID {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}

// Valid reports whether the key decodes to two participants.
func (k ConversationKey) Valid() bool {
	_, _, err := k.Participants()
	return err == nil
}

func (k ConversationKey) String() string { return string(k) }
