package store

import (
	"fmt"
	"strings"
	"time"
)

func conversationKey(id string) []byte {
	return []byte("c/" + id)
}

func pairKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte("cp/" + a + "|" + b)
}

func membershipPrefix(userID string) string {
	return "uc/" + userID + "/"
}

func membershipKey(userID, conversationID string) []byte {
	return []byte(membershipPrefix(userID) + conversationID)
}

func messagePrefix(conversationID string) string {
	return "m/" + conversationID + "/"
}

// messageKey zero-pads the timestamp so lexical order equals (created_at, id).
func messageKey(conversationID string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", messagePrefix(conversationID), createdAt.UnixNano(), id))
}

func messageIndexKey(id string) []byte {
	return []byte("mi/" + id)
}

func receiptKey(messageID, readerID string) []byte {
	return []byte("r/" + messageID + "/" + readerID)
}

// conversationFromMembership extracts the conversation id from a uc/ key.
func conversationFromMembership(key []byte, userID string) string {
	return strings.TrimPrefix(string(key), membershipPrefix(userID))
}
