package chat

import "time"

// Conversation 一对一私信会话，创建后不可变。
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participantA"`
	ParticipantB string    `json:"participantB"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID is one of the two members.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Partner 返回 viewer 之外的另一位参与者；viewer 不在会话中时返回空字符串。
func (c Conversation) Partner(viewer string) string {
	switch viewer {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}
