package chat

import "time"

// PresenceFreshness 在线状态的有效窗口，超出即视为离线（浏览器可能未发送下线信号）。
const PresenceFreshness = 5 * time.Minute

// Presence is the single, continuously overwritten liveness row of a user.
type Presence struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// EffectivelyOnline reports IsOnline and a LastSeen within PresenceFreshness of now.
func (p Presence) EffectivelyOnline(now time.Time) bool {
	if !p.IsOnline || p.LastSeen.IsZero() {
		return false
	}
	return now.Sub(p.LastSeen) <= PresenceFreshness
}
