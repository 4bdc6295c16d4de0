package event

// FrameType 是 WebSocket 控制帧类型。
type FrameType string

const (
	FrameSubscribe    FrameType = "subscribe"
	FrameUnsubscribe  FrameType = "unsubscribe"
	FramePing         FrameType = "ping"
	FrameEvent        FrameType = "event"
	FrameSubscribed   FrameType = "subscribed"
	FrameUnsubscribed FrameType = "unsubscribed"
	FrameError        FrameType = "error"
	FramePong         FrameType = "pong"
)

// Frame is one JSON message on the /ws socket, in either direction.
type Frame struct {
	Type  FrameType `json:"type"`
	Topic string    `json:"topic,omitempty"`
	Event *Event    `json:"event,omitempty"`
	Error string    `json:"error,omitempty"`
}
