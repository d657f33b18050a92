package matrix

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// NewTextMessage creates an m.text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: "m.text", Body: body}
}

// SendEventResponse is returned by the send endpoint.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// Event is a room event from /sync.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
}

// SyncResponse is the subset of /sync the watcher reads.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups rooms by membership.
type RoomsSection struct {
	Join map[string]JoinedRoom `json:"join"`
}

// JoinedRoom holds the timeline of a joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
}

// TimelineSection contains timeline events.
type TimelineSection struct {
	Events []Event `json:"events"`
}
