package rsmq

import "time"

const (
	DefaultVisibilityTimeout = 30
	DefaultDelay             = 0
	UnlimitedSize            = -1
)

// Message is a claimed message.
type Message struct {
	ID   string
	Body []byte
	// ReceiveCount is how many times the message has been claimed.
	ReceiveCount int64
	// FirstReceived is the visibility deadline assigned by the first claim.
	FirstReceived time.Time
	// Sent is the enqueue time recovered from the id.
	Sent time.Time
}

// QueueAttributes is a snapshot of a queue's configuration and counters.
// Msgs and HiddenMsgs are computed from the message set at read time.
type QueueAttributes struct {
	VisibilityTimeout int
	Delay             int
	MaxSize           int
	TotalReceived     int64
	TotalSent         int64
	Created           time.Time
	Modified          time.Time
	Msgs              int64
	HiddenMsgs        int64
}

type EventType string

const (
	EventSent         EventType = "sent"
	EventReceived     EventType = "received"
	EventPopped       EventType = "popped"
	EventDeleted      EventType = "deleted"
	EventVisibility   EventType = "visibility"
	EventQueueCreated EventType = "queue_created"
	EventQueueDeleted EventType = "queue_deleted"
)

type Event struct {
	Type      EventType         `json:"type"`
	Queue     string            `json:"queue"`
	MessageID string            `json:"message_id,omitempty"`
	AtUnixMs  int64             `json:"at_unix_ms"`
	Extra     map[string]string `json:"extra,omitempty"`
}
