package domain

import "time"

// EventKind distinguishes ordinary chat messages from control traffic.
type EventKind string

const (
	EventText    EventKind = "text"
	EventControl EventKind = "control"
)

// InboundMessage is one event received from a chat channel.
type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Kind      EventKind
	Timestamp time.Time
}

// Turn is one inbound message cycle: the payload, the conversation it belongs
// to, and the transport needed to answer. Created when an inbound event
// arrives, consumed exactly once by the mailbox scheduler, never mutated.
type Turn struct {
	Msg       InboundMessage
	Transport Transport
}

// UserID returns the partition key a Turn is ordered under.
func (t Turn) UserID() string { return t.Msg.SenderID }
