// internal/models/message.go
package models

import "time"

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
	DirectionFailed   Direction = "failed"
)

// Source records which update path produced a message instance.
type Source string

const (
	SourcePush       Source = "push"
	SourcePoll       Source = "poll"
	SourceOptimistic Source = "optimistic"
)

// Message is the canonical shape every update source is normalized into.
// No downstream component ever sees a raw push or poll payload.
type Message struct {
	ID             string    `json:"id"`
	LeadID         string    `json:"leadId"`
	Channel        Channel   `json:"channel"`
	Direction      Direction `json:"direction"`
	Content        string    `json:"content"`
	Subject        string    `json:"subject,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	DeliveryStatus string    `json:"deliveryStatus,omitempty"`
	ReadState      ReadState `json:"readState"`
	Source         Source    `json:"sourceEvent"`

	// Provisional marks a client-synthesized id carried until the
	// authoritative server id is known.
	Provisional bool `json:"provisional,omitempty"`
}

// Received reports whether the message counts toward unread totals.
func (m *Message) Received() bool {
	return m.Direction == DirectionReceived
}

// Unread reports whether the message is a received message still unread.
func (m *Message) Unread() bool {
	return m.Received() && m.ReadState == ReadStateUnread
}

func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// Conversation groups messages per counterpart (lead). Messages are kept in
// timestamp order; insertion order is irrelevant.
type Conversation struct {
	LeadID      string     `json:"leadId"`
	Messages    []*Message `json:"messages"`
	UnreadCount int        `json:"unreadCount"`
	LastMessage *Message   `json:"lastMessage,omitempty"`
}
