// internal/ingest/events.go
package ingest

import (
	"encoding/json"
	"time"
)

// Push-channel topics. The legacy lead-update event and the consolidated
// message-received event carry differently shaped payloads but normalize to
// the same canonical Message.
const (
	EventLeadUpdated     = "lead_updated"
	EventMessageReceived = "message_received"
	EventMessageRead     = "message_read"
)

// Envelope is the wire frame of every push-channel event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// messageReceivedPayload is the consolidated push event shape.
type messageReceivedPayload struct {
	MessageID      string `json:"messageId,omitempty"`
	LeadID         string `json:"leadId,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
	Channel        string `json:"channel"`
	Direction      string `json:"direction,omitempty"`
	Content        string `json:"content"`
	Subject        string `json:"subject,omitempty"`
	Timestamp      string `json:"timestamp"`
	DeliveryStatus string `json:"deliveryStatus,omitempty"`
	Read           bool   `json:"read,omitempty"`
}

// leadUpdatedPayload is the legacy push event: a generic lead update with an
// embedded message-history array.
type leadUpdatedPayload struct {
	LeadID         string         `json:"leadId,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	Email          string         `json:"email,omitempty"`
	MessageHistory []historyEntry `json:"messageHistory"`
}

type historyEntry struct {
	MessageID      string `json:"messageId,omitempty"`
	Channel        string `json:"channel"`
	Direction      string `json:"direction,omitempty"`
	Content        string `json:"content"`
	Subject        string `json:"subject,omitempty"`
	Timestamp      string `json:"timestamp"`
	DeliveryStatus string `json:"deliveryStatus,omitempty"`
	Read           bool   `json:"read,omitempty"`
}

// messageReadPayload is the read acknowledgment echoed by other clients.
type messageReadPayload struct {
	MessageID string `json:"messageId"`
}

// RawMessage is one row of the poll-channel list response.
type RawMessage struct {
	ID             string    `json:"id"`
	LeadID         string    `json:"leadId,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Email          string    `json:"email,omitempty"`
	Channel        string    `json:"channel"`
	Direction      string    `json:"direction"`
	Content        string    `json:"content"`
	Subject        string    `json:"subject,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	DeliveryStatus string    `json:"deliveryStatus,omitempty"`
	Read           bool      `json:"read"`
}

// PollMeta carries the cursor of a poll batch. Servers report it as either
// "latestCreatedAt" or "since" depending on version.
type PollMeta struct {
	LatestCreatedAt string `json:"latestCreatedAt,omitempty"`
	Since           string `json:"since,omitempty"`
}

// Cursor returns the effective cursor value of the batch.
func (m PollMeta) Cursor() string {
	if m.LatestCreatedAt != "" {
		return m.LatestCreatedAt
	}
	return m.Since
}

// PollResponse is the body of GET /messages.
type PollResponse struct {
	Messages []RawMessage `json:"messages"`
	Meta     PollMeta     `json:"meta"`
}
