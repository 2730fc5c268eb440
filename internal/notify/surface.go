// internal/notify/surface.go

// Package notify exposes unread badge state and the bounded "recent
// notifications" view to the UI. The view is derived from the conversation
// aggregator on every read; nothing here duplicates conversation state.
package notify

import (
	"context"
	"time"

	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/conversation"
	"crm-message-sync/internal/models"
	"crm-message-sync/internal/readstate"
)

// Notification is one entry of the recent-notifications list.
type Notification struct {
	MessageID string         `json:"messageId"`
	LeadID    string         `json:"leadId"`
	Channel   models.Channel `json:"channel"`
	Content   string         `json:"content"`
	Subject   string         `json:"subject,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Read      bool           `json:"read"`
}

type Surface struct {
	agg       *conversation.Aggregator
	store     *readstate.Store
	cap       int
	retention time.Duration
	log       logger.Logger
	now       func() time.Time

	lastSeen time.Time
}

func NewSurface(agg *conversation.Aggregator, store *readstate.Store, cap int,
	retention time.Duration, log logger.Logger) *Surface {

	return &Surface{
		agg:       agg,
		store:     store,
		cap:       cap,
		retention: retention,
		log:       log.WithFields(map[string]interface{}{"component": "notify"}),
		now:       time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Surface) SetClock(now func() time.Time) {
	s.now = now
}

// Load restores the last-seen timestamp from the persisted store.
func (s *Surface) Load(ctx context.Context) error {
	seen, err := s.store.LastSeen(ctx)
	if err != nil {
		return err
	}
	s.lastSeen = seen
	return nil
}

// Recent renders the notification projection: the cap most-recent received
// messages, newest first. Optimistically pending entries render as read so
// the UI reflects a mark-read immediately.
func (s *Surface) Recent() []Notification {
	msgs := s.agg.Projection(s.cap, s.retention, s.now())
	out := make([]Notification, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Notification{
			MessageID: m.ID,
			LeadID:    m.LeadID,
			Channel:   m.Channel,
			Content:   m.Content,
			Subject:   m.Subject,
			Timestamp: m.Timestamp,
			Read:      m.ReadState == models.ReadStateRead || m.ReadState == models.ReadStatePending,
		})
	}
	return out
}

// VisibleUnreadIDs returns the ids behind "mark all as read".
func (s *Surface) VisibleUnreadIDs() []string {
	var ids []string
	for _, n := range s.Recent() {
		if !n.Read {
			ids = append(ids, n.MessageID)
		}
	}
	return ids
}

// UnreadBadge is the total unread count across conversations.
func (s *Surface) UnreadBadge() int {
	return s.agg.UnreadTotal()
}

// NewSinceLastSeen counts projection entries newer than the last time the
// user looked at the notification list; it survives restarts.
func (s *Surface) NewSinceLastSeen() int {
	count := 0
	for _, n := range s.Recent() {
		if n.Timestamp.After(s.lastSeen) {
			count++
		}
	}
	return count
}

// MarkSeen stamps and persists the last-seen timestamp.
func (s *Surface) MarkSeen(ctx context.Context) error {
	s.lastSeen = s.now()
	return s.store.SetLastSeen(ctx, s.lastSeen)
}

// Prune drops entries older than the retention window from the underlying
// conversations, regardless of read state. Run hourly by the session.
func (s *Surface) Prune() int {
	pruned := s.agg.Prune(s.retention, s.now())
	if pruned > 0 {
		s.log.Info("pruned expired messages", map[string]interface{}{"count": pruned})
	}
	return pruned
}
