// internal/dedup/resolver.go

// Package dedup decides whether an incoming canonical Message is new or a
// duplicate of one already known. Push and poll frequently report the same
// logical message under different provisional ids before the authoritative
// server id is known, so identity is composite, not just id equality.
package dedup

import (
	"strings"
	"time"

	"crm-message-sync/internal/models"
)

// ContentTruncateLen bounds normalized-content comparison; SMS segments and
// email previews beyond this add no identity signal.
const ContentTruncateLen = 160

type Resolver struct {
	window time.Duration
}

func NewResolver(window time.Duration) *Resolver {
	return &Resolver{window: window}
}

// Same reports whether a and b are identity-equal: matching canonical ids,
// or matching lead/channel/direction plus normalized content within the
// dedup window.
func (r *Resolver) Same(a, b *models.Message) bool {
	if a == nil || b == nil {
		return false
	}
	if a.ID == b.ID {
		return true
	}
	if a.LeadID != b.LeadID || a.Channel != b.Channel || a.Direction != b.Direction {
		return false
	}
	if NormalizeContent(a.Content) != NormalizeContent(b.Content) {
		return false
	}
	delta := a.Timestamp.Sub(b.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	return delta <= r.window
}

// Merge folds incoming into existing. It is idempotent: merging an identical
// message is a no-op. Returns true when any observable field changed.
//
// Rules:
//   - a server-confirmed id always replaces a provisional one
//   - the existing (typically push-sourced, live) instance keeps precedence;
//     incoming only fills gaps (subject, delivery status)
//   - read state resolves by priority: local ack in flight > persisted read
//     set > poll/push-reported flag > default unread. Poll outranking push
//     collapses into the monotonic rule: a read claim from either source
//     sticks, and nothing reverts read to unread.
func (r *Resolver) Merge(existing, incoming *models.Message, persistedRead bool) bool {
	changed := false

	if existing.Provisional && !incoming.Provisional {
		existing.ID = incoming.ID
		existing.Provisional = false
		changed = true
	}
	if existing.Subject == "" && incoming.Subject != "" {
		existing.Subject = incoming.Subject
		changed = true
	}
	if incoming.DeliveryStatus != "" && existing.DeliveryStatus != incoming.DeliveryStatus {
		existing.DeliveryStatus = incoming.DeliveryStatus
		changed = true
	}

	if next := resolveReadState(existing, incoming, persistedRead); next != existing.ReadState {
		existing.ReadState = next
		changed = true
	}
	return changed
}

// ResolveReadState applies the source-priority rule for a fresh message that
// has no live instance yet.
func ResolveReadState(incoming *models.Message, persistedRead bool) models.ReadState {
	if persistedRead {
		return models.ReadStateRead
	}
	return incoming.ReadState
}

func resolveReadState(existing, incoming *models.Message, persistedRead bool) models.ReadState {
	switch existing.ReadState {
	case models.ReadStateRemoved:
		return models.ReadStateRemoved
	case models.ReadStateRead:
		// Terminal; no source reverts it.
		return models.ReadStateRead
	case models.ReadStatePending:
		// A local acknowledgment is in flight and outranks any report.
		return models.ReadStatePending
	}
	if persistedRead {
		return models.ReadStateRead
	}
	if incoming.ReadState == models.ReadStateRead {
		return models.ReadStateRead
	}
	return existing.ReadState
}

// NormalizeContent collapses whitespace, case-folds and truncates content
// for identity comparison.
func NormalizeContent(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	if len(s) > ContentTruncateLen {
		s = s[:ContentTruncateLen]
	}
	return s
}
