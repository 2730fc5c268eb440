// internal/conversation/aggregator.go

// Package conversation groups canonical Messages per counterpart (lead),
// tracks unread counts and produces the bounded notification projection.
// All state here is owned by the session event loop; no locking.
package conversation

import (
	"sort"
	"time"

	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/dedup"
	"crm-message-sync/internal/models"
)

// ReadChecker is the slice of the read-state store the aggregator consults
// for authoritative read flags.
type ReadChecker interface {
	IsRead(id string) bool
}

type Aggregator struct {
	resolver *dedup.Resolver
	reads    ReadChecker
	log      logger.Logger

	convs map[string]*models.Conversation
	byID  map[string]*models.Message
	alias map[string]string // current id -> provisional id still indexed
}

func NewAggregator(resolver *dedup.Resolver, reads ReadChecker, log logger.Logger) *Aggregator {
	return &Aggregator{
		resolver: resolver,
		reads:    reads,
		log:      log.WithFields(map[string]interface{}{"component": "conversation"}),
		convs:    make(map[string]*models.Conversation),
		byID:     make(map[string]*models.Message),
		alias:    make(map[string]string),
	}
}

// Apply merges one canonical Message into live state. Returns true when the
// observable state changed (a duplicate of an already-known message applied
// twice changes nothing).
func (a *Aggregator) Apply(m *models.Message) bool {
	if m == nil {
		return false
	}

	if existing := a.find(m); existing != nil {
		if existing.ReadState == models.ReadStateRemoved {
			// Dismissed items do not resurrect.
			return false
		}
		prevID := existing.ID
		changed := a.resolver.Merge(existing, m, a.reads.IsRead(m.ID) || a.reads.IsRead(existing.ID))
		if existing.ID != prevID {
			// Canonical id adopted; index both so later lookups by the
			// provisional id still land on the same instance, and remember
			// the alias so removal drops both keys.
			a.byID[existing.ID] = existing
			a.alias[existing.ID] = prevID
		}
		if changed {
			a.recompute(a.convs[existing.LeadID])
		}
		return changed
	}

	fresh := m.Clone()
	fresh.ReadState = dedup.ResolveReadState(fresh, a.reads.IsRead(fresh.ID))

	conv := a.convs[fresh.LeadID]
	if conv == nil {
		conv = &models.Conversation{LeadID: fresh.LeadID}
		a.convs[fresh.LeadID] = conv
	}
	conv.Messages = insertByTime(conv.Messages, fresh)
	a.byID[fresh.ID] = fresh
	a.recompute(conv)
	return true
}

// MergeBatch applies a freshly polled batch. Per-message precedence is
// handled by Apply/Merge: a live push-sourced instance wins over its polled
// duplicate, and a server-confirmed id wins over a provisional one.
func (a *Aggregator) MergeBatch(msgs []*models.Message) (applied int) {
	for _, m := range msgs {
		if a.Apply(m) {
			applied++
		}
	}
	return applied
}

// Get returns the live message for id (canonical or provisional), if known.
func (a *Aggregator) Get(id string) *models.Message {
	return a.byID[id]
}

// SetReadState drives the per-message state machine for the mark-read flow.
// Illegal transitions are refused.
func (a *Aggregator) SetReadState(id string, to models.ReadState) bool {
	m := a.byID[id]
	if m == nil {
		return false
	}
	next, err := models.Transition(m.ReadState, to)
	if err != nil {
		a.log.Warn("refused read-state transition", map[string]interface{}{
			"messageId": id,
			"from":      string(m.ReadState),
			"to":        string(to),
		})
		return false
	}
	m.ReadState = next
	a.recompute(a.convs[m.LeadID])
	return true
}

// MarkReadRemote applies a read acknowledged elsewhere (another client's
// push echo, or the persisted store at ingest). Terminal and removed states
// are left alone.
func (a *Aggregator) MarkReadRemote(id string) bool {
	m := a.byID[id]
	if m == nil {
		return false
	}
	if m.ReadState == models.ReadStateRead || m.ReadState == models.ReadStateRemoved {
		return false
	}
	m.ReadState = models.ReadStateRead
	a.recompute(a.convs[m.LeadID])
	return true
}

// Remove drops a message from its conversation (dismissal or remote 404).
// Removal never un-reads anything already persisted as read.
func (a *Aggregator) Remove(id string) bool {
	m := a.byID[id]
	if m == nil {
		return false
	}
	conv := a.convs[m.LeadID]
	if conv != nil {
		for i, mm := range conv.Messages {
			if mm == m {
				conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
				break
			}
		}
		a.recompute(conv)
		if len(conv.Messages) == 0 {
			delete(a.convs, conv.LeadID)
		}
	}
	a.dropIndex(m)
	return true
}

// Conversation returns the conversation for a lead, or nil.
func (a *Aggregator) Conversation(leadID string) *models.Conversation {
	return a.convs[leadID]
}

// Conversations returns all conversations, most recent activity first.
func (a *Aggregator) Conversations() []*models.Conversation {
	out := make([]*models.Conversation, 0, len(a.convs))
	for _, c := range a.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		var ti, tj time.Time
		if out[i].LastMessage != nil {
			ti = out[i].LastMessage.Timestamp
		}
		if out[j].LastMessage != nil {
			tj = out[j].LastMessage.Timestamp
		}
		return ti.After(tj)
	})
	return out
}

// UnreadTotal sums unread counts across conversations (the badge value).
func (a *Aggregator) UnreadTotal() int {
	total := 0
	for _, c := range a.convs {
		total += c.UnreadCount
	}
	return total
}

// Projection derives the cap most-recent received messages across all
// conversations, newest first, excluding removed entries and anything older
// than the retention window. It holds no state of its own.
func (a *Aggregator) Projection(cap int, retention time.Duration, now time.Time) []*models.Message {
	cutoff := now.Add(-retention)
	var recent []*models.Message
	for _, c := range a.convs {
		for _, m := range c.Messages {
			if !m.Received() || m.ReadState == models.ReadStateRemoved {
				continue
			}
			if m.Timestamp.Before(cutoff) {
				continue
			}
			recent = append(recent, m)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].Timestamp.After(recent[j].Timestamp)
	})
	if len(recent) > cap {
		recent = recent[:cap]
	}
	return recent
}

// Prune removes messages older than the retention window from all
// conversations. Persisted read membership is untouched.
func (a *Aggregator) Prune(retention time.Duration, now time.Time) int {
	cutoff := now.Add(-retention)
	pruned := 0
	for leadID, conv := range a.convs {
		kept := conv.Messages[:0]
		for _, m := range conv.Messages {
			if m.Timestamp.Before(cutoff) {
				a.dropIndex(m)
				pruned++
				continue
			}
			kept = append(kept, m)
		}
		conv.Messages = kept
		if len(conv.Messages) == 0 {
			delete(a.convs, leadID)
			continue
		}
		a.recompute(conv)
	}
	return pruned
}

// recompute re-derives UnreadCount and LastMessage after any mutation; the
// invariant is unreadCount == |{received && unread}|.
func (a *Aggregator) recompute(conv *models.Conversation) {
	if conv == nil {
		return
	}
	unread := 0
	for _, m := range conv.Messages {
		if m.Unread() {
			unread++
		}
	}
	conv.UnreadCount = unread
	if n := len(conv.Messages); n > 0 {
		conv.LastMessage = conv.Messages[n-1]
	} else {
		conv.LastMessage = nil
	}
}

// dropIndex removes a message from the id index, including the provisional
// alias left behind by canonical-id adoption.
func (a *Aggregator) dropIndex(m *models.Message) {
	if prov, ok := a.alias[m.ID]; ok {
		delete(a.byID, prov)
		delete(a.alias, m.ID)
	}
	delete(a.byID, m.ID)
}

// find locates a live instance identity-equal to m: id index first, then the
// composite rule against the same lead's messages.
func (a *Aggregator) find(m *models.Message) *models.Message {
	if hit := a.byID[m.ID]; hit != nil {
		return hit
	}
	conv := a.convs[m.LeadID]
	if conv == nil {
		return nil
	}
	for _, mm := range conv.Messages {
		if a.resolver.Same(mm, m) {
			return mm
		}
	}
	return nil
}

func insertByTime(msgs []*models.Message, m *models.Message) []*models.Message {
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].Timestamp.After(m.Timestamp)
	})
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}
