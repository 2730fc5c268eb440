// internal/ingest/multiplexer.go
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"crm-message-sync/internal/common/errors"
	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/models"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// LeadResolver maps a counterpart address to a lead id when the payload
// carries no leadId. Real deployments back this with a CRM lookup.
type LeadResolver interface {
	ResolveLead(phone, email string) (string, bool)
}

// SyntheticLeadResolver derives a stable synthetic lead key from the
// address, so conversations still aggregate without a CRM round trip.
type SyntheticLeadResolver struct{}

func (SyntheticLeadResolver) ResolveLead(phone, email string) (string, bool) {
	if phone != "" {
		return "phone:" + phone, true
	}
	if email != "" {
		return "email:" + email, true
	}
	return "", false
}

// messageReceivedSchema validates the consolidated push payload before
// normalization. leadId/phone/email presence is checked separately because
// the lead resolver handles the fallback chain.
var messageReceivedSchema = gojsonschema.NewGoLoader(map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"messageId": map[string]interface{}{"type": "string"},
		"leadId":    map[string]interface{}{"type": "string"},
		"phone":     map[string]interface{}{"type": "string"},
		"email":     map[string]interface{}{"type": "string"},
		"channel":   map[string]interface{}{"type": "string", "enum": []string{"sms", "email"}},
		"direction": map[string]interface{}{"type": "string", "enum": []string{"sent", "received", "failed"}},
		"content":   map[string]interface{}{"type": "string"},
		"subject":   map[string]interface{}{"type": "string"},
		"timestamp": map[string]interface{}{"type": "string"},
		"read":      map[string]interface{}{"type": "boolean"},
	},
	"required": []string{"content", "channel", "timestamp"},
})

// Result is the outcome of normalizing one push frame.
type Result struct {
	Messages []*models.Message
	ReadAcks []string // message ids other clients acknowledged as read
}

// Multiplexer adapts push-channel and poll-channel payloads into canonical
// Messages. Malformed payloads are logged and dropped here; they never reach
// downstream components and never panic.
type Multiplexer struct {
	leads          LeadResolver
	backfillWindow time.Duration
	log            logger.Logger
	now            func() time.Time
}

func NewMultiplexer(leads LeadResolver, backfillWindow time.Duration, log logger.Logger) *Multiplexer {
	if leads == nil {
		leads = SyntheticLeadResolver{}
	}
	return &Multiplexer{
		leads:          leads,
		backfillWindow: backfillWindow,
		log:            log.WithFields(map[string]interface{}{"component": "ingest"}),
		now:            time.Now,
	}
}

// SetClock overrides the time source (tests).
func (x *Multiplexer) SetClock(now func() time.Time) {
	x.now = now
}

// NormalizePush converts one raw push frame into canonical results. A
// malformed frame yields an empty Result and a MALFORMED_EVENT error that
// callers treat as log-only.
func (x *Multiplexer) NormalizePush(raw []byte) (*Result, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Result{}, x.discard(fmt.Sprintf("undecodable frame: %v", err))
	}

	switch env.Event {
	case EventMessageReceived:
		return x.normalizeReceived(env.Data)
	case EventLeadUpdated:
		return x.normalizeLeadUpdated(env.Data)
	case EventMessageRead:
		var p messageReadPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.MessageID == "" {
			return &Result{}, x.discard("message_read without messageId")
		}
		return &Result{ReadAcks: []string{p.MessageID}}, nil
	default:
		// Unknown topics are not an error; the push channel carries
		// events this engine does not consume.
		x.log.Debug("ignoring push event", map[string]interface{}{"event": env.Event})
		return &Result{}, nil
	}
}

func (x *Multiplexer) normalizeReceived(data json.RawMessage) (*Result, error) {
	doc := gojsonschema.NewBytesLoader(data)
	res, err := gojsonschema.Validate(messageReceivedSchema, doc)
	if err != nil {
		return &Result{}, x.discard(fmt.Sprintf("schema validation error: %v", err))
	}
	if !res.Valid() {
		errs := make([]string, len(res.Errors()))
		for i, desc := range res.Errors() {
			errs[i] = desc.String()
		}
		return &Result{}, x.discard(fmt.Sprintf("message_received failed schema: %v", errs))
	}

	var p messageReceivedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return &Result{}, x.discard(fmt.Sprintf("message_received decode: %v", err))
	}

	leadID, ok := x.leadFor(p.LeadID, p.Phone, p.Email)
	if !ok {
		return &Result{}, x.discard("message_received without leadId, phone or email")
	}

	m, err := x.canonical(p.MessageID, leadID, p.Channel, p.Direction, p.Content, p.Subject,
		p.Timestamp, p.DeliveryStatus, p.Read, models.SourcePush)
	if err != nil {
		return &Result{}, x.discard(err.Error())
	}
	return &Result{Messages: []*models.Message{m}}, nil
}

// normalizeLeadUpdated extracts only history entries from the last
// backfillWindow; older entries are historical replays the poll channel
// already covers.
func (x *Multiplexer) normalizeLeadUpdated(data json.RawMessage) (*Result, error) {
	var p leadUpdatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return &Result{}, x.discard(fmt.Sprintf("lead_updated decode: %v", err))
	}

	leadID, ok := x.leadFor(p.LeadID, p.Phone, p.Email)
	if !ok {
		return &Result{}, x.discard("lead_updated without leadId, phone or email")
	}

	cutoff := x.now().Add(-x.backfillWindow)
	out := &Result{}
	for _, h := range p.MessageHistory {
		m, err := x.canonical(h.MessageID, leadID, h.Channel, h.Direction, h.Content, h.Subject,
			h.Timestamp, h.DeliveryStatus, h.Read, models.SourcePush)
		if err != nil {
			x.log.Warn("skipping malformed history entry", map[string]interface{}{
				"leadId": leadID,
				"reason": err.Error(),
			})
			continue
		}
		if m.Timestamp.Before(cutoff) {
			continue
		}
		out.Messages = append(out.Messages, m)
	}
	return out, nil
}

// NormalizePoll converts a poll batch into canonical Messages plus the
// cursor value. Rows that cannot be routed are logged and skipped.
func (x *Multiplexer) NormalizePoll(resp *PollResponse) ([]*models.Message, string) {
	if resp == nil {
		return nil, ""
	}
	out := make([]*models.Message, 0, len(resp.Messages))
	for _, r := range resp.Messages {
		leadID, ok := x.leadFor(r.LeadID, r.Phone, r.Email)
		if !ok {
			x.log.Warn("dropping unroutable polled message", map[string]interface{}{
				"messageId": r.ID,
			})
			continue
		}
		m, err := x.canonical(r.ID, leadID, r.Channel, r.Direction, r.Content, r.Subject,
			r.CreatedAt.Format(time.RFC3339Nano), r.DeliveryStatus, r.Read, models.SourcePoll)
		if err != nil {
			x.log.Warn("dropping malformed polled message", map[string]interface{}{
				"messageId": r.ID,
				"reason":    err.Error(),
			})
			continue
		}
		out = append(out, m)
	}
	return out, resp.Meta.Cursor()
}

func (x *Multiplexer) leadFor(leadID, phone, email string) (string, bool) {
	if leadID != "" {
		return leadID, true
	}
	if phone == "" && email == "" {
		return "", false
	}
	return x.leads.ResolveLead(phone, email)
}

func (x *Multiplexer) canonical(id, leadID, channel, direction, content, subject,
	timestamp, deliveryStatus string, read bool, source models.Source) (*models.Message, error) {

	ch := models.Channel(channel)
	if ch != models.ChannelSMS && ch != models.ChannelEmail {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}

	dir := models.Direction(direction)
	switch dir {
	case models.DirectionSent, models.DirectionReceived, models.DirectionFailed:
	case "":
		// The consolidated push event only announces inbound traffic.
		dir = models.DirectionReceived
	default:
		return nil, fmt.Errorf("unknown direction %q", direction)
	}

	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %v", timestamp, err)
	}

	provisional := false
	if id == "" {
		id = uuid.New().String()
		provisional = true
	}

	state := models.ReadStateUnread
	if read {
		state = models.ReadStateRead
	}

	return &models.Message{
		ID:             id,
		LeadID:         leadID,
		Channel:        ch,
		Direction:      dir,
		Content:        content,
		Subject:        subject,
		Timestamp:      ts,
		DeliveryStatus: deliveryStatus,
		ReadState:      state,
		Source:         source,
		Provisional:    provisional,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// discard logs a malformed payload and returns the log-only error.
func (x *Multiplexer) discard(details string) error {
	err := errors.NewMalformedEventError(details)
	x.log.Warn("discarding malformed event", map[string]interface{}{
		"details": details,
	})
	return err
}
