// internal/ingest/multiplexer_test.go
package ingest

import (
	"fmt"
	"testing"
	"time"

	"crm-message-sync/internal/common/errors"
	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestMultiplexer(t *testing.T) *Multiplexer {
	x := NewMultiplexer(SyntheticLeadResolver{}, 30*time.Second, logger.NewTestLogger(t))
	x.SetClock(func() time.Time { return testNow })
	return x
}

func receivedFrame(id, leadID, content string, ts time.Time) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"message_received","data":{"messageId":%q,"leadId":%q,"channel":"sms","content":%q,"timestamp":%q}}`,
		id, leadID, content, ts.Format(time.RFC3339),
	))
}

// ==========================
// Push Normalization Tests
// ==========================

func TestNormalizePush_ConsolidatedEvent(t *testing.T) {
	x := newTestMultiplexer(t)

	res, err := x.NormalizePush(receivedFrame("msg-1", "lead-1", "Hello there", testNow))
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	m := res.Messages[0]
	assert.Equal(t, "msg-1", m.ID)
	assert.Equal(t, "lead-1", m.LeadID)
	assert.Equal(t, models.ChannelSMS, m.Channel)
	assert.Equal(t, models.DirectionReceived, m.Direction, "direction defaults to received")
	assert.Equal(t, models.ReadStateUnread, m.ReadState)
	assert.Equal(t, models.SourcePush, m.Source)
	assert.False(t, m.Provisional)
}

func TestNormalizePush_LegacyAndConsolidatedProduceSameShape(t *testing.T) {
	x := newTestMultiplexer(t)
	ts := testNow.Add(-5 * time.Second)

	legacy := []byte(fmt.Sprintf(
		`{"event":"lead_updated","data":{"leadId":"lead-1","messageHistory":[{"messageId":"msg-9","channel":"sms","content":"Hi","timestamp":%q}]}}`,
		ts.Format(time.RFC3339),
	))
	consolidated := receivedFrame("msg-9", "lead-1", "Hi", ts)

	fromLegacy, err := x.NormalizePush(legacy)
	require.NoError(t, err)
	fromConsolidated, err := x.NormalizePush(consolidated)
	require.NoError(t, err)

	require.Len(t, fromLegacy.Messages, 1)
	require.Len(t, fromConsolidated.Messages, 1)
	assert.Equal(t, fromConsolidated.Messages[0], fromLegacy.Messages[0],
		"both event shapes normalize to the same canonical message")
}

func TestNormalizePush_LegacyBackfillWindow(t *testing.T) {
	x := newTestMultiplexer(t)

	frame := []byte(fmt.Sprintf(
		`{"event":"lead_updated","data":{"leadId":"lead-1","messageHistory":[`+
			`{"messageId":"fresh","channel":"sms","content":"new","timestamp":%q},`+
			`{"messageId":"stale","channel":"sms","content":"old","timestamp":%q}]}}`,
		testNow.Add(-10*time.Second).Format(time.RFC3339),
		testNow.Add(-5*time.Minute).Format(time.RFC3339),
	))

	res, err := x.NormalizePush(frame)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1, "entries older than the backfill window are skipped")
	assert.Equal(t, "fresh", res.Messages[0].ID)
}

func TestNormalizePush_MessageRead(t *testing.T) {
	x := newTestMultiplexer(t)

	res, err := x.NormalizePush([]byte(`{"event":"message_read","data":{"messageId":"msg-5"}}`))
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.Equal(t, []string{"msg-5"}, res.ReadAcks)
}

func TestNormalizePush_SyntheticLeadFallback(t *testing.T) {
	x := newTestMultiplexer(t)

	frame := []byte(fmt.Sprintf(
		`{"event":"message_received","data":{"phone":"+15550001111","channel":"sms","content":"Hi","timestamp":%q}}`,
		testNow.Format(time.RFC3339),
	))
	res, err := x.NormalizePush(frame)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "phone:+15550001111", res.Messages[0].LeadID)
	assert.True(t, res.Messages[0].Provisional, "missing id gets a provisional one")
	assert.NotEmpty(t, res.Messages[0].ID)
}

func TestNormalizePush_MalformedPayloads(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"undecodable frame", `{not json`},
		{"missing content", `{"event":"message_received","data":{"leadId":"l1","channel":"sms","timestamp":"2026-03-15T12:00:00Z"}}`},
		{"bad channel", `{"event":"message_received","data":{"leadId":"l1","channel":"fax","content":"x","timestamp":"2026-03-15T12:00:00Z"}}`},
		{"bad timestamp", `{"event":"message_received","data":{"leadId":"l1","channel":"sms","content":"x","timestamp":"yesterday"}}`},
		{"no routing key", `{"event":"message_received","data":{"channel":"sms","content":"x","timestamp":"2026-03-15T12:00:00Z"}}`},
		{"read ack without id", `{"event":"message_read","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := newTestMultiplexer(t)
			res, err := x.NormalizePush([]byte(tt.frame))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeMalformedEvent, errors.CodeOf(err))
			assert.Empty(t, res.Messages, "malformed payloads never reach downstream")
			assert.Empty(t, res.ReadAcks)
		})
	}
}

func TestNormalizePush_UnknownTopicIgnored(t *testing.T) {
	x := newTestMultiplexer(t)

	res, err := x.NormalizePush([]byte(`{"event":"lead_score_changed","data":{"leadId":"l1"}}`))
	require.NoError(t, err, "unknown topics are not malformed")
	assert.Empty(t, res.Messages)
	assert.Empty(t, res.ReadAcks)
}

// ==========================
// Poll Normalization Tests
// ==========================

func TestNormalizePoll(t *testing.T) {
	x := newTestMultiplexer(t)

	resp := &PollResponse{
		Messages: []RawMessage{
			{ID: "m1", LeadID: "lead-1", Channel: "sms", Direction: "received", Content: "a", CreatedAt: testNow.Add(-time.Minute)},
			{ID: "m2", LeadID: "lead-1", Channel: "email", Direction: "received", Content: "b", CreatedAt: testNow, Read: true},
			{ID: "bad", LeadID: "lead-1", Channel: "carrier-pigeon", Direction: "received", Content: "c", CreatedAt: testNow},
		},
		Meta: PollMeta{LatestCreatedAt: "2026-03-15T12:00:00Z"},
	}

	msgs, cursor := x.NormalizePoll(resp)
	require.Len(t, msgs, 2, "malformed rows are skipped, the batch continues")
	assert.Equal(t, "2026-03-15T12:00:00Z", cursor)
	assert.Equal(t, models.SourcePoll, msgs[0].Source)
	assert.Equal(t, models.ReadStateRead, msgs[1].ReadState, "poll read flag carries through")
}

func TestNormalizePoll_CursorFallsBackToSince(t *testing.T) {
	x := newTestMultiplexer(t)

	_, cursor := x.NormalizePoll(&PollResponse{Meta: PollMeta{Since: "2026-03-14T00:00:00Z"}})
	assert.Equal(t, "2026-03-14T00:00:00Z", cursor)
}
