// internal/session/session_test.go
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crm-message-sync/internal/common/config"
	"crm-message-sync/internal/common/database"
	"crm-message-sync/internal/common/errors"
	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/common/observability"
	"crm-message-sync/internal/ingest"
	"crm-message-sync/internal/readstate"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func testConfig() *config.Config {
	return &config.Config{
		MessageAPI: config.MessageAPIConfig{Timeout: 2000, PageLimit: 100},
		Sync: config.SyncConfig{
			PollInterval:    60000,
			Debounce:        10000,
			DedupWindow:     120000,
			BackfillWindow:  30000,
			NotificationCap: 10,
			RetentionDays:   7,
			PruneInterval:   3600000,
			ReadSetCap:      500,
		},
	}
}

type fakeFetcher struct {
	mu   sync.Mutex
	resp *ingest.PollResponse
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, since string, limit int) (*ingest.PollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resp == nil {
		return &ingest.PollResponse{}, nil
	}
	return f.resp, nil
}

type fakeAcker struct {
	mu    sync.Mutex
	err   error
	calls int32
}

func (f *fakeAcker) AckRead(ctx context.Context, id string) error {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeAcker) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeAcker) callCount() int32 {
	return atomic.LoadInt32(&f.calls)
}

type fakeDeleter struct{}

func (fakeDeleter) BulkDelete(ctx context.Context, ids []string) (*BulkDeleteOutcome, error) {
	out := &BulkDeleteOutcome{Success: true}
	for _, id := range ids {
		out.Results = append(out.Results, BulkItemOutcome{MessageID: id, Success: true})
	}
	return out, nil
}

type sessionHarness struct {
	sess    *Session
	store   *readstate.Store
	fetcher *fakeFetcher
	acker   *fakeAcker
}

func newSessionHarness(t *testing.T) *sessionHarness {
	return newSessionHarnessWithPoll(t, nil)
}

// newSessionHarnessWithPoll seeds the poll response before the session's
// immediate first sync runs.
func newSessionHarnessWithPoll(t *testing.T, resp *ingest.PollResponse) *sessionHarness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logger.NewTestLogger(t)
	store := readstate.NewStore(database.NewRedisFromClient(client), 500, log)
	fetcher := &fakeFetcher{resp: resp}
	acker := &fakeAcker{}

	sess := New(testConfig(), Deps{
		Store:   store,
		Fetcher: fetcher,
		Acker:   acker,
		Deleter: fakeDeleter{},
	}, log, observability.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &sessionHarness{sess: sess, store: store, fetcher: fetcher, acker: acker}
}

func pushFrame(id, leadID, content string) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"message_received","data":{"messageId":%q,"leadId":%q,"channel":"sms","content":%q,"timestamp":%q}}`,
		id, leadID, content, time.Now().UTC().Format(time.RFC3339),
	))
}

func awaitNotifications(t *testing.T, h *sessionHarness, n int) {
	require.Eventually(t, func() bool {
		return len(h.sess.Notifications()) == n
	}, 2*time.Second, 10*time.Millisecond)
}

// ==========================
// Ingestion Tests
// ==========================

func TestSession_PushFrameIngests(t *testing.T) {
	h := newSessionHarness(t)

	h.sess.HandlePushFrame(pushFrame("msg-1", "lead-1", "Hello"))
	awaitNotifications(t, h, 1)

	assert.Equal(t, 1, h.sess.UnreadBadge())
	convs := h.sess.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "lead-1", convs[0].LeadID)
}

func TestSession_PollIngestsAndAdvancesCursor(t *testing.T) {
	h := newSessionHarnessWithPoll(t, &ingest.PollResponse{
		Messages: []ingest.RawMessage{
			{ID: "msg-1", LeadID: "lead-1", Channel: "sms", Direction: "received",
				Content: "Polled message", CreatedAt: time.Now().UTC()},
		},
		Meta: ingest.PollMeta{LatestCreatedAt: "2026-03-15T12:00:00Z"},
	})

	// The session's immediate first sync picks the batch up.
	awaitNotifications(t, h, 1)

	require.Eventually(t, func() bool {
		cursor, err := h.store.Cursor(context.Background())
		return err == nil && cursor == "2026-03-15T12:00:00Z"
	}, 2*time.Second, 10*time.Millisecond, "cursor advances only after the batch merges")
}

func TestSession_MalformedFrameIsDropped(t *testing.T) {
	h := newSessionHarness(t)

	h.sess.HandlePushFrame([]byte(`{broken`))
	h.sess.HandlePushFrame(pushFrame("msg-1", "lead-1", "Still works"))
	awaitNotifications(t, h, 1)
}

// ==========================
// Mark-Read Tests
// ==========================

func TestSession_MarkRead_CommitsOnSuccess(t *testing.T) {
	h := newSessionHarness(t)
	h.sess.HandlePushFrame(pushFrame("msg-1", "lead-1", "Hello"))
	awaitNotifications(t, h, 1)

	require.NoError(t, h.sess.MarkRead(context.Background(), "msg-1"))
	assert.Equal(t, 0, h.sess.UnreadBadge())
	assert.EqualValues(t, 1, h.acker.callCount())

	// Marking again is a no-op: no second remote request.
	require.NoError(t, h.sess.MarkRead(context.Background(), "msg-1"))
	assert.EqualValues(t, 1, h.acker.callCount())
}

func TestSession_MarkRead_RollsBackOnFailure(t *testing.T) {
	h := newSessionHarness(t)
	h.sess.HandlePushFrame(pushFrame("msg-1", "lead-1", "Hello"))
	awaitNotifications(t, h, 1)

	h.acker.setErr(errors.NewAckFailedError("msg-1", fmt.Errorf("boom")))
	err := h.sess.MarkRead(context.Background(), "msg-1")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 1, h.sess.UnreadBadge(), "failed acknowledgment restores unread")

	// The failure cleared the pending marker, so a retry goes out.
	h.acker.setErr(nil)
	require.NoError(t, h.sess.MarkRead(context.Background(), "msg-1"))
	assert.Equal(t, 0, h.sess.UnreadBadge())
	assert.EqualValues(t, 2, h.acker.callCount())
}

func TestSession_MarkRead_NotFoundPurges(t *testing.T) {
	h := newSessionHarness(t)
	h.sess.HandlePushFrame(pushFrame("msg-1", "lead-1", "Hello"))
	awaitNotifications(t, h, 1)

	h.acker.setErr(errors.NewMessageNotFoundError("msg-1"))
	require.NoError(t, h.sess.MarkRead(context.Background(), "msg-1"),
		"a vanished message is purged, not surfaced as an error")

	awaitNotifications(t, h, 0)
	assert.Equal(t, 0, h.sess.UnreadBadge())
}

func TestSession_MarkRead_UnknownIDIsNoOp(t *testing.T) {
	h := newSessionHarness(t)
	require.NoError(t, h.sess.MarkRead(context.Background(), "ghost"))
	assert.Zero(t, h.acker.callCount())
}

func TestSession_MarkAllVisibleRead(t *testing.T) {
	h := newSessionHarness(t)
	h.sess.HandlePushFrame(pushFrame("msg-1", "lead-1", "First"))
	h.sess.HandlePushFrame(pushFrame("msg-2", "lead-2", "Second"))
	awaitNotifications(t, h, 2)

	h.sess.MarkAllVisibleRead()
	require.Eventually(t, func() bool {
		return h.sess.UnreadBadge() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, h.acker.callCount())
}

// ==========================
// Remote Read Echo Tests
// ==========================

func TestSession_RemoteReadAckAppliesWithoutLocalAck(t *testing.T) {
	h := newSessionHarness(t)
	h.sess.HandlePushFrame(pushFrame("msg-1", "lead-1", "Hello"))
	awaitNotifications(t, h, 1)

	h.sess.HandlePushFrame([]byte(`{"event":"message_read","data":{"messageId":"msg-1"}}`))
	require.Eventually(t, func() bool {
		return h.sess.UnreadBadge() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.acker.callCount(), "another client's ack needs no remote request from us")
}

// ==========================
// Dismissal Tests
// ==========================

func TestSession_Dismiss(t *testing.T) {
	h := newSessionHarness(t)
	h.sess.HandlePushFrame(pushFrame("msg-1", "lead-1", "Hello"))
	awaitNotifications(t, h, 1)

	require.NoError(t, h.sess.Dismiss(context.Background(), []string{"msg-1"}))
	awaitNotifications(t, h, 0)
	assert.Equal(t, 0, h.sess.UnreadBadge())
}

// ==========================
// Restart Persistence Tests
// ==========================

func TestSession_ReadStateSurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rdb := database.NewRedisFromClient(client)

	run := func(markRead bool) int {
		log := logger.NewTestLogger(t)
		sess := New(testConfig(), Deps{
			Store:   readstate.NewStore(rdb, 500, log),
			Fetcher: &fakeFetcher{},
			Acker:   &fakeAcker{},
			Deleter: fakeDeleter{},
		}, log, observability.Noop())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			sess.Run(ctx)
		}()
		defer func() {
			cancel()
			<-done
		}()

		sess.HandlePushFrame(pushFrame("msg-1", "lead-1", "Hello"))
		require.Eventually(t, func() bool {
			return len(sess.Notifications()) == 1
		}, 2*time.Second, 10*time.Millisecond)

		if markRead {
			require.NoError(t, sess.MarkRead(context.Background(), "msg-1"))
		}
		return sess.UnreadBadge()
	}

	assert.Equal(t, 0, run(true), "first session marks the message read")
	assert.Equal(t, 0, run(false), "second session ingests the same message as already read")
}
