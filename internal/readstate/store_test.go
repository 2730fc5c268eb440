// internal/readstate/store_test.go
package readstate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"crm-message-sync/internal/common/database"
	"crm-message-sync/internal/common/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func setupRedis(t *testing.T) *database.RedisClient {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return database.NewRedisFromClient(client)
}

func newTestStore(t *testing.T, rdb *database.RedisClient, cap int) *Store {
	s := NewStore(rdb, cap, logger.NewTestLogger(t))
	require.NoError(t, s.Load(context.Background()))
	return s
}

// ==========================
// Acknowledgment Lifecycle Tests
// ==========================

func TestBeginAck_SingleFlight(t *testing.T) {
	s := newTestStore(t, setupRedis(t), 500)

	assert.True(t, s.BeginAck("m1"))
	assert.False(t, s.BeginAck("m1"), "second ack while one is in flight is refused")
	assert.True(t, s.IsPending("m1"))
}

func TestCommit_PersistsMembership(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	s := newTestStore(t, rdb, 500)
	require.True(t, s.BeginAck("m1"))
	require.NoError(t, s.Commit(ctx, "m1"))

	assert.True(t, s.IsRead("m1"))
	assert.False(t, s.IsPending("m1"))
	assert.False(t, s.BeginAck("m1"), "a read id never acks again")
}

func TestLoad_SurvivesRestart(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	first := newTestStore(t, rdb, 500)
	require.True(t, first.BeginAck("m1"))
	require.NoError(t, first.Commit(ctx, "m1"))
	require.NoError(t, first.CommitRemote(ctx, "m2"))

	// A fresh store over the same backing state stands in for a restart.
	second := newTestStore(t, rdb, 500)
	assert.True(t, second.IsRead("m1"))
	assert.True(t, second.IsRead("m2"))
	assert.False(t, second.IsRead("m3"))
}

func TestRollback_AllowsRetry(t *testing.T) {
	s := newTestStore(t, setupRedis(t), 500)

	require.True(t, s.BeginAck("m1"))
	s.Rollback("m1")

	assert.False(t, s.IsRead("m1"))
	assert.True(t, s.BeginAck("m1"), "a rolled-back ack can be retried")
}

func TestDiscard_DoesNotPersist(t *testing.T) {
	rdb := setupRedis(t)

	s := newTestStore(t, rdb, 500)
	require.True(t, s.BeginAck("gone"))
	s.Discard("gone")

	assert.False(t, s.IsRead("gone"))
	assert.False(t, s.IsPending("gone"))

	reloaded := newTestStore(t, rdb, 500)
	assert.False(t, reloaded.IsRead("gone"), "discarded ids are never persisted as read")
}

func TestPersist_EvictsOldestBeyondCap(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	s := newTestStore(t, rdb, 5)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		tick := now.Add(time.Duration(i) * time.Second)
		s.SetClock(func() time.Time { return tick })
		require.NoError(t, s.CommitRemote(ctx, fmt.Sprintf("m%d", i)))
	}

	reloaded := newTestStore(t, rdb, 5)
	for i := 0; i < 3; i++ {
		assert.False(t, reloaded.IsRead(fmt.Sprintf("m%d", i)), "oldest entries evict first")
	}
	for i := 3; i < 8; i++ {
		assert.True(t, reloaded.IsRead(fmt.Sprintf("m%d", i)))
	}
}

// ==========================
// Cursor Tests
// ==========================

func TestCursor_MonotonicAdvance(t *testing.T) {
	s := newTestStore(t, setupRedis(t), 500)
	ctx := context.Background()

	cursor, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Empty(t, cursor, "no cursor before the first sync")

	require.NoError(t, s.SetCursor(ctx, "2026-03-15T12:00:00Z"))
	require.NoError(t, s.SetCursor(ctx, "2026-03-15T11:00:00Z")) // older; must not regress
	require.NoError(t, s.SetCursor(ctx, ""))                     // empty; no-op

	cursor, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15T12:00:00Z", cursor)

	require.NoError(t, s.SetCursor(ctx, "2026-03-15T13:30:00Z"))
	cursor, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15T13:30:00Z", cursor)
}

// ==========================
// Last-Seen Tests
// ==========================

func TestLastSeen_RoundTrip(t *testing.T) {
	s := newTestStore(t, setupRedis(t), 500)
	ctx := context.Background()

	seen, err := s.LastSeen(ctx)
	require.NoError(t, err)
	assert.True(t, seen.IsZero())

	stamp := time.Date(2026, 3, 15, 12, 30, 45, 123000000, time.UTC)
	require.NoError(t, s.SetLastSeen(ctx, stamp))

	seen, err = s.LastSeen(ctx)
	require.NoError(t, err)
	assert.True(t, stamp.Equal(seen))
}
