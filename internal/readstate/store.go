// internal/readstate/store.go

// Package readstate owns the durable, append-only record of message ids
// known read, plus the transient bookkeeping of in-flight acknowledgments.
// Membership in the persisted set is never removed except by the bounded
// eviction policy; an "unread" report from any source never evicts an id.
package readstate

import (
	"context"
	"time"

	"crm-message-sync/internal/common/database"
	"crm-message-sync/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

const (
	keyReadSet  = "crmsync:read-ids"
	keyCursor   = "crmsync:cursor"
	keyLastSeen = "crmsync:last-seen"
)

// Store persists the read-id set in a redis sorted set (score = ack time)
// trimmed to the cap newest entries, and mirrors it in memory so membership
// checks are loop-local. The mirror is owned by the session event loop; no
// locking, by the engine's single-loop model.
type Store struct {
	rdb     *database.RedisClient
	cap     int
	log     logger.Logger
	read    map[string]struct{}
	pending map[string]struct{}
	now     func() time.Time
}

func NewStore(rdb *database.RedisClient, cap int, log logger.Logger) *Store {
	return &Store{
		rdb:     rdb,
		cap:     cap,
		log:     log.WithFields(map[string]interface{}{"component": "readstate"}),
		read:    make(map[string]struct{}),
		pending: make(map[string]struct{}),
		now:     time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Load populates the in-memory mirror from the persisted set. Called once at
// session start; this is what lets read state survive a restart.
func (s *Store) Load(ctx context.Context) error {
	ids, err := s.rdb.ZMembers(ctx, keyReadSet)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.read[id] = struct{}{}
	}
	s.log.Info("read-id set loaded", map[string]interface{}{"count": len(ids)})
	return nil
}

// IsRead reports whether id is a persisted-read member.
func (s *Store) IsRead(id string) bool {
	_, ok := s.read[id]
	return ok
}

// IsPending reports whether a mark-read acknowledgment is in flight for id.
func (s *Store) IsPending(id string) bool {
	_, ok := s.pending[id]
	return ok
}

// BeginAck registers an in-flight acknowledgment. Returns false when the id
// is already read or already pending, in which case the caller must not
// issue another remote request.
func (s *Store) BeginAck(id string) bool {
	if s.IsRead(id) || s.IsPending(id) {
		return false
	}
	s.pending[id] = struct{}{}
	return true
}

// Commit records a successful remote acknowledgment: the id joins the
// persisted set immediately and the pending marker clears.
func (s *Store) Commit(ctx context.Context, id string) error {
	delete(s.pending, id)
	s.read[id] = struct{}{}
	return s.persist(ctx, id)
}

// CommitRemote records a read acknowledged by another client (observed on
// the push channel); there is no local pending entry to clear.
func (s *Store) CommitRemote(ctx context.Context, id string) error {
	if s.IsRead(id) {
		return nil
	}
	s.read[id] = struct{}{}
	return s.persist(ctx, id)
}

// Rollback clears the pending marker after a non-404 remote failure; the
// caller restores the prior visible read state.
func (s *Store) Rollback(id string) {
	delete(s.pending, id)
}

// Discard clears the pending marker for a message the remote store no
// longer has. The id is deliberately not persisted as read.
func (s *Store) Discard(id string) {
	delete(s.pending, id)
}

func (s *Store) persist(ctx context.Context, id string) error {
	score := float64(s.now().UnixMilli())
	if err := s.rdb.ZAdd(ctx, keyReadSet, score, id); err != nil {
		return err
	}
	if err := s.rdb.ZTrimOldest(ctx, keyReadSet, s.cap); err != nil {
		return err
	}
	return nil
}

// ==========================
// Sync cursor
// ==========================

// Cursor returns the persisted sync cursor, or "" when none exists yet.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, keyCursor)
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// SetCursor advances the cursor. Cursors are RFC3339 timestamps, so the
// monotonic guard is a lexical comparison; a smaller value never overwrites
// a larger one.
func (s *Store) SetCursor(ctx context.Context, cursor string) error {
	if cursor == "" {
		return nil
	}
	current, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	if current != "" && cursor <= current {
		return nil
	}
	return s.rdb.Set(ctx, keyCursor, cursor, 0)
}

// ==========================
// Last-seen notifications
// ==========================

func (s *Store) LastSeen(ctx context.Context) (time.Time, error) {
	v, err := s.rdb.Get(ctx, keyLastSeen)
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (s *Store) SetLastSeen(ctx context.Context, t time.Time) error {
	return s.rdb.Set(ctx, keyLastSeen, t.UTC().Format(time.RFC3339Nano), 0)
}
