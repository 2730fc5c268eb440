// internal/session/session.go

// Package session owns the sync engine's lifecycle. A Session is constructed
// explicitly by the application root on authenticated session start and torn
// down on logout; there is no module-level singleton.
//
// Concurrency model: one goroutine runs the event loop. Push frames, poll
// timer firings and user actions are all closures posted onto the same task
// channel, so the conversation and read-state structures need no locks.
// Network operations run in their own goroutines and post completions back;
// every completion validates its own generation/identity before applying.
package session

import (
	"context"
	"time"

	"crm-message-sync/internal/common/config"
	"crm-message-sync/internal/common/errors"
	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/common/observability"
	"crm-message-sync/internal/conversation"
	"crm-message-sync/internal/dedup"
	"crm-message-sync/internal/ingest"
	"crm-message-sync/internal/models"
	"crm-message-sync/internal/notify"
	"crm-message-sync/internal/readstate"
	"crm-message-sync/internal/scheduler"
)

// Acker is the read-acknowledgment side of the message-list collaborator.
type Acker interface {
	AckRead(ctx context.Context, id string) error
}

// BulkDeleter dismisses messages remotely.
type BulkDeleter interface {
	BulkDelete(ctx context.Context, ids []string) (*BulkDeleteOutcome, error)
}

// BulkDeleteOutcome mirrors the collaborator's bulk-delete response.
type BulkDeleteOutcome struct {
	Success bool
	Results []BulkItemOutcome
}

type BulkItemOutcome struct {
	MessageID string
	Success   bool
}

// AckPublisher echoes local read actions onto the push channel.
type AckPublisher interface {
	PublishReadAck(messageID string)
}

// noopPublisher stands in when the push channel is disabled.
type noopPublisher struct{}

func (noopPublisher) PublishReadAck(string) {}

type Session struct {
	cfg   *config.Config
	log   logger.Logger
	obs   *observability.Observability
	mux   *ingest.Multiplexer
	agg   *conversation.Aggregator
	store *readstate.Store
	surf  *notify.Surface
	sched *scheduler.Scheduler

	acker   Acker
	deleter BulkDeleter
	pub     AckPublisher

	ackTimeout time.Duration
	tasks      chan func()
	done       chan struct{}
}

// Deps carries the externally constructed collaborators.
type Deps struct {
	Store     *readstate.Store
	Fetcher   scheduler.Fetcher
	Acker     Acker
	Deleter   BulkDeleter
	Publisher AckPublisher
	Leads     ingest.LeadResolver
}

func New(cfg *config.Config, deps Deps, log logger.Logger, obs *observability.Observability) *Session {
	s := &Session{
		cfg:        cfg,
		log:        log.WithFields(map[string]interface{}{"component": "session"}),
		obs:        obs,
		store:      deps.Store,
		acker:      deps.Acker,
		deleter:    deps.Deleter,
		pub:        deps.Publisher,
		ackTimeout: config.GetDuration(cfg.MessageAPI.Timeout),
		tasks:      make(chan func(), 256),
		done:       make(chan struct{}),
	}
	if s.pub == nil {
		s.pub = noopPublisher{}
	}

	s.mux = ingest.NewMultiplexer(deps.Leads, config.GetDuration(cfg.Sync.BackfillWindow), log)
	resolver := dedup.NewResolver(config.GetDuration(cfg.Sync.DedupWindow))
	s.agg = conversation.NewAggregator(resolver, s.store, log)
	s.surf = notify.NewSurface(s.agg, s.store, cfg.Sync.NotificationCap, cfg.Sync.Retention(), log)

	s.sched = scheduler.New(scheduler.Config{
		Interval:  config.GetDuration(cfg.Sync.PollInterval),
		Debounce:  config.GetDuration(cfg.Sync.Debounce),
		Timeout:   config.GetDuration(cfg.MessageAPI.Timeout),
		PageLimit: cfg.MessageAPI.PageLimit,
	}, deps.Fetcher, s.post, s.cursorSnapshot, s.applyPoll, log, obs)

	return s
}

// SetPublisher installs the push-channel echo after construction. The push
// client needs the session's frame handler to exist first, so wiring happens
// in two steps. Must be called before Run.
func (s *Session) SetPublisher(pub AckPublisher) {
	if pub != nil {
		s.pub = pub
	}
}

// Run loads persisted state, starts the scheduler and the retention sweep,
// then consumes the task queue until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.store.Load(ctx); err != nil {
		return err
	}
	if err := s.surf.Load(ctx); err != nil {
		return err
	}

	go s.sched.Run(ctx)
	go s.pruneLoop(ctx)

	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("session stopping", nil)
			return nil
		case task := <-s.tasks:
			task()
		}
	}
}

// post queues a task onto the event loop. Returns false once the session is
// shutting down.
func (s *Session) post(task func()) bool {
	select {
	case <-s.done:
		return false
	case s.tasks <- task:
		return true
	}
}

// call posts a task and waits for it to run (UI entry points).
func (s *Session) call(task func()) {
	ran := make(chan struct{})
	if !s.post(func() {
		defer close(ran)
		task()
	}) {
		return
	}
	select {
	case <-ran:
	case <-s.done:
	}
}

func (s *Session) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(config.GetDuration(s.cfg.Sync.PruneInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.post(func() { s.surf.Prune() })
		}
	}
}

// ==========================
// Push channel intake
// ==========================

// HandlePushFrame is the push client's Handler; it runs on the read pump and
// only posts, never processes.
func (s *Session) HandlePushFrame(raw []byte) {
	s.post(func() { s.applyPushFrame(raw) })
}

func (s *Session) applyPushFrame(raw []byte) {
	result, err := s.mux.NormalizePush(raw)
	if err != nil {
		// Malformed frames are diagnostic-only; the multiplexer already
		// logged the details.
		return
	}
	for _, m := range result.Messages {
		if s.agg.Apply(m) {
			s.obs.RecordIngested(context.Background(), string(models.SourcePush))
		} else {
			s.obs.RecordDuplicate(context.Background())
		}
	}
	for _, id := range result.ReadAcks {
		s.applyRemoteRead(id)
	}
}

// applyRemoteRead handles a read acknowledged by another client: persist the
// membership (the other session already acked remotely) and update the view.
func (s *Session) applyRemoteRead(id string) {
	if err := s.store.CommitRemote(context.Background(), id); err != nil {
		s.log.Warn("failed to persist remote read", map[string]interface{}{
			"messageId": id,
			"error":     err.Error(),
		})
	}
	s.agg.MarkReadRemote(id)
}

// ==========================
// Poll intake
// ==========================

// cursorSnapshot reads the persisted cursor for an outgoing poll request.
// Runs on the event loop.
func (s *Session) cursorSnapshot() string {
	cursor, err := s.store.Cursor(context.Background())
	if err != nil {
		s.log.Warn("cursor read failed, polling from scratch", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	return cursor
}

// applyPoll merges a non-stale poll response and only then advances the
// cursor. Runs on the event loop.
func (s *Session) applyPoll(resp *ingest.PollResponse) {
	msgs, cursor := s.mux.NormalizePoll(resp)
	for _, m := range msgs {
		if s.agg.Apply(m) {
			s.obs.RecordIngested(context.Background(), string(models.SourcePoll))
		} else {
			s.obs.RecordDuplicate(context.Background())
		}
	}
	if err := s.store.SetCursor(context.Background(), cursor); err != nil {
		// The next successful cycle advances it; stale cursors only cost
		// a wider poll window.
		s.log.Warn("cursor advance failed", map[string]interface{}{
			"cursor": cursor,
			"error":  err.Error(),
		})
	}
}

// ==========================
// User actions
// ==========================

// MarkRead acknowledges one message as read: optimistic locally, committed
// on remote success, rolled back and surfaced on failure. A second call
// while the first acknowledgment is in flight is a no-op.
func (s *Session) MarkRead(ctx context.Context, id string) error {
	result := make(chan error, 1)
	s.call(func() { s.markRead(id, result) })
	select {
	case err := <-result:
		return err
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) markRead(id string, result chan<- error) {
	m := s.agg.Get(id)
	if m == nil {
		result <- nil
		return
	}
	if !s.store.BeginAck(m.ID) {
		// Already read, or an acknowledgment is already pending.
		result <- nil
		return
	}

	prior := m.ReadState
	if !s.agg.SetReadState(m.ID, models.ReadStatePending) {
		s.store.Rollback(m.ID)
		result <- nil
		return
	}

	ackID := m.ID
	go func() {
		actx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
		defer cancel()
		err := s.acker.AckRead(actx, ackID)

		s.post(func() { s.finishAck(ackID, prior, err, result) })
	}()
}

// finishAck applies an acknowledgment outcome on the event loop.
func (s *Session) finishAck(id string, prior models.ReadState, err error, result chan<- error) {
	switch {
	case err == nil:
		if cerr := s.store.Commit(context.Background(), id); cerr != nil {
			s.log.Error("read commit failed after remote success", map[string]interface{}{
				"messageId": id,
				"error":     cerr.Error(),
			})
		}
		s.agg.SetReadState(id, models.ReadStateRead)
		s.pub.PublishReadAck(id)
		result <- nil

	case errors.IsNotFound(err):
		// The message is gone remotely; purge it everywhere. Not a
		// user-facing error.
		s.store.Discard(id)
		s.agg.SetReadState(id, models.ReadStateRemoved)
		s.agg.Remove(id)
		result <- nil

	default:
		s.store.Rollback(id)
		s.agg.SetReadState(id, prior)
		s.obs.RecordAckFailure(context.Background())
		result <- err
	}
}

// MarkAllVisibleRead is the fire-and-forget batch variant: every visible
// unread notification flips optimistically; individual acknowledgment
// failures are logged, never surfaced, and do not block the batch.
func (s *Session) MarkAllVisibleRead() {
	s.call(func() {
		for _, id := range s.surf.VisibleUnreadIDs() {
			if !s.store.BeginAck(id) {
				continue
			}
			if !s.agg.SetReadState(id, models.ReadStatePending) {
				s.store.Rollback(id)
				continue
			}
			ackID := id
			go func() {
				actx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
				defer cancel()
				err := s.acker.AckRead(actx, ackID)
				s.post(func() { s.finishBatchAck(ackID, err) })
			}()
		}
	})
}

func (s *Session) finishBatchAck(id string, err error) {
	switch {
	case err == nil:
		if cerr := s.store.Commit(context.Background(), id); cerr != nil {
			s.log.Error("read commit failed after remote success", map[string]interface{}{
				"messageId": id,
				"error":     cerr.Error(),
			})
		}
		s.agg.SetReadState(id, models.ReadStateRead)
		s.pub.PublishReadAck(id)

	case errors.IsNotFound(err):
		s.store.Discard(id)
		s.agg.SetReadState(id, models.ReadStateRemoved)
		s.agg.Remove(id)

	default:
		s.store.Rollback(id)
		s.agg.SetReadState(id, models.ReadStateUnread)
		s.obs.RecordAckFailure(context.Background())
		s.log.Warn("batch read acknowledgment failed", map[string]interface{}{
			"messageId": id,
			"error":     err.Error(),
		})
	}
}

// Dismiss bulk-deletes messages remotely and drops the successful ones from
// local views.
func (s *Session) Dismiss(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	outcome, err := s.deleter.BulkDelete(ctx, ids)
	if err != nil {
		return err
	}
	s.call(func() {
		for _, r := range outcome.Results {
			if !r.Success {
				s.log.Warn("bulk delete rejected item", map[string]interface{}{
					"messageId": r.MessageID,
				})
				continue
			}
			s.agg.Remove(r.MessageID)
		}
	})
	return nil
}

// ForceRefresh requests an out-of-band sync (debounced by the scheduler).
func (s *Session) ForceRefresh(ctx context.Context) {
	s.sched.ForceRefresh(ctx)
}

// ==========================
// UI reads
// ==========================

func (s *Session) Conversations() []*models.Conversation {
	var out []*models.Conversation
	s.call(func() { out = s.agg.Conversations() })
	return out
}

func (s *Session) Notifications() []notify.Notification {
	var out []notify.Notification
	s.call(func() { out = s.surf.Recent() })
	return out
}

func (s *Session) UnreadBadge() int {
	var n int
	s.call(func() { n = s.surf.UnreadBadge() })
	return n
}

func (s *Session) MarkNotificationsSeen(ctx context.Context) error {
	var err error
	s.call(func() { err = s.surf.MarkSeen(ctx) })
	return err
}
