package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsoares/courier/internal/bus"
	"github.com/tsoares/courier/internal/clock"
	"github.com/tsoares/courier/internal/config"
	"github.com/tsoares/courier/internal/directory"
	"github.com/tsoares/courier/internal/receipts"
	"github.com/tsoares/courier/internal/remote"
	"github.com/tsoares/courier/internal/scheduler"
	"github.com/tsoares/courier/internal/store"
	"github.com/tsoares/courier/internal/thread"
	"github.com/tsoares/courier/internal/typing"
	"go.uber.org/zap"
)

// Engine drives the sync loop: periodic pulls of the conversation list
// and the active thread, the optimistic send pipeline, typing presence
// in both directions, and read receipts. All remote traffic goes
// through the schedulers so each resource key has at most one request
// in flight and transient failures back off instead of hammering.
type Engine struct {
	cfg      config.Config
	selfID   string
	api      remote.API
	threads  *thread.Store
	dir      *directory.Directory
	typing   *typing.Tracker
	receipts *receipts.Coordinator

	// Pulls and sends carry different retry budgets.
	pullSched *scheduler.Scheduler
	sendSched *scheduler.Scheduler

	db     *store.DB
	bus    *bus.Bus
	clock  clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	activePoll context.CancelFunc
	hydrated   map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	pulls        atomic.Int64
	sends        atomic.Int64
	sendFails    atomic.Int64
	lastListSync atomic.Int64
}

// Sync cursor keys in the sync_state table.
const (
	syncKeyListPull         = "last_list_pull_at"
	syncKeyThreadPullPrefix = "last_thread_pull:"
)

// Status is a point-in-time snapshot of the engine for diagnostics.
type Status struct {
	UptimeSeconds      int64  `json:"uptime_seconds"`
	ActiveConversation string `json:"active_conversation"`
	Conversations      int    `json:"conversations"`
	ListStale          bool   `json:"list_stale"`
	StaleReason        string `json:"stale_reason,omitempty"`
	LastSyncAt         int64  `json:"last_sync_at,omitempty"`
	Pulls              int64  `json:"pulls"`
	Sends              int64  `json:"sends"`
	SendFailures       int64  `json:"send_failures"`
}

// New wires the engine from its parts.
func New(cfg config.Config, api remote.API, threads *thread.Store, dir *directory.Directory, tracker *typing.Tracker, rc *receipts.Coordinator, pullSched, sendSched *scheduler.Scheduler, db *store.DB, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		selfID:    cfg.Server.SelfUserID,
		api:       api,
		threads:   threads,
		dir:       dir,
		typing:    tracker,
		receipts:  rc,
		pullSched: pullSched,
		sendSched: sendSched,
		db:        db,
		bus:       b,
		clock:     clk,
		logger:    logger,
		hydrated:  make(map[string]bool),
	}
}

// Start hydrates from the local cache, resumes queued sends, and kicks
// off the recurring pulls.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.startedAt = time.Now()

	e.hydrateDirectory()
	e.resumeOutbox()

	e.wg.Add(1)
	go e.listLoop(e.ctx)

	// Trailing "stopped typing" broadcasts ride a short local sweep.
	e.pullSched.Schedule(e.ctx, "typing:sweep", 500*time.Millisecond, e.sweepTyping)
}

// Stop cancels all loops and in-flight requests.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.pullSched.Stop()
	e.sendSched.Stop()
	e.receipts.Close()
	e.wg.Wait()
}

// hydrateDirectory seeds the conversation list from the cache so the
// first paint never waits on the network.
func (e *Engine) hydrateDirectory() {
	if e.db == nil {
		return
	}
	cached, err := e.db.ListConversations(500, 0)
	if err != nil {
		e.logger.Warn("hydrate conversations failed", zap.Error(err))
		return
	}
	seed := make([]remote.Conversation, len(cached))
	for i, c := range cached {
		seed[i] = remote.Conversation{
			ID:                 c.ID,
			ParticipantName:    c.ParticipantName,
			ParticipantAvatar:  c.ParticipantAvatar,
			LastMessagePreview: c.LastMessagePreview,
			LastActivityAt:     c.LastActivityAt,
			ContextRef:         c.ContextRef,
		}
	}
	e.dir.Merge(seed)
	if len(seed) > 0 {
		// Everything on screen predates this run until the first pull
		// lands.
		e.dir.MarkStale("showing cached data")
		e.logger.Info("directory hydrated", zap.Int("conversations", len(seed)))
	}

	if v, ok, err := e.db.GetSyncState(syncKeyListPull); err == nil && ok {
		if ts, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			e.lastListSync.Store(ts)
			e.logger.Info("last successful list pull",
				zap.Time("at", time.UnixMilli(ts)))
		}
	}
}

// recordSync stamps the last successful pull for a key so the next warm
// start can tell how old its cache is.
func (e *Engine) recordSync(key string) {
	now := e.clock.Now().UnixMilli()
	if key == syncKeyListPull {
		e.lastListSync.Store(now)
	}
	if e.db == nil {
		return
	}
	if err := e.db.SetSyncState(key, strconv.FormatInt(now, 10)); err != nil {
		e.logger.Warn("record sync state failed", zap.String("key", key), zap.Error(err))
	}
}

// hydrateThread seeds one thread from the cache, once per conversation.
func (e *Engine) hydrateThread(conversationID string) {
	e.mu.Lock()
	done := e.hydrated[conversationID]
	e.hydrated[conversationID] = true
	e.mu.Unlock()
	if done || e.db == nil {
		return
	}

	rows, err := e.db.ListMessages(conversationID, 0, 500)
	if err != nil {
		e.logger.Warn("hydrate thread failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	// Rows come newest first; the thread wants oldest first.
	msgs := make([]thread.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		msgs = append(msgs, thread.Message{
			LocalID:        r.LocalID,
			ServerID:       r.MsgID,
			ConversationID: r.ConversationID,
			SenderID:       r.SenderID,
			SenderType:     r.SenderType,
			Content:        r.Content,
			MessageType:    r.MessageType,
			CreatedAt:      r.CreatedAt,
			ReadAt:         r.ReadAt,
			Delivery:       thread.Delivery(r.Delivery),
			FailReason:     r.FailReason,
		})
	}
	e.threads.Hydrate(conversationID, msgs)
}

// resumeOutbox re-dispatches sends that were still queued when the
// daemon last stopped.
func (e *Engine) resumeOutbox() {
	if e.db == nil {
		return
	}
	pending, err := e.db.PendingOutbox()
	if err != nil {
		e.logger.Warn("resume outbox failed", zap.Error(err))
		return
	}
	for _, entry := range pending {
		e.hydrateThread(entry.ConversationID)
		e.logger.Info("resuming queued send",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("conversation_id", entry.ConversationID))
		e.dispatchSend(entry.ConversationID, entry.ClientMsgID, entry.Content)
	}
}

// listLoop pulls the conversation list on the configured interval. The
// first pull runs immediately.
func (e *Engine) listLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.Sync.ListPollInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.runListPull(ctx)
	for {
		select {
		case <-ticker.C:
			e.runListPull(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) runListPull(ctx context.Context) {
	err := e.pullSched.RunOnce(ctx, "conversations:list", e.pullConversations)
	if err == nil || remote.IsStale(err) {
		return
	}
	// Retries exhausted (or a hard error): keep showing last-known-good
	// data, flagged.
	e.dir.MarkStale("couldn't refresh")
	e.publish("sync.refresh_failed", map[string]string{"key": "conversations:list", "error": err.Error()})
	e.logger.Warn("conversation list refresh failed", zap.Error(err))
}

func (e *Engine) pullConversations(ctx context.Context) error {
	list, err := e.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	e.pulls.Add(1)
	e.dir.Merge(list)
	e.dir.ClearStale()
	e.persistConversations(list)
	e.recordSync(syncKeyListPull)
	return nil
}

func (e *Engine) persistConversations(list []remote.Conversation) {
	if e.db == nil {
		return
	}
	for _, c := range list {
		err := e.db.UpsertConversation(&store.Conversation{
			ID:                 c.ID,
			ParticipantName:    c.ParticipantName,
			ParticipantAvatar:  c.ParticipantAvatar,
			LastMessagePreview: c.LastMessagePreview,
			LastActivityAt:     c.LastActivityAt,
			ContextRef:         c.ContextRef,
			UnreadCount:        e.threads.UnreadCount(c.ID),
		})
		if err != nil {
			e.logger.Warn("persist conversation failed", zap.String("id", c.ID), zap.Error(err))
		}
	}
}

// OpenConversation makes a conversation the active one: its thread
// hydrates from cache, starts fast polling, and the previous active
// poll is cancelled so stale responses cannot land later.
func (e *Engine) OpenConversation(conversationID string) {
	prev := e.dir.Selected()
	if prev == conversationID {
		return
	}

	e.mu.Lock()
	if e.activePoll != nil {
		e.activePoll()
		e.activePoll = nil
	}
	e.mu.Unlock()
	if prev != "" {
		e.pullSched.Cancel("messages:" + prev)
	}

	if _, known := e.dir.Get(conversationID); !known && e.db != nil {
		// Directory hydration is capped; an older conversation opened by
		// id comes straight from its cache row.
		if c, err := e.db.GetConversation(conversationID); err == nil && c != nil {
			e.dir.Merge([]remote.Conversation{{
				ID:                 c.ID,
				ParticipantName:    c.ParticipantName,
				ParticipantAvatar:  c.ParticipantAvatar,
				LastMessagePreview: c.LastMessagePreview,
				LastActivityAt:     c.LastActivityAt,
				ContextRef:         c.ContextRef,
			}})
		}
	}

	e.dir.Select(conversationID)
	e.hydrateThread(conversationID)

	pctx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	e.activePoll = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.threadLoop(pctx, conversationID)
}

func (e *Engine) threadLoop(ctx context.Context, conversationID string) {
	defer e.wg.Done()

	interval := e.cfg.Sync.ThreadPollInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.runThreadPull(ctx, conversationID)
	for {
		select {
		case <-ticker.C:
			e.runThreadPull(ctx, conversationID)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) runThreadPull(ctx context.Context, conversationID string) {
	key := "messages:" + conversationID
	err := e.pullSched.RunOnce(ctx, key, func(ctx context.Context) error {
		batch, err := e.api.ListMessages(ctx, conversationID)
		if err != nil {
			return err
		}
		e.pulls.Add(1)
		e.threads.Merge(conversationID, batch)
		e.persistMessages(conversationID, batch)
		e.dir.Recount(conversationID)
		e.recordSync(syncKeyThreadPullPrefix + conversationID)
		return nil
	})
	if err == nil || remote.IsStale(err) {
		return
	}
	e.publish("sync.refresh_failed", map[string]string{"key": key, "error": err.Error()})
	e.logger.Warn("thread refresh failed",
		zap.String("conversation_id", conversationID), zap.Error(err))
}

func (e *Engine) persistMessages(conversationID string, batch []remote.Message) {
	if e.db == nil {
		return
	}
	for _, m := range batch {
		if m.ID == "" {
			continue
		}
		err := e.db.UpsertMessage(&store.Message{
			ConversationID: conversationID,
			MsgID:          m.ID,
			LocalID:        m.ClientRef,
			SenderID:       m.SenderID,
			SenderType:     m.SenderType,
			Content:        m.Content,
			MessageType:    m.MessageType,
			Metadata:       string(m.Metadata),
			CreatedAt:      m.CreatedAt,
			ReadAt:         m.ReadAt,
			Delivery:       "sent",
		})
		if err != nil {
			e.logger.Warn("persist message failed", zap.String("msg_id", m.ID), zap.Error(err))
		}
	}
}

// Send queues a message: the thread shows it instantly as pending, the
// outbox makes it durable, and the network attempt runs in the
// background. Returns the local id.
func (e *Engine) Send(conversationID, content string) string {
	localID := e.threads.AppendOptimistic(conversationID, thread.Draft{Content: content})
	now := e.clock.Now().UnixMilli()

	if e.db != nil {
		if err := e.db.SavePending(&store.Message{
			ConversationID: conversationID,
			LocalID:        localID,
			SenderID:       e.selfID,
			SenderType:     "self",
			Content:        content,
			MessageType:    "text",
			CreatedAt:      now,
			Delivery:       "pending",
		}); err != nil {
			e.logger.Warn("persist pending failed", zap.Error(err))
		}
		if err := e.db.QueueOutbox(localID, conversationID, content); err != nil {
			e.logger.Warn("queue outbox failed", zap.Error(err))
		}
	}

	e.dir.Touch(conversationID, content, now)

	// Sending implies the user stopped typing.
	if e.typing.SendCompleted(conversationID) {
		e.broadcastTyping(conversationID, false)
	}

	e.dispatchSend(conversationID, localID, content)
	return localID
}

// Retry re-dispatches a failed message under its original local id.
func (e *Engine) Retry(conversationID, localID string) bool {
	msg, ok := e.threads.Retry(conversationID, localID)
	if !ok {
		return false
	}
	if e.db != nil {
		if err := e.db.MarkOutboxQueued(localID); err != nil {
			e.logger.Warn("requeue outbox failed", zap.Error(err))
		}
	}
	e.dispatchSend(conversationID, localID, msg.Content)
	return true
}

// dispatchSend runs one send attempt chain in the background. The key
// is the local id, so a double-tapped retry joins the in-flight send
// instead of duplicating it.
func (e *Engine) dispatchSend(conversationID, localID, content string) {
	if e.db != nil {
		if err := e.db.MarkOutboxSending(localID); err != nil {
			e.logger.Warn("mark sending failed", zap.Error(err))
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := e.sendSched.RunOnce(e.ctx, "send:"+localID, func(ctx context.Context) error {
			srv, err := e.api.SendMessage(ctx, conversationID, localID, content)
			if err != nil {
				return err
			}
			e.onSendConfirmed(conversationID, localID, srv)
			return nil
		})
		if err != nil {
			e.onSendFailed(conversationID, localID, content, err)
		}
	}()
}

func (e *Engine) onSendConfirmed(conversationID, localID string, srv *remote.Message) {
	e.sends.Add(1)
	e.threads.Confirm(localID, *srv)
	e.dir.Touch(conversationID, srv.Content, srv.CreatedAt)

	if e.db != nil {
		if err := e.db.ConfirmPending(conversationID, localID, &store.Message{
			ConversationID: conversationID,
			MsgID:          srv.ID,
			SenderID:       srv.SenderID,
			SenderType:     srv.SenderType,
			Content:        srv.Content,
			MessageType:    srv.MessageType,
			Metadata:       string(srv.Metadata),
			CreatedAt:      srv.CreatedAt,
			ReadAt:         srv.ReadAt,
		}); err != nil {
			e.logger.Warn("confirm pending failed", zap.Error(err))
		}
		if err := e.db.MarkOutboxSent(localID, srv.ID); err != nil {
			e.logger.Warn("mark sent failed", zap.Error(err))
		}
	}
	e.logger.Info("message sent",
		zap.String("local_id", localID), zap.String("server_id", srv.ID))
}

func (e *Engine) onSendFailed(conversationID, localID, content string, err error) {
	if remote.IsStale(err) {
		// Shutdown mid-send: the outbox entry survives and resumes on
		// the next start.
		return
	}
	e.sendFails.Add(1)
	e.threads.Fail(conversationID, localID, err.Error())

	if e.db != nil {
		if dbErr := e.db.MarkOutboxFailed(localID, err.Error()); dbErr != nil {
			e.logger.Warn("mark failed failed", zap.Error(dbErr))
		}
		if dbErr := e.db.SavePending(&store.Message{
			ConversationID: conversationID,
			LocalID:        localID,
			SenderID:       e.selfID,
			SenderType:     "self",
			Content:        content,
			MessageType:    "text",
			CreatedAt:      e.clock.Now().UnixMilli(),
			Delivery:       "failed",
			FailReason:     err.Error(),
		}); dbErr != nil {
			e.logger.Warn("persist failed state failed", zap.Error(dbErr))
		}
	}
	e.logger.Warn("message send failed",
		zap.String("local_id", localID), zap.Error(err))
}

// Keystroke records local typing and broadcasts a ping when the
// debounce window allows one.
func (e *Engine) Keystroke(conversationID string) {
	if e.typing.Keystroke(conversationID) {
		e.broadcastTyping(conversationID, true)
	}
}

// StopTyping clears local typing state on an explicit stop (input
// cleared, conversation closed) and broadcasts it.
func (e *Engine) StopTyping(conversationID string) {
	if e.typing.Stop(conversationID) {
		e.broadcastTyping(conversationID, false)
	}
}

// ObserveTyping feeds a remote participant's typing event into the
// tracker.
func (e *Engine) ObserveTyping(evt remote.TypingEvent) {
	e.typing.Observe(evt)
}

// TypingText renders the typing indicator for a conversation.
func (e *Engine) TypingText(conversationID string) string {
	return e.typing.Text(conversationID)
}

// sweepTyping fires trailing stop broadcasts for conversations whose
// quiet window elapsed.
func (e *Engine) sweepTyping(context.Context) error {
	for _, id := range e.typing.Broadcasting() {
		if e.typing.QuietExpired(id) {
			e.broadcastTyping(id, false)
		}
	}
	return nil
}

// broadcastTyping is fire-and-forget: presence is cosmetic, so a lost
// ping is never retried.
func (e *Engine) broadcastTyping(conversationID string, isTyping bool) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
		defer cancel()
		if err := e.api.Typing(ctx, conversationID, isTyping); err != nil && !remote.IsStale(err) {
			e.logger.Debug("typing broadcast failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}()
}

// MarkRead requests a debounced read receipt for the conversation.
func (e *Engine) MarkRead(conversationID string) {
	e.receipts.MarkConversationRead(conversationID)
}

// Conversations returns the current directory ordering.
func (e *Engine) Conversations() []directory.Conversation {
	return e.dir.List()
}

// FilterConversations narrows the list by participant name.
func (e *Engine) FilterConversations(query string) []directory.Conversation {
	return e.dir.Filter(query)
}

// Messages returns the reconciled thread for a conversation.
func (e *Engine) Messages(conversationID string) []thread.Message {
	e.hydrateThread(conversationID)
	return e.threads.Messages(conversationID)
}

// Search runs a full-text query over the cached messages.
func (e *Engine) Search(query, conversationID string, limit int) ([]store.SearchResult, error) {
	if e.db == nil {
		return nil, nil
	}
	return e.db.SearchMessages(query, conversationID, limit)
}

// Status reports engine counters and the staleness flag.
func (e *Engine) Status() Status {
	stale, reason := e.dir.Stale()
	return Status{
		UptimeSeconds:      int64(time.Since(e.startedAt).Seconds()),
		ActiveConversation: e.dir.Selected(),
		Conversations:      len(e.dir.List()),
		ListStale:          stale,
		StaleReason:        reason,
		LastSyncAt:         e.lastListSync.Load(),
		Pulls:              e.pulls.Load(),
		Sends:              e.sends.Load(),
		SendFailures:       e.sendFails.Load(),
	}
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus != nil {
		e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}
}

// KeyState exposes per-key scheduler state for the status endpoint.
func (e *Engine) KeyState(key string) string {
	return string(e.pullSched.KeyState(key))
}
