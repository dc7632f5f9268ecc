package receipts

import (
	"context"
	"sync"
	"time"

	"github.com/tsoares/courier/internal/bus"
	"github.com/tsoares/courier/internal/clock"
	"github.com/tsoares/courier/internal/directory"
	"github.com/tsoares/courier/internal/remote"
	"github.com/tsoares/courier/internal/scheduler"
	"github.com/tsoares/courier/internal/thread"
	"go.uber.org/zap"
)

// Cache persists acknowledged read state so a restart does not
// re-hydrate the thread with stale unread badges. *store.DB satisfies
// it.
type Cache interface {
	MarkMessagesRead(conversationID, selfID string, at int64) (int64, error)
}

// Coordinator turns view events into at most one mark-read call per
// conversation per debounce window. Conversations with nothing unread
// never reach the network, so re-opening an already-read thread is
// free. A failed call leaves local read state untouched; the next view
// event simply tries again.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	window  time.Duration
	clock   clock.Clock
	threads *thread.Store
	dir     *directory.Directory
	api     remote.API
	sched   *scheduler.Scheduler
	bus     *bus.Bus
	cache   Cache
	selfID  string
	logger  *zap.Logger
}

// New creates a coordinator with the given debounce window.
func New(window time.Duration, clk clock.Clock, threads *thread.Store, dir *directory.Directory, api remote.API, sched *scheduler.Scheduler, b *bus.Bus, cache Cache, selfID string, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		pending: make(map[string]*time.Timer),
		window:  window,
		clock:   clk,
		threads: threads,
		dir:     dir,
		api:     api,
		sched:   sched,
		bus:     b,
		cache:   cache,
		selfID:  selfID,
		logger:  logger,
	}
}

// MarkConversationRead schedules a mark-read for the conversation. Calls
// landing inside an open window collapse into the already-armed flush.
func (c *Coordinator) MarkConversationRead(conversationID string) {
	if c.threads.UnreadCount(conversationID) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, armed := c.pending[conversationID]; armed {
		return
	}
	c.pending[conversationID] = time.AfterFunc(c.window, func() {
		c.flush(conversationID)
	})
}

// flush performs the actual network call and, on success, applies the
// read state locally and to the durable cache.
func (c *Coordinator) flush(conversationID string) {
	c.mu.Lock()
	delete(c.pending, conversationID)
	c.mu.Unlock()

	// The window may have been long enough for a poll to mark everything
	// read already.
	if c.threads.UnreadCount(conversationID) == 0 {
		return
	}

	err := c.sched.RunOnce(context.Background(), "read:"+conversationID, func(ctx context.Context) error {
		return c.api.MarkRead(ctx, conversationID)
	})
	if err != nil {
		c.logger.Warn("mark read failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return
	}

	at := c.clock.Now().UnixMilli()
	changed := c.threads.MarkRead(conversationID, at)
	if c.cache != nil {
		if _, err := c.cache.MarkMessagesRead(conversationID, c.selfID, at); err != nil {
			c.logger.Warn("persist read state failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
		}
	}
	if c.dir != nil {
		c.dir.Recount(conversationID)
	}
	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      "read.marked",
			Timestamp: time.Now(),
			Payload:   map[string]any{"conversation_id": conversationID, "changed": changed},
		})
	}
}

// Close cancels pending flushes. Used on daemon shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, timer := range c.pending {
		timer.Stop()
		delete(c.pending, id)
	}
}
