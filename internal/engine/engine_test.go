package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
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
)

// fakeRemote is an in-memory message store speaking the HTTP contract.
type fakeRemote struct {
	mu            sync.Mutex
	conversations []remote.Conversation
	messages      map[string][]remote.Message
	nextID        int

	failSends   int  // remaining sends to reject with 502
	rejectSends bool // reject sends with 422
	failLists   bool // reject list pulls with 500

	sendCalls   int
	readCalls   int
	typingPings []bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{messages: make(map[string][]remote.Message)}
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failLists {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(f.conversations)
	})
	mux.HandleFunc("/conversations/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/conversations/"), "/")
		if len(parts) != 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		convID, op := parts[0], parts[1]

		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case op == "messages" && r.Method == http.MethodGet:
			msgs := f.messages[convID]
			if msgs == nil {
				msgs = []remote.Message{}
			}
			_ = json.NewEncoder(w).Encode(msgs)
		case op == "messages" && r.Method == http.MethodPost:
			f.sendCalls++
			if f.failSends > 0 {
				f.failSends--
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			if f.rejectSends {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_ = json.NewEncoder(w).Encode(map[string]string{"field": "content", "reason": "rejected"})
				return
			}
			var body struct {
				Content   string `json:"content"`
				ClientRef string `json:"client_ref"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.nextID++
			msg := remote.Message{
				ID:             fmt.Sprintf("srv-%d", f.nextID),
				ConversationID: convID,
				SenderID:       "self",
				SenderType:     "self",
				Content:        body.Content,
				MessageType:    "text",
				CreatedAt:      time.Now().UnixMilli(),
				ClientRef:      body.ClientRef,
			}
			f.messages[convID] = append(f.messages[convID], msg)
			_ = json.NewEncoder(w).Encode(msg)
		case op == "read" && r.Method == http.MethodPost:
			f.readCalls++
			now := time.Now().UnixMilli()
			msgs := f.messages[convID]
			for i := range msgs {
				if msgs[i].ReadAt == nil {
					ts := now
					msgs[i].ReadAt = &ts
				}
			}
			w.WriteHeader(http.StatusOK)
		case op == "typing" && r.Method == http.MethodPost:
			var body struct {
				IsTyping bool `json:"is_typing"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.typingPings = append(f.typingPings, body.IsTyping)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return mux
}

func testConfig(baseURL string) config.Config {
	cfg := *config.Default()
	cfg.Server = config.Server{BaseURL: baseURL, SelfUserID: "self"}
	cfg.Sync.ListPollInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Sync.ThreadPollInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Sync.BackoffBase = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Sync.BackoffMax = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Typing.Debounce = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Typing.QuietWindow = config.Duration{Duration: 100 * time.Millisecond}
	cfg.Typing.TTL = config.Duration{Duration: 5 * time.Second}
	cfg.Receipt.Debounce = config.Duration{Duration: 10 * time.Millisecond}
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, db *store.DB) *Engine {
	t.Helper()

	b := bus.New()
	clk := clock.System{}
	threads := thread.NewStore(cfg.Server.SelfUserID, clk, b, nil)
	dir := directory.New(threads, b)
	tracker := typing.New(clk, b, cfg.Typing.Debounce.Duration, cfg.Typing.QuietWindow.Duration, cfg.Typing.TTL.Duration)
	api := remote.NewClient(cfg.Server.BaseURL, cfg.Server.AuthToken, nil)

	pullSched := scheduler.New(scheduler.Config{
		BackoffBase: cfg.Sync.BackoffBase.Duration,
		BackoffMax:  cfg.Sync.BackoffMax.Duration,
		Attempts:    cfg.Sync.PullAttempts,
		Retryable:   remote.IsTransient,
	}, nil)
	sendSched := scheduler.New(scheduler.Config{
		BackoffBase: cfg.Sync.BackoffBase.Duration,
		BackoffMax:  cfg.Sync.BackoffMax.Duration,
		Attempts:    cfg.Sync.SendAttempts,
		Retryable:   remote.IsTransient,
	}, nil)
	var cache receipts.Cache
	if db != nil {
		cache = db
	}
	rc := receipts.New(cfg.Receipt.Debounce.Duration, clk, threads, dir, api, sendSched, b, cache, cfg.Server.SelfUserID, nil)

	return New(cfg, api, threads, dir, tracker, rc, pullSched, sendSched, db, b, clk, nil)
}

func testEngineAgainst(t *testing.T, f *fakeRemote) *Engine {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	e := newTestEngine(t, testConfig(srv.URL), nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestListPollPopulatesDirectory(t *testing.T) {
	f := newFakeRemote()
	f.conversations = []remote.Conversation{
		{ID: "c1", ParticipantName: "Alice", LastActivityAt: 100},
		{ID: "c2", ParticipantName: "Bob", LastActivityAt: 200},
	}
	e := testEngineAgainst(t, f)

	waitFor(t, "directory populated", func() bool {
		return len(e.Conversations()) == 2
	})
	if got := e.Conversations(); got[0].ID != "c2" {
		t.Errorf("top = %s, want c2 (most recent)", got[0].ID)
	}
}

func TestSendConfirmsOptimisticEntry(t *testing.T) {
	f := newFakeRemote()
	e := testEngineAgainst(t, f)

	localID := e.Send("c1", "hello")
	if localID == "" {
		t.Fatal("no local id")
	}

	// Visible immediately, before any network round trip completes.
	if msgs := e.Messages("c1"); len(msgs) != 1 {
		t.Fatalf("optimistic entry missing: %+v", msgs)
	}

	waitFor(t, "send confirmed", func() bool {
		m := e.Messages("c1")
		return len(m) == 1 && m[0].Delivery == thread.Sent && m[0].ServerID != ""
	})
}

func TestSendPollRaceLeavesOneVisibleCopy(t *testing.T) {
	f := newFakeRemote()
	e := testEngineAgainst(t, f)
	e.OpenConversation("c1")

	e.Send("c1", "raced message")

	waitFor(t, "confirm", func() bool {
		m := e.Messages("c1")
		return len(m) == 1 && m[0].ServerID != ""
	})
	// Keep polling past the confirm; the server echo carries client_ref,
	// so merges must keep collapsing onto the confirmed entry.
	time.Sleep(100 * time.Millisecond)
	if got := len(e.Messages("c1")); got != 1 {
		t.Errorf("visible copies = %d, want exactly 1", got)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	f := newFakeRemote()
	f.failSends = 2
	e := testEngineAgainst(t, f)

	e.Send("c1", "eventually")

	waitFor(t, "send confirmed after retries", func() bool {
		m := e.Messages("c1")
		return len(m) == 1 && m[0].Delivery == thread.Sent
	})
	f.mu.Lock()
	calls := f.sendCalls
	f.mu.Unlock()
	if calls != 3 {
		t.Errorf("send calls = %d, want 3 (two 502s then success)", calls)
	}
}

func TestSendValidationFailsWithoutRetry(t *testing.T) {
	f := newFakeRemote()
	f.rejectSends = true
	e := testEngineAgainst(t, f)

	localID := e.Send("c1", "bad")

	waitFor(t, "send marked failed", func() bool {
		m := e.Messages("c1")
		return len(m) == 1 && m[0].Delivery == thread.Failed
	})
	f.mu.Lock()
	calls := f.sendCalls
	f.mu.Unlock()
	if calls != 1 {
		t.Errorf("send calls = %d, want 1 (validation never retries)", calls)
	}

	// Retry under the same local id once the server accepts.
	f.mu.Lock()
	f.rejectSends = false
	f.mu.Unlock()
	if !e.Retry("c1", localID) {
		t.Fatal("retry rejected")
	}
	waitFor(t, "retry confirmed", func() bool {
		m := e.Messages("c1")
		return len(m) == 1 && m[0].Delivery == thread.Sent && m[0].LocalID == localID
	})
}

func TestListFailureSetsStaleFlag(t *testing.T) {
	f := newFakeRemote()
	f.conversations = []remote.Conversation{{ID: "c1", ParticipantName: "Alice", LastActivityAt: 100}}
	e := testEngineAgainst(t, f)

	waitFor(t, "initial pull", func() bool { return len(e.Conversations()) == 1 })

	f.mu.Lock()
	f.failLists = true
	f.mu.Unlock()

	waitFor(t, "stale flag", func() bool { return e.Status().ListStale })

	// Last-known-good list stays visible while stale.
	if got := len(e.Conversations()); got != 1 {
		t.Errorf("conversations while stale = %d, want 1", got)
	}

	f.mu.Lock()
	f.failLists = false
	f.mu.Unlock()

	waitFor(t, "stale cleared", func() bool { return !e.Status().ListStale })
}

func TestThreadPollMergesServerMessages(t *testing.T) {
	f := newFakeRemote()
	f.messages["c1"] = []remote.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "peer", Content: "hey", CreatedAt: 10},
		{ID: "m2", ConversationID: "c1", SenderID: "peer", Content: "there", CreatedAt: 20},
	}
	e := testEngineAgainst(t, f)

	e.OpenConversation("c1")
	waitFor(t, "thread merged", func() bool { return len(e.Messages("c1")) == 2 })

	msgs := e.Messages("c1")
	if msgs[0].ServerID != "m1" || msgs[1].ServerID != "m2" {
		t.Errorf("order = %s,%s", msgs[0].ServerID, msgs[1].ServerID)
	}
}

func TestTypingRoundTrip(t *testing.T) {
	f := newFakeRemote()
	e := testEngineAgainst(t, f)

	e.Keystroke("c1")
	waitFor(t, "typing ping", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.typingPings) >= 1 && f.typingPings[0]
	})

	// Quiet window elapses with no further keystrokes: a stop goes out.
	waitFor(t, "typing stop", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.typingPings) >= 2 && !f.typingPings[len(f.typingPings)-1]
	})

	// Inbound presence renders, then decays via TTL handled by tracker.
	e.ObserveTyping(remote.TypingEvent{ConversationID: "c1", UserID: "u1", UserName: "Alice", IsTyping: true})
	if got := e.TypingText("c1"); got != "Alice is typing…" {
		t.Errorf("text = %q", got)
	}
}

func TestMarkReadDebouncedToOneCall(t *testing.T) {
	f := newFakeRemote()
	f.messages["c1"] = []remote.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "peer", Content: "hey", CreatedAt: 10},
	}
	e := testEngineAgainst(t, f)

	e.OpenConversation("c1")
	waitFor(t, "thread merged", func() bool { return len(e.Messages("c1")) == 1 })

	e.MarkRead("c1")
	e.MarkRead("c1")
	e.MarkRead("c1")

	waitFor(t, "read receipt", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.readCalls >= 1
	})
	time.Sleep(50 * time.Millisecond)
	f.mu.Lock()
	calls := f.readCalls
	f.mu.Unlock()
	if calls != 1 {
		t.Errorf("read calls = %d, want 1", calls)
	}
}

func TestWarmStartResumesQueuedSends(t *testing.T) {
	f := newFakeRemote()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// A send queued by a previous run that never went out.
	if err := db.SavePending(&store.Message{
		ConversationID: "c1", LocalID: "l-old", SenderID: "self", SenderType: "self",
		Content: "left behind", MessageType: "text", CreatedAt: 1000, Delivery: "pending",
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("l-old", "c1", "left behind"); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, testConfig(srv.URL), db)
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	waitFor(t, "resumed send confirmed", func() bool {
		m := e.Messages("c1")
		return len(m) == 1 && m[0].Delivery == thread.Sent && m[0].LocalID == "l-old"
	})
	waitFor(t, "outbox drained", func() bool {
		pending, err := db.PendingOutbox()
		return err == nil && len(pending) == 0
	})
}

func TestSearchFindsPersistedMessages(t *testing.T) {
	f := newFakeRemote()
	f.messages["c1"] = []remote.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "peer", Content: "the quarterly report", CreatedAt: 10},
		{ID: "m2", ConversationID: "c1", SenderID: "peer", Content: "lunch tomorrow?", CreatedAt: 20},
	}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	e := newTestEngine(t, testConfig(srv.URL), db)
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	e.OpenConversation("c1")
	waitFor(t, "messages persisted", func() bool {
		results, err := e.Search("quarterly", "", 10)
		return err == nil && len(results) == 1
	})
}

func testCacheDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestWarmStartFlagsCachedListUntilRefresh(t *testing.T) {
	f := newFakeRemote()
	f.conversations = []remote.Conversation{{ID: "c1", ParticipantName: "Alice", LastActivityAt: 100}}
	f.failLists = true
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	db := testCacheDB(t)
	// Leftovers from a previous run.
	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantName: "Alice", LastActivityAt: 100}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState("last_list_pull_at", "12345"); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, testConfig(srv.URL), db)
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	// The cached list paints immediately but is flagged until a pull
	// lands.
	if got := len(e.Conversations()); got != 1 {
		t.Fatalf("hydrated conversations = %d, want 1", got)
	}
	st := e.Status()
	if !st.ListStale {
		t.Error("cached list not flagged stale before first refresh")
	}
	if st.LastSyncAt != 12345 {
		t.Errorf("last sync = %d, want 12345 from sync_state", st.LastSyncAt)
	}

	f.mu.Lock()
	f.failLists = false
	f.mu.Unlock()

	waitFor(t, "stale cleared by refresh", func() bool { return !e.Status().ListStale })
	if got := e.Status().LastSyncAt; got <= 12345 {
		t.Errorf("last sync = %d, want advanced past the seeded cursor", got)
	}
	v, ok, err := db.GetSyncState("last_list_pull_at")
	if err != nil || !ok {
		t.Fatalf("sync_state missing after pull: %v %v", ok, err)
	}
	if v == "12345" {
		t.Error("sync_state cursor not rewritten by the successful pull")
	}
}

func TestMarkReadPersistsToCache(t *testing.T) {
	f := newFakeRemote()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	db := testCacheDB(t)
	if err := db.UpsertMessage(&store.Message{
		ConversationID: "c7", MsgID: "m1", SenderID: "peer", SenderType: "peer",
		Content: "unread from last run", MessageType: "text", CreatedAt: 10, Delivery: "sent",
	}); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, testConfig(srv.URL), db)
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	if msgs := e.Messages("c7"); len(msgs) != 1 || msgs[0].ReadAt != nil {
		t.Fatalf("hydrated thread wrong: %+v", msgs)
	}

	e.MarkRead("c7")

	// The acknowledged receipt must reach the cache row, not just the
	// in-memory thread; otherwise a restart resurrects the badge.
	waitFor(t, "read state persisted", func() bool {
		rows, err := db.ListMessages("c7", 0, 10)
		return err == nil && len(rows) == 1 && rows[0].ReadAt != nil
	})
}

func TestOpenConversationLoadsUnhydratedCacheRow(t *testing.T) {
	f := newFakeRemote()
	f.failLists = true
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	db := testCacheDB(t)
	e := newTestEngine(t, testConfig(srv.URL), db)
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	// A row the startup hydration never saw.
	if err := db.UpsertConversation(&store.Conversation{
		ID: "c9", ParticipantName: "Zoe", LastMessagePreview: "old thread", LastActivityAt: 500,
	}); err != nil {
		t.Fatal(err)
	}

	e.OpenConversation("c9")

	var found *directory.Conversation
	for _, c := range e.Conversations() {
		if c.ID == "c9" {
			found = &c
			break
		}
	}
	if found == nil {
		t.Fatal("opened conversation missing from directory")
	}
	if found.ParticipantName != "Zoe" || found.LastActivityAt != 500 {
		t.Errorf("cache row not adopted: %+v", *found)
	}
}
