package thread

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tsoares/courier/internal/bus"
	"github.com/tsoares/courier/internal/clock"
	"github.com/tsoares/courier/internal/remote"
	"go.uber.org/zap"
)

// Delivery is the send state of a self-authored message.
type Delivery string

const (
	Pending Delivery = "pending"
	Sent    Delivery = "sent"
	Failed  Delivery = "failed"
)

// Message is one entry in a conversation's reconciled log. Optimistic
// entries carry only a LocalID; server-confirmed entries carry a
// ServerID. Confirm is the only bridge between the two id spaces.
type Message struct {
	LocalID        string
	ServerID       string
	ConversationID string
	SenderID       string
	SenderType     string
	Content        string
	MessageType    string
	Metadata       json.RawMessage
	CreatedAt      int64 // unix ms; client time until confirmed
	ReadAt         *int64
	Delivery       Delivery
	FailReason     string
}

// key is the id used for ordering ties: server id once known, local id
// before that. Stable because confirm keeps the entry's position.
func (m *Message) key() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.LocalID
}

// Draft is the input to an optimistic send.
type Draft struct {
	Content     string
	MessageType string
	Metadata    json.RawMessage
}

// Store is the single source of truth for message sequences, merging
// local optimistic writes with server-confirmed state. Every mutation is
// one synchronous step under the store mutex, so interleaved poll and
// send callbacks never observe a partial merge.
type Store struct {
	mu      sync.Mutex
	selfID  string
	clock   clock.Clock
	bus     *bus.Bus
	logger  *zap.Logger
	threads map[string]*state
}

type state struct {
	entries  []*Message
	byServer map[string]*Message
	byLocal  map[string]*Message
}

// NewStore creates an empty store. selfID identifies the local user so
// unread counts can exclude self-authored messages.
func NewStore(selfID string, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		selfID:  selfID,
		clock:   clk,
		bus:     b,
		logger:  logger,
		threads: make(map[string]*state),
	}
}

func (s *Store) thread(conversationID string) *state {
	t, ok := s.threads[conversationID]
	if !ok {
		t = &state{
			byServer: make(map[string]*Message),
			byLocal:  make(map[string]*Message),
		}
		s.threads[conversationID] = t
	}
	return t
}

// AppendOptimistic inserts a pending self-authored message and returns
// its local id. Never touches the network, never fails.
func (s *Store) AppendOptimistic(conversationID string, draft Draft) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgType := draft.MessageType
	if msgType == "" {
		msgType = "text"
	}
	msg := &Message{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.selfID,
		SenderType:     "self",
		Content:        draft.Content,
		MessageType:    msgType,
		Metadata:       draft.Metadata,
		CreatedAt:      s.clock.Now().UnixMilli(),
		Delivery:       Pending,
	}

	t := s.thread(conversationID)
	t.insert(msg)
	t.byLocal[msg.LocalID] = msg

	s.notify("message.upserted", conversationID)
	return msg.LocalID
}

// Confirm replaces the optimistic entry with the server record in place:
// same position, server id adopted. If the optimistic entry was evicted,
// the confirmed message is inserted by sort position instead. If a poll
// already delivered the server copy, the optimistic duplicate is
// dropped. Confirming the same local id twice is a no-op.
func (s *Store) Confirm(localID string, srv remote.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(srv.ConversationID)
	entry := t.byLocal[localID]

	if entry == nil {
		// Evicted (thread reloaded): fall back to a plain merge insert.
		s.mergeOne(t, srv)
		s.notify("message.upserted", srv.ConversationID)
		return
	}
	if entry.ServerID != "" {
		return // already confirmed
	}

	if existing, ok := t.byServer[srv.ID]; ok && existing != entry {
		// The poll raced the ack and already inserted the server copy.
		// Keep the polled entry; remove the optimistic duplicate.
		t.remove(entry)
		delete(t.byLocal, localID)
		existing.LocalID = localID
		existing.Delivery = Sent
		t.byLocal[localID] = existing
	} else {
		entry.ServerID = srv.ID
		entry.Content = srv.Content
		entry.Metadata = srv.Metadata
		entry.CreatedAt = t.clampAt(entry, srv.CreatedAt)
		entry.ReadAt = srv.ReadAt
		entry.Delivery = Sent
		entry.FailReason = ""
		t.byServer[srv.ID] = entry
	}

	s.publish(bus.Event{
		Kind:      "message.send_ack",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": srv.ConversationID, "local_id": localID, "server_id": srv.ID},
	})
	s.notify("message.upserted", srv.ConversationID)
}

// Fail marks an optimistic entry failed. The entry stays visible so the
// UI can offer retry; nothing here re-attempts the send.
func (s *Store) Fail(conversationID, localID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.thread(conversationID).byLocal[localID]
	if entry == nil || entry.ServerID != "" {
		return
	}
	entry.Delivery = Failed
	entry.FailReason = reason

	s.publish(bus.Event{
		Kind:      "message.send_failed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID, "local_id": localID, "reason": reason},
	})
	s.notify("message.upserted", conversationID)
}

// Retry flips a failed entry back to pending and returns a copy for
// re-sending. The same local id is reused; a second optimistic entry is
// never created.
func (s *Store) Retry(conversationID, localID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.thread(conversationID).byLocal[localID]
	if entry == nil || entry.Delivery != Failed {
		return Message{}, false
	}
	entry.Delivery = Pending
	entry.FailReason = ""
	s.notify("message.upserted", conversationID)
	return *entry, true
}

// Merge folds a page of server messages into the thread. Matching
// entries (by server id) only pick up read-state changes; new messages
// insert at sort position; nothing is ever dropped, so a short server
// page can never shrink the visible set. Malformed items are logged and
// skipped individually.
func (s *Store) Merge(conversationID string, batch []remote.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(conversationID)
	inserted := 0
	for _, m := range batch {
		if m.ID == "" {
			s.logger.Warn("dropping server message without id",
				zap.String("conversation_id", conversationID))
			continue
		}
		if s.mergeOne(t, m) {
			inserted++
		}
	}
	if inserted > 0 {
		s.notify("message.upserted", conversationID)
	}
	return inserted
}

// mergeOne applies a single server message. Caller holds the mutex.
// Returns true if a new entry was inserted.
func (s *Store) mergeOne(t *state, m remote.Message) bool {
	if existing, ok := t.byServer[m.ID]; ok {
		// Read state only moves forward; a server copy that has not seen
		// the receipt yet must not un-read the local entry.
		if m.ReadAt != nil {
			existing.ReadAt = m.ReadAt
		}
		return false
	}
	if m.ClientRef != "" {
		if entry, ok := t.byLocal[m.ClientRef]; ok && entry.ServerID == "" {
			// Our own send coming back via poll before the ack: confirm
			// in place instead of inserting a duplicate.
			entry.ServerID = m.ID
			entry.CreatedAt = t.clampAt(entry, m.CreatedAt)
			entry.ReadAt = m.ReadAt
			entry.Delivery = Sent
			t.byServer[m.ID] = entry
			return false
		}
	}

	senderType := m.SenderType
	if senderType == "" {
		senderType = "peer"
	}
	msg := &Message{
		ServerID:       m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderType:     senderType,
		Content:        m.Content,
		MessageType:    m.MessageType,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
		Delivery:       Sent,
	}
	t.insert(msg)
	t.byServer[m.ID] = msg
	return true
}

// MarkRead sets ReadAt for every unread inbound message. Returns how
// many entries changed.
func (s *Store) MarkRead(conversationID string, at int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, m := range s.thread(conversationID).entries {
		if m.SenderID != s.selfID && m.ReadAt == nil {
			ts := at
			m.ReadAt = &ts
			changed++
		}
	}
	if changed > 0 {
		s.notify("message.upserted", conversationID)
	}
	return changed
}

// UnreadCount recomputes the unread total from message state. Never
// stored independently, so it cannot drift; self-authored messages
// never count.
func (s *Store) UnreadCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.thread(conversationID).entries {
		if m.SenderID != s.selfID && m.ReadAt == nil {
			n++
		}
	}
	return n
}

// Messages returns a snapshot of the thread in display order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(conversationID)
	out := make([]Message, len(t.entries))
	for i, m := range t.entries {
		out[i] = *m
	}
	return out
}

// Hydrate seeds a thread from the local cache without publishing
// events. Used on warm start before the first poll.
func (s *Store) Hydrate(conversationID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(conversationID)
	for i := range msgs {
		m := msgs[i]
		if m.ServerID != "" {
			if _, ok := t.byServer[m.ServerID]; ok {
				continue
			}
		} else if m.LocalID != "" {
			if _, ok := t.byLocal[m.LocalID]; ok {
				continue
			}
		}
		entry := &m
		t.insert(entry)
		if m.ServerID != "" {
			t.byServer[m.ServerID] = entry
		}
		if m.LocalID != "" {
			t.byLocal[m.LocalID] = entry
		}
	}
}

// Evict drops a thread's in-memory state (thread reload). Pending
// confirms for evicted entries fall back to merge-by-position.
func (s *Store) Evict(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, conversationID)
}

func (s *Store) notify(kind, conversationID string) {
	s.publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}

func (s *Store) publish(evt bus.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

// insert places m at its sorted position by (CreatedAt, key).
func (t *state) insert(m *Message) {
	i := sort.Search(len(t.entries), func(i int) bool {
		e := t.entries[i]
		if e.CreatedAt != m.CreatedAt {
			return e.CreatedAt > m.CreatedAt
		}
		return e.key() > m.key()
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = m
}

// clampAt bounds a timestamp adopted by an in-place confirm to the
// entry's neighbors. The entry keeps its position, so under client and
// server clock skew an unbounded server timestamp would leave the
// slice unsorted and break later binary-search inserts.
func (t *state) clampAt(m *Message, ts int64) int64 {
	for i, e := range t.entries {
		if e != m {
			continue
		}
		if i > 0 && ts < t.entries[i-1].CreatedAt {
			ts = t.entries[i-1].CreatedAt
		}
		if i < len(t.entries)-1 && ts > t.entries[i+1].CreatedAt {
			ts = t.entries[i+1].CreatedAt
		}
		return ts
	}
	return ts
}

func (t *state) remove(m *Message) {
	for i, e := range t.entries {
		if e == m {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}
