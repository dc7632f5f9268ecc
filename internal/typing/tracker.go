package typing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tsoares/courier/internal/bus"
	"github.com/tsoares/courier/internal/clock"
	"github.com/tsoares/courier/internal/remote"
)

// Tracker handles typing presence in both directions. Outbound, it
// rate-limits keystroke broadcasts to one ping per debounce window with
// a trailing stop after a quiet period. Inbound, remote typing state is
// data-with-expiry: entries are pruned lazily on every read, so a
// consumer that stalls simply reads empty instead of stale — no
// background sweep is needed for correctness.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	bus      *bus.Bus
	debounce time.Duration
	quiet    time.Duration
	ttl      time.Duration

	// outbound, per conversation
	lastPing      map[string]time.Time
	lastKeystroke map[string]time.Time
	broadcasting  map[string]bool

	// inbound: conversation -> user -> entry
	peers map[string]map[string]peerEntry
}

type peerEntry struct {
	name      string
	expiresAt time.Time
}

// New creates a tracker with the given windows.
func New(clk clock.Clock, b *bus.Bus, debounce, quiet, ttl time.Duration) *Tracker {
	return &Tracker{
		clock:         clk,
		bus:           b,
		debounce:      debounce,
		quiet:         quiet,
		ttl:           ttl,
		lastPing:      make(map[string]time.Time),
		lastKeystroke: make(map[string]time.Time),
		broadcasting:  make(map[string]bool),
		peers:         make(map[string]map[string]peerEntry),
	}
}

// Keystroke records local typing activity and reports whether a ping
// should go out now. At most one ping per debounce window regardless of
// typing speed.
func (t *Tracker) Keystroke(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.lastKeystroke[conversationID] = now

	if last, ok := t.lastPing[conversationID]; ok && now.Sub(last) < t.debounce {
		return false
	}
	t.lastPing[conversationID] = now
	t.broadcasting[conversationID] = true
	return true
}

// QuietExpired reports whether a trailing "stopped typing" broadcast is
// due: the local user was broadcasting and has been quiet past the
// window. Clears the broadcast state when it fires.
func (t *Tracker) QuietExpired(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.broadcasting[conversationID] {
		return false
	}
	if t.clock.Now().Sub(t.lastKeystroke[conversationID]) < t.quiet {
		return false
	}
	t.stopLocked(conversationID)
	return true
}

// SendCompleted clears local typing state on send. Reports whether a
// stop broadcast should fire immediately.
func (t *Tracker) SendCompleted(conversationID string) bool {
	return t.Stop(conversationID)
}

// Stop clears local typing state on an explicit stop signal. Reports
// whether a stop broadcast should fire.
func (t *Tracker) Stop(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.broadcasting[conversationID] {
		return false
	}
	t.stopLocked(conversationID)
	return true
}

// Broadcasting lists conversations with an active outbound typing state,
// for the periodic quiet sweep.
func (t *Tracker) Broadcasting() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.broadcasting))
	for id, active := range t.broadcasting {
		if active {
			out = append(out, id)
		}
	}
	return out
}

func (t *Tracker) stopLocked(conversationID string) {
	delete(t.broadcasting, conversationID)
	delete(t.lastPing, conversationID)
	delete(t.lastKeystroke, conversationID)
}

// Observe records a remote typing event with a fresh TTL, or clears the
// entry on an explicit stop.
func (t *Tracker) Observe(evt remote.TypingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.peers[evt.ConversationID]
	if !ok {
		users = make(map[string]peerEntry)
		t.peers[evt.ConversationID] = users
	}

	if !evt.IsTyping {
		delete(users, evt.UserID)
	} else {
		users[evt.UserID] = peerEntry{
			name:      evt.UserName,
			expiresAt: t.clock.Now().Add(t.ttl),
		}
	}

	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Kind:      "typing.changed",
			Timestamp: time.Now(),
			Payload:   map[string]string{"conversation_id": evt.ConversationID},
		})
	}
}

// Typists returns the display names of participants currently typing,
// pruning expired entries as a side effect.
func (t *Tracker) Typists(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	users := t.peers[conversationID]
	var names []string
	for id, entry := range users {
		if !now.Before(entry.expiresAt) {
			delete(users, id)
			continue
		}
		name := entry.name
		if name == "" {
			name = id
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Text renders the typing indicator line for a conversation.
func (t *Tracker) Text(conversationID string) string {
	names := t.Typists(conversationID)
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing…", names[0], names[1])
	default:
		return "Several people are typing…"
	}
}
