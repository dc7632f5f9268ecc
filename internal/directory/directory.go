package directory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tsoares/courier/internal/bus"
	"github.com/tsoares/courier/internal/remote"
	"github.com/tsoares/courier/internal/thread"
)

// Conversation is one directory row. Unread is always recomputed from
// message state in the thread store, never carried independently, so it
// cannot drift from what the thread actually shows.
type Conversation struct {
	ID                 string
	ParticipantName    string
	ParticipantAvatar  string
	LastMessagePreview string
	LastActivityAt     int64
	ContextRef         string
	Unread             int
}

// Directory maintains the ordered, de-duplicated conversation list fed
// by periodic pulls and post-send refreshes.
type Directory struct {
	mu       sync.Mutex
	byID     map[string]*Conversation
	threads  *thread.Store
	bus      *bus.Bus
	selected string
	stale    bool
	staleErr string
}

// New creates an empty directory backed by the given thread store for
// unread recomputation.
func New(threads *thread.Store, b *bus.Bus) *Directory {
	return &Directory{
		byID:    make(map[string]*Conversation),
		threads: threads,
		bus:     b,
	}
}

// Merge upserts the server list by conversation id and recomputes sort
// order and unread counts. Conversations absent from the page are kept:
// a short server response never shrinks the local list.
func (d *Directory) Merge(list []remote.Conversation) {
	d.mu.Lock()
	for _, rc := range list {
		if rc.ID == "" {
			continue
		}
		c, ok := d.byID[rc.ID]
		if !ok {
			c = &Conversation{ID: rc.ID}
			d.byID[rc.ID] = c
		}
		c.ParticipantName = rc.ParticipantName
		c.ParticipantAvatar = rc.ParticipantAvatar
		c.LastMessagePreview = rc.LastMessagePreview
		if rc.LastActivityAt > c.LastActivityAt {
			c.LastActivityAt = rc.LastActivityAt
		}
		c.ContextRef = rc.ContextRef
		c.Unread = d.threads.UnreadCount(rc.ID)
	}
	d.mu.Unlock()

	d.notify()
}

// Touch updates a conversation's activity ordering and preview after a
// local send or a thread merge, without waiting for the next list poll.
func (d *Directory) Touch(conversationID, preview string, activityAt int64) {
	d.mu.Lock()
	c, ok := d.byID[conversationID]
	if !ok {
		c = &Conversation{ID: conversationID}
		d.byID[conversationID] = c
	}
	if activityAt > c.LastActivityAt {
		c.LastActivityAt = activityAt
		if preview != "" {
			c.LastMessagePreview = preview
		}
	}
	c.Unread = d.threads.UnreadCount(conversationID)
	d.mu.Unlock()

	d.notify()
}

// Recount refreshes the unread counter for one conversation from
// message state.
func (d *Directory) Recount(conversationID string) {
	d.mu.Lock()
	c, ok := d.byID[conversationID]
	if ok {
		c.Unread = d.threads.UnreadCount(conversationID)
	}
	d.mu.Unlock()
	if ok {
		d.notify()
	}
}

// List returns the conversations ordered by last activity, newest
// first.
func (d *Directory) List() []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Filter returns conversations whose participant name contains query,
// case-insensitively. Pure; no network effect.
func (d *Directory) Filter(query string) []Conversation {
	all := d.List()
	if query == "" {
		return all
	}
	q := strings.ToLower(query)
	out := all[:0:0]
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.ParticipantName), q) {
			out = append(out, c)
		}
	}
	return out
}

// Get returns one conversation by id.
func (d *Directory) Get(conversationID string) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Select marks a conversation as the active one.
func (d *Directory) Select(conversationID string) {
	d.mu.Lock()
	d.selected = conversationID
	d.mu.Unlock()
}

// Selected returns the active conversation id, or "".
func (d *Directory) Selected() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// SelectDefault picks the first conversation when nothing is selected
// and the list is non-empty. Returns the resulting selection.
func (d *Directory) SelectDefault() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.selected != "" {
		return d.selected
	}
	ordered := d.snapshotLocked()
	if len(ordered) == 0 {
		return ""
	}
	d.selected = ordered[0].ID
	return d.selected
}

// MarkStale flags that the last list refresh failed; the list keeps
// showing last-known-good data.
func (d *Directory) MarkStale(reason string) {
	d.mu.Lock()
	d.stale = true
	d.staleErr = reason
	d.mu.Unlock()
	d.notify()
}

// ClearStale resets the refresh-failed flag after a successful pull.
func (d *Directory) ClearStale() {
	d.mu.Lock()
	changed := d.stale
	d.stale = false
	d.staleErr = ""
	d.mu.Unlock()
	if changed {
		d.notify()
	}
}

// Stale reports whether the list is showing last-known-good data and
// why.
func (d *Directory) Stale() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stale, d.staleErr
}

func (d *Directory) snapshotLocked() []Conversation {
	out := make([]Conversation, 0, len(d.byID))
	for _, c := range d.byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt != out[j].LastActivityAt {
			return out[i].LastActivityAt > out[j].LastActivityAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) notify() {
	if d.bus != nil {
		d.bus.Publish(bus.Event{Kind: "conversation.updated", Timestamp: time.Now()})
	}
}
