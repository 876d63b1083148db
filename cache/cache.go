// Package cache keeps the conversation record and its most recent messages in memory.
// It is an optimization only: every miss, and every failure, falls through to the store.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/dgraph-io/ristretto"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/pagination"
	"ephemera/storage"
)

const (
	// DefaultRecentMessages is the number of newest messages kept per conversation.
	DefaultRecentMessages = 50
	// DefaultTTL caps how long an entry may stay cached.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxCost is the number of conversations kept.
	DefaultMaxCost = 10_000

	// dirty markers are dropped in bulk past this size.
	maxDirtyMarkers = 4096
)

// Config controls the cache.
type Config struct {
	Enabled        bool
	RecentMessages int
	TTL            time.Duration
	MaxCost        int64
	Clock          clock.Clock
}

// Entry is an immutable cached snapshot of one conversation.
type Entry struct {
	Conversation storage.Conversation
	// Messages holds the newest messages in ascending (created_at, message_id) order.
	Messages []storage.Message
	// Complete is true when Messages holds the whole conversation history.
	Complete bool
}

// Cache is a read-through cache keyed by conversation id.
//
// Entries are never mutated in place; writers replace them under mu. Fill tokens
// keep a reader that loaded from the store before a concurrent write from
// installing a snapshot that misses that write.
type Cache struct {
	rc     *ristretto.Cache
	recent int
	ttl    time.Duration
	clock  clock.Clock

	mu    sync.Mutex
	seq   uint64
	floor uint64
	dirty map[string]uint64
}

// New creates a cache. A disabled config yields a cache that always misses.
func New(cfg Config) (*Cache, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RecentMessages <= 0 {
		cfg.RecentMessages = DefaultRecentMessages
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = DefaultMaxCost
	}

	c := &Cache{
		recent: cfg.RecentMessages,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		dirty:  make(map[string]uint64),
	}
	if !cfg.Enabled {
		return c, nil
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxCost * 10,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
		// Cost counts conversations, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	c.rc = rc
	return c, nil
}

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool {
	return c != nil && c.rc != nil
}

// RecentMessages returns the number of messages kept per entry.
func (c *Cache) RecentMessages() int {
	if c == nil {
		return DefaultRecentMessages
	}
	return c.recent
}

// Get returns the cached entry for conversationID. Entries whose conversation TTL
// elapsed are evicted and reported as a miss.
func (c *Cache) Get(conversationID string) (Entry, bool) {
	if !c.Enabled() {
		return Entry{}, false
	}
	value, ok := c.rc.Get(conversationID)
	if !ok {
		return Entry{}, false
	}
	entry, ok := value.(*Entry)
	if !ok || entry == nil {
		return Entry{}, false
	}
	if entry.Conversation.ExpiredAt(c.nowMillis()) {
		c.Evict(conversationID)
		return Entry{}, false
	}
	return *entry, true
}

// BeginFill returns a token to pass to Fill. It must be taken before reading the store.
func (c *Cache) BeginFill() uint64 {
	if !c.Enabled() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Fill installs an entry loaded from the store, unless the conversation changed since
// token was taken. Only ACTIVE conversations are cached.
func (c *Cache) Fill(token uint64, entry Entry) bool {
	if !c.Enabled() {
		return false
	}
	if entry.Conversation.Status != storage.ConversationStatusActive {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := entry.Conversation.ConversationID
	if token < c.floor || c.dirty[id] > token {
		return false
	}
	if len(entry.Messages) > c.recent {
		entry.Messages = entry.Messages[len(entry.Messages)-c.recent:]
		entry.Complete = false
	}
	return c.storeLocked(entry)
}

// Append adds a freshly stored message to the cached entry, dropping the oldest
// messages beyond the configured window. A message already present is left as is:
// the cached copy was loaded from the store later and may carry a newer status.
func (c *Cache) Append(message storage.Message) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := message.ConversationID
	c.markDirtyLocked(id)

	current, ok := c.getLocked(id)
	if !ok {
		return
	}
	for _, m := range current.Messages {
		if m.MessageID == message.MessageID {
			return
		}
	}

	next := Entry{
		Conversation: current.Conversation,
		Messages:     make([]storage.Message, 0, len(current.Messages)+1),
		Complete:     current.Complete,
	}
	next.Messages = append(next.Messages, current.Messages...)
	next.Messages = append(next.Messages, message)
	sort.SliceStable(next.Messages, func(i, j int) bool {
		return positionLess(next.Messages[i], next.Messages[j])
	})
	if len(next.Messages) > c.recent {
		next.Messages = next.Messages[len(next.Messages)-c.recent:]
		next.Complete = false
	}
	c.storeLocked(next)
}

// UpdateStatus patches the delivery status of a cached message.
func (c *Cache) UpdateStatus(conversationID, messageID, status string, at int64) {
	c.patch(conversationID, messageID, func(m *storage.Message) {
		m.DeliveryStatus = status
		m.StatusChangedAt = &at
	})
}

// MarkRead patches read_at of a cached message if it is still unset.
func (c *Cache) MarkRead(conversationID, messageID string, at int64) {
	c.patch(conversationID, messageID, func(m *storage.Message) {
		if m.ReadAt == nil {
			m.ReadAt = &at
		}
	})
}

// Evict drops the conversation entry.
func (c *Cache) Evict(conversationID string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markDirtyLocked(conversationID)
	c.rc.Del(conversationID)
}

// Close releases the cache goroutines.
func (c *Cache) Close() {
	if c.Enabled() {
		c.rc.Close()
	}
}

func (c *Cache) patch(conversationID, messageID string, fn func(*storage.Message)) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.markDirtyLocked(conversationID)
	current, ok := c.getLocked(conversationID)
	if !ok {
		return
	}
	next := current
	next.Messages = append([]storage.Message(nil), current.Messages...)
	for i := range next.Messages {
		if next.Messages[i].MessageID == messageID {
			fn(&next.Messages[i])
			c.storeLocked(next)
			return
		}
	}
	// The message is outside the window or not appended yet; a later Append must not
	// install an older copy, so the entry goes.
	c.rc.Del(conversationID)
}

func (c *Cache) getLocked(conversationID string) (Entry, bool) {
	value, ok := c.rc.Get(conversationID)
	if !ok {
		return Entry{}, false
	}
	entry, ok := value.(*Entry)
	if !ok || entry == nil {
		return Entry{}, false
	}
	return *entry, true
}

// storeLocked replaces the entry. The old value is deleted first and the set is waited
// on so that a later Get never observes an older snapshot.
func (c *Cache) storeLocked(entry Entry) bool {
	id := entry.Conversation.ConversationID
	ttl := c.entryTTL(entry.Conversation)
	c.rc.Del(id)
	if ttl <= 0 {
		return false
	}
	stored := entry
	ok := c.rc.SetWithTTL(id, &stored, 1, ttl)
	c.rc.Wait()
	if !ok {
		jww.DEBUG.Printf("[Cache] entry rejected by admission policy")
	}
	return ok
}

// entryTTL never outlives the conversation.
func (c *Cache) entryTTL(conversation storage.Conversation) time.Duration {
	ttl := c.ttl
	if conversation.ExpiresAt != nil {
		remaining := time.Duration(*conversation.ExpiresAt-c.nowMillis()) * time.Millisecond
		if remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func (c *Cache) markDirtyLocked(conversationID string) {
	c.seq++
	if len(c.dirty) >= maxDirtyMarkers {
		c.dirty = make(map[string]uint64)
		c.floor = c.seq
	}
	c.dirty[conversationID] = c.seq
}

func (c *Cache) nowMillis() int64 {
	return c.clock.Now().UnixMilli()
}

// Page returns rows for a page query, newest first, in the limit+1 form expected by
// pagination.Build. It reports false when the entry cannot answer the query alone.
func (e Entry) Page(before *pagination.Cursor, nowMillis int64, limit int) ([]storage.Message, bool) {
	limit = pagination.ClampLimit(limit)

	rows := make([]storage.Message, 0, limit+1)
	for i := len(e.Messages) - 1; i >= 0 && len(rows) < limit+1; i-- {
		m := e.Messages[i]
		if m.ExpiresAt != nil && *m.ExpiresAt <= nowMillis {
			continue
		}
		if before != nil && !before.Before(m.CreatedAt, m.MessageID) {
			continue
		}
		rows = append(rows, m)
	}
	if len(rows) > limit || e.Complete {
		return rows, true
	}
	return nil, false
}

func positionLess(a, b storage.Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.MessageID < b.MessageID
}
