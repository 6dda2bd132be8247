package session

import (
	"sort"
	"sync"
)

// DefaultMaxCachedMessages bounds the per-chat message collection.
const DefaultMaxCachedMessages = 500

// ChatSummary is the cached view of one conversation, keyed by its canonical
// conversation key.
type ChatSummary struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	UnreadCount  int    `json:"unread_count"`
	Archived     bool   `json:"archived"`
	MutedUntil   int64  `json:"muted_until,omitempty"`
	IsGroup      bool   `json:"is_group"`
	LastActivity int64  `json:"last_activity"` // unix millis
}

// CachedMessage is one message inside a chat's bounded collection.
type CachedMessage struct {
	ID        string      `json:"id"`
	FromMe    bool        `json:"from_me"`
	Timestamp int64       `json:"timestamp"` // unix millis
	Kind      ContentKind `json:"kind"`
	Text      string      `json:"text"`
	MediaURL  string      `json:"media_url,omitempty"`
}

// ConversationCache holds one session's in-memory chat and message views.
// Reads are point-in-time snapshots.
type ConversationCache struct {
	mu         sync.RWMutex
	maxPerChat int
	chats      map[string]*ChatSummary
	messages   map[string][]CachedMessage // ascending by Timestamp
}

// NewConversationCache creates a cache with the given per-chat message bound.
func NewConversationCache(maxPerChat int) *ConversationCache {
	if maxPerChat <= 0 {
		maxPerChat = DefaultMaxCachedMessages
	}
	return &ConversationCache{
		maxPerChat: maxPerChat,
		chats:      make(map[string]*ChatSummary),
		messages:   make(map[string][]CachedMessage),
	}
}

// UpsertChat merges s into the cached summary for s.Key. The last-activity
// timestamp is monotonic: it only moves forward.
func (c *ConversationCache) UpsertChat(s ChatSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.chats[s.Key]
	if !ok {
		cp := s
		c.chats[s.Key] = &cp
		return
	}
	if s.Name != "" {
		existing.Name = s.Name
	}
	existing.UnreadCount = s.UnreadCount
	existing.Archived = s.Archived
	existing.MutedUntil = s.MutedUntil
	existing.IsGroup = existing.IsGroup || s.IsGroup
	if s.LastActivity > existing.LastActivity {
		existing.LastActivity = s.LastActivity
	}
}

// UpdateChat applies fn to the summary for key if it exists, creating it when
// create is set. Used for partial mutations driven by app state events.
func (c *ConversationCache) UpdateChat(key string, create bool, fn func(*ChatSummary)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.chats[key]
	if !ok {
		if !create {
			return
		}
		s = &ChatSummary{Key: key}
		c.chats[key] = s
	}
	fn(s)
}

// DeleteChat removes the summary and cached messages for key.
func (c *ConversationCache) DeleteChat(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chats, key)
	delete(c.messages, key)
}

// CacheMessage inserts m into key's collection, keeping it sorted ascending by
// timestamp and bounded: insertion beyond the bound evicts the oldest entries.
// Chat last-activity is bumped to the message timestamp if newer.
func (c *ConversationCache) CacheMessage(key string, m CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.messages[key]
	idx := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].Timestamp > m.Timestamp
	})
	msgs = append(msgs, CachedMessage{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = m
	if len(msgs) > c.maxPerChat {
		msgs = msgs[len(msgs)-c.maxPerChat:]
	}
	c.messages[key] = msgs

	if s, ok := c.chats[key]; ok {
		if m.Timestamp > s.LastActivity {
			s.LastActivity = m.Timestamp
		}
	} else {
		c.chats[key] = &ChatSummary{Key: key, LastActivity: m.Timestamp}
	}
}

// ListChats returns up to limit summaries sorted by last activity, newest
// first. limit <= 0 means no truncation.
func (c *ConversationCache) ListChats(limit int) []ChatSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ChatSummary, 0, len(c.chats))
	for _, s := range c.chats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity > out[j].LastActivity
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListMessages returns key's messages ascending by timestamp. beforeMs > 0
// filters to messages strictly before the cutoff. The result is the tail of
// the filtered set: the most recent limit entries, still in chronological
// order.
func (c *ConversationCache) ListMessages(key string, limit int, beforeMs int64) []CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.messages[key]
	end := len(msgs)
	if beforeMs > 0 {
		end = sort.Search(len(msgs), func(i int) bool {
			return msgs[i].Timestamp >= beforeMs
		})
	}
	start := 0
	if limit > 0 && end-start > limit {
		start = end - limit
	}
	out := make([]CachedMessage, end-start)
	copy(out, msgs[start:end])
	return out
}
