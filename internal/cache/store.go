// Package cache holds the authoritative per-conversation message arrays
// and their sync flags. Every write merges by server id so a delta page
// and a live push racing for the same message never produce two rows.
package cache

import (
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/alexjbarnes/timeline-sync/internal/state"
)

// Persister is the subset of state.State the store writes through to.
// A nil Persister keeps the store memory-only.
type Persister interface {
	ConversationKeys() ([]string, error)
	GetConversation(key string) (state.ConversationState, error)
	SetConversation(key string, cs state.ConversationState) error
	PutMessages(key string, msgs []models.Message, dropLocal []string) error
	Messages(key string) ([]models.Message, error)
	DeleteConversation(key string) error
}

// Meta is the per-conversation sync flag set. Cursor is the smallest
// cached server id (0 when none). HasMore nil means the server has not
// said yet.
type Meta struct {
	Loaded     bool
	Loading    bool
	Cursor     int64
	HasMore    *bool
	ReadMarker int64
	Unread     int
}

// MergeResult reports what a merge changed.
type MergeResult struct {
	Added    int
	Updated  int
	Replaced int
}

// Changed reports whether the merge altered the cached array.
func (r MergeResult) Changed() bool {
	return r.Added > 0 || r.Updated > 0 || r.Replaced > 0
}

type conversation struct {
	messages []models.Message
	meta     Meta
	preview  *models.Message
}

// Store is the Cache Store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	convs   map[string]*conversation
	persist Persister
	logger  *slog.Logger
}

// New creates a store writing through to p. p may be nil.
func New(p Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		convs:   make(map[string]*conversation),
		persist: p,
		logger:  logger,
	}
}

// Hydrate loads every persisted conversation into memory. Call once at
// startup before the router issues requests.
func (s *Store) Hydrate() error {
	if s.persist == nil {
		return nil
	}

	keys, err := s.persist.ConversationKeys()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		cs, err := s.persist.GetConversation(key)
		if err != nil {
			return err
		}

		msgs, err := s.persist.Messages(key)
		if err != nil {
			return err
		}

		merged, _, _ := mergeMessages(nil, msgs)
		c := &conversation{
			messages: merged,
			preview:  cs.Preview,
			meta: Meta{
				Loaded:     cs.Loaded,
				Cursor:     cs.Cursor,
				HasMore:    cs.HasMore,
				ReadMarker: cs.ReadMarker,
			},
		}
		s.convs[key] = c
	}

	s.logger.Info("cache hydrated", slog.Int("conversations", len(keys)))

	return nil
}

func (s *Store) get(key string) *conversation {
	c, ok := s.convs[key]
	if !ok {
		c = &conversation{}
		s.convs[key] = c
	}

	return c
}

// Keys returns all cached conversation keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.convs))
	for k := range s.convs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Messages returns a copy of the cached array for key.
func (s *Store) Messages(key string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[key]
	if !ok {
		return nil
	}

	return slices.Clone(c.messages)
}

// Len returns the number of cached messages for key.
func (s *Store) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.convs[key]; ok {
		return len(c.messages)
	}

	return 0
}

// Meta returns the sync flags for key.
func (s *Store) Meta(key string) Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[key]
	if !ok {
		return Meta{}
	}

	m := c.meta
	if m.HasMore != nil {
		m.HasMore = models.Bool(*m.HasMore)
	}

	return m
}

// MaxID returns the largest cached server id for key.
func (s *Store) MaxID(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[key]
	if !ok {
		return 0, false
	}

	// Anchored rows are ascending and precede local placeholders.
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Anchored() {
			return c.messages[i].ID, true
		}
	}

	return 0, false
}

// MinID returns the smallest cached server id for key.
func (s *Store) MinID(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[key]
	if !ok {
		return 0, false
	}

	if len(c.messages) > 0 && c.messages[0].Anchored() {
		return c.messages[0].ID, true
	}

	return 0, false
}

// HasAnchoredEvidence reports whether anything ties the cache for key to
// the server: a cached server id or a stored cursor.
func (s *Store) HasAnchoredEvidence(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[key]
	if !ok {
		return false
	}

	if c.meta.Cursor > 0 {
		return true
	}

	return len(c.messages) > 0 && c.messages[0].Anchored()
}

// MergeRows merges a page of server rows into the cache for key.
// Re-applying a page that is already cached changes nothing.
func (s *Store) MergeRows(key string, rows []models.Message) MergeResult {
	if len(rows) == 0 {
		return MergeResult{}
	}

	s.mu.Lock()
	c := s.get(key)
	merged, res, dropLocal := mergeMessages(c.messages, rows)
	c.messages = merged
	s.mu.Unlock()

	if res.Changed() {
		s.persistMessages(key, rows, dropLocal)
	}

	return res
}

// Ingest merges a single live message. Live ingestion follows the same
// id-keyed merge as history pages.
func (s *Store) Ingest(key string, msg models.Message) MergeResult {
	return s.MergeRows(key, []models.Message{msg})
}

// UpdateMeta applies fn to the flags for key and persists the durable
// subset.
func (s *Store) UpdateMeta(key string, fn func(*Meta)) Meta {
	s.mu.Lock()
	c := s.get(key)
	before := c.meta
	fn(&c.meta)
	after := c.meta
	preview := c.preview
	s.mu.Unlock()

	if durableChanged(before, after) {
		s.persistMeta(key, after, preview)
	}

	return after
}

// SetReadMarker records the last-read server id for key. Markers only
// move forward.
func (s *Store) SetReadMarker(key string, id int64) {
	s.UpdateMeta(key, func(m *Meta) {
		if id > m.ReadMarker {
			m.ReadMarker = id
		}
	})
}

// SetUnread records the host's unread counter for key. Not persisted;
// the host re-supplies it from its contact list.
func (s *Store) SetUnread(key string, n int) {
	s.UpdateMeta(key, func(m *Meta) {
		m.Unread = max(0, n)
	})
}

// Preview returns the passive preview message for key, if any.
func (s *Store) Preview(key string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[key]
	if !ok || c.preview == nil {
		return models.Message{}, false
	}

	return *c.preview, true
}

// SetPreview stores the newest row of a passive preview page. Previews
// live outside the message array so they never count as history
// evidence.
func (s *Store) SetPreview(key string, msg models.Message) {
	s.mu.Lock()
	c := s.get(key)
	if c.preview != nil && c.preview.ID > msg.ID {
		s.mu.Unlock()
		return
	}

	c.preview = &msg
	meta := c.meta
	s.mu.Unlock()

	s.persistMeta(key, meta, &msg)
}

// Clear drops the cache for key, in memory and on disk.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	delete(s.convs, key)
	s.mu.Unlock()

	if s.persist == nil {
		return
	}

	if err := s.persist.DeleteConversation(key); err != nil {
		s.logger.Warn("failed to delete persisted conversation",
			slog.String("conversation", key),
			slog.String("error", err.Error()),
		)
	}
}

// ClearAll drops every cached conversation. Used on logout.
func (s *Store) ClearAll() {
	for _, key := range s.Keys() {
		s.Clear(key)
	}
}

// ClearLoading resets the in-flight spinner flag on every conversation.
func (s *Store) ClearLoading() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.convs {
		c.meta.Loading = false
	}
}

func (s *Store) persistMessages(key string, rows []models.Message, dropLocal []string) {
	if s.persist == nil {
		return
	}

	if err := s.persist.PutMessages(key, rows, dropLocal); err != nil {
		s.logger.Warn("failed to persist messages",
			slog.String("conversation", key),
			slog.Int("rows", len(rows)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) persistMeta(key string, m Meta, preview *models.Message) {
	if s.persist == nil {
		return
	}

	cs := state.ConversationState{
		Loaded:     m.Loaded,
		Cursor:     m.Cursor,
		HasMore:    m.HasMore,
		ReadMarker: m.ReadMarker,
		Preview:    preview,
	}
	if err := s.persist.SetConversation(key, cs); err != nil {
		s.logger.Warn("failed to persist conversation state",
			slog.String("conversation", key),
			slog.String("error", err.Error()),
		)
	}
}

func durableChanged(a, b Meta) bool {
	if a.Loaded != b.Loaded || a.Cursor != b.Cursor || a.ReadMarker != b.ReadMarker {
		return true
	}

	if (a.HasMore == nil) != (b.HasMore == nil) {
		return true
	}

	return a.HasMore != nil && *a.HasMore != *b.HasMore
}
