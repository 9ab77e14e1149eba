package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/kv"
)

const (
	// DefaultMaxConversations bounds the id space per owner: ids are drawn
	// from [0, max) and the smallest free id is reused after deletion, so
	// the visible id space stays compact and human-typeable.
	DefaultMaxConversations = 10

	// DefaultContentTTL is the sliding expiration applied to conversation
	// content and transcript keys. Membership, names and the current
	// pointer are small and never expire, so the current pointer cannot
	// dangle after content lapses.
	DefaultContentTTL = 30 * 24 * time.Hour

	// DefaultConversationID is the id used when an owner has no stored
	// current pointer.
	DefaultConversationID = "0"
)

// Sentinel errors for expected conditions. Anything else coming out of the
// manager is a backing-store failure and should be treated as fatal for the
// request.
var (
	// ErrCapacityExceeded means every conversation slot is occupied.
	ErrCapacityExceeded = errors.New("session: no free conversation slot")

	// ErrNotFound means the conversation id is not part of the owner's
	// membership set.
	ErrNotFound = errors.New("session: conversation not found")

	// ErrInvalidID means the id is not a non-negative integer within the
	// configured id space.
	ErrInvalidID = errors.New("session: invalid conversation id")

	// ErrDeleteCurrent rejects deleting the conversation the owner's
	// current pointer references.
	ErrDeleteCurrent = errors.New("session: cannot delete the current conversation")

	// ErrDeleteLast rejects deleting an owner's only conversation.
	ErrDeleteLast = errors.New("session: cannot delete the only conversation")

	// ErrAlreadyCurrent rejects switching to the conversation that is
	// already current.
	ErrAlreadyCurrent = errors.New("session: conversation is already current")
)

// Info is one row of an owner's conversation listing.
type Info struct {
	ID      string
	Name    string
	Current bool
}

// Manager owns id allocation, the current-conversation pointer, and the TTL
// policy, translating high-level operations into backing-store calls. It
// holds no per-owner state of its own (aside from the optional read cache),
// so any number of processes can share one backing store.
type Manager struct {
	store      kv.Store
	max        int
	contentTTL time.Duration
	cache      *historyCache
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxConversations overrides the per-owner conversation bound.
func WithMaxConversations(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.max = n
		}
	}
}

// WithContentTTL overrides the sliding expiration on content keys.
func WithContentTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.contentTTL = d
		}
	}
}

// WithHistoryCache enables the in-process history cache tier. Entries idle
// longer than idleTimeout are evicted by a lazy sweep that runs at most once
// per checkInterval, triggered opportunistically by manager calls. The cache
// is strictly a read accelerator in front of the store, never the source of
// truth.
func WithHistoryCache(idleTimeout, checkInterval time.Duration) Option {
	return func(m *Manager) {
		m.cache = newHistoryCache(idleTimeout, checkInterval, m.mirrorEvicted)
	}
}

// NewManager creates a Manager on top of store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		max:        DefaultMaxConversations,
		contentTTL: DefaultContentTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxConversations returns the per-owner conversation bound.
func (m *Manager) MaxConversations() int { return m.max }

// Key families. Content and transcripts expire; ids, names and the current
// pointer do not.
func idsKey(owner string) string     { return "chat:ids:" + owner }
func namesKey(owner string) string   { return "chat:names:" + owner }
func currentKey(owner string) string { return "chat:current:" + owner }
func contentKey(owner string) string { return "chat:content:" + owner }
func logKey(owner, id string) string { return "chat:log:" + owner + ":" + id }

// normalizeID validates and canonicalizes a conversation id. An empty id
// means "the default conversation".
func (m *Manager) normalizeID(id string) (string, error) {
	if id == "" {
		return DefaultConversationID, nil
	}
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 || n >= m.max {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return strconv.Itoa(n), nil
}

// CurrentID returns the owner's current-conversation pointer, or the
// default id when none is stored. No side effects.
func (m *Manager) CurrentID(ctx context.Context, owner string) (string, error) {
	v, ok, err := m.store.Get(ctx, currentKey(owner))
	if err != nil {
		return "", fmt.Errorf("session: read current pointer: %w", err)
	}
	if !ok {
		return DefaultConversationID, nil
	}
	return v, nil
}

// SetCurrentID overwrites the current pointer unconditionally. Use Switch
// when the id should be validated against the membership set first.
func (m *Manager) SetCurrentID(ctx context.Context, owner, id string) error {
	if err := m.store.Set(ctx, currentKey(owner), id, 0); err != nil {
		return fmt.Errorf("session: write current pointer: %w", err)
	}
	return nil
}

// Create allocates the smallest free id for owner, seeds it with the
// default history, names it, and makes it current. Returns
// ErrCapacityExceeded with no state mutated when every slot is taken.
//
// The writes are ordered so a crash mid-way cannot leave a current pointer
// referencing a conversation without content: content first, membership and
// name next, pointer last.
func (m *Manager) Create(ctx context.Context, owner string) (string, error) {
	ids, err := m.store.HGetAll(ctx, idsKey(owner))
	if err != nil {
		return "", fmt.Errorf("session: read membership: %w", err)
	}
	if len(ids) >= m.max {
		return "", ErrCapacityExceeded
	}

	id := ""
	for n := 0; n < m.max; n++ {
		candidate := strconv.Itoa(n)
		if _, taken := ids[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return "", ErrCapacityExceeded
	}

	if err := m.adopt(ctx, owner, id); err != nil {
		return "", err
	}
	return id, nil
}

// adopt seeds content under id and registers it as a member, named with the
// default label and made current.
func (m *Manager) adopt(ctx context.Context, owner, id string) error {
	if err := m.seedContent(ctx, owner, id); err != nil {
		return err
	}
	createdAt := time.Now().UTC().Format(time.RFC3339)
	if err := m.store.HSet(ctx, idsKey(owner), id, createdAt); err != nil {
		return fmt.Errorf("session: write membership: %w", err)
	}
	if err := m.store.HSet(ctx, namesKey(owner), id, DefaultName); err != nil {
		return fmt.Errorf("session: write name: %w", err)
	}
	if err := m.SetCurrentID(ctx, owner, id); err != nil {
		return err
	}
	return nil
}

// seedContent writes the default single-system-turn history under id and
// arms the content TTL.
func (m *Manager) seedContent(ctx context.Context, owner, id string) error {
	history := DefaultHistory()
	if err := m.writeContent(ctx, owner, id, history); err != nil {
		return err
	}
	m.cache.put(owner, id, history)
	return nil
}

// Get returns the stored history for (owner, id). A missing or expired
// conversation is a normal miss (found=false), not an error.
func (m *Manager) Get(ctx context.Context, owner, id string) ([]Turn, bool, error) {
	id, err := m.normalizeID(id)
	if err != nil {
		return nil, false, err
	}
	if history, ok := m.cache.get(owner, id); ok {
		return history, true, nil
	}
	raw, ok, err := m.store.HGet(ctx, contentKey(owner), id)
	if err != nil {
		return nil, false, fmt.Errorf("session: read history: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var history []Turn
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, false, fmt.Errorf("session: corrupt history for %s/%s: %w", owner, id, err)
	}
	m.cache.put(owner, id, history)
	return history, true, nil
}

// GetOrCreate returns the history for (owner, id), materializing the
// conversation on a miss. When the id is not yet a member it is adopted
// (subject to the capacity bound); when membership survived a content TTL
// expiry, only the content is reseeded and the id keeps its slot and name.
func (m *Manager) GetOrCreate(ctx context.Context, owner, id string) ([]Turn, error) {
	history, found, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if found {
		return history, nil
	}

	id, err = m.normalizeID(id)
	if err != nil {
		return nil, err
	}
	ids, err := m.store.HGetAll(ctx, idsKey(owner))
	if err != nil {
		return nil, fmt.Errorf("session: read membership: %w", err)
	}
	if _, member := ids[id]; member {
		// Content expired out from under a live membership entry; reseed
		// under the same id.
		if err := m.seedContent(ctx, owner, id); err != nil {
			return nil, err
		}
		return DefaultHistory(), nil
	}
	if len(ids) >= m.max {
		return nil, ErrCapacityExceeded
	}
	if err := m.adopt(ctx, owner, id); err != nil {
		return nil, err
	}
	return DefaultHistory(), nil
}

// Set overwrites the history for (owner, id) and refreshes the content TTL.
func (m *Manager) Set(ctx context.Context, owner, id string, history []Turn) error {
	id, err := m.normalizeID(id)
	if err != nil {
		return err
	}
	if err := m.writeContent(ctx, owner, id, history); err != nil {
		return err
	}
	m.cache.put(owner, id, history)
	return nil
}

// writeContent serializes and stores a history, sliding the content TTL.
func (m *Manager) writeContent(ctx context.Context, owner, id string, history []Turn) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("session: marshal history: %w", err)
	}
	if err := m.store.HSet(ctx, contentKey(owner), id, string(raw)); err != nil {
		return fmt.Errorf("session: write history: %w", err)
	}
	if err := m.store.Expire(ctx, contentKey(owner), m.contentTTL); err != nil {
		return fmt.Errorf("session: refresh content ttl: %w", err)
	}
	return nil
}

// Rename relabels a conversation. An empty id targets the current one.
func (m *Manager) Rename(ctx context.Context, owner, id, name string) error {
	var err error
	if id == "" {
		if id, err = m.CurrentID(ctx, owner); err != nil {
			return err
		}
	}
	if id, err = m.normalizeID(id); err != nil {
		return err
	}
	if err := m.requireMember(ctx, owner, id); err != nil {
		return err
	}
	if err := m.store.HSet(ctx, namesKey(owner), id, name); err != nil {
		return fmt.Errorf("session: write name: %w", err)
	}
	return nil
}

// Delete removes a conversation from membership, names, content and
// transcript together. The current conversation and an owner's only
// conversation are protected.
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	id, err := m.normalizeID(id)
	if err != nil {
		return err
	}
	ids, err := m.store.HGetAll(ctx, idsKey(owner))
	if err != nil {
		return fmt.Errorf("session: read membership: %w", err)
	}
	if _, member := ids[id]; !member {
		return ErrNotFound
	}
	current, err := m.CurrentID(ctx, owner)
	if err != nil {
		return err
	}
	if id == current {
		return ErrDeleteCurrent
	}
	if len(ids) == 1 {
		return ErrDeleteLast
	}

	if err := m.store.HDel(ctx, contentKey(owner), id); err != nil {
		return fmt.Errorf("session: delete history: %w", err)
	}
	if err := m.store.HDel(ctx, namesKey(owner), id); err != nil {
		return fmt.Errorf("session: delete name: %w", err)
	}
	if err := m.store.HDel(ctx, idsKey(owner), id); err != nil {
		return fmt.Errorf("session: delete membership: %w", err)
	}
	if err := m.store.Delete(ctx, logKey(owner, id)); err != nil {
		return fmt.Errorf("session: delete transcript: %w", err)
	}
	m.cache.drop(owner, id)
	return nil
}

// Switch moves the current pointer to an existing conversation. Switching
// to the current conversation is reported as ErrAlreadyCurrent so the
// caller can explain the no-op.
func (m *Manager) Switch(ctx context.Context, owner, id string) error {
	id, err := m.normalizeID(id)
	if err != nil {
		return err
	}
	if err := m.requireMember(ctx, owner, id); err != nil {
		return err
	}
	current, err := m.CurrentID(ctx, owner)
	if err != nil {
		return err
	}
	if id == current {
		return ErrAlreadyCurrent
	}
	return m.SetCurrentID(ctx, owner, id)
}

// List returns the owner's conversations sorted by numeric id ascending,
// with the current one flagged.
func (m *Manager) List(ctx context.Context, owner string) ([]Info, error) {
	names, err := m.store.HGetAll(ctx, namesKey(owner))
	if err != nil {
		return nil, fmt.Errorf("session: read names: %w", err)
	}
	current, err := m.CurrentID(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(names))
	for id, name := range names {
		out = append(out, Info{ID: id, Name: name, Current: id == current})
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	return out, nil
}

// Clear drops a conversation's content while keeping its slot, name and
// current-pointer state. The next access reseeds the default history.
func (m *Manager) Clear(ctx context.Context, owner, id string) error {
	id, err := m.normalizeID(id)
	if err != nil {
		return err
	}
	if err := m.store.HDel(ctx, contentKey(owner), id); err != nil {
		return fmt.Errorf("session: clear history: %w", err)
	}
	m.cache.drop(owner, id)
	return nil
}

// Flush removes every key family for owner. Flushing an owner with no
// state is a no-op, not an error.
func (m *Manager) Flush(ctx context.Context, owner string) error {
	ids, err := m.store.HGetAll(ctx, idsKey(owner))
	if err != nil {
		return fmt.Errorf("session: read membership: %w", err)
	}
	for id := range ids {
		if err := m.store.Delete(ctx, logKey(owner, id)); err != nil {
			return fmt.Errorf("session: flush transcript: %w", err)
		}
	}
	for _, key := range []string{contentKey(owner), namesKey(owner), currentKey(owner), idsKey(owner)} {
		if err := m.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("session: flush %q: %w", key, err)
		}
	}
	m.cache.dropOwner(owner)
	return nil
}

// AppendLog records transcript lines for a conversation, sliding the
// transcript TTL alongside the content TTL.
func (m *Manager) AppendLog(ctx context.Context, owner, id string, lines ...string) error {
	id, err := m.normalizeID(id)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	key := logKey(owner, id)
	if err := m.store.RPush(ctx, key, lines...); err != nil {
		return fmt.Errorf("session: append transcript: %w", err)
	}
	if err := m.store.Expire(ctx, key, m.contentTTL); err != nil {
		return fmt.Errorf("session: refresh transcript ttl: %w", err)
	}
	return nil
}

// RecentLog returns the last n transcript lines for a conversation, oldest
// first.
func (m *Manager) RecentLog(ctx context.Context, owner, id string, n int) ([]string, error) {
	id, err := m.normalizeID(id)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 10
	}
	key := logKey(owner, id)
	total, err := m.store.LLen(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("session: transcript length: %w", err)
	}
	if total == 0 {
		return nil, nil
	}
	lines, err := m.store.LRange(ctx, key, -int64(n), -1)
	if err != nil {
		return nil, fmt.Errorf("session: read transcript: %w", err)
	}
	return lines, nil
}

// requireMember returns ErrNotFound unless id is in the owner's membership
// set.
func (m *Manager) requireMember(ctx context.Context, owner, id string) error {
	_, member, err := m.store.HGet(ctx, idsKey(owner), id)
	if err != nil {
		return fmt.Errorf("session: read membership: %w", err)
	}
	if !member {
		return ErrNotFound
	}
	return nil
}

// mirrorEvicted writes an evicted cache entry through to the durable store
// with a fresh TTL. The store already holds this history (the cache is
// write-through), so a failure here only costs the TTL refresh.
func (m *Manager) mirrorEvicted(owner, id string, history []Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.writeContent(ctx, owner, id, history); err != nil {
		slog.Warn("session: mirror evicted history", "owner", owner, "id", id, "err", err)
	}
}
