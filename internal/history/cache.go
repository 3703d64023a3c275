// Package history keeps a room transcript in local storage between sessions.
package history

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/gosuda/peerchat/internal/chat"
	"github.com/gosuda/peerchat/internal/store"
)

const (
	DefaultLimit = 200
	DefaultDelay = 500 * time.Millisecond

	keyPrefix = "peer-chat-history-"
)

// Key is the storage key for a room transcript.
func Key(room string) string { return keyPrefix + room }

type Option func(*Cache)

func WithLimit(n int) Option { return func(c *Cache) { c.limit = n } }

func WithDelay(d time.Duration) Option { return func(c *Cache) { c.delay = d } }

func WithClock(clk clock.Clock) Option { return func(c *Cache) { c.clock = clk } }

func WithLogger(l zerolog.Logger) Option { return func(c *Cache) { c.log = l } }

// Cache writes the newest chat messages of a transcript to storage. Writes
// are debounced: a burst of Schedule calls results in one write of the last
// transcript passed in.
type Cache struct {
	store store.Storage
	key   string
	limit int
	delay time.Duration
	clock clock.Clock
	log   zerolog.Logger

	// mu is held across store writes so Clear can never be overtaken by a
	// write that was already due.
	mu      sync.Mutex
	timer   *clock.Timer
	pending []chat.Message
	dirty   bool
	gen     uint64
}

func New(s store.Storage, room string, opts ...Option) *Cache {
	c := &Cache{
		store: s,
		key:   Key(room),
		limit: DefaultLimit,
		delay: DefaultDelay,
		clock: clock.New(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns the stored transcript. Missing or corrupt data yields an
// empty transcript.
func (c *Cache) Load() []chat.Message {
	raw, err := c.store.Get(c.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn().Err(err).Str("key", c.key).Msg("load history")
		}
		return []chat.Message{}
	}
	var msgs []chat.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		c.log.Warn().Err(err).Str("key", c.key).Msg("stored history is malformed; starting empty")
		return []chat.Message{}
	}
	valid := msgs[:0]
	for _, m := range msgs {
		if m.ID != "" && !m.IsSystem() {
			valid = append(valid, m)
		}
	}
	return chat.Recent(valid, c.limit)
}

// Schedule arranges for t to be written after the debounce delay. A later
// call replaces the pending transcript and restarts the delay.
func (c *Cache) Schedule(t []chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = t
	c.dirty = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.delay, func() { c.fire(gen) })
}

func (c *Cache) fire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.dirty {
		return
	}
	_ = c.writeLocked()
}

// Flush writes any pending transcript immediately.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !c.dirty {
		return nil
	}
	return c.writeLocked()
}

func (c *Cache) writeLocked() error {
	c.dirty = false
	recent := chat.Recent(chat.ChatOnly(c.pending), c.limit)
	raw, err := json.Marshal(recent)
	if err != nil {
		c.log.Error().Err(err).Msg("encode history")
		return err
	}
	if err := c.store.Set(c.key, raw); err != nil {
		c.log.Error().Err(err).Str("key", c.key).Msg("persist history")
		return err
	}
	c.log.Debug().Int("messages", len(recent)).Msg("history persisted")
	return nil
}

// Clear drops any pending write and deletes the stored transcript.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.dirty = false
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if err := c.store.Delete(c.key); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Error().Err(err).Str("key", c.key).Msg("clear history")
		return err
	}
	return nil
}
