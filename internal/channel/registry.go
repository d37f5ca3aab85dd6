package channel

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Registry is the authoritative in-memory channel catalog. It is safe for
// concurrent use; concurrent mutations are serialized and the last one wins.
// Every mutation queues a write of the full catalog to the Store; callers do
// not wait for it. Use Flush to wait for durability.
type Registry struct {
	mu       sync.RWMutex
	channels []Channel

	store  Store
	writer *writer
	log    *slog.Logger
	newID  func() string
}

// MutateOption adjusts a single mutating call.
type MutateOption func(*mutateOptions)

type mutateOptions struct {
	skipPersist bool
}

// SkipPersist applies the mutation in memory only. Bulk importers use it and
// persist once at the end.
func SkipPersist() MutateOption {
	return func(o *mutateOptions) { o.skipPersist = true }
}

func collect(opts []MutateOption) mutateOptions {
	var o mutateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewRegistry returns an empty registry persisting to store. Call Load before
// serving.
func NewRegistry(store Store, log *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		writer: newWriter(store, log),
		log:    log,
		newID:  uuid.NewString,
	}
}

// Load replaces the in-memory catalog with the persisted one. A missing or
// empty catalog is seeded with DefaultChannels and persisted. A catalog that
// cannot be read falls back to the defaults without overwriting the file.
// Load never fails.
func (r *Registry) Load() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked()
}

func (r *Registry) loadLocked() {
	channels, err := r.store.Load()
	persist := false
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.log.Info("channel catalog not found, seeding defaults")
		channels = DefaultChannels(r.newID)
		persist = true
	case err != nil:
		r.log.Error("load channel catalog failed, using defaults", slog.String("error", err.Error()))
		channels = DefaultChannels(r.newID)
	case len(channels) == 0:
		r.log.Warn("channel catalog is empty, seeding defaults")
		channels = DefaultChannels(r.newID)
		persist = true
	}

	seen := make(map[string]bool, len(channels))
	for i := range channels {
		c := &channels[i]
		if c.ID == "" || seen[c.ID] {
			c.ID = r.newID()
			persist = true
		}
		seen[c.ID] = true
		if c.Mode == "" {
			c.Mode = ModeProxy
		}
		c.SessionURL = ""
	}

	r.channels = channels
	if persist {
		r.persistLocked()
	}
	r.log.Info("channel catalog loaded", slog.Int("channels", len(channels)))
}

// Add validates ch, assigns it a new id and appends it. An empty mode
// defaults to proxy. Duplicate URLs are allowed.
func (r *Registry) Add(ch Channel, opts ...MutateOption) (Channel, error) {
	if ch.Mode == "" {
		ch.Mode = ModeProxy
	}
	if err := validate(ch); err != nil {
		return Channel{}, err
	}
	ch = ch.clone()
	ch.SessionURL = ""
	if ch.Headers == nil {
		ch.Headers = Headers{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ch.ID = r.uniqueIDLocked()
	r.channels = append(r.channels, ch)
	if !collect(opts).skipPersist {
		r.persistLocked()
	}
	return ch.clone(), nil
}

// Update merges patch into the channel with the given id. Unspecified fields
// are preserved. Changing the url or headers drops any resolved session URL.
func (r *Registry) Update(id string, patch Patch, opts ...MutateOption) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return Channel{}, notFound(id)
	}
	updated := r.channels[i].clone()
	patch.apply(&updated)
	if err := validate(updated); err != nil {
		return Channel{}, err
	}
	if patch.URL != nil || patch.Headers != nil {
		updated.SessionURL = ""
	}
	r.channels[i] = updated
	if !collect(opts).skipPersist {
		r.persistLocked()
	}
	return updated.clone(), nil
}

// Delete removes the channel with the given id. The last remaining channel
// cannot be deleted.
func (r *Registry) Delete(id string, opts ...MutateOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return notFound(id)
	}
	if len(r.channels) == 1 {
		return ErrLastChannel
	}
	r.channels = slices.Delete(r.channels, i, i+1)
	if !collect(opts).skipPersist {
		r.persistLocked()
	}
	return nil
}

// UpdatePlaylist applies patch to every channel whose playlist name matches
// name (case-insensitive) and returns the updated channels. Either all members
// are updated or none are.
func (r *Registry) UpdatePlaylist(name string, patch Patch, opts ...MutateOption) ([]Channel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: missing playlist name", ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx []int
	var updated []Channel
	for i, c := range r.channels {
		if !strings.EqualFold(c.PlaylistName, name) {
			continue
		}
		u := c.clone()
		patch.apply(&u)
		if err := validate(u); err != nil {
			return nil, err
		}
		if patch.URL != nil || patch.Headers != nil {
			u.SessionURL = ""
		}
		idx = append(idx, i)
		updated = append(updated, u)
	}
	for n, i := range idx {
		r.channels[i] = updated[n]
	}
	if len(idx) > 0 && !collect(opts).skipPersist {
		r.persistLocked()
	}
	return cloneAll(updated), nil
}

// DeletePlaylist removes every channel whose playlist name matches name and
// returns the removed channels. It fails with ErrLastChannel, removing
// nothing, if that would empty the catalog.
func (r *Registry) DeletePlaylist(name string, opts ...MutateOption) ([]Channel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: missing playlist name", ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var kept, removed []Channel
	for _, c := range r.channels {
		if strings.EqualFold(c.PlaylistName, name) {
			removed = append(removed, c)
		} else {
			kept = append(kept, c)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if len(kept) == 0 {
		return nil, ErrLastChannel
	}
	r.channels = kept
	if !collect(opts).skipPersist {
		r.persistLocked()
	}
	return cloneAll(removed), nil
}

// SetSessionURL records the resolved session URL for a channel. It is never
// persisted. Concurrent calls for the same channel race; the last one wins.
func (r *Registry) SetSessionURL(id, sessionURL string) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return Channel{}, notFound(id)
	}
	r.channels[i].SessionURL = sessionURL
	return r.channels[i].clone(), nil
}

// Get returns the channel with the given id.
func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexLocked(id)
	if i < 0 {
		return Channel{}, false
	}
	return r.channels[i].clone(), true
}

// All returns a copy of the catalog in order.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneAll(r.channels)
}

// Filter returns the channels matching f, in catalog order.
func (r *Registry) Filter(f Filter) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		if f.match(c) {
			out = append(out, c.clone())
		}
	}
	return out
}

// Default returns the first channel in catalog order. It is a bootstrap value
// for new clients, not a server-wide selection.
func (r *Registry) Default() (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.channels) == 0 {
		return Channel{}, false
	}
	return r.channels[0].clone(), true
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Clear deletes the persisted catalog and reloads, which reseeds the defaults.
// Mutations are held off until the reseeded catalog is in place, so no
// snapshot of the old catalog can be written after the file is removed.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writer.flush(); err != nil {
		r.log.Warn("pending catalog write failed before clear", slog.String("error", err.Error()))
	}
	if err := r.store.Clear(); err != nil {
		return fmt.Errorf("clear channel catalog: %w", err)
	}
	r.log.Info("channel catalog cleared")
	r.loadLocked()
	return nil
}

// Flush blocks until every catalog write queued so far has completed and
// returns the error of the most recent write.
func (r *Registry) Flush() error {
	return r.writer.flush()
}

// Close flushes pending writes and stops the background writer. Mutations
// after Close are persisted synchronously.
func (r *Registry) Close() error {
	return r.writer.close()
}

func (r *Registry) persistLocked() {
	r.writer.enqueue(cloneAll(r.channels))
}

func (r *Registry) indexLocked(id string) int {
	return slices.IndexFunc(r.channels, func(c Channel) bool { return c.ID == id })
}

func (r *Registry) uniqueIDLocked() string {
	for {
		id := r.newID()
		if r.indexLocked(id) < 0 {
			return id
		}
	}
}

func cloneAll(channels []Channel) []Channel {
	out := make([]Channel, len(channels))
	for i, c := range channels {
		out[i] = c.clone()
	}
	return out
}
