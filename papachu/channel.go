package papachu

import (
	"context"
	"errors"
	"sync"
)

// ChannelRegistry stores the ID of the channel confessions are sent to.
// It doesn't check who is setting it; callers do that.
type ChannelRegistry struct {
	store StateStore
	key   string
	mu    sync.Mutex
}

func NewChannelRegistry(store StateStore) *ChannelRegistry {
	return &ChannelRegistry{store: store, key: stateKeyChannel}
}

// Get returns the configured channel ID. ok is false when no channel
// has been set, or when the stored value is corrupt, in which case the
// error wraps ErrStateCorrupt.
func (c *ChannelRegistry) Get(ctx context.Context) (channelID int64, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	channelID, err = c.store.Load(ctx, c.key)
	switch {
	case err == nil:
		return channelID, true, nil
	case errors.Is(err, ErrStateNotFound):
		return 0, false, nil
	default:
		return 0, false, err
	}
}

// Set replaces the configured channel ID
func (c *ChannelRegistry) Set(ctx context.Context, channelID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Save(ctx, c.key, channelID)
}
