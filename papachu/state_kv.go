package papachu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rapidloop/skv"
)

// kvStore keeps values in a bolt-backed skv database, each stored as
// its decimal string.
type kvStore struct {
	store *skv.KVStore
}

func newKVStore(path string) (*kvStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating state directory: %w", err)
		}
	}
	store, err := skv.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening kv store %s: %w", path, err)
	}
	return &kvStore{store: store}, nil
}

func (k *kvStore) Load(_ context.Context, key string) (int64, error) {
	var raw string
	if err := k.store.Get(key, &raw); err != nil {
		if errors.Is(err, skv.ErrNotFound) {
			return 0, ErrStateNotFound
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrStateCorrupt, key, err)
	}
	return parseStateValue(key, raw)
}

func (k *kvStore) Save(_ context.Context, key string, value int64) error {
	if err := k.store.Put(key, formatStateValue(value)); err != nil {
		return fmt.Errorf("error saving %s: %w", key, err)
	}
	return nil
}

func (k *kvStore) Close() error {
	return k.store.Close()
}
