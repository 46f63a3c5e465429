package papachu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const stateFileExt = ".txt"

// fileStore keeps each value in its own file, <dir>/<key>.txt, holding
// nothing but the decimal value. Writes go to a temp file in the same
// directory which is then renamed over the target, so a reader never
// sees a partial value.
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating state directory: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func (f *fileStore) path(key string) string {
	return filepath.Join(f.dir, key+stateFileExt)
}

func (f *fileStore) Load(_ context.Context, key string) (int64, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrStateNotFound
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrStateCorrupt, key, err)
	}
	return parseStateValue(key, string(data))
}

func (f *fileStore) Save(_ context.Context, key string, value int64) error {
	tmp, err := os.CreateTemp(f.dir, "."+key+"-*")
	if err != nil {
		return fmt.Errorf("error saving %s: %w", key, err)
	}
	tmpName := tmp.Name()

	_, err = tmp.WriteString(formatStateValue(value))
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, f.path(key))
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error saving %s: %w", key, err)
	}
	return nil
}

func (*fileStore) Close() error {
	return nil
}
