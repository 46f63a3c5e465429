package papachu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const (
	stateKeyConfessionNumber = "confessor_number"
	stateKeyChannel          = "channel"
)

var (
	// ErrStateNotFound is returned by a StateStore when nothing has been
	// stored under a key yet.
	ErrStateNotFound = errors.New("no stored value")

	// ErrStateCorrupt is returned when a value exists, but can't be read
	// or doesn't parse as a non-negative integer.
	ErrStateCorrupt = errors.New("stored value is unreadable")
)

// StateStore persists named integers. Each Load/Save reads or writes a
// single value atomically; callers serialize read-modify-write cycles
// themselves.
type StateStore interface {
	// Load returns the value stored under key, ErrStateNotFound if
	// nothing was ever stored, or an error wrapping ErrStateCorrupt
	Load(ctx context.Context, key string) (int64, error)

	// Save overwrites the value stored under key
	Save(ctx context.Context, key string, value int64) error

	Close() error
}

// OpenStateStore opens the backend named by cfg.Backend
func OpenStateStore(
	ctx context.Context,
	cfg *StateConfig,
	handler slog.Handler,
) (StateStore, error) {
	location := cfg.location()
	logger := slog.New(handler).With(loggerNameKey, "state")
	logger.InfoContext(
		ctx,
		"opening state store",
		"backend", cfg.Backend,
	)

	switch cfg.Backend {
	case StateBackendFile:
		return newFileStore(location)
	case StateBackendSQLite, StateBackendPostgres:
		gormLogger := newGORMLogger(handler, cfg.SlowThreshold)
		db, err := CreateDB(ctx, cfg.Backend, location, gormLogger)
		if err != nil {
			return nil, err
		}
		return newDatabase(db, logger, cfg.Backend == StateBackendPostgres), nil
	case StateBackendKV:
		return newKVStore(location)
	default:
		return nil, fmt.Errorf(
			"unsupported state backend: %q (must be one of: %s)",
			cfg.Backend,
			strings.Join(
				[]string{
					StateBackendFile,
					StateBackendSQLite,
					StateBackendPostgres,
					StateBackendKV,
				},
				", ",
			),
		)
	}
}

// parseStateValue parses a stored decimal value. Surrounding whitespace
// is ignored, so a hand-edited file with a trailing newline still reads.
func parseStateValue(key string, raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: %s: empty value", ErrStateCorrupt, key)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrStateCorrupt, key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %s: negative value %d", ErrStateCorrupt, key, v)
	}
	return v, nil
}

func formatStateValue(v int64) string {
	return strconv.FormatInt(v, 10)
}
