package papachu

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
)

// SequenceCounter hands out confession numbers, starting at 0. The next
// number is persisted in a StateStore, and every read-increment-write
// happens under mu.
type SequenceCounter struct {
	store    StateStore
	key      string
	failOpen bool
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewSequenceCounter(
	store StateStore,
	failOpen bool,
	logger *slog.Logger,
) *SequenceCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SequenceCounter{
		store:    store,
		key:      stateKeyConfessionNumber,
		failOpen: failOpen,
		logger:   logger.With(loggerNameKey, "sequence_counter"),
	}
}

// Next returns the current number and persists the one after it.
func (s *SequenceCounter) Next(ctx context.Context) (int64, error) {
	r, err := s.Reserve(ctx)
	if err != nil {
		return 0, err
	}
	if err = r.Commit(ctx); err != nil {
		return 0, err
	}
	return r.Number(), nil
}

// Current returns the number the next confession will get, without
// consuming it.
func (s *SequenceCounter) Current(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Reserve locks the counter and reads the current number. The counter
// stays locked until the reservation is committed or released, so
// exactly one of Reservation.Commit or Reservation.Release must be
// called.
func (s *SequenceCounter) Reserve(ctx context.Context) (*Reservation, error) {
	s.mu.Lock()
	n, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &Reservation{counter: s, number: n}, nil
}

// load reads the stored number. Absent state is 0. Corrupt state is 0
// when failing open, and ErrStateCorrupt otherwise.
func (s *SequenceCounter) load(ctx context.Context) (int64, error) {
	n, err := s.store.Load(ctx, s.key)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, ErrStateNotFound):
		return 0, nil
	case errors.Is(err, ErrStateCorrupt) && s.failOpen:
		s.logger.WarnContext(
			ctx,
			"confession number unreadable, restarting at 0",
			tint.Err(err),
		)
		return 0, nil
	default:
		return 0, err
	}
}

// Reservation is a confession number that hasn't been committed yet.
type Reservation struct {
	counter *SequenceCounter
	number  int64
	once    sync.Once
}

func (r *Reservation) Number() int64 {
	return r.number
}

// Commit persists number+1 and unlocks the counter. If the write
// fails, the number is handed out again by the next reservation.
func (r *Reservation) Commit(ctx context.Context) error {
	var err error
	r.once.Do(
		func() {
			defer r.counter.mu.Unlock()
			err = r.counter.store.Save(ctx, r.counter.key, r.number+1)
		},
	)
	return err
}

// Release unlocks the counter without consuming the number.
func (r *Reservation) Release() {
	r.once.Do(r.counter.mu.Unlock)
}
