package papachu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// brokenStore is a StateStore returning fixed errors
type brokenStore struct {
	loadErr error
	saveErr error
	saved   map[string]int64
	mu      sync.Mutex
}

func (b *brokenStore) Load(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return 0, b.loadErr
	}
	v, ok := b.saved[key]
	if !ok {
		return 0, ErrStateNotFound
	}
	return v, nil
}

func (b *brokenStore) Save(_ context.Context, key string, value int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	if b.saved == nil {
		b.saved = map[string]int64{}
	}
	b.saved[key] = value
	return nil
}

func (*brokenStore) Close() error {
	return nil
}

func TestSequenceCounter_Next(t *testing.T) {
	t.Parallel()

	for _, backend := range testStateBackends {
		backend := backend
		t.Run(
			backend, func(t *testing.T) {
				t.Parallel()
				ctx := context.Background()
				store := newTestStore(t, backend)
				counter := NewSequenceCounter(store, true, nil)

				for want := int64(0); want < 3; want++ {
					got, err := counter.Next(ctx)
					require.NoError(t, err)
					assert.Equal(t, want, got)
				}

				stored, err := store.Load(ctx, stateKeyConfessionNumber)
				require.NoError(t, err)
				assert.Equal(t, int64(3), stored)
			},
		)
	}
}

func TestSequenceCounter_ResumesFromStoredValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(
		t,
		os.WriteFile(filepath.Join(dir, "confessor_number.txt"), []byte("41"), 0o644),
	)
	store, err := newFileStore(dir)
	require.NoError(t, err)

	counter := NewSequenceCounter(store, true, nil)
	n, err := counter.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(41), n)

	current, err := counter.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), current)
}

func TestSequenceCounter_Corrupt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	corrupt := fmt.Errorf("%w: confessor_number: bad", ErrStateCorrupt)

	t.Run(
		"fail open", func(t *testing.T) {
			t.Parallel()
			store := &brokenStore{loadErr: corrupt}
			counter := NewSequenceCounter(store, true, nil)

			n, err := counter.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
			assert.Equal(t, int64(1), store.saved[stateKeyConfessionNumber])
		},
	)

	t.Run(
		"fail closed", func(t *testing.T) {
			t.Parallel()
			store := &brokenStore{loadErr: corrupt}
			counter := NewSequenceCounter(store, false, nil)

			_, err := counter.Next(ctx)
			assert.ErrorIs(t, err, ErrStateCorrupt)
			assert.Empty(t, store.saved)

			// lock released after the failed reservation
			store.mu.Lock()
			store.loadErr = nil
			store.mu.Unlock()
			n, err := counter.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
		},
	)
}

func TestSequenceCounter_SaveError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	saveErr := errors.New("disk full")
	store := &brokenStore{saveErr: saveErr}
	counter := NewSequenceCounter(store, true, nil)

	_, err := counter.Next(ctx)
	assert.ErrorIs(t, err, saveErr)

	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()

	n, err := counter.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "unsaved number should be handed out again")
}

func TestSequenceCounter_Reservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t, StateBackendFile)
	counter := NewSequenceCounter(store, true, nil)

	r, err := counter.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Number())
	r.Release()
	r.Release()

	r, err = counter.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Number(), "released number should be reused")
	require.NoError(t, r.Commit(ctx))
	require.NoError(t, r.Commit(ctx))
	r.Release()

	r, err = counter.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Number())
	require.NoError(t, r.Commit(ctx))

	current, err := counter.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current)
}

func TestSequenceCounter_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t, StateBackendFile)
	counter := NewSequenceCounter(store, true, nil)

	const workers = 20
	results := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := counter.Next(ctx)
			assert.NoError(t, err)
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for n := range results {
		assert.False(t, seen[n], "number %d issued twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers)

	current, err := counter.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), current)
}

type mockStateStore struct {
	mock.Mock
}

func (m *mockStateStore) Load(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStateStore) Save(ctx context.Context, key string, value int64) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *mockStateStore) Close() error {
	return m.Called().Error(0)
}

func TestReservation_CommitOnce(t *testing.T) {
	ctx := context.Background()
	store := &mockStateStore{}
	store.On("Load", mock.Anything, stateKeyConfessionNumber).Return(int64(7), nil).Once()
	store.On("Save", mock.Anything, stateKeyConfessionNumber, int64(8)).Return(nil).Once()

	counter := NewSequenceCounter(store, false, nil)
	r, err := counter.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), r.Number())

	require.NoError(t, r.Commit(ctx))
	require.NoError(t, r.Commit(ctx))
	r.Release()

	store.AssertExpectations(t)
}

func TestReservation_ReleaseDoesNotSave(t *testing.T) {
	ctx := context.Background()
	store := &mockStateStore{}
	store.On("Load", mock.Anything, stateKeyConfessionNumber).Return(int64(3), nil).Twice()

	counter := NewSequenceCounter(store, false, nil)
	r, err := counter.Reserve(ctx)
	require.NoError(t, err)
	r.Release()

	// the counter was unlocked, so a second reservation doesn't block
	r, err = counter.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Number())
	r.Release()

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
}

func TestSequenceCounter_LoadError(t *testing.T) {
	ctx := context.Background()
	loadErr := errors.New("connection refused")
	store := &mockStateStore{}
	store.On("Load", mock.Anything, stateKeyConfessionNumber).Return(int64(0), loadErr)

	// failing open only applies to corrupt state, not to a store that
	// can't be reached
	counter := NewSequenceCounter(store, true, nil)
	_, err := counter.Next(ctx)
	require.ErrorIs(t, err, loadErr)

	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
}
