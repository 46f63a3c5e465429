package papachu

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore returns a StateStore for the given backend, rooted in a
// temp dir. Postgres is only tested when PAPACHU_TEST_POSTGRES_DSN is set.
func newTestStore(t testing.TB, backend string) StateStore {
	t.Helper()
	ctx := context.Background()
	tmpdir := t.TempDir()

	cfg := DefaultConfig().State
	cfg.Backend = backend
	cfg.LogLevel.Set(testLogLevel)

	switch backend {
	case StateBackendFile:
		cfg.Location = tmpdir
	case StateBackendSQLite:
		cfg.Location = filepath.Join(tmpdir, "state.sqlite3")
	case StateBackendKV:
		cfg.Location = filepath.Join(tmpdir, "state.db")
	case StateBackendPostgres:
		dsn := os.Getenv("PAPACHU_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("PAPACHU_TEST_POSTGRES_DSN not set")
		}
		cfg.Location = dsn
	}

	store, err := OpenStateStore(ctx, cfg, newLogHandler(os.Stdout, cfg.LogLevel))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = store.Close()
		},
	)
	if backend == StateBackendPostgres {
		db := store.(*database)
		require.NoError(t, db.DB().Where("1 = 1").Delete(&StateValue{}).Error)
	}
	return store
}

var testStateBackends = []string{
	StateBackendFile,
	StateBackendSQLite,
	StateBackendKV,
	StateBackendPostgres,
}

func TestStateStore_LoadSave(t *testing.T) {
	t.Parallel()

	for _, backend := range testStateBackends {
		backend := backend
		t.Run(
			backend, func(t *testing.T) {
				t.Parallel()
				ctx := context.Background()
				store := newTestStore(t, backend)

				_, err := store.Load(ctx, stateKeyChannel)
				assert.ErrorIs(t, err, ErrStateNotFound)

				require.NoError(t, store.Save(ctx, stateKeyChannel, 555))
				v, err := store.Load(ctx, stateKeyChannel)
				require.NoError(t, err)
				assert.Equal(t, int64(555), v)

				require.NoError(t, store.Save(ctx, stateKeyChannel, 777))
				v, err = store.Load(ctx, stateKeyChannel)
				require.NoError(t, err)
				assert.Equal(t, int64(777), v)

				// keys are independent
				_, err = store.Load(ctx, stateKeyConfessionNumber)
				assert.ErrorIs(t, err, ErrStateNotFound)
			},
		)
	}
}

func TestFileStore_Layout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := newFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, stateKeyConfessionNumber, 42))

	data, err := os.ReadFile(filepath.Join(dir, "confessor_number.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestFileStore_Corrupt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
		want    int64
		wantErr error
	}{
		{name: "trailing newline", content: "12\n", want: 12},
		{name: "empty", content: "", wantErr: ErrStateCorrupt},
		{name: "garbage", content: "twelve", wantErr: ErrStateCorrupt},
		{name: "negative", content: "-3", wantErr: ErrStateCorrupt},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				dir := t.TempDir()
				require.NoError(
					t,
					os.WriteFile(
						filepath.Join(dir, "channel.txt"),
						[]byte(tc.content),
						0o644,
					),
				)
				store, err := newFileStore(dir)
				require.NoError(t, err)

				v, err := store.Load(ctx, stateKeyChannel)
				if tc.wantErr != nil {
					assert.ErrorIs(t, err, tc.wantErr)
					assert.NotErrorIs(t, err, ErrStateNotFound)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.want, v)
			},
		)
	}
}

func TestDatabase_CorruptValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t, StateBackendSQLite)
	db := store.(*database)

	require.NoError(
		t,
		db.DB().Create(&StateValue{Name: stateKeyChannel, Value: "nope"}).Error,
	)
	_, err := store.Load(ctx, stateKeyChannel)
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestOpenStateStore_UnknownBackend(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig().State
	cfg.Backend = "redis"
	_, err := OpenStateStore(
		context.Background(),
		cfg,
		newLogHandler(os.Stdout, cfg.LogLevel),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported state backend")
}
