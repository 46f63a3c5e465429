package papachu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = StateBackendSQLite
	dbTypePostgres = StateBackendPostgres
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// StateValue is a single named value in the 'state' table.
type StateValue struct {
	Name      string `gorm:"primaryKey;size:64" json:"name"`
	Value     string `gorm:"not null" json:"value"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (StateValue) TableName() string {
	return "state"
}

// database is a StateStore backed by sqlite or postgres.
//
// SQLite writes are serialized with mu, as the connection pool is
// limited to one connection anyway. Postgres handles concurrent writes
// itself.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func newDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) Load(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var sv StateValue
	err := d.db.WithContext(ctx).Where("name = ?", key).Take(&sv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrStateNotFound
		}
		// an unreachable database isn't corrupt state, so this never
		// fails open
		return 0, fmt.Errorf("error loading %s: %w", key, err)
	}
	return parseStateValue(key, sv.Value)
}

func (d *database) Save(ctx context.Context, key string, value int64) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	d.Lock()
	defer d.Unlock()

	sv := StateValue{Name: key, Value: formatStateValue(value)}
	err := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		},
	).Create(&sv).Error
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"error saving state",
			"key", key,
			"value", value,
			tint.Err(err),
		)
		return fmt.Errorf("error saving %s: %w", key, err)
	}
	return nil
}

func (d *database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateDB opens the database, applies sqlite connection settings and
// pragmas, and migrates the state table.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("error getting database connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(&StateValue{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
