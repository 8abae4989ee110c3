package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/errors"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultMaxRetries = 3
)

type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	// Trace enables the opentelemetry gorm plugin.
	Trace bool
}

// Open connects to the configured database and returns a gorm handle.
// An empty sqlite DSN opens a private in-memory database.
func Open(ctx context.Context, c Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch c.Driver {
	case DriverSQLite, "":
		dsn := c.DSN
		if dsn == "" {
			dsn = "file::memory:"
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(c.DSN)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", c.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", c.Driver, err)
	}

	if c.Trace {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("storage: tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	// SQLite allows a single writer; one connection keeps in-memory databases shared and
	// turns concurrent writers into queued ones instead of SQLITE_BUSY failures.
	if db.Dialector.Name() == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if c.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(c.MaxOpenConns)
		}
		if c.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(c.MaxIdleConns)
		}
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return db, nil
}

// Migrate creates or updates every table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	for _, m := range domain.Models {
		slog.DebugContext(ctx, fmt.Sprintf("storage: migrating %T", m))
		if err := db.WithContext(ctx).AutoMigrate(m); err != nil {
			return fmt.Errorf("storage: migrate %T: %w", m, err)
		}
	}
	return nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Tx runs fn inside a transaction. Serialization failures and deadlocks reported by postgres
// are retried with a fresh transaction; any other error rolls back and is returned.
func Tx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < defaultMaxRetries; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if !retryable(err) {
			return err
		}

		slog.WarnContext(ctx, "storage: retrying transaction",
			"attempt", attempt+1,
			"error", err,
		)
	}
	return err
}

func retryable(err error) bool {
	const (
		codeSerializationFailure = "40001"
		codeDeadlockDetected     = "40P01"
	)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// ForUpdate locks the selected rows until the transaction ends, on databases that support it.
// SQLite serializes writers already and has no row locks.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == DriverPostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// Translate maps gorm errors onto the error taxonomy. what names the entity in messages.
func Translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, gorm.ErrRecordNotFound):
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("%s not found", what),
			errors.WithCause(err))
	case stderrors.Is(err, gorm.ErrDuplicatedKey):
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("%s already exists", what),
			errors.WithCause(err))
	}
	return err
}

// Get loads the row with the given primary key into dest.
func Get(tx *gorm.DB, dest any, id, what string) error {
	return Translate(tx.Where("id = ?", id).Take(dest).Error, what)
}

// Lock loads the row like Get and holds a row lock on it until the transaction ends.
func Lock(tx *gorm.DB, dest any, id, what string) error {
	return Get(ForUpdate(tx), dest, id, what)
}

// Exists reports whether model has at least one row matching the condition.
func Exists(tx *gorm.DB, model any, query string, args ...any) (bool, error) {
	var n int64
	if err := tx.Model(model).Where(query, args...).Limit(1).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
