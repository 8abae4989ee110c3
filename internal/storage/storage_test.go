package storage_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/errors"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/storage"
)

func TestOpen_SQLiteInMemory(t *testing.T) {
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{Driver: storage.DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	require.NoError(t, storage.Migrate(ctx, db))

	for _, m := range domain.Models {
		require.True(t, db.Migrator().HasTable(m), "table for %T should exist", m)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := storage.Open(context.Background(), storage.Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{Driver: storage.DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	require.NoError(t, storage.Migrate(ctx, db))

	boom := stderrors.New("boom")
	err = storage.Tx(ctx, db, func(tx *gorm.DB) error {
		if err := tx.Create(&domain.Room{ID: "r1", Name: "room", AdminID: "a"}).Error; err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int64
	require.NoError(t, db.Model(&domain.Room{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestTx_RetryDropsEventsOfFailedAttempt(t *testing.T) {
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{Driver: storage.DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	require.NoError(t, storage.Migrate(ctx, db))

	var (
		batch    event.Batch
		attempts int
	)
	err = storage.Tx(ctx, db, func(tx *gorm.DB) error {
		batch.Reset()
		attempts++

		if err := tx.Create(&domain.Room{ID: "r1", Name: "room", AdminID: "a"}).Error; err != nil {
			return err
		}
		batch.Add(domain.EventActivity{Kind: domain.EventNameRoomJoined, RoomID: "r1"})

		if attempts == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, 1, batch.Len())

	var n int64
	require.NoError(t, db.Model(&domain.Room{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestTx_GivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{Driver: storage.DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	var attempts int
	err = storage.Tx(ctx, db, func(tx *gorm.DB) error {
		attempts++
		return &pgconn.PgError{Code: "40P01"}
	})

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	require.Equal(t, 3, attempts)
}

func TestTranslate(t *testing.T) {
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{Driver: storage.DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	require.NoError(t, storage.Migrate(ctx, db))

	var r domain.Room
	err = storage.Translate(db.First(&r, "id = ?", "missing").Error, "room")
	require.True(t, errors.Is(err, errors.CodeNotFound))

	require.NoError(t, db.Create(&domain.Room{ID: "r1", Name: "room", AdminID: "a"}).Error)
	err = storage.Translate(db.Create(&domain.Room{ID: "r2", Name: "room", AdminID: "a"}).Error, "room")
	require.True(t, errors.Is(err, errors.CodeAlreadyExists))

	require.NoError(t, storage.Translate(nil, "room"))
}
