package idempotency

import (
	"context"
	"errors"
	"testing"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestStore_AlreadyProcessedAndMarkProcessed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newStoreWithExec(mock)
	ctx := context.Background()

	existingUUID, _, _, err := normalize("twilio", "SM-seen")
	require.NoError(t, err)
	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").WithArgs(existingUUID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(1))
	processed, err := store.AlreadyProcessed(ctx, "twilio", "SM-seen")
	require.NoError(t, err)
	require.True(t, processed)

	missUUID, _, _, err := normalize("twilio", "SM-new")
	require.NoError(t, err)
	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").WithArgs(missUUID).WillReturnError(pgx.ErrNoRows)
	processed, err = store.AlreadyProcessed(ctx, "twilio", "SM-new")
	require.NoError(t, err)
	require.False(t, processed)

	mock.ExpectExec("INSERT INTO processed_webhook_events").WithArgs(missUUID, "twilio", "SM-new").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := store.MarkProcessed(ctx, "twilio", "SM-new")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, _, err = normalize("twilio", "")
	require.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkProcessedDuplicateIsNoRowsAffected(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newStoreWithExec(mock)
	ctx := context.Background()

	eventUUID, _, _, err := normalize("twilio", "SM-dup")
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO processed_webhook_events").WithArgs(eventUUID, "twilio", "SM-dup").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err := store.MarkProcessed(ctx, "twilio", "SM-dup")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ErrorPaths(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newStoreWithExec(mock)
	ctx := context.Background()

	eventUUID, _, _, err := normalize("p", "evt")
	require.NoError(t, err)
	mock.ExpectQuery("SELECT 1 FROM processed_webhook_events").WithArgs(eventUUID).WillReturnError(errors.New("db down"))
	_, err = store.AlreadyProcessed(ctx, "p", "evt")
	require.Error(t, err)

	mock.ExpectExec("INSERT INTO processed_webhook_events").WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("insert fail"))
	_, err = store.MarkProcessed(ctx, "p", "evt")
	require.Error(t, err)
}

func TestNewPanicsOnNilPool(t *testing.T) {
	defer func() {
		require.NotNil(t, recover())
	}()
	New(nil)
}

func TestNewReturnsInstance(t *testing.T) {
	store := New(&pgxpool.Pool{})
	require.NotNil(t, store)
}

func TestNewStoreWithExecPanicsOnNil(t *testing.T) {
	defer func() {
		require.NotNil(t, recover())
	}()
	newStoreWithExec(nil)
}
