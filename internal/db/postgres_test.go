package db

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	s, err := NewPostgresStoreWithPool(mock, Options{RetryCeiling: 5}, discardLogger())
	require.NoError(t, err)
	return s, mock
}

var entryCols = []string{
	"id", "correlation_id", "kind", "url", "method", "payload", "collection",
	"record_id", "status", "retries", "last_error", "created_at", "synced_at",
}

func TestPostgresSaveWithOutbox(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO curral_records \(collection, data\)`).
		WithArgs("pesagens", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery(`INSERT INTO curral_outbox`).
		WithArgs(pgxmock.AnyArg(), "pesagem", "/api/curral/pesagem/", "POST", pgxmock.AnyArg(), "pesagens", int64(11)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectCommit()

	recID, entryID, err := s.SaveWithOutbox(context.Background(), "pesagens", models.Record{"animal_id": 42, "peso": 310.5})
	require.NoError(t, err)
	assert.Equal(t, int64(11), recID)
	assert.Equal(t, int64(21), entryID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveWithOutboxRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO curral_records`).
		WithArgs("sanidade", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery(`INSERT INTO curral_outbox`).
		WillReturnError(&pgconn.PgError{Code: "53100", Message: "could not extend file"})
	mock.ExpectRollback()

	ev := &countingEvictor{}
	s.SetEvictor(ev)

	_, _, err := s.SaveWithOutbox(context.Background(), "sanidade", models.Record{"animal_id": 1})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.EqualValues(t, 1, ev.calls.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO curral_records`).
		WithArgs("animais", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.Put(context.Background(), "animais", models.Record{"brinco": "BR-1"})
	require.ErrorIs(t, err, ErrConstraint)
}

func TestPostgresPutOverwrite(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(int64(9), "animais", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err := s.Put(context.Background(), "animais", models.Record{"id": int64(9), "brinco": "BR-9"})
	require.ErrorIs(t, err, ErrConstraint)
}

func TestPostgresPutExplicitIDAdvancesSequence(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(int64(50), "animais", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`setval('curral_records_id_seq', $1)`)).
		WithArgs(int64(50)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`INSERT INTO curral_records \(collection, data\)`).
		WithArgs("animais", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(51)))

	id, err := s.Put(context.Background(), "animais", models.Record{"id": int64(50), "brinco": "BR-50"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), id)

	id, err = s.Put(context.Background(), "animais", models.Record{"brinco": "BR-51"})
	require.NoError(t, err)
	assert.Equal(t, int64(51), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT data FROM curral_records`).
		WithArgs("animais", int64(5)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "animais", 5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresQueryByIndex(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`data->>'animal_id' = $2`)).
		WithArgs("pesagens", "42").
		WillReturnRows(pgxmock.NewRows([]string{"id", "data"}).
			AddRow(int64(1), []byte(`{"animal_id":42,"peso":310.5}`)).
			AddRow(int64(2), []byte(`{"animal_id":42,"peso":315}`)))

	recs, err := s.QueryByIndex(context.Background(), "pesagens", "animal_id", 42)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[1]["id"])
	assert.Equal(t, json.Number("315"), recs[1]["peso"])

	_, err = s.QueryByIndex(context.Background(), "pesagens", "brinco", "x")
	assert.ErrorIs(t, err, ErrUnknownIndex)
}

func TestPostgresListPending(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM curral_outbox WHERE status = \$1 ORDER BY id`).
		WithArgs("pending").
		WillReturnRows(pgxmock.NewRows(entryCols).
			AddRow(int64(1), "c-1", "pesagem", "/api/curral/pesagem/", "POST", []byte(`{"peso":310.5}`),
				"pesagens", int64(10), "pending", 0, "", created, (*time.Time)(nil)))

	entries, err := s.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusPending, entries[0].Status)
	assert.Equal(t, created, entries[0].CreatedAt)
	assert.Nil(t, entries[0].SyncedAt)
	assert.JSONEq(t, `{"peso":310.5}`, string(entries[0].Payload))
}

func TestPostgresIncrementRetryMovesToFailed(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows(entryCols).
			AddRow(int64(3), "c-3", "pesagem", "/api/curral/pesagem/", "POST", []byte(`{}`),
				"pesagens", int64(10), "pending", 4, "HTTP 500", time.Now(), (*time.Time)(nil)))
	mock.ExpectExec(`UPDATE curral_outbox SET retries`).
		WithArgs(int64(3), 5, "failed", "HTTP 502").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	e, err := s.IncrementRetry(context.Background(), 3, "HTTP 502")
	require.NoError(t, err)
	assert.Equal(t, 5, e.Retries)
	assert.Equal(t, models.StatusFailed, e.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkSynced(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec(`SET status = 'synced'`).
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, s.MarkSynced(context.Background(), 7))

	mock.ExpectExec(`SET status = 'synced'`).
		WithArgs(int64(8)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(8)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	require.ErrorIs(t, s.MarkSynced(context.Background(), 8), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStats(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(`GROUP BY collection`).
		WillReturnRows(pgxmock.NewRows([]string{"collection", "count"}).
			AddRow("pesagens", 3).
			AddRow("animais", 12))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM curral_outbox`).
		WithArgs("pending").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM curral_outbox`).
		WithArgs("failed").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, stats["total_animais"])
	assert.Equal(t, 3, stats["total_pesagens"])
	assert.Equal(t, 0, stats["total_sanidade"])
	assert.Equal(t, 2, stats["pendentes_sync"])
	assert.Equal(t, 1, stats["falhas_sync"])
}
