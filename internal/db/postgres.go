package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/pkg/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the subset of *pgxpool.Pool the store needs; pgxmock.PgxPoolIface satisfies it too
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

type pgQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the local store on a PostgreSQL server shared by the devices of one farm office
type PostgresStore struct {
	pool    PgxPool
	reg     models.Registry
	ceiling int
	logger  *slog.Logger

	evictMu sync.RWMutex
	evictor Evictor
}

func NewPostgresStore(ctx context.Context, connString string, opts Options, logger *slog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("erro ao configurar pool do postgres: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("erro ao criar pool do postgres: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("sem resposta do postgres: %w", err)
	}

	s, err := NewPostgresStoreWithPool(p, opts, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool wraps an existing pool without touching the schema
func NewPostgresStoreWithPool(pool PgxPool, opts Options, logger *slog.Logger) (*PostgresStore, error) {
	opts = opts.withDefaults()
	if err := validateRegistry(opts.Registry); err != nil {
		return nil, err
	}
	return &PostgresStore{
		pool:    pool,
		reg:     opts.Registry,
		ceiling: opts.RetryCeiling,
		logger:  logger.With("component", "local_store", "driver", "postgres"),
	}, nil
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS curral_records (
		id         BIGSERIAL PRIMARY KEY,
		collection TEXT        NOT NULL,
		data       JSONB       NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_curral_records_collection ON curral_records (collection, id)`,
	`CREATE TABLE IF NOT EXISTS curral_outbox (
		id             BIGSERIAL PRIMARY KEY,
		correlation_id TEXT        NOT NULL,
		kind           TEXT        NOT NULL DEFAULT '',
		url            TEXT        NOT NULL,
		method         TEXT        NOT NULL DEFAULT 'POST',
		payload        JSONB       NOT NULL,
		collection     TEXT        NOT NULL DEFAULT '',
		record_id      BIGINT      NOT NULL DEFAULT 0,
		status         TEXT        NOT NULL DEFAULT 'pending',
		retries        INTEGER     NOT NULL DEFAULT 0,
		last_error     TEXT        NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		synced_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_curral_outbox_status ON curral_outbox (status, id)`,
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("erro ao criar schema: %w", err)
		}
	}

	for _, name := range s.reg.Names() {
		c := s.reg[name]
		for _, idx := range c.Indexes {
			unique := ""
			if idx.Unique {
				unique = "UNIQUE "
			}
			stmt := fmt.Sprintf(
				`CREATE %sINDEX IF NOT EXISTS idx_curral_rec_%s_%s ON curral_records ((data->>'%s')) WHERE collection = '%s'`,
				unique, c.Name, idx.Name, idx.Name, c.Name,
			)
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("erro ao criar índice %s.%s: %w", c.Name, idx.Name, err)
			}
		}
	}
	return nil
}

func (s *PostgresStore) SetEvictor(e Evictor) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	s.evictor = e
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) storageErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var pg *pgconn.PgError
	if !errors.As(err, &pg) {
		return err
	}

	switch pg.Code {
	case "53100": // disk_full
		metrics.StoreQuotaErrors.Inc()
		s.evictMu.RLock()
		e := s.evictor
		s.evictMu.RUnlock()
		if e != nil {
			if n, evErr := e.EvictStale(ctx); evErr != nil {
				s.logger.Warn("Quota cleanup failed", "error", evErr)
			} else {
				s.logger.Warn("Store full, evicted stale cache entries", "evicted", n)
			}
		}
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case "23505":
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	default:
		return err
	}
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("erro ao commitar transação: %w", e)
		}
	}()
	return fn(tx)
}

func (s *PostgresStore) Put(ctx context.Context, collection string, rec models.Record) (int64, error) {
	if _, err := lookup(s.reg, collection); err != nil {
		return 0, err
	}
	id, err := s.put(ctx, s.pool, collection, rec)
	return id, s.storageErr(ctx, err)
}

const pgBumpRecordSeq = `
	SELECT setval('curral_records_id_seq', $1)
	WHERE $1 >= (SELECT last_value FROM curral_records_id_seq)`

func (s *PostgresStore) put(ctx context.Context, q pgQueryer, collection string, rec models.Record) (int64, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}

	if id, ok := rec.ID(); ok {
		tag, err := q.Exec(ctx, `
			INSERT INTO curral_records (id, collection, data) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
			WHERE curral_records.collection = EXCLUDED.collection`,
			id, collection, data,
		)
		if err != nil {
			return 0, err
		}
		if tag.RowsAffected() == 0 {
			return 0, fmt.Errorf("%w: id %d pertence a outra coleção", ErrConstraint, id)
		}
		// keep generated ids ahead of ids supplied by the caller
		if _, err := q.Exec(ctx, pgBumpRecordSeq, id); err != nil {
			return 0, fmt.Errorf("erro ao ajustar sequência de registros: %w", err)
		}
		return id, nil
	}

	var id int64
	err = q.QueryRow(ctx,
		`INSERT INTO curral_records (collection, data) VALUES ($1, $2) RETURNING id`,
		collection, data,
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) Get(ctx context.Context, collection string, id int64) (models.Record, error) {
	if _, err := lookup(s.reg, collection); err != nil {
		return nil, err
	}

	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM curral_records WHERE collection = $1 AND id = $2`, collection, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("erro ao buscar registro: %w", err)
	}
	return decodeRecord(id, data)
}

// QueryByIndex compares the text form of the indexed field, so 42 and "42" match alike
func (s *PostgresStore) QueryByIndex(ctx context.Context, collection, index string, value any) ([]models.Record, error) {
	if _, err := lookupIndex(s.reg, collection, index); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT id, data FROM curral_records WHERE collection = $1 AND data->>'%s' = $2 ORDER BY id`, index)
	rows, err := s.pool.Query(ctx, query, collection, fmt.Sprint(value))
	if err != nil {
		return nil, fmt.Errorf("erro na consulta por índice: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("erro no scan de registros: %w", err)
		}
		rec, err := decodeRecord(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const pgInsertEntry = `
	INSERT INTO curral_outbox (correlation_id, kind, url, method, payload, collection, record_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`

func pgInsert(ctx context.Context, q pgQueryer, e models.OutboxEntry) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, pgInsertEntry,
		e.CorrelationID, e.Kind, e.URL, e.Method, []byte(e.Payload), e.Collection, e.RecordID,
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) EnqueueOutbox(ctx context.Context, e models.OutboxEntry) (int64, error) {
	normalizeEntry(&e, time.Now())
	id, err := pgInsert(ctx, s.pool, e)
	if err != nil {
		return 0, s.storageErr(ctx, fmt.Errorf("falha ao enfileirar: %w", err))
	}
	return id, nil
}

func (s *PostgresStore) SaveWithOutbox(ctx context.Context, collection string, rec models.Record) (int64, int64, error) {
	c, err := lookup(s.reg, collection)
	if err != nil {
		return 0, 0, err
	}
	if !c.Syncable() {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotSyncable, collection)
	}

	now := time.Now()
	prepared := prepareOutboxRecord(rec, now)

	var recordID, entryID int64
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		if recordID, err = s.put(ctx, tx, collection, prepared); err != nil {
			return err
		}
		payload, err := snapshotPayload(prepared, recordID)
		if err != nil {
			return err
		}
		entryID, err = pgInsert(ctx, tx, newOutboxEntry(c, recordID, payload, now))
		return err
	})
	if err != nil {
		return 0, 0, s.storageErr(ctx, err)
	}
	return recordID, entryID, nil
}

const pgEntryColumns = `id, correlation_id, kind, url, method, payload, collection, record_id, status, retries, last_error, created_at, synced_at`

func pgScanEntry(r pgx.Row) (models.OutboxEntry, error) {
	var e models.OutboxEntry
	var payload []byte
	var status string
	err := r.Scan(&e.ID, &e.CorrelationID, &e.Kind, &e.URL, &e.Method, &payload,
		&e.Collection, &e.RecordID, &status, &e.Retries, &e.LastError, &e.CreatedAt, &e.SyncedAt)
	if err != nil {
		return e, err
	}
	e.Payload = json.RawMessage(payload)
	e.Status = models.OutboxStatus(status)
	return e, nil
}

func (s *PostgresStore) listByStatus(ctx context.Context, status models.OutboxStatus) ([]models.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEntryColumns+` FROM curral_outbox WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("falha ao buscar pendências: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		e, err := pgScanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("erro no scan da outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]models.OutboxEntry, error) {
	return s.listByStatus(ctx, models.StatusPending)
}

func (s *PostgresStore) ListFailed(ctx context.Context) ([]models.OutboxEntry, error) {
	return s.listByStatus(ctx, models.StatusFailed)
}

func (s *PostgresStore) GetEntry(ctx context.Context, id int64) (models.OutboxEntry, error) {
	e, err := pgScanEntry(s.pool.QueryRow(ctx,
		`SELECT `+pgEntryColumns+` FROM curral_outbox WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return e, fmt.Errorf("%w: outbox %d", ErrNotFound, id)
	}
	return e, err
}

func (s *PostgresStore) MarkSynced(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE curral_outbox
		SET status = 'synced', synced_at = now()
		WHERE id = $1 AND status <> 'synced'`, id)
	if err != nil {
		return s.storageErr(ctx, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM curral_outbox WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: outbox %d", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, id int64, lastErr string) (models.OutboxEntry, error) {
	var entry models.OutboxEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		e, err := pgScanEntry(tx.QueryRow(ctx,
			`SELECT `+pgEntryColumns+` FROM curral_outbox WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: outbox %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if e.Status != models.StatusPending {
			entry = e
			return nil
		}

		e.Retries++
		e.Status = nextStatus(e.Retries, s.ceiling)
		e.LastError = lastErr
		if _, err := tx.Exec(ctx,
			`UPDATE curral_outbox SET retries = $2, status = $3, last_error = $4 WHERE id = $1`,
			id, e.Retries, string(e.Status), e.LastError,
		); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return entry, s.storageErr(ctx, err)
	}
	return entry, nil
}

func (s *PostgresStore) count(ctx context.Context, status models.OutboxStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM curral_outbox WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	return s.count(ctx, models.StatusPending)
}

func (s *PostgresStore) CountFailed(ctx context.Context) (int, error) {
	return s.count(ctx, models.StatusFailed)
}

func (s *PostgresStore) RequeueFailed(ctx context.Context, ids []int64) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if len(ids) == 0 {
		tag, err = s.pool.Exec(ctx, `UPDATE curral_outbox SET status = 'pending' WHERE status = 'failed'`)
	} else {
		tag, err = s.pool.Exec(ctx, `UPDATE curral_outbox SET status = 'pending' WHERE status = 'failed' AND id = ANY($1)`, ids)
	}
	if err != nil {
		return 0, s.storageErr(ctx, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) MarkRecordSynced(ctx context.Context, collection string, id int64, serverID any) error {
	patch := map[string]any{"sync_status": string(models.StatusSynced)}
	if serverID != nil {
		patch["server_id"] = serverID
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE curral_records SET data = data || $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2`,
		collection, id, body)
	return s.storageErr(ctx, err)
}

func (s *PostgresStore) PurgeSynced(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM curral_outbox WHERE status = 'synced' AND synced_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (models.Stats, error) {
	stats := models.Stats{}
	for _, name := range s.reg.Names() {
		stats["total_"+name] = 0
	}

	rows, err := s.pool.Query(ctx, `SELECT collection, COUNT(*) FROM curral_records GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("erro ao calcular estatísticas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		stats["total_"+name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats["pendentes_sync"], err = s.CountPending(ctx); err != nil {
		return nil, err
	}
	if stats["falhas_sync"], err = s.CountFailed(ctx); err != nil {
		return nil, err
	}
	return stats, nil
}
