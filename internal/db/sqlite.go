package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/pkg/metrics"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Options configures a local store backend
type Options struct {
	Registry     models.Registry
	RetryCeiling int
	// MaxPageCount caps the SQLite file size in pages. Zero means unlimited.
	MaxPageCount int
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = models.DefaultRegistry
	}
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = models.DefaultRetryCeiling
	}
	return o
}

// Evictor frees space held by data that does not belong to the store itself
type Evictor interface {
	EvictStale(ctx context.Context) (int64, error)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the device-local store: domain records as JSON documents plus the outbox
type SQLiteStore struct {
	db      *sql.DB
	reg     models.Registry
	ceiling int
	logger  *slog.Logger
	now     func() time.Time

	evictMu sync.RWMutex
	evictor Evictor
}

func OpenSQLite(ctx context.Context, path string, opts Options, logger *slog.Logger) (*SQLiteStore, error) {
	opts = opts.withDefaults()
	if err := validateRegistry(opts.Registry); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("erro ao criar diretório do banco local: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	if opts.MaxPageCount > 0 {
		dsn += fmt.Sprintf("&_pragma=max_page_count(%d)", opts.MaxPageCount)
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("erro ao abrir banco local: %w", err)
	}
	// One writer only; keeps pragmas on a single long-lived connection
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sem resposta do banco local: %w", err)
	}

	s := &SQLiteStore{
		db:      conn,
		reg:     opts.Registry,
		ceiling: opts.RetryCeiling,
		logger:  logger.With("component", "local_store"),
		now:     time.Now,
	}

	if err := migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.ensureIndexes(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// DB exposes the handle so the response cache can share the same file
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) SetEvictor(e Evictor) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	s.evictor = e
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ensureIndexes creates one partial expression index per (collection, index) pair of the registry
func (s *SQLiteStore) ensureIndexes(ctx context.Context) error {
	for _, name := range s.reg.Names() {
		c := s.reg[name]
		for _, idx := range c.Indexes {
			unique := ""
			if idx.Unique {
				unique = "UNIQUE "
			}
			stmt := fmt.Sprintf(
				`CREATE %sINDEX IF NOT EXISTS idx_rec_%s_%s ON records(json_extract(data, '$.%s')) WHERE collection = '%s'`,
				unique, c.Name, idx.Name, idx.Name, c.Name,
			)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("erro ao criar índice %s.%s: %w", c.Name, idx.Name, err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// storageErr maps driver errors to the package sentinels. It must run after any transaction
// is closed: the eviction it triggers needs the single connection.
func (s *SQLiteStore) storageErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}

	switch se.Code() & 0xff {
	case sqlite3.SQLITE_FULL:
		metrics.StoreQuotaErrors.Inc()
		s.evictStale(ctx)
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case sqlite3.SQLITE_CONSTRAINT:
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	default:
		return err
	}
}

func (s *SQLiteStore) evictStale(ctx context.Context) {
	s.evictMu.RLock()
	e := s.evictor
	s.evictMu.RUnlock()
	if e == nil {
		return
	}

	n, err := e.EvictStale(ctx)
	if err != nil {
		s.logger.Warn("Quota cleanup failed", "error", err)
		return
	}
	s.logger.Warn("Local store full, evicted stale cache entries", "evicted", n)
}

func (s *SQLiteStore) Put(ctx context.Context, collection string, rec models.Record) (int64, error) {
	if _, err := lookup(s.reg, collection); err != nil {
		return 0, err
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.put(ctx, tx, collection, rec)
		return err
	})
	if err != nil {
		return 0, s.storageErr(ctx, err)
	}
	return id, nil
}

func (s *SQLiteStore) put(ctx context.Context, q queryer, collection string, rec models.Record) (int64, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}
	now := s.now().UnixMilli()

	if id, ok := rec.ID(); ok {
		res, err := q.ExecContext(ctx, `
			INSERT INTO records (id, collection, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
			WHERE records.collection = excluded.collection`,
			id, collection, string(data), now, now,
		)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("%w: id %d pertence a outra coleção", ErrConstraint, id)
		}
		return id, nil
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO records (collection, data, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		collection, string(data), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Get(ctx context.Context, collection string, id int64) (models.Record, error) {
	if _, err := lookup(s.reg, collection); err != nil {
		return nil, err
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("erro ao buscar registro: %w", err)
	}
	return decodeRecord(id, []byte(data))
}

// QueryByIndex matches value against the indexed field, comparing numbers and their text form alike
func (s *SQLiteStore) QueryByIndex(ctx context.Context, collection, index string, value any) ([]models.Record, error) {
	if _, err := lookupIndex(s.reg, collection, index); err != nil {
		return nil, err
	}

	expr := fmt.Sprintf("json_extract(data, '$.%s')", index)
	query := fmt.Sprintf(`
		SELECT id, data FROM records
		WHERE collection = ? AND (%[1]s = ? OR CAST(%[1]s AS TEXT) = CAST(? AS TEXT))
		ORDER BY id`, expr)

	rows, err := s.db.QueryContext(ctx, query, collection, value, value)
	if err != nil {
		return nil, fmt.Errorf("erro na consulta por índice: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("erro no scan de registros: %w", err)
		}
		rec, err := decodeRecord(id, []byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, e models.OutboxEntry) (int64, error) {
	normalizeEntry(&e, s.now())

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertEntry(ctx, tx, e)
		return err
	})
	if err != nil {
		return 0, s.storageErr(ctx, err)
	}
	return id, nil
}

// SaveWithOutbox writes a record and its outbox entry in one transaction
func (s *SQLiteStore) SaveWithOutbox(ctx context.Context, collection string, rec models.Record) (int64, int64, error) {
	c, err := lookup(s.reg, collection)
	if err != nil {
		return 0, 0, err
	}
	if !c.Syncable() {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotSyncable, collection)
	}

	now := s.now()
	prepared := prepareOutboxRecord(rec, now)

	var recordID, entryID int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if recordID, err = s.put(ctx, tx, collection, prepared); err != nil {
			return err
		}
		payload, err := snapshotPayload(prepared, recordID)
		if err != nil {
			return err
		}
		entryID, err = insertEntry(ctx, tx, newOutboxEntry(c, recordID, payload, now))
		return err
	})
	if err != nil {
		return 0, 0, s.storageErr(ctx, err)
	}
	return recordID, entryID, nil
}

func insertEntry(ctx context.Context, q queryer, e models.OutboxEntry) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO outbox (correlation_id, kind, url, method, payload, collection, record_id, status, retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?)`,
		e.CorrelationID, e.Kind, e.URL, e.Method, string(e.Payload), e.Collection, e.RecordID, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const entryColumns = `id, correlation_id, kind, url, method, payload, collection, record_id, status, retries, last_error, created_at, synced_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (models.OutboxEntry, error) {
	var (
		e        models.OutboxEntry
		payload  string
		status   string
		created  int64
		syncedAt sql.NullInt64
	)
	err := r.Scan(&e.ID, &e.CorrelationID, &e.Kind, &e.URL, &e.Method, &payload,
		&e.Collection, &e.RecordID, &status, &e.Retries, &e.LastError, &created, &syncedAt)
	if err != nil {
		return e, err
	}
	e.Payload = []byte(payload)
	e.Status = models.OutboxStatus(status)
	e.CreatedAt = time.UnixMilli(created)
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64)
		e.SyncedAt = &t
	}
	return e, nil
}

func (s *SQLiteStore) listByStatus(ctx context.Context, status models.OutboxStatus) ([]models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM outbox WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("falha ao buscar outbox (%s): %w", status, err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("erro no scan da outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]models.OutboxEntry, error) {
	return s.listByStatus(ctx, models.StatusPending)
}

func (s *SQLiteStore) ListFailed(ctx context.Context) ([]models.OutboxEntry, error) {
	return s.listByStatus(ctx, models.StatusFailed)
}

func (s *SQLiteStore) GetEntry(ctx context.Context, id int64) (models.OutboxEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: outbox %d", ErrNotFound, id)
	}
	return e, err
}

// MarkSynced is idempotent for entries already synced
func (s *SQLiteStore) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'synced', synced_at = ? WHERE id = ? AND status <> 'synced'`,
		s.now().UnixMilli(), id,
	)
	if err != nil {
		return s.storageErr(ctx, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: outbox %d", ErrNotFound, id)
	}
	return nil
}

// IncrementRetry records a failed delivery. Entries that are no longer pending are returned untouched.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id int64, lastErr string) (models.OutboxEntry, error) {
	var entry models.OutboxEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
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
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET retries = ?, status = ?, last_error = ? WHERE id = ?`,
			e.Retries, string(e.Status), e.LastError, id,
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

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CountFailed(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'failed'`).Scan(&n)
	return n, err
}

// RequeueFailed moves failed entries back to pending. An empty ids slice requeues all of them.
// The retry count is kept, so a requeued entry gets one more attempt before failing again.
func (s *SQLiteStore) RequeueFailed(ctx context.Context, ids []int64) (int64, error) {
	query := `UPDATE outbox SET status = 'pending' WHERE status = 'failed'`
	args := make([]any, 0, len(ids))
	if len(ids) > 0 {
		query += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.storageErr(ctx, err)
	}
	return res.RowsAffected()
}

// MarkRecordSynced merges the server acknowledgement into the originating record
func (s *SQLiteStore) MarkRecordSynced(ctx context.Context, collection string, id int64, serverID any) error {
	var err error
	if serverID == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE records SET data = json_set(data, '$.sync_status', 'synced'), updated_at = ? WHERE collection = ? AND id = ?`,
			s.now().UnixMilli(), collection, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE records SET data = json_set(data, '$.sync_status', 'synced', '$.server_id', ?), updated_at = ? WHERE collection = ? AND id = ?`,
			serverID, s.now().UnixMilli(), collection, id)
	}
	return s.storageErr(ctx, err)
}

// PurgeSynced deletes synced entries older than the cutoff
func (s *SQLiteStore) PurgeSynced(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = 'synced' AND synced_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Stats(ctx context.Context) (models.Stats, error) {
	stats := models.Stats{}
	for _, name := range s.reg.Names() {
		stats["total_"+name] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT collection, COUNT(*) FROM records GROUP BY collection`)
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
