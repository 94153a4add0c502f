package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Guizzs26/curral-sync/pkg/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS http_cache (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	cache_name TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	tier       TEXT    NOT NULL DEFAULT '',
	status     INTEGER NOT NULL,
	header     TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	stored_at  INTEGER NOT NULL,
	UNIQUE (cache_name, key)
);
CREATE INDEX IF NOT EXISTS idx_http_cache_tier ON http_cache (cache_name, tier, seq);
`

var ErrMiss = errors.New("cache miss")

// Response is a stored copy of an upstream response
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time

	// rest is the unread upstream body of a response too large to cache
	rest io.ReadCloser
}

func (r Response) oversized() bool { return r.rest != nil }

// ResponseStore keeps cached responses in SQLite, one row per (cache name, key)
type ResponseStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewResponseStore(ctx context.Context, db *sql.DB, l *slog.Logger) (*ResponseStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create http_cache schema: %w", err)
	}
	return &ResponseStore{db: db, logger: l.With("component", "response_store"), now: time.Now}, nil
}

// Put inserts or refreshes an entry. A refreshed entry keeps its insertion sequence.
func (s *ResponseStore) Put(ctx context.Context, cacheName, key, tier string, r Response) error {
	header, err := json.Marshal(storableHeader(r.Header))
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO http_cache (cache_name, key, tier, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_name, key) DO UPDATE SET
			tier = excluded.tier, status = excluded.status, header = excluded.header,
			body = excluded.body, stored_at = excluded.stored_at`,
		cacheName, key, tier, r.Status, string(header), r.Body, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store %s in %s: %w", key, cacheName, err)
	}
	return nil
}

func (s *ResponseStore) Get(ctx context.Context, cacheName, key string) (Response, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM http_cache WHERE cache_name = ? AND key = ?`,
		cacheName, key))
}

// Match looks the key up in every current cache, freshest first
func (s *ResponseStore) Match(ctx context.Context, key string) (Response, error) {
	args := []any{key}
	for _, n := range CurrentCaches {
		args = append(args, n)
	}
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM http_cache
		 WHERE key = ? AND cache_name IN (?`+strings.Repeat(", ?", len(CurrentCaches)-1)+`)
		 ORDER BY stored_at DESC LIMIT 1`, args...))
}

func (s *ResponseStore) scan(row *sql.Row) (Response, error) {
	var (
		r        Response
		header   string
		storedAt int64
	)
	if err := row.Scan(&r.Status, &header, &r.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Response{}, ErrMiss
		}
		return Response{}, err
	}
	if err := json.Unmarshal([]byte(header), &r.Header); err != nil {
		return Response{}, fmt.Errorf("corrupt cached header: %w", err)
	}
	r.StoredAt = time.UnixMilli(storedAt)
	return r, nil
}

// TrimTier keeps only the newest max entries of a tier, evicting oldest-first by insertion
func (s *ResponseStore) TrimTier(ctx context.Context, cacheName, tier string, max int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM http_cache WHERE cache_name = ? AND tier = ? AND seq NOT IN (
			SELECT seq FROM http_cache WHERE cache_name = ? AND tier = ? ORDER BY seq DESC LIMIT ?
		)`, cacheName, tier, cacheName, tier, max)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.CacheEvictions.WithLabelValues(tier + "_cap").Add(float64(n))
	}
	return n, nil
}

func (s *ResponseStore) Count(ctx context.Context, cacheName, tier string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM http_cache WHERE cache_name = ? AND tier = ?`, cacheName, tier).Scan(&n)
	return n, err
}

// EvictStale deletes every cache that does not belong to the current version.
// It is also the local store's quota evictor.
func (s *ResponseStore) EvictStale(ctx context.Context) (int64, error) {
	args := make([]any, 0, len(CurrentCaches))
	for _, n := range CurrentCaches {
		args = append(args, n)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM http_cache WHERE cache_name NOT IN (?`+strings.Repeat(", ?", len(CurrentCaches)-1)+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to evict stale caches: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Stale caches removed", "entries", n)
		metrics.CacheEvictions.WithLabelValues("stale").Add(float64(n))
	}
	return n, nil
}

var hopByHop = map[string]bool{
	"Connection": true, "Keep-Alive": true, "Proxy-Authenticate": true, "Proxy-Authorization": true,
	"Te": true, "Trailer": true, "Transfer-Encoding": true, "Upgrade": true,
	"Content-Length": true, "Content-Encoding": true,
}

// storableHeader drops hop-by-hop headers and session cookies from a response to be cached
func storableHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		ck := http.CanonicalHeaderKey(k)
		if hopByHop[ck] || ck == "Set-Cookie" {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}
