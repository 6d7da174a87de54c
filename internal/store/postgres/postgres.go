// Package postgres implements the store contracts on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// querier is the subset of pgxpool.Pool the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ querier = (*pgxpool.Pool)(nil)

// Store reads and writes the harborrelay schema.
type Store struct {
	db querier
}

var _ store.LogStore = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// Configs returns the event configuration store backed by the same pool.
func (s *Store) Configs() store.ConfigStore { return &ConfigStore{db: s.db} }

// Logs returns the delivery log store.
func (s *Store) Logs() store.LogStore { return s }

const configColumns = `id, event_name, api_endpoint, http_method, headers::text, payload_template,
	is_active, retry_attempts, created_at, updated_at`

// ConfigStore implements store.ConfigStore.
type ConfigStore struct {
	db querier
}

var _ store.ConfigStore = (*ConfigStore)(nil)

func scanConfig(row pgx.Row) (delivery.Configuration, error) {
	var (
		c       delivery.Configuration
		headers string
	)
	if err := row.Scan(&c.ID, &c.EventName, &c.APIEndpoint, &c.HTTPMethod, &headers, &c.PayloadTemplate,
		&c.IsActive, &c.RetryAttempts, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(headers), &c.Headers); err != nil {
		return c, fmt.Errorf("decode headers for config %s: %w", c.ID, err)
	}
	return c, nil
}

func (s *ConfigStore) queryConfigs(ctx context.Context, op, sql string, args ...any) ([]delivery.Configuration, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, store.Wrap(op, err)
	}
	defer rows.Close()

	var out []delivery.Configuration
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, store.Wrap(op, err)
		}
		out = append(out, c)
	}
	return out, store.Wrap(op, rows.Err())
}

func (s *ConfigStore) ActiveForEvent(ctx context.Context, eventName string) ([]delivery.Configuration, error) {
	return s.queryConfigs(ctx, "active configs", `
		SELECT `+configColumns+`
		FROM harborrelay.event_configs
		WHERE event_name = $1 AND is_active
		ORDER BY id`, eventName)
}

func (s *ConfigStore) Get(ctx context.Context, id string) (delivery.Configuration, error) {
	if _, err := uuid.Parse(id); err != nil {
		return delivery.Configuration{}, store.ErrNotFound
	}
	c, err := scanConfig(s.db.QueryRow(ctx, `
		SELECT `+configColumns+`
		FROM harborrelay.event_configs
		WHERE id = $1`, id))
	return c, notFound("get config", err)
}

func (s *ConfigStore) GetByEvent(ctx context.Context, eventName string) (delivery.Configuration, error) {
	c, err := scanConfig(s.db.QueryRow(ctx, `
		SELECT `+configColumns+`
		FROM harborrelay.event_configs
		WHERE event_name = $1`, eventName))
	return c, notFound("get config by event", err)
}

func (s *ConfigStore) List(ctx context.Context) ([]delivery.Configuration, error) {
	return s.queryConfigs(ctx, "list configs", `
		SELECT `+configColumns+`
		FROM harborrelay.event_configs
		ORDER BY event_name, id`)
}

func (s *ConfigStore) Upsert(ctx context.Context, cfg delivery.Configuration) (delivery.Configuration, error) {
	headers := cfg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return delivery.Configuration{}, fmt.Errorf("encode headers: %w", err)
	}

	c, err := scanConfig(s.db.QueryRow(ctx, `
		INSERT INTO harborrelay.event_configs
			(id, event_name, api_endpoint, http_method, headers, payload_template, is_active, retry_attempts)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		ON CONFLICT (event_name) DO UPDATE SET
			api_endpoint = EXCLUDED.api_endpoint,
			http_method = EXCLUDED.http_method,
			headers = EXCLUDED.headers,
			payload_template = EXCLUDED.payload_template,
			is_active = EXCLUDED.is_active,
			retry_attempts = EXCLUDED.retry_attempts,
			updated_at = now()
		RETURNING `+configColumns,
		uuid.NewString(), cfg.EventName, cfg.APIEndpoint, cfg.HTTPMethod, string(headersJSON),
		cfg.PayloadTemplate, cfg.IsActive, cfg.RetryAttempts,
	))
	if err != nil {
		return delivery.Configuration{}, store.Wrap("upsert config", err)
	}
	return c, nil
}

func (s *ConfigStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM harborrelay.event_configs WHERE id = $1`, id)
	if err != nil {
		return store.Wrap("delete config", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ConfigStore) SetActive(ctx context.Context, id string, active bool) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE harborrelay.event_configs
		SET is_active = $2, updated_at = now()
		WHERE id = $1`, id, active)
	if err != nil {
		return store.Wrap("set config active", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const entryColumns = `id, event_id, event_name, api_endpoint, http_method, request_headers::text,
	request_data, COALESCE(event_data::text, ''), max_attempts, response_code, response_body,
	status, error_message, attempt_count, claim_token, claimed_at, created_at, updated_at`

func scanEntry(row pgx.Row) (delivery.Entry, error) {
	var (
		e         delivery.Entry
		headers   string
		eventData string
		status    string
	)
	if err := row.Scan(&e.ID, &e.EventID, &e.EventName, &e.APIEndpoint, &e.HTTPMethod, &headers,
		&e.RequestData, &eventData, &e.MaxAttempts, &e.ResponseCode, &e.ResponseBody,
		&status, &e.ErrorMessage, &e.AttemptCount, &e.ClaimToken, &e.ClaimedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.Status = delivery.Status(status)
	if err := json.Unmarshal([]byte(headers), &e.RequestHeaders); err != nil {
		return e, fmt.Errorf("decode request headers for %s: %w", e.ID, err)
	}
	if eventData != "" {
		if err := json.Unmarshal([]byte(eventData), &e.EventData); err != nil {
			return e, fmt.Errorf("decode event data for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func (s *Store) queryEntries(ctx context.Context, op, sql string, args ...any) ([]delivery.Entry, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, store.Wrap(op, err)
	}
	defer rows.Close()

	out := []delivery.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, store.Wrap(op, err)
		}
		out = append(out, e)
	}
	return out, store.Wrap(op, rows.Err())
}

func (s *Store) Insert(ctx context.Context, e delivery.Entry) (delivery.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	headers := e.RequestHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return delivery.Entry{}, fmt.Errorf("encode request headers: %w", err)
	}
	// Marshal once and cast to jsonb in SQL.
	var eventData *string
	if e.EventData != nil {
		b, err := json.Marshal(e.EventData)
		if err != nil {
			return delivery.Entry{}, fmt.Errorf("encode event data: %w", err)
		}
		str := string(b)
		eventData = &str
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	out, err := scanEntry(s.db.QueryRow(ctx, `
		INSERT INTO harborrelay.delivery_logs
			(id, event_id, event_name, api_endpoint, http_method, request_headers, request_data, event_data,
			 max_attempts, response_code, response_body, status, error_message, attempt_count,
			 claim_token, claimed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING `+entryColumns,
		e.ID, e.EventID, e.EventName, e.APIEndpoint, e.HTTPMethod, string(headersJSON), e.RequestData, eventData,
		e.MaxAttempts, e.ResponseCode, e.ResponseBody, string(e.Status), e.ErrorMessage, e.AttemptCount,
		e.ClaimToken, e.ClaimedAt, createdAt, updatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return delivery.Entry{}, store.ErrConflict
		}
		return delivery.Entry{}, store.Wrap("insert delivery", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (delivery.Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return delivery.Entry{}, store.ErrNotFound
	}
	e, err := scanEntry(s.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM harborrelay.delivery_logs
		WHERE id = $1`, id))
	return e, notFound("get delivery", err)
}

// Update performs a conditional UPDATE ... RETURNING. When no row comes back
// the id is probed to tell a lost race from a missing entry.
func (s *Store) Update(ctx context.Context, id string, expect store.Expect, patch store.Patch) (delivery.Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return delivery.Entry{}, store.ErrNotFound
	}

	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"updated_at = now()"}
	if patch.UpdatedAt != nil {
		sets[0] = "updated_at = " + arg(*patch.UpdatedAt)
	}
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.AttemptCount != nil {
		sets = append(sets, "attempt_count = "+arg(*patch.AttemptCount))
	}
	if patch.ResponseCode != nil {
		sets = append(sets, "response_code = "+arg(*patch.ResponseCode))
	}
	if patch.ResponseBody != nil {
		sets = append(sets, "response_body = "+arg(*patch.ResponseBody))
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = "+arg(*patch.ErrorMessage))
	}
	if patch.RequestData != nil {
		sets = append(sets, "request_data = "+arg(*patch.RequestData))
	}
	switch {
	case patch.ClearClaim:
		sets = append(sets, "claim_token = ''", "claimed_at = NULL")
	default:
		if patch.ClaimToken != nil {
			sets = append(sets, "claim_token = "+arg(*patch.ClaimToken))
		}
		if patch.ClaimedAt != nil {
			sets = append(sets, "claimed_at = "+arg(*patch.ClaimedAt))
		}
	}

	where := []string{"id = $1"}
	if expect.Status != "" {
		where = append(where, "status = "+arg(string(expect.Status)))
	}
	if expect.Attempt != 0 {
		where = append(where, "attempt_count = "+arg(expect.Attempt))
	}
	if expect.ClaimToken != "" {
		where = append(where, "claim_token = "+arg(expect.ClaimToken))
	}

	e, err := scanEntry(s.db.QueryRow(ctx, `
		UPDATE harborrelay.delivery_logs
		SET `+strings.Join(sets, ", ")+`
		WHERE `+strings.Join(where, " AND ")+`
		RETURNING `+entryColumns, args...))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return delivery.Entry{}, store.Wrap("update delivery", err)
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM harborrelay.delivery_logs WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return delivery.Entry{}, store.Wrap("update delivery", err)
	}
	if !exists {
		return delivery.Entry{}, store.ErrNotFound
	}
	return delivery.Entry{}, store.ErrConflict
}

func (s *Store) List(ctx context.Context, f delivery.Filter) ([]delivery.Entry, int64, error) {
	var (
		args  []any
		where []string
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.EventName != "" {
		args = append(args, f.EventName)
		where = append(where, fmt.Sprintf("event_name = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM harborrelay.delivery_logs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, store.Wrap("count deliveries", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	entries, err := s.queryEntries(ctx, "list deliveries", `
		SELECT `+entryColumns+`
		FROM harborrelay.delivery_logs`+clause+fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) ListByStatus(ctx context.Context, status delivery.Status, limit int) ([]delivery.Entry, error) {
	return s.queryEntries(ctx, "list deliveries by status", `
		SELECT `+entryColumns+`
		FROM harborrelay.delivery_logs
		WHERE status = $1
		ORDER BY updated_at, id
		LIMIT $2`, string(status), positiveLimit(limit))
}

func (s *Store) ListStaleClaims(ctx context.Context, before time.Time, limit int) ([]delivery.Entry, error) {
	return s.queryEntries(ctx, "list stale claims", `
		SELECT `+entryColumns+`
		FROM harborrelay.delivery_logs
		WHERE status = 'in_flight' AND claimed_at < $1
		ORDER BY updated_at, id
		LIMIT $2`, before, positiveLimit(limit))
}

func (s *Store) Stats(ctx context.Context, since time.Time) (delivery.Stats, error) {
	var st delivery.Stats
	err := s.db.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'in_flight'),
			count(*) FILTER (WHERE status = 'retry_pending'),
			count(*) FILTER (WHERE status = 'success'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE created_at >= $1)
		FROM harborrelay.delivery_logs`, since,
	).Scan(&st.Total, &st.Pending, &st.InFlight, &st.RetryPending, &st.Success, &st.Failed, &st.Recent)
	if err != nil {
		return delivery.Stats{}, store.Wrap("delivery stats", err)
	}
	return st, nil
}

func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM harborrelay.delivery_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, store.Wrap("delete old deliveries", err)
	}
	return tag.RowsAffected(), nil
}

func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return store.Wrap(op, err)
}

func positiveLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
