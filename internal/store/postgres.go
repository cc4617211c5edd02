package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariaforge/inferd/pkg/models"
)

// PostgresStore is the production Store backend, backed by pgx/v5. It
// implements the exact same interface as MemoryStore so the rest of the
// gateway never branches on which backend is active.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against connString. Call Migrate
// before first use.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// ── Model Store ──────────────────────────────────────────────

func (s *PostgresStore) ListModels(ctx context.Context, includeArchived bool) ([]models.Model, error) {
	query := `SELECT id, served_model_name, engine_type, task, state, artifact_path, image,
		container_name, container_id, port, url, context_length, tensor_parallel,
		archived, last_error, created_at, updated_at FROM models`
	if !includeArchived {
		query += ` WHERE archived = false`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		var m models.Model
		if err := scanModel(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModel(ctx context.Context, id string) (*models.Model, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, served_model_name, engine_type, task, state, artifact_path, image,
		container_name, container_id, port, url, context_length, tensor_parallel,
		archived, last_error, created_at, updated_at FROM models WHERE id = $1`, id)
	var m models.Model
	if err := scanModel(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "model", Key: id}
		}
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, served_model_name, engine_type, task, state, artifact_path, image,
		container_name, container_id, port, url, context_length, tensor_parallel,
		archived, last_error, created_at, updated_at FROM models WHERE served_model_name = $1`, servedName)
	var m models.Model
	if err := scanModel(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "model", Key: servedName}
		}
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateModel(ctx context.Context, m *models.Model) error {
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `INSERT INTO models
		(id, served_model_name, engine_type, task, state, artifact_path, image, container_name,
		 container_id, port, url, context_length, tensor_parallel, archived, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		m.ID, m.ServedModelName, m.EngineType, m.Task, m.State, m.ArtifactPath, m.Image,
		m.ContainerName, m.ContainerID, m.Port, m.URL, m.ContextLength, m.TensorParallel,
		m.Archived, m.LastError, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "model", Key: m.ServedModelName}
	}
	return err
}

func (s *PostgresStore) UpdateModel(ctx context.Context, m *models.Model) error {
	m.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE models SET served_model_name=$2, engine_type=$3, task=$4,
		state=$5, artifact_path=$6, image=$7, container_name=$8, container_id=$9, port=$10, url=$11,
		context_length=$12, tensor_parallel=$13, archived=$14, last_error=$15, updated_at=$16 WHERE id=$1`,
		m.ID, m.ServedModelName, m.EngineType, m.Task, m.State, m.ArtifactPath, m.Image,
		m.ContainerName, m.ContainerID, m.Port, m.URL, m.ContextLength, m.TensorParallel,
		m.Archived, m.LastError, m.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: m.ID}
	}
	return nil
}

func (s *PostgresStore) ArchiveModel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE models SET archived=true, state=$2, updated_at=$3 WHERE id=$1`,
		id, models.ModelStateArchived, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: id}
	}
	return nil
}

func (s *PostgresStore) DeleteModel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: id}
	}
	return nil
}

// ── API Key Store ────────────────────────────────────────────

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, prefix, hash, name, scopes, ip_allowlist, expires_at, disabled, created_at, last_used_at FROM api_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Prefix, &k.Hash, &k.Name, &k.Scopes, &k.IPAllowlist, &k.ExpiresAt, &k.Disabled, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, prefix, hash, name, scopes, ip_allowlist, expires_at, disabled, created_at, last_used_at
		FROM api_keys WHERE prefix = $1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Prefix, &k.Hash, &k.Name, &k.Scopes, &k.IPAllowlist, &k.ExpiresAt, &k.Disabled, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	k.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO api_keys (id, prefix, hash, name, scopes, ip_allowlist, expires_at, disabled, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, k.ID, k.Prefix, k.Hash, k.Name, k.Scopes, k.IPAllowlist, k.ExpiresAt, k.Disabled, k.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *PostgresStore) DisableAPIKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET disabled = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	return nil
}

// ── Usage Store ──────────────────────────────────────────────

func (s *PostgresStore) AppendUsage(ctx context.Context, u *models.UsageRecord) error {
	u.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO usage_records
		(id, request_id, api_key_id, served_model_name, upstream_url, task, streamed,
		 prompt_tokens, completion_tokens, total_tokens, tokens_estimated, status_code,
		 duration_ms, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		u.ID, u.RequestID, u.APIKeyID, u.ServedModelName, u.UpstreamURL, u.Task, u.Streamed,
		u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.TokensEstimated, u.StatusCode,
		u.DurationMs, u.Error, u.CreatedAt)
	return err
}

func (s *PostgresStore) ListUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, request_id, api_key_id, served_model_name, upstream_url, task, streamed,
		prompt_tokens, completion_tokens, total_tokens, tokens_estimated, status_code,
		duration_ms, error, created_at FROM usage_records WHERE 1=1`
	args := []any{}
	if filter.ServedModelName != "" {
		args = append(args, filter.ServedModelName)
		query += ` AND served_model_name = $` + strconv.Itoa(len(args))
	}
	if filter.APIKeyID != "" {
		args = append(args, filter.APIKeyID)
		query += ` AND api_key_id = $` + strconv.Itoa(len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.UsageRecord
	for rows.Next() {
		var u models.UsageRecord
		if err := rows.Scan(&u.ID, &u.RequestID, &u.APIKeyID, &u.ServedModelName, &u.UpstreamURL,
			&u.Task, &u.Streamed, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens,
			&u.TokensEstimated, &u.StatusCode, &u.DurationMs, &u.Error, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ── Config KV Store ──────────────────────────────────────────

func (s *PostgresStore) GetConfigKV(ctx context.Context, key string) (*models.ConfigKV, error) {
	row := s.pool.QueryRow(ctx, `SELECT key, value, updated_at FROM config_kv WHERE key = $1`, key)
	var kv models.ConfigKV
	if err := row.Scan(&kv.Key, &kv.Value, &kv.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "config_kv", Key: key}
		}
		return nil, err
	}
	return &kv, nil
}

func (s *PostgresStore) SetConfigKV(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO config_kv (key, value, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// ── Lifecycle ────────────────────────────────────────────────

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies schema migrations via golang-migrate using the same
// connection string the pool was opened with, from migrationsPath (a
// "file://" source directory of .up.sql/.down.sql pairs).
func (s *PostgresStore) Migrate(ctx context.Context) error {
	// Driven from internal/store/migrate.go, which owns the golang-migrate
	// wiring; kept separate so this file stays pgx-only.
	return runMigrations(ctx, s.pool)
}

// ── scan helpers ─────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner, m *models.Model) error {
	return row.Scan(&m.ID, &m.ServedModelName, &m.EngineType, &m.Task, &m.State, &m.ArtifactPath,
		&m.Image, &m.ContainerName, &m.ContainerID, &m.Port, &m.URL, &m.ContextLength,
		&m.TensorParallel, &m.Archived, &m.LastError, &m.CreatedAt, &m.UpdatedAt)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, errUniqueViolation) || containsSQLState(err, "23505")
}

var errUniqueViolation = errors.New("unique_violation")

func containsSQLState(err error, code string) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState() == code
	}
	return false
}

