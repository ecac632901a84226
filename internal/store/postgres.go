package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/wemdio/lead-scanner/internal/db"
	"github.com/wemdio/lead-scanner/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlMaxMessageID = `SELECT COALESCE(MAX(id), 0) FROM messages`

	sqlFetchAfter = `SELECT id, message_time, COALESCE(chat_name, ''), COALESCE(user_id, 0),
	COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(bio, ''), COALESCE(message, ''), COALESCE(message_link, '')
FROM messages WHERE id > $1 ORDER BY id ASC LIMIT $2`

	sqlListActive = `SELECT user_id::text, COALESCE(lead_prompt, ''), COALESCE(draft_prompt, ''),
	COALESCE(openrouter_api_key, ''), COALESCE(lead_channel_id, ''), COALESCE(min_confidence, 70)
FROM user_config WHERE is_active = true ORDER BY user_id`

	sqlInsertLead = `INSERT INTO detected_leads (id, user_id, message_id, confidence_score, reasoning, matched_criteria, detected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, message_id) DO NOTHING
RETURNING id`

	sqlExistingLead = `SELECT id FROM detected_leads WHERE user_id = $1 AND message_id = $2`

	sqlSaveDraft = `UPDATE detected_leads SET draft = $2 WHERE id = $1`

	sqlMarkDelivered = `UPDATE detected_leads SET is_delivered = true, delivery_id = $2, delivered_at = $3
WHERE id = $1 AND is_delivered = false`

	sqlListUndelivered = `SELECT l.id, l.user_id::text, l.message_id, l.confidence_score, COALESCE(l.reasoning, ''),
	l.matched_criteria, COALESCE(l.draft, ''), l.detected_at,
	m.message_time, COALESCE(m.chat_name, ''), COALESCE(m.user_id, 0), COALESCE(m.username, ''),
	COALESCE(m.first_name, ''), COALESCE(m.bio, ''), COALESCE(m.message, ''), COALESCE(m.message_link, '')
FROM detected_leads l JOIN messages m ON m.id = l.message_id
WHERE l.user_id = $1 AND l.is_delivered = false
ORDER BY l.message_id ASC LIMIT $2`

	sqlCountUndelivered = `SELECT COUNT(*) FROM detected_leads WHERE is_delivered = false`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := poolConfig(connString, poolCfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// poolConfig parses connString and applies the pool limits. Queries run in
// cache-statement mode, so each connection prepares a statement the first
// time it sees its SQL and reuses it on every later tick.
func poolConfig(connString string, poolCfg *PoolConfig) (*pgxpool.Config, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement
	return pgxCfg, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// messages and user_config belong to the collector and the configuration
// service; only detected_leads is created here.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS detected_leads (
	id               TEXT PRIMARY KEY,
	user_id          UUID NOT NULL,
	message_id       BIGINT NOT NULL,
	confidence_score INTEGER NOT NULL,
	reasoning        TEXT,
	matched_criteria JSONB NOT NULL DEFAULT '[]'::jsonb,
	draft            TEXT,
	is_delivered     BOOLEAN NOT NULL DEFAULT false,
	delivery_id      TEXT,
	detected_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at     TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_detected_leads_user_message ON detected_leads(user_id, message_id);
CREATE INDEX IF NOT EXISTS idx_detected_leads_undelivered ON detected_leads(user_id, message_id) WHERE is_delivered = false;
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) MaxMessageID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlMaxMessageID).Scan(&id); err != nil {
		return 0, eris.Wrap(err, "postgres: max message id")
	}
	return id, nil
}

func (s *PostgresStore) FetchAfter(ctx context.Context, cursor int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, sqlFetchAfter, cursor, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: fetch messages after %d", cursor)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.Time, &m.ChatName, &m.AuthorID,
			&m.Username, &m.FirstName, &m.Bio, &m.Text, &m.Link); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: iterate messages")
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]model.TenantConfig, error) {
	rows, err := s.pool.Query(ctx, sqlListActive)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active tenants")
	}
	defer rows.Close()

	var tenants []model.TenantConfig
	for rows.Next() {
		t := model.TenantConfig{Active: true}
		if err := rows.Scan(&t.ID, &t.CriteriaPrompt, &t.DraftPrompt,
			&t.Credential, &t.Channel, &t.MinPostingConfidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tenant")
		}
		tenants = append(tenants, t)
	}
	return tenants, eris.Wrap(rows.Err(), "postgres: iterate tenants")
}

func (s *PostgresStore) InsertUnique(ctx context.Context, lead model.DetectedLead) (model.InsertResult, error) {
	tenantID, err := uuid.Parse(lead.TenantID)
	if err != nil {
		return model.InsertResult{}, eris.Wrapf(err, "postgres: tenant id %q", lead.TenantID)
	}
	id := lead.ID
	if id == "" {
		id = uuid.New().String()
	}
	detectedAt := lead.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	criteria, err := marshalCriteria(lead.MatchedCriteria)
	if err != nil {
		return model.InsertResult{}, err
	}

	var gotID string
	err = s.pool.QueryRow(ctx, sqlInsertLead,
		id, tenantID, lead.MessageID, lead.Confidence, lead.Reasoning, criteria, detectedAt,
	).Scan(&gotID)
	if err == nil {
		return model.InsertResult{ID: gotID, Inserted: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.InsertResult{}, eris.Wrapf(err, "postgres: insert lead %s/%d", lead.TenantID, lead.MessageID)
	}

	// DO NOTHING returned no row: the pair already exists.
	if err := s.pool.QueryRow(ctx, sqlExistingLead, tenantID, lead.MessageID).Scan(&gotID); err != nil {
		return model.InsertResult{}, eris.Wrapf(err, "postgres: load existing lead %s/%d", lead.TenantID, lead.MessageID)
	}
	return model.InsertResult{ID: gotID, Inserted: false}, nil
}

func (s *PostgresStore) SaveDraft(ctx context.Context, leadID, draft string) error {
	tag, err := s.pool.Exec(ctx, sqlSaveDraft, leadID, draft)
	if err != nil {
		return eris.Wrapf(err, "postgres: save draft %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("lead not found: %s", leadID)
	}
	return nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, leadID, deliveryID string) error {
	_, err := s.pool.Exec(ctx, sqlMarkDelivered, leadID, deliveryID, time.Now().UTC())
	return eris.Wrapf(err, "postgres: mark delivered %s", leadID)
}

func (s *PostgresStore) ListUndelivered(ctx context.Context, tenantID string, limit int) ([]model.DetectedLead, error) {
	tid, err := uuid.Parse(tenantID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: tenant id %q", tenantID)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, sqlListUndelivered, tid, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list undelivered %s", tenantID)
	}
	defer rows.Close()

	var leads []model.DetectedLead
	for rows.Next() {
		var l model.DetectedLead
		var m model.Message
		var criteria []byte
		if err := rows.Scan(&l.ID, &l.TenantID, &l.MessageID, &l.Confidence, &l.Reasoning,
			&criteria, &l.Draft, &l.DetectedAt,
			&m.Time, &m.ChatName, &m.AuthorID, &m.Username,
			&m.FirstName, &m.Bio, &m.Text, &m.Link); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		if l.MatchedCriteria, err = unmarshalCriteria(criteria); err != nil {
			return nil, err
		}
		m.ID = l.MessageID
		l.Message = &m
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: iterate leads")
}

func (s *PostgresStore) CountUndelivered(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, sqlCountUndelivered).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count undelivered")
	}
	return n, nil
}

func marshalCriteria(c []string) ([]byte, error) {
	if c == nil {
		c = []string{}
	}
	b, err := json.Marshal(c)
	return b, eris.Wrap(err, "store: marshal matched criteria")
}

func unmarshalCriteria(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var c []string
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal matched criteria")
	}
	return c, nil
}
