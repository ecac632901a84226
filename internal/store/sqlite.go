package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/wemdio/lead-scanner/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It owns its own
// copies of the messages and user_config tables so the scanner can run
// locally without the upstream collector.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_time DATETIME NOT NULL DEFAULT (datetime('now')),
	chat_name    TEXT,
	user_id      INTEGER,
	username     TEXT,
	first_name   TEXT,
	bio          TEXT,
	message      TEXT,
	message_link TEXT
);

CREATE TABLE IF NOT EXISTS user_config (
	user_id            TEXT PRIMARY KEY,
	is_active          INTEGER NOT NULL DEFAULT 0,
	lead_prompt        TEXT,
	draft_prompt       TEXT,
	openrouter_api_key TEXT,
	lead_channel_id    TEXT,
	min_confidence     INTEGER
);

CREATE TABLE IF NOT EXISTS detected_leads (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	message_id       INTEGER NOT NULL,
	confidence_score INTEGER NOT NULL,
	reasoning        TEXT,
	matched_criteria TEXT NOT NULL DEFAULT '[]',
	draft            TEXT,
	is_delivered     INTEGER NOT NULL DEFAULT 0,
	delivery_id      TEXT,
	detected_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	delivered_at     DATETIME,
	UNIQUE (user_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_detected_leads_delivered ON detected_leads(is_delivered);
CREATE INDEX IF NOT EXISTS idx_user_config_active ON user_config(is_active);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) MaxMessageID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&id)
	return id, eris.Wrap(err, "sqlite: max message id")
}

func (s *SQLiteStore) FetchAfter(ctx context.Context, cursor int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_time, COALESCE(chat_name, ''), COALESCE(user_id, 0), COALESCE(username, ''),
			COALESCE(first_name, ''), COALESCE(bio, ''), COALESCE(message, ''), COALESCE(message_link, '')
		FROM messages WHERE id > ? ORDER BY id ASC LIMIT ?`,
		cursor, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: fetch messages after %d", cursor)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.Time, &m.ChatName, &m.AuthorID,
			&m.Username, &m.FirstName, &m.Bio, &m.Text, &m.Link); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: iterate messages")
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]model.TenantConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COALESCE(lead_prompt, ''), COALESCE(draft_prompt, ''), COALESCE(openrouter_api_key, ''),
			COALESCE(lead_channel_id, ''), COALESCE(min_confidence, ?)
		FROM user_config WHERE is_active = 1 ORDER BY user_id`,
		model.DefaultMinPostingConfidence,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active tenants")
	}
	defer rows.Close()

	var tenants []model.TenantConfig
	for rows.Next() {
		t := model.TenantConfig{Active: true}
		if err := rows.Scan(&t.ID, &t.CriteriaPrompt, &t.DraftPrompt,
			&t.Credential, &t.Channel, &t.MinPostingConfidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tenant")
		}
		tenants = append(tenants, t)
	}
	return tenants, eris.Wrap(rows.Err(), "sqlite: iterate tenants")
}

func (s *SQLiteStore) InsertUnique(ctx context.Context, lead model.DetectedLead) (model.InsertResult, error) {
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO detected_leads (id, user_id, message_id, confidence_score, reasoning, matched_criteria, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, message_id) DO NOTHING`,
		id, lead.TenantID, lead.MessageID, lead.Confidence, lead.Reasoning, string(criteria), detectedAt,
	)
	if err != nil {
		return model.InsertResult{}, eris.Wrapf(err, "sqlite: insert lead %s/%d", lead.TenantID, lead.MessageID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.InsertResult{}, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return model.InsertResult{ID: id, Inserted: true}, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM detected_leads WHERE user_id = ? AND message_id = ?`,
		lead.TenantID, lead.MessageID,
	).Scan(&existing)
	if err != nil {
		return model.InsertResult{}, eris.Wrapf(err, "sqlite: load existing lead %s/%d", lead.TenantID, lead.MessageID)
	}
	return model.InsertResult{ID: existing, Inserted: false}, nil
}

func (s *SQLiteStore) SaveDraft(ctx context.Context, leadID, draft string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE detected_leads SET draft = ? WHERE id = ?`, draft, leadID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save draft %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, leadID, deliveryID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE detected_leads SET is_delivered = 1, delivery_id = ?, delivered_at = ?
		WHERE id = ? AND is_delivered = 0`,
		deliveryID, time.Now().UTC(), leadID,
	)
	return eris.Wrapf(err, "sqlite: mark delivered %s", leadID)
}

func (s *SQLiteStore) ListUndelivered(ctx context.Context, tenantID string, limit int) ([]model.DetectedLead, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.user_id, l.message_id, l.confidence_score, COALESCE(l.reasoning, ''),
			l.matched_criteria, COALESCE(l.draft, ''), l.detected_at,
			m.message_time, COALESCE(m.chat_name, ''), COALESCE(m.user_id, 0), COALESCE(m.username, ''),
			COALESCE(m.first_name, ''), COALESCE(m.bio, ''), COALESCE(m.message, ''), COALESCE(m.message_link, '')
		FROM detected_leads l JOIN messages m ON m.id = l.message_id
		WHERE l.user_id = ? AND l.is_delivered = 0
		ORDER BY l.message_id ASC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list undelivered %s", tenantID)
	}
	defer rows.Close()

	var leads []model.DetectedLead
	for rows.Next() {
		l, err := scanLeadWithMessage(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: iterate leads")
}

func (s *SQLiteStore) CountUndelivered(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM detected_leads WHERE is_delivered = 0`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count undelivered")
}

// GetLead loads one lead by id. Used by the CLI and tests.
func (s *SQLiteStore) GetLead(ctx context.Context, leadID string) (*model.DetectedLead, error) {
	var l model.DetectedLead
	var criteria string
	var delivered int
	var deliveryID sql.NullString
	var deliveredAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, message_id, confidence_score, COALESCE(reasoning, ''), matched_criteria,
			COALESCE(draft, ''), is_delivered, delivery_id, detected_at, delivered_at
		FROM detected_leads WHERE id = ?`,
		leadID,
	).Scan(&l.ID, &l.TenantID, &l.MessageID, &l.Confidence, &l.Reasoning, &criteria,
		&l.Draft, &delivered, &deliveryID, &l.DetectedAt, &deliveredAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("lead not found: %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", leadID)
	}
	if l.MatchedCriteria, err = unmarshalCriteria([]byte(criteria)); err != nil {
		return nil, err
	}
	l.Delivered = delivered == 1
	l.DeliveryID = deliveryID.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		l.DeliveredAt = &t
	}
	return &l, nil
}

// InsertMessage appends a message to the local messages table and returns
// its id. A zero m.ID lets SQLite assign the next id.
func (s *SQLiteStore) InsertMessage(ctx context.Context, m model.Message) (int64, error) {
	ts := m.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var id any
	if m.ID > 0 {
		id = m.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, message_time, chat_name, user_id, username, first_name, bio, message, message_link)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ts, m.ChatName, m.AuthorID, nullable(m.Username), nullable(m.FirstName),
		nullable(m.Bio), m.Text, nullable(m.Link),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert message")
	}
	newID, err := res.LastInsertId()
	return newID, eris.Wrap(err, "sqlite: last insert id")
}

// UpsertTenant writes a tenant row into the local user_config table.
func (s *SQLiteStore) UpsertTenant(ctx context.Context, t model.TenantConfig) error {
	active := 0
	if t.Active {
		active = 1
	}
	var minConf any
	if t.MinPostingConfidence > 0 {
		minConf = t.MinPostingConfidence
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_config (user_id, is_active, lead_prompt, draft_prompt, openrouter_api_key, lead_channel_id, min_confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			is_active = excluded.is_active,
			lead_prompt = excluded.lead_prompt,
			draft_prompt = excluded.draft_prompt,
			openrouter_api_key = excluded.openrouter_api_key,
			lead_channel_id = excluded.lead_channel_id,
			min_confidence = excluded.min_confidence`,
		t.ID, active, t.CriteriaPrompt, nullable(t.DraftPrompt), nullable(t.Credential), nullable(t.Channel), minConf,
	)
	return eris.Wrapf(err, "sqlite: upsert tenant %s", t.ID)
}

// helpers

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLeadWithMessage(row scannable) (*model.DetectedLead, error) {
	var l model.DetectedLead
	var m model.Message
	var criteria string

	err := row.Scan(&l.ID, &l.TenantID, &l.MessageID, &l.Confidence, &l.Reasoning,
		&criteria, &l.Draft, &l.DetectedAt,
		&m.Time, &m.ChatName, &m.AuthorID, &m.Username,
		&m.FirstName, &m.Bio, &m.Text, &m.Link)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lead")
	}
	if l.MatchedCriteria, err = unmarshalCriteria([]byte(criteria)); err != nil {
		return nil, err
	}
	m.ID = l.MessageID
	l.Message = &m
	return &l, nil
}
