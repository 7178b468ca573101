package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/nurture-cli/internal/db"
	"github.com/sells-group/nurture-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_lead":    `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`,
	"record_send": `INSERT INTO sends (` + sendColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
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
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool), nil
}

func newPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	seq          BIGSERIAL UNIQUE,
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL UNIQUE,
	first_name   TEXT NOT NULL DEFAULT '',
	department   TEXT NOT NULL DEFAULT '',
	position     TEXT NOT NULL DEFAULT '',
	company_url  TEXT NOT NULL DEFAULT '',
	profile_text TEXT NOT NULL DEFAULT '',
	angle_1      TEXT NOT NULL DEFAULT '',
	angle_2      TEXT NOT NULL DEFAULT '',
	angle_3      TEXT NOT NULL DEFAULT '',
	mail_1       TEXT NOT NULL DEFAULT '',
	mail_2       TEXT NOT NULL DEFAULT '',
	mail_3       TEXT NOT NULL DEFAULT '',
	slot_1       TIMESTAMPTZ,
	slot_2       TIMESTAMPTZ,
	slot_3       TIMESTAMPTZ,
	sent_1       BOOLEAN NOT NULL DEFAULT false,
	sent_2       BOOLEAN NOT NULL DEFAULT false,
	sent_3       BOOLEAN NOT NULL DEFAULT false,
	status       TEXT NOT NULL DEFAULT '',
	info         TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sends (
	id         TEXT PRIMARY KEY,
	lead_id    TEXT NOT NULL,
	email      TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	mail_index INTEGER NOT NULL,
	sent_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_created_at ON leads(created_at, seq);
CREATE INDEX IF NOT EXISTS idx_sends_lead_id ON sends(lead_id);
CREATE INDEX IF NOT EXISTS idx_sends_sent_at ON sends(sent_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var leadInsertColumns = []string{
	"id", "email", "first_name", "department", "position", "company_url",
	"status", "info", "created_at", "updated_at",
}

func (s *PostgresStore) InsertLeads(ctx context.Context, leads []model.Lead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}
	importOrder(leads, s.now())

	rows := make([][]any, len(leads))
	for i := range leads {
		l := &leads[i]
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		rows[i] = []any{
			l.ID, normalizeEmail(l.Email), l.FirstName, l.Department, l.Position, l.CompanyURL,
			string(l.Status), l.Info, l.CreatedAt, l.UpdatedAt,
		}
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "leads",
		Columns:      leadInsertColumns,
		ConflictKeys: []string{"email"},
		UpdateCols:   []string{},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert leads")
	}
	return int(n), nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanLead(s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get lead %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	return l, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads`
	var args []any
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	query += ` ORDER BY created_at, seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	return s.queryLeads(ctx, "list leads", query, args...)
}

func (s *PostgresStore) ListUnclaimed(ctx context.Context) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE ` + eligibleClause +
		` AND ` + requiredInputsClause + ` ORDER BY created_at, seq`
	return s.queryLeads(ctx, "list unclaimed", query)
}

func (s *PostgresStore) queryLeads(ctx context.Context, op, query string, args ...any) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s: scan", op)
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrapf(rows.Err(), "postgres: %s: iterate", op)
}

func (s *PostgresStore) ClaimLeads(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE leads SET status = $1, updated_at = $2
		WHERE id = ANY($3) AND `+eligibleClause+`
		RETURNING id`,
		string(model.StatusProcessing), s.now(), ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim leads")
	}
	defer rows.Close()

	var claimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: claim leads: scan")
		}
		claimed = append(claimed, id)
	}
	return claimed, eris.Wrap(rows.Err(), "postgres: claim leads: iterate")
}

func (s *PostgresStore) UpdateLead(ctx context.Context, id string, u model.LeadUpdate) error {
	if u.IsEmpty() {
		return nil
	}
	sets, args, err := buildLeadUpdate(u, s.now(), func(n int) string { return fmt.Sprintf("$%d", n) })
	if err != nil {
		return err
	}
	args = append(args, id)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE leads SET %s WHERE id = $%d`, sets, len(args)), args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "lead %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, id string, mail int) error {
	col, err := sentColumn(mail)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET `+col+` = true, updated_at = $1 WHERE id = $2`, s.now(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark sent %s/%d", id, mail)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "lead %s", id)
	}
	return nil
}

func (s *PostgresStore) LoadCursor(ctx context.Context) (model.Cursor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM settings WHERE key = ANY($1)`,
		[]string{model.CursorKeySlot, model.CursorKeyCount})
	if err != nil {
		return model.Cursor{}, eris.Wrap(err, "postgres: load cursor")
	}
	defer rows.Close()

	values := make(map[string]string, 2)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return model.Cursor{}, eris.Wrap(err, "postgres: load cursor: scan")
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return model.Cursor{}, eris.Wrap(err, "postgres: load cursor: iterate")
	}
	return parseCursor(values)
}

var settingsUpsert = db.UpsertSQL(db.UpsertConfig{
	Table:        "settings",
	Columns:      []string{"key", "value"},
	ConflictKeys: []string{"key"},
}, `(VALUES ($1, $2), ($3, $4)) AS v("key", "value")`)

func (s *PostgresStore) SaveCursor(ctx context.Context, c model.Cursor) error {
	vals := cursorValues(c)
	_, err := s.pool.Exec(ctx, settingsUpsert,
		model.CursorKeySlot, vals[model.CursorKeySlot],
		model.CursorKeyCount, vals[model.CursorKeyCount],
	)
	return eris.Wrap(err, "postgres: save cursor")
}

func (s *PostgresStore) ResetCursor(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM settings WHERE key = ANY($1)`,
		[]string{model.CursorKeySlot, model.CursorKeyCount})
	return eris.Wrap(err, "postgres: reset cursor")
}

func (s *PostgresStore) RecordSend(ctx context.Context, rec model.SendRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sends (`+sendColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.LeadID, rec.Email, rec.Subject, rec.MailIndex, rec.SentAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: record send %s/%d", rec.LeadID, rec.MailIndex)
}

func (s *PostgresStore) ListSends(ctx context.Context, leadID string, limit int) ([]model.SendRecord, error) {
	query := `SELECT ` + sendColumns + ` FROM sends`
	var args []any
	if leadID != "" {
		args = append(args, leadID)
		query += ` WHERE lead_id = $1`
	}
	query += ` ORDER BY sent_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sends")
	}
	defer rows.Close()

	var out []model.SendRecord
	for rows.Next() {
		r, err := scanSend(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list sends: scan")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sends: iterate")
}

func (s *PostgresStore) PruneSends(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sends WHERE sent_at < $1`, before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune sends")
	}
	return int(tag.RowsAffected()), nil
}
