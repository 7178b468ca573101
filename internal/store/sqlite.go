package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/nurture-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
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
	slot_1       DATETIME,
	slot_2       DATETIME,
	slot_3       DATETIME,
	sent_1       BOOLEAN NOT NULL DEFAULT 0,
	sent_2       BOOLEAN NOT NULL DEFAULT 0,
	sent_3       BOOLEAN NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT '',
	info         TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
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
	sent_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_created_at ON leads(created_at);
CREATE INDEX IF NOT EXISTS idx_sends_lead_id ON sends(lead_id);
CREATE INDEX IF NOT EXISTS idx_sends_sent_at ON sends(sent_at);
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

func (s *SQLiteStore) InsertLeads(ctx context.Context, leads []model.Lead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}
	importOrder(leads, s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert leads")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO leads
		(id, email, first_name, department, position, company_url, status, info, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert lead")
	}
	defer stmt.Close() //nolint:errcheck

	inserted := 0
	for i := range leads {
		l := &leads[i]
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		res, err := stmt.ExecContext(ctx,
			l.ID, normalizeEmail(l.Email), l.FirstName, l.Department, l.Position, l.CompanyURL,
			string(l.Status), l.Info, l.CreatedAt, l.UpdatedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert lead %s", l.Email)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert leads")
	}
	return inserted, nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get lead %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	return l, nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at, seq`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	return s.queryLeads(ctx, "list leads", query, args...)
}

func (s *SQLiteStore) ListUnclaimed(ctx context.Context) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE ` + eligibleClause +
		` AND ` + requiredInputsClause + ` ORDER BY created_at, seq`
	return s.queryLeads(ctx, "list unclaimed", query)
}

func (s *SQLiteStore) queryLeads(ctx context.Context, op, query string, args ...any) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s: scan", op)
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrapf(rows.Err(), "sqlite: %s: iterate", op)
}

func (s *SQLiteStore) ClaimLeads(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{string(model.StatusProcessing), s.now()}
	marks := make([]string, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE leads SET status = ?, updated_at = ?
		WHERE id IN (`+strings.Join(marks, ", ")+`) AND `+eligibleClause+`
		RETURNING id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim leads")
	}
	defer rows.Close() //nolint:errcheck

	var claimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: claim leads: scan")
		}
		claimed = append(claimed, id)
	}
	return claimed, eris.Wrap(rows.Err(), "sqlite: claim leads: iterate")
}

func (s *SQLiteStore) UpdateLead(ctx context.Context, id string, u model.LeadUpdate) error {
	if u.IsEmpty() {
		return nil
	}
	sets, args, err := buildLeadUpdate(u, s.now(), func(int) string { return "?" })
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE leads SET `+sets+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id string, mail int) error {
	col, err := sentColumn(mail)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET `+col+` = 1, updated_at = ? WHERE id = ?`, s.now(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark sent %s/%d", id, mail)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteStore) LoadCursor(ctx context.Context) (model.Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM settings WHERE key IN (?, ?)`, model.CursorKeySlot, model.CursorKeyCount)
	if err != nil {
		return model.Cursor{}, eris.Wrap(err, "sqlite: load cursor")
	}
	defer rows.Close() //nolint:errcheck

	values := make(map[string]string, 2)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return model.Cursor{}, eris.Wrap(err, "sqlite: load cursor: scan")
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return model.Cursor{}, eris.Wrap(err, "sqlite: load cursor: iterate")
	}
	return parseCursor(values)
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, c model.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save cursor: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for k, v := range cursorValues(c) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return eris.Wrapf(err, "sqlite: save cursor %s", k)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: save cursor: commit")
}

func (s *SQLiteStore) ResetCursor(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM settings WHERE key IN (?, ?)`, model.CursorKeySlot, model.CursorKeyCount)
	return eris.Wrap(err, "sqlite: reset cursor")
}

func (s *SQLiteStore) RecordSend(ctx context.Context, rec model.SendRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sends (`+sendColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LeadID, rec.Email, rec.Subject, rec.MailIndex, rec.SentAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record send %s/%d", rec.LeadID, rec.MailIndex)
}

func (s *SQLiteStore) ListSends(ctx context.Context, leadID string, limit int) ([]model.SendRecord, error) {
	query := `SELECT ` + sendColumns + ` FROM sends`
	var args []any
	if leadID != "" {
		query += ` WHERE lead_id = ?`
		args = append(args, leadID)
	}
	query += ` ORDER BY sent_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sends")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SendRecord
	for rows.Next() {
		r, err := scanSend(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list sends: scan")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sends: iterate")
}

func (s *SQLiteStore) PruneSends(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sends WHERE sent_at < ?`, before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune sends")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func cursorValues(c model.Cursor) map[string]string {
	return map[string]string{
		model.CursorKeySlot:  strconv.FormatInt(c.SlotMillis(), 10),
		model.CursorKeyCount: strconv.Itoa(c.Count),
	}
}

func parseCursor(values map[string]string) (model.Cursor, error) {
	var ms int64
	var count int
	var err error
	if v, ok := values[model.CursorKeySlot]; ok && v != "" {
		if ms, err = strconv.ParseInt(v, 10, 64); err != nil {
			return model.Cursor{}, eris.Wrapf(err, "store: parse %s", model.CursorKeySlot)
		}
	}
	if v, ok := values[model.CursorKeyCount]; ok && v != "" {
		if count, err = strconv.Atoi(v); err != nil {
			return model.Cursor{}, eris.Wrapf(err, "store: parse %s", model.CursorKeyCount)
		}
	}
	return model.CursorFromMillis(ms, count), nil
}
