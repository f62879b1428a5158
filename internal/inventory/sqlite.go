package inventory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"

	"sshupdater/internal/engine"
	"sshupdater/internal/telemetry"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore persists the inventory in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if necessary) the database at path and applies
// any pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes access; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate executes the embedded SQL files in lexical order.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := migrationFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("exec migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveHost(ctx context.Context, rec HostRecord) (int64, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "SQLiteStore.SaveHost")
	defer span.End()
	span.SetAttributes(attribute.String("host.name", rec.Name))

	if err := rec.Validate(); err != nil {
		return 0, err
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}

	var (
		id  int64
		row *sql.Row
	)
	if rec.ExternalUID != "" {
		row = s.db.QueryRowContext(ctx, `SELECT id FROM hosts WHERE external_uid = ?`, rec.ExternalUID)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT id FROM hosts WHERE name = ?`, rec.Name)
	}
	switch err := row.Scan(&id); err {
	case nil:
		_, err := s.db.ExecContext(ctx, `
			UPDATE hosts SET
				name=?, address=?, port=?, user=?, auth_method=?, key_path=?,
				password_enc=COALESCE(?, password_enc),
				os_family=?, tags_json=?
			WHERE id=?
		`, rec.Name, rec.Address, rec.Port, rec.User, string(rec.AuthMethod),
			nullIfEmpty(rec.KeyPath), rec.PasswordEnc, string(rec.OSFamily), string(tags), id)
		if err != nil {
			return 0, fmt.Errorf("update host: %w", err)
		}
		return id, nil
	case sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO hosts(external_uid, name, address, port, user, auth_method, key_path, password_enc, os_family, tags_json)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, nullIfEmpty(rec.ExternalUID), rec.Name, rec.Address, rec.Port, rec.User,
			string(rec.AuthMethod), nullIfEmpty(rec.KeyPath), rec.PasswordEnc, string(rec.OSFamily), string(tags))
		if err != nil {
			return 0, fmt.Errorf("insert host: %w", err)
		}
		return res.LastInsertId()
	default:
		return 0, fmt.Errorf("lookup host: %w", err)
	}
}

const hostColumns = `id, external_uid, name, address, port, user, auth_method,
	key_path, password_enc, os_family, tags_json, last_check, pending_updates`

func (s *SQLiteStore) GetHost(ctx context.Context, id int64) (HostRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id)
	return scanHost(row)
}

func (s *SQLiteStore) GetHostByName(ctx context.Context, name string) (HostRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE name = ?`, name)
	return scanHost(row)
}

func (s *SQLiteStore) ListHosts(ctx context.Context) ([]HostRecord, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "SQLiteStore.ListHosts")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var recs []HostRecord
	for rows.Next() {
		rec, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) DeleteHost(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete host: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrHostNotFound
	}
	return nil
}

func (s *SQLiteStore) SetHostPassword(ctx context.Context, id int64, token []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts SET password_enc = ? WHERE id = ?`, token, id)
	if err != nil {
		return fmt.Errorf("set host password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrHostNotFound
	}
	return nil
}

func (s *SQLiteStore) HostPassword(ctx context.Context, id int64) ([]byte, error) {
	var token []byte
	err := s.db.QueryRowContext(ctx, `SELECT password_enc FROM hosts WHERE id = ?`, id).Scan(&token)
	if err == sql.ErrNoRows {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host password: %w", err)
	}
	return token, nil
}

func (s *SQLiteStore) RecordCheck(ctx context.Context, id int64, at time.Time, pending int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET last_check = ?, pending_updates = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), pending, id)
	if err != nil {
		return fmt.Errorf("record check: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrHostNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry RunLog) error {
	ctx, span := telemetry.Tracer().Start(ctx, "SQLiteStore.AppendLog")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", entry.RunID))

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs(run_id, host_id, ts, operation, status, summary, excerpt)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, entry.RunID, entry.HostID, ts.UTC().Format(time.RFC3339), entry.Operation,
		entry.Status, entry.Summary, entry.Excerpt)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, hostID int64, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, host_id, ts, operation, status, summary, excerpt
		FROM run_logs WHERE host_id = ? ORDER BY ts DESC, id DESC LIMIT ?
	`, hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []RunLog
	for rows.Next() {
		var (
			entry RunLog
			ts    string
		)
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.HostID, &ts,
			&entry.Operation, &entry.Status, &entry.Summary, &entry.Excerpt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Timestamp, _ = time.Parse(time.RFC3339, ts)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (HostRecord, error) {
	var (
		rec         HostRecord
		externalUID sql.NullString
		keyPath     sql.NullString
		osFamily    sql.NullString
		tagsJSON    sql.NullString
		lastCheck   sql.NullString
		pending     sql.NullInt64
	)
	err := row.Scan(&rec.ID, &externalUID, &rec.Name, &rec.Address, &rec.Port,
		&rec.User, (*string)(&rec.AuthMethod), &keyPath, &rec.PasswordEnc,
		&osFamily, &tagsJSON, &lastCheck, &pending)
	if err == sql.ErrNoRows {
		return HostRecord{}, ErrHostNotFound
	}
	if err != nil {
		return HostRecord{}, fmt.Errorf("scan host: %w", err)
	}
	rec.ExternalUID = externalUID.String
	rec.KeyPath = keyPath.String
	rec.OSFamily = engine.OSFamily(osFamily.String)
	if rec.OSFamily == "" {
		rec.OSFamily = engine.FamilyAuto
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &rec.Tags); err != nil {
			return HostRecord{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if lastCheck.Valid && lastCheck.String != "" {
		rec.LastCheck, _ = time.Parse(time.RFC3339, lastCheck.String)
	}
	rec.PendingUpdates = int(pending.Int64)
	return rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
