package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the differences between the SQL engines SQLStore runs on.
type dialect struct {
	name          string
	schema        []string
	readIsolation sql.IsolationLevel
	numbered      bool // $1, $2 placeholders instead of ?
	isDuplicate   func(error) bool
}

var sqliteDialect = dialect{
	name: "sqlite3",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			code TEXT PRIMARY KEY,
			total_size INTEGER NOT NULL,
			uploaded_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			download_count INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			position INTEGER NOT NULL,
			original_name TEXT NOT NULL,
			storage_key TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			uploaded_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			download_count INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_code ON files (code)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at)`,
	},
	readIsolation: sql.LevelDefault,
	isDuplicate: func(err error) bool {
		var se sqlite3.Error
		if !errors.As(err, &se) {
			return false
		}
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	},
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			code CHAR(4) NOT NULL PRIMARY KEY,
			total_size BIGINT NOT NULL,
			uploaded_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			download_count BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			INDEX idx_sessions_expires_at (expires_at)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			code CHAR(4) NOT NULL,
			position INT NOT NULL,
			original_name VARCHAR(1024) NOT NULL,
			storage_key VARCHAR(512) NOT NULL,
			content_type VARCHAR(255) NOT NULL,
			size BIGINT NOT NULL,
			uploaded_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			download_count BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			INDEX idx_files_code (code)
		)`,
	},
	readIsolation: sql.LevelRepeatableRead,
	isDuplicate: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == 1062
	},
}

var postgresDialect = dialect{
	name: "pgx",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			code CHAR(4) PRIMARY KEY,
			total_size BIGINT NOT NULL,
			uploaded_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			download_count BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id VARCHAR(64) PRIMARY KEY,
			code CHAR(4) NOT NULL,
			position INTEGER NOT NULL,
			original_name TEXT NOT NULL,
			storage_key TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size BIGINT NOT NULL,
			uploaded_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			download_count BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_code ON files (code)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at)`,
	},
	readIsolation: sql.LevelRepeatableRead,
	numbered:      true,
	isDuplicate: func(err error) bool {
		var pe *pgconn.PgError
		return errors.As(err, &pe) && pe.Code == "23505"
	},
}

// SQLStore implements Registry on top of database/sql. Timestamps are stored
// as unix nanoseconds so the same schema works on every engine.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// NewSQLiteStore creates a new SQLite-backed registry.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open(sqliteDialect.name, dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteDialect)
}

// NewMySQLStore creates a MySQL-backed registry. dsn uses the
// go-sql-driver format, e.g. "user:pass@tcp(host:3306)/btdrop".
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open(mysqlDialect.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return newSQLStore(db, mysqlDialect)
}

// NewPostgresStore creates a PostgreSQL-backed registry using the pgx driver.
func NewPostgresStore(databaseURL string) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres url is empty")
	}
	db, err := sql.Open(postgresDialect.name, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newSQLStore(db, postgresDialect)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate %s schema: %w", d.name, err)
		}
	}

	return &SQLStore{db: db, d: d}, nil
}

// q rewrites ? placeholders for engines that use numbered parameters.
func (s *SQLStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) readTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.d.readIsolation, ReadOnly: s.d.readIsolation != sql.LevelDefault})
}

func (s *SQLStore) SaveSession(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO sessions (code, total_size, uploaded_at, expires_at, download_count, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`), sess.Code, sess.TotalSize, sess.UploadedAt.UnixNano(), sess.ExpiresAt.UnixNano(), sess.DownloadCount, sess.IsActive)
	if err != nil {
		if s.d.isDuplicate(err) {
			return ErrDuplicateCode
		}
		return err
	}

	for i, f := range sess.Files {
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO files (id, code, position, original_name, storage_key, content_type, size,
				uploaded_at, expires_at, download_count, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), f.ID, sess.Code, i, f.OriginalName, f.StorageKey, f.ContentType, f.Size,
			f.UploadedAt.UnixNano(), f.ExpiresAt.UnixNano(), f.DownloadCount, f.IsActive)
		if err != nil {
			if s.d.isDuplicate(err) {
				return ErrDuplicateCode
			}
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLStore) GetSession(ctx context.Context, code string) (*Session, error) {
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}

	sessions, err := s.query(ctx, `WHERE s.code = ?`, code)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return sessions[0], nil
}

func (s *SQLStore) GetFile(ctx context.Context, fileID string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, code, original_name, storage_key, content_type, size,
			uploaded_at, expires_at, download_count, is_active
		FROM files WHERE id = ?
	`), fileID)

	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SQLStore) UpdateCounters(ctx context.Context, code string, upd CounterUpdate) error {
	if !ValidCode(code) {
		return ErrInvalidCode
	}
	if err := upd.validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if upd.SessionDownloads > 0 {
		if err := s.execOne(ctx, tx, ErrNotFound, `
			UPDATE sessions SET download_count = download_count + ? WHERE code = ?
		`, upd.SessionDownloads, code); err != nil {
			return err
		}
	} else if err := s.existsOne(ctx, tx, ErrNotFound, `SELECT 1 FROM sessions WHERE code = ?`, code); err != nil {
		return err
	}

	if upd.FileID != "" {
		if upd.FileDownloads > 0 {
			if err := s.execOne(ctx, tx, ErrFileNotFound, `
				UPDATE files SET download_count = download_count + ? WHERE id = ? AND code = ?
			`, upd.FileDownloads, upd.FileID, code); err != nil {
				return err
			}
		} else if err := s.existsOne(ctx, tx, ErrFileNotFound, `SELECT 1 FROM files WHERE id = ? AND code = ?`, upd.FileID, code); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLStore) execOne(ctx context.Context, tx *sql.Tx, missing error, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return missing
	}
	return nil
}

func (s *SQLStore) existsOne(ctx context.Context, tx *sql.Tx, missing error, query string, args ...any) error {
	var one int
	err := tx.QueryRowContext(ctx, s.q(query), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return missing
	}
	return err
}

func (s *SQLStore) DeleteSession(ctx context.Context, code string) error {
	if !ValidCode(code) {
		return ErrInvalidCode
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM files WHERE code = ?`), code); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE code = ?`), code); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	return s.query(ctx, `WHERE s.expires_at < ?`, now.UnixNano())
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]*Session, error) {
	return s.query(ctx, ``)
}

func (s *SQLStore) CodeExists(ctx context.Context, code string) (bool, error) {
	if !ValidCode(code) {
		return false, ErrInvalidCode
	}

	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM sessions WHERE code = ?`), code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// query loads sessions matching where (a clause over alias s) together with
// their files, inside one read transaction so a concurrent delete is either
// fully visible or not at all.
func (s *SQLStore) query(ctx context.Context, where string, args ...any) ([]*Session, error) {
	tx, err := s.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT s.code, s.total_size, s.uploaded_at, s.expires_at, s.download_count, s.is_active
		FROM sessions s `+where+`
		ORDER BY s.uploaded_at ASC, s.code ASC
	`), args...)
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	byCode := make(map[string]*Session)
	for rows.Next() {
		var sess Session
		var uploadedAt, expiresAt int64
		if err := rows.Scan(&sess.Code, &sess.TotalSize, &uploadedAt, &expiresAt, &sess.DownloadCount, &sess.IsActive); err != nil {
			rows.Close()
			return nil, err
		}
		sess.UploadedAt = fromNanos(uploadedAt)
		sess.ExpiresAt = fromNanos(expiresAt)
		sessions = append(sessions, &sess)
		byCode[sess.Code] = &sess
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	fileRows, err := tx.QueryContext(ctx, s.q(`
		SELECT f.id, f.code, f.original_name, f.storage_key, f.content_type, f.size,
			f.uploaded_at, f.expires_at, f.download_count, f.is_active
		FROM files f JOIN sessions s ON s.code = f.code `+where+`
		ORDER BY f.code ASC, f.position ASC
	`), args...)
	if err != nil {
		return nil, err
	}
	defer fileRows.Close()

	for fileRows.Next() {
		f, err := scanFile(fileRows)
		if err != nil {
			return nil, err
		}
		if sess, ok := byCode[f.Code]; ok {
			sess.Files = append(sess.Files, f)
		}
	}
	if err := fileRows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*FileRecord, error) {
	var f FileRecord
	var uploadedAt, expiresAt int64
	err := row.Scan(&f.ID, &f.Code, &f.OriginalName, &f.StorageKey, &f.ContentType, &f.Size,
		&uploadedAt, &expiresAt, &f.DownloadCount, &f.IsActive)
	if err != nil {
		return nil, err
	}
	f.UploadedAt = fromNanos(uploadedAt)
	f.ExpiresAt = fromNanos(expiresAt)
	return &f, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
