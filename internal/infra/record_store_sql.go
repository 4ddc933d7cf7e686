package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mutecomm/go-sqlcipher/v4" // registers the sqlcipher driver

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
)

const recordsDBName = "records.db"

// Dialect selects placeholder syntax and the database/sql driver.
type Dialect string

const (
	DialectSQLCipher Dialect = "sqlite3"
	DialectPostgres  Dialect = "postgres"
)

// bind rewrites ? placeholders to the dialect's syntax.
func (d Dialect) bind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const recordsSchema = `
CREATE TABLE IF NOT EXISTS enforcement_records (
	ip TEXT PRIMARY KEY,
	rule_type INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_evaluated_at BIGINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	ip_resolve TEXT NOT NULL DEFAULT '',
	log_ip TEXT NOT NULL DEFAULT ''
)`

const (
	selectRecordSQL = `SELECT rule_type, attempts, last_evaluated_at, reason, ip_resolve, log_ip FROM enforcement_records WHERE ip = ?`

	listRecordsSQL = `SELECT ip, rule_type, attempts, last_evaluated_at, reason, ip_resolve, log_ip FROM enforcement_records ORDER BY ip`

	upsertRecordSQL = `
		INSERT INTO enforcement_records (ip, rule_type, attempts, last_evaluated_at, reason, ip_resolve, log_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ip) DO UPDATE SET
			rule_type = excluded.rule_type,
			attempts = excluded.attempts,
			last_evaluated_at = excluded.last_evaluated_at,
			reason = excluded.reason,
			ip_resolve = excluded.ip_resolve,
			log_ip = excluded.log_ip`
)

// SQLRecordStore implements domain.RuleRecordStore on database/sql.
// Timestamps are stored as unix seconds.
type SQLRecordStore struct {
	db      *sql.DB
	dialect Dialect
	path    string
}

// NewSQLRecordStore wraps an open database. The schema is not created.
func NewSQLRecordStore(db *sql.DB, dialect Dialect) *SQLRecordStore {
	return &SQLRecordStore{db: db, dialect: dialect}
}

// OpenEncryptedRecordStore opens (or creates) a SQLCipher database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func OpenEncryptedRecordStore(ctx context.Context, dataDir string, key []byte) (*SQLRecordStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, recordsDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))

	store, err := openSQLRecordStore(ctx, DialectSQLCipher, dsn)
	if err != nil {
		return nil, err
	}
	store.path = dbPath
	return store, nil
}

// OpenPostgresRecordStore connects to Postgres and creates the schema.
func OpenPostgresRecordStore(ctx context.Context, dsn string) (*SQLRecordStore, error) {
	return openSQLRecordStore(ctx, DialectPostgres, dsn)
}

func openSQLRecordStore(ctx context.Context, dialect Dialect, dsn string) (*SQLRecordStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	// Verify the key or credentials by touching the database.
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	store := NewSQLRecordStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

// Migrate creates the schema if it doesn't exist.
func (s *SQLRecordStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, recordsSchema)
	return err
}

// recordRow holds one scanned row; columns may be NULL in a hand-edited table.
type recordRow struct {
	ruleType, attempts, ts        sql.NullInt64
	reason, resolvedHost, rawAddr sql.NullString
}

func (r *recordRow) dest() []any {
	return []any{&r.ruleType, &r.attempts, &r.ts, &r.reason, &r.resolvedHost, &r.rawAddr}
}

func (r *recordRow) record(ip string) (*domain.EnforcementRecord, error) {
	if !r.ruleType.Valid || !r.attempts.Valid || !r.ts.Valid {
		return nil, fmt.Errorf("%w: null column for %s", domain.ErrMalformedRecord, ip)
	}
	return &domain.EnforcementRecord{
		Identifier:      ip,
		Type:            domain.RuleType(r.ruleType.Int64),
		Attempts:        int(r.attempts.Int64),
		LastEvaluatedAt: time.Unix(r.ts.Int64, 0),
		Reason:          r.reason.String,
		ResolvedHost:    r.resolvedHost.String,
		RawAddress:      r.rawAddr.String,
	}, nil
}

// Get returns the record for ip, or nil when none exists.
func (s *SQLRecordStore) Get(ctx context.Context, ip string) (*domain.EnforcementRecord, error) {
	var row recordRow
	err := s.db.QueryRowContext(ctx, s.dialect.bind(selectRecordSQL), ip).Scan(row.dest()...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return row.record(ip)
}

// All returns every record in the table.
func (s *SQLRecordStore) All(ctx context.Context) (map[string]domain.EnforcementRecord, error) {
	rows, err := s.db.QueryContext(ctx, listRecordsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.EnforcementRecord)
	for rows.Next() {
		var (
			ip  string
			row recordRow
		)
		if err := rows.Scan(append([]any{&ip}, row.dest()...)...); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := row.record(ip)
		if err != nil {
			return nil, err
		}
		out[ip] = *rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// Save upserts rec under ip.
func (s *SQLRecordStore) Save(ctx context.Context, ip string, rec domain.EnforcementRecord) error {
	_, err := s.db.ExecContext(ctx, s.dialect.bind(upsertRecordSQL),
		ip,
		int64(rec.Type),
		int64(rec.Attempts),
		rec.LastEvaluatedAt.Unix(),
		rec.Reason,
		rec.ResolvedHost,
		rec.RawAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to persist record: %w", err)
	}
	return nil
}

// Path returns the database file path, empty for Postgres.
func (s *SQLRecordStore) Path() string {
	return s.path
}

// Close releases the database connection.
func (s *SQLRecordStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var (
	_ domain.RuleRecordStore = (*SQLRecordStore)(nil)
	_ domain.RecordLister    = (*SQLRecordStore)(nil)
)
