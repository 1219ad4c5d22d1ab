package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the column types and driver for SQLStore. Queries use $n
// placeholders, which both drivers accept.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements RecordStore on database/sql. It supports both Postgres
// (lib/pq) and SQLite (modernc.org/sqlite).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// OpenSQL opens dsn with the driver matching dialect and creates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection: in-memory databases are per connection and SQLite
		// serializes writers anyway.
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the timestamp source for created_at.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) schema() string {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	return `
CREATE TABLE IF NOT EXISTS tel_records (
	member TEXT NOT NULL,
	seq BIGINT NOT NULL,
	record ` + blob + ` NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (member, seq)
);
`
}

func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schema()); err != nil {
		return fmt.Errorf("create tel_records: %w", err)
	}
	return nil
}

// Append inserts only while the member's row count equals seq. Two racing
// writers that both pass the count check collide on the primary key instead.
func (s *SQLStore) Append(ctx context.Context, member string, seq uint64, record []byte) error {
	query := `
		INSERT INTO tel_records (member, seq, record, created_at)
		SELECT $1, $2, $3, $4
		WHERE (SELECT COUNT(*) FROM tel_records WHERE member = $1) = $2
	`
	if s.dialect == DialectPostgres {
		// Postgres cannot infer parameter types inside a bare SELECT list.
		query = `
		INSERT INTO tel_records (member, seq, record, created_at)
		SELECT $1::text, $2::bigint, $3::bytea, $4::timestamp
		WHERE (SELECT COUNT(*) FROM tel_records WHERE member = $1::text) = $2::bigint
	`
	}
	res, err := s.db.ExecContext(ctx, query, member, int64(seq), record, s.clock().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s seq %d already stored", ErrConflict, member, seq)
		}
		return fmt.Errorf("append %s#%d: %w", member, seq, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s append at %d", ErrConflict, member, seq)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, member string) ([][]byte, error) {
	query := `SELECT seq, record FROM tel_records WHERE member = $1 ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, member)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", member, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([][]byte, 0)
	for rows.Next() {
		var seq int64
		var record []byte
		if err := rows.Scan(&seq, &record); err != nil {
			return nil, err
		}
		if seq != int64(len(result)) {
			return nil, fmt.Errorf("%w: %s has seq %d at position %d", ErrCorrupt, member, seq, len(result))
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Members(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT member FROM tel_records ORDER BY member`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]string, 0)
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		result = append(result, member)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite reports constraint failures only through the message.
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}
