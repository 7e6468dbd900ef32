package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore implements AppendLog and KV over database/sql. It works with both
// Postgres (lib/pq) and SQLite (modernc, CGO-free); both drivers accept $N
// placeholders. Payloads and values are stored as TEXT since everything the
// system persists is canonical JSON.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLite opens a SQLite-backed store at the given path and initializes
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens a Postgres-backed store and initializes the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS trace_log (
	seq BIGINT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS registry_kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	revision BIGINT NOT NULL
);
`

// Init creates the schema if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	if err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Append(ctx context.Context, seq uint64, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_log (seq, payload) VALUES ($1, $2)`,
		int64(seq), string(payload),
	)
	if err != nil {
		// Both drivers surface a primary-key violation here.
		return fmt.Errorf("%w: seq %d: %v", ErrSequenceConflict, seq, err)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, from, to uint64) ([][]byte, error) {
	if from == 0 {
		from = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM trace_log WHERE seq >= $1 AND seq <= $2 ORDER BY seq`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("store: read log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, []byte(payload))
	}
	return out, rows.Err()
}

func (s *SQLStore) Len(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM trace_log`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: log length: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	var value string
	var revision int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, revision FROM registry_kv WHERE key = $1`, key,
	).Scan(&value, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrKeyNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: kv get: %w", err)
	}
	return []byte(value), uint64(revision), nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte, expectedRev uint64) (uint64, error) {
	if expectedRev == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO registry_kv (key, value, revision) VALUES ($1, $2, 1)
			 ON CONFLICT (key) DO NOTHING`,
			key, string(value),
		)
		if err != nil {
			return 0, fmt.Errorf("store: kv create: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrRevisionMismatch
		}
		return 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE registry_kv SET value = $1, revision = revision + 1
		 WHERE key = $2 AND revision = $3`,
		string(value), key, int64(expectedRev),
	)
	if err != nil {
		return 0, fmt.Errorf("store: kv update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrRevisionMismatch
	}
	return expectedRev + 1, nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM registry_kv WHERE key LIKE $1 || '%'`, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("store: kv list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]byte)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = []byte(value)
	}
	return out, rows.Err()
}
