package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresGraphStore is a GraphStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresGraphStore struct {
	db *sql.DB
}

// Ensure PostgresGraphStore implements GraphStore.
var _ GraphStore = (*PostgresGraphStore)(nil)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// NewPostgresGraphStore initializes the required schema in the given
// database and returns a new PostgresGraphStore.
func NewPostgresGraphStore(db *sql.DB) (*PostgresGraphStore, error) {
	s := &PostgresGraphStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresGraphStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS graphs (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			image BYTEA NOT NULL,
			checksum TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (name, version)
		);
	`)
	return err
}

func (s *PostgresGraphStore) SaveGraph(ctx context.Context, rec GraphRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graphs (id, name, version, image, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		rec.ID.String(),
		rec.Name,
		rec.Version,
		rec.Image,
		rec.Checksum,
		rec.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrGraphExists
	}
	return err
}

func (s *PostgresGraphStore) GetGraph(ctx context.Context, name, version string) (GraphRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, image, checksum, created_at
		FROM graphs
		WHERE name = $1 AND version = $2
	`, name, version)
	return scanPostgresGraph(row)
}

func (s *PostgresGraphStore) GetLatestGraph(ctx context.Context, name string) (GraphRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, image, checksum, created_at
		FROM graphs
		WHERE name = $1
		ORDER BY created_at DESC, version DESC
		LIMIT 1
	`, name)
	return scanPostgresGraph(row)
}

func (s *PostgresGraphStore) ListGraphVersions(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version FROM graphs
		WHERE name = $1
		ORDER BY created_at, version
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanPostgresGraph(row *sql.Row) (GraphRecord, error) {
	var (
		rec GraphRecord
		id  string
	)
	if err := row.Scan(&id, &rec.Name, &rec.Version, &rec.Image, &rec.Checksum, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GraphRecord{}, ErrGraphNotFound
		}
		return GraphRecord{}, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return GraphRecord{}, err
	}
	rec.ID = parsed
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}
