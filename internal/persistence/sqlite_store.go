package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteGraphStore is a GraphStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteGraphStore struct {
	db *sql.DB
}

// Ensure SQLiteGraphStore implements GraphStore.
var _ GraphStore = (*SQLiteGraphStore)(nil)

// NewSQLiteGraphStore initializes the required schema in the given
// database and returns a new SQLiteGraphStore.
func NewSQLiteGraphStore(db *sql.DB) (*SQLiteGraphStore, error) {
	s := &SQLiteGraphStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteGraphStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS graphs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			image BLOB NOT NULL,
			checksum TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (name, version)
		);`,
	)
	return err
}

func (s *SQLiteGraphStore) SaveGraph(ctx context.Context, rec GraphRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graphs (id, name, version, image, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		rec.Name,
		rec.Version,
		rec.Image,
		rec.Checksum,
		rec.CreatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrGraphExists
	}
	return err
}

func (s *SQLiteGraphStore) GetGraph(ctx context.Context, name, version string) (GraphRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, image, checksum, created_at
		FROM graphs
		WHERE name = ? AND version = ?`,
		name, version,
	)
	return scanSQLiteGraph(row)
}

func (s *SQLiteGraphStore) GetLatestGraph(ctx context.Context, name string) (GraphRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, image, checksum, created_at
		FROM graphs
		WHERE name = ?
		ORDER BY created_at DESC, version DESC
		LIMIT 1`,
		name,
	)
	return scanSQLiteGraph(row)
}

func (s *SQLiteGraphStore) ListGraphVersions(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version FROM graphs
		WHERE name = ?
		ORDER BY created_at, version`,
		name,
	)
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

func scanSQLiteGraph(row *sql.Row) (GraphRecord, error) {
	var (
		rec     GraphRecord
		id      string
		created int64
	)
	if err := row.Scan(&id, &rec.Name, &rec.Version, &rec.Image, &rec.Checksum, &created); err != nil {
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
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}
