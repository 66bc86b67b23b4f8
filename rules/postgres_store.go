package rules

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresTableStore implements TableStore backed by PostgreSQL. Sources
// live in the decision_tables table (see migrations/).
type PostgresTableStore struct {
	db *sql.DB
}

// NewPostgresTableStore creates a PostgreSQL-backed table store.
func NewPostgresTableStore(db *sql.DB) *PostgresTableStore {
	return &PostgresTableStore{db: db}
}

// Save upserts a table source.
func (s *PostgresTableStore) Save(src *TableSource) error {
	if src.ResourceID == "" {
		return fmt.Errorf("table source has no resource id")
	}

	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO decision_tables (resource_id, content_type, data, fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (resource_id) DO UPDATE
		SET content_type = EXCLUDED.content_type,
		    data = EXCLUDED.data,
		    fingerprint = EXCLUDED.fingerprint,
		    updated_at = EXCLUDED.updated_at
	`, src.ResourceID, src.ContentType, src.Data, Fingerprint(src.Data), now)

	if err != nil {
		return fmt.Errorf("failed to save table source: %w", err)
	}
	return nil
}

// Get retrieves a table source by resource id.
func (s *PostgresTableStore) Get(resourceID string) (*TableSource, error) {
	var src TableSource
	err := s.db.QueryRow(`
		SELECT resource_id, content_type, data, created_at, updated_at
		FROM decision_tables
		WHERE resource_id = $1
	`, resourceID).Scan(
		&src.ResourceID,
		&src.ContentType,
		&src.Data,
		&src.CreatedAt,
		&src.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("table source %q not found", resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get table source: %w", err)
	}
	return &src, nil
}

// List returns every stored table source ordered by resource id.
func (s *PostgresTableStore) List() ([]*TableSource, error) {
	rows, err := s.db.Query(`
		SELECT resource_id, content_type, data, created_at, updated_at
		FROM decision_tables
		ORDER BY resource_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list table sources: %w", err)
	}
	defer rows.Close()

	var sources []*TableSource
	for rows.Next() {
		var src TableSource
		if err := rows.Scan(&src.ResourceID, &src.ContentType, &src.Data,
			&src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan table source: %w", err)
		}
		sources = append(sources, &src)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table sources: %w", err)
	}
	return sources, nil
}

// Delete removes a table source.
func (s *PostgresTableStore) Delete(resourceID string) error {
	result, err := s.db.Exec(`
		DELETE FROM decision_tables
		WHERE resource_id = $1
	`, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete table source: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("table source %q not found", resourceID)
	}
	return nil
}
