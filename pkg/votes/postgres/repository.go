// Package postgres stores vote records in a PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/igorao79/soulcycle/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS poll_votes (
    id TEXT PRIMARY KEY,
    resource_id TEXT NOT NULL,
    voter_id TEXT NOT NULL,
    option_index INTEGER NOT NULL CHECK (option_index >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (resource_id, voter_id)
);

CREATE INDEX IF NOT EXISTS idx_poll_votes_resource ON poll_votes(resource_id);
`

// Repository implements votes.Repository on PostgreSQL.
type Repository struct {
	db *sql.DB
}

// Open connects to databaseURL and creates the schema.
func Open(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open votes db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping votes db: %w", err)
	}
	if err := CreateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

// CreateSchema creates the vote table. Safe to call multiple times.
func CreateSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create votes schema: %w", err)
	}
	return nil
}

func (r *Repository) FindVote(ctx context.Context, resourceID, voterID string) (models.VoteRecord, bool, error) {
	var rec models.VoteRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT id, resource_id, voter_id, option_index, created_at
		FROM poll_votes WHERE resource_id = $1 AND voter_id = $2
	`, resourceID, voterID).Scan(&rec.ID, &rec.ResourceID, &rec.VoterID, &rec.OptionIndex, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VoteRecord{}, false, nil
	}
	if err != nil {
		return models.VoteRecord{}, false, fmt.Errorf("find vote: %w", err)
	}
	return rec, true, nil
}

// InsertVote stores rec. The unique (resource_id, voter_id) constraint makes
// a repeated insert return the first record.
func (r *Repository) InsertVote(ctx context.Context, rec models.VoteRecord) (models.VoteRecord, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO poll_votes (id, resource_id, voter_id, option_index, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_id, voter_id) DO NOTHING
	`, rec.ID, rec.ResourceID, rec.VoterID, rec.OptionIndex, rec.CreatedAt)
	if err != nil {
		return models.VoteRecord{}, fmt.Errorf("insert vote: %w", err)
	}

	stored, ok, err := r.FindVote(ctx, rec.ResourceID, rec.VoterID)
	if err != nil {
		return models.VoteRecord{}, err
	}
	if !ok {
		return models.VoteRecord{}, fmt.Errorf("insert vote: record for %s/%s missing after insert", rec.ResourceID, rec.VoterID)
	}
	return stored, nil
}

func (r *Repository) ListVotes(ctx context.Context, resourceID string) ([]models.VoteRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, resource_id, voter_id, option_index, created_at
		FROM poll_votes WHERE resource_id = $1
		ORDER BY created_at ASC, id ASC
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var recs []models.VoteRecord
	for rows.Next() {
		var rec models.VoteRecord
		if err := rows.Scan(&rec.ID, &rec.ResourceID, &rec.VoterID, &rec.OptionIndex, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}
