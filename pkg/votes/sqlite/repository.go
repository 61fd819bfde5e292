// Package sqlite stores vote records in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/igorao79/soulcycle/pkg/models"
	storesqlite "github.com/igorao79/soulcycle/pkg/store/sqlite"
)

// Repository implements votes.Repository with a SQLite database.
type Repository struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS votes (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	voter_id TEXT NOT NULL,
	option_index INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (resource_id, voter_id)
);
CREATE INDEX IF NOT EXISTS idx_votes_resource ON votes(resource_id);
`

// New opens dbPath and runs auto-migration.
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", storesqlite.DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open votes db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate votes db: %w", err)
	}
	return &Repository{db: db}, nil
}

// FindVote returns the voter's record for a resource.
func (r *Repository) FindVote(ctx context.Context, resourceID, voterID string) (models.VoteRecord, bool, error) {
	var rec models.VoteRecord
	err := r.db.QueryRowContext(ctx,
		`SELECT id, resource_id, voter_id, option_index, created_at
		 FROM votes WHERE resource_id = ? AND voter_id = ?`,
		resourceID, voterID,
	).Scan(&rec.ID, &rec.ResourceID, &rec.VoterID, &rec.OptionIndex, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VoteRecord{}, false, nil
	}
	if err != nil {
		return models.VoteRecord{}, false, fmt.Errorf("find vote: %w", err)
	}
	return rec, true, nil
}

// InsertVote stores rec unless the voter already voted on the resource, and
// returns whichever record is stored.
func (r *Repository) InsertVote(ctx context.Context, rec models.VoteRecord) (models.VoteRecord, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO votes (id, resource_id, voter_id, option_index, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(resource_id, voter_id) DO NOTHING`,
		rec.ID, rec.ResourceID, rec.VoterID, rec.OptionIndex, rec.CreatedAt,
	)
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

// ListVotes returns all records for a resource, oldest first.
func (r *Repository) ListVotes(ctx context.Context, resourceID string) ([]models.VoteRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, resource_id, voter_id, option_index, created_at
		 FROM votes WHERE resource_id = ? ORDER BY created_at ASC, id ASC`,
		resourceID,
	)
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

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}
