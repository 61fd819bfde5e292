// Package votes records one vote per voter per resource and aggregates the
// recorded votes into poll results.
package votes

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/igorao79/soulcycle/pkg/models"
)

// ErrInvalidVote is returned for submissions with missing ids or a negative
// option index.
var ErrInvalidVote = errors.New("invalid vote")

// Repository stores vote records. InsertVote must be idempotent: when a
// record already exists for (ResourceID, VoterID) it returns that record
// instead of creating a second one.
type Repository interface {
	// FindVote returns the voter's record for a resource, if any.
	FindVote(ctx context.Context, resourceID, voterID string) (models.VoteRecord, bool, error)
	// InsertVote stores rec and returns the stored record.
	InsertVote(ctx context.Context, rec models.VoteRecord) (models.VoteRecord, error)
	// ListVotes returns all records for a resource.
	ListVotes(ctx context.Context, resourceID string) ([]models.VoteRecord, error)
}

// Service submits votes and computes results over a Repository.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a Service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Submit records voterID's choice on resourceID. If the voter already voted
// the existing record is returned with created=false and nothing is written.
func (s *Service) Submit(ctx context.Context, resourceID, voterID string, optionIndex int) (models.VoteRecord, bool, error) {
	if resourceID == "" || voterID == "" {
		return models.VoteRecord{}, false, fmt.Errorf("%w: resource and voter ids are required", ErrInvalidVote)
	}
	if optionIndex < 0 {
		return models.VoteRecord{}, false, fmt.Errorf("%w: option index %d", ErrInvalidVote, optionIndex)
	}

	existing, ok, err := s.repo.FindVote(ctx, resourceID, voterID)
	if err != nil {
		return models.VoteRecord{}, false, err
	}
	if ok {
		return existing, false, nil
	}

	rec := models.VoteRecord{
		ID:          uuid.NewString(),
		ResourceID:  resourceID,
		VoterID:     voterID,
		OptionIndex: optionIndex,
		CreatedAt:   s.now().UTC(),
	}
	stored, err := s.repo.InsertVote(ctx, rec)
	if err != nil {
		return models.VoteRecord{}, false, err
	}
	// A concurrent submission may have won the insert.
	created := stored.ID == rec.ID
	if created {
		log.Printf("votes: %s voted %d on %s", voterID, optionIndex, resourceID)
	}
	return stored, created, nil
}

// Results aggregates every vote recorded for resourceID against options.
func (s *Service) Results(ctx context.Context, resourceID string, options []string) (models.AggregatedResult, error) {
	recs, err := s.repo.ListVotes(ctx, resourceID)
	if err != nil {
		return models.AggregatedResult{}, err
	}
	return ComputeResults(options, recs), nil
}

// Choice returns the option voterID picked on resourceID, or false when the
// voter has not voted.
func (s *Service) Choice(ctx context.Context, resourceID, voterID string) (int, bool, error) {
	rec, ok, err := s.repo.FindVote(ctx, resourceID, voterID)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	return rec.OptionIndex, true, nil
}
