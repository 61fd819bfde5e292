// Package polls joins cached poll definitions with recorded votes.
package polls

import (
	"context"
	"fmt"

	"github.com/igorao79/soulcycle/pkg/fetch"
	"github.com/igorao79/soulcycle/pkg/models"
	"github.com/igorao79/soulcycle/pkg/remote"
	"github.com/igorao79/soulcycle/pkg/votes"
)

// ErrNotFound is returned when the data service has no poll with the id.
var ErrNotFound = remote.ErrPollNotFound

// LoaderSource builds loaders for data service paths. *remote.Client
// implements it.
type LoaderSource interface {
	Loader(path string) fetch.Loader
}

// Results is a poll with its aggregated votes and, when a voter was given,
// that voter's choice.
type Results struct {
	Poll    models.Poll             `json:"poll"`
	Results models.AggregatedResult `json:"results"`
	Choice  *int                    `json:"choice,omitempty"`
	Stale   bool                    `json:"stale"`
}

// Service reads poll definitions through the fetch orchestrator and votes
// through a votes.Service.
type Service struct {
	cache  *fetch.Orchestrator
	source LoaderSource
	votes  *votes.Service
}

// New creates a Service.
func New(cache *fetch.Orchestrator, source LoaderSource, v *votes.Service) *Service {
	return &Service{cache: cache, source: source, votes: v}
}

// Poll returns the poll definition for id.
func (s *Service) Poll(ctx context.Context, id string, opts fetch.Options) (models.Poll, fetch.Result, error) {
	path := remote.PollPath(id)
	res, err := s.cache.Fetch(ctx, path, s.source.Loader(path), opts)
	if err != nil {
		return models.Poll{}, res, err
	}
	if res.Source == models.SourceNone {
		return models.Poll{}, res, fmt.Errorf("poll %s: %w", id, res.EmptyReason())
	}
	poll, err := remote.DecodePoll(res.Data)
	if err != nil {
		return models.Poll{}, res, err
	}
	return poll, res, nil
}

// Results aggregates the votes on poll id. voterID may be empty.
func (s *Service) Results(ctx context.Context, id, voterID string, opts fetch.Options) (Results, error) {
	poll, res, err := s.Poll(ctx, id, opts)
	if err != nil {
		return Results{}, err
	}
	agg, err := s.votes.Results(ctx, poll.ID, poll.Options)
	if err != nil {
		return Results{}, err
	}
	out := Results{Poll: poll, Results: agg, Stale: res.Stale}
	if voterID != "" {
		idx, ok, err := s.votes.Choice(ctx, poll.ID, voterID)
		if err != nil {
			return Results{}, err
		}
		if ok {
			out.Choice = &idx
		}
	}
	return out, nil
}

// Vote records voterID's choice on poll id after checking the option index
// against the poll's options.
func (s *Service) Vote(ctx context.Context, id, voterID string, optionIndex int) (models.VoteRecord, bool, error) {
	poll, _, err := s.Poll(ctx, id, fetch.Options{})
	if err != nil {
		return models.VoteRecord{}, false, err
	}
	if optionIndex < 0 || optionIndex >= len(poll.Options) {
		return models.VoteRecord{}, false, fmt.Errorf("%w: option %d out of range for poll %s", votes.ErrInvalidVote, optionIndex, id)
	}
	return s.votes.Submit(ctx, poll.ID, voterID, optionIndex)
}
