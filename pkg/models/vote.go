package models

import "time"

// VoteRecord is a single voter's choice on a poll-like resource.
// At most one exists per (ResourceID, VoterID).
type VoteRecord struct {
	ID          string    `json:"id"`
	ResourceID  string    `json:"resource_id"`
	VoterID     string    `json:"voter_id"`
	OptionIndex int       `json:"option_index"`
	CreatedAt   time.Time `json:"created_at"`
}

// OptionResult is one row of an aggregated poll result.
type OptionResult struct {
	Text       string `json:"text"`
	Votes      int    `json:"votes"`
	Percentage int    `json:"percentage"`
}

// AggregatedResult lists per-option tallies in the original option order.
type AggregatedResult struct {
	Options    []OptionResult `json:"options"`
	TotalVotes int            `json:"total_votes"`
}

// Percentages returns the percentage column in option order.
func (r AggregatedResult) Percentages() []int {
	out := make([]int, len(r.Options))
	for i, o := range r.Options {
		out[i] = o.Percentage
	}
	return out
}

// Poll is a poll definition as stored by the remote data service.
type Poll struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}
