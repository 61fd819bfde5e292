package votes

import (
	"sort"

	"github.com/igorao79/soulcycle/pkg/models"
)

// ComputeResults tallies votes against options and assigns integer
// percentages with the Largest Remainder Method. Percentages sum to exactly
// 100 whenever at least one vote counts. Remainder ties go to the lower
// option index. Votes whose index falls outside options are ignored.
func ComputeResults(options []string, votes []models.VoteRecord) models.AggregatedResult {
	counts := make([]int, len(options))
	total := 0
	for _, v := range votes {
		if v.OptionIndex < 0 || v.OptionIndex >= len(options) {
			continue
		}
		counts[v.OptionIndex]++
		total++
	}

	result := models.AggregatedResult{
		Options:    make([]models.OptionResult, len(options)),
		TotalVotes: total,
	}
	for i, text := range options {
		result.Options[i] = models.OptionResult{Text: text, Votes: counts[i]}
	}
	if total == 0 {
		return result
	}

	// Exact quota is counts[i]*100/total. The remainder numerator orders the
	// fractional parts without floating point.
	type share struct {
		index     int
		remainder int
	}
	shares := make([]share, len(options))
	assigned := 0
	for i, c := range counts {
		floor := c * 100 / total
		result.Options[i].Percentage = floor
		assigned += floor
		shares[i] = share{index: i, remainder: c * 100 % total}
	}

	sort.SliceStable(shares, func(a, b int) bool {
		if shares[a].remainder != shares[b].remainder {
			return shares[a].remainder > shares[b].remainder
		}
		return shares[a].index < shares[b].index
	})
	for k := 0; k < 100-assigned; k++ {
		result.Options[shares[k].index].Percentage++
	}
	return result
}
