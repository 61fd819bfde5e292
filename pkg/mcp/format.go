package mcp

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/igorao79/soulcycle/pkg/fetch"
	"github.com/igorao79/soulcycle/pkg/models"
	"github.com/igorao79/soulcycle/pkg/polls"
)

// formatFetchResult prints provenance followed by the raw payload.
func formatFetchResult(path string, res fetch.Result) string {
	if res.Source == models.SourceNone {
		return fmt.Sprintf("%s: %v, nothing cached.", path, res.EmptyReason())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (source: %s", path, res.Source)
	if !res.Timestamp.IsZero() {
		fmt.Fprintf(&b, ", fetched %s", humanize.Time(res.Timestamp))
	}
	if res.Stale {
		b.WriteString(", stale")
	}
	b.WriteString(")\n")
	b.Write(res.Data)
	return b.String()
}

// formatPollResults formats a poll's tallies as a text table.
func formatPollResults(res polls.Results) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", res.Poll.Question)
	fmt.Fprintf(&b, "%-4s %-30s %8s %6s\n", "#", "Option", "Votes", "Pct")
	b.WriteString(strings.Repeat("-", 51) + "\n")
	for i, o := range res.Results.Options {
		text := o.Text
		if res.Choice != nil && *res.Choice == i {
			text += " (your vote)"
		}
		fmt.Fprintf(&b, "%-4d %-30s %8d %5d%%\n", i, text, o.Votes, o.Percentage)
	}
	fmt.Fprintf(&b, "Total votes: %d\n", res.Results.TotalVotes)
	if res.Stale {
		b.WriteString("(poll definition served from cache while the data service is unreachable)\n")
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:       %d\n"+
		"  Hits:          %d\n"+
		"  Misses:        %d\n"+
		"  Hit Rate:      %.1f%%\n"+
		"  Network Calls: %d\n"+
		"  Throttled:     %d\n"+
		"  Fallbacks:     %d\n"+
		"  Retries:       %d\n"+
		"  On Disk:       %d entries, %s\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate,
		stats.NetworkCalls, stats.Throttled, stats.Fallbacks, stats.Retries,
		stats.PersistentEntries, humanize.Bytes(uint64(stats.PersistentBytes)))
}
