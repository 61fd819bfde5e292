package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/igorao79/soulcycle/pkg/fetch"
	"github.com/igorao79/soulcycle/pkg/polls"
)

// Tool argument structs.

type fetchArgs struct {
	Path    string `json:"path"`
	Refresh bool   `json:"refresh"`
}

type pollResultsArgs struct {
	PollID  string `json:"poll_id"`
	VoterID string `json:"voter_id"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"soulcycle_fetch":        handleFetch,
	"soulcycle_poll_results": handlePollResults,
	"soulcycle_cache_stats":  handleCacheStats,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "soulcycle_fetch",
		Description: "Fetch a data service resource through the cache, reporting whether it came from memory, disk or the network.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"path"},
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Resource path including query, e.g. /posts?limit=10",
				},
				"refresh": map[string]any{
					"type":        "boolean",
					"description": "Skip cached copies and go to the network (optional)",
				},
			},
		},
	},
	{
		Name:        "soulcycle_poll_results",
		Description: "Show vote counts and percentages for a poll, optionally with one voter's choice.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"poll_id"},
			"properties": map[string]any{
				"poll_id": map[string]any{
					"type":        "string",
					"description": "The poll to aggregate",
				},
				"voter_id": map[string]any{
					"type":        "string",
					"description": "Show this voter's choice (optional)",
				},
			},
		},
	},
	{
		Name:        "soulcycle_cache_stats",
		Description: "Show fetch cache statistics (entries, hits, misses, network calls, fallbacks).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func handleFetch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.cache == nil || s.source == nil {
		return textResult("Data service is not configured.")
	}
	var args fetchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Path == "" {
		return errorResult("path is required")
	}
	if !strings.HasPrefix(args.Path, "/") {
		args.Path = "/" + args.Path
	}

	res, err := s.cache.Fetch(ctx, args.Path, s.source.Loader(args.Path), fetch.Options{SkipCache: args.Refresh})
	if err != nil {
		return errorResult("Error fetching resource: " + err.Error())
	}
	return textResult(formatFetchResult(args.Path, res))
}

func handlePollResults(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.polls == nil {
		return textResult("Polls are not configured.")
	}
	var args pollResultsArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.PollID == "" {
		return errorResult("poll_id is required")
	}

	res, err := s.polls.Results(ctx, args.PollID, args.VoterID, fetch.Options{})
	if errors.Is(err, polls.ErrNotFound) {
		return errorResult("Poll not found: " + args.PollID)
	}
	if err != nil {
		return errorResult("Error fetching poll results: " + err.Error())
	}
	return textResult(formatPollResults(res))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Cache is not configured.")
	}
	stats, err := s.cache.Stats()
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}
