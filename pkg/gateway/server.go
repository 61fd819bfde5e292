// Package gateway serves cached data service resources and poll votes over
// HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/igorao79/soulcycle/pkg/config"
	"github.com/igorao79/soulcycle/pkg/fetch"
	"github.com/igorao79/soulcycle/pkg/models"
	"github.com/igorao79/soulcycle/pkg/polls"
	"github.com/igorao79/soulcycle/pkg/votes"
)

// Response headers describing how a resource was served.
const (
	HeaderCache = "X-Soulcycle-Cache"
	HeaderStale = "X-Soulcycle-Stale"
)

// Server is the soulcycle HTTP gateway.
type Server struct {
	cfg    *config.Config
	cache  *fetch.Orchestrator
	source polls.LoaderSource
	polls  *polls.Service
	mux    *http.ServeMux

	// scope bounds background retries started by requests. Nil until
	// ListenAndServe runs, which leaves retries bound to the orchestrator.
	scope context.Context
}

// New creates a gateway Server wired with its dependencies.
func New(cfg *config.Config, cache *fetch.Orchestrator, source polls.LoaderSource, p *polls.Service) *Server {
	s := &Server{
		cfg:    cfg,
		cache:  cache,
		source: source,
		polls:  p,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /v1/resources/{path...}", s.handleResource)
	s.mux.HandleFunc("GET /v1/polls/{id}/results", s.handleResults)
	s.mux.HandleFunc("POST /v1/polls/{id}/votes", s.handleVote)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("DELETE /v1/cache", s.handleCacheClear)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the gateway with graceful shutdown support. Retries
// scheduled while serving stop when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.scope = ctx
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("soulcycle gateway listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) fetchOptions(r *http.Request) fetch.Options {
	return fetch.Options{
		SkipCache: noCache(r),
		Scope:     s.scope,
	}
}

func noCache(r *http.Request) bool {
	for _, v := range r.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); strings.EqualFold(d, "no-cache") || strings.EqualFold(d, "no-store") {
				return true
			}
		}
	}
	return false
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	res, err := s.cache.Fetch(r.Context(), path, s.source.Loader(path), s.fetchOptions(r))
	if err != nil {
		log.Printf("gateway: fetch %s: %v", path, err)
		writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	if res.Source == models.SourceNone {
		writeJSONError(w, http.StatusServiceUnavailable, emptyMessage(res.EmptyReason()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderCache, string(res.Source))
	w.Header().Set(HeaderStale, strconv.FormatBool(res.Stale))
	if !res.Timestamp.IsZero() {
		w.Header().Set("Last-Modified", res.Timestamp.UTC().Format(http.TimeFormat))
	}
	w.Write(res.Data)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.polls.Results(r.Context(), id, r.URL.Query().Get("voter_id"), s.fetchOptions(r))
	if err != nil {
		writePollError(w, id, err)
		return
	}
	w.Header().Set(HeaderStale, strconv.FormatBool(res.Stale))
	writeJSON(w, http.StatusOK, res)
}

type voteRequest struct {
	VoterID     string `json:"voter_id"`
	OptionIndex *int   `json:"option_index"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var req voteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VoterID == "" {
		writeJSONError(w, http.StatusBadRequest, "voter_id is required")
		return
	}
	if req.OptionIndex == nil {
		writeJSONError(w, http.StatusBadRequest, "option_index is required")
		return
	}

	rec, created, err := s.polls.Vote(r.Context(), id, req.VoterID, *req.OptionIndex)
	if err != nil {
		writePollError(w, id, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.cache.Stats()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "cache stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	s.cache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func writePollError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, polls.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "poll not found")
	case errors.Is(err, votes.ErrInvalidVote):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fetch.ErrThrottled), fetch.IsRateLimited(err):
		writeJSONError(w, http.StatusServiceUnavailable, emptyMessage(err))
	default:
		log.Printf("gateway: poll %s: %v", id, err)
		writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
	}
}

func emptyMessage(err error) string {
	if errors.Is(err, fetch.ErrThrottled) {
		return "no data available yet, retry shortly"
	}
	return "upstream rate limited and nothing cached"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"soulcycle_error","code":%d}}`, message, code)
}
