// Package remote talks to the hosted data service: a PostgREST-style HTTP
// API serving JSON resources, poll definitions and vote records.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/igorao79/soulcycle/pkg/config"
	"github.com/igorao79/soulcycle/pkg/fetch"
	"github.com/igorao79/soulcycle/pkg/models"
)

// ErrPollNotFound is returned by DecodePoll for an empty result set.
var ErrPollNotFound = errors.New("poll not found")

// maxErrorBody caps how much of an error response is kept in a StatusError.
const maxErrorBody = 512

// Client is the data service client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for cfg.
func New(cfg config.RemoteConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Loader returns a fetch.Loader that GETs path from the service.
func (c *Client) Loader(path string) fetch.Loader {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.get(ctx, path)
	}
}

// PollPath is the resource path of a poll definition.
func PollPath(id string) string {
	return "/polls?id=eq." + url.QueryEscape(id) + "&select=id,question,options"
}

// DecodePoll parses the body served at PollPath.
func DecodePoll(raw json.RawMessage) (models.Poll, error) {
	var polls []models.Poll
	if err := json.Unmarshal(raw, &polls); err != nil {
		return models.Poll{}, fmt.Errorf("decode poll: %w", err)
	}
	if len(polls) == 0 {
		return models.Poll{}, ErrPollNotFound
	}
	return polls[0], nil
}

// voteRow is the service's column layout for a vote.
type voteRow struct {
	ID          string    `json:"id,omitempty"`
	PollID      string    `json:"poll_id"`
	UserID      string    `json:"user_id"`
	OptionIndex int       `json:"option_index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r voteRow) record() models.VoteRecord {
	return models.VoteRecord{
		ID:          r.ID,
		ResourceID:  r.PollID,
		VoterID:     r.UserID,
		OptionIndex: r.OptionIndex,
		CreatedAt:   r.CreatedAt,
	}
}

// FindVote looks up the voter's vote on a poll.
func (c *Client) FindVote(ctx context.Context, resourceID, voterID string) (models.VoteRecord, bool, error) {
	path := "/poll_votes?poll_id=eq." + url.QueryEscape(resourceID) +
		"&user_id=eq." + url.QueryEscape(voterID) + "&select=*&limit=1"
	rows, err := c.votes(ctx, path)
	if err != nil {
		return models.VoteRecord{}, false, fmt.Errorf("find vote: %w", err)
	}
	if len(rows) == 0 {
		return models.VoteRecord{}, false, nil
	}
	return rows[0].record(), true, nil
}

// InsertVote creates a vote. A conflict with an existing vote for the same
// poll and voter returns the existing one.
func (c *Client) InsertVote(ctx context.Context, rec models.VoteRecord) (models.VoteRecord, error) {
	body, err := json.Marshal(voteRow{
		ID:          rec.ID,
		PollID:      rec.ResourceID,
		UserID:      rec.VoterID,
		OptionIndex: rec.OptionIndex,
		CreatedAt:   rec.CreatedAt,
	})
	if err != nil {
		return models.VoteRecord{}, fmt.Errorf("encode vote: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/poll_votes", body, map[string]string{
		"Content-Type": "application/json",
		"Prefer":       "return=representation",
	})
	var se *fetch.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
		existing, ok, ferr := c.FindVote(ctx, rec.ResourceID, rec.VoterID)
		if ferr != nil {
			return models.VoteRecord{}, ferr
		}
		if ok {
			return existing, nil
		}
	}
	if err != nil {
		return models.VoteRecord{}, fmt.Errorf("insert vote: %w", err)
	}

	var rows []voteRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return models.VoteRecord{}, fmt.Errorf("decode inserted vote: %w", err)
	}
	if len(rows) == 0 {
		return rec, nil
	}
	return rows[0].record(), nil
}

// ListVotes returns every vote on a poll.
func (c *Client) ListVotes(ctx context.Context, resourceID string) ([]models.VoteRecord, error) {
	rows, err := c.votes(ctx, "/poll_votes?poll_id=eq."+url.QueryEscape(resourceID)+"&select=*&order=created_at.asc")
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	recs := make([]models.VoteRecord, len(rows))
	for i, r := range rows {
		recs[i] = r.record()
	}
	return recs, nil
}

func (c *Client) votes(ctx context.Context, path string) ([]voteRow, error) {
	raw, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var rows []voteRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	return rows, nil
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

// do sends one request and returns the body of a 2xx response. Other
// statuses become *fetch.StatusError.
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &fetch.StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return json.RawMessage(respBody), nil
}
