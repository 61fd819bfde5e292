// Package testutil provides a fake data service for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/igorao79/soulcycle/pkg/config"
	"github.com/igorao79/soulcycle/pkg/models"
)

type voteRow struct {
	ID          string `json:"id"`
	PollID      string `json:"poll_id"`
	UserID      string `json:"user_id"`
	OptionIndex int    `json:"option_index"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// FakeService is an in-memory stand-in for the hosted data service. It
// serves polls, poll votes and arbitrary JSON resources, and can be told to
// fail every request with a fixed status.
type FakeService struct {
	URL string

	mu        sync.Mutex
	polls     map[string]models.Poll
	votes     []voteRow
	resources map[string]string
	status    int
	requests  map[string]int
}

// NewFakeService starts a FakeService that is shut down with the test.
func NewFakeService(t *testing.T) *FakeService {
	t.Helper()
	f := &FakeService{
		polls:     make(map[string]models.Poll),
		resources: make(map[string]string),
		requests:  make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	f.URL = srv.URL
	return f
}

// RemoteConfig returns a config pointing at the fake.
func (f *FakeService) RemoteConfig() config.RemoteConfig {
	return config.RemoteConfig{URL: f.URL, APIKey: "test-key"}
}

// AddPoll registers a poll definition.
func (f *FakeService) AddPoll(p models.Poll) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[p.ID] = p
}

// SetResource serves body at path for GET requests.
func (f *FakeService) SetResource(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[path] = body
}

// FailWith makes every request answer with status. Zero restores normal
// service.
func (f *FakeService) FailWith(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// Requests returns how many requests hit path.
func (f *FakeService) Requests(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

// VoteCount returns the number of stored votes.
func (f *FakeService) VoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.votes)
}

func (f *FakeService) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[r.URL.Path]++

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	q := r.URL.Query()
	switch {
	case r.URL.Path == "/polls" && r.Method == http.MethodGet:
		out := []models.Poll{}
		if p, ok := f.polls[strings.TrimPrefix(q.Get("id"), "eq.")]; ok {
			out = append(out, p)
		}
		json.NewEncoder(w).Encode(out)

	case r.URL.Path == "/poll_votes" && r.Method == http.MethodGet:
		poll := strings.TrimPrefix(q.Get("poll_id"), "eq.")
		user := strings.TrimPrefix(q.Get("user_id"), "eq.")
		out := []voteRow{}
		for _, v := range f.votes {
			if v.PollID == poll && (user == "" || v.UserID == user) {
				out = append(out, v)
			}
		}
		json.NewEncoder(w).Encode(out)

	case r.URL.Path == "/poll_votes" && r.Method == http.MethodPost:
		var row voteRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, v := range f.votes {
			if v.PollID == row.PollID && v.UserID == row.UserID {
				w.WriteHeader(http.StatusConflict)
				return
			}
		}
		f.votes = append(f.votes, row)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode([]voteRow{row})

	case r.Method == http.MethodGet:
		body, ok := f.resources[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
