package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookroom/api/internal/config"
	"bookroom/api/internal/events"
	"bookroom/api/internal/gitrepo"
	"bookroom/api/internal/search"
	"bookroom/api/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Type)
	}
	return out
}

type fakeGit struct {
	mu      sync.Mutex
	repos   map[string]gitrepo.Manuscript
	commits map[string][]store.CommitInfo
	removed []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{repos: map[string]gitrepo.Manuscript{}, commits: map[string][]store.CommitInfo{}}
}

func (g *fakeGit) EnsureStoryRepo(storyID string, initial gitrepo.Manuscript, author string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.repos[storyID]; ok {
		return nil
	}
	g.repos[storyID] = initial
	g.commits[storyID] = []store.CommitInfo{{Hash: "c1", Message: "Publish story", Author: author, CreatedAt: time.Now()}}
	return nil
}

func (g *fakeGit) CommitManuscript(storyID string, m gitrepo.Manuscript, author, message string) (store.CommitInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.repos[storyID]; !ok {
		return store.CommitInfo{}, gitrepo.ErrNoRepository
	}
	g.repos[storyID] = m
	info := store.CommitInfo{Hash: fmt.Sprintf("c%d", len(g.commits[storyID])+1), Message: message, Author: author, CreatedAt: time.Now()}
	g.commits[storyID] = append([]store.CommitInfo{info}, g.commits[storyID]...)
	return info, nil
}

func (g *fakeGit) History(storyID string, limit int) ([]store.CommitInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	commits, ok := g.commits[storyID]
	if !ok {
		return nil, gitrepo.ErrNoRepository
	}
	if len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

func (g *fakeGit) Remove(storyID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.repos, storyID)
	delete(g.commits, storyID)
	g.removed = append(g.removed, storyID)
	return nil
}

func (g *fakeGit) manuscript(storyID string) (gitrepo.Manuscript, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.repos[storyID]
	return m, ok
}

// fakeSearch records index calls synchronously.
type fakeSearch struct {
	mu      sync.Mutex
	indexed map[string]search.StoryRecord
	deleted []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := []search.Result{}
	for _, rec := range f.indexed {
		results = append(results, search.Result{ID: rec.ID, Title: rec.Title})
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}
}

func (f *fakeSearch) IndexStory(rec search.StoryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[rec.ID] = rec
}

func (f *fakeSearch) DeleteStory(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexed, id)
	f.deleted = append(f.deleted, id)
}

type testEnv struct {
	server  *HTTPServer
	service *Service
	store   *store.MemoryStore
	events  *recordingPublisher
	git     *fakeGit
	search  *fakeSearch
	handler http.Handler
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:          "test-secret",
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         time.Hour,
		CORSOrigin:         "*",
		LockReadyFragments: true,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	env := &testEnv{
		store:  st,
		events: &recordingPublisher{},
		git:    newFakeGit(),
		search: &fakeSearch{indexed: map[string]search.StoryRecord{}},
	}
	env.service = New(testConfig(), st, Options{
		Git:    env.git,
		Search: env.search,
		Events: env.events,
	})
	env.server = NewHTTPServer(env.service, "*")
	env.handler = env.server.Handler()
	return env
}

// user creates an account directly in the store and returns a bearer token.
func (e *testEnv) user(t *testing.T, id, name, role string) string {
	t.Helper()
	u := store.User{ID: id, DisplayName: name, Email: id + "@example.com", Role: role}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	session, err := e.service.issueSession(context.Background(), u)
	require.NoError(t, err)
	return session.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Header().Get("Content-Type") == "application/json" && rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	}
	return rr, payload
}

// createStory posts a story and returns its id.
func (e *testEnv) createStory(t *testing.T, token string, writers int, seed string) string {
	t.Helper()
	rr, payload := e.do(t, http.MethodPost, "/api/stories", token, map[string]any{
		"title":       "The Lighthouse",
		"description": "A story about a lighthouse keeper.",
		"content":     seed,
		"numWriters":  writers,
		"language":    "en",
		"genre":       "misterio",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id, _ := payload["id"].(string)
	require.NotEmpty(t, id)
	return id
}
