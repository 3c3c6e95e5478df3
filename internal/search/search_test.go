package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bookroom/api/internal/store"
)

type stubSearcher struct {
	results []Result
	err     error
	queries []Query
}

func (s *stubSearcher) Healthy() bool { return true }

func (s *stubSearcher) Search(_ context.Context, q Query) ([]Result, int, error) {
	s.queries = append(s.queries, q)
	return s.results, len(s.results), s.err
}

func TestServiceUsesFallbackWithoutMeili(t *testing.T) {
	fallback := &stubSearcher{results: []Result{{ID: "story_1", Title: "Harbor"}}}
	svc := NewService(nil, fallback, nil, zap.NewNop())

	resp := svc.Search(context.Background(), Query{Text: "harbor", Language: "en"})
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "harbor", resp.Query)
	require.Len(t, fallback.queries, 1)
	assert.Equal(t, "en", fallback.queries[0].Language)

	// Indexing is a no-op without Meilisearch.
	svc.IndexStory(StoryRecord{ID: "story_1"})
	svc.DeleteStory("story_1")
	svc.ReindexAll(context.Background())
}

func TestServiceSwallowsFallbackErrors(t *testing.T) {
	svc := NewService(nil, &stubSearcher{err: errors.New("db down")}, nil, zap.NewNop())
	resp := svc.Search(context.Background(), Query{Text: "x"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestListSearcherOnlyReturnsPublished(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, s := range []store.Story{
		{ID: "story_pub", Title: "The night harbor", Description: "Boats", NumWriters: 1, Language: "en"},
		{ID: "story_draft", Title: "Harbor draft", Description: "Unfinished", NumWriters: 2, Language: "en"},
	} {
		require.NoError(t, st.CreateStory(ctx, s, func(tx store.StoryTx) error {
			if s.ID == "story_pub" {
				return tx.SetStage(ctx, store.StagePublished)
			}
			return nil
		}))
	}

	results, total, err := NewListSearcher(st).Search(ctx, Query{Text: "harbor"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, results, 1)
	assert.Equal(t, "story_pub", results[0].ID)
	assert.Equal(t, "Boats", results[0].Snippet)

	results, _, err = NewListSearcher(st).Search(ctx, Query{Text: "harbor", Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHitToResultPrefersFormattedFields(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	hit := meili.Hit{
		"id":          raw("story_1"),
		"title":       raw("Night harbor"),
		"description": raw("Boats at dawn"),
		"language":    raw("en"),
		"authors":     raw([]string{"Ana", "Bea"}),
		"_formatted":  raw(map[string]string{"title": "Night <mark>harbor</mark>", "description": ""}),
	}

	r := hitToResult(hit)
	assert.Equal(t, "story_1", r.ID)
	assert.Equal(t, "Night <mark>harbor</mark>", r.Title)
	assert.Equal(t, "Boats at dawn", r.Snippet)
	assert.Equal(t, []string{"Ana", "Bea"}, r.Authors)
}

func TestMeiliFilters(t *testing.T) {
	assert.Empty(t, meiliFilters(Query{Text: "x"}))
	assert.Equal(t, []string{`language = "es"`, `genre = "horror"`}, meiliFilters(Query{Language: "es", Genre: "horror"}))
}

func TestSnippetTruncatesRunes(t *testing.T) {
	assert.Equal(t, "año", snippet("año", 3))
	assert.Equal(t, "ab…", snippet("abcdef", 2))
}
