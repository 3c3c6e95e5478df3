package search

import (
	"context"
	"fmt"

	"bookroom/api/internal/store"
)

// StoryLister is implemented by both stores.
type StoryLister interface {
	ListStories(ctx context.Context, filter store.StoryFilter) ([]store.StorySummary, error)
}

// ListSearcher answers queries with the store's substring filter. It backs
// the memory driver, which has no text index.
type ListSearcher struct {
	stories StoryLister
}

func NewListSearcher(stories StoryLister) *ListSearcher {
	return &ListSearcher{stories: stories}
}

func (l *ListSearcher) Healthy() bool {
	return true
}

func (l *ListSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	items, err := l.stories.ListStories(ctx, store.StoryFilter{
		Stage:    store.StagePublished,
		Query:    q.Text,
		Language: q.Language,
		Genre:    q.Genre,
		Limit:    100,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list stories: %w", err)
	}

	total := len(items)
	if q.Offset > 0 {
		if q.Offset >= len(items) {
			items = nil
		} else {
			items = items[q.Offset:]
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(items) > limit {
		items = items[:limit]
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, Result{
			ID:       item.ID,
			Title:    item.Title,
			Snippet:  snippet(firstNonBlank(item.Description, item.Content), 160),
			Language: item.Language,
			Genre:    item.Genre,
			Authors:  []string{},
		})
	}
	return results, total, nil
}
