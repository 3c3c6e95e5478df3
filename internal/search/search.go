package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Snippet  string   `json:"snippet"`
	Language string   `json:"language"`
	Genre    string   `json:"genre"`
	Authors  []string `json:"authors"`
}

// Query describes a search request over published stories.
type Query struct {
	Text     string
	Language string
	Genre    string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// StoryRecord is the data indexed for a published story.
type StoryRecord struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Language    string   `json:"language"`
	Genre       string   `json:"genre"`
	Authors     []string `json:"authors"`
}

func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
