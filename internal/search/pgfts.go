package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/sqlscan"
)

// PgFTS searches published stories in PostgreSQL. It is the fallback when
// Meilisearch is unset or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the API is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

type storyRow struct {
	ID          string `db:"id"`
	Title       string `db:"title"`
	Description string `db:"description"`
	Content     string `db:"content"`
	Language    string `db:"language"`
	Genre       string `db:"genre"`
	Authors     string `db:"authors"`
}

func (r storyRow) authors() []string {
	if r.Authors == "" {
		return []string{}
	}
	return strings.Split(r.Authors, ", ")
}

const publishedStories = `
	SELECT s.id, s.title, s.description, s.content, s.language, s.genre,
		COALESCE((SELECT string_agg(u.display_name, ', ' ORDER BY p.position)
			FROM participations p JOIN users u ON u.id = p.user_id
			WHERE p.story_id = s.id), '') AS authors
	FROM stories s
	WHERE s.stage = 'PUBLISHED'`

// Search matches the title and description through the text index and the
// assembled content with ILIKE.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{text, "%" + text + "%"}
	where := ` AND (to_tsvector('simple', s.title || ' ' || s.description) @@ plainto_tsquery('simple', $1) OR s.content ILIKE $2)`
	if q.Language != "" {
		args = append(args, q.Language)
		where += fmt.Sprintf(" AND s.language = $%d", len(args))
	}
	if q.Genre != "" {
		args = append(args, q.Genre)
		where += fmt.Sprintf(" AND s.genre = $%d", len(args))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM stories s WHERE s.stage = 'PUBLISHED'`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	query := publishedStories + where + fmt.Sprintf(` ORDER BY ts_rank(to_tsvector('simple', s.title || ' ' || s.description), plainto_tsquery('simple', $1)) DESC, s.updated_at DESC LIMIT %d OFFSET %d`, limit, offset)
	var rows []storyRow
	if err := sqlscan.Select(ctx, p.db, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}

	results := make([]Result, 0, len(rows))
	for _, r := range rows {
		results = append(results, Result{
			ID:       r.ID,
			Title:    r.Title,
			Snippet:  snippet(firstNonBlank(r.Description, r.Content), 160),
			Language: r.Language,
			Genre:    r.Genre,
			Authors:  r.authors(),
		})
	}
	return results, total, nil
}

// LoadAllRecords returns every published story for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]StoryRecord, error) {
	var rows []storyRow
	if err := sqlscan.Select(ctx, p.db, &rows, publishedStories); err != nil {
		return nil, fmt.Errorf("load published stories: %w", err)
	}
	records := make([]StoryRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, StoryRecord{
			ID:          r.ID,
			Title:       r.Title,
			Description: r.Description,
			Content:     r.Content,
			Language:    r.Language,
			Genre:       r.Genre,
			Authors:     r.authors(),
		})
	}
	return records, nil
}
