package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/sqlscan"
)

const storyColumns = `s.id, s.title, s.description, s.content, s.num_writers, s.language, s.genre, s.stage, s.created_at, s.updated_at`

const participationColumns = `p.id, p.story_id, p.user_id, u.display_name AS author_name, p.position, p.fragment, p.ready, p.joined_at, p.updated_at`

func scanStory(row interface{ Scan(...any) error }) (Story, error) {
	var story Story
	var stage string
	err := row.Scan(&story.ID, &story.Title, &story.Description, &story.Content, &story.NumWriters,
		&story.Language, &story.Genre, &stage, &story.CreatedAt, &story.UpdatedAt)
	story.Stage = Stage(stage)
	return story, err
}

func (s *PostgresStore) GetStory(ctx context.Context, storyID string) (Story, error) {
	return scanStory(s.db.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories s WHERE s.id=$1`, storyID))
}

// CreateStory inserts the story row and its empty statistics row, then runs
// fn against the new story inside the same transaction.
func (s *PostgresStore) CreateStory(ctx context.Context, story Story, fn func(StoryTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create story tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := scanStory(tx.QueryRowContext(ctx, `
		INSERT INTO stories AS s (id, title, description, content, num_writers, language, genre, stage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+storyColumns,
		story.ID, story.Title, story.Description, story.Content, story.NumWriters, story.Language, story.Genre, string(StageCreation)))
	if err != nil {
		return conflictOr(err, "insert story")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO story_statistics (story_id) VALUES ($1)`, created.ID); err != nil {
		return fmt.Errorf("insert story statistics: %w", err)
	}

	unit := &pgStoryTx{tx: tx, story: created, counters: counterDeltas{}}
	if err := fn(unit); err != nil {
		return err
	}
	if err := unit.applyCounters(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create story: %w", err)
	}
	return nil
}

// WithStoryLock runs fn in a transaction that holds FOR UPDATE on the story row.
// A missing story yields sql.ErrNoRows.
func (s *PostgresStore) WithStoryLock(ctx context.Context, storyID string, fn func(StoryTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin story tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	story, err := scanStory(tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories s WHERE s.id=$1 FOR UPDATE`, storyID))
	if err != nil {
		return err
	}
	unit := &pgStoryTx{tx: tx, story: story, counters: counterDeltas{}}
	if err := fn(unit); err != nil {
		return err
	}
	if err := unit.applyCounters(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit story tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStories(ctx context.Context, filter StoryFilter) ([]StorySummary, error) {
	var (
		where []string
		args  []any
	)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Stage != "" {
		where = append(where, "s.stage = "+arg(string(filter.Stage)))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		p := arg("%" + q + "%")
		where = append(where, fmt.Sprintf("(s.title ILIKE %s OR s.description ILIKE %s)", p, p))
	}
	if filter.Language != "" {
		where = append(where, "s.language = "+arg(filter.Language))
	}
	if filter.Genre != "" {
		where = append(where, "s.genre = "+arg(filter.Genre))
	}
	if filter.Writers > 0 {
		where = append(where, "s.num_writers = "+arg(filter.Writers))
	}
	if filter.MinWriters > 0 {
		where = append(where, "s.num_writers >= "+arg(filter.MinWriters))
	}
	if filter.MaxWriters > 0 {
		where = append(where, "s.num_writers <= "+arg(filter.MaxWriters))
	}
	if filter.AuthorID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM participations ap WHERE ap.story_id = s.id AND ap.user_id = "+arg(filter.AuthorID)+")")
	}
	if filter.OpenSlots {
		where = append(where, "(SELECT COUNT(*) FROM participations op WHERE op.story_id = s.id) < s.num_writers")
	}

	query := `SELECT ` + storyColumns + `, (SELECT COUNT(*) FROM participations c WHERE c.story_id = s.id) AS collaborators FROM stories s`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query += " ORDER BY s.created_at DESC LIMIT " + arg(limit)

	items := make([]StorySummary, 0)
	if err := sqlscan.Select(ctx, s.db, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListParticipations(ctx context.Context, storyID string) ([]Participation, error) {
	return listParticipations(ctx, s.db, storyID)
}

func (s *PostgresStore) GetParticipation(ctx context.Context, storyID, userID string) (Participation, error) {
	var p Participation
	err := s.db.QueryRowContext(ctx, `
		SELECT `+participationColumns+`
		FROM participations p
		JOIN users u ON u.id = p.user_id
		WHERE p.story_id=$1 AND p.user_id=$2
	`, storyID, userID).Scan(&p.ID, &p.StoryID, &p.UserID, &p.AuthorName, &p.Position, &p.Fragment, &p.Ready, &p.JoinedAt, &p.UpdatedAt)
	if err != nil {
		return Participation{}, err
	}
	return p, nil
}

func listParticipations(ctx context.Context, q sqlscan.Querier, storyID string) ([]Participation, error) {
	items := make([]Participation, 0)
	err := sqlscan.Select(ctx, q, &items, `
		SELECT `+participationColumns+`
		FROM participations p
		JOIN users u ON u.id = p.user_id
		WHERE p.story_id=$1
		ORDER BY p.position ASC
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	return items, nil
}

type pgStoryTx struct {
	tx       *sql.Tx
	story    Story
	counters counterDeltas
}

func (t *pgStoryTx) Story() Story {
	return t.story
}

func (t *pgStoryTx) Participations(ctx context.Context) ([]Participation, error) {
	return listParticipations(ctx, t.tx, t.story.ID)
}

func (t *pgStoryTx) InsertParticipation(ctx context.Context, p Participation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO participations (id, story_id, user_id, position, fragment, ready, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, p.ID, t.story.ID, p.UserID, p.Position, p.Fragment, p.Ready, p.JoinedAt)
	if err != nil {
		return conflictOr(err, "insert participation")
	}
	return nil
}

func (t *pgStoryTx) UpdateParticipation(ctx context.Context, p Participation) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE participations SET fragment=$3, ready=$4, updated_at=$5
		WHERE story_id=$1 AND user_id=$2
	`, t.story.ID, p.UserID, p.Fragment, p.Ready, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update participation: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (t *pgStoryTx) SetStage(ctx context.Context, stage Stage) error {
	updated, err := scanStory(t.tx.QueryRowContext(ctx, `
		UPDATE stories AS s SET stage=$2, updated_at=NOW() WHERE s.id=$1 RETURNING `+storyColumns,
		t.story.ID, string(stage)))
	if err != nil {
		return fmt.Errorf("set story stage: %w", err)
	}
	t.story = updated
	return nil
}

func (t *pgStoryTx) SetContent(ctx context.Context, content string) error {
	updated, err := scanStory(t.tx.QueryRowContext(ctx, `
		UPDATE stories AS s SET content=$2, updated_at=NOW() WHERE s.id=$1 RETURNING `+storyColumns,
		t.story.ID, content))
	if err != nil {
		return fmt.Errorf("set story content: %w", err)
	}
	t.story = updated
	return nil
}

func (t *pgStoryTx) UpdateDetails(ctx context.Context, title, description, language, genre string) error {
	updated, err := scanStory(t.tx.QueryRowContext(ctx, `
		UPDATE stories AS s SET title=$2, description=$3, language=$4, genre=$5, updated_at=NOW()
		WHERE s.id=$1 RETURNING `+storyColumns,
		t.story.ID, title, description, language, genre))
	if err != nil {
		return fmt.Errorf("update story details: %w", err)
	}
	t.story = updated
	return nil
}

func (t *pgStoryTx) AddWordsWritten(_ context.Context, userID string, words int) error {
	t.counters.addWords(userID, words)
	return nil
}

func (t *pgStoryTx) AddStoriesPublished(_ context.Context, userIDs []string) error {
	t.counters.addPublished(userIDs)
	return nil
}

// applyCounters writes the buffered user increments right before commit.
func (t *pgStoryTx) applyCounters(ctx context.Context) error {
	for _, d := range t.counters.sorted() {
		_, err := t.tx.ExecContext(ctx, `
			UPDATE users
			SET total_words_written = total_words_written + $2,
			    total_stories_published = total_stories_published + $3
			WHERE id=$1
		`, d.UserID, d.Words, d.Published)
		if err != nil {
			return fmt.Errorf("update user counters: %w", err)
		}
	}
	return nil
}

func (t *pgStoryTx) Delete(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM stories WHERE id=$1`, t.story.ID); err != nil {
		return fmt.Errorf("delete story: %w", err)
	}
	return nil
}
