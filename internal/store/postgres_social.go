package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"
)

// UpsertVote records the user's score for the story and reports whether the
// vote is new.
func (s *PostgresStore) UpsertVote(ctx context.Context, vote Vote) (bool, error) {
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO votes (story_id, user_id, score)
		VALUES ($1, $2, $3)
		ON CONFLICT (story_id, user_id) DO UPDATE SET score=EXCLUDED.score, updated_at=NOW()
		RETURNING (xmax = 0)
	`, vote.StoryID, vote.UserID, vote.Score).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert vote: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetVote(ctx context.Context, storyID, userID string) (Vote, error) {
	var vote Vote
	err := s.db.QueryRowContext(ctx, `
		SELECT story_id, user_id, score, created_at, updated_at FROM votes WHERE story_id=$1 AND user_id=$2
	`, storyID, userID).Scan(&vote.StoryID, &vote.UserID, &vote.Score, &vote.CreatedAt, &vote.UpdatedAt)
	if err != nil {
		return Vote{}, err
	}
	return vote, nil
}

func (s *PostgresStore) AverageVote(ctx context.Context, storyID string) (float64, error) {
	var avg float64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(score), 0)::float8 FROM votes WHERE story_id=$1`, storyID).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average vote: %w", err)
	}
	return avg, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, story_id, user_id, body) VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.StoryID, comment.UserID, comment.Body)
	if err != nil {
		return conflictOr(err, "insert comment")
	}
	return nil
}

const commentColumns = `c.id, c.story_id, c.user_id, u.display_name AS author_name, c.body, c.created_at, c.updated_at`

func (s *PostgresStore) GetComment(ctx context.Context, storyID, commentID string) (Comment, error) {
	var c Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c JOIN users u ON u.id = c.user_id
		WHERE c.story_id=$1 AND c.id=$2
	`, storyID, commentID).Scan(&c.ID, &c.StoryID, &c.UserID, &c.AuthorName, &c.Body, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, storyID string) ([]Comment, error) {
	items := make([]Comment, 0)
	err := sqlscan.Select(ctx, s.db, &items, `
		SELECT `+commentColumns+`
		FROM comments c JOIN users u ON u.id = c.user_id
		WHERE c.story_id=$1
		ORDER BY c.created_at ASC
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID, body string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE comments SET body=$2, updated_at=NOW() WHERE id=$1`, commentID, body)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountComments(ctx context.Context, storyID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE story_id=$1`, storyID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SaveStatistics(ctx context.Context, stats Statistics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO story_statistics (story_id, collaborators, comments, average_rating, total_words, writing_seconds, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, NOW()
		WHERE EXISTS (SELECT 1 FROM stories WHERE id=$1)
		ON CONFLICT (story_id) DO UPDATE SET
			collaborators=EXCLUDED.collaborators,
			comments=EXCLUDED.comments,
			average_rating=EXCLUDED.average_rating,
			total_words=EXCLUDED.total_words,
			writing_seconds=EXCLUDED.writing_seconds,
			updated_at=NOW()
	`, stats.StoryID, stats.Collaborators, stats.Comments, stats.AverageRating, stats.TotalWords, stats.WritingSeconds)
	if err != nil {
		return fmt.Errorf("save statistics: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStatistics(ctx context.Context, storyID string) (Statistics, error) {
	var st Statistics
	err := s.db.QueryRowContext(ctx, `
		SELECT story_id, collaborators, comments, average_rating, total_words, writing_seconds, updated_at
		FROM story_statistics WHERE story_id=$1
	`, storyID).Scan(&st.StoryID, &st.Collaborators, &st.Comments, &st.AverageRating, &st.TotalWords, &st.WritingSeconds, &st.UpdatedAt)
	if err != nil {
		return Statistics{}, err
	}
	return st, nil
}

// TopStatistics lists published stories by average rating.
func (s *PostgresStore) TopStatistics(ctx context.Context, limit int) ([]RankedStatistics, error) {
	if limit <= 0 {
		limit = 10
	}
	items := make([]RankedStatistics, 0, limit)
	err := sqlscan.Select(ctx, s.db, &items, `
		SELECT st.story_id, st.collaborators, st.comments, st.average_rating, st.total_words, st.writing_seconds, st.updated_at, s.title
		FROM story_statistics st
		JOIN stories s ON s.id = st.story_id
		WHERE s.stage = 'PUBLISHED'
		ORDER BY st.average_rating DESC, st.updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list top statistics: %w", err)
	}
	return items, nil
}
