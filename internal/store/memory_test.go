package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMemoryStory(t *testing.T, s *MemoryStore, id string, writers int, userIDs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, userID := range userIDs {
		_ = s.CreateUser(ctx, User{ID: userID, DisplayName: "User " + userID, Email: userID + "@example.com"})
	}
	err := s.CreateStory(ctx, Story{ID: id, Title: "Title " + id, Description: "A long description", NumWriters: writers, Language: "en"}, func(tx StoryTx) error {
		for i, userID := range userIDs {
			if err := tx.InsertParticipation(ctx, Participation{ID: id + userID, UserID: userID, Position: i + 1, JoinedAt: time.Now()}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoryTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMemoryStory(t, s, "sty_1", 2, "u1")

	boom := errors.New("boom")
	err := s.WithStoryLock(ctx, "sty_1", func(tx StoryTx) error {
		require.NoError(t, tx.InsertParticipation(ctx, Participation{ID: "p2", UserID: "u2", Position: 2}))
		require.NoError(t, tx.SetStage(ctx, StageInProgress))
		require.NoError(t, tx.AddWordsWritten(ctx, "u1", 10))
		return boom
	})
	require.ErrorIs(t, err, boom)

	parts, err := s.ListParticipations(ctx, "sty_1")
	require.NoError(t, err)
	assert.Len(t, parts, 1)
	story, err := s.GetStory(ctx, "sty_1")
	require.NoError(t, err)
	assert.Equal(t, StageCreation, story.Stage)
	user, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, user.TotalWordsWritten)
}

func TestMemoryStoryTxCommitsCountersAndStage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMemoryStory(t, s, "sty_1", 1, "u1")

	err := s.WithStoryLock(ctx, "sty_1", func(tx StoryTx) error {
		if err := tx.AddWordsWritten(ctx, "u1", 7); err != nil {
			return err
		}
		if err := tx.SetContent(ctx, "final text"); err != nil {
			return err
		}
		if err := tx.AddStoriesPublished(ctx, []string{"u1"}); err != nil {
			return err
		}
		assert.Equal(t, "final text", tx.Story().Content)
		return tx.SetStage(ctx, StagePublished)
	})
	require.NoError(t, err)

	story, err := s.GetStory(ctx, "sty_1")
	require.NoError(t, err)
	assert.Equal(t, StagePublished, story.Stage)
	assert.Equal(t, "final text", story.Content)
	user, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, user.TotalWordsWritten)
	assert.Equal(t, 1, user.TotalStoriesPublished)
}

func TestMemoryInsertParticipationConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMemoryStory(t, s, "sty_1", 3, "u1")

	err := s.WithStoryLock(ctx, "sty_1", func(tx StoryTx) error {
		return tx.InsertParticipation(ctx, Participation{ID: "dup", UserID: "u1", Position: 2})
	})
	require.ErrorIs(t, err, ErrConflict)

	err = s.WithStoryLock(ctx, "sty_1", func(tx StoryTx) error {
		return tx.InsertParticipation(ctx, Participation{ID: "dup", UserID: "u9", Position: 1})
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestMemoryWithStoryLockMissingStory(t *testing.T) {
	s := NewMemoryStore()
	err := s.WithStoryLock(context.Background(), "nope", func(StoryTx) error { return nil })
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMemoryDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMemoryStory(t, s, "sty_1", 1, "u1")
	_, err := s.UpsertVote(ctx, Vote{StoryID: "sty_1", UserID: "u1", Score: 4})
	require.NoError(t, err)
	require.NoError(t, s.InsertComment(ctx, Comment{ID: "c1", StoryID: "sty_1", UserID: "u1", Body: "nice"}))

	require.NoError(t, s.WithStoryLock(ctx, "sty_1", func(tx StoryTx) error { return tx.Delete(ctx) }))

	_, err = s.GetStory(ctx, "sty_1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	count, err := s.CountComments(ctx, "sty_1")
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = s.GetStatistics(ctx, "sty_1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMemoryListStoriesFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMemoryStory(t, s, "sty_open", 3, "u1")
	seedMemoryStory(t, s, "sty_full", 1, "u2")

	open, err := s.ListStories(ctx, StoryFilter{Stage: StageCreation, OpenSlots: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "sty_open", open[0].ID)
	assert.Equal(t, 1, open[0].Collaborators)

	mine, err := s.ListStories(ctx, StoryFilter{AuthorID: "u2"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "sty_full", mine[0].ID)

	byWriters, err := s.ListStories(ctx, StoryFilter{MinWriters: 2, Query: "TITLE"})
	require.NoError(t, err)
	require.Len(t, byWriters, 1)
	assert.Equal(t, "sty_open", byWriters[0].ID)
}

func TestMemoryVotesAndComments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMemoryStory(t, s, "sty_1", 2, "u1", "u2")

	created, err := s.UpsertVote(ctx, Vote{StoryID: "sty_1", UserID: "u1", Score: 5})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.UpsertVote(ctx, Vote{StoryID: "sty_1", UserID: "u1", Score: 3})
	require.NoError(t, err)
	assert.False(t, created)
	_, err = s.UpsertVote(ctx, Vote{StoryID: "sty_1", UserID: "u2", Score: 4})
	require.NoError(t, err)

	avg, err := s.AverageVote(ctx, "sty_1")
	require.NoError(t, err)
	assert.InDelta(t, 3.5, avg, 0.0001)

	require.NoError(t, s.InsertComment(ctx, Comment{ID: "c1", StoryID: "sty_1", UserID: "u1", Body: "first"}))
	err = s.InsertComment(ctx, Comment{ID: "c2", StoryID: "sty_1", UserID: "u1", Body: "second"})
	require.ErrorIs(t, err, ErrConflict)

	comment, err := s.GetComment(ctx, "sty_1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "User u1", comment.AuthorName)
}

func TestMemoryRefreshSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateUser(ctx, User{ID: "u1", DisplayName: "Avery", Email: "Avery@Example.com"}))

	require.NoError(t, s.SaveRefreshSession(ctx, "hash", "u1", time.Now().Add(time.Hour)))
	user, err := s.LookupRefreshSession(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, "avery@example.com", user.Email)

	require.NoError(t, s.RevokeRefreshSession(ctx, "hash"))
	_, err = s.LookupRefreshSession(ctx, "hash")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	err = s.CreateUser(ctx, User{ID: "u2", DisplayName: "Dup", Email: "avery@example.com"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCounterDeltasMergeAndSortByUser(t *testing.T) {
	c := counterDeltas{}
	c.addWords("u3", 4)
	c.addPublished([]string{"u3", "u1", "u2"})
	c.addWords("u1", 2)
	c.addWords("u3", 1)

	assert.Equal(t, []userDelta{
		{UserID: "u1", Words: 2, Published: 1},
		{UserID: "u2", Published: 1},
		{UserID: "u3", Words: 5, Published: 1},
	}, c.sorted())
}

func TestMemoryDeleteDropsStoryLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMemoryStory(t, s, "sty_1", 1, "u1")
	seedMemoryStory(t, s, "sty_2", 1, "u2")

	require.NoError(t, s.WithStoryLock(ctx, "sty_1", func(tx StoryTx) error {
		return tx.Delete(ctx)
	}))

	s.lockMu.Lock()
	_, kept := s.locks["sty_1"]
	_, other := s.locks["sty_2"]
	s.lockMu.Unlock()
	assert.False(t, kept)
	assert.True(t, other)

	err := s.WithStoryLock(ctx, "sty_1", func(StoryTx) error { return nil })
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
