package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookroom/api/internal/store"
)

func TestAggregatorRecompute(t *testing.T) {
	ctx := context.Background()
	l, st, _ := newTestLedger(t)
	story := createStory(t, l, "ana", 2, "")
	_, err := l.Join(ctx, story.ID, "bea")
	require.NoError(t, err)
	for _, id := range []string{"ana", "bea"} {
		_, err := l.UpdateFragment(ctx, story.ID, id, "two words ")
		require.NoError(t, err)
		_, err = l.MarkReady(ctx, story.ID, id)
		require.NoError(t, err)
	}

	_, err = st.UpsertVote(ctx, store.Vote{StoryID: story.ID, UserID: "cai", Score: 4})
	require.NoError(t, err)
	_, err = st.UpsertVote(ctx, store.Vote{StoryID: story.ID, UserID: "dan", Score: 1})
	require.NoError(t, err)
	require.NoError(t, st.InsertComment(ctx, store.Comment{ID: "c1", StoryID: story.ID, UserID: "cai", Body: "lovely"}))

	stats, err := NewAggregator(st).Recompute(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Collaborators)
	assert.Equal(t, 1, stats.Comments)
	assert.InDelta(t, 2.5, stats.AverageRating, 0.001)
	assert.Equal(t, 4, stats.TotalWords)

	saved, err := st.GetStatistics(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, stats.AverageRating, saved.AverageRating)
}

func TestAggregatorMissingStory(t *testing.T) {
	_, err := NewAggregator(store.NewMemoryStore()).Recompute(context.Background(), "story_none")
	assert.ErrorIs(t, err, ErrStoryNotFound)
}

func TestWritingSeconds(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	parts := []store.Participation{
		{JoinedAt: base, UpdatedAt: base.Add(90 * time.Second)},
		{JoinedAt: base, UpdatedAt: base.Add(30 * time.Second)},
		{JoinedAt: base, UpdatedAt: base},
	}
	assert.Equal(t, int64(120), writingSeconds(parts))
}
