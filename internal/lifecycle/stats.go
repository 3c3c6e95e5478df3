package lifecycle

import (
	"context"
	"fmt"
	"time"

	"bookroom/api/internal/store"
)

// StatsSource provides the inputs of a statistics recompute.
type StatsSource interface {
	GetStory(ctx context.Context, storyID string) (store.Story, error)
	ListParticipations(ctx context.Context, storyID string) ([]store.Participation, error)
	CountComments(ctx context.Context, storyID string) (int, error)
	AverageVote(ctx context.Context, storyID string) (float64, error)
	SaveStatistics(ctx context.Context, stats store.Statistics) error
}

// Aggregator rebuilds a story's statistics row from scratch. It holds no
// lock, so a concurrent change is picked up by the next recompute.
type Aggregator struct {
	src StatsSource
	now func() time.Time
}

func NewAggregator(src StatsSource) *Aggregator {
	return &Aggregator{src: src, now: time.Now}
}

func (a *Aggregator) Recompute(ctx context.Context, storyID string) (store.Statistics, error) {
	story, err := a.src.GetStory(ctx, storyID)
	if err != nil {
		return store.Statistics{}, notFound(err, ErrStoryNotFound)
	}
	parts, err := a.src.ListParticipations(ctx, storyID)
	if err != nil {
		return store.Statistics{}, fmt.Errorf("list participations: %w", err)
	}
	comments, err := a.src.CountComments(ctx, storyID)
	if err != nil {
		return store.Statistics{}, fmt.Errorf("count comments: %w", err)
	}
	avg, err := a.src.AverageVote(ctx, storyID)
	if err != nil {
		return store.Statistics{}, fmt.Errorf("average vote: %w", err)
	}

	stats := store.Statistics{
		StoryID:        storyID,
		Collaborators:  len(parts),
		Comments:       comments,
		AverageRating:  avg,
		TotalWords:     WordCount(story.Content),
		WritingSeconds: writingSeconds(parts),
		UpdatedAt:      a.now().UTC(),
	}
	if err := a.src.SaveStatistics(ctx, stats); err != nil {
		return store.Statistics{}, fmt.Errorf("save statistics: %w", err)
	}
	return stats, nil
}

// writingSeconds sums the time each writer spent between joining and their
// last fragment change.
func writingSeconds(parts []store.Participation) int64 {
	var total time.Duration
	for _, p := range parts {
		if d := p.UpdatedAt.Sub(p.JoinedAt); d > 0 {
			total += d
		}
	}
	return int64(total / time.Second)
}
