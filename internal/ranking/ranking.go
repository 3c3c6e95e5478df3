// Package ranking maintains writer leaderboards as Redis sorted sets.
package ranking

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"bookroom/api/internal/store"
)

type Entry struct {
	UserID string `json:"userId"`
	Score  int    `json:"score"`
}

type Board struct {
	client *redis.Client
	prefix string
}

func NewBoard(client *redis.Client) *Board {
	return &Board{client: client, prefix: "ranking:"}
}

func (b *Board) key(by store.RankBy) string {
	return b.prefix + string(by)
}

func (b *Board) AddWords(ctx context.Context, userID string, words int) error {
	if words <= 0 {
		return nil
	}
	if err := b.client.ZIncrBy(ctx, b.key(store.RankByWords), float64(words), userID).Err(); err != nil {
		return fmt.Errorf("increment words: %w", err)
	}
	return nil
}

// AddPublished credits one published story to every author.
func (b *Board) AddPublished(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.ZIncrBy(ctx, b.key(store.RankByStories), 1, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment published: %w", err)
	}
	return nil
}

// Top returns the highest scores first.
func (b *Board) Top(ctx context.Context, by store.RankBy, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	members, err := b.client.ZRevRangeWithScores(ctx, b.key(by), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard: %w", err)
	}
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		id, _ := m.Member.(string)
		entries = append(entries, Entry{UserID: id, Score: int(m.Score)})
	}
	return entries, nil
}

// Seed rebuilds a board from the authoritative user counters.
func (b *Board) Seed(ctx context.Context, by store.RankBy, users []store.User) error {
	key := b.key(by)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		for _, u := range users {
			score := u.TotalWordsWritten
			if by == store.RankByStories {
				score = u.TotalStoriesPublished
			}
			if score > 0 {
				pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: u.ID})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed leaderboard: %w", err)
	}
	return nil
}
