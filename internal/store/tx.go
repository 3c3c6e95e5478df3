package store

import (
	"context"
	"sort"
)

// StoryTx is a unit of work holding the exclusive lock on one story. Every
// write is applied atomically when the callback returns nil and discarded
// otherwise.
type StoryTx interface {
	// Story returns the locked row including writes made through this tx.
	Story() Story
	// Participations lists live participations ordered by position.
	Participations(ctx context.Context) ([]Participation, error)
	InsertParticipation(ctx context.Context, p Participation) error
	UpdateParticipation(ctx context.Context, p Participation) error
	SetStage(ctx context.Context, stage Stage) error
	SetContent(ctx context.Context, content string) error
	UpdateDetails(ctx context.Context, title, description, language, genre string) error
	AddWordsWritten(ctx context.Context, userID string, words int) error
	AddStoriesPublished(ctx context.Context, userIDs []string) error
	Delete(ctx context.Context) error
}

type userDelta struct {
	UserID    string
	Words     int
	Published int
}

// counterDeltas buffers user counter increments until the unit of work
// commits.
type counterDeltas map[string]*userDelta

func (c counterDeltas) entry(userID string) *userDelta {
	d, ok := c[userID]
	if !ok {
		d = &userDelta{UserID: userID}
		c[userID] = d
	}
	return d
}

func (c counterDeltas) addWords(userID string, words int) {
	c.entry(userID).Words += words
}

func (c counterDeltas) addPublished(userIDs []string) {
	for _, userID := range userIDs {
		c.entry(userID).Published++
	}
}

// sorted orders the increments by user id. Concurrent commits then take
// user row locks in the same order.
func (c counterDeltas) sorted() []userDelta {
	out := make([]userDelta, 0, len(c))
	for _, d := range c {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
