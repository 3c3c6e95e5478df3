package lifecycle

import (
	"context"
	"fmt"

	"bookroom/api/internal/store"
)

// canTransition allows exactly the forward edges of the story lifecycle.
func canTransition(from, to store.Stage) bool {
	switch from {
	case store.StageCreation:
		return to == store.StageInProgress || to == store.StagePublished
	case store.StageInProgress:
		return to == store.StagePublished
	default:
		return false
	}
}

func transition(ctx context.Context, tx store.StoryTx, to store.Stage) error {
	from := tx.Story().Stage
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return tx.SetStage(ctx, to)
}

// onParticipantJoined closes the story to new writers once the target is met.
func onParticipantJoined(ctx context.Context, tx store.StoryTx, count int) error {
	story := tx.Story()
	if story.Stage != store.StageCreation || count < story.NumWriters {
		return nil
	}
	return transition(ctx, tx, store.StageInProgress)
}

func allReady(parts []store.Participation) bool {
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if !p.Ready {
			return false
		}
	}
	return true
}

// onReadinessChanged assembles and publishes a full story once nobody is
// pending.
// It reports whether this call performed the publication.
func (l *Ledger) onReadinessChanged(ctx context.Context, tx store.StoryTx, parts []store.Participation) (bool, error) {
	story := tx.Story()
	if story.Stage == store.StagePublished || len(parts) < story.NumWriters || !allReady(parts) {
		return false, nil
	}

	content := Assemble(story.Content, parts, l.opts.Separator)
	if err := tx.SetContent(ctx, content); err != nil {
		return false, err
	}
	if err := transition(ctx, tx, store.StagePublished); err != nil {
		return false, err
	}

	authors := make([]string, len(parts))
	for i, p := range parts {
		authors[i] = p.UserID
	}
	if err := tx.AddStoriesPublished(ctx, authors); err != nil {
		return false, err
	}
	return true, nil
}
