package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bookroom/api/internal/store"
	"bookroom/api/internal/util"
)

// MaxWriters bounds num_writers on creation.
const MaxWriters = 4

// Store is the persistence the ledger needs. Every mutation goes through a
// story-scoped unit of work.
type Store interface {
	CreateStory(ctx context.Context, story store.Story, fn func(store.StoryTx) error) error
	WithStoryLock(ctx context.Context, storyID string, fn func(store.StoryTx) error) error
	GetStory(ctx context.Context, storyID string) (store.Story, error)
	ListParticipations(ctx context.Context, storyID string) ([]store.Participation, error)
	GetParticipation(ctx context.Context, storyID, userID string) (store.Participation, error)
}

// Listener observes committed lifecycle changes. Calls happen after the story
// lock is released and must not fail the originating request.
type Listener interface {
	StoryCreated(ctx context.Context, story store.Story)
	StoryJoined(ctx context.Context, story store.Story, p store.Participation)
	FragmentReady(ctx context.Context, story store.Story, p store.Participation, words int)
	StoryPublished(ctx context.Context, story store.Story, parts []store.Participation)
	StoryEdited(ctx context.Context, story store.Story, actor Actor)
	StoryDeleted(ctx context.Context, storyID string)
}

type NopListener struct{}

func (NopListener) StoryCreated(context.Context, store.Story)                            {}
func (NopListener) StoryJoined(context.Context, store.Story, store.Participation)        {}
func (NopListener) FragmentReady(context.Context, store.Story, store.Participation, int) {}
func (NopListener) StoryPublished(context.Context, store.Story, []store.Participation)   {}
func (NopListener) StoryEdited(context.Context, store.Story, Actor)                      {}
func (NopListener) StoryDeleted(context.Context, string)                                 {}

type Options struct {
	// Separator is inserted between fragments on publication.
	Separator          string
	LockReadyFragments bool
	Listener           Listener
	Stats              *Aggregator
	Logger             *zap.Logger
	Now                func() time.Time
}

type Ledger struct {
	store Store
	opts  Options
	log   *zap.Logger
}

func NewLedger(st Store, opts Options) *Ledger {
	if opts.Listener == nil {
		opts.Listener = NopListener{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: st, opts: opts, log: log.Named("lifecycle")}
}

type JoinResult struct {
	Story         store.Story
	Participation store.Participation
	// AlreadyJoined is set when the user was a participant before this call.
	AlreadyJoined bool
	Published     bool
}

type ReadyResult struct {
	Story         store.Story
	Participation store.Participation
	AlreadyReady  bool
	Published     bool
	Words         int
}

type NewStory struct {
	Title       string
	Description string
	Content     string
	NumWriters  int
	Language    string
	Genre       string
}

// CreateStory inserts a story and joins its creator at position 1 in the same
// unit of work.
func (l *Ledger) CreateStory(ctx context.Context, actor Actor, in NewStory) (JoinResult, error) {
	if in.NumWriters < 1 || in.NumWriters > MaxWriters {
		return JoinResult{}, ErrInvalidWriters
	}
	story := store.Story{
		ID:          util.NewID("story"),
		Title:       in.Title,
		Description: in.Description,
		Content:     in.Content,
		NumWriters:  in.NumWriters,
		Language:    in.Language,
		Genre:       in.Genre,
		Stage:       store.StageCreation,
	}

	var res JoinResult
	err := l.store.CreateStory(ctx, story, func(tx store.StoryTx) error {
		var err error
		res, err = l.join(ctx, tx, actor.UserID)
		return err
	})
	if err != nil {
		return JoinResult{}, fmt.Errorf("create story: %w", err)
	}

	joinsTotal.Inc()
	l.opts.Listener.StoryCreated(ctx, res.Story)
	l.afterJoin(ctx, res)
	return res, nil
}

// Join adds the user as the next writer of a story in CREATION.
func (l *Ledger) Join(ctx context.Context, storyID, userID string) (JoinResult, error) {
	var res JoinResult
	err := l.store.WithStoryLock(ctx, storyID, func(tx store.StoryTx) error {
		var err error
		res, err = l.join(ctx, tx, userID)
		return err
	})
	if err != nil {
		err = notFound(err, ErrStoryNotFound)
		joinRejections.WithLabelValues(rejectionReason(err)).Inc()
		return JoinResult{}, err
	}
	if res.AlreadyJoined {
		return res, nil
	}

	joinsTotal.Inc()
	l.afterJoin(ctx, res)
	return res, nil
}

func (l *Ledger) join(ctx context.Context, tx store.StoryTx, userID string) (JoinResult, error) {
	story := tx.Story()
	if story.Stage == store.StagePublished {
		return JoinResult{}, ErrStoryNotJoinable
	}
	parts, err := tx.Participations(ctx)
	if err != nil {
		return JoinResult{}, fmt.Errorf("list participations: %w", err)
	}
	for _, p := range parts {
		if p.UserID == userID {
			return JoinResult{Story: story, Participation: p, AlreadyJoined: true}, nil
		}
	}
	if len(parts) >= story.NumWriters {
		return JoinResult{}, ErrStoryFull
	}
	if story.Stage != store.StageCreation {
		return JoinResult{}, ErrStoryNotJoinable
	}

	now := l.opts.Now().UTC()
	p := store.Participation{
		ID:        util.NewID("part"),
		StoryID:   story.ID,
		UserID:    userID,
		Position:  len(parts) + 1,
		JoinedAt:  now,
		UpdatedAt: now,
	}
	if err := tx.InsertParticipation(ctx, p); err != nil {
		return JoinResult{}, fmt.Errorf("insert participation: %w", err)
	}
	parts = append(parts, p)

	if err := onParticipantJoined(ctx, tx, len(parts)); err != nil {
		return JoinResult{}, err
	}
	published, err := l.onReadinessChanged(ctx, tx, parts)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Story: tx.Story(), Participation: p, Published: published}, nil
}

func (l *Ledger) afterJoin(ctx context.Context, res JoinResult) {
	l.opts.Listener.StoryJoined(ctx, res.Story, res.Participation)
	if res.Published {
		l.published(ctx, res.Story)
	}
	l.recompute(ctx, res.Story.ID)
}

// UpdateFragment overwrites the caller's private fragment.
func (l *Ledger) UpdateFragment(ctx context.Context, storyID, userID, text string) (store.Participation, error) {
	var updated store.Participation
	err := l.store.WithStoryLock(ctx, storyID, func(tx store.StoryTx) error {
		p, err := participationOf(ctx, tx, userID)
		if err != nil {
			return err
		}
		if l.opts.LockReadyFragments && (p.Ready || tx.Story().Stage == store.StagePublished) {
			return ErrFragmentLocked
		}
		p.Fragment = text
		p.UpdatedAt = l.opts.Now().UTC()
		if err := tx.UpdateParticipation(ctx, p); err != nil {
			return fmt.Errorf("update participation: %w", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return store.Participation{}, notFound(err, ErrStoryNotFound)
	}
	return updated, nil
}

// MarkReady freezes the caller's fragment and publishes the story when every
// writer is ready. Repeated calls succeed without changing anything.
func (l *Ledger) MarkReady(ctx context.Context, storyID, userID string) (ReadyResult, error) {
	var res ReadyResult
	err := l.store.WithStoryLock(ctx, storyID, func(tx store.StoryTx) error {
		res = ReadyResult{}
		parts, err := tx.Participations(ctx)
		if err != nil {
			return fmt.Errorf("list participations: %w", err)
		}
		idx := indexOf(parts, userID)
		if idx < 0 {
			return ErrNotAParticipant
		}
		p := parts[idx]
		if p.Ready {
			res = ReadyResult{Story: tx.Story(), Participation: p, AlreadyReady: true}
			return nil
		}

		words := WordCount(p.Fragment)
		if err := tx.AddWordsWritten(ctx, userID, words); err != nil {
			return fmt.Errorf("add words written: %w", err)
		}
		p.Ready = true
		p.UpdatedAt = l.opts.Now().UTC()
		if err := tx.UpdateParticipation(ctx, p); err != nil {
			return fmt.Errorf("update participation: %w", err)
		}
		parts[idx] = p

		published, err := l.onReadinessChanged(ctx, tx, parts)
		if err != nil {
			return err
		}
		res = ReadyResult{Story: tx.Story(), Participation: p, Published: published, Words: words}
		return nil
	})
	if err != nil {
		return ReadyResult{}, notFound(err, ErrStoryNotFound)
	}
	if res.AlreadyReady {
		return res, nil
	}

	readyTotal.Inc()
	l.opts.Listener.FragmentReady(ctx, res.Story, res.Participation, res.Words)
	if res.Published {
		l.published(ctx, res.Story)
	}
	l.recompute(ctx, storyID)
	return res, nil
}

func (l *Ledger) published(ctx context.Context, story store.Story) {
	publishedTotal.Inc()
	parts, err := l.store.ListParticipations(ctx, story.ID)
	if err != nil {
		l.log.Warn("list participations after publish", zap.String("story_id", story.ID), zap.Error(err))
	}
	l.log.Info("story published", zap.String("story_id", story.ID), zap.Int("writers", len(parts)))
	l.opts.Listener.StoryPublished(ctx, story, parts)
}

// DetailsPatch is a partial metadata update; nil fields keep their value.
type DetailsPatch struct {
	Title       *string
	Description *string
	Language    *string
	Genre       *string
}

func (p DetailsPatch) apply(story store.Story) store.Story {
	if p.Title != nil {
		story.Title = *p.Title
	}
	if p.Description != nil {
		story.Description = *p.Description
	}
	if p.Language != nil {
		story.Language = *p.Language
	}
	if p.Genre != nil {
		story.Genre = *p.Genre
	}
	return story
}

// UpdateDetails changes story metadata. Collaborators may do it until the
// story is published; moderators and admins at any time. The patch is merged
// against the locked row.
func (l *Ledger) UpdateDetails(ctx context.Context, actor Actor, storyID string, patch DetailsPatch) (store.Story, error) {
	var updated store.Story
	err := l.store.WithStoryLock(ctx, storyID, func(tx store.StoryTx) error {
		parts, err := tx.Participations(ctx)
		if err != nil {
			return fmt.Errorf("list participations: %w", err)
		}
		if !CanModify(actor, parts) {
			return ErrUnauthorized
		}
		if tx.Story().Stage == store.StagePublished && !actor.Privileged() {
			return ErrStoryPublished
		}
		next := patch.apply(tx.Story())
		if err := tx.UpdateDetails(ctx, next.Title, next.Description, next.Language, next.Genre); err != nil {
			return fmt.Errorf("update story details: %w", err)
		}
		updated = tx.Story()
		return nil
	})
	if err != nil {
		return store.Story{}, notFound(err, ErrStoryNotFound)
	}
	l.opts.Listener.StoryEdited(ctx, updated, actor)
	return updated, nil
}

// FinalEdit replaces the assembled text of a published story.
func (l *Ledger) FinalEdit(ctx context.Context, actor Actor, storyID, content string) (store.Story, error) {
	if !actor.Privileged() {
		return store.Story{}, ErrUnauthorized
	}
	var updated store.Story
	err := l.store.WithStoryLock(ctx, storyID, func(tx store.StoryTx) error {
		if tx.Story().Stage != store.StagePublished {
			return ErrStoryNotPublished
		}
		if err := tx.SetContent(ctx, content); err != nil {
			return fmt.Errorf("set content: %w", err)
		}
		updated = tx.Story()
		return nil
	})
	if err != nil {
		return store.Story{}, notFound(err, ErrStoryNotFound)
	}
	l.opts.Listener.StoryEdited(ctx, updated, actor)
	l.recompute(ctx, storyID)
	return updated, nil
}

func (l *Ledger) DeleteStory(ctx context.Context, actor Actor, storyID string) error {
	err := l.store.WithStoryLock(ctx, storyID, func(tx store.StoryTx) error {
		parts, err := tx.Participations(ctx)
		if err != nil {
			return fmt.Errorf("list participations: %w", err)
		}
		if !CanDelete(actor, parts) {
			return ErrUnauthorized
		}
		return tx.Delete(ctx)
	})
	if err != nil {
		return notFound(err, ErrStoryNotFound)
	}
	l.log.Info("story deleted", zap.String("story_id", storyID), zap.String("by", actor.UserID))
	l.opts.Listener.StoryDeleted(ctx, storyID)
	return nil
}

func (l *Ledger) GetStory(ctx context.Context, storyID string) (store.Story, error) {
	story, err := l.store.GetStory(ctx, storyID)
	if err != nil {
		return store.Story{}, notFound(err, ErrStoryNotFound)
	}
	return story, nil
}

func (l *Ledger) GetParticipation(ctx context.Context, storyID, userID string) (store.Participation, error) {
	if _, err := l.GetStory(ctx, storyID); err != nil {
		return store.Participation{}, err
	}
	p, err := l.store.GetParticipation(ctx, storyID, userID)
	if err != nil {
		return store.Participation{}, notFound(err, ErrNotAParticipant)
	}
	return p, nil
}

func (l *Ledger) ListParticipations(ctx context.Context, storyID string) ([]store.Participation, error) {
	parts, err := l.store.ListParticipations(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	return parts, nil
}

func (l *Ledger) recompute(ctx context.Context, storyID string) {
	if l.opts.Stats == nil {
		return
	}
	if _, err := l.opts.Stats.Recompute(ctx, storyID); err != nil {
		l.log.Warn("recompute statistics", zap.String("story_id", storyID), zap.Error(err))
	}
}

func participationOf(ctx context.Context, tx store.StoryTx, userID string) (store.Participation, error) {
	parts, err := tx.Participations(ctx)
	if err != nil {
		return store.Participation{}, fmt.Errorf("list participations: %w", err)
	}
	idx := indexOf(parts, userID)
	if idx < 0 {
		return store.Participation{}, ErrNotAParticipant
	}
	return parts[idx], nil
}

func indexOf(parts []store.Participation, userID string) int {
	for i, p := range parts {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func notFound(err, target error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return target
	}
	return err
}
