package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bookroom/api/internal/events"
	"bookroom/api/internal/gitrepo"
	"bookroom/api/internal/lifecycle"
	"bookroom/api/internal/search"
	"bookroom/api/internal/store"
)

// hooks fans committed lifecycle changes out to events, rankings, the search
// index and the manuscript history. Failures are logged and never returned.
type hooks struct {
	svc *Service
}

var _ lifecycle.Listener = (*hooks)(nil)

func (h *hooks) StoryCreated(ctx context.Context, story store.Story) {
	h.svc.logger.Info("story created", zap.String("story_id", story.ID), zap.Int("num_writers", story.NumWriters))
}

func (h *hooks) StoryJoined(ctx context.Context, story store.Story, p store.Participation) {
	h.publish(ctx, events.Event{
		Type:    events.StoryJoined,
		StoryID: story.ID,
		Title:   story.Title,
		UserIDs: []string{p.UserID},
	})
}

func (h *hooks) FragmentReady(ctx context.Context, story store.Story, p store.Participation, words int) {
	if h.svc.ranking == nil || words == 0 {
		return
	}
	if err := h.svc.ranking.AddWords(ctx, p.UserID, words); err != nil {
		h.svc.logger.Warn("leaderboard add words", zap.String("user_id", p.UserID), zap.Error(err))
	}
}

func (h *hooks) StoryPublished(ctx context.Context, story store.Story, parts []store.Participation) {
	userIDs := make([]string, 0, len(parts))
	for _, p := range parts {
		userIDs = append(userIDs, p.UserID)
	}

	if h.svc.ranking != nil {
		if err := h.svc.ranking.AddPublished(ctx, userIDs); err != nil {
			h.svc.logger.Warn("leaderboard add published", zap.String("story_id", story.ID), zap.Error(err))
		}
	}
	if h.svc.git != nil {
		if err := h.svc.git.EnsureStoryRepo(story.ID, manuscriptOf(story, parts), lastAuthor(parts)); err != nil {
			h.svc.logger.Warn("create manuscript repo", zap.String("story_id", story.ID), zap.Error(err))
		}
	}
	if h.svc.search != nil {
		h.svc.search.IndexStory(recordOf(story, parts))
	}
	h.publish(ctx, events.Event{
		Type:    events.StoryPublished,
		StoryID: story.ID,
		Title:   story.Title,
		UserIDs: userIDs,
	})
}

func (h *hooks) StoryEdited(ctx context.Context, story store.Story, actor lifecycle.Actor) {
	if story.Stage != store.StagePublished {
		return
	}
	parts, err := h.svc.store.ListParticipations(ctx, story.ID)
	if err != nil {
		h.svc.logger.Warn("list participations after edit", zap.String("story_id", story.ID), zap.Error(err))
		return
	}
	if h.svc.git != nil {
		author := actor.UserID
		if user, err := h.svc.store.GetUserByID(ctx, actor.UserID); err == nil {
			author = user.DisplayName
		}
		if _, err := h.svc.git.CommitManuscript(story.ID, manuscriptOf(story, parts), author, "Edit story"); err != nil {
			h.svc.logger.Warn("commit manuscript", zap.String("story_id", story.ID), zap.Error(err))
		}
	}
	if h.svc.search != nil {
		h.svc.search.IndexStory(recordOf(story, parts))
	}
}

func (h *hooks) StoryDeleted(ctx context.Context, storyID string) {
	if h.svc.search != nil {
		h.svc.search.DeleteStory(storyID)
	}
	if h.svc.git != nil {
		if err := h.svc.git.Remove(storyID); err != nil {
			h.svc.logger.Warn("remove manuscript repo", zap.String("story_id", storyID), zap.Error(err))
		}
	}
	h.publish(ctx, events.Event{Type: events.StoryDeleted, StoryID: storyID})
}

func (h *hooks) publish(ctx context.Context, evt events.Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if err := h.svc.events.Publish(ctx, evt); err != nil {
		h.svc.logger.Warn("publish event", zap.String("type", evt.Type), zap.String("story_id", evt.StoryID), zap.Error(err))
	}
}

func authorNames(parts []store.Participation) []string {
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		names = append(names, p.AuthorName)
	}
	return names
}

// lastAuthor signs the publication commit with the writer whose readiness
// completed the story.
func lastAuthor(parts []store.Participation) string {
	var last store.Participation
	for _, p := range parts {
		if p.UpdatedAt.After(last.UpdatedAt) || last.UserID == "" {
			last = p
		}
	}
	if last.AuthorName != "" {
		return last.AuthorName
	}
	return last.UserID
}

func manuscriptOf(story store.Story, parts []store.Participation) gitrepo.Manuscript {
	return gitrepo.Manuscript{
		Title:       story.Title,
		Description: story.Description,
		Language:    story.Language,
		Genre:       story.Genre,
		Authors:     authorNames(parts),
		Content:     story.Content,
	}
}

func recordOf(story store.Story, parts []store.Participation) search.StoryRecord {
	return search.StoryRecord{
		ID:          story.ID,
		Title:       story.Title,
		Description: story.Description,
		Content:     story.Content,
		Language:    story.Language,
		Genre:       story.Genre,
		Authors:     authorNames(parts),
	}
}
