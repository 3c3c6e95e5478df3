package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"bookroom/api/internal/export"
	"bookroom/api/internal/gitrepo"
	"bookroom/api/internal/lifecycle"
	"bookroom/api/internal/store"
	"bookroom/api/internal/util"
)

type CreateStoryInput struct {
	Title       string `json:"title" validate:"required,min=3,max=100"`
	Description string `json:"description" validate:"required,min=10,max=2000"`
	Content     string `json:"content" validate:"max=50000"`
	NumWriters  int    `json:"numWriters" validate:"required,min=1,max=4"`
	Language    string `json:"language" validate:"required,oneof=en ru de ja es"`
	Genre       string `json:"genre" validate:"omitempty,oneof=fantasia ciencia_ficcion terror romance misterio thriller historico aventura poesia humor"`
}

// UpdateStoryInput is a partial update; nil fields keep their value.
type UpdateStoryInput struct {
	Title       *string `json:"title" validate:"omitnil,min=3,max=100"`
	Description *string `json:"description" validate:"omitnil,min=10,max=2000"`
	Language    *string `json:"language" validate:"omitnil,oneof=en ru de ja es"`
	// Genre may be cleared with "", so it is checked after dereferencing.
	Genre       *string `json:"genre"`
}

const genreRule = "omitempty,oneof=fantasia ciencia_ficcion terror romance misterio thriller historico aventura poesia humor"

type FragmentInput struct {
	Text string `json:"text" validate:"max=50000"`
}

type FinalEditInput struct {
	Content string `json:"content" validate:"required"`
}

type VoteInput struct {
	Score int `json:"score" validate:"required,min=1,max=5"`
}

type CommentInput struct {
	Body string `json:"body" validate:"required,max=2000"`
}

// StoryListInput carries the query filters of the published story list.
type StoryListInput struct {
	Query      string
	Language   string
	Genre      string
	AuthorID   string
	Writers    int
	MinWriters int
	MaxWriters int
	Limit      int
}

type option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

var languageOptions = []option{
	{Value: "en", Label: "English"},
	{Value: "ru", Label: "Russian"},
	{Value: "de", Label: "German"},
	{Value: "ja", Label: "Japanese"},
	{Value: "es", Label: "Spanish"},
}

var genreOptions = []option{
	{Value: "fantasia", Label: "Fantasy"},
	{Value: "ciencia_ficcion", Label: "Science fiction"},
	{Value: "terror", Label: "Horror"},
	{Value: "romance", Label: "Romance"},
	{Value: "misterio", Label: "Mystery"},
	{Value: "thriller", Label: "Thriller"},
	{Value: "historico", Label: "Historical"},
	{Value: "aventura", Label: "Adventure"},
	{Value: "poesia", Label: "Poetry"},
	{Value: "humor", Label: "Humor"},
}

func (s *Service) Options() map[string]any {
	return map[string]any{
		"languages":  languageOptions,
		"genres":     genreOptions,
		"maxWriters": lifecycle.MaxWriters,
	}
}

func (s *Service) CreateStory(ctx context.Context, session Session, in CreateStoryInput) (map[string]any, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if strings.TrimSpace(in.Language) == "" {
		in.Language = "en"
	}
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	res, err := s.ledger.CreateStory(ctx, session.Actor(), lifecycle.NewStory{
		Title:       in.Title,
		Description: in.Description,
		Content:     in.Content,
		NumWriters:  in.NumWriters,
		Language:    in.Language,
		Genre:       in.Genre,
	})
	if err != nil {
		return nil, err
	}
	parts, err := s.ledger.ListParticipations(ctx, res.Story.ID)
	if err != nil {
		return nil, err
	}
	p := res.Participation
	p.AuthorName = session.UserName
	payload := storyPayload(res.Story, parts)
	payload["participation"] = participationPayload(p, true)
	return payload, nil
}

func (s *Service) ListPublished(ctx context.Context, in StoryListInput) (map[string]any, error) {
	return s.listStories(ctx, store.StoryFilter{
		Stage:      store.StagePublished,
		Query:      in.Query,
		Language:   in.Language,
		Genre:      in.Genre,
		AuthorID:   in.AuthorID,
		Writers:    in.Writers,
		MinWriters: in.MinWriters,
		MaxWriters: in.MaxWriters,
		Limit:      in.Limit,
	}, "")
}

// ListAvailable returns stories still gathering writers that the caller has
// not joined yet.
func (s *Service) ListAvailable(ctx context.Context, session Session) (map[string]any, error) {
	return s.listStories(ctx, store.StoryFilter{Stage: store.StageCreation, OpenSlots: true}, session.UserID)
}

func (s *Service) ListMine(ctx context.Context, session Session) (map[string]any, error) {
	return s.listStories(ctx, store.StoryFilter{AuthorID: session.UserID}, "")
}

func (s *Service) listStories(ctx context.Context, filter store.StoryFilter, excludeAuthor string) (map[string]any, error) {
	items, err := s.store.ListStories(ctx, filter)
	if err != nil {
		return nil, err
	}
	stories := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if excludeAuthor != "" {
			if _, err := s.store.GetParticipation(ctx, item.ID, excludeAuthor); err == nil {
				continue
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("check participation: %w", err)
			}
		}
		stories = append(stories, summaryPayload(item))
	}
	return map[string]any{"stories": stories}, nil
}

func (s *Service) GetStory(ctx context.Context, session Session, storyID string) (map[string]any, error) {
	story, parts, err := s.visibleStory(ctx, session, storyID)
	if err != nil {
		return nil, err
	}
	payload := storyPayload(story, parts)
	for _, p := range parts {
		if p.UserID == session.UserID {
			payload["participation"] = participationPayload(p, true)
		}
	}
	return payload, nil
}

func (s *Service) visibleStory(ctx context.Context, session Session, storyID string) (store.Story, []store.Participation, error) {
	story, err := s.ledger.GetStory(ctx, storyID)
	if err != nil {
		return store.Story{}, nil, err
	}
	parts, err := s.ledger.ListParticipations(ctx, storyID)
	if err != nil {
		return store.Story{}, nil, err
	}
	if !lifecycle.CanView(session.Actor(), story, parts) {
		return store.Story{}, nil, lifecycle.ErrUnauthorized
	}
	return story, parts, nil
}

func (s *Service) UpdateStory(ctx context.Context, session Session, storyID string, in UpdateStoryInput) (map[string]any, error) {
	in.Title = trimmed(in.Title)
	in.Description = trimmed(in.Description)
	in.Language = trimmed(in.Language)
	in.Genre = trimmed(in.Genre)

	fields, err := s.fieldErrors(s.validate.Struct(in))
	if err != nil {
		return nil, err
	}
	if in.Genre != nil {
		genreFields, err := s.fieldErrors(s.validate.Var(*in.Genre, genreRule))
		if err != nil {
			return nil, err
		}
		if tag, ok := genreFields[""]; ok {
			fields["genre"] = tag
		}
	}
	if len(fields) > 0 {
		return nil, invalidFields(fields)
	}

	story, err := s.ledger.UpdateDetails(ctx, session.Actor(), storyID, lifecycle.DetailsPatch{
		Title:       in.Title,
		Description: in.Description,
		Language:    in.Language,
		Genre:       in.Genre,
	})
	if err != nil {
		return nil, err
	}
	parts, err := s.ledger.ListParticipations(ctx, storyID)
	if err != nil {
		return nil, err
	}
	return storyPayload(story, parts), nil
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	return &v
}

func (s *Service) DeleteStory(ctx context.Context, session Session, storyID string) error {
	return s.ledger.DeleteStory(ctx, session.Actor(), storyID)
}

func (s *Service) FinalEdit(ctx context.Context, session Session, storyID string, in FinalEditInput) (map[string]any, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	story, err := s.ledger.FinalEdit(ctx, session.Actor(), storyID, in.Content)
	if err != nil {
		return nil, err
	}
	parts, err := s.ledger.ListParticipations(ctx, storyID)
	if err != nil {
		return nil, err
	}
	return storyPayload(story, parts), nil
}

// Join returns created=false when the caller already participated.
func (s *Service) Join(ctx context.Context, session Session, storyID string) (map[string]any, bool, error) {
	res, err := s.ledger.Join(ctx, storyID, session.UserID)
	if err != nil {
		return nil, false, err
	}
	p := res.Participation
	p.AuthorName = session.UserName
	payload := map[string]any{
		"story":         storySummary(res.Story),
		"participation": participationPayload(p, true),
		"alreadyJoined": res.AlreadyJoined,
		"published":     res.Published,
	}
	if res.AlreadyJoined {
		payload["notice"] = "You already joined this story"
	}
	return payload, !res.AlreadyJoined, nil
}

func (s *Service) GetFragment(ctx context.Context, session Session, storyID string) (map[string]any, error) {
	p, err := s.ledger.GetParticipation(ctx, storyID, session.UserID)
	if err != nil {
		return nil, err
	}
	return participationPayload(p, true), nil
}

func (s *Service) UpdateFragment(ctx context.Context, session Session, storyID string, in FragmentInput) (map[string]any, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	p, err := s.ledger.UpdateFragment(ctx, storyID, session.UserID, in.Text)
	if err != nil {
		return nil, err
	}
	return participationPayload(p, true), nil
}

func (s *Service) MarkReady(ctx context.Context, session Session, storyID string) (map[string]any, error) {
	res, err := s.ledger.MarkReady(ctx, storyID, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"story":         storySummary(res.Story),
		"participation": participationPayload(res.Participation, true),
		"alreadyReady":  res.AlreadyReady,
		"published":     res.Published,
		"words":         res.Words,
	}, nil
}

// Statistics recomputes the story's counters before returning them.
func (s *Service) Statistics(ctx context.Context, session Session, storyID string) (map[string]any, error) {
	if _, _, err := s.visibleStory(ctx, session, storyID); err != nil {
		return nil, err
	}
	stats, err := s.stats.Recompute(ctx, storyID)
	if err != nil {
		return nil, err
	}
	return statisticsPayload(stats), nil
}

func (s *Service) TopStatistics(ctx context.Context) (map[string]any, error) {
	items, err := s.store.TopStatistics(ctx, 10)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload := statisticsPayload(item.Statistics)
		payload["title"] = item.Title
		out = append(out, payload)
	}
	return map[string]any{"items": out}, nil
}

// Vote records the caller's score for a published story. created is false
// when an earlier vote was replaced.
func (s *Service) Vote(ctx context.Context, session Session, storyID string, in VoteInput) (map[string]any, bool, error) {
	if err := s.validateInput(in); err != nil {
		return nil, false, err
	}
	if err := s.requirePublished(ctx, storyID); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	created, err := s.store.UpsertVote(ctx, store.Vote{
		StoryID:   storyID,
		UserID:    session.UserID,
		Score:     in.Score,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, false, err
	}
	s.recompute(ctx, storyID)
	return map[string]any{"storyId": storyID, "score": in.Score, "created": created}, created, nil
}

func (s *Service) MyVote(ctx context.Context, session Session, storyID string) (map[string]any, error) {
	if _, err := s.ledger.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	vote, err := s.store.GetVote(ctx, storyID, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "VOTE_NOT_FOUND", "You have not voted on this story", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"storyId":   vote.StoryID,
		"score":     vote.Score,
		"createdAt": vote.CreatedAt,
		"updatedAt": vote.UpdatedAt,
	}, nil
}

func (s *Service) ListComments(ctx context.Context, session Session, storyID string) (map[string]any, error) {
	if _, _, err := s.visibleStory(ctx, session, storyID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, storyID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		items = append(items, commentPayload(c))
	}
	return map[string]any{"comments": items}, nil
}

func (s *Service) AddComment(ctx context.Context, session Session, storyID string, in CommentInput) (map[string]any, error) {
	in.Body = strings.TrimSpace(in.Body)
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	if err := s.requirePublished(ctx, storyID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	comment := store.Comment{
		ID:         util.NewID("cmt"),
		StoryID:    storyID,
		UserID:     session.UserID,
		AuthorName: session.UserName,
		Body:       in.Body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "COMMENT_EXISTS", "You already commented on this story", nil)
		}
		return nil, err
	}
	s.recompute(ctx, storyID)
	return commentPayload(comment), nil
}

func (s *Service) EditComment(ctx context.Context, session Session, storyID, commentID string, in CommentInput) (map[string]any, error) {
	in.Body = strings.TrimSpace(in.Body)
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	comment, err := s.ownedComment(ctx, session, storyID, commentID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateComment(ctx, comment.ID, in.Body); err != nil {
		return nil, err
	}
	comment.Body = in.Body
	comment.UpdatedAt = time.Now().UTC()
	return commentPayload(comment), nil
}

func (s *Service) RemoveComment(ctx context.Context, session Session, storyID, commentID string) error {
	comment, err := s.ownedComment(ctx, session, storyID, commentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteComment(ctx, comment.ID); err != nil {
		return err
	}
	s.recompute(ctx, storyID)
	return nil
}

// ownedComment loads a comment the caller wrote, or any comment for moderators.
func (s *Service) ownedComment(ctx context.Context, session Session, storyID, commentID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, storyID, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, domainError(http.StatusNotFound, "COMMENT_NOT_FOUND", "Comment not found", nil)
	}
	if err != nil {
		return store.Comment{}, err
	}
	if comment.UserID != session.UserID && !session.Actor().Privileged() {
		return store.Comment{}, lifecycle.ErrUnauthorized
	}
	return comment, nil
}

func (s *Service) History(ctx context.Context, session Session, storyID string) (map[string]any, error) {
	if _, _, err := s.visibleStory(ctx, session, storyID); err != nil {
		return nil, err
	}
	commits := []store.CommitInfo{}
	if s.git != nil {
		history, err := s.git.History(storyID, 50)
		if err != nil && !errors.Is(err, gitrepo.ErrNoRepository) {
			return nil, err
		}
		if err == nil {
			commits = history
		}
	}
	items := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		items = append(items, map[string]any{
			"hash":      c.Hash,
			"message":   c.Message,
			"author":    c.Author,
			"createdAt": c.CreatedAt,
		})
	}
	return map[string]any{"storyId": storyID, "commits": items}, nil
}

func (s *Service) Export(ctx context.Context, session Session, storyID, format, version string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	if _, _, err := s.visibleStory(ctx, session, storyID); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{
		StoryID: storyID,
		Version: version,
		Format:  export.Format(strings.ToLower(format)),
	})
}

func (s *Service) requirePublished(ctx context.Context, storyID string) error {
	story, err := s.ledger.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if story.Stage != store.StagePublished {
		return lifecycle.ErrStoryNotPublished
	}
	return nil
}

func (s *Service) recompute(ctx context.Context, storyID string) {
	if _, err := s.stats.Recompute(ctx, storyID); err != nil {
		s.logger.Warn("recompute statistics", zap.String("story_id", storyID), zap.Error(err))
	}
}

func storySummary(story store.Story) map[string]any {
	return map[string]any{
		"id":          story.ID,
		"title":       story.Title,
		"description": story.Description,
		"numWriters":  story.NumWriters,
		"language":    story.Language,
		"genre":       story.Genre,
		"stage":       story.Stage,
		"createdAt":   story.CreatedAt,
		"updatedAt":   story.UpdatedAt,
	}
}

func summaryPayload(item store.StorySummary) map[string]any {
	payload := storySummary(item.Story)
	payload["collaborators"] = item.Collaborators
	return payload
}

func storyPayload(story store.Story, parts []store.Participation) map[string]any {
	payload := storySummary(story)
	payload["content"] = story.Content
	payload["collaborators"] = len(parts)
	authors := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		authors = append(authors, participationPayload(p, false))
	}
	payload["authors"] = authors
	return payload
}

// participationPayload hides the fragment unless the viewer owns it.
func participationPayload(p store.Participation, withFragment bool) map[string]any {
	payload := map[string]any{
		"userId":    p.UserID,
		"userName":  p.AuthorName,
		"position":  p.Position,
		"ready":     p.Ready,
		"joinedAt":  p.JoinedAt,
		"updatedAt": p.UpdatedAt,
	}
	if withFragment {
		payload["fragment"] = p.Fragment
		payload["words"] = lifecycle.WordCount(p.Fragment)
	}
	return payload
}

func statisticsPayload(stats store.Statistics) map[string]any {
	return map[string]any{
		"storyId":        stats.StoryID,
		"collaborators":  stats.Collaborators,
		"comments":       stats.Comments,
		"averageRating":  stats.AverageRating,
		"totalWords":     stats.TotalWords,
		"writingSeconds": stats.WritingSeconds,
		"updatedAt":      stats.UpdatedAt,
	}
}

func commentPayload(c store.Comment) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"storyId":   c.StoryID,
		"userId":    c.UserID,
		"userName":  c.AuthorName,
		"body":      c.Body,
		"createdAt": c.CreatedAt,
		"updatedAt": c.UpdatedAt,
	}
}
