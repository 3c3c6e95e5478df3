package search

import (
	"context"

	"go.uber.org/zap"
)

// RecordSource loads every indexable story.
type RecordSource interface {
	LoadAllRecords(ctx context.Context) ([]StoryRecord, error)
}

// Service tries Meilisearch first and falls back to the store.
type Service struct {
	meili    *Meili
	fallback Searcher
	source   RecordSource
	logger   *zap.Logger
}

// NewService creates a search service. meili and source may be nil.
func NewService(meili *Meili, fallback Searcher, source RecordSource, logger *zap.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, source: source, logger: logger.Named("search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexStory pushes a published story to Meilisearch without blocking.
func (s *Service) IndexStory(rec StoryRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexStory(rec); err != nil {
			s.logger.Warn("index story", zap.String("story_id", rec.ID), zap.Error(err))
		}
	}()
}

func (s *Service) DeleteStory(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteStory(id); err != nil {
			s.logger.Warn("delete story from index", zap.String("story_id", id), zap.Error(err))
		}
	}()
}

// ReindexAll copies every published story into Meilisearch. Called at startup.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.source == nil {
		return
	}
	records, err := s.source.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexStories(records); err != nil {
		s.logger.Warn("reindex stories", zap.Error(err))
		return
	}
	s.logger.Info("search index rebuilt", zap.Int("stories", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
