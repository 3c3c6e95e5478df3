package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"bookroom/api/internal/gitrepo"
	"bookroom/api/internal/store"
)

// DataStore is the read side the exporter needs.
type DataStore interface {
	GetStory(ctx context.Context, storyID string) (store.Story, error)
	ListParticipations(ctx context.Context, storyID string) ([]store.Participation, error)
}

// ManuscriptSource returns older revisions of a published story.
type ManuscriptSource interface {
	ManuscriptAt(storyID, hash string) (gitrepo.Manuscript, error)
}

// Archiver stores an exported file and returns a download URL.
type Archiver interface {
	Archive(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	store       DataStore
	manuscripts ManuscriptSource
	archiver    Archiver
	logger      *zap.Logger
	renderers   map[Format]renderFunc
}

// NewService creates an exporter. manuscripts and archiver may be nil.
func NewService(st DataStore, manuscripts ManuscriptSource, archiver Archiver, logger *zap.Logger) *Service {
	return &Service{
		store:       st,
		manuscripts: manuscripts,
		archiver:    archiver,
		logger:      logger.Named("export"),
		renderers: map[Format]renderFunc{
			FormatPDF:  exportPDF,
			FormatDOCX: exportDOCX,
		},
	}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	render, ok := s.renderers[req.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	data, err := s.templateData(ctx, req)
	if err != nil {
		return nil, err
	}
	html, err := RenderStoryHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	result, err := render(ctx, html, data.Title)
	if err != nil {
		return nil, err
	}

	if s.archiver != nil {
		key := fmt.Sprintf("%s/%s-%s", req.StoryID, time.Now().UTC().Format("20060102T150405Z"), result.Filename)
		url, err := s.archiver.Archive(ctx, key, result.MimeType, result.Data)
		if err != nil {
			s.logger.Warn("archive export", zap.String("story_id", req.StoryID), zap.Error(err))
		} else {
			result.DownloadURL = url
		}
	}
	return result, nil
}

func (s *Service) templateData(ctx context.Context, req Request) (TemplateData, error) {
	story, err := s.store.GetStory(ctx, req.StoryID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("get story: %w", err)
	}
	if story.Stage != store.StagePublished {
		return TemplateData{}, ErrNotPublished
	}
	parts, err := s.store.ListParticipations(ctx, req.StoryID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("list participations: %w", err)
	}

	data := TemplateData{
		Title:       story.Title,
		Description: story.Description,
		Language:    story.Language,
		Genre:       story.Genre,
		Authors:     make([]string, 0, len(parts)),
		Paragraphs:  Paragraphs(story.Content),
		PublishedAt: story.UpdatedAt,
	}
	for _, p := range parts {
		data.Authors = append(data.Authors, p.AuthorName)
	}

	if req.Version == "" || req.Version == "latest" {
		return data, nil
	}
	if s.manuscripts == nil {
		return TemplateData{}, ErrContentUnavailable
	}
	m, err := s.manuscripts.ManuscriptAt(req.StoryID, req.Version)
	if errors.Is(err, gitrepo.ErrNoRepository) {
		return TemplateData{}, ErrContentUnavailable
	}
	if err != nil {
		return TemplateData{}, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}
	data.Title = m.Title
	data.Description = m.Description
	data.Authors = m.Authors
	data.Paragraphs = Paragraphs(m.Content)
	return data, nil
}

// Paragraphs splits plain text on blank lines, dropping empty blocks.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	blocks := strings.Split(text, "\n\n")
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
