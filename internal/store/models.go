package store

import (
	"errors"
	"time"
)

type Stage string

const (
	StageCreation   Stage = "CREATION"
	StageInProgress Stage = "IN_PROGRESS"
	StagePublished  Stage = "PUBLISHED"
)

// ErrConflict is returned when a write collides with a uniqueness constraint.
var ErrConflict = errors.New("store: conflict")

type User struct {
	ID                    string    `db:"id"`
	DisplayName           string    `db:"display_name"`
	Email                 string    `db:"email"`
	PasswordHash          string    `db:"password_hash"`
	Role                  string    `db:"role"`
	TotalWordsWritten     int       `db:"total_words_written"`
	TotalStoriesPublished int       `db:"total_stories_published"`
	CreatedAt             time.Time `db:"created_at"`
}

type Story struct {
	ID          string    `db:"id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Content     string    `db:"content"`
	NumWriters  int       `db:"num_writers"`
	Language    string    `db:"language"`
	Genre       string    `db:"genre"`
	Stage       Stage     `db:"stage"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type Participation struct {
	ID         string    `db:"id"`
	StoryID    string    `db:"story_id"`
	UserID     string    `db:"user_id"`
	AuthorName string    `db:"author_name"`
	Position   int       `db:"position"`
	Fragment   string    `db:"fragment"`
	Ready      bool      `db:"ready"`
	JoinedAt   time.Time `db:"joined_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

type Statistics struct {
	StoryID        string    `db:"story_id"`
	Collaborators  int       `db:"collaborators"`
	Comments       int       `db:"comments"`
	AverageRating  float64   `db:"average_rating"`
	TotalWords     int       `db:"total_words"`
	WritingSeconds int64     `db:"writing_seconds"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// RankedStatistics pairs statistics with the story title for top lists.
type RankedStatistics struct {
	Statistics
	Title string `db:"title"`
}

type Vote struct {
	StoryID   string    `db:"story_id"`
	UserID    string    `db:"user_id"`
	Score     int       `db:"score"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type Comment struct {
	ID         string    `db:"id"`
	StoryID    string    `db:"story_id"`
	UserID     string    `db:"user_id"`
	AuthorName string    `db:"author_name"`
	Body       string    `db:"body"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// StoryFilter narrows ListStories. Zero values disable a criterion.
type StoryFilter struct {
	Stage      Stage
	Query      string
	Language   string
	Genre      string
	AuthorID   string
	Writers    int
	MinWriters int
	MaxWriters int
	// OpenSlots keeps only stories with fewer participations than num_writers.
	OpenSlots bool
	Limit     int
}

// StorySummary is a story row with its live collaborator count.
type StorySummary struct {
	Story
	Collaborators int `db:"collaborators"`
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type RankBy string

const (
	RankByWords   RankBy = "words"
	RankByStories RankBy = "stories"
)
