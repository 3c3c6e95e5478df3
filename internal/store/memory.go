package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Each story has its own mutex so
// WithStoryLock serializes work per story the same way FOR UPDATE does.
type MemoryStore struct {
	mu             sync.RWMutex
	users          map[string]User
	stories        map[string]Story
	participations map[string][]Participation
	stats          map[string]Statistics
	votes          map[string]map[string]Vote
	comments       map[string]Comment
	refresh        map[string]memoryRefresh
	revoked        map[string]time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type memoryRefresh struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:          make(map[string]User),
		stories:        make(map[string]Story),
		participations: make(map[string][]Participation),
		stats:          make(map[string]Statistics),
		votes:          make(map[string]map[string]Vote),
		comments:       make(map[string]Comment),
		refresh:        make(map[string]memoryRefresh),
		revoked:        make(map[string]time.Time),
		locks:          make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) storyLock(storyID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[storyID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[storyID] = lock
	return lock
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user.Email = strings.ToLower(user.Email)
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return fmt.Errorf("insert user: %w", ErrConflict)
		}
	}
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("insert user: %w", ErrConflict)
	}
	if user.Role == "" {
		user.Role = "client"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(email)
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (s *MemoryStore) TopUsers(_ context.Context, by RankBy, limit int) ([]User, error) {
	s.mu.RLock()
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	s.mu.RUnlock()

	score := func(u User) int { return u.TotalWordsWritten }
	if by == RankByStories {
		score = func(u User) int { return u.TotalStoriesPublished }
	}
	sort.Slice(users, func(i, j int) bool {
		if score(users[i]) != score(users[j]) {
			return score(users[i]) > score(users[j])
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	if limit <= 0 {
		limit = 10
	}
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = memoryRefresh{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.refresh[tokenHash]; ok {
		record.revoked = true
		s.refresh[tokenHash] = record
	}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.refresh[tokenHash]
	if !ok || record.revoked || !record.expiresAt.After(time.Now()) {
		return User{}, sql.ErrNoRows
	}
	user, ok := s.users[record.userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = exp
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *MemoryStore) GetStory(_ context.Context, storyID string) (Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, ok := s.stories[storyID]
	if !ok {
		return Story{}, sql.ErrNoRows
	}
	return story, nil
}

func (s *MemoryStore) CreateStory(ctx context.Context, story Story, fn func(StoryTx) error) error {
	lock := s.storyLock(story.ID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	_, exists := s.stories[story.ID]
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("insert story: %w", ErrConflict)
	}

	now := time.Now()
	story.Stage = StageCreation
	story.CreatedAt = now
	story.UpdatedAt = now
	tx := &memoryStoryTx{store: s, story: story, counters: counterDeltas{}, created: true}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) WithStoryLock(ctx context.Context, storyID string, fn func(StoryTx) error) error {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	story, ok := s.stories[storyID]
	parts := append([]Participation(nil), s.participations[storyID]...)
	s.mu.RUnlock()
	if !ok {
		return sql.ErrNoRows
	}

	tx := &memoryStoryTx{store: s, story: story, parts: parts, counters: counterDeltas{}}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memoryStoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tx.story.ID
	if tx.deleted {
		delete(s.stories, id)
		delete(s.participations, id)
		delete(s.stats, id)
		delete(s.votes, id)
		for commentID, comment := range s.comments {
			if comment.StoryID == id {
				delete(s.comments, commentID)
			}
		}
		s.lockMu.Lock()
		delete(s.locks, id)
		s.lockMu.Unlock()
		return
	}

	s.stories[id] = tx.story
	s.participations[id] = tx.parts
	if tx.created {
		s.stats[id] = Statistics{StoryID: id, UpdatedAt: tx.story.CreatedAt}
	}
	for _, d := range tx.counters.sorted() {
		if user, ok := s.users[d.UserID]; ok {
			user.TotalWordsWritten += d.Words
			user.TotalStoriesPublished += d.Published
			s.users[d.UserID] = user
		}
	}
}

func (s *MemoryStore) ListStories(_ context.Context, filter StoryFilter) ([]StorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	items := make([]StorySummary, 0)
	for id, story := range s.stories {
		parts := s.participations[id]
		switch {
		case filter.Stage != "" && story.Stage != filter.Stage:
			continue
		case query != "" && !strings.Contains(strings.ToLower(story.Title), query) && !strings.Contains(strings.ToLower(story.Description), query):
			continue
		case filter.Language != "" && story.Language != filter.Language:
			continue
		case filter.Genre != "" && story.Genre != filter.Genre:
			continue
		case filter.Writers > 0 && story.NumWriters != filter.Writers:
			continue
		case filter.MinWriters > 0 && story.NumWriters < filter.MinWriters:
			continue
		case filter.MaxWriters > 0 && story.NumWriters > filter.MaxWriters:
			continue
		case filter.OpenSlots && len(parts) >= story.NumWriters:
			continue
		case filter.AuthorID != "" && !hasParticipant(parts, filter.AuthorID):
			continue
		}
		items = append(items, StorySummary{Story: story, Collaborators: len(parts)})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func hasParticipant(parts []Participation, userID string) bool {
	for _, p := range parts {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListParticipations(_ context.Context, storyID string) ([]Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.withAuthorNames(s.participations[storyID]), nil
}

func (s *MemoryStore) GetParticipation(_ context.Context, storyID, userID string) (Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participations[storyID] {
		if p.UserID == userID {
			p.AuthorName = s.users[p.UserID].DisplayName
			return p, nil
		}
	}
	return Participation{}, sql.ErrNoRows
}

// withAuthorNames copies parts and fills AuthorName. Callers hold s.mu.
func (s *MemoryStore) withAuthorNames(parts []Participation) []Participation {
	out := make([]Participation, len(parts))
	for i, p := range parts {
		p.AuthorName = s.users[p.UserID].DisplayName
		out[i] = p
	}
	return out
}

func (s *MemoryStore) UpsertVote(_ context.Context, vote Vote) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[vote.StoryID]; !ok {
		return false, sql.ErrNoRows
	}
	byUser := s.votes[vote.StoryID]
	if byUser == nil {
		byUser = make(map[string]Vote)
		s.votes[vote.StoryID] = byUser
	}
	now := time.Now()
	existing, ok := byUser[vote.UserID]
	if ok {
		existing.Score = vote.Score
		existing.UpdatedAt = now
		byUser[vote.UserID] = existing
		return false, nil
	}
	vote.CreatedAt = now
	vote.UpdatedAt = now
	byUser[vote.UserID] = vote
	return true, nil
}

func (s *MemoryStore) GetVote(_ context.Context, storyID, userID string) (Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vote, ok := s.votes[storyID][userID]
	if !ok {
		return Vote{}, sql.ErrNoRows
	}
	return vote, nil
}

func (s *MemoryStore) AverageVote(_ context.Context, storyID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser := s.votes[storyID]
	if len(byUser) == 0 {
		return 0, nil
	}
	total := 0
	for _, vote := range byUser {
		total += vote.Score
	}
	return float64(total) / float64(len(byUser)), nil
}

func (s *MemoryStore) InsertComment(_ context.Context, comment Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[comment.StoryID]; !ok {
		return sql.ErrNoRows
	}
	for _, existing := range s.comments {
		if existing.StoryID == comment.StoryID && existing.UserID == comment.UserID {
			return fmt.Errorf("insert comment: %w", ErrConflict)
		}
	}
	now := time.Now()
	comment.CreatedAt = now
	comment.UpdatedAt = now
	s.comments[comment.ID] = comment
	return nil
}

func (s *MemoryStore) GetComment(_ context.Context, storyID, commentID string) (Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	comment, ok := s.comments[commentID]
	if !ok || comment.StoryID != storyID {
		return Comment{}, sql.ErrNoRows
	}
	comment.AuthorName = s.users[comment.UserID].DisplayName
	return comment, nil
}

func (s *MemoryStore) ListComments(_ context.Context, storyID string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Comment, 0)
	for _, comment := range s.comments {
		if comment.StoryID == storyID {
			comment.AuthorName = s.users[comment.UserID].DisplayName
			items = append(items, comment)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) UpdateComment(_ context.Context, commentID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	comment, ok := s.comments[commentID]
	if !ok {
		return sql.ErrNoRows
	}
	comment.Body = body
	comment.UpdatedAt = time.Now()
	s.comments[commentID] = comment
	return nil
}

func (s *MemoryStore) DeleteComment(_ context.Context, commentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.comments, commentID)
	return nil
}

func (s *MemoryStore) CountComments(_ context.Context, storyID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, comment := range s.comments {
		if comment.StoryID == storyID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SaveStatistics(_ context.Context, stats Statistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[stats.StoryID]; !ok {
		return nil
	}
	stats.UpdatedAt = time.Now()
	s.stats[stats.StoryID] = stats
	return nil
}

func (s *MemoryStore) GetStatistics(_ context.Context, storyID string) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.stats[storyID]
	if !ok {
		return Statistics{}, sql.ErrNoRows
	}
	return stats, nil
}

func (s *MemoryStore) TopStatistics(_ context.Context, limit int) ([]RankedStatistics, error) {
	s.mu.RLock()
	items := make([]RankedStatistics, 0)
	for id, stats := range s.stats {
		story, ok := s.stories[id]
		if !ok || story.Stage != StagePublished {
			continue
		}
		items = append(items, RankedStatistics{Statistics: stats, Title: story.Title})
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].AverageRating != items[j].AverageRating {
			return items[i].AverageRating > items[j].AverageRating
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if limit <= 0 {
		limit = 10
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

type memoryStoryTx struct {
	store    *MemoryStore
	story    Story
	parts    []Participation
	counters counterDeltas
	created  bool
	deleted  bool
}

func (t *memoryStoryTx) Story() Story {
	return t.story
}

func (t *memoryStoryTx) Participations(context.Context) ([]Participation, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.withAuthorNames(t.parts), nil
}

func (t *memoryStoryTx) InsertParticipation(_ context.Context, p Participation) error {
	for _, existing := range t.parts {
		if existing.UserID == p.UserID || existing.Position == p.Position {
			return fmt.Errorf("insert participation: %w", ErrConflict)
		}
	}
	p.StoryID = t.story.ID
	p.UpdatedAt = p.JoinedAt
	p.AuthorName = ""
	t.parts = append(t.parts, p)
	sort.Slice(t.parts, func(i, j int) bool { return t.parts[i].Position < t.parts[j].Position })
	return nil
}

func (t *memoryStoryTx) UpdateParticipation(_ context.Context, p Participation) error {
	for i, existing := range t.parts {
		if existing.UserID == p.UserID {
			existing.Fragment = p.Fragment
			existing.Ready = p.Ready
			existing.UpdatedAt = p.UpdatedAt
			t.parts[i] = existing
			return nil
		}
	}
	return sql.ErrNoRows
}

func (t *memoryStoryTx) SetStage(_ context.Context, stage Stage) error {
	t.story.Stage = stage
	t.story.UpdatedAt = time.Now()
	return nil
}

func (t *memoryStoryTx) SetContent(_ context.Context, content string) error {
	t.story.Content = content
	t.story.UpdatedAt = time.Now()
	return nil
}

func (t *memoryStoryTx) UpdateDetails(_ context.Context, title, description, language, genre string) error {
	t.story.Title = title
	t.story.Description = description
	t.story.Language = language
	t.story.Genre = genre
	t.story.UpdatedAt = time.Now()
	return nil
}

func (t *memoryStoryTx) AddWordsWritten(_ context.Context, userID string, words int) error {
	t.counters.addWords(userID, words)
	return nil
}

func (t *memoryStoryTx) AddStoriesPublished(_ context.Context, userIDs []string) error {
	t.counters.addPublished(userIDs)
	return nil
}

func (t *memoryStoryTx) Delete(context.Context) error {
	t.deleted = true
	return nil
}
