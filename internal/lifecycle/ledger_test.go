package lifecycle

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookroom/api/internal/rbac"
	"bookroom/api/internal/store"
)

type recordingListener struct {
	NopListener
	mu        sync.Mutex
	joined    []string
	published []string
	deleted   []string
}

func (r *recordingListener) StoryJoined(_ context.Context, _ store.Story, p store.Participation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, p.UserID)
}

func (r *recordingListener) StoryPublished(_ context.Context, story store.Story, _ []store.Participation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, story.ID)
}

func (r *recordingListener) StoryDeleted(_ context.Context, storyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, storyID)
}

func newTestLedger(t *testing.T, mutate ...func(*Options)) (*Ledger, *store.MemoryStore, *recordingListener) {
	t.Helper()
	st := store.NewMemoryStore()
	for _, id := range []string{"ana", "bea", "cai", "dan"} {
		require.NoError(t, st.CreateUser(context.Background(), store.User{ID: id, DisplayName: id, Email: id + "@example.com"}))
	}
	listener := &recordingListener{}
	opts := Options{LockReadyFragments: true, Listener: listener, Stats: NewAggregator(st)}
	for _, fn := range mutate {
		fn(&opts)
	}
	return NewLedger(st, opts), st, listener
}

func client(id string) Actor {
	return Actor{UserID: id, Role: rbac.RoleClient}
}

func createStory(t *testing.T, l *Ledger, creator string, writers int, seed string) store.Story {
	t.Helper()
	res, err := l.CreateStory(context.Background(), client(creator), NewStory{
		Title:       "The lighthouse",
		Description: "A story written by many hands",
		Content:     seed,
		NumWriters:  writers,
		Language:    "en",
		Genre:       "mystery",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Participation.Position)
	return res.Story
}

func TestTwoWriterStoryPublishesInJoinOrder(t *testing.T) {
	ctx := context.Background()
	l, st, listener := newTestLedger(t)

	story := createStory(t, l, "ana", 2, "")
	assert.Equal(t, store.StageCreation, story.Stage)

	res, err := l.Join(ctx, story.ID, "bea")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Participation.Position)
	assert.Equal(t, store.StageInProgress, res.Story.Stage)

	_, err = l.UpdateFragment(ctx, story.ID, "ana", "It was a dark night. ")
	require.NoError(t, err)
	_, err = l.UpdateFragment(ctx, story.ID, "bea", "The lamp went out.")
	require.NoError(t, err)

	ready, err := l.MarkReady(ctx, story.ID, "ana")
	require.NoError(t, err)
	assert.False(t, ready.Published)
	assert.Equal(t, store.StageInProgress, ready.Story.Stage)
	assert.Equal(t, 5, ready.Words)

	ready, err = l.MarkReady(ctx, story.ID, "bea")
	require.NoError(t, err)
	assert.True(t, ready.Published)
	assert.Equal(t, store.StagePublished, ready.Story.Stage)
	assert.Equal(t, "It was a dark night. The lamp went out.", ready.Story.Content)

	stored, err := l.GetStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, ready.Story.Content, stored.Content)

	ana, err := st.GetUserByID(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 5, ana.TotalWordsWritten)
	assert.Equal(t, 1, ana.TotalStoriesPublished)
	bea, err := st.GetUserByID(ctx, "bea")
	require.NoError(t, err)
	assert.Equal(t, 4, bea.TotalWordsWritten)
	assert.Equal(t, 1, bea.TotalStoriesPublished)

	stats, err := st.GetStatistics(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Collaborators)
	assert.Equal(t, 9, stats.TotalWords)

	assert.Equal(t, []string{"ana", "bea"}, listener.joined)
	assert.Equal(t, []string{story.ID}, listener.published)
}

func TestSingleWriterStoryPublishesOnReady(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	story := createStory(t, l, "ana", 1, "Prologue. ")
	assert.Equal(t, store.StageInProgress, story.Stage)

	_, err := l.UpdateFragment(ctx, story.ID, "ana", "Alone at sea.")
	require.NoError(t, err)
	res, err := l.MarkReady(ctx, story.ID, "ana")
	require.NoError(t, err)
	assert.True(t, res.Published)
	assert.Equal(t, "Prologue. Alone at sea.", res.Story.Content)
}

func TestJoinRejections(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	story := createStory(t, l, "ana", 2, "")
	_, err := l.Join(ctx, story.ID, "bea")
	require.NoError(t, err)

	// A late joiner on an IN_PROGRESS story matches both sentinels.
	_, err = l.Join(ctx, story.ID, "cai")
	assert.ErrorIs(t, err, ErrStoryNotJoinable)
	assert.ErrorIs(t, err, ErrStoryFull)

	_, err = l.Join(ctx, "story_missing", "cai")
	assert.ErrorIs(t, err, ErrStoryNotFound)

	res, err := l.Join(ctx, story.ID, "ana")
	require.NoError(t, err)
	assert.True(t, res.AlreadyJoined)
	assert.Equal(t, 1, res.Participation.Position)
}

func TestJoinPublishedStoryIsNotJoinable(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	story := createStory(t, l, "ana", 1, "")
	_, err := l.MarkReady(ctx, story.ID, "ana")
	require.NoError(t, err)

	_, err = l.Join(ctx, story.ID, "ana")
	assert.ErrorIs(t, err, ErrStoryNotJoinable)
	assert.NotErrorIs(t, err, ErrStoryFull)
}

func TestParallelJoinsOnSingleSlotAdmitOne(t *testing.T) {
	ctx := context.Background()
	l, st, _ := newTestLedger(t)
	require.NoError(t, st.CreateStory(ctx, store.Story{ID: "story_race", Title: "Race", NumWriters: 1}, func(store.StoryTx) error { return nil }))

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < n; i++ {
		userID := []string{"ana", "bea", "cai", "dan"}[i%4] + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Join(ctx, "story_race", userID)
			if err != nil {
				assert.ErrorIs(t, err, ErrStoryNotJoinable)
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
			assert.Equal(t, 1, res.Participation.Position)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	parts, err := st.ListParticipations(ctx, "story_race")
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestRacingJoinersOnLastSlot(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	story := createStory(t, l, "ana", 2, "")

	errs := make(chan error, 2)
	results := make(chan JoinResult, 2)
	var wg sync.WaitGroup
	for _, userID := range []string{"bea", "cai"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			res, err := l.Join(ctx, story.ID, userID)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(userID)
	}
	wg.Wait()
	close(errs)
	close(results)

	require.Len(t, results, 1)
	require.Len(t, errs, 1)
	winner := <-results
	assert.Equal(t, 2, winner.Participation.Position)
	assert.Equal(t, store.StageInProgress, winner.Story.Stage)
	assert.ErrorIs(t, <-errs, ErrStoryFull)
}

func TestPositionsAreGapFree(t *testing.T) {
	ctx := context.Background()
	l, st, _ := newTestLedger(t)
	story := createStory(t, l, "ana", 4, "")

	var wg sync.WaitGroup
	for _, userID := range []string{"bea", "cai", "dan"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := l.Join(ctx, story.ID, userID)
			assert.NoError(t, err)
		}(userID)
	}
	wg.Wait()

	parts, err := st.ListParticipations(ctx, story.ID)
	require.NoError(t, err)
	positions := make([]int, len(parts))
	for i, p := range parts {
		positions[i] = p.Position
	}
	sort.Ints(positions)
	assert.Equal(t, []int{1, 2, 3, 4}, positions)
}

func TestStageIsMonotonic(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	rank := map[store.Stage]int{store.StageCreation: 0, store.StageInProgress: 1, store.StagePublished: 2}

	story := createStory(t, l, "ana", 3, "")
	last := rank[story.Stage]
	observe := func() {
		s, err := l.GetStory(ctx, story.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, rank[s.Stage], last)
		last = rank[s.Stage]
	}

	_, err := l.MarkReady(ctx, story.ID, "ana")
	require.NoError(t, err)
	observe()
	assert.Equal(t, 0, last, "ready before the story is full must not publish")
	for _, userID := range []string{"bea", "cai"} {
		_, err := l.Join(ctx, story.ID, userID)
		require.NoError(t, err)
		observe()
	}
	for _, userID := range []string{"bea", "cai"} {
		_, err := l.MarkReady(ctx, story.ID, userID)
		require.NoError(t, err)
		observe()
	}
	assert.Equal(t, 2, last)
}

func TestMarkReadyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, st, listener := newTestLedger(t)
	story := createStory(t, l, "ana", 1, "")
	_, err := l.UpdateFragment(ctx, story.ID, "ana", "one two three")
	require.NoError(t, err)

	first, err := l.MarkReady(ctx, story.ID, "ana")
	require.NoError(t, err)
	second, err := l.MarkReady(ctx, story.ID, "ana")
	require.NoError(t, err)

	assert.True(t, second.AlreadyReady)
	assert.False(t, second.Published)
	assert.Equal(t, first.Story.Content, second.Story.Content)

	user, err := st.GetUserByID(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 3, user.TotalWordsWritten)
	assert.Equal(t, 1, user.TotalStoriesPublished)
	assert.Len(t, listener.published, 1)
}

func TestUpdateFragmentLocking(t *testing.T) {
	ctx := context.Background()

	t.Run("locked after ready", func(t *testing.T) {
		l, _, _ := newTestLedger(t)
		story := createStory(t, l, "ana", 2, "")
		_, err := l.MarkReady(ctx, story.ID, "ana")
		require.NoError(t, err)

		_, err = l.UpdateFragment(ctx, story.ID, "ana", "late change")
		assert.ErrorIs(t, err, ErrFragmentLocked)
	})

	t.Run("unlocked when disabled", func(t *testing.T) {
		l, _, _ := newTestLedger(t, func(o *Options) { o.LockReadyFragments = false })
		story := createStory(t, l, "ana", 2, "")
		_, err := l.MarkReady(ctx, story.ID, "ana")
		require.NoError(t, err)

		p, err := l.UpdateFragment(ctx, story.ID, "ana", "late change")
		require.NoError(t, err)
		assert.Equal(t, "late change", p.Fragment)
		assert.True(t, p.Ready)
	})

	t.Run("not a participant", func(t *testing.T) {
		l, _, _ := newTestLedger(t)
		story := createStory(t, l, "ana", 2, "")
		_, err := l.UpdateFragment(ctx, story.ID, "bea", "hello")
		assert.ErrorIs(t, err, ErrNotAParticipant)
		_, err = l.MarkReady(ctx, story.ID, "bea")
		assert.ErrorIs(t, err, ErrNotAParticipant)
		_, err = l.GetParticipation(ctx, story.ID, "bea")
		assert.ErrorIs(t, err, ErrNotAParticipant)
	})
}

func TestSeparatorIsConfigurable(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, func(o *Options) { o.Separator = "\n\n" })
	story := createStory(t, l, "ana", 2, "")
	_, err := l.Join(ctx, story.ID, "bea")
	require.NoError(t, err)
	_, err = l.UpdateFragment(ctx, story.ID, "ana", "First.")
	require.NoError(t, err)
	_, err = l.UpdateFragment(ctx, story.ID, "bea", "Second.")
	require.NoError(t, err)
	_, err = l.MarkReady(ctx, story.ID, "bea")
	require.NoError(t, err)
	res, err := l.MarkReady(ctx, story.ID, "ana")
	require.NoError(t, err)

	assert.Equal(t, "First.\n\nSecond.", res.Story.Content)
}

func TestCreateStoryRejectsWriterCount(t *testing.T) {
	l, _, _ := newTestLedger(t)
	for _, n := range []int{0, 5} {
		_, err := l.CreateStory(context.Background(), client("ana"), NewStory{Title: "x", NumWriters: n})
		assert.ErrorIs(t, err, ErrInvalidWriters)
	}
}

func TestStoryLevelPermissions(t *testing.T) {
	ctx := context.Background()
	l, _, listener := newTestLedger(t)
	story := createStory(t, l, "ana", 2, "")
	_, err := l.Join(ctx, story.ID, "bea")
	require.NoError(t, err)

	patch := DetailsPatch{Title: strPtr("New"), Genre: strPtr("drama")}
	_, err = l.UpdateDetails(ctx, client("cai"), story.ID, patch)
	assert.ErrorIs(t, err, ErrUnauthorized)
	updated, err := l.UpdateDetails(ctx, client("bea"), story.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, "New", updated.Title)
	assert.Equal(t, "drama", updated.Genre)
	assert.Equal(t, story.Description, updated.Description)

	_, err = l.FinalEdit(ctx, client("ana"), story.ID, "rewritten")
	assert.ErrorIs(t, err, ErrUnauthorized)
	moderator := Actor{UserID: "mod", Role: rbac.RoleModerator}
	_, err = l.FinalEdit(ctx, moderator, story.ID, "rewritten")
	assert.ErrorIs(t, err, ErrStoryNotPublished)

	assert.ErrorIs(t, l.DeleteStory(ctx, client("ana"), story.ID), ErrUnauthorized)
	require.NoError(t, l.DeleteStory(ctx, Actor{UserID: "root", Role: rbac.RoleAdmin}, story.ID))
	_, err = l.GetStory(ctx, story.ID)
	assert.ErrorIs(t, err, ErrStoryNotFound)
	assert.Equal(t, []string{story.ID}, listener.deleted)
}

func TestSoleAuthorMayDelete(t *testing.T) {
	l, _, _ := newTestLedger(t)
	story := createStory(t, l, "ana", 3, "")
	assert.ErrorIs(t, l.DeleteStory(context.Background(), client("bea"), story.ID), ErrUnauthorized)
	assert.NoError(t, l.DeleteStory(context.Background(), client("ana"), story.ID))
}

func TestFinalEditOnPublishedStory(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	story := createStory(t, l, "ana", 1, "")
	_, err := l.UpdateFragment(ctx, story.ID, "ana", "draft")
	require.NoError(t, err)
	_, err = l.MarkReady(ctx, story.ID, "ana")
	require.NoError(t, err)

	edited, err := l.FinalEdit(ctx, Actor{UserID: "mod", Role: rbac.RoleModerator}, story.ID, "final text")
	require.NoError(t, err)
	assert.Equal(t, "final text", edited.Content)
	assert.Equal(t, store.StagePublished, edited.Stage)

	_, err = l.UpdateDetails(ctx, client("ana"), story.ID, DetailsPatch{Title: strPtr("t")})
	assert.ErrorIs(t, err, ErrStoryPublished)
}

func strPtr(s string) *string { return &s }

func TestConcurrentPartialUpdatesKeepBothFields(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	for round := 0; round < 50; round++ {
		story := createStory(t, l, "ana", 2, "")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.UpdateDetails(ctx, client("ana"), story.ID, DetailsPatch{Title: strPtr("Renamed")})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := l.UpdateDetails(ctx, client("ana"), story.ID, DetailsPatch{Description: strPtr("A quieter description")})
			assert.NoError(t, err)
		}()
		wg.Wait()

		stored, err := l.GetStory(ctx, story.ID)
		require.NoError(t, err)
		require.Equal(t, "Renamed", stored.Title, "round %d", round)
		require.Equal(t, "A quieter description", stored.Description, "round %d", round)
	}
}

func TestConcurrentLastReadyMarksPublishOnce(t *testing.T) {
	ctx := context.Background()
	l, st, listener := newTestLedger(t)

	const rounds = 100
	for round := 0; round < rounds; round++ {
		story := createStory(t, l, "ana", 2, "S:")
		_, err := l.Join(ctx, story.ID, "bea")
		require.NoError(t, err)
		_, err = l.UpdateFragment(ctx, story.ID, "ana", "A")
		require.NoError(t, err)
		_, err = l.UpdateFragment(ctx, story.ID, "bea", "B")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			published int
		)
		for _, userID := range []string{"ana", "bea"} {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				res, err := l.MarkReady(ctx, story.ID, userID)
				assert.NoError(t, err)
				if res.Published {
					mu.Lock()
					published++
					mu.Unlock()
				}
			}(userID)
		}
		wg.Wait()

		require.Equal(t, 1, published, "round %d", round)
		stored, err := l.GetStory(ctx, story.ID)
		require.NoError(t, err)
		require.Equal(t, store.StagePublished, stored.Stage)
		require.Equal(t, "S:AB", stored.Content)
	}

	assert.Len(t, listener.published, rounds)
	for _, id := range []string{"ana", "bea"} {
		user, err := st.GetUserByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, rounds, user.TotalStoriesPublished)
		assert.Equal(t, rounds, user.TotalWordsWritten)
	}
}
