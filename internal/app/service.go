package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"bookroom/api/internal/auth"
	"bookroom/api/internal/authpw"
	"bookroom/api/internal/config"
	"bookroom/api/internal/events"
	"bookroom/api/internal/export"
	"bookroom/api/internal/gitrepo"
	"bookroom/api/internal/lifecycle"
	"bookroom/api/internal/ranking"
	"bookroom/api/internal/rbac"
	"bookroom/api/internal/search"
	"bookroom/api/internal/store"
	"bookroom/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// Actor converts the session into the identity the lifecycle checks against.
func (s Session) Actor() lifecycle.Actor {
	return lifecycle.Actor{UserID: s.UserID, Role: rbac.Normalize(s.Role)}
}

// DataStore is everything the service reads and writes outside the session store.
type DataStore interface {
	lifecycle.Store
	lifecycle.StatsSource
	authpw.UserStore
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	TopUsers(ctx context.Context, by store.RankBy, limit int) ([]store.User, error)
	ListStories(ctx context.Context, filter store.StoryFilter) ([]store.StorySummary, error)
	UpsertVote(ctx context.Context, vote store.Vote) (bool, error)
	GetVote(ctx context.Context, storyID, userID string) (store.Vote, error)
	InsertComment(ctx context.Context, comment store.Comment) error
	GetComment(ctx context.Context, storyID, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, storyID string) ([]store.Comment, error)
	UpdateComment(ctx context.Context, commentID, body string) error
	DeleteComment(ctx context.Context, commentID string) error
	GetStatistics(ctx context.Context, storyID string) (store.Statistics, error)
	TopStatistics(ctx context.Context, limit int) ([]store.RankedStatistics, error)
	Ping(ctx context.Context) error
}

// SessionStore keeps refresh tokens and revoked access tokens.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type manuscriptRepo interface {
	EnsureStoryRepo(storyID string, initial gitrepo.Manuscript, author string) error
	CommitManuscript(storyID string, m gitrepo.Manuscript, author, message string) (store.CommitInfo, error)
	History(storyID string, limit int) ([]store.CommitInfo, error)
	Remove(storyID string) error
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexStory(rec search.StoryRecord)
	DeleteStory(id string)
}

// Options carries the optional collaborators. Nil fields fall back to the
// data store or disable the feature.
type Options struct {
	Sessions SessionStore
	Git      manuscriptRepo
	Search   searcher
	Ranking  *ranking.Board
	Events   events.Publisher
	Exporter exporter
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    DataStore
	sessions SessionStore
	git      manuscriptRepo
	search   searcher
	ranking  *ranking.Board
	events   events.Publisher
	exporter exporter
	validate *validator.Validate
	auth     *authpw.Service
	ledger   *lifecycle.Ledger
	stats    *lifecycle.Aggregator
	logger   *zap.Logger
}

func New(cfg config.Config, dataStore DataStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions := opts.Sessions
	if sessions == nil {
		if ss, ok := dataStore.(SessionStore); ok {
			sessions = ss
		}
	}
	publisher := opts.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		git:      opts.Git,
		search:   opts.Search,
		ranking:  opts.Ranking,
		events:   publisher,
		exporter: opts.Exporter,
		validate: newValidator(),
		auth:     authpw.NewService(dataStore),
		stats:    lifecycle.NewAggregator(dataStore),
		logger:   logger.Named("app"),
	}
	s.ledger = lifecycle.NewLedger(dataStore, lifecycle.Options{
		Separator:          cfg.FragmentSeparator,
		LockReadyFragments: cfg.LockReadyFragments,
		Listener:           &hooks{svc: s},
		Stats:              s.stats,
		Logger:             logger,
	})
	return s
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.auth.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("user signed up", zap.String("user_id", user.ID))
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.auth.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, user.Role, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	// Role and name come from the user row so a promotion applies at once.
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, fmt.Errorf("%w: unknown subject", auth.ErrInvalidToken)
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SeedRankings copies the authoritative user counters into the leaderboards.
func (s *Service) SeedRankings(ctx context.Context) error {
	if s.ranking == nil {
		return nil
	}
	for _, by := range []store.RankBy{store.RankByWords, store.RankByStories} {
		users, err := s.store.TopUsers(ctx, by, 1000)
		if err != nil {
			return err
		}
		if err := s.ranking.Seed(ctx, by, users); err != nil {
			return err
		}
	}
	return nil
}

// Rankings returns the top authors by words written or stories published.
func (s *Service) Rankings(ctx context.Context, by string, limit int) (map[string]any, error) {
	rankBy := store.RankBy(strings.ToLower(strings.TrimSpace(by)))
	switch rankBy {
	case "":
		rankBy = store.RankByWords
	case store.RankByWords, store.RankByStories:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "by must be words or stories", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	items := make([]map[string]any, 0, limit)
	if s.ranking != nil {
		entries, err := s.ranking.Top(ctx, rankBy, limit)
		if err == nil {
			for _, entry := range entries {
				user, err := s.store.GetUserByID(ctx, entry.UserID)
				if err != nil {
					continue
				}
				items = append(items, rankingItem(user, entry.Score))
			}
			return map[string]any{"by": rankBy, "items": items}, nil
		}
		s.logger.Warn("leaderboard unavailable, reading users", zap.Error(err))
	}

	users, err := s.store.TopUsers(ctx, rankBy, limit)
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		score := user.TotalWordsWritten
		if rankBy == store.RankByStories {
			score = user.TotalStoriesPublished
		}
		items = append(items, rankingItem(user, score))
	}
	return map[string]any{"by": rankBy, "items": items}, nil
}

func rankingItem(user store.User, score int) map[string]any {
	return map[string]any{
		"userId":   user.ID,
		"userName": user.DisplayName,
		"score":    score,
	}
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	if q.Limit <= 0 || q.Limit > 50 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.search.Search(ctx, q), nil
}
