// Package gitrepo keeps the history of published manuscripts, one git
// repository per story.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"bookroom/api/internal/store"
)

const (
	mainBranch   = "main"
	manuscriptFn = "manuscript.json"
)

// ErrNoRepository is returned for stories that were never published.
var ErrNoRepository = errors.New("story has no manuscript history")

type Manuscript struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Language    string   `json:"language"`
	Genre       string   `json:"genre"`
	Authors     []string `json:"authors"`
	Content     string   `json:"content"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureStoryRepo creates the repository with the assembled manuscript as its
// first commit, tagged "published". Existing repositories are left alone.
func (s *Service) EnsureStoryRepo(storyID string, initial Manuscript, author string) error {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(storyID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}

	hash, err := s.commit(repo, initial, author, "Publish story", false)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag("published", hash, nil)
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// CommitManuscript records a new revision. An unchanged manuscript returns
// the current head without committing.
func (s *Service) CommitManuscript(storyID string, m Manuscript, author, message string) (store.CommitInfo, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(storyID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	head, headCommit, err := headManuscript(repo)
	if err != nil {
		return store.CommitInfo{}, err
	}
	changed := DiffFields(head, m)
	if len(changed) == 0 {
		return toCommitInfo(headCommit), nil
	}

	hash, err := s.commit(repo, m, author, fmt.Sprintf("%s\n\nfields: %s", message, strings.Join(changed, ", ")), false)
	if err != nil {
		return store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) HeadManuscript(storyID string) (Manuscript, store.CommitInfo, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(storyID)
	if err != nil {
		return Manuscript{}, store.CommitInfo{}, err
	}
	m, commitObj, err := headManuscript(repo)
	if err != nil {
		return Manuscript{}, store.CommitInfo{}, err
	}
	return m, toCommitInfo(commitObj), nil
}

func (s *Service) ManuscriptAt(storyID, hash string) (Manuscript, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(storyID)
	if err != nil {
		return Manuscript{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Manuscript{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Manuscript{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readManuscript(commitObj)
}

// History lists revisions newest first. limit <= 0 means all.
func (s *Service) History(storyID string, limit int) ([]store.CommitInfo, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(storyID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Remove deletes the repository of a deleted story.
func (s *Service) Remove(storyID string) error {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(s.repoPath(storyID))
}

func (s *Service) open(storyID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(storyID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoRepository
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(storyID string) string {
	return filepath.Join(s.baseDir, storyID)
}

func (s *Service) storyLock(storyID string) *sync.Mutex {
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

func (s *Service) commit(repo *git.Repository, m Manuscript, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal manuscript: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, manuscriptFn), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", manuscriptFn, err)
	}
	if _, err := worktree.Add(manuscriptFn); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add manuscript: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit manuscript: %w", err)
	}
	return hash, nil
}

func headManuscript(repo *git.Repository) (Manuscript, *object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return Manuscript{}, nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Manuscript{}, nil, fmt.Errorf("load commit object: %w", err)
	}
	m, err := readManuscript(commitObj)
	if err != nil {
		return Manuscript{}, nil, err
	}
	return m, commitObj, nil
}

func readManuscript(commitObj *object.Commit) (Manuscript, error) {
	file, err := commitObj.File(manuscriptFn)
	if err != nil {
		return Manuscript{}, fmt.Errorf("load %s from commit: %w", manuscriptFn, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Manuscript{}, fmt.Errorf("read manuscript: %w", err)
	}
	var m Manuscript
	if err := json.Unmarshal([]byte(contents), &m); err != nil {
		return Manuscript{}, fmt.Errorf("decode manuscript: %w", err)
	}
	return m, nil
}

// DiffFields names the manuscript fields that differ, sorted.
func DiffFields(from, to Manuscript) []string {
	changed := make([]string, 0)
	pairs := map[string]bool{
		"title":       from.Title != to.Title,
		"description": from.Description != to.Description,
		"language":    from.Language != to.Language,
		"genre":       from.Genre != to.Genre,
		"authors":     strings.Join(from.Authors, "\x00") != strings.Join(to.Authors, "\x00"),
		"content":     from.Content != to.Content,
	}
	for field, differs := range pairs {
		if differs {
			changed = append(changed, field)
		}
	}
	sort.Strings(changed)
	return changed
}

func signature(name string) *object.Signature {
	return &object.Signature{
		Name:  name,
		Email: fmt.Sprintf("%s@users.bookroom.local", sanitizeEmail(name)),
		When:  time.Now(),
	}
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
