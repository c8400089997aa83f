package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

const (
	DefaultBranch = "main"
	DefaultAuthor = "gcd"
	DefaultEmail  = "gcd@local"

	snapshotsDir = "snapshots"
	resultsDir   = "results"
)

type Commit struct {
	Hash      string
	Message   string
	Author    string
	Timestamp time.Time
}

var _ SnapshotStore = (*GitRunStore)(nil)

// GitRunStore versions feedback snapshots and result tables in a git
// repository, one commit per persisted round, so any earlier round's cache
// can be recovered from history.
type GitRunStore struct {
	repo     *git.Repository
	worktree *git.Worktree
	rootPath string
}

func OpenGitRunStore(scope Scope) (*GitRunStore, error) {
	gitPath := scope.GitPath()
	rootPath := scope.RunsPath()

	if _, err := os.Stat(gitPath); os.IsNotExist(err) {
		if err := InitRunRepository(scope); err != nil {
			return nil, err
		}
	}

	storage := filesystem.NewStorage(osfs.New(gitPath), cache.NewObjectLRUDefault())
	repo, err := git.Open(storage, osfs.New(rootPath))
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}

	return &GitRunStore{
		repo:     repo,
		worktree: worktree,
		rootPath: rootPath,
	}, nil
}

func InitRunRepository(scope Scope) error {
	gitPath := scope.GitPath()
	rootPath := scope.RunsPath()

	for _, dir := range []string{gitPath, rootPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	storage := filesystem.NewStorage(osfs.New(gitPath), cache.NewObjectLRUDefault())
	repo, err := git.Init(storage, osfs.New(rootPath))
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("get config: %w", err)
	}
	cfg.Init.DefaultBranch = DefaultBranch
	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("set config: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	if err := os.WriteFile(filepath.Join(rootPath, ".gcd-init"), []byte("gcd run history\n"), 0644); err != nil {
		return fmt.Errorf("write init file: %w", err)
	}
	if _, err := worktree.Add(".gcd-init"); err != nil {
		return fmt.Errorf("stage init file: %w", err)
	}

	_, err = worktree.Commit("init: initialize run history", &git.CommitOptions{
		Author: signature(),
	})
	if err != nil {
		return fmt.Errorf("initial commit: %w", err)
	}

	return nil
}

func signature() *object.Signature {
	return &object.Signature{
		Name:  DefaultAuthor,
		Email: DefaultEmail,
		When:  time.Now(),
	}
}

func snapshotPath(experiment string) string {
	return filepath.Join(snapshotsDir, experiment+".msgpack")
}

func resultsPath(experiment string) string {
	return filepath.Join(resultsDir, "results_"+experiment+".csv")
}

func (r *GitRunStore) SaveSnapshot(ctx context.Context, snap *CacheSnapshot) error {
	if snap.Experiment == "" {
		return fmt.Errorf("%w: snapshot has no experiment name", ErrConfiguration)
	}

	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	rel := snapshotPath(snap.Experiment)
	if err := r.writeFile(rel, data); err != nil {
		return err
	}

	_, err = r.commit(fmt.Sprintf("%s: round %d, %d feedback entries", snap.Experiment, snap.Round, snap.Len()))
	return err
}

func (r *GitRunStore) LoadSnapshot(ctx context.Context, experiment string) (*CacheSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(r.rootPath, snapshotPath(experiment)))
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// LoadSnapshotAt reads the snapshot for experiment as it was at ref.
func (r *GitRunStore) LoadSnapshotAt(ctx context.Context, experiment, ref string) (*CacheSnapshot, error) {
	resolved, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve ref: %w", err)
	}

	commit, err := r.repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}

	f, err := commit.File(filepath.ToSlash(snapshotPath(experiment)))
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot file: %w", err)
	}

	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	return DecodeSnapshot([]byte(content))
}

// AppendResult adds row to the experiment's result table and commits it.
func (r *GitRunStore) AppendResult(ctx context.Context, row ResultRow) error {
	rel := resultsPath(row.Experiment)
	path := filepath.Join(r.rootPath, rel)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create results directory: %w", err)
	}
	if err := AppendResultFile(path, row); err != nil {
		return err
	}
	if _, err := r.worktree.Add(filepath.ToSlash(rel)); err != nil {
		return fmt.Errorf("stage results: %w", err)
	}

	_, err := r.commit(fmt.Sprintf("%s: results (%s)", row.Experiment, row.ResultSource))
	return err
}

func (r *GitRunStore) Results(ctx context.Context, experiment string) ([]ResultRow, error) {
	return ReadResultFile(filepath.Join(r.rootPath, resultsPath(experiment)))
}

func (r *GitRunStore) Log(ctx context.Context, limit int) ([]*Commit, error) {
	iter, err := r.repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, fmt.Errorf("get log: %w", err)
	}
	defer iter.Close()

	var commits []*Commit
	count := 0

	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && count >= limit {
			return io.EOF
		}
		commits = append(commits, toCommit(c))
		count++
		return nil
	})
	if err != nil && err != io.EOF {
		return nil, err
	}

	return commits, nil
}

func (r *GitRunStore) Close() error {
	return nil
}

func (r *GitRunStore) writeFile(rel string, data []byte) error {
	path := filepath.Join(r.rootPath, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if _, err := r.worktree.Add(filepath.ToSlash(rel)); err != nil {
		return fmt.Errorf("stage file: %w", err)
	}
	return nil
}

func (r *GitRunStore) commit(message string) (*Commit, error) {
	hash, err := r.worktree.Commit(message, &git.CommitOptions{
		Author:            signature(),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	c, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}
	return toCommit(c), nil
}

func toCommit(c *object.Commit) *Commit {
	return &Commit{
		Hash:      c.Hash.String(),
		Message:   strings.TrimSpace(c.Message),
		Author:    c.Author.Name,
		Timestamp: c.Author.When,
	}
}
