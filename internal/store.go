package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const (
	StoreGit  = "git"
	StoreBolt = "bolt"
	StoreNone = "none"
)

// ResultsRecorder keeps the per-experiment result table.
type ResultsRecorder interface {
	AppendResult(ctx context.Context, row ResultRow) error
	Results(ctx context.Context, experiment string) ([]ResultRow, error)
}

var (
	_ ResultsRecorder = (*GitRunStore)(nil)
	_ ResultsRecorder = (*FileResultsRecorder)(nil)
)

// FileResultsRecorder writes results_<experiment>.csv files into a
// directory without version control.
type FileResultsRecorder struct {
	dir string
}

func NewFileResultsRecorder(dir string) *FileResultsRecorder {
	return &FileResultsRecorder{dir: dir}
}

func (r *FileResultsRecorder) AppendResult(ctx context.Context, row ResultRow) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create results directory: %w", err)
	}
	return AppendResultFile(filepath.Join(r.dir, "results_"+row.Experiment+".csv"), row)
}

func (r *FileResultsRecorder) Results(ctx context.Context, experiment string) ([]ResultRow, error) {
	return ReadResultFile(filepath.Join(r.dir, "results_"+experiment+".csv"))
}

// Stores bundles the snapshot store and results recorder of a workspace.
// Snapshots is nil for the "none" backend.
type Stores struct {
	Snapshots SnapshotStore
	Results   ResultsRecorder
	Git       *GitRunStore
}

func (s *Stores) Close() error {
	if s.Snapshots != nil {
		return s.Snapshots.Close()
	}
	return nil
}

// OpenStores opens the persistence backend named by backend under scope.
func OpenStores(scope Scope, backend string) (*Stores, error) {
	switch backend {
	case StoreGit, "":
		git, err := OpenGitRunStore(scope)
		if err != nil {
			return nil, err
		}
		return &Stores{Snapshots: git, Results: git, Git: git}, nil

	case StoreBolt:
		bolt, err := NewBoltSnapshotStore(scope.SnapshotDBPath())
		if err != nil {
			return nil, err
		}
		return &Stores{Snapshots: bolt, Results: NewFileResultsRecorder(scope.RunsPath())}, nil

	case StoreNone:
		return &Stores{Results: NewFileResultsRecorder(scope.RunsPath())}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported store backend %q", ErrConfiguration, backend)
	}
}
