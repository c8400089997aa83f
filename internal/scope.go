package internal

import (
	"os"
	"path/filepath"
)

// DataDirName is the workspace directory gcd creates in a project root or
// in the home directory.
const DataDirName = ".gcd"

// DataDirEnv pins the workspace data directory. gcd exports it to external
// subcommands so nested invocations land in the same workspace.
const DataDirEnv = "GCD_DATA"

const (
	configFile = "config.yaml"
	runsDir    = "runs"
	runsGitDir = "runs.git"
)

type ScopeType string

const (
	ScopeGlobal  ScopeType = "global"
	ScopeProject ScopeType = "project"
)

// Scope locates a gcd workspace: Path is the directory owning the
// workspace and DataPath the .gcd directory holding config, run history
// and feedback snapshots.
type Scope struct {
	Type     ScopeType
	Path     string
	DataPath string
}

// ProjectScope is the workspace rooted at root, whether or not it exists yet.
func ProjectScope(root string) Scope {
	return Scope{Type: ScopeProject, Path: root, DataPath: filepath.Join(root, DataDirName)}
}

func (s Scope) file(name string) string {
	return filepath.Join(s.DataPath, name)
}

func (s Scope) ConfigPath() string     { return s.file(configFile) }
func (s Scope) RunsPath() string       { return s.file(runsDir) }
func (s Scope) GitPath() string        { return s.file(runsGitDir) }
func (s Scope) SnapshotDBPath() string { return s.file(SnapshotDBFilename) }

// Initialized reports whether the data directory exists.
func (s Scope) Initialized() bool {
	info, err := os.Stat(s.DataPath)
	return err == nil && info.IsDir()
}

type ScopeResolver struct {
	homeDir string
	getenv  func(string) string
	getwd   func() (string, error)
}

func NewScopeResolver() *ScopeResolver {
	home, _ := os.UserHomeDir()
	return &ScopeResolver{homeDir: home, getenv: os.Getenv, getwd: os.Getwd}
}

func (r *ScopeResolver) Global() Scope {
	s := ProjectScope(r.homeDir)
	s.Type = ScopeGlobal
	return s
}

// Project finds the nearest initialized workspace at or above the working
// directory.
func (r *ScopeResolver) Project() (Scope, bool) {
	getwd := r.getwd
	if getwd == nil {
		getwd = os.Getwd
	}
	dir, err := getwd()
	if err != nil {
		return Scope{}, false
	}

	for prev := ""; dir != prev; prev, dir = dir, filepath.Dir(dir) {
		if s := ProjectScope(dir); s.Initialized() {
			return s, true
		}
	}
	return Scope{}, false
}

// pinned is the workspace named by DataDirEnv, if any.
func (r *ScopeResolver) pinned() (Scope, bool) {
	if r.getenv == nil {
		return Scope{}, false
	}
	data := r.getenv(DataDirEnv)
	if data == "" {
		return Scope{}, false
	}
	data = filepath.Clean(data)
	s := Scope{Type: ScopeProject, Path: filepath.Dir(data), DataPath: data}
	if s.Path == filepath.Clean(r.homeDir) {
		s.Type = ScopeGlobal
	}
	return s, true
}

// Resolve maps a --scope value to a workspace. "global" always picks the
// home workspace. Otherwise a pinned data directory wins, then the nearest
// project workspace, then the home workspace.
func (r *ScopeResolver) Resolve(explicit string) Scope {
	if ScopeType(explicit) == ScopeGlobal {
		return r.Global()
	}
	if s, ok := r.pinned(); ok {
		return s
	}
	if s, ok := r.Project(); ok {
		return s
	}
	return r.Global()
}
