package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/4thel00z/gcdloop/internal"
)

// Executables named gcd-<name> on PATH extend the CLI, e.g. a trainer
// that drives the loop through pkg/v1.
const externalPrefix = "gcd-"

func findExternal(name string) (string, error) {
	binary := externalPrefix + name
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("unknown command %q: %s not found in PATH", name, binary)
	}
	return path, nil
}

func listExternalCommands() []string {
	seen := make(map[string]bool)
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if name := extractExternalName(dir, entry); name != "" {
				seen[name] = true
			}
		}
	}

	commands := make([]string, 0, len(seen))
	for name := range seen {
		commands = append(commands, name)
	}
	sort.Strings(commands)
	return commands
}

func extractExternalName(dir string, entry os.DirEntry) string {
	if entry.IsDir() || !strings.HasPrefix(entry.Name(), externalPrefix) {
		return ""
	}

	info, err := os.Stat(filepath.Join(dir, entry.Name()))
	if err != nil || info.Mode()&0111 == 0 {
		return ""
	}

	return strings.TrimPrefix(entry.Name(), externalPrefix)
}

func executeExternal(ctx context.Context, name string, args []string, version string) error {
	binaryPath, err := findExternal(name)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Env = buildExternalEnv(version, internal.NewScopeResolver().Resolve(""))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// buildExternalEnv tells plugins where the workspace they run in lives.
func buildExternalEnv(version string, scope internal.Scope) []string {
	gcdBin, _ := os.Executable()

	return append(os.Environ(),
		"GCD_VERSION="+version,
		"GCD_BIN="+gcdBin,
		"GCD_ROOT="+scope.Path,
		internal.DataDirEnv+"="+scope.DataPath,
		"GCD_CONFIG="+scope.ConfigPath(),
	)
}
