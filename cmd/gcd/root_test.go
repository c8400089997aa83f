package main

import (
	"testing"

	"github.com/4thel00z/gcdloop/internal"
	"go.uber.org/zap"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd("1.0.0", nil)

	if cmd == nil {
		t.Fatal("NewRootCmd returned nil")
	}

	if cmd.Use != "gcd" {
		t.Errorf("expected Use='gcd', got %q", cmd.Use)
	}

	if cmd.Version != "1.0.0" {
		t.Errorf("expected Version='1.0.0', got %q", cmd.Version)
	}
}

func TestRootCmdHasFlags(t *testing.T) {
	cmd := NewRootCmd("1.0.0", nil)

	flags := []string{"scope", "json"}
	for _, name := range flags {
		f := cmd.PersistentFlags().Lookup(name)
		if f == nil {
			t.Errorf("expected persistent flag %q to exist", name)
		}
	}
}

func TestRootCmdSubcommands(t *testing.T) {
	a := newAppWith(internal.NewScopeResolver(), zap.NewNop())
	cmd := NewRootCmd("dev", a)

	for _, name := range []string{"init", "run", "mine", "cache", "oracle", "results", "log", "provider"} {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected subcommand %q", name)
		}
	}
}
