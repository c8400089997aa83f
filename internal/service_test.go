package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testWorkspace returns a resolver whose global scope lives in a temp dir,
// configured with the given store backend.
func testWorkspace(t *testing.T, backend string) (*ScopeResolver, Scope) {
	t.Helper()
	resolver := &ScopeResolver{homeDir: t.TempDir()}
	scope := resolver.Global()

	cfg := DefaultConfig()
	cfg.Experiment = "svc"
	cfg.Store.Backend = backend
	require.NoError(t, SaveConfig(scope, cfg))
	return resolver, scope
}

func seedSnapshot(t *testing.T, resolver *ScopeResolver, snap *CacheSnapshot) {
	t.Helper()
	ws, err := OpenWorkspace(resolver, "global")
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.Stores.Snapshots.SaveSnapshot(context.Background(), snap))
}

func TestProviderServiceLifecycle(t *testing.T) {
	resolver, scope := testWorkspace(t, StoreNone)
	svc := NewProviderService(resolver)

	require.NoError(t, svc.Add("openai", ProviderConfig{Model: "gpt-4o-mini"}, "global"))
	require.NoError(t, svc.Add("bedrock", ProviderConfig{Model: "meta.llama3-8b-instruct-v1:0"}, "global"))
	assert.ErrorIs(t, svc.Add("ollama", ProviderConfig{Model: "llama3"}, "global"), ErrConfiguration)

	names, err := svc.List("global")
	require.NoError(t, err)
	assert.Equal(t, []string{"bedrock", "openai"}, names)

	require.NoError(t, svc.SetDefault("openai", "global"))
	assert.Error(t, svc.SetDefault("anthropic", "global"))

	cfg, err := LoadConfig(scope)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.DefaultProvider)

	err = svc.Test(context.Background(), "openai", "global")
	assert.ErrorIs(t, err, ErrConfiguration, "no api key")

	require.NoError(t, svc.Remove("openai", "global"))
	cfg, err = LoadConfig(scope)
	require.NoError(t, err)
	assert.Empty(t, cfg.DefaultProvider)
	assert.NotContains(t, cfg.Providers, "openai")
}

func TestNewOracleFromConfig(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig()
	oracle, name, err := NewOracleFromConfig(ctx, cfg, nil, nil)
	require.NoError(t, err)
	assert.False(t, oracle.Enabled())
	assert.Equal(t, "none", name)

	cfg.DefaultProvider = "missing"
	_, _, err = NewOracleFromConfig(ctx, cfg, nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	cfg.Providers["openai"] = ProviderConfig{Model: "gpt-4o-mini"}
	cfg.Oracle.Provider = "openai"
	oracle, name, err = NewOracleFromConfig(ctx, cfg, nil, nil)
	require.NoError(t, err)
	assert.False(t, oracle.Enabled(), "no credentials")
	assert.Equal(t, "openai/gpt-4o-mini", name)

	cfg.Providers["openai"] = ProviderConfig{Model: "gpt-4o-mini", APIKey: "sk-test"}
	oracle, _, err = NewOracleFromConfig(ctx, cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, oracle.Enabled())
}

func TestCacheServiceStatsAndExport(t *testing.T) {
	ctx := context.Background()
	resolver, _ := testWorkspace(t, StoreBolt)
	seedSnapshot(t, resolver, sampleSnapshot("svc", 2))
	svc := NewCacheService(resolver)

	stats, err := svc.Stats(ctx, "global", "")
	require.NoError(t, err)
	assert.Equal(t, &CacheStats{Experiment: "svc", Round: 2, Entries: 2, ClusterFeedback: 1, DistinctNeighbor: 2}, stats)

	var buf bytes.Buffer
	require.NoError(t, svc.Export(ctx, "global", "", FormatJSON, &buf))
	var doc exportDocument
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "svc", doc.Experiment)
	require.Len(t, doc.Entries, 2)
	assert.Equal(t, 0, doc.Entries[0].Index)
	assert.Equal(t, 3, doc.Entries[0].Neighbor)
	assert.Equal(t, []int{0, 1}, doc.Entries[1].NegativeClusters)

	assert.ErrorIs(t, svc.Export(ctx, "global", "", "xml", &buf), ErrConfiguration)
	_, err = svc.Stats(ctx, "global", "HEAD~1")
	assert.ErrorIs(t, err, ErrConfiguration, "refs need the git store")
}

func TestCacheServiceImportMerges(t *testing.T) {
	ctx := context.Background()
	source, _ := testWorkspace(t, StoreBolt)
	seedSnapshot(t, source, sampleSnapshot("svc", 3))

	var buf bytes.Buffer
	require.NoError(t, NewCacheService(source).Export(ctx, "global", "", FormatMsgpack, &buf))
	payload := buf.Bytes()

	target, _ := testWorkspace(t, StoreBolt)
	seedSnapshot(t, target, &CacheSnapshot{Experiment: "svc", Round: 1, Entries: map[int]FeedbackEntry{0: {Neighbor: 9}}})
	svc := NewCacheService(target)

	added, err := svc.Import(ctx, "global", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = svc.Import(ctx, "global", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Zero(t, added)

	stats, err := svc.Stats(ctx, "global", "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Round)
	assert.Equal(t, 2, stats.Entries)

	var out bytes.Buffer
	require.NoError(t, svc.Export(ctx, "global", "", FormatJSON, &out))
	var doc exportDocument
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, 9, doc.Entries[0].Neighbor, "existing feedback wins")
}

func TestCacheServiceWithoutSnapshots(t *testing.T) {
	ctx := context.Background()
	resolver, _ := testWorkspace(t, StoreNone)
	svc := NewCacheService(resolver)

	_, err := svc.Stats(ctx, "global", "")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = svc.Import(ctx, "global", bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestResultsServiceHistory(t *testing.T) {
	ctx := context.Background()
	resolver, _ := testWorkspace(t, StoreGit)
	seedSnapshot(t, resolver, sampleSnapshot("svc", 0))
	svc := NewResultsService(resolver)

	commits, err := svc.History(ctx, "global", 10)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "svc: round 0, 2 feedback entries", commits[0].Message)

	rows, err := svc.List(ctx, "global", "")
	require.NoError(t, err)
	assert.Empty(t, rows)

	other, _ := testWorkspace(t, StoreBolt)
	_, err = NewResultsService(other).History(ctx, "global", 10)
	assert.ErrorIs(t, err, ErrConfiguration)
}
