package bridge

import (
	"context"
	"testing"

	"github.com/aniprasad/mcp-server-code-execution-mode/internal/mcppool"
)

func TestAliasForSanitisesAndDisambiguates(t *testing.T) {
	b := testBroker(t, newFakePool(), &fakeExec{})

	if got := b.aliasFor("Weather API"); got != "weather_api" {
		t.Errorf("aliasFor = %q", got)
	}
	// Stable across calls.
	if got := b.aliasFor("Weather API"); got != "weather_api" {
		t.Errorf("alias not stable: %q", got)
	}
	// A distinct name colliding on the sanitised form gets a suffix.
	if got := b.aliasFor("weather-api"); got != "weather_api_2" {
		t.Errorf("collision alias = %q", got)
	}
	if got := b.aliasFor("weather.api"); got != "weather_api_3" {
		t.Errorf("second collision alias = %q", got)
	}
}

func TestEnsureMetadataCachesAndAliasesTools(t *testing.T) {
	pool := newFakePool("weather")
	pool.clients["weather"].tools = []mcppool.ToolInfo{
		{Name: "get-forecast", Description: "forecast"},
		{Name: "get_forecast", Description: "duplicate alias"},
		{Name: "7day", Description: "weekly"},
	}
	b := testBroker(t, pool, &fakeExec{})
	if _, err := b.pool.load(context.Background(), "weather"); err != nil {
		t.Fatal(err)
	}

	meta, err := b.ensureMetadata(context.Background(), "weather")
	if err != nil {
		t.Fatalf("ensureMetadata() error = %v", err)
	}
	if meta.Tools[0].Alias != "get_forecast" {
		t.Errorf("alias[0] = %q", meta.Tools[0].Alias)
	}
	if meta.Tools[1].Alias != "get_forecast_2" {
		t.Errorf("alias[1] = %q, want numbered duplicate", meta.Tools[1].Alias)
	}
	if meta.Tools[2].Alias != "_7day" {
		t.Errorf("alias[2] = %q", meta.Tools[2].Alias)
	}

	// Cached: a second call returns the same snapshot without re-listing.
	pool.clients["weather"].tools = nil
	again, err := b.ensureMetadata(context.Background(), "weather")
	if err != nil {
		t.Fatal(err)
	}
	if again != meta {
		t.Error("metadata was rebuilt instead of served from cache")
	}
}

func TestEnsureMetadataRequiresLoadedClient(t *testing.T) {
	pool := newFakePool("weather")
	delete(pool.clients, "weather")
	b := testBroker(t, pool, &fakeExec{})

	if _, err := b.ensureMetadata(context.Background(), "weather"); err == nil {
		t.Fatal("ensureMetadata() succeeded without a loaded client")
	}
}

func TestSearchToolDocsTokenAndLimit(t *testing.T) {
	pool := newFakePool("weather")
	pool.clients["weather"].tools = []mcppool.ToolInfo{
		{Name: "get_forecast", Description: "hourly weather forecast"},
		{Name: "get_alerts", Description: "weather alerts"},
		{Name: "get_scores", Description: "sports scores"},
	}
	b := testBroker(t, pool, &fakeExec{})
	if _, err := b.pool.load(context.Background(), "weather"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ensureMetadata(context.Background(), "weather"); err != nil {
		t.Fatal(err)
	}

	// All tokens must match.
	results := b.searchToolDocs("weather forecast", []string{"weather"}, 5, "summary")
	if len(results) != 1 || results[0]["tool"] != "get_forecast" {
		t.Errorf("results = %v", results)
	}

	// The limit is clamped into [1, 20].
	results = b.searchToolDocs("weather", []string{"weather"}, 0, "summary")
	if len(results) != 1 {
		t.Errorf("limit 0 results = %v", results)
	}

	// Server name itself is part of the haystack.
	results = b.searchToolDocs("weather", []string{"weather"}, 20, "summary")
	if len(results) != 3 {
		t.Errorf("server-token results = %v", results)
	}

	if results := b.searchToolDocs("   ", []string{"weather"}, 5, "summary"); len(results) != 0 {
		t.Errorf("blank query results = %v", results)
	}
}

func TestToolDocsDetailLevels(t *testing.T) {
	pool := newFakePool("weather")
	b := testBroker(t, pool, &fakeExec{})
	if _, err := b.pool.load(context.Background(), "weather"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ensureMetadata(context.Background(), "weather"); err != nil {
		t.Fatal(err)
	}

	summary, err := b.toolDocs("weather", "", "summary")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := summary[0]["inputSchema"]; ok {
		t.Error("summary detail leaked the schema")
	}

	full, err := b.toolDocs("weather", "get", "full")
	if err != nil {
		t.Fatal(err)
	}
	if len(full) != 1 {
		t.Fatalf("full docs = %v", full)
	}
	if _, ok := full[0]["inputSchema"]; !ok {
		t.Error("full detail missing the schema")
	}

	// Bogus detail values degrade to summary.
	degraded, err := b.toolDocs("weather", "", "verbose")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := degraded[0]["inputSchema"]; ok {
		t.Error("unknown detail treated as full")
	}
}
