package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	provider, err := Load("", 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sources := provider.Query("Will it rain tomorrow?")
	if len(sources) != 2 || sources[0].URL != "https://example.com/placeholder-source-1" {
		t.Fatalf("unexpected default sources: %+v", sources)
	}
}

func TestQueryMatchesKeywords(t *testing.T) {
	provider := NewStaticProvider([]Entry{
		{URL: "https://a.example/eth", Title: "ETH", Keywords: []string{"eth"}},
		{URL: "https://b.example/btc", Title: "BTC", Keywords: []string{"bitcoin"}},
		{URL: "https://c.example/general", Title: "General"},
	}, 5)

	got := provider.Query("Will ETH close above $5k?")
	if len(got) != 2 || got[0].URL != "https://a.example/eth" || got[1].URL != "https://c.example/general" {
		t.Fatalf("unexpected matches: %+v", got)
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	provider := NewStaticProvider([]Entry{{URL: "1"}, {URL: "2"}, {URL: "3"}}, 2)
	if got := provider.Query("anything"); len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	content := `
- url: https://news.example/election
  title: Election coverage
  snippet: Polls tighten
  keywords: [election]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	provider, err := Load(path, 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := provider.Query("Who wins the election?"); len(got) != 1 || got[0].Snippet != "Polls tighten" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got := provider.Query("Will it snow?"); len(got) != 0 {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestLoadRejectsEntryWithoutURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")
	if err := os.WriteFile(path, []byte(`[{"title":"no url"}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path, 3); err == nil {
		t.Fatalf("expected error")
	}
}
