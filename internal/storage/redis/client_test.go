package redis

import (
	"context"
	"os"
	"testing"

	"github.com/verkhohliad/chaos-oracle/internal/config"
)

func TestKey(t *testing.T) {
	cases := []struct {
		prefix string
		parts  []string
		want   string
	}{
		{"chaosoracle", []string{"progress", "worker"}, "chaosoracle:progress:worker"},
		{"chaosoracle:", []string{":agent_ids"}, "chaosoracle:agent_ids"},
		{"", []string{"events", ""}, "events"},
	}
	for _, tc := range cases {
		if got := Key(tc.prefix, tc.parts...); got != tc.want {
			t.Fatalf("Key(%q, %v) = %q, want %q", tc.prefix, tc.parts, got, tc.want)
		}
	}
}

func TestOpenRequiresAddress(t *testing.T) {
	if _, err := Open(context.Background(), config.RedisConfig{}); err == nil {
		t.Fatalf("expected error without address")
	}
}

func TestOpenLive(t *testing.T) {
	addr := os.Getenv("CHAOSORACLE_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAOSORACLE_TEST_REDIS not set")
	}
	client, err := Open(context.Background(), config.RedisConfig{Address: addr})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()
}
