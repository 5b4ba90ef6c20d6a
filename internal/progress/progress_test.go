package progress

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

var testAgent = common.HexToAddress("0xa1")

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := WorkKey(testAgent, common.HexToAddress("0xb1"))

	record, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.State != StateUnseen || !record.Retryable() {
		t.Fatalf("expected unseen record, got %+v", record)
	}

	record, err = store.Claim(ctx, key)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if record.State != StateInProgress || record.Attempts != 1 {
		t.Fatalf("unexpected claimed record: %+v", record)
	}

	if err := store.MarkFailed(ctx, key, "rpc down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	record, _ = store.Get(ctx, key)
	if record.State != StateFailed || record.LastError != "rpc down" || !record.Retryable() {
		t.Fatalf("unexpected failed record: %+v", record)
	}

	record, err = store.Claim(ctx, key)
	if err != nil {
		t.Fatalf("reclaim failed entry: %v", err)
	}
	if record.Attempts != 2 || record.LastError != "" {
		t.Fatalf("unexpected reclaimed record: %+v", record)
	}

	if err := store.MarkDone(ctx, key); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if _, err := store.Claim(ctx, key); !errors.Is(err, ErrAlreadyDone) {
		t.Fatalf("expected ErrAlreadyDone, got %v", err)
	}
	if !xerrors.HasCode(ErrAlreadyDone, xerrors.CodeAlreadyCompleted) {
		t.Fatalf("unexpected code for ErrAlreadyDone")
	}

	skipped := WorkKey(testAgent, common.HexToAddress("0xb2"))
	if err := store.MarkDone(ctx, skipped); err != nil {
		t.Fatalf("mark unclaimed done: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Done != 2 || stats.InProgress != 0 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreInProgressIsReclaimable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := ScoreKey(testAgent, common.HexToAddress("0xb1"), common.HexToAddress("0x01"))
	if _, err := store.Claim(ctx, key); err != nil {
		t.Fatalf("claim: %v", err)
	}
	record, err := store.Claim(ctx, key)
	if err != nil {
		t.Fatalf("in-progress entries must be reclaimable: %v", err)
	}
	if record.Attempts != 2 {
		t.Fatalf("expected two attempts, got %d", record.Attempts)
	}
}

func TestKeys(t *testing.T) {
	agent := common.HexToAddress("0x00000000000000000000000000000000000000A1")
	unit := common.HexToAddress("0x00000000000000000000000000000000000000B1")
	worker := common.HexToAddress("0x00000000000000000000000000000000000000C1")
	want := "work:0x00000000000000000000000000000000000000a1:0x00000000000000000000000000000000000000b1"
	if got := WorkKey(agent, unit); got != want {
		t.Fatalf("unexpected work key %q", got)
	}
	want = "score:0x00000000000000000000000000000000000000a1:0x00000000000000000000000000000000000000b1:0x00000000000000000000000000000000000000c1"
	if got := ScoreKey(agent, unit, worker); got != want {
		t.Fatalf("unexpected score key %q", got)
	}
	if len(want) > 191 {
		t.Fatalf("score key exceeds the agent_progress key column: %d", len(want))
	}
}

func TestKeysAreScopedByAgent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	unit := common.HexToAddress("0xb1")
	first := WorkKey(common.HexToAddress("0xa1"), unit)
	second := WorkKey(common.HexToAddress("0xa2"), unit)
	if first == second {
		t.Fatalf("different wallets must not share a key")
	}
	if err := store.MarkDone(ctx, first); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	record, err := store.Claim(ctx, second)
	if err != nil {
		t.Fatalf("second wallet must still claim the unit: %v", err)
	}
	if record.State != StateInProgress {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestNewRedisStoreValidates(t *testing.T) {
	if _, err := NewRedisStore(nil, "k"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestRedisStoreLive(t *testing.T) {
	addr := os.Getenv("CHAOSORACLE_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAOSORACLE_TEST_REDIS not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	key := "chaosoracle:test:progress:" + t.Name()
	client.Del(context.Background(), key)

	store, err := NewRedisStore(client, key)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() {
		client.Del(context.Background(), key)
		store.Close()
	})
	exerciseStore(t, store)
}
