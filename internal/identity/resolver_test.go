package identity

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/ledger/ledgertest"
	"github.com/verkhohliad/chaos-oracle/internal/web3"
)

const testKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	identityAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

type fixture struct {
	chain    *ledgertest.Chain
	sender   *web3.Transactor
	cache    *FileCache
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	chain := ledgertest.New(registryAddr)
	chain.Bind(identityAddr, ledger.DefaultContracts().Identity)

	key, err := web3.ParsePrivateKey(testKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	sender, err := web3.NewTransactor(chain, key, web3.WithReceiptPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}
	cache := NewFileCache(filepath.Join(t.TempDir(), "chaoschain_agent_ids.json"))
	resolver, err := NewResolver(chain, sender, identityAddr, cache, "agent.example.com")
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return &fixture{chain: chain, sender: sender, cache: cache, resolver: resolver}
}

// mintOnRegister makes register mint token id to the caller.
func (f *fixture) mintOnRegister(t *testing.T, id int64) {
	transfer := ledger.DefaultContracts().Identity.Events["Transfer"].ID
	f.chain.OnTransaction(identityAddr, "register", func(from common.Address, _ *big.Int, args []any) (uint64, []*types.Log) {
		if args[0].(string) != "https://agent.example.com/.well-known/agent.json" {
			t.Errorf("unexpected token uri %v", args[0])
		}
		f.chain.Return(identityAddr, "balanceOf", big.NewInt(1))
		f.chain.Return(identityAddr, "tokenOfOwnerByIndex", big.NewInt(id))
		return types.ReceiptStatusSuccessful, []*types.Log{{
			Address: identityAddr,
			Topics: []common.Hash{
				transfer,
				{},
				common.BytesToHash(from.Bytes()),
				common.BigToHash(big.NewInt(id)),
			},
		}}
	})
}

func TestResolveRegistersOnceAndCaches(t *testing.T) {
	f := newFixture(t)
	f.chain.Return(identityAddr, "balanceOf", big.NewInt(0))
	f.mintOnRegister(t, 42)

	id, err := f.resolver.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected id 42, got %d", id)
	}
	cached, ok, err := f.cache.Get(context.Background(), f.sender.From().Hex())
	if err != nil || !ok || cached != 42 {
		t.Fatalf("id not written back: %d %v %v", cached, ok, err)
	}

	// A fresh resolver over the same cache file must not register again.
	again, err := NewResolver(f.chain, f.sender, identityAddr, f.cache, "agent.example.com")
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if id, err := again.Resolve(context.Background()); err != nil || id != 42 {
		t.Fatalf("second resolve: %d %v", id, err)
	}
	if f.chain.Sent("register") != 1 {
		t.Fatalf("expected exactly one registration, got %d", f.chain.Sent("register"))
	}
	if f.chain.Calls("balanceOf") != 1 {
		t.Fatalf("cache hit must skip the chain lookup, got %d balanceOf calls", f.chain.Calls("balanceOf"))
	}
}

func TestResolveFindsExistingIdentity(t *testing.T) {
	f := newFixture(t)
	f.chain.Return(identityAddr, "balanceOf", big.NewInt(1))
	f.chain.Return(identityAddr, "tokenOfOwnerByIndex", big.NewInt(7))

	id, err := f.resolver.Resolve(context.Background())
	if err != nil || id != 7 {
		t.Fatalf("resolve: %d %v", id, err)
	}
	if f.chain.Sent("register") != 0 {
		t.Fatalf("existing identity must not be registered again")
	}
	if cached, ok, _ := f.cache.Get(context.Background(), f.sender.From().Hex()); !ok || cached != 7 {
		t.Fatalf("on-chain id not cached")
	}
}

func TestResolveRejectsOversizedTokenID(t *testing.T) {
	f := newFixture(t)
	huge := new(big.Int).Lsh(big.NewInt(1), 64)
	f.chain.Return(identityAddr, "balanceOf", big.NewInt(1))
	f.chain.Return(identityAddr, "tokenOfOwnerByIndex", huge)

	_, err := f.resolver.Resolve(context.Background())
	if !xerrors.HasCode(err, xerrors.CodeLedgerLogic) {
		t.Fatalf("expected ledger logic error, got %v", err)
	}
	if _, ok, _ := f.cache.Get(context.Background(), f.sender.From().Hex()); ok {
		t.Fatalf("truncated id must not be cached")
	}
}

func TestTokenIDBounds(t *testing.T) {
	max := new(big.Int).SetUint64(^uint64(0))
	if id, err := tokenID(max); err != nil || id != ^uint64(0) {
		t.Fatalf("max uint64 must be accepted: %d %v", id, err)
	}
	if _, err := tokenID(new(big.Int).Add(max, big.NewInt(1))); !xerrors.HasCode(err, xerrors.CodeLedgerLogic) {
		t.Fatalf("expected ledger logic error, got %v", err)
	}
	if _, err := tokenID(big.NewInt(-1)); err == nil {
		t.Fatalf("negative id must be rejected")
	}
}

func TestResolveRevertedRegistration(t *testing.T) {
	f := newFixture(t)
	f.chain.Return(identityAddr, "balanceOf", big.NewInt(0))
	f.chain.OnTransaction(identityAddr, "register", func(common.Address, *big.Int, []any) (uint64, []*types.Log) {
		return types.ReceiptStatusFailed, nil
	})

	_, err := f.resolver.Resolve(context.Background())
	if !xerrors.HasCode(err, xerrors.CodeTransactionFailed) {
		t.Fatalf("expected transaction failure, got %v", err)
	}
	if _, ok, _ := f.cache.Get(context.Background(), f.sender.From().Hex()); ok {
		t.Fatalf("failed registration must not be cached")
	}
}

func TestResolveConnectivityFailure(t *testing.T) {
	f := newFixture(t)
	f.chain.FailCalls(os.ErrDeadlineExceeded)
	if _, err := f.resolver.Resolve(context.Background()); !web3.IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}

func TestFileCacheToleratesCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cache := NewFileCache(path)
	if _, ok, err := cache.Get(context.Background(), "0x01"); ok || err != nil {
		t.Fatalf("corrupt cache should read as miss: %v %v", ok, err)
	}
	if err := cache.Put(context.Background(), "0x01", 3); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put(context.Background(), "0x02", 4); err != nil {
		t.Fatalf("put: %v", err)
	}
	if id, ok, _ := cache.Get(context.Background(), "0x01"); !ok || id != 3 {
		t.Fatalf("existing entries must be preserved, got %d %v", id, ok)
	}
}

func TestNewResolverValidates(t *testing.T) {
	chain := ledgertest.New(registryAddr)
	key, _ := web3.ParsePrivateKey(testKey)
	sender, _ := web3.NewTransactor(chain, key)
	cache := NewFileCache(filepath.Join(t.TempDir(), "ids.json"))

	if _, err := NewResolver(chain, sender, common.Address{}, cache, "d"); err == nil {
		t.Fatalf("expected error for zero registry")
	}
	if _, err := NewResolver(chain, sender, identityAddr, nil, "d"); err == nil {
		t.Fatalf("expected error for nil cache")
	}
}
