package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/verkhohliad/chaos-oracle/internal/archive"
	"github.com/verkhohliad/chaos-oracle/internal/backend"
	"github.com/verkhohliad/chaos-oracle/internal/config"
	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/events"
	"github.com/verkhohliad/chaos-oracle/internal/evidence"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/observability/alerting"
	"github.com/verkhohliad/chaos-oracle/internal/progress"
	"github.com/verkhohliad/chaos-oracle/internal/strategy"
)

var (
	agentAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	unitA     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	unitB     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	workerX   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	workerY   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

type fakeLedger struct {
	mu          sync.Mutex
	units       []common.Address
	activeErr   error
	details     map[common.Address]ledger.Unit
	detailsErr  map[common.Address]error
	submissions map[common.Address][]ledger.Submission
	calls       map[string]int
}

func newFakeLedger(units ...ledger.Unit) *fakeLedger {
	f := &fakeLedger{
		details:     make(map[common.Address]ledger.Unit),
		detailsErr:  make(map[common.Address]error),
		submissions: make(map[common.Address][]ledger.Submission),
		calls:       make(map[string]int),
	}
	for _, u := range units {
		f.units = append(f.units, u.Address)
		f.details[u.Address] = u
	}
	return f
}

func (f *fakeLedger) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeLedger) ActiveUnits(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ActiveUnits"]++
	return f.units, f.activeErr
}

func (f *fakeLedger) UnitDetails(_ context.Context, unit common.Address) (ledger.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UnitDetails"]++
	if err := f.detailsErr[unit]; err != nil {
		return ledger.Unit{}, err
	}
	return f.details[unit], nil
}

func (f *fakeLedger) CanCloseUnit(context.Context, common.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CanCloseUnit"]++
	return false
}

func (f *fakeLedger) UnscoredSubmissions(_ context.Context, unit, _ common.Address) ([]ledger.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UnscoredSubmissions"]++
	return f.submissions[unit], nil
}

type fakeBackend struct {
	addr     common.Address
	mu       sync.Mutex
	work     []string
	scores   []common.Address
	failures int
	failErr  error
	idErr    error
}

func (f *fakeBackend) Mode() string            { return config.ModeDirect }
func (f *fakeBackend) Address() common.Address {
	if f.addr != (common.Address{}) {
		return f.addr
	}
	return agentAddr
}

func (f *fakeBackend) RegisterIdentity(context.Context) (uint64, error) {
	if f.idErr != nil {
		return 0, f.idErr
	}
	return 7, nil
}

func (f *fakeBackend) next() error {
	if f.failures > 0 {
		f.failures--
		if f.failErr != nil {
			return f.failErr
		}
		return xerrors.New(xerrors.CodeConnectivity, "node down")
	}
	return nil
}

func (f *fakeBackend) SubmitWork(_ context.Context, unit common.Address, _ int, ref string) (backend.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return backend.Receipt{}, err
	}
	f.work = append(f.work, unit.Hex()+"|"+ref)
	return backend.Receipt{TxHash: "0xtx", State: "confirmed"}, nil
}

func (f *fakeBackend) SubmitScores(_ context.Context, _ common.Address, worker common.Address, _ ledger.ScoreVector) (backend.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return backend.Receipt{}, err
	}
	f.scores = append(f.scores, worker)
	return backend.Receipt{TxHash: "0xtx", State: "confirmed"}, nil
}

type countingResearcher struct {
	calls int
	panic bool
}

func (c *countingResearcher) Research(_ context.Context, question string, _ []string) (strategy.Research, error) {
	c.calls++
	if c.panic {
		panic("research exploded")
	}
	return strategy.Research{Outcome: 1, Confidence: 0.8, Reasoning: "because " + question}, nil
}

type countingScorer struct {
	calls int
}

func (c *countingScorer) Score(ctx context.Context, pkg evidence.Package, question string, options []string) (ledger.ScoreVector, error) {
	c.calls++
	return strategy.HeuristicScorer{}.Score(ctx, pkg, question, options)
}

type memoryArchive struct {
	stores    int
	retrieves int
	packages  map[string]evidence.Package
}

func newMemoryArchive() *memoryArchive {
	return &memoryArchive{packages: make(map[string]evidence.Package)}
}

func (m *memoryArchive) Store(_ context.Context, pkg evidence.Package) (string, error) {
	m.stores++
	data, err := evidence.Canonical(pkg)
	if err != nil {
		return "", err
	}
	ref := archive.ContentRef(data)
	m.packages[ref] = pkg
	return ref, nil
}

func (m *memoryArchive) Retrieve(_ context.Context, ref string) (evidence.Package, error) {
	m.retrieves++
	if pkg, ok := m.packages[ref]; ok {
		return pkg, nil
	}
	return archive.StubPackage(ref), nil
}

type recordingDispatcher struct {
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.events = append(r.events, event)
	return nil
}

func openUnit(addr common.Address, workers uint64) ledger.Unit {
	return ledger.Unit{Address: addr, Question: "Will it rain?", Options: []string{"yes", "no"}, WorkerCount: workers}
}

func fixedClock() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func newTestWorker(t *testing.T, l *fakeLedger, be *fakeBackend, r strategy.Researcher, store archive.Store, opts ...Option) *Worker {
	t.Helper()
	w, err := NewWorker(l, be, r, evidence.NewBuilder(evidence.WithClock(fixedClock)), store, opts...)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func TestWorkerSubmitsEachUnitOnce(t *testing.T) {
	l := newFakeLedger(openUnit(unitA, 0), openUnit(unitB, 0))
	be := &fakeBackend{}
	researcher := &countingResearcher{}
	pub := events.NewMemoryPublisher()
	w := newTestWorker(t, l, be, researcher, newMemoryArchive(), WithEvents(pub))

	for i := 0; i < 3; i++ {
		if err := w.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if len(be.work) != 2 || researcher.calls != 2 {
		t.Fatalf("expected one submission per unit, got %v (research calls %d)", be.work, researcher.calls)
	}
	published := pub.Events()
	if len(published) != 2 || published[0].Type != events.TypeWorkSubmitted || *published[0].Outcome != 1 {
		t.Fatalf("unexpected events: %+v", published)
	}
	if published[0].Mode != config.ModeDirect || published[0].Agent != agentAddr.Hex() {
		t.Fatalf("events must carry mode and agent: %+v", published[0])
	}
	stats := w.Status(context.Background()).Progress
	if stats.Done != 2 {
		t.Fatalf("expected 2 done entries, got %+v", stats)
	}
}

func TestWorkerReArchivesAfterSubmitFailure(t *testing.T) {
	l := newFakeLedger(openUnit(unitA, 0))
	be := &fakeBackend{failures: 1}
	store := newMemoryArchive()
	researcher := &countingResearcher{}
	w := newTestWorker(t, l, be, researcher, store)

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if len(be.work) != 0 || store.stores != 1 {
		t.Fatalf("expected archived but unsubmitted unit, work=%v stores=%d", be.work, store.stores)
	}
	record, _ := w.progress.Get(context.Background(), progress.WorkKey(agentAddr, unitA))
	if record.State != progress.StateFailed || record.LastError == "" {
		t.Fatalf("expected failed progress record, got %+v", record)
	}

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(be.work) != 1 || store.stores != 2 || researcher.calls != 2 {
		t.Fatalf("expected full pipeline re-run, work=%v stores=%d research=%d", be.work, store.stores, researcher.calls)
	}
}

func TestWorkerSkipsClosedUnits(t *testing.T) {
	closed := openUnit(unitA, 0)
	closed.Closed = true
	l := newFakeLedger(closed)
	be := &fakeBackend{}
	researcher := &countingResearcher{}
	w := newTestWorker(t, l, be, researcher, newMemoryArchive())

	for i := 0; i < 2; i++ {
		if err := w.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if researcher.calls != 0 || len(be.work) != 0 {
		t.Fatalf("closed units must not be researched or submitted")
	}
	if got := l.count("UnitDetails"); got != 1 {
		t.Fatalf("closed unit should be remembered after the first tick, details calls = %d", got)
	}
}

func TestWorkerIsolatesUnitFailures(t *testing.T) {
	l := newFakeLedger(openUnit(unitA, 0), openUnit(unitB, 0))
	l.detailsErr[unitA] = xerrors.New(xerrors.CodeLedgerLogic, "execution reverted")
	be := &fakeBackend{}
	w := newTestWorker(t, l, be, &countingResearcher{}, newMemoryArchive())

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("unit failures must not fail the tick: %v", err)
	}
	if len(be.work) != 1 || be.work[0][:len(unitB.Hex())] != unitB.Hex() {
		t.Fatalf("expected only unit B to be submitted, got %v", be.work)
	}
}

func TestWorkerTickPropagatesConnectivity(t *testing.T) {
	l := newFakeLedger()
	l.activeErr = xerrors.New(xerrors.CodeConnectivity, "connection refused")
	w := newTestWorker(t, l, &fakeBackend{}, &countingResearcher{}, newMemoryArchive())

	if err := w.Tick(context.Background()); !xerrors.HasCode(err, xerrors.CodeConnectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}

func TestWorkerAlertsOnTransactionFailure(t *testing.T) {
	l := newFakeLedger(openUnit(unitA, 0))
	be := &fakeBackend{failures: 1, failErr: xerrors.New(xerrors.CodeTransactionFailed, "", xerrors.WithMetadata("tx_hash", "0xdead"))}
	alerts := &recordingDispatcher{}
	w := newTestWorker(t, l, be, &countingResearcher{}, newMemoryArchive(), WithAlerts(alerts))

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(alerts.events) != 1 || alerts.events[0].Metadata["tx_hash"] != "0xdead" || alerts.events[0].Role != "worker" {
		t.Fatalf("unexpected alerts: %+v", alerts.events)
	}
}

func TestWorkerResumesInProgressEntries(t *testing.T) {
	store := progress.NewMemoryStore()
	if _, err := store.Claim(context.Background(), progress.WorkKey(agentAddr, unitA)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	be := &fakeBackend{}
	w := newTestWorker(t, newFakeLedger(openUnit(unitA, 0)), be, &countingResearcher{}, newMemoryArchive(), WithProgress(store))

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(be.work) != 1 {
		t.Fatalf("in-progress entries must be retried, got %v", be.work)
	}
}

func TestWorkersWithDifferentWalletsShareProgressStore(t *testing.T) {
	store := progress.NewMemoryStore()
	l := newFakeLedger(openUnit(unitA, 0))
	first := &fakeBackend{addr: common.HexToAddress("0x00000000000000000000000000000000000000a1")}
	second := &fakeBackend{addr: common.HexToAddress("0x00000000000000000000000000000000000000a2")}
	w1 := newTestWorker(t, l, first, &countingResearcher{}, newMemoryArchive(), WithProgress(store))
	w2 := newTestWorker(t, l, second, &countingResearcher{}, newMemoryArchive(), WithProgress(store))

	for _, w := range []*Worker{w1, w2, w1, w2} {
		if err := w.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if len(first.work) != 1 || len(second.work) != 1 {
		t.Fatalf("each wallet must submit once, got %v and %v", first.work, second.work)
	}
}

func TestVerifiersWithDifferentWalletsShareProgressStore(t *testing.T) {
	store := progress.NewMemoryStore()
	l := newFakeLedger(openUnit(unitA, 1))
	l.submissions[unitA] = []ledger.Submission{{Unit: unitA, Worker: workerX, EvidenceRef: "ref", Timestamp: 1}}
	first := &fakeBackend{addr: common.HexToAddress("0x00000000000000000000000000000000000000a1")}
	second := &fakeBackend{addr: common.HexToAddress("0x00000000000000000000000000000000000000a2")}
	v1, err := NewVerifier(l, first, &countingScorer{}, newMemoryArchive(), WithProgress(store))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	v2, err := NewVerifier(l, second, &countingScorer{}, newMemoryArchive(), WithProgress(store))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for _, v := range []*Verifier{v1, v2, v1, v2} {
		if err := v.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if len(first.scores) != 1 || len(second.scores) != 1 {
		t.Fatalf("each wallet must score once, got %v and %v", first.scores, second.scores)
	}
}

func TestWorkerSkipsCloseCheckUnlessDebugging(t *testing.T) {
	l := newFakeLedger(openUnit(unitA, 0))
	w := newTestWorker(t, l, &fakeBackend{}, &countingResearcher{}, newMemoryArchive())
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := l.count("CanCloseUnit"); got != 0 {
		t.Fatalf("close check must be skipped at the default level, got %d calls", got)
	}

	l = newFakeLedger(openUnit(unitB, 0))
	debug := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w = newTestWorker(t, l, &fakeBackend{}, &countingResearcher{}, newMemoryArchive(), WithLogger(debug))
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := l.count("CanCloseUnit"); got != 1 {
		t.Fatalf("close check should run when debugging, got %d calls", got)
	}
}

func TestVerifierSkipsUnitsWithoutWorkers(t *testing.T) {
	closed := openUnit(unitB, 2)
	closed.Closed = true
	l := newFakeLedger(openUnit(unitA, 0), closed)
	scorer := &countingScorer{}
	v, err := NewVerifier(l, &fakeBackend{}, scorer, newMemoryArchive())
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if err := v.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if scorer.calls != 0 || l.count("UnscoredSubmissions") != 0 {
		t.Fatalf("expected no evaluation, scorer=%d unscored=%d", scorer.calls, l.count("UnscoredSubmissions"))
	}
}

func TestVerifierScoresEachPairOnce(t *testing.T) {
	l := newFakeLedger(openUnit(unitA, 2))
	stubRef := archive.ContentRef([]byte("x"))
	l.submissions[unitA] = []ledger.Submission{
		{Unit: unitA, Worker: workerX, Outcome: 0, EvidenceRef: stubRef, Timestamp: 1},
		{Unit: unitA, Worker: workerY, Outcome: 1, EvidenceRef: stubRef, Timestamp: 2},
	}
	be := &fakeBackend{}
	scorer := &countingScorer{}
	pub := events.NewMemoryPublisher()
	v, err := NewVerifier(l, be, scorer, newMemoryArchive(), WithEvents(pub))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := v.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if len(be.scores) != 2 || be.scores[0] != workerX || be.scores[1] != workerY {
		t.Fatalf("expected each pair scored once in read order, got %v", be.scores)
	}
	if scorer.calls != 2 {
		t.Fatalf("expected 2 evaluations, got %d", scorer.calls)
	}
	published := pub.Events()
	if len(published) != 2 || len(published[0].Scores) != 4 {
		t.Fatalf("unexpected events: %+v", published)
	}
}

func TestVerifierRetriesFailedPair(t *testing.T) {
	l := newFakeLedger(openUnit(unitA, 1))
	l.submissions[unitA] = []ledger.Submission{{Unit: unitA, Worker: workerX, EvidenceRef: "ref", Timestamp: 1}}
	be := &fakeBackend{failures: 1}
	v, err := NewVerifier(l, be, &countingScorer{}, newMemoryArchive())
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := v.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if len(be.scores) != 1 {
		t.Fatalf("expected one successful score after a retry, got %v", be.scores)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := newFakeLedger()
	w := newTestWorker(t, l, &fakeBackend{}, &countingResearcher{}, newMemoryArchive(), WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for l.count("ActiveUnits") < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop did not tick")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop after cancellation")
	}
	status := w.Status(context.Background())
	if status.Running || status.Ticks < 3 || status.AgentID != 7 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestRunFailsWhenIdentityUnavailable(t *testing.T) {
	be := &fakeBackend{idErr: xerrors.New(xerrors.CodeConnectivity, "down")}
	w := newTestWorker(t, newFakeLedger(), be, &countingResearcher{}, newMemoryArchive())
	if err := w.Run(context.Background()); !xerrors.HasCode(err, xerrors.CodeConnectivity) {
		t.Fatalf("expected identity error, got %v", err)
	}
}

func TestTickPanicIsRecovered(t *testing.T) {
	l := newFakeLedger(openUnit(unitA, 0))
	w := newTestWorker(t, l, &fakeBackend{}, &countingResearcher{panic: true}, newMemoryArchive())

	err := w.safeTick(context.Background(), w.Tick)
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeUnknown {
		t.Fatalf("expected recovered panic error, got %v", err)
	}
}

func TestNewWorkerValidates(t *testing.T) {
	if _, err := NewWorker(nil, &fakeBackend{}, &countingResearcher{}, evidence.NewBuilder(), newMemoryArchive()); err == nil {
		t.Fatalf("expected error for missing ledger")
	}
	if _, err := NewVerifier(newFakeLedger(), &fakeBackend{}, nil, newMemoryArchive()); err == nil {
		t.Fatalf("expected error for missing scorer")
	}
}
