package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/verkhohliad/chaos-oracle/internal/backend"
	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/gateway"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
)

var signerAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")

type fakeGateway struct {
	mu            sync.Mutex
	registrations []gateway.Registration
	work          []gateway.WorkSubmission
	scores        []gateway.ScoreSubmission
	finalState    string
	pollsToFinish int
	polls         int
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/register"):
		var reg gateway.Registration
		_ = json.NewDecoder(r.Body).Decode(&reg)
		f.registrations = append(f.registrations, reg)
		_ = json.NewEncoder(w).Encode(gateway.RegistrationResult{Role: reg.Role, Status: "registered"})
	case r.Method == http.MethodPost && r.URL.Path == "/workflows/work-submission":
		var sub gateway.WorkSubmission
		_ = json.NewDecoder(r.Body).Decode(&sub)
		f.work = append(f.work, sub)
		_ = json.NewEncoder(w).Encode(gateway.Workflow{ID: "wf-work", State: gateway.StateCreated})
	case r.Method == http.MethodPost && r.URL.Path == "/workflows/score-submission":
		var sub gateway.ScoreSubmission
		_ = json.NewDecoder(r.Body).Decode(&sub)
		f.scores = append(f.scores, sub)
		_ = json.NewEncoder(w).Encode(gateway.Workflow{ID: "wf-score", State: gateway.StateCreated})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/workflows/"):
		f.polls++
		wf := gateway.Workflow{ID: strings.TrimPrefix(r.URL.Path, "/workflows/"), State: gateway.StateRunning}
		if f.pollsToFinish > 0 && f.polls >= f.pollsToFinish {
			wf.State = f.finalState
			if wf.State == gateway.StateCompleted {
				wf.TxHash = "0xfeed"
			} else {
				wf.Error = "insufficient stake"
			}
		}
		_ = json.NewEncoder(w).Encode(wf)
	default:
		http.NotFound(w, r)
	}
}

func newDelegated(t *testing.T, fake *fakeGateway, settings backend.DelegatedSettings, opts ...backend.Option) *backend.Delegated {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client, err := gateway.NewClient(srv.URL, gateway.WithHTTPClient(srv.Client()), gateway.WithPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("new gateway client: %v", err)
	}
	d, err := backend.NewDelegated(client, signerAddr, backend.Stakes{}, settings, opts...)
	if err != nil {
		t.Fatalf("new delegated backend: %v", err)
	}
	return d
}

func TestDelegatedSubmitWork(t *testing.T) {
	fake := &fakeGateway{finalState: gateway.StateCompleted, pollsToFinish: 2}
	d := newDelegated(t, fake, backend.DelegatedSettings{Network: "ethereum_sepolia", Epoch: 3}, backend.WithIdentity(&staticIdentity{id: 7}))

	receipt, err := d.SubmitWork(context.Background(), unitAddr, 1, "ar-tx-1")
	if err != nil {
		t.Fatalf("submit work: %v", err)
	}
	if receipt.WorkflowID != "wf-work" || receipt.State != gateway.StateCompleted || receipt.TxHash != "0xfeed" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.registrations) != 1 {
		t.Fatalf("expected one registration, got %d", len(fake.registrations))
	}
	reg := fake.registrations[0]
	if reg.Role != gateway.RoleWorker || reg.AgentID != 7 || reg.AgentAddress != signerAddr.Hex() || reg.StakeWei != "0" {
		t.Fatalf("unexpected registration: %+v", reg)
	}
	sub := fake.work[0]
	zero := common.Hash{}.Hex()
	if sub.DataHash != backend.WorkCommitment("ar-tx-1", 1).Hex() || sub.Epoch != 3 ||
		sub.ThreadRoot != zero || sub.EvidenceRoot != zero || sub.Studio != unitAddr.Hex() || sub.Network != "ethereum_sepolia" {
		t.Fatalf("unexpected work submission: %+v", sub)
	}
}

func TestDelegatedSubmitScores(t *testing.T) {
	fake := &fakeGateway{finalState: gateway.StateCompleted, pollsToFinish: 1}
	d := newDelegated(t, fake, backend.DelegatedSettings{})

	if _, err := d.SubmitScores(context.Background(), unitAddr, workerAddr, ledger.NewScoreVector(70, 45, 50, 12)); err != nil {
		t.Fatalf("submit scores: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.registrations[0].Role != gateway.RoleVerifier {
		t.Fatalf("expected verifier registration, got %+v", fake.registrations[0])
	}
	sub := fake.scores[0]
	if sub.DataHash != backend.ScoreCommitment(workerAddr).Hex() || sub.WorkerAddress != workerAddr.Hex() || sub.Epoch != 1 {
		t.Fatalf("unexpected score submission: %+v", sub)
	}
	if len(sub.Scores) != 4 || sub.Scores[0] != 70 || sub.Scores[3] != 12 {
		t.Fatalf("unexpected scores: %v", sub.Scores)
	}
}

func TestDelegatedWorkflowFailure(t *testing.T) {
	fake := &fakeGateway{finalState: gateway.StateFailed, pollsToFinish: 1}
	d := newDelegated(t, fake, backend.DelegatedSettings{})

	receipt, err := d.SubmitWork(context.Background(), unitAddr, 0, "ref")
	if !xerrors.HasCode(err, xerrors.CodeWorkflowFailed) {
		t.Fatalf("expected workflow failure, got %v", err)
	}
	if receipt.WorkflowID != "wf-work" || receipt.State != gateway.StateFailed {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestDelegatedWorkflowTimeout(t *testing.T) {
	fake := &fakeGateway{}
	d := newDelegated(t, fake, backend.DelegatedSettings{WorkTimeout: 20 * time.Millisecond})

	_, err := d.SubmitWork(context.Background(), unitAddr, 0, "ref")
	if !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestDelegatedIdentityFailureStopsSubmission(t *testing.T) {
	fake := &fakeGateway{finalState: gateway.StateCompleted, pollsToFinish: 1}
	failing := &staticIdentity{err: xerrors.New(xerrors.CodeConnectivity, "rpc down")}
	d := newDelegated(t, fake, backend.DelegatedSettings{}, backend.WithIdentity(failing))

	if _, err := d.SubmitWork(context.Background(), unitAddr, 0, "ref"); !xerrors.HasCode(err, xerrors.CodeConnectivity) {
		t.Fatalf("expected identity error, got %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.registrations) != 0 || len(fake.work) != 0 {
		t.Fatalf("nothing should reach the gateway")
	}
}

func TestWorkCommitment(t *testing.T) {
	got := backend.WorkCommitment("ar-tx-1", 2)
	want := crypto.Keccak256Hash([]byte(`{"evidence_cid": "ar-tx-1", "outcome": 2}`))
	if got != want {
		t.Fatalf("WorkCommitment = %s, want %s", got.Hex(), want.Hex())
	}

	escaped := backend.WorkCommitment("é\"\\\n\x7f😀", 0)
	wantEscaped := crypto.Keccak256Hash([]byte(`{"evidence_cid": "\u00e9\"\\\n\u007f\ud83d\ude00", "outcome": 0}`))
	if escaped != wantEscaped {
		t.Fatalf("non-ASCII refs must be escaped like ensure_ascii JSON")
	}
}

func TestScoreCommitment(t *testing.T) {
	worker := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	want := crypto.Keccak256Hash([]byte("0xabcdef0000000000000000000000000000000001"))
	if got := backend.ScoreCommitment(worker); got != want {
		t.Fatalf("ScoreCommitment = %s, want %s", got.Hex(), want.Hex())
	}
}
