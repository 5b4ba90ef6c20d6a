package backend_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/verkhohliad/chaos-oracle/internal/backend"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/storage/mysql"
)

type stubBackend struct {
	err error
}

func (s *stubBackend) Mode() string            { return "direct" }
func (s *stubBackend) Address() common.Address { return signerAddr }
func (s *stubBackend) RegisterIdentity(context.Context) (uint64, error) {
	return 9, nil
}

func (s *stubBackend) SubmitWork(context.Context, common.Address, int, string) (backend.Receipt, error) {
	return backend.Receipt{TxHash: "0xwork"}, s.err
}

func (s *stubBackend) SubmitScores(context.Context, common.Address, common.Address, ledger.ScoreVector) (backend.Receipt, error) {
	return backend.Receipt{WorkflowID: "wf-1"}, s.err
}

type recordingJournal struct {
	entries []mysql.JournalEntry
	err     error
}

func (r *recordingJournal) Append(_ context.Context, entry mysql.JournalEntry) error {
	r.entries = append(r.entries, entry)
	return r.err
}

func TestWithJournalRecordsAttempts(t *testing.T) {
	journal := &recordingJournal{}
	stub := &stubBackend{}
	b := backend.WithJournal(stub, journal, nil)

	if _, err := b.SubmitWork(context.Background(), unitAddr, 1, "ar-tx-1"); err != nil {
		t.Fatalf("submit work: %v", err)
	}
	stub.err = errors.New("workflow failed")
	if _, err := b.SubmitScores(context.Background(), unitAddr, workerAddr, ledger.NewScoreVector(1, 2, 3, 4)); err == nil {
		t.Fatalf("expected error to pass through")
	}

	if len(journal.entries) != 2 {
		t.Fatalf("expected two journal entries, got %d", len(journal.entries))
	}
	work := journal.entries[0]
	if work.Action != backend.ActionSubmitWork || work.Status != backend.StatusSucceeded || work.TxHash != "0xwork" ||
		work.Outcome == nil || *work.Outcome != 1 || work.EvidenceRef != "ar-tx-1" || work.Worker != signerAddr.Hex() || work.Mode != "direct" {
		t.Fatalf("unexpected work entry: %+v", work)
	}
	scores := journal.entries[1]
	if scores.Action != backend.ActionSubmitScores || scores.Status != backend.StatusFailed || scores.Error != "workflow failed" ||
		scores.WorkflowID != "wf-1" || scores.Worker != workerAddr.Hex() || len(scores.Scores) != 4 {
		t.Fatalf("unexpected scores entry: %+v", scores)
	}

	id, err := b.RegisterIdentity(context.Background())
	if err != nil || id != 9 {
		t.Fatalf("identity must pass through, got %d err=%v", id, err)
	}
}

func TestWithJournalIgnoresJournalErrors(t *testing.T) {
	journal := &recordingJournal{err: errors.New("disk full")}
	b := backend.WithJournal(&stubBackend{}, journal, nil)
	if _, err := b.SubmitWork(context.Background(), unitAddr, 0, "ref"); err != nil {
		t.Fatalf("journal errors must not fail the submission: %v", err)
	}
}

func TestWithJournalNil(t *testing.T) {
	stub := &stubBackend{}
	if b := backend.WithJournal(stub, nil, nil); b != backend.Backend(stub) {
		t.Fatalf("nil journal must return the backend unchanged")
	}
}
