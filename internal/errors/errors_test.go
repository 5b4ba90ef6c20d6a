package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := Wrap(CodeConnectivity, cause, "读取活跃市场失败")

	if CodeOf(err) != CodeConnectivity {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable via errors.Is")
	}
	if !stdErrors.Is(err, New(CodeConnectivity, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(err, New(CodeLedgerLogic, "")) {
		t.Fatalf("codes must not match across kinds")
	}
}

func TestHasCodeWalksNestedErrors(t *testing.T) {
	inner := New(CodeTransactionFailed, "receipt status 0")
	outer := Wrap(CodeExternalService, fmt.Errorf("submit: %w", inner), "提交失败")

	if !HasCode(outer, CodeTransactionFailed) {
		t.Fatalf("expected nested code to be found")
	}
	if !HasCode(outer, CodeExternalService) {
		t.Fatalf("expected outer code to be found")
	}
	if HasCode(outer, CodeConnectivity) {
		t.Fatalf("unexpected code match")
	}
	if HasCode(stdErrors.New("plain"), CodeUnknown) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestAttributesDriveAlerting(t *testing.T) {
	if !ShouldAlert(New(CodeTransactionFailed, "")) {
		t.Fatalf("transaction failures should alert")
	}
	if ShouldAlert(New(CodeLedgerLogic, "")) {
		t.Fatalf("logic errors should not alert")
	}
	if ShouldAlert(New(CodeLedgerLogic, "", WithAlert(true))) != true {
		t.Fatalf("explicit alert option should win")
	}
	if !RetryableError(New(CodeConnectivity, "")) {
		t.Fatalf("connectivity errors are retryable")
	}
	if SeverityOf(stdErrors.New("x")) != SeverityCritical {
		t.Fatalf("unknown errors default to critical severity")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected registered message, got %q", err.Message())
	}
	if !err.Retryable() || err.Severity() != SeverityWarning {
		t.Fatalf("unexpected attributes: retryable=%v severity=%s", err.Retryable(), err.Severity())
	}
}
