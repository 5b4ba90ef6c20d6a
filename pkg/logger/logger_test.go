package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildWritesJSONWithComponent(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "agent.log")

	set, err := Build(Config{Level: "debug", OutputPaths: []string{out}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	With(set.Main, "worker").Debug("tick finished", "units", 3)
	if err := set.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	file, err := os.Open(out)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["component"] != "worker" || entry["msg"] != "tick finished" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestBuildRejectsAuditWithoutPath(t *testing.T) {
	if _, err := Build(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error when audit path is empty")
	}
}

func TestAuditWriterDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	w, err := newAuditWriter(AuditConfig{Enabled: true, Path: path, MaxBackups: 3})
	if err != nil {
		t.Fatalf("new audit writer: %v", err)
	}
	defer w.Close()

	if w.MaxSize != defaultAuditMaxSizeMB || w.MaxBackups != 3 || w.MaxAge != defaultAuditMaxAgeDays {
		t.Fatalf("unexpected limits: size=%d backups=%d age=%d", w.MaxSize, w.MaxBackups, w.MaxAge)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("expected audit directory to exist: %v", err)
	}
}

func TestAuditLoggerWritesSeparateStream(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	set, err := Build(Config{
		OutputPaths: []string{filepath.Join(dir, "agent.log")},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	set.Audit.Info("work submitted", "unit", "0xb1", "tx_hash", "0xabc")
	set.Main.Info("tick finished")
	if err := set.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), "work submitted") || strings.Contains(string(data), "tick finished") {
		t.Fatalf("audit log should only hold audit entries, got %q", data)
	}
}
