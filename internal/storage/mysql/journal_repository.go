package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

const journalMemoryLimit = 512

// JournalEntry 记录一次提交尝试，无论成功与否。
type JournalEntry struct {
	ID          int64  `json:"id,omitempty"`
	Action      string `json:"action"`
	Mode        string `json:"mode"`
	Unit        string `json:"unit"`
	Worker      string `json:"worker,omitempty"`
	Outcome     *int   `json:"outcome,omitempty"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
	Scores      []int  `json:"scores,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// JournalRepository 抽象提交日志的持久化接口。
type JournalRepository interface {
	Append(ctx context.Context, entry JournalEntry) error
	ListLatest(ctx context.Context, limit int) ([]JournalEntry, error)
}

// FileJournalRepository 以 JSON lines 追加写本地文件，内存中保留最近的记录。
type FileJournalRepository struct {
	mu       sync.RWMutex
	dataFile string
	entries  []JournalEntry
}

// NewFileJournalRepository 在 dataDir 下创建或恢复 journal.log。
func NewFileJournalRepository(dataDir string) (*FileJournalRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, storageError(err, "创建数据目录失败")
	}
	repo := &FileJournalRepository{dataFile: filepath.Join(dataDir, "journal.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 以追加写的方式记录一次提交。
func (f *FileJournalRepository) Append(_ context.Context, entry JournalEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return storageError(err, "打开提交日志失败")
	}
	defer file.Close()

	entry.ID = int64(len(f.entries)) + 1
	if len(f.entries) > 0 {
		entry.ID = f.entries[0].ID + 1
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return storageError(err, "序列化提交日志失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return storageError(err, "写入提交日志失败")
	}

	f.entries = append([]JournalEntry{entry}, f.entries...)
	if len(f.entries) > journalMemoryLimit {
		f.entries = f.entries[:journalMemoryLimit]
	}
	return nil
}

// ListLatest 返回最近的提交记录，按时间倒序排列。
func (f *FileJournalRepository) ListLatest(_ context.Context, limit int) ([]JournalEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.entries) {
		limit = len(f.entries)
	}
	results := make([]JournalEntry, limit)
	copy(results, f.entries[:limit])
	return results, nil
}

func (f *FileJournalRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return storageError(err, "读取提交日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var restored []JournalEntry
	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		restored = append([]JournalEntry{entry}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return storageError(err, "解析提交日志失败")
	}
	if len(restored) > journalMemoryLimit {
		restored = restored[:journalMemoryLimit]
	}
	f.entries = restored
	return nil
}

// SQLJournalRepository 将提交日志写入 submission_journal 表。
type SQLJournalRepository struct {
	db *sql.DB
}

// NewSQLJournalRepository 使用已完成迁移的连接池创建仓库。
func NewSQLJournalRepository(db *sql.DB) (*SQLJournalRepository, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &SQLJournalRepository{db: db}, nil
}

// Append 写入一条提交记录。
func (s *SQLJournalRepository) Append(ctx context.Context, entry JournalEntry) error {
	const stmt = `INSERT INTO submission_journal
    (action, mode, unit_address, worker_address, outcome, evidence_ref, scores, tx_hash, workflow_id, status, error_message, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var outcome sql.NullInt64
	if entry.Outcome != nil {
		outcome = sql.NullInt64{Int64: int64(*entry.Outcome), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, stmt,
		entry.Action,
		entry.Mode,
		entry.Unit,
		entry.Worker,
		outcome,
		entry.EvidenceRef,
		formatScores(entry.Scores),
		entry.TxHash,
		entry.WorkflowID,
		entry.Status,
		entry.Error,
		entry.CreatedAt,
	); err != nil {
		return storageError(err, "写入提交日志失败")
	}
	return nil
}

// ListLatest 查询最近的若干条提交记录。
func (s *SQLJournalRepository) ListLatest(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, action, mode, unit_address, worker_address, outcome, evidence_ref, scores,
    tx_hash, workflow_id, status, error_message, created_at
    FROM submission_journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageError(err, "查询提交日志失败")
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			entry    JournalEntry
			outcome  sql.NullInt64
			ref      sql.NullString
			scores   string
			errorMsg sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Mode, &entry.Unit, &entry.Worker, &outcome, &ref, &scores,
			&entry.TxHash, &entry.WorkflowID, &entry.Status, &errorMsg, &entry.CreatedAt); err != nil {
			return nil, storageError(err, "解析提交日志失败")
		}
		if outcome.Valid {
			value := int(outcome.Int64)
			entry.Outcome = &value
		}
		entry.EvidenceRef = ref.String
		entry.Error = errorMsg.String
		entry.Scores = parseScores(scores)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历提交日志失败")
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (s *SQLJournalRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatScores(scores []int) string {
	parts := make([]string, len(scores))
	for i, v := range scores {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func parseScores(raw string) []int {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	scores := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil
		}
		scores = append(scores, v)
	}
	return scores
}

var (
	_ JournalRepository = (*FileJournalRepository)(nil)
	_ JournalRepository = (*SQLJournalRepository)(nil)
)
