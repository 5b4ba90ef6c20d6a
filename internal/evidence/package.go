package evidence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

// SchemaVersion 是当前证据包格式版本。
const SchemaVersion = "1.0.0"

// confidencePrecision 控制置信度保留的小数位数。
const confidencePrecision = 1e4

// Source 描述一条引用资料。
type Source struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Package 是 worker 研究结果的结构化记录，归档后由 verifier 取回审计。
type Package struct {
	Version    string   `json:"version,omitempty"`
	Question   string   `json:"question"`
	Outcome    int      `json:"outcome"`
	Confidence float64  `json:"confidence"`
	Sources    []Source `json:"sources"`
	Reasoning  string   `json:"reasoning"`
	Timestamp  string   `json:"timestamp"`
}

// Option 定义 Builder 的可选配置。
type Option func(*Builder)

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Builder 校验研究结果并组装证据包。
type Builder struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewBuilder 创建 Builder。
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{now: time.Now, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 组装证据包。问题为空、文本不是合法 UTF-8、选项下标为负或置信度
// 不在 [0,1] 时返回 CodeInvalidArgument 错误；置信度四舍五入到 4 位小数。
func (b *Builder) Build(question string, outcome int, confidence float64, sources []Source, reasoning string) (Package, error) {
	if question == "" {
		return Package{}, xerrors.New(xerrors.CodeInvalidArgument, "证据包的问题不能为空")
	}
	if outcome < 0 {
		return Package{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("选项下标必须 >= 0，当前为 %d", outcome))
	}
	if !(confidence >= 0 && confidence <= 1) {
		return Package{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("置信度必须位于 [0, 1]，当前为 %v", confidence))
	}

	normalised := make([]Source, 0, len(sources))
	normalised = append(normalised, sources...)

	pkg := Package{
		Version:    SchemaVersion,
		Question:   question,
		Outcome:    outcome,
		Confidence: math.Round(confidence*confidencePrecision) / confidencePrecision,
		Sources:    normalised,
		Reasoning:  reasoning,
		Timestamp:  b.now().UTC().Format(time.RFC3339Nano),
	}
	if err := pkg.checkText(); err != nil {
		return Package{}, err
	}
	b.logger.Info("证据包已生成",
		slog.String("question", truncate(question, 80)),
		slog.Int("outcome", outcome),
		slog.Float64("confidence", pkg.Confidence),
		slog.Int("sources", len(normalised)))
	return pkg, nil
}

// canonicalSource 与 canonicalPackage 的字段按 JSON 键的字典序声明，
// encoding/json 按声明顺序输出，因此编码结果即规范形式。
type canonicalSource struct {
	Snippet string `json:"snippet"`
	Title   string `json:"title"`
	URL     string `json:"url"`
}

type canonicalPackage struct {
	Confidence float64           `json:"confidence"`
	Outcome    int               `json:"outcome"`
	Question   string            `json:"question"`
	Reasoning  string            `json:"reasoning"`
	Sources    []canonicalSource `json:"sources"`
	Timestamp  string            `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
}

// Canonical 返回证据包的规范化 JSON：键按字典序排列、无多余空白。
// 相同内容始终得到相同字节，归档引用因此保持稳定。文本字段含非法
// UTF-8 时返回 CodeInvalidArgument。
func Canonical(pkg Package) ([]byte, error) {
	if err := pkg.checkText(); err != nil {
		return nil, err
	}
	out := canonicalPackage{
		Confidence: pkg.Confidence,
		Outcome:    pkg.Outcome,
		Question:   pkg.Question,
		Reasoning:  pkg.Reasoning,
		Sources:    make([]canonicalSource, 0, len(pkg.Sources)),
		Timestamp:  pkg.Timestamp,
		Version:    pkg.Version,
	}
	for _, src := range pkg.Sources {
		out.Sources = append(out.Sources, canonicalSource{Snippet: src.Snippet, Title: src.Title, URL: src.URL})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("编码证据包失败: %w", err)
	}
	return data, nil
}

// checkText 确认所有文本字段都是合法 UTF-8。
func (p Package) checkText() error {
	fields := map[string]string{
		"question":  p.Question,
		"reasoning": p.Reasoning,
		"timestamp": p.Timestamp,
		"version":   p.Version,
	}
	for i, src := range p.Sources {
		fields[fmt.Sprintf("sources[%d].url", i)] = src.URL
		fields[fmt.Sprintf("sources[%d].title", i)] = src.Title
		fields[fmt.Sprintf("sources[%d].snippet", i)] = src.Snippet
	}
	for name, value := range fields {
		if !utf8.ValidString(value) {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("字段 %s 不是合法的 UTF-8", name))
		}
	}
	return nil
}

// Decode 解析归档中取回的证据包。
func Decode(data []byte) (Package, error) {
	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return Package{}, fmt.Errorf("解析证据包失败: %w", err)
	}
	if pkg.Sources == nil {
		pkg.Sources = []Source{}
	}
	return pkg, nil
}

// AverageSnippetLength 返回所有资料摘要的平均长度（按字符计）。
func (p Package) AverageSnippetLength() float64 {
	if len(p.Sources) == 0 {
		return 0
	}
	total := 0
	for _, s := range p.Sources {
		total += len([]rune(s.Snippet))
	}
	return float64(total) / float64(len(p.Sources))
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
