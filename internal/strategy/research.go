package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/verkhohliad/chaos-oracle/internal/evidence"
	"github.com/verkhohliad/chaos-oracle/internal/knowledge"
	"github.com/verkhohliad/chaos-oracle/internal/llm"
)

const (
	heuristicConfidence = 0.5
	fallbackConfidence  = 0.3
	forcedConfidence    = 0.99
	forcedSourceURL     = "env://WORKER_FORCED_OUTCOME"
)

const researchSystemPrompt = "You are a prediction market research analyst. Given a market question, " +
	"possible outcomes, and web search results, determine the most likely " +
	"outcome. Respond ONLY with valid JSON matching this schema:\n" +
	`{"outcome_index": <int>, "confidence": <float 0-1>, "reasoning": "<string>"}`

// Research 是一次研究的结果。
type Research struct {
	Outcome    int
	Confidence float64
	Sources    []evidence.Source
	Reasoning  string
}

// Researcher 为市场问题选出最可能的结果。
type Researcher interface {
	Research(ctx context.Context, question string, options []string) (Research, error)
}

// Option 定义策略的可选配置。
type Option func(*options)

type options struct {
	logger  *slog.Logger
	catalog knowledge.Provider
	forced  *int
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCatalog 设置研究阶段使用的资料目录。
func WithCatalog(catalog knowledge.Provider) Option {
	return func(o *options) {
		if catalog != nil {
			o.catalog = catalog
		}
	}
}

// WithForcedOutcome 让研究直接返回指定的选项下标，供本地端到端测试使用。
// 越界的下标会被记录并忽略。
func WithForcedOutcome(index int) Option {
	return func(o *options) {
		o.forced = &index
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.catalog == nil {
		o.catalog = knowledge.NewStaticProvider(knowledge.DefaultEntries(), 0)
	}
	return o
}

// NewResearcher 根据 client 是否为 nil 选择启发式或模型驱动的研究策略。
func NewResearcher(client llm.Client, opts ...Option) Researcher {
	o := buildOptions(opts)
	heuristic := &HeuristicResearcher{catalog: o.catalog, logger: o.logger}

	var next Researcher = heuristic
	if client != nil {
		next = &ModelResearcher{client: client, catalog: o.catalog, logger: o.logger}
		o.logger.Info("研究策略使用大模型")
	} else {
		o.logger.Warn("未配置大模型凭证，研究策略使用启发式实现")
	}
	if o.forced != nil {
		return &forcedResearcher{index: *o.forced, next: next, logger: o.logger}
	}
	return next
}

// HeuristicResearcher 始终选择第一个选项。
type HeuristicResearcher struct {
	catalog knowledge.Provider
	logger  *slog.Logger
}

// Research 实现 Researcher。
func (h *HeuristicResearcher) Research(_ context.Context, question string, options []string) (Research, error) {
	sources := h.catalog.Query(question)
	return Research{
		Outcome:    0,
		Confidence: heuristicConfidence,
		Sources:    sources,
		Reasoning: fmt.Sprintf("Heuristic analysis for: '%s'. Options: %s. "+
			"No model configured; defaulting to option 0. Sources consulted: %d.",
			question, formatOptionList(options), len(sources)),
	}, nil
}

// ModelResearcher 让大模型在资料的基础上选择结果。
type ModelResearcher struct {
	client  llm.Client
	catalog knowledge.Provider
	logger  *slog.Logger
}

// Research 实现 Researcher。模型调用或解析失败时返回选项 0，置信度 0.3。
func (m *ModelResearcher) Research(ctx context.Context, question string, options []string) (Research, error) {
	sources := m.catalog.Query(question)

	resp, err := m.client.Generate(ctx, llm.Request{
		System: researchSystemPrompt,
		Prompt: researchPrompt(question, options, sources),
		JSON:   true,
	})
	if err != nil {
		m.logger.Error("研究模型调用失败，使用兜底结果", slog.Any("error", err))
		return fallbackResearch(question, sources), nil
	}

	var decoded struct {
		OutcomeIndex *float64 `json:"outcome_index"`
		Confidence   *float64 `json:"confidence"`
		Reasoning    string   `json:"reasoning"`
	}
	if err := llm.DecodeJSON(resp.Content, &decoded); err != nil {
		m.logger.Error("研究模型返回内容无法解析，使用兜底结果",
			slog.Any("error", err), slog.String("content", truncate(resp.Content, 200)))
		return fallbackResearch(question, sources), nil
	}

	outcome := 0
	if decoded.OutcomeIndex != nil {
		outcome = int(*decoded.OutcomeIndex)
	}
	confidence := heuristicConfidence
	if decoded.Confidence != nil {
		confidence = *decoded.Confidence
	}
	result := Research{
		Outcome:    clampInt(outcome, 0, len(options)-1),
		Confidence: clampFloat(confidence, 0, 1),
		Sources:    sources,
		Reasoning:  decoded.Reasoning,
	}
	m.logger.Info("研究模型返回结果",
		slog.Int("outcome", result.Outcome),
		slog.Float64("confidence", result.Confidence),
		slog.String("model", resp.Model))
	return result, nil
}

func fallbackResearch(question string, sources []evidence.Source) Research {
	return Research{
		Outcome:    0,
		Confidence: fallbackConfidence,
		Sources:    sources,
		Reasoning:  fmt.Sprintf("Model call failed; fallback to option 0 for '%s'.", question),
	}
}

type forcedResearcher struct {
	index  int
	next   Researcher
	logger *slog.Logger
}

func (f *forcedResearcher) Research(ctx context.Context, question string, options []string) (Research, error) {
	if f.index < 0 || f.index >= len(options) {
		f.logger.Warn("强制结果下标越界，按正常流程研究",
			slog.Int("outcome", f.index), slog.Int("options", len(options)))
		return f.next.Research(ctx, question, options)
	}
	f.logger.Info("使用强制结果", slog.Int("outcome", f.index))
	return Research{
		Outcome:    f.index,
		Confidence: forcedConfidence,
		Sources: []evidence.Source{{
			URL:     forcedSourceURL,
			Title:   "Forced outcome",
			Snippet: fmt.Sprintf("Forced to outcome %d via WORKER_FORCED_OUTCOME env var", f.index),
		}},
		Reasoning: fmt.Sprintf("Forced outcome=%d via WORKER_FORCED_OUTCOME env var (local testing).", f.index),
	}, nil
}

func researchPrompt(question string, options []string, sources []evidence.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	b.WriteString("Options:\n")
	writeOptions(&b, options)
	b.WriteString("\nSources:\n")
	writeSources(&b, sources)
	b.WriteString("\nAnalyze the evidence and select the most likely outcome.")
	return b.String()
}

func writeOptions(b *strings.Builder, options []string) {
	for i, option := range options {
		fmt.Fprintf(b, "  %d: %s\n", i, option)
	}
}

func writeSources(b *strings.Builder, sources []evidence.Source) {
	for _, s := range sources {
		title := s.Title
		if title == "" {
			title = "N/A"
		}
		fmt.Fprintf(b, "  - [%s](%s): %s\n", title, s.URL, s.Snippet)
	}
}

func formatOptionList(options []string) string {
	quoted := make([]string, len(options))
	for i, o := range options {
		quoted[i] = "'" + o + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
