package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/verkhohliad/chaos-oracle/internal/evidence"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/llm"
)

const defaultModelScore = 50

const auditSystemPrompt = "You are an expert auditor for a prediction market settlement protocol. " +
	"Evaluate the following worker submission and score it on four dimensions. " +
	"Respond ONLY with valid JSON matching this schema:\n" +
	"{\n" +
	`  "accuracy": <int 0-100>,` + "\n" +
	`  "evidence_quality": <int 0-100>,` + "\n" +
	`  "source_diversity": <int 0-100>,` + "\n" +
	`  "reasoning_depth": <int 0-100>` + "\n" +
	"}\n\n" +
	"Scoring guide:\n" +
	"- accuracy: How likely is the chosen outcome correct given the evidence?\n" +
	"- evidence_quality: Are sources credible, relevant, and properly cited?\n" +
	"- source_diversity: Are multiple independent sources from different domains used?\n" +
	"- reasoning_depth: Is the reasoning chain thorough, logical, and well-structured?"

// Scorer 对 worker 的证据包打分。
type Scorer interface {
	Score(ctx context.Context, pkg evidence.Package, question string, options []string) (ledger.ScoreVector, error)
}

// NewScorer 根据 client 是否为 nil 选择启发式或模型驱动的评分策略。
func NewScorer(client llm.Client, opts ...Option) Scorer {
	o := buildOptions(opts)
	if client == nil {
		o.logger.Warn("未配置大模型凭证，评分策略使用启发式实现")
		return HeuristicScorer{}
	}
	o.logger.Info("评分策略使用大模型")
	return &ModelScorer{client: client, logger: o.logger}
}

// HeuristicScorer 只依据证据包本身打分，不访问网络。
type HeuristicScorer struct{}

// Score 实现 Scorer。
func (HeuristicScorer) Score(_ context.Context, pkg evidence.Package, _ string, _ []string) (ledger.ScoreVector, error) {
	return HeuristicScore(pkg), nil
}

// HeuristicScore 计算启发式评分：
//
//	accuracy         = ⌊confidence·100⌋
//	evidence_quality = min(100, ⌊15·|sources| + 平均摘要长度/5⌋)
//	source_diversity = min(100, 25·不同域名数)
//	reasoning_depth  = min(100, ⌊len(reasoning)/10⌋)
func HeuristicScore(pkg evidence.Package) ledger.ScoreVector {
	accuracy := int(pkg.Confidence * 100)
	quality := int(float64(len(pkg.Sources)*15) + pkg.AverageSnippetLength()/5)
	diversity := len(uniqueDomains(pkg.Sources)) * 25
	depth := len([]rune(pkg.Reasoning)) / 10
	return ledger.NewScoreVector(accuracy, quality, diversity, depth)
}

func uniqueDomains(sources []evidence.Source) map[string]struct{} {
	domains := make(map[string]struct{})
	for _, s := range sources {
		_, rest, ok := strings.Cut(s.URL, "://")
		if !ok {
			continue
		}
		host, _, _ := strings.Cut(rest, "/")
		domains[host] = struct{}{}
	}
	return domains
}

// ModelScorer 请大模型按 4 个维度打分，失败时退回启发式评分。
type ModelScorer struct {
	client llm.Client
	logger *slog.Logger
}

// Score 实现 Scorer。
func (m *ModelScorer) Score(ctx context.Context, pkg evidence.Package, question string, options []string) (ledger.ScoreVector, error) {
	resp, err := m.client.Generate(ctx, llm.Request{
		System: auditSystemPrompt,
		Prompt: auditPrompt(pkg, question, options),
		JSON:   true,
	})
	if err != nil {
		m.logger.Error("评分模型调用失败，退回启发式评分", slog.Any("error", err))
		return HeuristicScore(pkg), nil
	}

	var decoded struct {
		Accuracy        *float64 `json:"accuracy"`
		EvidenceQuality *float64 `json:"evidence_quality"`
		SourceDiversity *float64 `json:"source_diversity"`
		ReasoningDepth  *float64 `json:"reasoning_depth"`
	}
	if err := llm.DecodeJSON(resp.Content, &decoded); err != nil {
		m.logger.Error("评分模型返回内容无法解析，退回启发式评分",
			slog.Any("error", err), slog.String("content", truncate(resp.Content, 200)))
		return HeuristicScore(pkg), nil
	}

	scores := ledger.NewScoreVector(
		scoreOrDefault(decoded.Accuracy),
		scoreOrDefault(decoded.EvidenceQuality),
		scoreOrDefault(decoded.SourceDiversity),
		scoreOrDefault(decoded.ReasoningDepth),
	)
	m.logger.Info("评分模型返回结果", slog.Any("scores", scores.Ints()), slog.String("model", resp.Model))
	return scores, nil
}

func scoreOrDefault(v *float64) int {
	if v == nil {
		return defaultModelScore
	}
	return int(clampFloat(*v, -1, 101))
}

func auditPrompt(pkg evidence.Package, question string, options []string) string {
	reasoning := pkg.Reasoning
	if reasoning == "" {
		reasoning = "(none)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Market Question: %s\n\n", question)
	b.WriteString("Options:\n")
	writeOptions(&b, options)
	fmt.Fprintf(&b, "\nWorker chose outcome: %d (confidence: %v)\n\n", pkg.Outcome, pkg.Confidence)
	b.WriteString("Sources provided:\n")
	writeSources(&b, pkg.Sources)
	fmt.Fprintf(&b, "\nReasoning:\n%s\n\n", reasoning)
	b.WriteString("Please evaluate and score this submission.")
	return b.String()
}
