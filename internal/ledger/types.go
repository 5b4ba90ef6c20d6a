package ledger

import (
	"github.com/ethereum/go-ethereum/common"
)

// MaxOptions 是单次读取的选项数量上限，超过部分不会被读取。
const MaxOptions = 20

// Unit 是一个预测市场（studio）在某一时刻的只读快照。
type Unit struct {
	Address       common.Address `json:"address"`
	Question      string         `json:"question"`
	Options       []string       `json:"options"`
	WorkerCount   uint64         `json:"worker_count"`
	VerifierCount uint64         `json:"verifier_count"`
	Closed        bool           `json:"closed"`
}

// Submission 是 worker 在某个市场中的一次提交。Timestamp 为 0 表示尚未提交。
type Submission struct {
	Unit        common.Address `json:"unit"`
	Worker      common.Address `json:"worker"`
	Outcome     uint8          `json:"outcome"`
	EvidenceRef string         `json:"evidence_ref"`
	Timestamp   uint64         `json:"timestamp"`
}

// 评分向量各维度的下标。
const (
	ScoreAccuracy = iota
	ScoreEvidenceQuality
	ScoreSourceDiversity
	ScoreReasoningDepth
)

// ScoreVector 按 [accuracy, evidence_quality, source_diversity, reasoning_depth]
// 顺序保存 4 个 0-100 的分数。
type ScoreVector [4]uint8

// Ints 返回便于序列化的整数切片。
func (s ScoreVector) Ints() []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

// NewScoreVector 将任意整数裁剪到 [0,100] 后构造评分向量。
func NewScoreVector(accuracy, evidenceQuality, sourceDiversity, reasoningDepth int) ScoreVector {
	return ScoreVector{
		clampScore(accuracy),
		clampScore(evidenceQuality),
		clampScore(sourceDiversity),
		clampScore(reasoningDepth),
	}
}

func clampScore(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}
