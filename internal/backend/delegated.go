package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/verkhohliad/chaos-oracle/internal/config"
	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/gateway"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
)

const (
	defaultWorkTimeout  = 120 * time.Second
	defaultScoreTimeout = 180 * time.Second
)

// DelegatedSettings 描述委托模式下的工作流参数。
type DelegatedSettings struct {
	Network      string
	Epoch        uint64
	WorkTimeout  time.Duration
	ScoreTimeout time.Duration
}

// Delegated 通过远程编排服务完成注册、质押与提交，并阻塞等待工作流结束。
type Delegated struct {
	client   *gateway.Client
	signer   common.Address
	stakes   Stakes
	settings DelegatedSettings
	identity IdentityResolver
	logger   *slog.Logger
}

// NewDelegated 创建委托模式的 Backend。
func NewDelegated(client *gateway.Client, signer common.Address, stakes Stakes, settings DelegatedSettings, opts ...Option) (*Delegated, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "委托模式需要编排服务客户端")
	}
	if signer == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "委托模式需要签名地址")
	}
	if settings.WorkTimeout <= 0 {
		settings.WorkTimeout = defaultWorkTimeout
	}
	if settings.ScoreTimeout <= 0 {
		settings.ScoreTimeout = defaultScoreTimeout
	}
	if settings.Epoch == 0 {
		settings.Epoch = 1
	}
	o := applyOptions(opts)
	return &Delegated{
		client:   client,
		signer:   signer,
		stakes:   stakes.normalized(),
		settings: settings,
		identity: o.identity,
		logger:   o.logger,
	}, nil
}

// Mode 实现 Backend。
func (d *Delegated) Mode() string { return config.ModeDelegated }

// Address 实现 Backend。
func (d *Delegated) Address() common.Address { return d.signer }

// RegisterIdentity 实现 Backend。
func (d *Delegated) RegisterIdentity(ctx context.Context) (uint64, error) {
	return resolveIdentity(ctx, d.identity)
}

// SubmitWork 注册为 worker，提交结果承诺并等待工作流完成。
func (d *Delegated) SubmitWork(ctx context.Context, unit common.Address, outcome int, ref string) (Receipt, error) {
	if _, err := outcomeIndex(outcome); err != nil {
		return Receipt{}, err
	}
	if err := d.register(ctx, unit, gateway.RoleWorker, d.stakes.Worker.String()); err != nil {
		return Receipt{}, err
	}
	zeroRoot := common.Hash{}.Hex()
	wf, err := d.client.SubmitWork(ctx, gateway.WorkSubmission{
		Studio:        unit.Hex(),
		Epoch:         d.settings.Epoch,
		DataHash:      WorkCommitment(ref, outcome).Hex(),
		ThreadRoot:    zeroRoot,
		EvidenceRoot:  zeroRoot,
		SignerAddress: d.signer.Hex(),
		Network:       d.settings.Network,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("提交工作流失败: %w", err)
	}
	d.logger.Info("已创建工作提交流程",
		slog.String("unit", unit.Hex()),
		slog.String("workflow", wf.ID),
		slog.Int("outcome", outcome))
	return d.wait(ctx, wf, d.settings.WorkTimeout)
}

// SubmitScores 注册为 verifier，提交评分并等待工作流完成。
func (d *Delegated) SubmitScores(ctx context.Context, unit, worker common.Address, scores ledger.ScoreVector) (Receipt, error) {
	if err := d.register(ctx, unit, gateway.RoleVerifier, d.stakes.Verifier.String()); err != nil {
		return Receipt{}, err
	}
	wf, err := d.client.SubmitScores(ctx, gateway.ScoreSubmission{
		Studio:        unit.Hex(),
		Epoch:         d.settings.Epoch,
		DataHash:      ScoreCommitment(worker).Hex(),
		WorkerAddress: worker.Hex(),
		Scores:        scores.Ints(),
		SignerAddress: d.signer.Hex(),
		Network:       d.settings.Network,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("提交评分工作流失败: %w", err)
	}
	d.logger.Info("已创建评分提交流程",
		slog.String("unit", unit.Hex()),
		slog.String("worker", worker.Hex()),
		slog.String("workflow", wf.ID))
	return d.wait(ctx, wf, d.settings.ScoreTimeout)
}

func (d *Delegated) register(ctx context.Context, unit common.Address, role gateway.Role, stake string) error {
	agentID, err := resolveIdentity(ctx, d.identity)
	if err != nil {
		return err
	}
	result, err := d.client.RegisterWithStudio(ctx, unit.Hex(), gateway.Registration{
		Role:         role,
		StakeWei:     stake,
		AgentAddress: d.signer.Hex(),
		AgentID:      agentID,
		Network:      d.settings.Network,
	})
	if err != nil {
		return fmt.Errorf("通过编排服务注册 %s 失败: %w", role, err)
	}
	d.logger.Debug("编排服务注册完成",
		slog.String("unit", unit.Hex()),
		slog.String("role", string(role)),
		slog.String("status", result.Status))
	return nil
}

func (d *Delegated) wait(ctx context.Context, wf gateway.Workflow, timeout time.Duration) (Receipt, error) {
	done, err := d.client.WaitForCompletion(ctx, wf.ID, timeout)
	receipt := Receipt{WorkflowID: wf.ID, State: done.State, TxHash: done.TxHash}
	if receipt.State == "" {
		receipt.State = wf.State
	}
	return receipt, err
}

// WorkCommitment 计算工作提交的数据承诺：对按键排序的
// {"evidence_cid": ref, "outcome": n} JSON 取 keccak256。
// 序列化格式为 ", " 与 ": " 分隔、非 ASCII 字符转义为 \uXXXX。
func WorkCommitment(ref string, outcome int) common.Hash {
	payload := fmt.Sprintf(`{"evidence_cid": %s, "outcome": %d}`, asciiJSONString(ref), outcome)
	return crypto.Keccak256Hash([]byte(payload))
}

// ScoreCommitment 计算评分提交的数据承诺：小写地址字符串的 keccak256。
func ScoreCommitment(worker common.Address) common.Hash {
	return crypto.Keccak256Hash([]byte(strings.ToLower(worker.Hex())))
}

func asciiJSONString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r < 0x7f:
				b.WriteRune(r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(&b, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(&b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

var _ Backend = (*Delegated)(nil)
