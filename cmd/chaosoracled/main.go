package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/verkhohliad/chaos-oracle/internal/agent"
	"github.com/verkhohliad/chaos-oracle/internal/api"
	"github.com/verkhohliad/chaos-oracle/internal/evidence"
	"github.com/verkhohliad/chaos-oracle/internal/strategy"
	"github.com/verkhohliad/chaos-oracle/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "chaosoracled",
	Short:         "ChaosOracle 预测市场 worker / verifier 守护进程",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "运行 worker：研究问题、归档证据并提交选项",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runAgent(cmd.Context(), agent.RoleWorker)
	},
}

var verifierCmd = &cobra.Command{
	Use:   "verifier",
	Short: "运行 verifier：审阅 worker 的证据包并提交评分",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runAgent(cmd.Context(), agent.RoleVerifier)
	},
}

func init() {
	defaultPath := os.Getenv("CHAOSORACLE_CONFIG")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "配置文件路径（YAML）")
	rootCmd.AddCommand(workerCmd, verifierCmd, configCmd)
}

// main 是 ChaosOracle agent 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "chaosoracled 运行失败: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type runner interface {
	api.StatusSource
	Run(ctx context.Context) error
}

func runAgent(ctx context.Context, role agent.Role) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	s, err := buildStack(ctx, cfg, role)
	if err != nil {
		return err
	}
	defer s.Close()

	loop, err := newLoop(s, role)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := api.NewServer(cfg.Server.Address, loop,
		api.WithJournal(s.journal),
		api.WithMetrics(s.metrics),
		api.WithLogger(logger.Named("api")))
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	s.logger.Info("agent 启动",
		slog.String("role", string(role)),
		slog.String("mode", cfg.Agent.Mode),
		slog.String("server", cfg.Server.Address),
		slog.Duration("poll_interval", cfg.Agent.PollInterval()))

	runErr := loop.Run(ctx)
	cancel()
	if err := <-serverErr; err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("运维服务异常退出", slog.Any("error", err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	s.logger.Info("agent 已停止", slog.String("role", string(role)))
	return nil
}

func newLoop(s *stack, role agent.Role) (runner, error) {
	opts := s.loopOptions()
	switch role {
	case agent.RoleWorker:
		strategyOpts := []strategy.Option{
			strategy.WithLogger(logger.Named("research")),
			strategy.WithCatalog(s.catalog),
		}
		if idx, ok := s.cfg.Agent.ForcedOutcomeIndex(); ok {
			s.logger.Warn("启用强制选项，研究结果将被覆盖", slog.Int("outcome", idx))
			strategyOpts = append(strategyOpts, strategy.WithForcedOutcome(idx))
		}
		researcher := strategy.NewResearcher(s.llm, strategyOpts...)
		builder := evidence.NewBuilder(evidence.WithLogger(logger.Named("evidence")))
		return agent.NewWorker(s.reader, s.backend, researcher, builder, s.archive, opts...)
	case agent.RoleVerifier:
		scorer := strategy.NewScorer(s.llm, strategy.WithLogger(logger.Named("scoring")))
		return agent.NewVerifier(s.reader, s.backend, scorer, s.archive, opts...)
	default:
		return nil, fmt.Errorf("未知角色: %s", role)
	}
}
