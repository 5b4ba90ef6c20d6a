package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"github.com/verkhohliad/chaos-oracle/internal/agent"
	"github.com/verkhohliad/chaos-oracle/internal/archive"
	"github.com/verkhohliad/chaos-oracle/internal/backend"
	"github.com/verkhohliad/chaos-oracle/internal/config"
	"github.com/verkhohliad/chaos-oracle/internal/events"
	"github.com/verkhohliad/chaos-oracle/internal/gateway"
	"github.com/verkhohliad/chaos-oracle/internal/identity"
	"github.com/verkhohliad/chaos-oracle/internal/knowledge"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/llm"
	llmprovider "github.com/verkhohliad/chaos-oracle/internal/llm/provider"
	"github.com/verkhohliad/chaos-oracle/internal/observability/alerting"
	"github.com/verkhohliad/chaos-oracle/internal/observability/metrics"
	"github.com/verkhohliad/chaos-oracle/internal/progress"
	"github.com/verkhohliad/chaos-oracle/internal/storage/mysql"
	redisstore "github.com/verkhohliad/chaos-oracle/internal/storage/redis"
	"github.com/verkhohliad/chaos-oracle/internal/web3"
	"github.com/verkhohliad/chaos-oracle/internal/web3/provider"
	"github.com/verkhohliad/chaos-oracle/pkg/logger"
)

// stack 持有一个 agent 进程运行所需的全部组件。
type stack struct {
	cfg     *config.Config
	logger  *slog.Logger
	audit   *slog.Logger
	reader  *ledger.Reader
	backend backend.Backend
	archive archive.Store
	journal mysql.JournalRepository
	store   progress.Store
	events  events.Publisher
	alerts  alerting.Dispatcher
	metrics *metrics.Recorder
	llm     llm.Client
	catalog knowledge.Provider

	closers []func() error
}

// Close 按创建的逆序释放资源。
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("释放资源失败", slog.Any("error", err))
		}
	}
	s.closers = nil
}

func (s *stack) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// loadConfig 读取并校验配置，同时初始化全局日志。
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

// buildStack 根据配置装配链访问、提交后端、持久化与通知组件。role 用于
// 区分 worker 与 verifier 的进度命名空间。
func buildStack(ctx context.Context, cfg *config.Config, role agent.Role) (_ *stack, err error) {
	s := &stack{
		cfg:    cfg,
		logger: logger.Named(string(role)),
		audit:  logger.Audit(),
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	s.onClose(func() error { chains.Close(); return nil })
	chain, err := chains.Default()
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(chain.RegistryAddress) {
		return nil, fmt.Errorf("注册表地址无效: %q", chain.RegistryAddress)
	}

	contracts, err := ledger.LoadContracts(cfg.Web3.ABIDir)
	if err != nil {
		return nil, err
	}
	s.reader, err = ledger.NewReader(chain.Client, common.HexToAddress(chain.RegistryAddress),
		ledger.WithContracts(contracts), ledger.WithLogger(logger.Named("ledger")))
	if err != nil {
		return nil, err
	}

	key, err := web3.ParsePrivateKey(cfg.Agent.PrivateKey)
	if err != nil {
		return nil, err
	}
	transactor, err := web3.NewTransactor(chain.Client, key,
		web3.WithGasLimit(cfg.Web3.GasLimit),
		web3.WithConfirmationTimeout(cfg.Web3.ConfirmationTimeout()),
		web3.WithTransactorLogger(s.audit))
	if err != nil {
		return nil, err
	}
	s.logger.Info("已加载钱包",
		slog.String("chain", chain.Name),
		slog.String("address", transactor.From().Hex()),
		slog.String("mode", cfg.Agent.Mode))

	redisClient, err := s.openRedis(ctx)
	if err != nil {
		return nil, err
	}
	db, err := s.openMySQL(ctx)
	if err != nil {
		return nil, err
	}

	var resolver backend.IdentityResolver
	if strings.TrimSpace(chain.IdentityRegistryAddress) != "" {
		r, err := s.identityResolver(chain, transactor, contracts, redisClient)
		if err != nil {
			return nil, err
		}
		resolver = r
	} else {
		s.logger.Warn("未配置身份注册表，跳过身份注册")
	}

	var gw *gateway.Client
	if cfg.Agent.Mode == config.ModeDelegated {
		gw, err = gateway.NewClient(cfg.Gateway.URL,
			gateway.WithAPIKey(cfg.Gateway.APIKey),
			gateway.WithPollInterval(time.Duration(cfg.Gateway.PollIntervalSeconds)*time.Second),
			gateway.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Gateway.HTTPTimeoutSeconds) * time.Second}),
			gateway.WithLogger(logger.Named("gateway")))
		if err != nil {
			return nil, err
		}
	}

	be, err := backend.New(cfg, backend.Deps{
		Ledger:   s.reader,
		Sender:   transactor,
		Gateway:  gw,
		Signer:   transactor.From(),
		Identity: resolver,
		Logger:   logger.Named("backend"),
	})
	if err != nil {
		return nil, err
	}

	if s.journal, err = s.openJournal(db); err != nil {
		return nil, err
	}
	s.backend = backend.WithJournal(be, s.journal, s.logger)

	if s.store, err = s.openProgress(db, redisClient, role); err != nil {
		return nil, err
	}
	s.onClose(s.store.Close)

	var cmdable goredis.Cmdable
	if redisClient != nil {
		cmdable = redisClient
	}
	if s.events, err = events.Open(cfg.Events, cmdable); err != nil {
		return nil, err
	}
	s.onClose(s.events.Close)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: s.audit}}
	if strings.TrimSpace(cfg.Alerting.WebhookURL) != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL,
			time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second, logger.Named("alerting")))
	}
	s.alerts = alerting.NewFanout(notifiers...)
	s.metrics = metrics.NewRecorder()

	if s.archive, err = archive.New(ctx, cfg.Archive, dataDir, logger.Named("archive")); err != nil {
		return nil, err
	}

	s.llm, err = llmprovider.New(cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		s.logger.Warn("未配置大模型，使用启发式策略")
		s.llm = nil
	case err != nil:
		return nil, err
	}

	catalog, err := knowledge.Load(cfg.Research.SourceCatalog, cfg.Research.MaxSources)
	if err != nil {
		return nil, err
	}
	s.catalog = catalog
	return s, nil
}

func (s *stack) needsRedis() bool {
	c := s.cfg
	return c.Storage.Progress.Driver == "redis" || c.Events.Driver == "redis" || c.Identity.CacheDriver == "redis"
}

func (s *stack) needsMySQL() bool {
	c := s.cfg
	return c.Storage.Progress.Driver == "mysql" || c.Storage.Journal.Driver == "mysql"
}

func (s *stack) openRedis(ctx context.Context) (*goredis.Client, error) {
	if !s.needsRedis() {
		return nil, nil
	}
	client, err := redisstore.Open(ctx, s.cfg.Storage.Redis)
	if err != nil {
		return nil, err
	}
	s.onClose(client.Close)
	return client, nil
}

func (s *stack) openMySQL(ctx context.Context) (*sql.DB, error) {
	if !s.needsMySQL() {
		return nil, nil
	}
	db, err := mysql.Open(ctx, s.cfg.Storage.MySQL)
	if err != nil {
		return nil, err
	}
	s.onClose(db.Close)
	return db, nil
}

func (s *stack) identityResolver(chain provider.Chain, sender web3.Sender, contracts ledger.Contracts, redisClient *goredis.Client) (*identity.Resolver, error) {
	if !common.IsHexAddress(chain.IdentityRegistryAddress) {
		return nil, fmt.Errorf("身份注册表地址无效: %q", chain.IdentityRegistryAddress)
	}
	var cache identity.Cache
	switch s.cfg.Identity.CacheDriver {
	case "redis":
		cache = identity.NewRedisCache(redisClient, redisstore.Key(s.cfg.Storage.Redis.KeyPrefix, s.cfg.Identity.RedisKey))
	default:
		cache = identity.NewFileCache(s.cfg.Identity.CacheFile)
	}
	return identity.NewResolver(chain.Client, sender, common.HexToAddress(chain.IdentityRegistryAddress), cache, s.cfg.Agent.Domain,
		identity.WithContract(contracts.Identity),
		identity.WithLogger(logger.Named("identity")))
}

func (s *stack) openJournal(db *sql.DB) (mysql.JournalRepository, error) {
	switch s.cfg.Storage.Journal.Driver {
	case "file":
		return mysql.NewFileJournalRepository(s.cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLJournalRepository(db)
	default:
		return nil, nil
	}
}

func (s *stack) openProgress(db *sql.DB, redisClient *goredis.Client, role agent.Role) (progress.Store, error) {
	switch s.cfg.Storage.Progress.Driver {
	case "redis":
		return progress.NewRedisStore(redisClient, redisstore.Key(s.cfg.Storage.Redis.KeyPrefix, "progress", string(role)))
	case "mysql":
		return mysql.NewProgressRepository(db)
	default:
		return progress.NewMemoryStore(), nil
	}
}

// loopOptions 返回两类 agent 共用的选项。
func (s *stack) loopOptions() []agent.Option {
	return []agent.Option{
		agent.WithLogger(s.logger),
		agent.WithAuditLogger(s.audit),
		agent.WithPollInterval(s.cfg.Agent.PollInterval()),
		agent.WithProgress(s.store),
		agent.WithEvents(s.events),
		agent.WithAlerts(s.alerts),
		agent.WithMetrics(s.metrics),
	}
}
