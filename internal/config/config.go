package config

import (
	stdErrors "errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 运行模式。
const (
	ModeDirect    = "direct"
	ModeDelegated = "delegated"
)

// MinPollInterval 是两次轮询之间允许的最短间隔。
const MinPollInterval = 5 * time.Second

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "CHAOSORACLE"

// Config 描述了 worker / verifier 进程启动时需要的全部配置。
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Web3     Web3Config     `mapstructure:"web3" yaml:"web3"`
	Staking  StakingConfig  `mapstructure:"staking" yaml:"staking"`
	Gateway  GatewayConfig  `mapstructure:"gateway" yaml:"gateway"`
	Identity IdentityConfig `mapstructure:"identity" yaml:"identity"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Research ResearchConfig `mapstructure:"research" yaml:"research"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`
	Alerting AlertingConfig `mapstructure:"alerting" yaml:"alerting"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Runtime  RuntimeConfig  `mapstructure:"runtime" yaml:"runtime"`
}

// AgentConfig 控制智能体本身的行为。
type AgentConfig struct {
	Mode                string `mapstructure:"mode" yaml:"mode"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	PrivateKey          string `mapstructure:"private_key" yaml:"private_key"`
	Name                string `mapstructure:"name" yaml:"name"`
	Domain              string `mapstructure:"domain" yaml:"domain"`
	// ForcedOutcome 仅用于本地端到端测试，非空时跳过研究直接提交该选项。
	ForcedOutcome string `mapstructure:"forced_outcome" yaml:"forced_outcome"`
}

// PollInterval 返回轮询间隔。
func (a AgentConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalSeconds) * time.Second
}

// ForcedOutcomeIndex 解析强制选项，未配置或无法解析时返回 false。
func (a AgentConfig) ForcedOutcomeIndex() (int, bool) {
	raw := strings.TrimSpace(a.ForcedOutcome)
	if raw == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// Web3Config 包含访问区块链节点与合约所需的信息。
type Web3Config struct {
	RPCURL                     string  `mapstructure:"rpc_url" yaml:"rpc_url"`
	ChainConfig                string  `mapstructure:"chain_config" yaml:"chain_config"`
	DefaultChain               string  `mapstructure:"default_chain" yaml:"default_chain"`
	RegistryAddress            string  `mapstructure:"registry_address" yaml:"registry_address"`
	IdentityRegistryAddress    string  `mapstructure:"identity_registry_address" yaml:"identity_registry_address"`
	ABIDir                     string  `mapstructure:"abi_dir" yaml:"abi_dir"`
	GasLimit                   uint64  `mapstructure:"gas_limit" yaml:"gas_limit"`
	ConfirmationTimeoutSeconds int     `mapstructure:"confirmation_timeout_seconds" yaml:"confirmation_timeout_seconds"`
	CallsPerSecond             float64 `mapstructure:"calls_per_second" yaml:"calls_per_second"`
	CallBurst                  int     `mapstructure:"call_burst" yaml:"call_burst"`
}

// ConfirmationTimeout 返回等待交易回执的超时时间。
func (w Web3Config) ConfirmationTimeout() time.Duration {
	return time.Duration(w.ConfirmationTimeoutSeconds) * time.Second
}

// StakingConfig 描述注册时质押的金额（单位 wei，十进制字符串）。
type StakingConfig struct {
	WorkerStakeWei   string `mapstructure:"worker_stake_wei" yaml:"worker_stake_wei"`
	VerifierStakeWei string `mapstructure:"verifier_stake_wei" yaml:"verifier_stake_wei"`
}

// WorkerStake 解析 worker 质押金额。
func (s StakingConfig) WorkerStake() (*big.Int, error) {
	return parseWei("staking.worker_stake_wei", s.WorkerStakeWei)
}

// VerifierStake 解析 verifier 质押金额。
func (s StakingConfig) VerifierStake() (*big.Int, error) {
	return parseWei("staking.verifier_stake_wei", s.VerifierStakeWei)
}

// GatewayConfig 描述委托模式下远程编排服务的访问参数。
type GatewayConfig struct {
	URL                 string `mapstructure:"url" yaml:"url"`
	APIKey              string `mapstructure:"api_key" yaml:"api_key"`
	Network             string `mapstructure:"network" yaml:"network"`
	Epoch               uint64 `mapstructure:"epoch" yaml:"epoch"`
	WorkTimeoutSeconds  int    `mapstructure:"work_timeout_seconds" yaml:"work_timeout_seconds"`
	ScoreTimeoutSeconds int    `mapstructure:"score_timeout_seconds" yaml:"score_timeout_seconds"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	HTTPTimeoutSeconds  int    `mapstructure:"http_timeout_seconds" yaml:"http_timeout_seconds"`
}

// IdentityConfig 控制身份 ID 的本地缓存。
type IdentityConfig struct {
	CacheDriver string `mapstructure:"cache_driver" yaml:"cache_driver"`
	CacheFile   string `mapstructure:"cache_file" yaml:"cache_file"`
	RedisKey    string `mapstructure:"redis_key" yaml:"redis_key"`
}

// ArchiveConfig 控制证据包的归档方式。
type ArchiveConfig struct {
	Driver  string        `mapstructure:"driver" yaml:"driver"`
	Arweave ArweaveConfig `mapstructure:"arweave" yaml:"arweave"`
	S3      S3Config      `mapstructure:"s3" yaml:"s3"`
}

// ArweaveConfig 描述 Arweave 网关与打包节点。
type ArweaveConfig struct {
	GatewayURL          string `mapstructure:"gateway_url" yaml:"gateway_url"`
	BundlerURL          string `mapstructure:"bundler_url" yaml:"bundler_url"`
	WalletPath          string `mapstructure:"wallet_path" yaml:"wallet_path"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`
}

// S3Config 描述兼容 S3 的对象存储。
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
}

// LLMConfig 用于配置模型驱动的研究与评分策略。
type LLMConfig struct {
	Provider  string          `mapstructure:"provider" yaml:"provider"`
	OpenAI    OpenAIConfig    `mapstructure:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic" yaml:"anthropic"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	Model          string `mapstructure:"model" yaml:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回 OpenAI 调用超时时间。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// AnthropicConfig 描述 Anthropic 接口的访问参数。
type AnthropicConfig struct {
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	Model          string `mapstructure:"model" yaml:"model"`
	MaxTokens      int64  `mapstructure:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回 Anthropic 调用超时时间。
func (a AnthropicConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// ResearchConfig 控制研究阶段的资料来源。
type ResearchConfig struct {
	SourceCatalog string `mapstructure:"source_catalog" yaml:"source_catalog"`
	MaxSources    int    `mapstructure:"max_sources" yaml:"max_sources"`
}

// StorageConfig 统一描述进度存储、提交日志以及 MySQL、Redis 连接。
type StorageConfig struct {
	Progress DriverConfig `mapstructure:"progress" yaml:"progress"`
	Journal  DriverConfig `mapstructure:"journal" yaml:"journal"`
	MySQL    MySQLConfig  `mapstructure:"mysql" yaml:"mysql"`
	Redis    RedisConfig  `mapstructure:"redis" yaml:"redis"`
}

// DriverConfig 仅包含驱动名称。
type DriverConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `mapstructure:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `mapstructure:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// EventsConfig 控制提交成功后的事件发布。
type EventsConfig struct {
	Driver   string         `mapstructure:"driver" yaml:"driver"`
	Redis    RedisListName  `mapstructure:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq" yaml:"rabbitmq"`
}

// RedisListName 指定事件写入的 Redis list。
type RedisListName struct {
	List string `mapstructure:"list" yaml:"list"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Queue   string `mapstructure:"queue" yaml:"queue"`
	Durable bool   `mapstructure:"durable" yaml:"durable"`
}

// AlertingConfig 控制告警通知渠道。
type AlertingConfig struct {
	WebhookURL     string `mapstructure:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// ServerConfig 控制运维 HTTP 服务（健康检查、状态与指标）。
type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// LogConfig 控制日志输出。
type LogConfig struct {
	Level   string      `mapstructure:"level" yaml:"level"`
	Format  string      `mapstructure:"format" yaml:"format"`
	Outputs []string    `mapstructure:"outputs" yaml:"outputs"`
	Audit   AuditConfig `mapstructure:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// legacyEnv 兼容旧部署中使用的环境变量名。
var legacyEnv = map[string]string{
	"agent.private_key":           "PRIVATE_KEY",
	"agent.forced_outcome":        "WORKER_FORCED_OUTCOME",
	"web3.rpc_url":                "RPC_URL",
	"gateway.url":                 "GATEWAY_URL",
	"llm.openai.api_key":          "OPENAI_API_KEY",
	"llm.anthropic.api_key":       "ANTHROPIC_API_KEY",
	"archive.arweave.wallet_path": "ARWEAVE_WALLET_PATH",
}

// Load 读取可选的 YAML 配置文件，并叠加 CHAOSORACLE_* 环境变量。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.mode", ModeDirect)
	v.SetDefault("agent.poll_interval_seconds", 30)
	v.SetDefault("agent.private_key", "")
	v.SetDefault("agent.name", "ChaosOracleAgent")
	v.SetDefault("agent.domain", "agent.chaosoracle.example.com")
	v.SetDefault("agent.forced_outcome", "")

	v.SetDefault("web3.rpc_url", "")
	v.SetDefault("web3.chain_config", "")
	v.SetDefault("web3.default_chain", "")
	v.SetDefault("web3.registry_address", "")
	v.SetDefault("web3.identity_registry_address", "")
	v.SetDefault("web3.abi_dir", "")
	v.SetDefault("web3.gas_limit", 500000)
	v.SetDefault("web3.confirmation_timeout_seconds", 60)
	v.SetDefault("web3.calls_per_second", 0)
	v.SetDefault("web3.call_burst", 1)

	v.SetDefault("staking.worker_stake_wei", "1000000000000000")
	v.SetDefault("staking.verifier_stake_wei", "1000000000000000")

	v.SetDefault("gateway.url", "https://gateway.chaoscha.in")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.network", "ethereum_sepolia")
	v.SetDefault("gateway.epoch", 1)
	v.SetDefault("gateway.work_timeout_seconds", 120)
	v.SetDefault("gateway.score_timeout_seconds", 180)
	v.SetDefault("gateway.poll_interval_seconds", 2)
	v.SetDefault("gateway.http_timeout_seconds", 15)

	v.SetDefault("identity.cache_driver", "file")
	v.SetDefault("identity.cache_file", "chaoschain_agent_ids.json")
	v.SetDefault("identity.redis_key", "agent_ids")

	v.SetDefault("archive.driver", "arweave")
	v.SetDefault("archive.arweave.gateway_url", "https://arweave.net")
	v.SetDefault("archive.arweave.bundler_url", "https://node2.bundlr.network")
	v.SetDefault("archive.arweave.wallet_path", "")
	v.SetDefault("archive.arweave.fetch_timeout_seconds", 30)
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.access_key", "")
	v.SetDefault("archive.s3.secret_key", "")
	v.SetDefault("archive.s3.prefix", "evidence")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.openai.model", "gpt-4o")
	v.SetDefault("llm.openai.timeout_seconds", 60)
	v.SetDefault("llm.anthropic.api_key", "")
	v.SetDefault("llm.anthropic.base_url", "")
	v.SetDefault("llm.anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.anthropic.max_tokens", 1024)
	v.SetDefault("llm.anthropic.timeout_seconds", 60)

	v.SetDefault("research.source_catalog", "")
	v.SetDefault("research.max_sources", 5)

	v.SetDefault("storage.progress.driver", "memory")
	v.SetDefault("storage.journal.driver", "file")
	v.SetDefault("storage.mysql.dsn", "")
	v.SetDefault("storage.mysql.max_open_conns", 10)
	v.SetDefault("storage.mysql.max_idle_conns", 5)
	v.SetDefault("storage.mysql.conn_max_lifetime_seconds", 1800)
	v.SetDefault("storage.mysql.conn_max_idle_time_seconds", 0)
	v.SetDefault("storage.redis.address", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "chaosoracle")

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.redis.list", "chaosoracle:events")
	v.SetDefault("events.rabbitmq.url", "")
	v.SetDefault("events.rabbitmq.queue", "chaosoracle.events")
	v.SetDefault("events.rabbitmq.durable", true)

	v.SetDefault("alerting.webhook_url", "")
	v.SetDefault("alerting.timeout_seconds", 5)

	v.SetDefault("server.address", ":9464")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.outputs", []string{"stderr"})
	v.SetDefault("log.audit.enabled", false)
	v.SetDefault("log.audit.path", "")
	v.SetDefault("log.audit.max_size_mb", 100)
	v.SetDefault("log.audit.max_backups", 7)
	v.SetDefault("log.audit.max_age_days", 30)

	v.SetDefault("runtime.data_dir", "data")
}

// applyDefaults 规范化字段并将相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	c.Agent.Mode = strings.ToLower(strings.TrimSpace(c.Agent.Mode))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.Archive.Driver = strings.ToLower(strings.TrimSpace(c.Archive.Driver))

	if c.Web3.GasLimit == 0 {
		c.Web3.GasLimit = 500000
	}
	if c.Web3.ConfirmationTimeoutSeconds <= 0 {
		c.Web3.ConfirmationTimeoutSeconds = 60
	}
	if c.Gateway.Epoch == 0 {
		c.Gateway.Epoch = 1
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	c.Web3.ABIDir = resolvePath(baseDir, c.Web3.ABIDir)
	c.Research.SourceCatalog = resolvePath(baseDir, c.Research.SourceCatalog)
	c.Archive.Arweave.WalletPath = resolvePath(baseDir, c.Archive.Arweave.WalletPath)
	if c.Identity.CacheFile != "" && !filepath.IsAbs(c.Identity.CacheFile) {
		c.Identity.CacheFile = filepath.Join(c.Runtime.DataDir, c.Identity.CacheFile)
	}
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查配置是否满足启动要求。
func (c *Config) Validate() error {
	var errs []error
	switch c.Agent.Mode {
	case ModeDirect, ModeDelegated:
	default:
		errs = append(errs, fmt.Errorf("agent.mode 只能是 %s 或 %s，当前为 %q", ModeDirect, ModeDelegated, c.Agent.Mode))
	}
	if c.Agent.PollInterval() < MinPollInterval {
		errs = append(errs, fmt.Errorf("agent.poll_interval_seconds 不能小于 %d", int(MinPollInterval.Seconds())))
	}
	if strings.TrimSpace(c.Agent.PrivateKey) == "" {
		errs = append(errs, stdErrors.New("agent.private_key 未配置"))
	}
	if strings.TrimSpace(c.Web3.RPCURL) == "" && strings.TrimSpace(c.Web3.ChainConfig) == "" {
		errs = append(errs, stdErrors.New("web3.rpc_url 与 web3.chain_config 至少需要配置一个"))
	}
	if strings.TrimSpace(c.Web3.RegistryAddress) == "" {
		errs = append(errs, stdErrors.New("web3.registry_address 未配置"))
	}
	if c.Agent.Mode == ModeDelegated && strings.TrimSpace(c.Gateway.URL) == "" {
		errs = append(errs, stdErrors.New("委托模式需要配置 gateway.url"))
	}
	if _, err := c.Staking.WorkerStake(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Staking.VerifierStake(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, checkDriver("archive.driver", c.Archive.Driver, "local", "arweave", "s3"))
	errs = append(errs, checkDriver("storage.progress.driver", c.Storage.Progress.Driver, "memory", "redis", "mysql"))
	errs = append(errs, checkDriver("storage.journal.driver", c.Storage.Journal.Driver, "none", "file", "mysql"))
	errs = append(errs, checkDriver("events.driver", c.Events.Driver, "none", "memory", "redis", "rabbitmq"))
	errs = append(errs, checkDriver("identity.cache_driver", c.Identity.CacheDriver, "file", "redis"))
	errs = append(errs, checkDriver("llm.provider", c.LLM.Provider, "", "none", "openai", "anthropic"))
	if c.Archive.Driver == "s3" && strings.TrimSpace(c.Archive.S3.Bucket) == "" {
		errs = append(errs, stdErrors.New("archive.s3.bucket 未配置"))
	}
	needsMySQL := c.Storage.Progress.Driver == "mysql" || c.Storage.Journal.Driver == "mysql"
	if needsMySQL && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, stdErrors.New("使用 mysql 驱动时需要配置 storage.mysql.dsn"))
	}
	needsRedis := c.Storage.Progress.Driver == "redis" || c.Events.Driver == "redis" || c.Identity.CacheDriver == "redis"
	if needsRedis && strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, stdErrors.New("使用 redis 驱动时需要配置 storage.redis.address"))
	}
	if c.Events.Driver == "rabbitmq" && strings.TrimSpace(c.Events.RabbitMQ.URL) == "" {
		errs = append(errs, stdErrors.New("使用 rabbitmq 事件驱动时需要配置 events.rabbitmq.url"))
	}
	return stdErrors.Join(errs...)
}

// Redacted 返回隐藏敏感字段后的副本，用于打印有效配置。
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "******"
	}
	c.Agent.PrivateKey = mask(c.Agent.PrivateKey)
	c.Gateway.APIKey = mask(c.Gateway.APIKey)
	c.LLM.OpenAI.APIKey = mask(c.LLM.OpenAI.APIKey)
	c.LLM.Anthropic.APIKey = mask(c.LLM.Anthropic.APIKey)
	c.Archive.S3.AccessKey = mask(c.Archive.S3.AccessKey)
	c.Archive.S3.SecretKey = mask(c.Archive.S3.SecretKey)
	c.Storage.MySQL.DSN = mask(c.Storage.MySQL.DSN)
	c.Storage.Redis.Password = mask(c.Storage.Redis.Password)
	c.Events.RabbitMQ.URL = mask(c.Events.RabbitMQ.URL)
	return c
}

func checkDriver(field, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s 不支持 %q，可选值: %s", field, value, strings.Join(allowed, ", "))
}

func parseWei(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%s 不是合法的 wei 数值: %q", field, raw)
	}
	return value, nil
}
