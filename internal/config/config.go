package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"AssuredChain/pkg/logger"
)

// Config 描述了 ASSUREDChain 在启动阶段需要加载的核心配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Storage       StorageConfig       `json:"storage"`
	AnchorQueue   AnchorQueueConfig   `json:"anchor_queue"`
	Web3          Web3Config          `json:"web3"`
	Logging       LoggingConfig       `json:"logging"`
	Auth          AuthConfig          `json:"auth"`
	Observability ObservabilityConfig `json:"observability"`
	Watch         WatchConfig         `json:"watch"`
	Report        ReportConfig        `json:"report"`
}

// ServerConfig 控制 API 服务与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
	MaxUploadMB    int    `json:"max_upload_mb"`
}

// StorageConfig 描述项目目录、账本与锚定任务的持久化方式。
type StorageConfig struct {
	DataDir     string            `json:"data_dir"`
	Ledger      LedgerConfig      `json:"ledger"`
	AnchorStore AnchorStoreConfig `json:"anchor_store"`
}

// LedgerConfig 支持 memory(jsonl)、mysql、sqlite 三种驱动。
type LedgerConfig struct {
	Driver string     `json:"driver"`
	DSN    string     `json:"dsn"`
	Pool   PoolConfig `json:"pool"`
}

// PoolConfig 描述数据库连接池参数。
type PoolConfig struct {
	MaxOpenConns           int `json:"max_open_conns"`
	MaxIdleConns           int `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int `json:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接最大存活时间。
func (p PoolConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(p.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最大空闲时间。
func (p PoolConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(p.ConnMaxIdleTimeSeconds) * time.Second
}

// AnchorStoreConfig 控制锚定任务状态的存储位置。
type AnchorStoreConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	Retries int    `json:"retries"`
}

// AnchorQueueConfig 控制锚定任务的分发方式。
type AnchorQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	// RetryBackoffSeconds 为重投等待的基数，实际等待乘以已尝试次数。
	RetryBackoffSeconds int `json:"retry_backoff_seconds"`
	// LeaseSeconds 之后仍处于 running 的任务在启动时被视为中断并重新投递。
	LeaseSeconds int `json:"lease_seconds"`
}

// RetryBackoff 返回重投等待的基数。
func (q AnchorQueueConfig) RetryBackoff() time.Duration {
	return time.Duration(q.RetryBackoffSeconds) * time.Second
}

// Lease 返回 running 任务的租约时长。
func (q AnchorQueueConfig) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// RedisConfig 描述 Redis 列表队列。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 包含访问区块链节点与 AssuredRegistry 合约所需的参数。
type Web3Config struct {
	RPCURL                string `json:"rpc_url"`
	ChainConfig           string `json:"chain_config"`
	DefaultChain          string `json:"default_chain"`
	ContractAddress       string `json:"contract_address"`
	ChainID               int64  `json:"chain_id"`
	PrivateKey            string `json:"private_key"`
	PrivateKeyEnv         string `json:"private_key_env"`
	ABIPath               string `json:"abi_path"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
}

// ReceiptTimeout 返回等待交易回执的超时时间。
func (w Web3Config) ReceiptTimeout() time.Duration {
	return time.Duration(w.ReceiptTimeoutSeconds) * time.Second
}

// Enabled 判断是否配置了任意链端点。
func (w Web3Config) Enabled() bool {
	return strings.TrimSpace(w.RPCURL) != "" || strings.TrimSpace(w.ChainConfig) != ""
}

// LoggingConfig 对应 pkg/logger.Config。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	AddSource   bool        `json:"add_source"`
	Audit       AuditConfig `json:"audit"`
}

// Logger 转换为 pkg/logger 的配置。
func (c LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		OutputPaths: c.OutputPaths,
		AddSource:   c.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    c.Audit.Enabled,
			Path:       c.Audit.Path,
			MaxSizeMB:  c.Audit.MaxSizeMB,
			MaxBackups: c.Audit.MaxBackups,
			MaxAgeDays: c.Audit.MaxAgeDays,
		},
	}
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AuthConfig 描述 API 鉴权方式。mode 为 disabled 或 token。
type AuthConfig struct {
	Mode   string        `json:"mode"`
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig 描述一个静态访问令牌。
type TokenConfig struct {
	Subject     string   `json:"subject"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
}

// ObservabilityConfig 控制告警输出。
type ObservabilityConfig struct {
	Alerting AlertingConfig `json:"alerting"`
}

// AlertingConfig 目前支持日志与 Webhook 两种通知。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// WatchConfig 控制报告目录监听。
type WatchConfig struct {
	Enabled    bool `json:"enabled"`
	DebounceMS int  `json:"debounce_ms"`
}

// Debounce 返回去抖时间。
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// ReportConfig 控制报告渲染参数。
type ReportConfig struct {
	LogoPath    string `json:"logo_path"`
	Concurrency int    `json:"concurrency"`
}

// Load 负责解析指定路径的 JSON 配置文件，并依次应用默认值与环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回仅包含默认值的配置，供 CLI 在没有配置文件时使用。
func Default(baseDir string) *Config {
	var cfg Config
	_ = cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	return &cfg
}

type lookupFunc func(string) (string, bool)

// applyEnv 使用环境变量覆盖配置文件中的值。
func (c *Config) applyEnv(lookup lookupFunc) error {
	if v, ok := nonEmpty(lookup, "WEB3_PROVIDER_URL"); ok {
		c.Web3.RPCURL = v
	}
	if v, ok := nonEmpty(lookup, "CONTRACT_ADDRESS"); ok {
		c.Web3.ContractAddress = v
	}
	if v, ok := nonEmpty(lookup, "ACCOUNT_PRIVATE_KEY"); ok {
		c.Web3.PrivateKey = v
	}
	if v, ok := nonEmpty(lookup, "CHAIN_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID 不是合法整数: %w", err)
		}
		c.Web3.ChainID = id
	}
	if v, ok := nonEmpty(lookup, "ASSURED_DATA_DIR"); ok {
		c.Storage.DataDir = v
	}
	if v, ok := nonEmpty(lookup, "ASSURED_LEDGER_DSN"); ok {
		c.Storage.Ledger.DSN = v
	}
	return nil
}

func nonEmpty(lookup lookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 64
	}

	c.Storage.DataDir = resolve(baseDir, c.Storage.DataDir, "data")

	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = "memory"
	}
	if c.Storage.Ledger.Driver == "sqlite" && c.Storage.Ledger.DSN == "" {
		c.Storage.Ledger.DSN = filepath.Join(c.Storage.DataDir, "ledger.db")
	}
	if c.Storage.AnchorStore.Driver == "" {
		c.Storage.AnchorStore.Driver = "memory"
	}
	if c.Storage.AnchorStore.Retries <= 0 {
		c.Storage.AnchorStore.Retries = 3
	}

	if c.AnchorQueue.Driver == "" {
		c.AnchorQueue.Driver = "memory"
	}
	if c.AnchorQueue.Worker <= 0 {
		c.AnchorQueue.Worker = 1
	}
	if c.AnchorQueue.Buffer <= 0 {
		c.AnchorQueue.Buffer = 256
	}
	if c.AnchorQueue.RetryBackoffSeconds < 0 {
		c.AnchorQueue.RetryBackoffSeconds = 0
	}
	if c.AnchorQueue.LeaseSeconds <= 0 {
		c.AnchorQueue.LeaseSeconds = 600
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Web3.ABIPath != "" {
		c.Web3.ABIPath = resolve(baseDir, c.Web3.ABIPath, "")
	}
	if c.Web3.ReceiptTimeoutSeconds <= 0 {
		c.Web3.ReceiptTimeoutSeconds = 120
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, filepath.Join("logs", "audit.log"))
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Observability.Alerting.TimeoutSeconds <= 0 {
		c.Observability.Alerting.TimeoutSeconds = 5
	}

	if c.Watch.DebounceMS <= 0 {
		c.Watch.DebounceMS = 1500
	}

	if c.Report.LogoPath != "" {
		c.Report.LogoPath = resolve(baseDir, c.Report.LogoPath, "")
	}
	if c.Report.Concurrency <= 0 {
		c.Report.Concurrency = 4
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
