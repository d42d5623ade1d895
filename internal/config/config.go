package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"AgentProof-Chain/pkg/logger"

	"github.com/joho/godotenv"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "PROOFD_CONFIG"

// DefaultPath 是未设置 PROOFD_CONFIG 时使用的配置文件。
var DefaultPath = filepath.Join("configs", "proofd.json")

// Config 描述了 proofd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  logger.Config  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Web3     Web3Config     `json:"web3"`
	Signer   SignerConfig   `json:"signer"`
	Proofs   ProofsConfig   `json:"proofs"`
	Alerting AlertingConfig `json:"alerting"`
	Auth     AuthConfig     `json:"auth"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsEnabled *bool  `json:"metrics_enabled"`
}

// Metrics 返回是否暴露 /metrics，默认开启。
func (s ServerConfig) Metrics() bool {
	return s.MetricsEnabled == nil || *s.MetricsEnabled
}

// StorageConfig 描述证明记录与任务状态的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 以 time.Duration 形式返回连接最长存活时间。
func (s StorageConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 以 time.Duration 形式返回连接最长空闲时间。
func (s StorageConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(s.ConnMaxIdleTimeSeconds) * time.Second
}

// QueueConfig 描述任务队列的驱动及工作协程数量。
type QueueConfig struct {
	Driver     string         `json:"driver"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	Buffer     int            `json:"buffer"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 对应 Redis 列表队列。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 对应 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 包含访问区块链节点及验证合约所需的信息。
type Web3Config struct {
	Enabled         bool   `json:"enabled"`
	ChainConfig     string `json:"chain_config"`
	DefaultChain    string `json:"default_chain"`
	RPCURL          string `json:"rpc_url"`
	VerifierAddress string `json:"verifier_address"`
	VerifierMethod  string `json:"verifier_method"`
	GasLimit        uint64 `json:"gas_limit"`
}

// SignerConfig 指定代理私钥的来源，私钥本身不写入配置文件。
type SignerConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
	Keystore      string `json:"keystore"`
	PasswordEnv   string `json:"password_env"`
}

// ProofsConfig 控制证明引擎的可选行为。
type ProofsConfig struct {
	OddPolicy string `json:"odd_policy"`
}

// AlertingConfig 配置任务失败告警的外发通道。WebhookURL 为空时只写审计日志。
type AlertingConfig struct {
	WebhookURL     string            `json:"webhook_url"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Headers        map[string]string `json:"headers"`
}

// Timeout 返回 webhook 请求超时时间。
func (a AlertingConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// AuthConfig 控制 API 的 bearer token 认证。token 只从环境变量读取。
type AuthConfig struct {
	Mode string         `json:"mode"`
	Keys []APIKeyConfig `json:"keys"`
}

// APIKeyConfig 描述一个调用方及其权限。
type APIKeyConfig struct {
	Name        string   `json:"name"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
}

// Token 返回 TokenEnv 指向的环境变量值。
func (k APIKeyConfig) Token() string {
	if k.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(k.TokenEnv))
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回 PROOFD_CONFIG 指定的路径或默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// LoadDotEnv 加载当前目录下的 .env 文件，文件不存在时忽略。
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		_ = godotenv.Load()
		return
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	LoadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

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

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 允许通过环境变量覆盖敏感或随部署变化的字段。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("PROOFD_STORAGE_DSN")); v != "" {
		c.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("PROOFD_RPC_URL")); v != "" {
		c.Web3.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PROOFD_VERIFIER_ADDRESS")); v != "" {
		c.Web3.VerifierAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("PROOFD_REDIS_PASSWORD")); v != "" {
		c.Queue.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("PROOFD_RABBITMQ_URL")); v != "" {
		c.Queue.RabbitMQ.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("PROOFD_ALERT_WEBHOOK")); v != "" {
		c.Alerting.WebhookURL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.MaxIdleConns == 0 {
		c.Storage.MaxIdleConns = 5
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "proofd:jobs"
	}
	if c.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Queue.Redis.BlockWaitSeconds = 5
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "proofd.jobs"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = c.Queue.Workers
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Signer.PrivateKeyEnv == "" && c.Signer.Keystore == "" {
		c.Signer.PrivateKeyEnv = "AGENT_PRIVATE_KEY"
	}
	if c.Signer.Keystore != "" && !filepath.IsAbs(c.Signer.Keystore) {
		c.Signer.Keystore = filepath.Join(baseDir, c.Signer.Keystore)
	}

	if c.Proofs.OddPolicy == "" {
		c.Proofs.OddPolicy = "promote"
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.DSN) == "" {
		c.Storage.DSN = "file:" + filepath.Join(c.Runtime.DataDir, "proofd.db") + "?_pragma=busy_timeout(5000)"
	}
}

// Validate 检查互斥或取值受限的字段。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("mysql 存储需要配置 dsn")
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	switch c.Proofs.OddPolicy {
	case "promote", "duplicate":
	default:
		return fmt.Errorf("未知的奇数节点策略: %s", c.Proofs.OddPolicy)
	}
	switch c.Auth.Mode {
	case "disabled":
	case "api_key":
		if len(c.Auth.Keys) == 0 {
			return errors.New("api_key 认证至少需要一个 key")
		}
		for _, key := range c.Auth.Keys {
			if strings.TrimSpace(key.TokenEnv) == "" {
				return fmt.Errorf("api key %s 未配置 token_env", key.Name)
			}
		}
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}
	return nil
}
