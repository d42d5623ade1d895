package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AgentProof-Chain/internal/agent"
	"AgentProof-Chain/internal/api"
	"AgentProof-Chain/internal/auth"
	"AgentProof-Chain/internal/config"
	"AgentProof-Chain/internal/observability/alerting"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/storage/mysql"
	"AgentProof-Chain/internal/task"
	"AgentProof-Chain/internal/web3/provider"
	"AgentProof-Chain/internal/web3/signer"
	"AgentProof-Chain/pkg/logger"
)

// main 是 proofd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("proofd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	proofRepo, taskStore, err := buildStores(cfg, db)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	taskQueue, err := buildQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Error("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	key, err := loadSigner(cfg.Signer)
	if err != nil {
		return err
	}
	logger.L().Info("代理签名密钥已加载", slog.String("address", key.Address().Hex()))

	oddPolicy, err := proofs.ParseOddPolicy(cfg.Proofs.OddPolicy)
	if err != nil {
		return err
	}
	engine := proofs.NewEngine(key,
		proofs.WithLogger(logger.Named("proofs")),
		proofs.WithTreeOptions(proofs.WithOddPolicy(oddPolicy)),
	)

	agentOpts := []agent.Option{agent.WithLogger(logger.Named("agent"))}
	if cfg.Web3.Enabled {
		registry, err := provider.NewRegistry(ctx, cfg.Web3, key)
		if err != nil {
			return err
		}
		defer registry.Close()
		logger.L().Info("链客户端已就绪",
			slog.Any("chains", registry.Chains()),
			slog.String("default", registry.DefaultChain()),
		)
		agentOpts = append(agentOpts, agent.WithChains(registry), agent.WithSubmitTimeout(2*time.Minute))
	}
	ag := agent.New(engine, proofRepo, agentOpts...)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout(), cfg.Alerting.Headers))
	}

	taskService := task.NewService(taskStore, taskQueue, cfg.Queue.MaxRetries)
	processor := task.NewProcessor(ag, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithRecoveryHandler(task.OffchainFallback{Proofs: proofRepo}),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	authService, err := buildAuth(cfg.Auth)
	if err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}
	logger.L().Info("API 认证模式", slog.String("mode", string(authService.Mode())))

	server := api.NewServer(cfg.Server.Address, taskService, ag,
		api.WithMetrics(cfg.Server.Metrics()),
		api.WithAuth(authService),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openDatabase(ctx context.Context, cfg config.StorageConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "memory":
		return nil, nil
	case "sqlite", "mysql":
		return mysql.Open(ctx, mysql.Config{
			Driver:          mysql.Dialect(cfg.Driver),
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func buildStores(cfg *config.Config, db *sql.DB) (mysql.ProofRepository, task.Store, error) {
	if db == nil {
		repo, err := mysql.NewMemoryProofRepository(cfg.Runtime.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return repo, task.NewMemoryStore(), nil
	}
	return mysql.NewSQLProofRepository(db), task.NewSQLStore(db), nil
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func loadSigner(cfg config.SignerConfig) (*signer.KeySigner, error) {
	if cfg.Keystore != "" {
		password := ""
		if cfg.PasswordEnv != "" {
			password = os.Getenv(cfg.PasswordEnv)
		}
		return signer.LoadKeystore(cfg.Keystore, password)
	}
	return signer.FromEnv(cfg.PrivateKeyEnv)
}

func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	keys := make([]auth.Key, 0, len(cfg.Keys))
	for _, key := range cfg.Keys {
		keys = append(keys, auth.Key{Name: key.Name, Token: key.Token(), Permissions: key.Permissions})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Keys: keys})
}
