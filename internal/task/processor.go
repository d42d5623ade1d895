package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"AgentProof-Chain/internal/agent"
	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/observability/alerting"
	"AgentProof-Chain/internal/observability/metrics"
	"AgentProof-Chain/pkg/logger"
)

// Executor 定义了处理器所需的 Agent 能力。
type Executor interface {
	Execute(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Processor 负责从队列消费任务并交给 Agent 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("任务正在执行", slog.String("job_id", jobID))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, xerrors.CodeOf(err), err, "claim")
		return err
	}

	decision := job.Decision
	result, execErr := p.executor.Execute(ctx, agent.Request{
		ID:       job.ID,
		Decision: &decision,
		Submit:   job.Submit,
		Chain:    job.Chain,
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, execErr)
	}

	record := resultFromAgent(result)
	if err := p.store.MarkSucceeded(ctx, job.ID, record); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, xerrors.CodeOf(err), err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", job.ID))
		}
		return nil
	}
	metrics.ObserveJob(string(StatusSucceeded))
	logger.Audit().Info("任务执行成功",
		slog.String("job_id", job.ID),
		slog.String("root", record.MerkleRoot),
		slog.String("action", record.Action),
		slog.String("tx_hash", record.TxHash),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if terminal && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, job, execErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeJobCompensate, recErr, "任务补偿失败")
			logger.L().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, CodeJobCompensate, wrapped, "compensate")
		case fallback != nil:
			if err := p.store.MarkSucceeded(ctx, job.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
				return err
			}
			metrics.ObserveJob("degraded")
			logger.Audit().Warn("任务降级完成",
				slog.String("job_id", job.ID),
				slog.String("root", fallback.MerkleRoot),
				slog.String("note", fallback.Note),
			)
			p.emitAlert(ctx, job, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	metrics.ObserveJob(string(StatusFailed))
	logger.Audit().Warn("任务执行失败",
		slog.String("job_id", job.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		if !retryable {
			stage = "non_retryable"
		}
	}
	p.emitAlert(ctx, job, code, execErr, stage)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		JobID:      job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}

func resultFromAgent(result *agent.Result) Result {
	if result == nil {
		return Result{}
	}
	return Result{
		MerkleRoot:  result.MerkleRoot,
		LeafHash:    result.LeafHash,
		Signer:      result.Signer,
		Action:      result.Action,
		ChosenIndex: result.ChosenIndex,
		Chain:       result.Chain,
		TxHash:      result.TxHash,
	}
}
