package task

import (
	"context"
	"sync"

	xerrors "AgentProof-Chain/internal/errors"
)

// ErrQueueClosed 表示队列已经关闭。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithRetryable(false))

// MemoryQueue 使用 channel 模拟消息队列，适用于单机模式与测试。
// ch 从不关闭，关闭信号统一经由 done 广播。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将任务投递到队列，队列满时阻塞直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- jobID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					q.drain(ctx, handler)
					return
				case jobID := <-q.ch:
					_ = handler(ctx, jobID)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// drain 处理关闭前已入队的任务。
func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.ch:
			_ = handler(ctx, jobID)
		default:
			return
		}
	}
}

// Len 返回队列中等待处理的任务数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列，阻塞中的 Publish 会立即返回 ErrQueueClosed。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
