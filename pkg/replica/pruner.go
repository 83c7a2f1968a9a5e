package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// Pruner 周期性地裁剪引擎中所有文档的历史。
type Pruner struct {
	engine   *Engine
	interval time.Duration
	timeout  time.Duration // 单次裁剪的超时时间
	maxRetry int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// 统计信息
	stats struct {
		sync.RWMutex
		totalRuns       int64
		successfulRuns  int64
		failedRuns      int64
		totalPruned     int64
		lastRunDuration time.Duration
	}
}

// PrunerStats 是 Pruner 的累计统计。
type PrunerStats struct {
	TotalRuns       int64
	SuccessfulRuns  int64
	FailedRuns      int64
	TotalPruned     int64
	LastRunDuration time.Duration
}

// NewPruner 创建裁剪器。interval 必须为正。
func NewPruner(e *Engine, interval time.Duration) (*Pruner, error) {
	if interval <= 0 {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "prune interval must be > 0, got %v", interval)
	}
	return &Pruner{
		engine:   e,
		interval: interval,
		timeout:  30 * time.Second,
		maxRetry: 2,
	}, nil
}

// SetTimeout 设置单次裁剪的超时时间。
func (p *Pruner) SetTimeout(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timeout > 0 {
		p.timeout = timeout
	}
}

// Start 启动后台循环；ctx 取消或调用 Stop 时退出。重复调用无效。
func (p *Pruner) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	ticker := time.NewTicker(p.interval)
	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = p.RunOnce(ctx)
			}
		}
	}()
	p.engine.logger.Info("pruner started", "interval", p.interval)
}

// Stop 停止后台循环并等待它退出。
func (p *Pruner) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.engine.logger.Info("pruner stopped")
}

// RunOnce 执行一轮裁剪，失败的文档会在退避后重试。
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	p.stats.Lock()
	p.stats.totalRuns++
	p.stats.Unlock()
	start := time.Now()

	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	var (
		total int
		err   error
	)
	for attempt := 0; attempt <= p.maxRetry; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
			p.engine.logger.Warn("prune retry", "attempt", attempt, "max", p.maxRetry, "backoff", backoff, "err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				p.recordFailure(start, ctx.Err())
				return total, ctx.Err()
			}
		}
		var n int
		n, err = p.attempt(ctx, timeout)
		total += n
		if err == nil {
			p.recordSuccess(total, start)
			return total, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			break
		}
	}
	err = fmt.Errorf("prune failed: %w", err)
	p.recordFailure(start, err)
	return total, err
}

func (p *Pruner) attempt(ctx context.Context, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.engine.PruneAll(ctx)
}

func (p *Pruner) recordSuccess(pruned int, start time.Time) {
	d := time.Since(start)
	p.stats.Lock()
	p.stats.successfulRuns++
	p.stats.totalPruned += int64(pruned)
	p.stats.lastRunDuration = d
	p.stats.Unlock()
	if pruned > 0 {
		p.engine.logger.Info("history pruned", "entries", pruned, "duration", d)
	}
}

func (p *Pruner) recordFailure(start time.Time, err error) {
	d := time.Since(start)
	p.stats.Lock()
	p.stats.failedRuns++
	p.stats.lastRunDuration = d
	failureRate := float64(p.stats.failedRuns) / float64(p.stats.totalRuns) * 100
	p.stats.Unlock()
	p.engine.logger.Error("prune failed", "duration", d, "err", err, "failure_rate_pct", failureRate)
}

// Stats 返回累计统计。
func (p *Pruner) Stats() PrunerStats {
	p.stats.RLock()
	defer p.stats.RUnlock()
	return PrunerStats{
		TotalRuns:       p.stats.totalRuns,
		SuccessfulRuns:  p.stats.successfulRuns,
		FailedRuns:      p.stats.failedRuns,
		TotalPruned:     p.stats.totalPruned,
		LastRunDuration: p.stats.lastRunDuration,
	}
}
