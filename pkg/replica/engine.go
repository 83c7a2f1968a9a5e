// Package replica 把因果追踪、CRDT、OT 与快照组合成按文档隔离的复制引擎。
//
// 每个文档由一个 actor goroutine 独占，所有读写通过它的邮箱串行执行；
// 不同文档之间完全并行。
package replica

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/hlc"
	"github.com/harborgrid-justin/esxi-sub006/pkg/ot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/snapshot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

const (
	DefaultMailboxSize   = 64
	DefaultMaxPending    = ot.DefaultMaxPending
	DefaultMaxClockDrift = 5 * time.Second
)

// ErrClosed 在引擎关闭后返回。
var ErrClosed = errors.New("replica: engine closed")

// Engine 管理本副本上的所有文档。
type Engine struct {
	replica   causal.ReplicaID
	clock     *hlc.Clock
	lamport   *causal.LamportClock
	snapshots *snapshot.Manager
	ownsSnaps bool
	logger    *slog.Logger
	metrics   *metrics

	registerer  prometheus.Registerer
	mailboxSize int
	maxPending  int
	maxDrift    time.Duration
	limiter     *rate.Limiter // 远端交付限速，nil 表示不限

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.RWMutex
	actors map[string]*actor
	closed bool

	subMu   sync.RWMutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMailboxSize 设置每个文档邮箱的容量。
func WithMailboxSize(n int) Option {
	return func(e *Engine) {
		e.mailboxSize = n
	}
}

// WithMaxPending 限制每个文档等待因果前驱的远端变更数量。
func WithMaxPending(n int) Option {
	return func(e *Engine) {
		e.maxPending = n
	}
}

// WithMaxClockDrift 设置远端 HLC 物理时间允许的偏差，超出时记录告警。
func WithMaxClockDrift(d time.Duration) Option {
	return func(e *Engine) {
		e.maxDrift = d
	}
}

// WithSnapshotManager 使用外部的快照管理器 (例如带持久化的)。引擎不会关闭它。
func WithSnapshotManager(m *snapshot.Manager) Option {
	return func(e *Engine) {
		e.snapshots = m
	}
}

// WithRegisterer 把引擎指标注册到 reg。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// WithHLC 替换混合逻辑时钟，主要用于测试。
func WithHLC(c *hlc.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithDeliveryLimit 限制每秒交付的远端信封数量。r <= 0 表示不限速。
func WithDeliveryLimit(r float64, burst int) Option {
	return func(e *Engine) {
		if r <= 0 {
			e.limiter = nil
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// NewEngine 创建副本引擎。
func NewEngine(replica causal.ReplicaID, opts ...Option) (*Engine, error) {
	e := &Engine{
		replica:     replica,
		lamport:     causal.NewLamportClock(replica),
		logger:      slog.Default(),
		mailboxSize: DefaultMailboxSize,
		maxPending:  DefaultMaxPending,
		maxDrift:    DefaultMaxClockDrift,
		actors:      make(map[string]*actor),
		subs:        make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if replica.IsNil() {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "replica id must not be nil")
	}
	if e.mailboxSize <= 0 {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "mailbox size must be > 0, got %d", e.mailboxSize)
	}
	if e.maxPending <= 0 {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "max pending must be > 0, got %d", e.maxPending)
	}
	if e.limiter != nil && e.limiter.Burst() <= 0 {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "delivery burst must be > 0, got %d", e.limiter.Burst())
	}
	if e.maxDrift < 0 {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "max clock drift must be >= 0, got %v", e.maxDrift)
	}
	if e.clock == nil {
		e.clock = hlc.New(replica)
	}
	if e.snapshots == nil {
		m, err := snapshot.NewManager(snapshot.WithLogger(e.logger))
		if err != nil {
			return nil, err
		}
		e.snapshots = m
		e.ownsSnaps = true
	}
	e.logger = e.logger.With("replica", replica.Short())
	e.metrics = newMetrics(e.registerer)

	ctx, cancel := context.WithCancel(context.Background())
	e.group, e.ctx = errgroup.WithContext(ctx)
	e.cancel = cancel
	return e, nil
}

func (e *Engine) Replica() causal.ReplicaID { return e.replica }

// Snapshots 返回引擎使用的快照管理器。
func (e *Engine) Snapshots() *snapshot.Manager { return e.snapshots }

// Close 停止所有文档 actor。重复调用是安全的。
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	err := e.group.Wait()
	if e.ownsSnaps {
		e.snapshots.Close()
	}
	e.logger.Info("replica engine closed")
	return err
}

// States 返回已打开的文档 ID (排序)。
func (e *Engine) States() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// fail 统计并补全错误上下文。
func (e *Engine) fail(err error, stateID, opID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	err = syncerr.WithState(err, stateID, opID)
	e.metrics.errors.WithLabelValues(syncerr.KindOf(err).String()).Inc()
	return err
}
