package replica

import (
	"context"
	"errors"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/crdt"
	"github.com/harborgrid-justin/esxi-sub006/pkg/hlc"
	"github.com/harborgrid-justin/esxi-sub006/pkg/ot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// Open 打开 (或确认已打开) 一个 CRDT 文档。
func (e *Engine) Open(stateID string, kind crdt.Kind) error {
	_, err := e.openCRDT(stateID, kind)
	return err
}

// OpenText 打开一个 OT 文本文档。initial 仅在首次创建时使用。
func (e *Engine) OpenText(stateID string, initial []byte) error {
	_, err := e.openText(stateID, initial)
	return err
}

func (e *Engine) envelope(stateID string, clock causal.VersionVector) *Envelope {
	return &Envelope{
		StateID: stateID,
		Origin:  e.replica,
		Clock:   clock,
		Stamp:   e.clock.Tick(),
		Lamport: e.lamport.Tick(),
	}
}

// Mutate 在本地执行 CRDT 操作并返回待广播的信封。操作是空操作时返回 nil。
// 未设置时间戳的 OpAssign 使用本地 HLC 时间。
func (e *Engine) Mutate(ctx context.Context, stateID string, op crdt.Op) (*Envelope, error) {
	if a, ok := op.(crdt.OpAssign); ok && a.Timestamp.IsZero() {
		a.Timestamp = e.clock.Tick()
		op = a
	}
	var env *Envelope
	err := e.do(ctx, stateID, func(d *document) error {
		delta, clock, err := d.mutate(op)
		if err != nil || delta == nil {
			return err
		}
		env = e.envelope(stateID, clock)
		env.Delta = delta
		e.metrics.local.WithLabelValues(docCRDT.String()).Inc()
		e.emit(Event{Type: EventLocal, StateID: stateID, Origin: e.replica, Outcome: Applied, Clock: clock, Version: d.version, Delta: delta})
		return nil
	})
	return env, e.fail(err, stateID, "")
}

// Edit 在本地执行 OT 编辑并返回待广播的信封。
func (e *Engine) Edit(ctx context.Context, stateID string, op ot.Operation) (*Envelope, error) {
	var env *Envelope
	err := e.do(ctx, stateID, func(d *document) error {
		out, err := d.edit(op)
		if err != nil {
			return err
		}
		env = e.envelope(stateID, out.Clock.Clone())
		env.Op = &out
		e.metrics.local.WithLabelValues(docText.String()).Inc()
		e.emit(Event{Type: EventLocal, StateID: stateID, Origin: e.replica, Outcome: Applied, Clock: out.Clock, Version: d.version, Ops: []ot.Operation{out}})
		return nil
	})
	return env, e.fail(err, stateID, op.ID)
}

// Deliver 处理来自其他副本的信封：先吸收 HLC 与 Lamport 时间戳，再应用负载。
func (e *Engine) Deliver(ctx context.Context, env *Envelope) error {
	if env == nil {
		return syncerr.New(syncerr.KindInvalidOperation, "nil envelope")
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if !env.Stamp.IsZero() {
		drift := e.clock.Drift(env.Stamp)
		if e.maxDrift > 0 && (drift > e.maxDrift || hlc.IsStale(env.Stamp, e.clock.Latest(), e.maxDrift)) {
			e.metrics.clockDrift.Inc()
			e.logger.Warn("remote clock drift exceeds threshold",
				"state", env.StateID, "origin", env.Origin.Short(), "drift", drift, "threshold", e.maxDrift)
		}
		e.clock.Update(env.Stamp)
	}
	e.lamport.Witness(env.Lamport)

	payload, err := env.Payload()
	if err != nil {
		return e.fail(err, env.StateID, "")
	}
	return e.ApplyRemote(ctx, env.StateID, env.Clock, payload)
}

// ApplyRemote 合并或变换并应用一个远端变更。
//
// CRDT delta 总是被合并 (幂等)；OT 操作按因果序交付，重复的操作被忽略，
// 缺少前驱的操作被缓冲。文档不存在时按负载类型自动创建。
func (e *Engine) ApplyRemote(ctx context.Context, stateID string, clock causal.VersionVector, payload Payload) error {
	switch p := payload.(type) {
	case DeltaPayload:
		return e.applyRemoteDelta(ctx, stateID, clock, p)
	case OpPayload:
		return e.applyRemoteOp(ctx, stateID, clock, p.Op)
	}
	return e.fail(syncerr.New(syncerr.KindInvalidOperation, "unsupported payload %T", payload), stateID, "")
}

func (e *Engine) applyRemoteDelta(ctx context.Context, stateID string, clock causal.VersionVector, p DeltaPayload) error {
	if p.Delta == nil {
		return e.fail(syncerr.New(syncerr.KindInvalidOperation, "empty delta payload"), stateID, "")
	}
	a, err := e.openCRDT(stateID, p.Delta.Kind())
	if err != nil {
		return e.fail(err, stateID, "")
	}
	err = e.send(ctx, a, e.timed(func(d *document) error {
		outcome, err := d.applyDelta(p.Origin, clock, p.Delta)
		if err != nil {
			e.metrics.remote.WithLabelValues(docCRDT.String(), "rejected").Inc()
			return err
		}
		e.metrics.remote.WithLabelValues(docCRDT.String(), outcome.String()).Inc()
		d.observePeer(p.Origin, clock)
		switch outcome {
		case Duplicate:
			e.logger.Debug("duplicate delta merged", "state", stateID, "origin", p.Origin.Short(), "clock", clock)
			return nil
		case Buffered:
			e.logger.Debug("delta merged ahead of predecessors", "state", stateID, "origin", p.Origin.Short(), "clock", clock, "local", d.clock)
		}
		e.emit(Event{Type: EventRemote, StateID: stateID, Origin: p.Origin, Outcome: outcome, Clock: clock.Clone(), Version: d.version, Delta: p.Delta})
		return nil
	}))
	return e.fail(err, stateID, "")
}

func (e *Engine) applyRemoteOp(ctx context.Context, stateID string, clock causal.VersionVector, op ot.Operation) error {
	switch {
	case op.Clock == nil:
		op.Clock = clock.Clone()
	case clock != nil && !clock.Equal(op.Clock):
		return e.fail(syncerr.New(syncerr.KindInvalidOperation, "clock %s disagrees with operation clock %s", clock, op.Clock), stateID, op.ID)
	}
	a, err := e.openText(stateID, nil)
	if err != nil {
		return e.fail(err, stateID, op.ID)
	}
	err = e.send(ctx, a, e.timed(func(d *document) error {
		res, err := d.applyOp(op)
		if err != nil {
			e.metrics.remote.WithLabelValues(docText.String(), "rejected").Inc()
			e.logger.Warn("remote operation rejected", "state", stateID, "op", op.ID, "err", err)
			return err
		}
		e.afterIntegrate(d, op.Replica, res.Outcome, res.Applied, res.Dropped)
		return nil
	}))
	return e.fail(err, stateID, op.ID)
}

// afterIntegrate 统计、记录并发布 OT 交付结果。
func (e *Engine) afterIntegrate(d *document, origin causal.ReplicaID, outcome ot.Outcome, applied []ot.Operation, dropped []error) {
	switch outcome {
	case ot.Duplicate:
		e.metrics.remote.WithLabelValues(docText.String(), Duplicate.String()).Inc()
		e.logger.Warn("duplicate operation ignored", "state", d.id, "origin", origin.Short())
		return
	case ot.Buffered:
		e.metrics.remote.WithLabelValues(docText.String(), Buffered.String()).Inc()
		e.logger.Debug("operation buffered on causality gap", "state", d.id, "origin", origin.Short(), "local", d.text.Clock())
		return
	}
	e.metrics.remote.WithLabelValues(docText.String(), Applied.String()).Add(float64(len(applied)))
	for _, err := range dropped {
		e.metrics.remote.WithLabelValues(docText.String(), "rejected").Inc()
		_ = e.fail(err, d.id, "")
		e.logger.Warn("buffered operation rejected", "state", d.id, "err", err)
	}
	if len(applied) == 0 {
		return
	}
	for _, op := range applied {
		d.observePeer(op.Replica, op.Clock)
	}
	e.emit(Event{Type: EventRemote, StateID: d.id, Origin: origin, Outcome: Applied, Clock: d.text.Clock(), Version: d.version, Ops: applied})
}

// CurrentValue 返回文档的逻辑值：集合为排序后的 []string，计数器为 int64，
// 寄存器与文本为 []byte。
func (e *Engine) CurrentValue(ctx context.Context, stateID string) (any, error) {
	var v any
	err := e.do(ctx, stateID, func(d *document) error {
		v = d.value()
		return nil
	})
	return v, e.fail(err, stateID, "")
}

// Text 是 CurrentValue 针对 OT 文档的便捷形式。
func (e *Engine) Text(ctx context.Context, stateID string) (string, error) {
	var s string
	err := e.do(ctx, stateID, func(d *document) error {
		if err := d.requireType(docText); err != nil {
			return err
		}
		s = string(d.text.Value())
		return nil
	})
	return s, e.fail(err, stateID, "")
}

// Clock 返回文档当前的版本向量。
func (e *Engine) Clock(ctx context.Context, stateID string) (causal.VersionVector, error) {
	var vv causal.VersionVector
	err := e.do(ctx, stateID, func(d *document) error {
		vv = d.currentClock()
		return nil
	})
	return vv, e.fail(err, stateID, "")
}

// DeltaSince 返回 vv 尚未包含的变更；历史已被裁剪到 vv 之后时返回完整状态 (Full)。
func (e *Engine) DeltaSince(ctx context.Context, stateID string, vv causal.VersionVector) (Delta, error) {
	var out Delta
	err := e.do(ctx, stateID, func(d *document) error {
		out = d.deltaSince(vv)
		return nil
	})
	return out, e.fail(err, stateID, "")
}

// ApplyDelta 应用另一个副本针对本副本时钟计算出的 Delta。
func (e *Engine) ApplyDelta(ctx context.Context, delta Delta) error {
	var (
		a   *actor
		err error
	)
	if delta.Set != nil {
		a, err = e.openCRDT(delta.StateID, delta.Set.Kind())
	} else {
		a, err = e.openText(delta.StateID, nil)
	}
	if err != nil {
		return e.fail(err, delta.StateID, "")
	}
	err = e.send(ctx, a, e.timed(func(d *document) error {
		applied, dropped, err := d.applyResync(delta)
		if err != nil {
			return err
		}
		d.observePeer(delta.Origin, delta.Clock)
		if d.typ == docText && !delta.Full {
			e.afterIntegrate(d, delta.Origin, ot.Applied, applied, dropped)
			return nil
		}
		e.emit(Event{Type: EventRemote, StateID: d.id, Origin: delta.Origin, Outcome: Applied, Clock: d.currentClock(), Version: d.version, Delta: delta.Set})
		return nil
	}))
	return e.fail(err, delta.StateID, "")
}

// ObservePeer 记录 peer 在该文档上已知的时钟。
func (e *Engine) ObservePeer(ctx context.Context, stateID string, peer causal.ReplicaID, clock causal.VersionVector) error {
	err := e.do(ctx, stateID, func(d *document) error {
		d.observePeer(peer, clock)
		return nil
	})
	return e.fail(err, stateID, "")
}

// ForgetPeer 不再把 peer 计入水位线，例如它已离开会话。
func (e *Engine) ForgetPeer(ctx context.Context, stateID string, peer causal.ReplicaID) error {
	err := e.do(ctx, stateID, func(d *document) error {
		delete(d.peers, peer)
		return nil
	})
	return e.fail(err, stateID, "")
}

// Watermark 返回文档的垃圾回收水位线。
func (e *Engine) Watermark(ctx context.Context, stateID string) (causal.VersionVector, error) {
	var wm causal.VersionVector
	err := e.do(ctx, stateID, func(d *document) error {
		wm = d.watermark()
		return nil
	})
	return wm, e.fail(err, stateID, "")
}

// Prune 裁剪所有活跃副本都已看到的历史，返回丢弃的条数。
func (e *Engine) Prune(ctx context.Context, stateID string) (int, error) {
	var n int
	err := e.do(ctx, stateID, func(d *document) error {
		n = d.prune()
		if n > 0 {
			e.metrics.pruned.Add(float64(n))
			e.emit(Event{Type: EventPruned, StateID: stateID, Origin: e.replica, Clock: d.currentFloor(), Version: d.version, Pruned: n})
		}
		return nil
	})
	return n, e.fail(err, stateID, "")
}

// PruneAll 依次裁剪所有文档。单个文档的失败不影响其他文档。
func (e *Engine) PruneAll(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, id := range e.States() {
		n, err := e.Prune(ctx, id)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return total, err
			}
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}
