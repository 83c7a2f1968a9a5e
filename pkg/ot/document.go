package ot

import (
	"slices"

	"github.com/google/uuid"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// DefaultMaxPending 是因果缺口缓冲区的默认容量。
const DefaultMaxPending = 1024

// Outcome 描述一次 Integrate 的结果。
type Outcome uint8

const (
	Applied Outcome = iota + 1
	Duplicate
	Buffered
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Buffered:
		return "buffered"
	}
	return "unknown"
}

// Result 是 Integrate 的返回值。
type Result struct {
	Outcome Outcome
	// Applied 按应用顺序列出本次真正执行的操作 (原始形式)，包括从缓冲区排空的操作。
	Applied []Operation
	// Dropped 是排空缓冲区时被拒绝的操作的错误。
	Dropped []error
}

// Document 是一个 OT 序列文档。它不是并发安全的，由唯一的所有者串行调用。
//
// 内容保存为带墓碑的序列，远端操作按生成上下文定位后直接并入，
// 因此任意多个副本以任意顺序集成同一组操作都得到相同的内容。
// 历史只用于向落后的副本补发；floor 之前的历史已被裁剪，
// 上下文未覆盖 floor 的操作无法再集成。
type Document struct {
	replica    causal.ReplicaID
	seq        sequence
	clock      causal.VersionVector
	floor      causal.VersionVector
	history    []Operation
	seen       map[string]struct{}
	pending    []Operation
	maxPending int
}

type DocOption func(*Document)

// WithMaxPending 限制等待因果前驱的操作数量。
func WithMaxPending(n int) DocOption {
	return func(d *Document) {
		if n > 0 {
			d.maxPending = n
		}
	}
}

// WithContent 设置初始内容，初始内容不计入历史。
func WithContent(content []byte) DocOption {
	return func(d *Document) {
		d.seq = newSequence(content)
	}
}

func NewDocument(replica causal.ReplicaID, opts ...DocOption) *Document {
	d := &Document{
		replica:    replica,
		clock:      causal.NewVersionVector(),
		floor:      causal.NewVersionVector(),
		seen:       make(map[string]struct{}),
		maxPending: DefaultMaxPending,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Document) Value() []byte { return d.seq.value() }
func (d *Document) Len() int { return d.seq.live }
func (d *Document) Clock() causal.VersionVector { return d.clock.Clone() }
func (d *Document) Floor() causal.VersionVector { return d.floor.Clone() }
func (d *Document) HistoryLen() int { return len(d.history) }
func (d *Document) PendingLen() int { return len(d.pending) }
func (d *Document) Tombstones() int { return d.seq.tombstones() }
func (d *Document) Replica() causal.ReplicaID { return d.replica }

// Local 执行本地编辑并返回带有时钟、ID 和副本信息的操作，供广播使用。
func (d *Document) Local(op Operation) (Operation, error) {
	if op.Kind == OpInsert {
		op.Length = uint64(len(op.Content))
	}
	if err := checkBounds(uint64(d.seq.live), op); err != nil {
		return Operation{}, err
	}
	if op.Kind == OpMove {
		op.Content = d.Value()[op.Position : op.Position+op.Length]
	}

	op.Replica = d.replica
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.Clock = d.clock.Clone()
	op.Clock.Increment(d.replica)

	d.seq.integrate(op, d.clock)
	d.clock.Increment(d.replica)
	d.record(op)
	return op, nil
}

// Integrate 接收远端操作：重复操作被忽略，缺少因果前驱的操作被缓冲，
// 其余的变换后执行，并随后尝试排空缓冲区。
func (d *Document) Integrate(op Operation) (Result, error) {
	if err := op.Validate(); err != nil {
		return Result{}, syncerr.WithState(err, "", op.ID)
	}
	if op.ID == "" || op.Replica.IsNil() {
		return Result{}, syncerr.New(syncerr.KindInvalidOperation, "operation without id or replica")
	}
	if _, ok := d.seen[op.ID]; ok {
		return Result{Outcome: Duplicate}, nil
	}

	switch d.clock.Classify(op.Replica, op.Clock) {
	case causal.Duplicate:
		return Result{Outcome: Duplicate}, nil
	case causal.Gap:
		if slices.ContainsFunc(d.pending, func(p Operation) bool { return p.ID == op.ID }) {
			return Result{Outcome: Duplicate}, nil
		}
		if len(d.pending) >= d.maxPending {
			return Result{}, syncerr.WithState(
				syncerr.New(syncerr.KindCausalityGap, "pending buffer full (%d), clock %s vs local %s", d.maxPending, op.Clock, d.clock),
				"", op.ID)
		}
		d.pending = append(d.pending, op)
		return Result{Outcome: Buffered}, nil
	}

	if err := d.deliver(op); err != nil {
		return Result{}, err
	}
	res := Result{Outcome: Applied, Applied: []Operation{op}}
	d.drain(&res)
	return res, nil
}

func (d *Document) deliver(op Operation) error {
	ctx, err := d.checkContext(op)
	if err != nil {
		return err
	}
	d.seq.integrate(op, ctx)
	d.clock.Merge(op.Clock)
	d.record(op)
	return nil
}

func (d *Document) drain(res *Result) {
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(d.pending); i++ {
			op := d.pending[i]
			switch d.clock.Classify(op.Replica, op.Clock) {
			case causal.Gap:
				continue
			case causal.Deliverable:
				if err := d.deliver(op); err != nil {
					res.Dropped = append(res.Dropped, err)
				} else {
					res.Applied = append(res.Applied, op)
				}
			}
			d.pending = slices.Delete(d.pending, i, i+1)
			i--
			progress = true
		}
	}
}

func (d *Document) record(op Operation) {
	d.history = append(d.history, op)
	d.seen[op.ID] = struct{}{}
}

// checkContext 检查 op 的生成上下文能否在本地解释，并检查 op 在该上下文中不越界。
func (d *Document) checkContext(op Operation) (causal.VersionVector, error) {
	ctx := op.Context()
	if !d.floor.LessOrEqual(ctx) {
		return nil, syncerr.WithState(
			syncerr.New(syncerr.KindResyncRequired, "context %s concurrent with pruned history %s", ctx, d.floor),
			"", op.ID)
	}
	if !ctx.LessOrEqual(d.clock) {
		return nil, syncerr.WithState(
			syncerr.New(syncerr.KindCausalityGap, "context %s not observed locally %s", ctx, d.clock),
			"", op.ID)
	}
	if err := checkBounds(d.seq.countIn(ctx), op); err != nil {
		return nil, syncerr.WithState(err, "", op.ID)
	}
	return ctx, nil
}

// TransformAgainstHistory 把 op 从它的生成上下文变换到当前文档状态，
// 返回在当前内容上依次执行的基本操作。文档本身不变。
//
// 落在并发删除区间内的插入保留内容，删除因此可能拆成多段；
// 已被并发删除的字节不会再次删除。
func (d *Document) TransformAgainstHistory(op Operation) ([]Operation, error) {
	ctx, err := d.checkContext(op)
	if err != nil {
		return nil, err
	}
	scratch := d.seq.clone()
	return scratch.integrate(op, ctx), nil
}

// PruneHistory 丢弃时钟被 watermark 覆盖的历史，返回丢弃的条数。
// 被丢弃的操作并入 floor，floor 之前插入并删除的墓碑随之回收。
func (d *Document) PruneHistory(watermark causal.VersionVector) int {
	n := 0
	d.history = slices.DeleteFunc(d.history, func(op Operation) bool {
		if !op.Clock.LessOrEqual(watermark) {
			return false
		}
		d.floor.Merge(op.Clock)
		delete(d.seen, op.ID)
		n++
		return true
	})
	if n > 0 {
		d.seq.compact(d.floor)
	}
	return n
}

// DeltaSince 返回 vv 尚未包含的历史操作 (历史顺序)。
// vv 落后于已裁剪的 floor 时返回 ok=false，调用方需要发送完整状态。
func (d *Document) DeltaSince(vv causal.VersionVector) (ops []Operation, ok bool) {
	if !d.floor.LessOrEqual(vv) {
		return nil, false
	}
	for _, op := range d.history {
		if vv.Get(op.Replica) < op.Seq() {
			ops = append(ops, op)
		}
	}
	return ops, true
}

// State 是文档可持久化的部分。
type State struct {
	Content []byte               `msgpack:"c"`
	Clock   causal.VersionVector `msgpack:"v"`
}

// State 返回当前内容与时钟的副本。
func (d *Document) State() State {
	return State{Content: d.Value(), Clock: d.Clock()}
}

// Reset 用 s 替换文档内容，用于回滚与完整状态同步。历史与墓碑被清空，
// floor 设为 s.Clock，之后只接受上下文覆盖 s.Clock 的操作。
//
// 时钟只合并不后退：回滚前见过的操作仍算作已见，本副本之后的编辑
// 也不会复用已经发出过的序号。
func (d *Document) Reset(s State) {
	d.seq = newSequence(s.Content)
	d.clock.Merge(s.Clock)
	d.floor = s.Clock.Clone()
	d.history = nil
	d.seen = make(map[string]struct{})
	d.pending = slices.DeleteFunc(d.pending, func(p Operation) bool {
		return d.clock.Classify(p.Replica, p.Clock) == causal.Duplicate
	})
}

// Revert 把内容改回 content，并像本地编辑一样记录与广播：
// 其他副本收到它之后同样回到 content，而不必各自恢复快照。
// 返回的 bool 为 false 表示内容已经相同，没有产生操作。
func (d *Document) Revert(content []byte) (Operation, bool, error) {
	cur := d.Value()
	p := 0
	for p < len(cur) && p < len(content) && cur[p] == content[p] {
		p++
	}
	s := 0
	for s < len(cur)-p && s < len(content)-p && cur[len(cur)-1-s] == content[len(content)-1-s] {
		s++
	}
	if p+s == len(cur) && p+s == len(content) {
		return Operation{}, false, nil
	}
	repl := slices.Clone(content[p : len(content)-s])
	op, err := d.Local(Update(uint64(p), uint64(len(cur)-p-s), repl))
	if err != nil {
		return Operation{}, false, err
	}
	return op, true, nil
}
