package replica

import (
	"fmt"
	"slices"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/crdt"
	"github.com/harborgrid-justin/esxi-sub006/pkg/ot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// docType 区分文档的底层表示。
type docType uint8

const (
	docCRDT docType = iota + 1
	docText
)

func (t docType) String() string {
	switch t {
	case docCRDT:
		return "crdt"
	case docText:
		return "ot"
	}
	return "unknown"
}

// Outcome 是一次远端变更的处理结果。
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

type deltaEntry struct {
	clock causal.VersionVector
	delta *crdt.Container
}

// pendingDelta 记录状态已合并、但时钟尚不能推进的 delta。
type pendingDelta struct {
	origin causal.ReplicaID
	clock  causal.VersionVector
}

// document 是一个文档的全部可变状态，只由所属 actor 访问。
type document struct {
	id   string
	self causal.ReplicaID
	typ  docType

	// CRDT 文档
	set     *crdt.Container
	clock   causal.VersionVector
	floor   causal.VersionVector
	log     []deltaEntry
	pending []pendingDelta

	// OT 文档
	text *ot.Document

	maxPending int
	version    uint64 // 已应用变更计数
	restored   uint64 // 最近一次恢复的快照版本
	peers      map[causal.ReplicaID]causal.VersionVector
}

func newCRDTDocument(id string, self causal.ReplicaID, kind crdt.Kind, maxPending int) (*document, error) {
	set, err := crdt.New(kind)
	if err != nil {
		return nil, err
	}
	return &document{
		id:         id,
		self:       self,
		typ:        docCRDT,
		set:        set,
		clock:      causal.NewVersionVector(),
		floor:      causal.NewVersionVector(),
		maxPending: maxPending,
		peers:      make(map[causal.ReplicaID]causal.VersionVector),
	}, nil
}

func newTextDocument(id string, self causal.ReplicaID, initial []byte, maxPending int) *document {
	return &document{
		id:         id,
		self:       self,
		typ:        docText,
		text:       ot.NewDocument(self, ot.WithContent(initial), ot.WithMaxPending(maxPending)),
		maxPending: maxPending,
		peers:      make(map[causal.ReplicaID]causal.VersionVector),
	}
}

func (d *document) currentClock() causal.VersionVector {
	if d.typ == docText {
		return d.text.Clock()
	}
	return d.clock.Clone()
}

func (d *document) currentFloor() causal.VersionVector {
	if d.typ == docText {
		return d.text.Floor()
	}
	return d.floor.Clone()
}

func (d *document) pendingLen() int {
	if d.typ == docText {
		return d.text.PendingLen()
	}
	return len(d.pending)
}

func (d *document) historyLen() int {
	if d.typ == docText {
		return d.text.HistoryLen()
	}
	return len(d.log)
}

func (d *document) value() any {
	if d.typ == docText {
		return d.text.Value()
	}
	return d.set.Value()
}

func (d *document) requireType(t docType) error {
	if d.typ != t {
		return syncerr.New(syncerr.KindInvalidOperation, "document is %s, not %s", d.typ, t)
	}
	return nil
}

// mutate 执行本地 CRDT 操作。空操作时 delta 为 nil，时钟不变。
func (d *document) mutate(op crdt.Op) (*crdt.Container, causal.VersionVector, error) {
	if err := d.requireType(docCRDT); err != nil {
		return nil, nil, err
	}
	delta, err := d.set.Apply(d.self, op)
	if err != nil || delta == nil {
		return nil, nil, err
	}
	d.clock.Increment(d.self)
	clock := d.clock.Clone()
	d.log = append(d.log, deltaEntry{clock: clock, delta: delta})
	d.version++
	return delta, clock.Clone(), nil
}

// applyDelta 合并远端 delta。合并总是立即进行；时钟只在因果前驱齐全后推进，
// 在此之前该 delta 留在 pending 中。
func (d *document) applyDelta(origin causal.ReplicaID, clock causal.VersionVector, delta *crdt.Container) (Outcome, error) {
	if err := d.requireType(docCRDT); err != nil {
		return 0, err
	}
	if origin.IsNil() || clock.Get(origin) == 0 {
		return 0, syncerr.New(syncerr.KindInvalidOperation, "delta without origin entry in clock %s", clock)
	}
	if delta.Kind() != d.set.Kind() {
		return 0, fmt.Errorf("%w: %s delta for %s document", crdt.ErrKindMismatch, delta.Kind(), d.set.Kind())
	}

	switch d.clock.Classify(origin, clock) {
	case causal.Duplicate:
		if err := d.set.Merge(delta); err != nil {
			return 0, err
		}
		return Duplicate, nil
	case causal.Gap:
		seq := clock.Get(origin)
		if slices.ContainsFunc(d.pending, func(p pendingDelta) bool {
			return p.origin == origin && p.clock.Get(origin) == seq
		}) {
			return Duplicate, nil
		}
		if len(d.pending) >= d.maxPending {
			return 0, syncerr.New(syncerr.KindCausalityGap, "pending buffer full (%d), clock %s vs local %s", d.maxPending, clock, d.clock)
		}
		if err := d.set.Merge(delta); err != nil {
			return 0, err
		}
		d.log = append(d.log, deltaEntry{clock: clock.Clone(), delta: delta.Clone()})
		d.pending = append(d.pending, pendingDelta{origin: origin, clock: clock.Clone()})
		d.version++
		return Buffered, nil
	}

	if err := d.set.Merge(delta); err != nil {
		return 0, err
	}
	d.clock.Merge(clock)
	d.log = append(d.log, deltaEntry{clock: clock.Clone(), delta: delta.Clone()})
	d.version++
	d.drain()
	return Applied, nil
}

func (d *document) drain() {
	for progress := true; progress; {
		progress = false
		d.pending = slices.DeleteFunc(d.pending, func(p pendingDelta) bool {
			switch d.clock.Classify(p.origin, p.clock) {
			case causal.Deliverable:
				d.clock.Merge(p.clock)
				progress = true
				return true
			case causal.Duplicate:
				return true
			}
			return false
		})
	}
}

func (d *document) edit(op ot.Operation) (ot.Operation, error) {
	if err := d.requireType(docText); err != nil {
		return ot.Operation{}, err
	}
	out, err := d.text.Local(op)
	if err != nil {
		return ot.Operation{}, err
	}
	d.version++
	return out, nil
}

func (d *document) applyOp(op ot.Operation) (ot.Result, error) {
	if err := d.requireType(docText); err != nil {
		return ot.Result{}, err
	}
	res, err := d.text.Integrate(op)
	if err != nil {
		return res, err
	}
	d.version += uint64(len(res.Applied))
	return res, nil
}

// observePeer 记录 peer 已知的时钟，用于计算水位线。
func (d *document) observePeer(peer causal.ReplicaID, clock causal.VersionVector) {
	if peer == d.self || peer.IsNil() {
		return
	}
	known, ok := d.peers[peer]
	if !ok {
		known = causal.NewVersionVector()
		d.peers[peer] = known
	}
	known.Merge(clock)
}

// watermark 是本地时钟与所有活跃副本已知时钟的分量最小值。
func (d *document) watermark() causal.VersionVector {
	wm := d.currentClock()
	for _, known := range d.peers {
		wm = wm.Meet(known)
	}
	return wm
}

// prune 丢弃水位线以下的历史，返回丢弃的条数。
func (d *document) prune() int {
	wm := d.watermark()
	if d.typ == docText {
		return d.text.PruneHistory(wm)
	}
	n := 0
	d.log = slices.DeleteFunc(d.log, func(e deltaEntry) bool {
		if e.clock.LessOrEqual(wm) {
			d.floor.Merge(e.clock)
			n++
			return true
		}
		return false
	})
	return n
}

// Delta 是为落后的副本准备的增量 (或在历史不足时的完整状态)。
// Set 非空表示 CRDT 文档；否则是 OT 文档，Full 时 Text 为完整内容。
type Delta struct {
	StateID string               `msgpack:"s"`
	Origin  causal.ReplicaID     `msgpack:"o"`
	Clock   causal.VersionVector `msgpack:"v"`
	Full    bool                 `msgpack:"f"`
	Set     *crdt.Container      `msgpack:"c,omitempty"`
	Ops     []ot.Operation       `msgpack:"ops,omitempty"`
	Text    []byte               `msgpack:"x,omitempty"`
}

func (d *document) deltaSince(vv causal.VersionVector) Delta {
	out := Delta{StateID: d.id, Origin: d.self, Clock: d.currentClock()}
	if d.typ == docText {
		ops, ok := d.text.DeltaSince(vv)
		if !ok {
			out.Full = true
			out.Text = d.text.Value()
			return out
		}
		out.Ops = ops
		return out
	}

	if !d.floor.LessOrEqual(vv) {
		out.Full = true
		out.Set = d.set.Clone()
		return out
	}
	join := crdt.MustNew(d.set.Kind())
	for _, e := range d.log {
		if !e.clock.LessOrEqual(vv) {
			_ = join.Merge(e.delta)
		}
	}
	out.Set = join
	return out
}

// applyResync 应用由 deltaSince 产生的增量。增量必须是针对本副本的时钟计算的。
func (d *document) applyResync(delta Delta) (applied []ot.Operation, dropped []error, err error) {
	if d.typ == docCRDT {
		if delta.Set == nil {
			return nil, nil, syncerr.New(syncerr.KindInvalidOperation, "text delta for crdt document")
		}
		if err := d.set.Merge(delta.Set); err != nil {
			return nil, nil, err
		}
		if !delta.Clock.LessOrEqual(d.clock) {
			d.log = append(d.log, deltaEntry{clock: delta.Clock.Clone(), delta: delta.Set.Clone()})
			d.clock.Merge(delta.Clock)
			d.version++
		}
		d.drain()
		return nil, nil, nil
	}

	if delta.Set != nil {
		return nil, nil, syncerr.New(syncerr.KindInvalidOperation, "crdt delta for text document")
	}
	if delta.Full {
		if !d.text.Clock().LessOrEqual(delta.Clock) {
			return nil, nil, syncerr.New(syncerr.KindResyncRequired, "local edits %s not covered by full state %s", d.text.Clock(), delta.Clock)
		}
		d.text.Reset(ot.State{Content: delta.Text, Clock: delta.Clock})
		d.version++
		return nil, nil, nil
	}
	for _, op := range delta.Ops {
		res, err := d.applyOp(op)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		applied = append(applied, res.Applied...)
		dropped = append(dropped, res.Dropped...)
	}
	return applied, dropped, nil
}

// docState 是快照中保存的文档状态。
type docState struct {
	Type  docType              `msgpack:"t"`
	Set   *crdt.Container      `msgpack:"c,omitempty"`
	Text  []byte               `msgpack:"x,omitempty"`
	Clock causal.VersionVector `msgpack:"v"`
}

func (d *document) state() docState {
	st := docState{Type: d.typ, Clock: d.currentClock()}
	if d.typ == docText {
		st.Text = d.text.Value()
	} else {
		st.Set = d.set.Clone()
	}
	return st
}

// restore 用快照状态替换文档，返回为此产生的本地操作。
//
// 文本文档已经越过快照时钟时，回滚作为一次本地编辑执行并记入历史，
// 其他副本经由 DeltaSince 或事件收到后回到同样的内容。其余情况下
// 历史被清空，floor 设为快照时钟。时钟与快照时钟合并而不回退，
// 回滚后本副本的编辑不会复用已经发出的序号。
func (d *document) restore(st docState, version uint64) ([]ot.Operation, error) {
	if st.Type != d.typ {
		return nil, syncerr.New(syncerr.KindInvalidOperation, "snapshot of %s document restored into %s document", st.Type, d.typ)
	}
	if version < d.restored {
		return nil, syncerr.New(syncerr.KindStaleSnapshot, "snapshot version %d older than last restored %d", version, d.restored)
	}
	var ops []ot.Operation
	if d.typ == docText {
		if st.Clock.Precedes(d.text.Clock()) {
			op, ok, err := d.text.Revert(st.Text)
			if err != nil {
				return nil, err
			}
			if ok {
				ops = append(ops, op)
			}
		} else {
			d.text.Reset(ot.State{Content: st.Text, Clock: st.Clock})
		}
	} else {
		if st.Set == nil || st.Set.Kind() != d.set.Kind() {
			return nil, fmt.Errorf("%w: snapshot does not hold a %s container", crdt.ErrKindMismatch, d.set.Kind())
		}
		d.set = st.Set.Clone()
		d.clock.Merge(st.Clock)
		d.floor = st.Clock.Clone()
		d.log = nil
		d.pending = nil
	}
	d.version = version
	d.restored = version
	return ops, nil
}
