package replica

import (
	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/crdt"
	"github.com/harborgrid-justin/esxi-sub006/pkg/ot"
)

// EventType 是变更事件的类别。
type EventType uint8

const (
	EventLocal    EventType = iota + 1 // 本地变更
	EventRemote                        // 远端变更已应用 (或已合并并等待前驱)
	EventRestored                      // 从快照恢复
	EventPruned                        // 历史被裁剪
)

func (t EventType) String() string {
	switch t {
	case EventLocal:
		return "local"
	case EventRemote:
		return "remote"
	case EventRestored:
		return "restored"
	case EventPruned:
		return "pruned"
	}
	return "unknown"
}

// Event 描述一次已经生效的变更。
type Event struct {
	Type    EventType
	StateID string
	Origin  causal.ReplicaID
	Outcome Outcome
	Clock   causal.VersionVector
	Version uint64
	Delta   *crdt.Container // CRDT 变更
	Ops     []ot.Operation  // OT 变更，按应用顺序
	Pruned  int
}

// Subscribe 注册事件回调，返回取消函数。
//
// 回调在文档 actor 内同步执行，不得同步调用同一引擎上同一文档的方法。
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.nextSub++
	id := e.nextSub
	e.subs[id] = fn
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) emit(ev Event) {
	e.subMu.RLock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
