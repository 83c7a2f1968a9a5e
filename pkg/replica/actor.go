package replica

import (
	"context"
	"time"

	"github.com/harborgrid-justin/esxi-sub006/pkg/crdt"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

type request struct {
	fn    func(*document) error
	reply chan error
}

// actor 独占一个文档。typ 与 kind 在创建后不变，可以在邮箱之外读取。
type actor struct {
	typ   docType
	kind  crdt.Kind
	doc   *document
	inbox chan request
}

func (e *Engine) run(a *actor) error {
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case req := <-a.inbox:
			before := a.doc.pendingLen()
			err := req.fn(a.doc)
			if after := a.doc.pendingLen(); after != before {
				e.metrics.pending.Add(float64(after - before))
			}
			req.reply <- err
		}
	}
}

// open 返回 stateID 对应的 actor，不存在时用 create 创建。
func (e *Engine) open(stateID string, typ docType, kind crdt.Kind, create func() (*document, error)) (*actor, error) {
	if stateID == "" {
		return nil, syncerr.New(syncerr.KindInvalidOperation, "empty state id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if a, ok := e.actors[stateID]; ok {
		if a.typ != typ || (typ == docCRDT && a.kind != kind) {
			return nil, syncerr.WithState(
				syncerr.New(syncerr.KindInvalidOperation, "document is %s/%s, requested %s/%s", a.typ, a.kind, typ, kind),
				stateID, "")
		}
		return a, nil
	}

	doc, err := create()
	if err != nil {
		return nil, syncerr.WithState(err, stateID, "")
	}
	a := &actor{typ: typ, kind: kind, doc: doc, inbox: make(chan request, e.mailboxSize)}
	e.actors[stateID] = a
	e.group.Go(func() error { return e.run(a) })
	e.metrics.documents.Inc()
	e.logger.Debug("document opened", "state", stateID, "type", typ, "kind", kind)
	return a, nil
}

func (e *Engine) openCRDT(stateID string, kind crdt.Kind) (*actor, error) {
	return e.open(stateID, docCRDT, kind, func() (*document, error) {
		return newCRDTDocument(stateID, e.replica, kind, e.maxPending)
	})
}

func (e *Engine) openText(stateID string, initial []byte) (*actor, error) {
	return e.open(stateID, docText, 0, func() (*document, error) {
		return newTextDocument(stateID, e.replica, initial, e.maxPending), nil
	})
}

func (e *Engine) lookup(stateID string) (*actor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	a, ok := e.actors[stateID]
	if !ok {
		return nil, syncerr.WithState(syncerr.New(syncerr.KindNotFound, "document not open"), stateID, "")
	}
	return a, nil
}

// send 把 fn 投递到 actor 的邮箱并等待执行完成。
// ctx 在投递后取消时 fn 仍会执行，但结果被丢弃。
func (e *Engine) send(ctx context.Context, a *actor, fn func(*document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case a.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

func (e *Engine) do(ctx context.Context, stateID string, fn func(*document) error) error {
	a, err := e.lookup(stateID)
	if err != nil {
		return err
	}
	return e.send(ctx, a, fn)
}

// timed 包装 fn 并记录它在 actor 内的执行时间。
func (e *Engine) timed(fn func(*document) error) func(*document) error {
	return func(d *document) error {
		start := time.Now()
		defer func() { e.metrics.applyTime.Observe(time.Since(start).Seconds()) }()
		return fn(d)
	}
}
