package replica

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/crdt"
	"github.com/harborgrid-justin/esxi-sub006/pkg/hlc"
	"github.com/harborgrid-justin/esxi-sub006/pkg/ot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// Payload 是远端变更的内容：DeltaPayload 或 OpPayload。
type Payload interface {
	isPayload()
}

// DeltaPayload 携带 CRDT delta (或完整状态) 及其来源副本。
type DeltaPayload struct {
	Origin causal.ReplicaID
	Delta  *crdt.Container
}

// OpPayload 携带一个 OT 操作。
type OpPayload struct {
	Op ot.Operation
}

func (DeltaPayload) isPayload() {}
func (OpPayload) isPayload()    {}

// Envelope 是本地变更向其他副本广播时的载体。
// 传输层负责分帧、压缩与完整性，这里只定义字段。
type Envelope struct {
	StateID string                  `msgpack:"s"`
	Origin  causal.ReplicaID        `msgpack:"o"`
	Clock   causal.VersionVector    `msgpack:"v"`
	Stamp   hlc.Timestamp           `msgpack:"t"`
	Lamport causal.LamportTimestamp `msgpack:"lt"`
	Delta   *crdt.Container         `msgpack:"d,omitempty"`
	Op      *ot.Operation           `msgpack:"op,omitempty"`
}

// Payload 返回信封中唯一的负载。
func (e *Envelope) Payload() (Payload, error) {
	switch {
	case e.Delta != nil && e.Op == nil:
		return DeltaPayload{Origin: e.Origin, Delta: e.Delta}, nil
	case e.Op != nil && e.Delta == nil:
		return OpPayload{Op: *e.Op}, nil
	}
	return nil, syncerr.New(syncerr.KindInvalidOperation, "envelope for %q must carry exactly one payload", e.StateID)
}

func (e *Envelope) Marshal() ([]byte, error) {
	return msgpack.Marshal(e)
}

// UnmarshalEnvelope 解码信封。
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := msgpack.Unmarshal(data, e); err != nil {
		return nil, syncerr.Wrap(syncerr.KindInvalidOperation, fmt.Errorf("decode envelope: %w", err))
	}
	return e, nil
}
