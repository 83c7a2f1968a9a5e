package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/hlc"
)

// wireContainer 是 Container 的线上格式。所有集合在编码前排序，相同状态得到相同字节。
type wireContainer struct {
	Kind     Kind           `msgpack:"k"`
	Added    []string       `msgpack:"a,omitempty"`
	Removed  []string       `msgpack:"d,omitempty"`
	Inc      []causal.Entry `msgpack:"i,omitempty"`
	Dec      []causal.Entry `msgpack:"n,omitempty"`
	Value    []byte         `msgpack:"v,omitempty"`
	Stamp    hlc.Timestamp  `msgpack:"t"`
	HasStamp bool           `msgpack:"h,omitempty"`
}

var (
	_ msgpack.CustomEncoder = (*Container)(nil)
	_ msgpack.CustomDecoder = (*Container)(nil)
)

func (c *Container) toWire() wireContainer {
	w := wireContainer{Kind: c.kind}
	switch c.kind {
	case KindGSet:
		w.Added = sortedStrings(c.gset.Elements())
	case KindTwoPhaseSet:
		w.Added = sortedStrings(c.twoPhase.added.Elements())
		w.Removed = sortedStrings(c.twoPhase.removed.Elements())
	case KindPNCounter:
		w.Inc = causal.VersionVector(c.counter.inc).Entries()
		w.Dec = causal.VersionVector(c.counter.dec).Entries()
	case KindLWWRegister:
		w.Value = c.register.value
		w.Stamp = c.register.timestamp
		w.HasStamp = !c.register.timestamp.IsZero()
	}
	return w
}

func fromWire(w wireContainer) (*Container, error) {
	c, err := New(w.Kind)
	if err != nil {
		return nil, err
	}
	switch w.Kind {
	case KindGSet:
		c.gset = NewGSet(w.Added...)
	case KindTwoPhaseSet:
		c.twoPhase = &TwoPhaseSet[string]{added: NewGSet(w.Added...), removed: NewGSet(w.Removed...)}
	case KindPNCounter:
		c.counter = &PNCounter{
			inc: causal.FromEntries(w.Inc),
			dec: causal.FromEntries(w.Dec),
		}
	case KindLWWRegister:
		if w.HasStamp {
			c.register = NewLWWRegister(w.Value, w.Stamp)
		}
	}
	return c, nil
}

func (c *Container) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(c.toWire())
}

func (c *Container) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w wireContainer
	if err := dec.Decode(&w); err != nil {
		return err
	}
	decoded, err := fromWire(w)
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}

// Bytes 序列化容器。
func (c *Container) Bytes() ([]byte, error) {
	return msgpack.Marshal(c)
}

// FromBytes 反序列化容器。
func FromBytes(data []byte) (*Container, error) {
	c := &Container{}
	if err := msgpack.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode crdt container: %w", err)
	}
	return c, nil
}
