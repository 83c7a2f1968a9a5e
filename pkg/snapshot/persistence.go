package snapshot

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/harborgrid-justin/esxi-sub006/pkg/store"
)

const keyPrefix = "snap/"

// BadgerPersistence 把快照保存在 store.Store 中。
//
// 键格式: snap/<escaped state id>/<20 位版本号>/<snapshot id>，
// 因此同一文档的快照按版本有序排列。
type BadgerPersistence struct {
	kv store.Store
}

var _ Persistence = (*BadgerPersistence)(nil)

func NewBadgerPersistence(kv store.Store) *BadgerPersistence {
	return &BadgerPersistence{kv: kv}
}

func statePrefix(stateID string) []byte {
	return []byte(keyPrefix + url.PathEscape(stateID) + "/")
}

func snapshotKey(s *Snapshot) []byte {
	return fmt.Appendf(statePrefix(s.StateID), "%020d/%s", s.Version, s.ID)
}

func (p *BadgerPersistence) Commit(put *Snapshot, evicted []*Snapshot) error {
	return p.kv.Update(func(tx store.Tx) error {
		for _, e := range evicted {
			if err := tx.Delete(snapshotKey(e)); err != nil {
				return err
			}
		}
		if put == nil {
			return nil
		}
		val, err := msgpack.Marshal(put)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		return tx.Set(snapshotKey(put), val)
	})
}

func (p *BadgerPersistence) LoadState(stateID string) ([]*Snapshot, error) {
	var out []*Snapshot
	err := p.kv.View(func(tx store.Tx) error {
		it := tx.NewIterator(store.IteratorOptions{Prefix: statePrefix(stateID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Value()
			if err != nil {
				return err
			}
			s := &Snapshot{}
			if err := msgpack.Unmarshal(val, s); err != nil {
				return fmt.Errorf("decode snapshot %s: %w", it.Key(), err)
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// States 列出持久化后端中出现过的全部文档 ID。
func (p *BadgerPersistence) States() ([]string, error) {
	var states []string
	err := p.kv.View(func(tx store.Tx) error {
		it := tx.NewIterator(store.IteratorOptions{Prefix: []byte(keyPrefix), KeysOnly: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Key()), keyPrefix)
			escaped, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			id, err := url.PathUnescape(escaped)
			if err != nil {
				return fmt.Errorf("bad snapshot key %q: %w", it.Key(), err)
			}
			if len(states) == 0 || states[len(states)-1] != id {
				states = append(states, id)
			}
		}
		return nil
	})
	return states, err
}
