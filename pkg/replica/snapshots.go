package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/snapshot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// Snapshot 捕获文档的当前状态并交给快照管理器保存。
// 捕获在文档 actor 内完成，压缩与持久化在 actor 之外进行。
func (e *Engine) Snapshot(ctx context.Context, stateID string) (*snapshot.Snapshot, error) {
	var (
		data    []byte
		version uint64
		clock   causal.VersionVector
	)
	err := e.do(ctx, stateID, func(d *document) error {
		st := d.state()
		raw, err := msgpack.Marshal(&st)
		if err != nil {
			return fmt.Errorf("encode document state: %w", err)
		}
		data, version, clock = raw, d.version, st.Clock
		return nil
	})
	if err != nil {
		return nil, e.fail(err, stateID, "")
	}

	s, err := e.snapshots.CreateRecoveryPoint(stateID, version, clock, data, e.clock.Tick().Wall)
	if err != nil {
		// 持久化失败时快照仍在内存中可用
		e.logger.Warn("snapshot not persisted", "state", stateID, "version", version, "err", err)
		if s == nil {
			return nil, e.fail(err, stateID, "")
		}
	}
	e.metrics.snapshots.WithLabelValues("created").Inc()
	e.logger.Debug("snapshot created", "state", stateID, "version", version, "bytes", len(s.Data), "compressed", s.Compressed)
	return s, nil
}

// Restore 用快照替换文档的当前状态 (回滚语义)。
//
// 快照在解码前校验；版本低于该文档最近一次恢复的版本时返回 StaleSnapshot，
// 因为更新的重新同步已经取代了它。文档尚未打开时按快照类型创建。
func (e *Engine) Restore(ctx context.Context, stateID string, s *snapshot.Snapshot) error {
	if s == nil || s.StateID != stateID {
		return e.fail(syncerr.New(syncerr.KindInvalidOperation, "snapshot does not belong to this document"), stateID, "")
	}
	raw, err := e.snapshots.Data(s)
	if err != nil {
		if errors.Is(err, syncerr.ErrChecksumMismatch) {
			e.metrics.snapshots.WithLabelValues("checksum_failed").Inc()
			e.logger.Error("snapshot failed integrity check", "state", stateID, "snapshot", s.ID, "version", s.Version, "err", err)
		}
		return e.fail(err, stateID, "")
	}
	var st docState
	if err := msgpack.Unmarshal(raw, &st); err != nil {
		return e.fail(syncerr.Wrap(syncerr.KindInvalidOperation, fmt.Errorf("decode snapshot %s: %w", s.ID, err)), stateID, "")
	}

	var a *actor
	switch {
	case st.Type == docText:
		a, err = e.openText(stateID, nil)
	case st.Set != nil:
		a, err = e.openCRDT(stateID, st.Set.Kind())
	default:
		err = syncerr.New(syncerr.KindInvalidOperation, "snapshot %s holds no document state", s.ID)
	}
	if err != nil {
		return e.fail(err, stateID, "")
	}

	err = e.send(ctx, a, func(d *document) error {
		ops, err := d.restore(st, s.Version)
		if err != nil {
			return err
		}
		e.emit(Event{Type: EventRestored, StateID: stateID, Origin: e.replica, Clock: d.currentClock(), Version: s.Version, Ops: ops})
		return nil
	})
	if errors.Is(err, syncerr.ErrStaleSnapshot) {
		e.metrics.snapshots.WithLabelValues("stale").Inc()
	} else if err == nil {
		e.metrics.snapshots.WithLabelValues("restored").Inc()
		e.logger.Info("document restored", "state", stateID, "version", s.Version, "snapshot", s.ID)
	}
	return e.fail(err, stateID, "")
}

// RestoreVersion 恢复版本不超过 version 的最新快照。
func (e *Engine) RestoreVersion(ctx context.Context, stateID string, version uint64) (*snapshot.Snapshot, error) {
	s, ok := e.snapshots.AtVersion(stateID, version)
	if !ok {
		return nil, e.fail(syncerr.New(syncerr.KindNotFound, "no snapshot at or below version %d", version), stateID, "")
	}
	return s, e.Restore(ctx, stateID, s)
}

// RestoreLatestValid 从新到旧尝试恢复快照，跳过校验失败的快照。
// 没有可用快照时返回 NotFound，调用方应向其他副本请求完整状态。
func (e *Engine) RestoreLatestValid(ctx context.Context, stateID string) (*snapshot.Snapshot, error) {
	if _, err := e.snapshots.Load(ctx, stateID); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("loading persisted snapshots failed, using memory only", "state", stateID, "err", err)
	}
	list := e.snapshots.List(stateID)
	for i := len(list) - 1; i >= 0; i-- {
		err := e.Restore(ctx, stateID, list[i])
		if err == nil {
			return list[i], nil
		}
		if !errors.Is(err, syncerr.ErrChecksumMismatch) {
			return nil, err
		}
		e.logger.Warn("falling back to older snapshot", "state", stateID, "skipped", list[i].Version)
	}
	return nil, e.fail(syncerr.New(syncerr.KindNotFound, "no valid snapshot, full resync required"), stateID, "")
}
