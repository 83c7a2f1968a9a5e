package snapshot

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

const (
	DefaultMaxPerState = 10
	DefaultLevel       = 2
)

// Persistence 是快照的持久化后端。
type Persistence interface {
	// Commit 在一个事务中写入 put 并删除 evicted。put 可以为 nil。
	Commit(put *Snapshot, evicted []*Snapshot) error
	// LoadState 返回某个文档的全部快照，按版本升序。
	LoadState(stateID string) ([]*Snapshot, error)
}

// Stats 是管理器的累计统计。
type Stats struct {
	States           int
	Snapshots        int
	Evicted          uint64
	ChecksumFailures uint64
}

// Manager 保存每个文档的快照列表。
// 不同文档的读取可以并发；同一文档列表的写入 (插入与淘汰) 对读取是原子的。
type Manager struct {
	mu      sync.RWMutex
	byState map[string][]*Snapshot // 按 Version 升序
	byID    map[string]*Snapshot

	maxPerState int
	compress    bool
	level       int
	enc         *zstd.Encoder
	dec         *zstd.Decoder
	persist     Persistence
	loads       singleflight.Group
	logger      *slog.Logger

	evicted          atomic.Uint64
	checksumFailures atomic.Uint64
}

type Option func(*Manager)

// WithMaxPerState 设置每个文档保留的最大快照数。
func WithMaxPerState(n int) Option {
	return func(m *Manager) {
		m.maxPerState = n
	}
}

// WithCompression 打开 zstd 压缩。level 取值 1..4，对应 zstd 的 fastest..best。
func WithCompression(enabled bool, level int) Option {
	return func(m *Manager) {
		m.compress = enabled
		m.level = level
	}
}

func WithPersistence(p Persistence) Option {
	return func(m *Manager) {
		m.persist = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager 创建快照管理器。
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		byState:     make(map[string][]*Snapshot),
		byID:        make(map[string]*Snapshot),
		maxPerState: DefaultMaxPerState,
		level:       DefaultLevel,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxPerState <= 0 {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "max snapshots per state must be > 0, got %d", m.maxPerState)
	}
	if m.level < 1 || m.level > 4 {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "compression level must be in [1,4], got %d", m.level)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(m.level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	m.enc, m.dec = enc, dec
	return m, nil
}

// Close 释放压缩器资源。
func (m *Manager) Close() {
	_ = m.enc.Close()
	m.dec.Close()
}

// Compress 压缩 data。
func (m *Manager) Compress(data []byte) []byte {
	return m.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress 解压并校验：checksum 必须匹配未压缩数据，否则返回 ChecksumMismatch。
func (m *Manager) Decompress(data []byte, checksum string) ([]byte, error) {
	raw, err := m.dec.DecodeAll(data, nil)
	if err != nil {
		m.checksumFailures.Add(1)
		return nil, syncerr.Wrap(syncerr.KindChecksumMismatch, fmt.Errorf("zstd decode: %w", err))
	}
	if err := m.verify(raw, checksum); err != nil {
		return nil, err
	}
	return raw, nil
}

func (m *Manager) verify(raw []byte, checksum string) error {
	if got := Checksum(raw); got != checksum {
		m.checksumFailures.Add(1)
		return syncerr.New(syncerr.KindChecksumMismatch, "checksum %s, want %s", got, checksum)
	}
	return nil
}

// Data 返回快照的原始数据，并在返回前校验。
func (m *Manager) Data(s *Snapshot) ([]byte, error) {
	if s.Compressed {
		raw, err := m.Decompress(s.Data, s.Checksum)
		return raw, syncerr.WithState(err, s.StateID, "")
	}
	if err := m.verify(s.Data, s.Checksum); err != nil {
		return nil, syncerr.WithState(err, s.StateID, "")
	}
	return slices.Clone(s.Data), nil
}

// CreateRecoveryPoint 捕获 data 的副本，计算校验和并按配置压缩，然后加入管理器。
// data 不会被修改或保留。
func (m *Manager) CreateRecoveryPoint(stateID string, version uint64, clock causal.VersionVector, data []byte, createdAt int64) (*Snapshot, error) {
	s := &Snapshot{
		ID:        uuid.NewString(),
		StateID:   stateID,
		Version:   version,
		Clock:     clock.Clone(),
		CreatedAt: createdAt,
		Checksum:  Checksum(data),
	}
	if m.compress {
		s.Data = m.Compress(data)
		s.Compressed = true
	} else {
		s.Data = slices.Clone(data)
	}
	if err := m.Add(s); err != nil {
		return s, err
	}
	return s, nil
}

// Add 加入一个已构造好的快照。同一文档同一版本的旧快照被替换；
// 超出保留上限时淘汰版本最小的快照。
// 持久化失败时内存中的快照仍然可用，错误会返回给调用方。
func (m *Manager) Add(s *Snapshot) error {
	if s == nil || s.StateID == "" {
		return syncerr.New(syncerr.KindInvalidOperation, "snapshot without state id")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	m.mu.Lock()
	evicted := m.insertLocked(s)
	m.mu.Unlock()

	for _, e := range evicted {
		m.logger.Debug("snapshot evicted", "state", e.StateID, "version", e.Version, "id", e.ID)
	}
	if m.persist == nil {
		return nil
	}
	if err := m.persist.Commit(s, evicted); err != nil {
		m.logger.Warn("snapshot persistence failed", "state", s.StateID, "version", s.Version, "err", err)
		return syncerr.WithState(fmt.Errorf("persist snapshot: %w", err), s.StateID, "")
	}
	return nil
}

func (m *Manager) insertLocked(s *Snapshot) (evicted []*Snapshot) {
	list := m.byState[s.StateID]
	i, found := slices.BinarySearchFunc(list, s.Version, func(e *Snapshot, v uint64) int {
		switch {
		case e.Version < v:
			return -1
		case e.Version > v:
			return 1
		}
		return 0
	})
	if found {
		evicted = append(evicted, list[i])
		delete(m.byID, list[i].ID)
		list[i] = s
	} else {
		list = slices.Insert(list, i, s)
	}
	m.byID[s.ID] = s

	if over := len(list) - m.maxPerState; over > 0 {
		for _, e := range list[:over] {
			delete(m.byID, e.ID)
			evicted = append(evicted, e)
		}
		list = slices.Clone(list[over:])
		m.evicted.Add(uint64(over))
	}
	m.byState[s.StateID] = list
	return evicted
}

func (m *Manager) hasVersionLocked(stateID string, version uint64) bool {
	_, found := slices.BinarySearchFunc(m.byState[stateID], version, func(e *Snapshot, v uint64) int {
		return cmp.Compare(e.Version, v)
	})
	return found
}

// Latest 返回版本最大的快照。
func (m *Manager) Latest(stateID string) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byState[stateID]
	if len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1], true
}

// AtVersion 返回版本不超过 version 的最新快照。
func (m *Manager) AtVersion(stateID string, version uint64) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byState[stateID]
	// 第一个 Version > version 的位置
	i := sort.Search(len(list), func(i int) bool { return list[i].Version > version })
	if i == 0 {
		return nil, false
	}
	return list[i-1], true
}

// Get 按快照 ID 查找。
func (m *Manager) Get(id string) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// List 返回某个文档的快照，按版本升序。
func (m *Manager) List(stateID string) []*Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.byState[stateID])
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	st := Stats{States: len(m.byState), Snapshots: len(m.byID)}
	m.mu.RUnlock()
	st.Evicted = m.evicted.Load()
	st.ChecksumFailures = m.checksumFailures.Load()
	return st
}

// Load 从持久化后端加载某个文档的快照。同一文档的并发加载只会读取一次。
// 返回当前内存中该文档的快照数量。
func (m *Manager) Load(ctx context.Context, stateID string) (int, error) {
	if m.persist == nil {
		return len(m.List(stateID)), nil
	}
	ch := m.loads.DoChan(stateID, func() (any, error) {
		loaded, err := m.persist.LoadState(stateID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		var evicted []*Snapshot
		for _, s := range loaded {
			// 内存中已有同一版本时以内存中的为准，持久化的副本原样保留
			if _, ok := m.byID[s.ID]; ok || m.hasVersionLocked(s.StateID, s.Version) {
				continue
			}
			evicted = append(evicted, m.insertLocked(s)...)
		}
		n := len(m.byState[stateID])
		m.mu.Unlock()
		if len(evicted) > 0 {
			if err := m.persist.Commit(nil, evicted); err != nil {
				m.logger.Warn("evicting loaded snapshots failed", "state", stateID, "err", err)
			}
		}
		return n, nil
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, syncerr.WithState(fmt.Errorf("load snapshots: %w", res.Err), stateID, "")
		}
		return res.Val.(int), nil
	}
}
