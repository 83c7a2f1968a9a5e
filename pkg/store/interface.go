// Package store 提供快照持久化使用的事务型 KV 抽象。
package store

import (
	"errors"
	"io"
)

var (
	ErrKeyNotFound = errors.New("key not found")
)

// Store 代表底层 KV 存储接口 (例如 BadgerDB)。
// 键空间由调用方划分，快照管理器使用 "snap/" 前缀。
type Store interface {
	// Close 关闭存储。
	Close() error

	// View 执行只读事务。
	View(fn func(Tx) error) error

	// Update 执行读写事务。fn 返回错误时事务被丢弃。
	Update(fn func(Tx) error) error
}

// BackupLoader 由支持整库导出/导入的存储实现。
type BackupLoader interface {
	// Backup 把 since 之后的全部数据写入 w，返回可用于下一次增量备份的版本号。
	Backup(w io.Writer, since uint64) (uint64, error)

	// Load 导入 Backup 生成的数据。
	Load(r io.Reader, maxPendingWrites int) error
}

// Tx 代表事务。
type Tx interface {
	// Set 设置键的值。
	Set(key, value []byte) error

	// Get 获取键的值。
	// 如果键不存在返回 ErrKeyNotFound。
	Get(key []byte) ([]byte, error)

	// Delete 删除键。
	Delete(key []byte) error

	// NewIterator 使用选项创建新的迭代器。
	NewIterator(opts IteratorOptions) Iterator
}

// IteratorOptions 定义迭代器的选项。
type IteratorOptions struct {
	Prefix   []byte
	Reverse  bool // 如果为 true，则按反序迭代。
	KeysOnly bool
}

// Iterator 遍历存储中的键。
type Iterator interface {
	// Seek 将迭代器移动到第一个 >= key 的键 (反序时为 <= key)。
	Seek(key []byte)

	// Rewind 将迭代器移动到范围的开头。
	Rewind()

	// Valid 如果迭代器指向有效的键，则返回 true。
	Valid() bool

	// Next 将迭代器移动到下一个键。
	Next()

	// Key 返回当前键的副本。
	Key() []byte

	// Value 返回当前值的副本；KeysOnly 迭代器也可以调用，只是需要额外读取。
	Value() ([]byte, error)

	// Close 关闭迭代器。
	Close()
}
