package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

type BadgerStore struct {
	db *badger.DB
}

var (
	_ Store        = (*BadgerStore)(nil)
	_ BackupLoader = (*BadgerStore)(nil)
)

const defaultBadgerValueLogFileSize = 128 * 1024 * 1024 // 128MB

type badgerConfig struct {
	valueLogFileSize int64
	inMemory         bool
	syncWrites       bool
	logger           *slog.Logger
}

// BadgerOption customizes how Badger is opened.
type BadgerOption func(*badgerConfig) error

// WithBadgerValueLogFileSize sets max bytes per value log (vlog) file.
func WithBadgerValueLogFileSize(sizeBytes int64) BadgerOption {
	return func(cfg *badgerConfig) error {
		if sizeBytes <= 0 {
			return fmt.Errorf("badger value log file size must be > 0, got %d", sizeBytes)
		}
		cfg.valueLogFileSize = sizeBytes
		return nil
	}
}

// WithBadgerInMemory 完全在内存中运行，path 被忽略。
func WithBadgerInMemory() BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.inMemory = true
		return nil
	}
}

// WithBadgerSyncWrites 每次提交都 fsync。
func WithBadgerSyncWrites(sync bool) BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.syncWrites = sync
		return nil
	}
}

// WithBadgerLogger 把 Badger 的内部日志转发到 slog。nil 表示关闭。
func WithBadgerLogger(logger *slog.Logger) BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.logger = logger
		return nil
	}
}

// NewBadgerStore creates a Badger-backed store.
func NewBadgerStore(path string, options ...BadgerOption) (*BadgerStore, error) {
	cfg := badgerConfig{
		valueLogFileSize: defaultBadgerValueLogFileSize,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(&cfg); err != nil {
			return nil, err
		}
	}
	if !cfg.inMemory && strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("badger path cannot be empty")
	}

	opts := badger.DefaultOptions(path)
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithValueLogFileSize(cfg.valueLogFileSize).WithSyncWrites(cfg.syncWrites)
	opts.Logger = nil
	if cfg.logger != nil {
		opts.Logger = &slogBadgerLogger{l: cfg.logger.With("component", "badger")}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) View(fn func(Tx) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&BadgerTx{txn: txn})
	})
}

func (s *BadgerStore) Update(fn func(Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&BadgerTx{txn: txn})
	})
}

func (s *BadgerStore) Backup(w io.Writer, since uint64) (uint64, error) {
	return s.db.Backup(w, since)
}

func (s *BadgerStore) Load(r io.Reader, maxPendingWrites int) error {
	return s.db.Load(r, maxPendingWrites)
}

// BadgerTx implements Tx.
type BadgerTx struct {
	txn *badger.Txn
}

func (tx *BadgerTx) Set(key, value []byte) error {
	return tx.txn.Set(key, value)
}

func (tx *BadgerTx) Get(key []byte) ([]byte, error) {
	item, err := tx.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (tx *BadgerTx) Delete(key []byte) error {
	return tx.txn.Delete(key)
}

func (tx *BadgerTx) NewIterator(opts IteratorOptions) Iterator {
	bOpts := badger.DefaultIteratorOptions
	bOpts.Reverse = opts.Reverse
	bOpts.Prefix = opts.Prefix
	bOpts.PrefetchValues = !opts.KeysOnly
	return &BadgerIterator{it: tx.txn.NewIterator(bOpts), prefix: opts.Prefix}
}

// BadgerIterator implements Iterator.
type BadgerIterator struct {
	it     *badger.Iterator
	prefix []byte
}

func (i *BadgerIterator) Seek(key []byte) {
	i.it.Seek(key)
}

func (i *BadgerIterator) Rewind() {
	i.it.Rewind()
}

func (i *BadgerIterator) Valid() bool {
	if len(i.prefix) > 0 {
		return i.it.ValidForPrefix(i.prefix)
	}
	return i.it.Valid()
}

func (i *BadgerIterator) Next() {
	i.it.Next()
}

func (i *BadgerIterator) Key() []byte {
	return i.it.Item().KeyCopy(nil)
}

func (i *BadgerIterator) Value() ([]byte, error) {
	return i.it.Item().ValueCopy(nil)
}

func (i *BadgerIterator) Close() {
	i.it.Close()
}

// slogBadgerLogger 实现 badger.Logger。
type slogBadgerLogger struct {
	l *slog.Logger
}

func (b *slogBadgerLogger) log(level slog.Level, format string, args ...any) {
	if !b.l.Enabled(context.Background(), level) {
		return
	}
	b.l.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *slogBadgerLogger) Errorf(format string, args ...any) {
	b.log(slog.LevelError, format, args...)
}

func (b *slogBadgerLogger) Warningf(format string, args ...any) {
	b.log(slog.LevelWarn, format, args...)
}

func (b *slogBadgerLogger) Infof(format string, args ...any) {
	b.log(slog.LevelInfo, format, args...)
}

func (b *slogBadgerLogger) Debugf(format string, args ...any) {
	b.log(slog.LevelDebug, format, args...)
}
