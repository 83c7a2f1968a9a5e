package store

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore("", WithBadgerInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerStore_UpdateAndGet(t *testing.T) {
	s := newMemStore(t)

	require.NoError(t, s.Update(func(tx Tx) error {
		return tx.Set([]byte("key1"), []byte("value1"))
	}))

	require.NoError(t, s.View(func(tx Tx) error {
		val, err := tx.Get([]byte("key1"))
		require.NoError(t, err)
		require.Equal(t, "value1", string(val))
		return nil
	}))
}

func TestBadgerStore_GetNotFound(t *testing.T) {
	s := newMemStore(t)
	err := s.View(func(tx Tx) error {
		_, err := tx.Get([]byte("nonexistent"))
		return err
	})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBadgerStore_DeleteAndRollback(t *testing.T) {
	s := newMemStore(t)
	require.NoError(t, s.Update(func(tx Tx) error {
		return tx.Set([]byte("k"), []byte("v"))
	}))

	// fn 返回错误时事务被丢弃
	boom := fmt.Errorf("boom")
	err := s.Update(func(tx Tx) error {
		require.NoError(t, tx.Delete([]byte("k")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(func(tx Tx) error {
		_, err := tx.Get([]byte("k"))
		return err
	}))

	require.NoError(t, s.Update(func(tx Tx) error {
		return tx.Delete([]byte("k"))
	}))
	err = s.View(func(tx Tx) error {
		_, err := tx.Get([]byte("k"))
		return err
	})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func seed(t *testing.T, s Store, keys ...string) {
	t.Helper()
	require.NoError(t, s.Update(func(tx Tx) error {
		for _, k := range keys {
			if err := tx.Set([]byte(k), []byte("v:"+k)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func collect(t *testing.T, s Store, opts IteratorOptions, seek []byte) []string {
	t.Helper()
	var keys []string
	require.NoError(t, s.View(func(tx Tx) error {
		it := tx.NewIterator(opts)
		defer it.Close()
		if seek != nil {
			it.Seek(seek)
		} else {
			it.Rewind()
		}
		for ; it.Valid(); it.Next() {
			v, err := it.Value()
			if err != nil {
				return err
			}
			require.Equal(t, "v:"+string(it.Key()), string(v))
			keys = append(keys, string(it.Key()))
		}
		return nil
	}))
	return keys
}

func TestBadgerStore_IteratorPrefix(t *testing.T) {
	s := newMemStore(t)
	seed(t, s, "snap/a/1", "snap/a/2", "snap/b/1", "other")

	got := collect(t, s, IteratorOptions{Prefix: []byte("snap/a/")}, nil)
	require.Equal(t, []string{"snap/a/1", "snap/a/2"}, got)

	got = collect(t, s, IteratorOptions{Prefix: []byte("snap/")}, nil)
	require.Equal(t, []string{"snap/a/1", "snap/a/2", "snap/b/1"}, got)
}

func TestBadgerStore_IteratorReverseSeek(t *testing.T) {
	s := newMemStore(t)
	seed(t, s, "k/1", "k/2", "k/3", "k/4")

	// 反序迭代时 Seek 定位到第一个 <= key 的键
	got := collect(t, s, IteratorOptions{Prefix: []byte("k/"), Reverse: true}, []byte("k/3"))
	require.Equal(t, []string{"k/3", "k/2", "k/1"}, got)

	got = collect(t, s, IteratorOptions{Prefix: []byte("k/"), KeysOnly: true}, []byte("k/2"))
	require.Equal(t, []string{"k/2", "k/3", "k/4"}, got)
}

func TestBadgerStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadgerStore(dir)
	require.NoError(t, err)
	seed(t, s, "durable")
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, []string{"durable"}, collect(t, s, IteratorOptions{}, nil))
}

func TestBadgerStore_RequiresPathOnDisk(t *testing.T) {
	_, err := NewBadgerStore("  ")
	require.Error(t, err)
	_, err = NewBadgerStore("", WithBadgerValueLogFileSize(0))
	require.Error(t, err)
}

func TestBackupToFile_RoundTrip(t *testing.T) {
	src := newMemStore(t)
	seed(t, src, "snap/doc/1", "snap/doc/2")

	path := filepath.Join(t.TempDir(), "backup", "snap.bak")
	next, err := BackupToFile(src, path, 0)
	require.NoError(t, err)
	require.NotZero(t, next)

	dst := newMemStore(t)
	require.NoError(t, LoadFromFile(dst, path, 0))
	require.Equal(t, []string{"snap/doc/1", "snap/doc/2"}, collect(t, dst, IteratorOptions{}, nil))
}

func TestBadgerStore_LoggerBridge(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s, err := NewBadgerStore(t.TempDir(), WithBadgerLogger(logger))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Contains(t, buf.String(), "component=badger")
}
