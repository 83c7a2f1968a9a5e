package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultRestoreMaxPendingWrites = 256

// BackupToFile 把存储导出到一个本地文件。
// since=0 表示全量备份，否则为自返回版本号以来的增量。
// 先写临时文件再原子替换，失败时不会留下半个备份。
func BackupToFile(s BackupLoader, path string, since uint64) (uint64, error) {
	backupPath := strings.TrimSpace(path)
	if backupPath == "" {
		return 0, fmt.Errorf("backup path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return 0, err
	}

	tmpPath := backupPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}
	cleanupTmp := true
	defer func() {
		_ = tmpFile.Close()
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	next, err := s.Backup(tmpFile, since)
	if err != nil {
		return 0, err
	}
	if err := tmpFile.Sync(); err != nil {
		return 0, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, backupPath); err != nil {
		return 0, err
	}
	cleanupTmp = false
	return next, nil
}

// LoadFromFile 导入 BackupToFile 生成的文件。maxPendingWrites<=0 使用默认值。
func LoadFromFile(s BackupLoader, path string, maxPendingWrites int) error {
	if maxPendingWrites <= 0 {
		maxPendingWrites = defaultRestoreMaxPendingWrites
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Load(f, maxPendingWrites)
}
