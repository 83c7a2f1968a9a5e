package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&app{})
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "replicad.yaml")
	cfg := "replica:\n  id: 3f1c2b9e-8a47-4d0e-9c8b-2a1f6e5d4c3b\n" +
		"snapshot:\n  in_memory: false\n  store_path: " + filepath.Join(dir, "store") + "\n" +
		"log:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestDemoConverges(t *testing.T) {
	for _, seed := range []string{"1", "7", "42"} {
		out, err := execute(t, "demo", "--seed", seed, "--edits", "30", "--log-level", "error")
		require.NoError(t, err, out)
		require.Contains(t, out, "converged: true")
		require.Contains(t, out, "snapshots: 5")
		require.NotContains(t, out, "diverged")
	}
}

// 所有副本同时编辑文本，收到的顺序各不相同
func TestDemoConvergesWithManyTextWriters(t *testing.T) {
	for _, seed := range []string{"3", "11", "29"} {
		out, err := execute(t, "demo", "--seed", seed, "--replicas", "4", "--text-writers", "4", "--edits", "40", "--log-level", "error")
		require.NoError(t, err, out)
		require.Contains(t, out, "converged: true")
		require.NotContains(t, out, "diverged")
	}
}

func TestDemoMetrics(t *testing.T) {
	out, err := execute(t, "demo", "--metrics", "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, out, "replica_engine_remote_changes_total")
	require.Contains(t, out, "replica_snapshot_operations_total")
}

func TestDemoInvalidOptions(t *testing.T) {
	_, err := execute(t, "demo", "--replicas", "1")
	require.ErrorIs(t, err, syncerr.ErrInvalidConfig)
}

func TestSnapshotCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	_, err := execute(t, "-c", cfg, "demo")
	require.NoError(t, err)

	out, err := execute(t, "-c", cfg, "snapshot", "ls")
	require.NoError(t, err)
	for _, doc := range []string{"tags", "layers", "votes", "title", "notes"} {
		require.Contains(t, out, doc)
	}

	out, err = execute(t, "-c", cfg, "snapshot", "verify", "notes", "votes")
	require.NoError(t, err)
	require.Contains(t, out, "2 snapshots checked, 0 failed")

	backup := filepath.Join(dir, "backup", "snapshots.bak")
	out, err = execute(t, "-c", cfg, "snapshot", "backup", backup)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "backup written to"))
	info, err := os.Stat(backup)
	require.NoError(t, err)
	require.NotZero(t, info.Size())

	// 导入到新的存储后可以看到同样的快照
	other := filepath.Join(t.TempDir(), "replicad.yaml")
	require.NoError(t, os.WriteFile(other, []byte("snapshot:\n  in_memory: false\n  store_path: "+
		filepath.Join(filepath.Dir(other), "store")+"\nlog:\n  level: error\n"), 0o644))
	_, err = execute(t, "-c", other, "snapshot", "load", backup)
	require.NoError(t, err)
	out, err = execute(t, "-c", other, "snapshot", "verify")
	require.NoError(t, err)
	require.Contains(t, out, "5 snapshots checked, 0 failed")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "replicad.yaml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	require.Contains(t, out, "wrote")

	_, err = execute(t, "config", "init", path)
	require.Error(t, err)

	out, err = execute(t, "-c", path, "config", "show")
	require.NoError(t, err)
	require.Contains(t, out, "mailbox_size: 64")
	require.Contains(t, out, "id: ")
}

func TestInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))
	_, err := execute(t, "-c", path, "config", "show")
	require.ErrorIs(t, err, syncerr.ErrInvalidConfig)
}
