// replicad 是因果复制引擎的命令行入口。
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/config"
	"github.com/harborgrid-justin/esxi-sub006/pkg/logging"
	"github.com/harborgrid-justin/esxi-sub006/pkg/replica"
	"github.com/harborgrid-justin/esxi-sub006/pkg/snapshot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/store"
)

type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "replicad",
		Short:         "Causal replication engine for CRDT and OT documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML config (defaults are used when empty)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level from the config")

	root.AddCommand(newDemoCmd(a), newSnapshotCmd(a), newConfigCmd(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg := config.DefaultConfig()
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return err
		}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// openStore 打开快照所用的 Badger 存储。
func (a *app) openStore() (*store.BadgerStore, error) {
	opts := []store.BadgerOption{store.WithBadgerLogger(a.logger)}
	if a.cfg.Snapshot.InMemory {
		opts = append(opts, store.WithBadgerInMemory())
		return store.NewBadgerStore("", opts...)
	}
	return store.NewBadgerStore(a.cfg.Snapshot.StorePath, opts...)
}

// newManager 创建快照管理器；kv 为 nil 时只保存在内存中。
func (a *app) newManager(kv store.Store) (*snapshot.Manager, error) {
	opts := []snapshot.Option{
		snapshot.WithMaxPerState(a.cfg.Snapshot.MaxPerState),
		snapshot.WithCompression(a.cfg.Snapshot.Compress, a.cfg.Snapshot.CompressionLevel),
		snapshot.WithLogger(a.logger),
	}
	if kv != nil {
		opts = append(opts, snapshot.WithPersistence(snapshot.NewBadgerPersistence(kv)))
	}
	return snapshot.NewManager(opts...)
}

// newEngine 按配置创建引擎。
func (a *app) newEngine(id causal.ReplicaID, m *snapshot.Manager, reg prometheus.Registerer) (*replica.Engine, error) {
	return replica.NewEngine(id,
		replica.WithLogger(a.logger),
		replica.WithMailboxSize(a.cfg.Engine.MailboxSize),
		replica.WithMaxPending(a.cfg.Engine.MaxPending),
		replica.WithMaxClockDrift(a.cfg.Engine.ClockDrift()),
		replica.WithDeliveryLimit(a.cfg.Engine.DeliveryRate, a.cfg.Engine.DeliveryBurst),
		replica.WithSnapshotManager(m),
		replica.WithRegisterer(reg),
	)
}
