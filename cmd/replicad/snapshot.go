package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborgrid-justin/esxi-sub006/pkg/snapshot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/store"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect, verify and back up persisted snapshots",
	}

	ls := &cobra.Command{
		Use:   "ls [state-id...]",
		Short: "List persisted snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSnapshots(cmd.Context(), args, func(m *snapshot.Manager, states []string) error {
				return listSnapshots(cmd.OutOrStdout(), m, states)
			})
		},
	}

	verify := &cobra.Command{
		Use:   "verify [state-id...]",
		Short: "Decompress every snapshot and check its checksum",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSnapshots(cmd.Context(), args, func(m *snapshot.Manager, states []string) error {
				return verifySnapshots(cmd.OutOrStdout(), m, states)
			})
		},
	}

	var since uint64
	backup := &cobra.Command{
		Use:   "backup <file>",
		Short: "Write the snapshot store to a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := a.openStore()
			if err != nil {
				return err
			}
			defer kv.Close()
			next, err := store.BackupToFile(kv, args[0], since)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s, next incremental since=%d\n", args[0], next)
			return nil
		},
	}
	backup.Flags().Uint64Var(&since, "since", 0, "version returned by a previous backup (0 for a full backup)")

	var maxPending int
	load := &cobra.Command{
		Use:   "load <file>",
		Short: "Import a backup file into the snapshot store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := a.openStore()
			if err != nil {
				return err
			}
			defer kv.Close()
			if err := store.LoadFromFile(kv, args[0], maxPending); err != nil {
				return err
			}
			a.logger.Info("backup loaded", "file", args[0])
			return nil
		},
	}
	load.Flags().IntVar(&maxPending, "max-pending-writes", 256, "maximum pending writes while importing")

	cmd.AddCommand(ls, verify, backup, load)
	return cmd
}

// withSnapshots 打开存储，加载 states (为空时加载全部) 的快照后调用 fn。
func (a *app) withSnapshots(ctx context.Context, states []string, fn func(*snapshot.Manager, []string) error) error {
	kv, err := a.openStore()
	if err != nil {
		return err
	}
	defer kv.Close()
	m, err := a.newManager(kv)
	if err != nil {
		return err
	}
	defer m.Close()

	if len(states) == 0 {
		if states, err = snapshot.NewBadgerPersistence(kv).States(); err != nil {
			return err
		}
	}
	for _, id := range states {
		if _, err := m.Load(ctx, id); err != nil {
			return fmt.Errorf("load %s: %w", id, err)
		}
	}
	return fn(m, states)
}

func listSnapshots(w io.Writer, m *snapshot.Manager, states []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tVERSION\tID\tSIZE\tCOMPRESSED\tCREATED\tCLOCK")
	for _, id := range states {
		for _, s := range m.List(id) {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%v\t%s\t%s\n",
				s.StateID, s.Version, s.ID, len(s.Data), s.Compressed,
				time.UnixMilli(s.CreatedAt).UTC().Format(time.RFC3339), s.Clock)
		}
	}
	return tw.Flush()
}

func verifySnapshots(w io.Writer, m *snapshot.Manager, states []string) error {
	var errs []error
	checked := 0
	for _, id := range states {
		for _, s := range m.List(id) {
			checked++
			if _, err := m.Data(s); err != nil {
				fmt.Fprintf(w, "FAIL %s: %v\n", s, err)
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(w, "ok   %s\n", s)
		}
	}
	fmt.Fprintf(w, "%d snapshots checked, %d failed\n", checked, len(errs))
	if len(errs) > 0 {
		return syncerr.Wrap(syncerr.KindChecksumMismatch, errors.Join(errs...))
	}
	return nil
}
