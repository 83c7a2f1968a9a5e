package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/crdt"
	"github.com/harborgrid-justin/esxi-sub006/pkg/ot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/replica"
	"github.com/harborgrid-justin/esxi-sub006/pkg/snapshot"
	"github.com/harborgrid-justin/esxi-sub006/pkg/store"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

type demoOptions struct {
	replicas    int
	edits       int
	writers     int // 编辑文本文档的副本数，负数表示全部
	seed        uint64
	duplicates  int
	showMetrics bool
}

// demoDocs 是每个副本都打开的文档。
var demoDocs = []struct {
	id   string
	kind crdt.Kind
	text bool
}{
	{id: "tags", kind: crdt.KindGSet},
	{id: "layers", kind: crdt.KindTwoPhaseSet},
	{id: "votes", kind: crdt.KindPNCounter},
	{id: "title", kind: crdt.KindLWWRegister},
	{id: "notes", text: true},
}

const demoInitialText = "shared notes"

func newDemoCmd(a *app) *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run several in-process replicas with concurrent edits and check that they converge",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runDemo(cmd.Context(), a, opts)
			if err != nil {
				return err
			}
			return res.print(cmd.OutOrStdout(), opts.showMetrics)
		},
	}
	cmd.Flags().IntVar(&opts.replicas, "replicas", 3, "number of replicas")
	cmd.Flags().IntVar(&opts.edits, "edits", 20, "local edits per replica")
	cmd.Flags().IntVar(&opts.writers, "text-writers", -1, "replicas that edit the text document (negative for all)")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "random seed for edits and delivery order")
	cmd.Flags().IntVar(&opts.duplicates, "duplicates", 5, "envelopes redelivered to every replica")
	cmd.Flags().BoolVar(&opts.showMetrics, "metrics", false, "print the first replica's metrics")
	return cmd
}

type demoResult struct {
	replicas  []causal.ReplicaID
	values    map[string][]string // 文档 -> 每个副本上的值
	converged bool
	pruned    int
	snapshots int
	registry  *prometheus.Registry
}

func runDemo(ctx context.Context, a *app, opts demoOptions) (*demoResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.replicas < 2 {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "demo needs at least 2 replicas, got %d", opts.replicas)
	}
	if opts.edits <= 0 {
		return nil, syncerr.New(syncerr.KindInvalidConfig, "edits must be > 0, got %d", opts.edits)
	}
	if opts.writers < 0 || opts.writers > opts.replicas {
		opts.writers = opts.replicas
	}

	first, err := a.cfg.ReplicaID()
	if err != nil {
		return nil, err
	}
	kv, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer kv.Close()

	reg := prometheus.NewRegistry()
	engines := make([]*replica.Engine, opts.replicas)
	var managers []*snapshot.Manager
	res := &demoResult{values: make(map[string][]string), registry: reg}
	defer func() {
		for _, e := range engines {
			if e != nil {
				_ = e.Close()
			}
		}
		for _, m := range managers {
			m.Close()
		}
	}()
	for i := range engines {
		// 只有第一个副本持久化快照；各副本的文档 ID 相同，共用存储会相互覆盖
		var (
			id         = causal.NewReplicaID()
			kvs        store.Store
			registerer prometheus.Registerer
		)
		if i == 0 {
			id, kvs, registerer = first, kv, reg
		}
		m, err := a.newManager(kvs)
		if err != nil {
			return nil, err
		}
		managers = append(managers, m)
		e, err := a.newEngine(id, m, registerer)
		if err != nil {
			return nil, err
		}
		engines[i] = e
		res.replicas = append(res.replicas, id)
		for _, d := range demoDocs {
			if d.text {
				err = e.OpenText(d.id, []byte(demoInitialText))
			} else {
				err = e.Open(d.id, d.kind)
			}
			if err != nil {
				return nil, err
			}
		}
	}

	// 第一阶段：各副本并发地做本地编辑
	outboxes := make([][][]byte, opts.replicas)
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range engines {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(opts.seed, uint64(i)))
			for n := 0; n < opts.edits; n++ {
				env, err := demoEdit(gctx, e, rng, i, n, i < opts.writers)
				if err != nil {
					return err
				}
				if env == nil {
					continue
				}
				data, err := env.Marshal()
				if err != nil {
					return err
				}
				outboxes[i] = append(outboxes[i], data)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 第二阶段：每个副本按随机顺序收到其他副本的全部信封，外加若干重复
	g, gctx = errgroup.WithContext(ctx)
	for j, e := range engines {
		var inbox [][]byte
		for i, out := range outboxes {
			if i != j {
				inbox = append(inbox, out...)
			}
		}
		rng := rand.New(rand.NewPCG(opts.seed, uint64(1000+j)))
		rng.Shuffle(len(inbox), func(x, y int) { inbox[x], inbox[y] = inbox[y], inbox[x] })
		for k := 0; k < opts.duplicates && len(inbox) > 0; k++ {
			inbox = append(inbox, inbox[rng.IntN(len(inbox))])
		}
		g.Go(func() error {
			for _, data := range inbox {
				env, err := replica.UnmarshalEnvelope(data)
				if err != nil {
					return err
				}
				if err := e.Deliver(gctx, env); err != nil {
					return fmt.Errorf("replica %s: %w", e.Replica().Short(), err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.converged = true
	for _, d := range demoDocs {
		for _, e := range engines {
			v, err := e.CurrentValue(ctx, d.id)
			if err != nil {
				return nil, err
			}
			res.values[d.id] = append(res.values[d.id], formatValue(v))
		}
		for _, v := range res.values[d.id][1:] {
			if v != res.values[d.id][0] {
				res.converged = false
			}
		}
	}

	// 所有副本已交换完全部变更，第一个副本可以裁剪并留下快照
	interval := a.cfg.Engine.PruneInterval
	if interval <= 0 {
		interval = time.Minute
	}
	pruner, err := replica.NewPruner(engines[0], interval)
	if err != nil {
		return nil, err
	}
	if res.pruned, err = pruner.RunOnce(ctx); err != nil {
		return nil, err
	}
	for _, d := range demoDocs {
		if _, err := engines[0].Snapshot(ctx, d.id); err != nil {
			return nil, err
		}
		res.snapshots++
	}
	return res, nil
}

func demoEdit(ctx context.Context, e *replica.Engine, rng *rand.Rand, i, n int, writeText bool) (*replica.Envelope, error) {
	choices := 4
	if writeText {
		choices = 5
	}
	switch rng.IntN(choices) {
	case 0:
		return e.Mutate(ctx, "tags", crdt.OpAdd{Element: fmt.Sprintf("tag-%d", rng.IntN(10))})
	case 1:
		layer := fmt.Sprintf("layer-%d", rng.IntN(4))
		if rng.IntN(3) == 0 {
			return e.Mutate(ctx, "layers", crdt.OpRemove{Element: layer})
		}
		return e.Mutate(ctx, "layers", crdt.OpAdd{Element: layer})
	case 2:
		return e.Mutate(ctx, "votes", crdt.OpIncrement{Delta: int64(rng.IntN(5) - 2)})
	case 3:
		return e.Mutate(ctx, "title", crdt.OpAssign{Value: []byte(fmt.Sprintf("title from %d/%d", i, n))})
	default:
		s, err := e.Text(ctx, "notes")
		if err != nil {
			return nil, err
		}
		if len(s) > 0 && rng.IntN(4) == 0 {
			p := uint64(rng.IntN(len(s)))
			return e.Edit(ctx, "notes", ot.Delete(p, 1))
		}
		p := uint64(rng.IntN(len(s) + 1))
		return e.Edit(ctx, "notes", ot.Insert(p, []byte{byte('a' + rng.IntN(26))}))
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case []byte:
		return fmt.Sprintf("%q", v)
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprint(v)
	}
}

func (r *demoResult) print(w io.Writer, metrics bool) error {
	for i, id := range r.replicas {
		fmt.Fprintf(w, "replica %d: %s\n", i, id)
	}
	for _, d := range demoDocs {
		fmt.Fprintf(w, "%-7s %s\n", d.id, r.values[d.id][0])
		for i, v := range r.values[d.id][1:] {
			if v != r.values[d.id][0] {
				fmt.Fprintf(w, "        replica %d diverged: %s\n", i+1, v)
			}
		}
	}
	fmt.Fprintf(w, "converged: %v, pruned: %d, snapshots: %d\n", r.converged, r.pruned, r.snapshots)
	if metrics {
		mfs, err := r.registry.Gather()
		if err != nil {
			return err
		}
		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
				return err
			}
		}
	}
	if !r.converged {
		return fmt.Errorf("replicas did not converge")
	}
	return nil
}
