// Package cli implements the command-line interface for s3size.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eunmann/s3-size-history/internal/config"
	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/eunmann/s3-size-history/internal/server"
	"github.com/eunmann/s3-size-history/pkg/humanfmt"
	"github.com/eunmann/s3-size-history/pkg/ledger"
	"github.com/eunmann/s3-size-history/pkg/orchestrator"
	"github.com/eunmann/s3-size-history/pkg/pricing"
	"github.com/eunmann/s3-size-history/pkg/s3client"
	"github.com/eunmann/s3-size-history/pkg/s3event"
	"github.com/eunmann/s3-size-history/pkg/tracker"
)

const usage = "usage: s3size <command> [options]\n" +
	"commands: serve, ingest, trigger, history, reconcile, export, prune-events, config"

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	root := newRootCmd(os.Stdin)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

type rootOptions struct {
	configPath string
	debug      bool
	human      bool

	cfg *config.Config
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "s3size",
		Short:         "Track S3 bucket sizes over time and chart them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			logger := logctx.NewConfiguredLogger(opts.debug || cfg.Log.Debug, opts.human || cfg.Log.Human)
			logctx.SetDefaultLogger(logger)
			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))
			return nil
		},
	}
	root.SetIn(stdin)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file (env S3SIZE_* overrides it)")
	pf.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	pf.BoolVar(&opts.human, "log-human", false, "human-readable console logs instead of JSON")

	root.AddCommand(
		newServeCmd(opts),
		newIngestCmd(opts),
		newTriggerCmd(opts),
		newHistoryCmd(opts),
		newReconcileCmd(opts),
		newExportCmd(opts),
		newPruneEventsCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve event ingestion, render triggers and history reads over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts.cfg, needs{tracker: true, render: true})
			if err != nil {
				return err
			}
			defer a.Close()

			sc := opts.cfg.Server
			srv := server.New(a.tracker, s3event.Parse, a.engine, a.orch, server.Config{
				Addr:            sc.Addr,
				TriggerRate:     sc.TriggerRate,
				TriggerBurst:    sc.TriggerBurst,
				MaxBodyBytes:    sc.MaxBodyBytes,
				ShutdownTimeout: sc.ShutdownTimeout,
			})
			return srv.Run(ctx)
		},
	}
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file|s3://bucket/key|-]",
		Short: "Apply event notifications from a file, an S3 object or stdin",
		Long: "Reads one notification document (S3, SQS, SNS, EventBridge or the plain schema)\n" +
			"or one document per line, and applies every event to the ledger.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			data, err := readSource(ctx, opts.cfg, cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			events, err := parsePayload(data)
			if err != nil {
				return err
			}

			a, err := openApp(ctx, opts.cfg, needs{tracker: true})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.tracker.HandleBatch(ctx, events)
			if err != nil {
				return fmt.Errorf("apply events: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "events: %d applied: %d malformed: %d\n",
				len(events), report.Applied, len(report.Malformed))
			for _, m := range report.Malformed {
				fmt.Fprintf(out, "  skipped: %v\n", m)
			}
			return nil
		},
	}
}

func readSource(ctx context.Context, cfg *config.Config, stdin io.Reader, src string) ([]byte, error) {
	switch {
	case src == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	case strings.HasPrefix(src, "s3://"):
		bucket, key, err := s3client.ParseS3URI(src)
		if err != nil {
			return nil, err
		}
		client, err := s3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		body, err := client.StreamObject(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		return data, nil
	}
}

// parsePayload accepts one document or newline-delimited documents.
func parsePayload(data []byte) ([]tracker.Event, error) {
	events, err := s3event.Parse(data)
	if err == nil {
		return events, nil
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) <= 1 {
		return nil, fmt.Errorf("parse events: %w", err)
	}

	var all []tracker.Event
	for i, line := range lines {
		evs, err := s3event.Parse([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("parse events in document %d: %w", i+1, err)
		}
		all = append(all, evs...)
	}
	return all, nil
}

type windowFlags struct {
	cmd      *cobra.Command
	window   time.Duration
	from, to int64
}

func (w *windowFlags) register(cmd *cobra.Command, windowHelp string) {
	w.cmd = cmd
	f := cmd.Flags()
	f.DurationVar(&w.window, "window", 0, windowHelp)
	f.Int64Var(&w.from, "from", 0, "window start, epoch milliseconds (default --window before --to)")
	f.Int64Var(&w.to, "to", 0, "window end, epoch milliseconds (default now)")
}

// bounds returns the explicitly set --from and --to; unset flags are nil.
func (w *windowFlags) bounds() (from, to *int64) {
	if w.cmd.Flags().Changed("from") {
		from = &w.from
	}
	if w.cmd.Flags().Changed("to") {
		to = &w.to
	}
	return from, to
}

// resolve fills in [from, to] the way the orchestrator does.
func (w *windowFlags) resolve(def time.Duration) (from, to int64) {
	fromSet, toSet := w.bounds()
	to = time.Now().UnixMilli()
	if toSet != nil {
		to = *toSet
	}
	window := w.window
	if window == 0 {
		window = def
	}
	from = to - window.Milliseconds()
	if fromSet != nil {
		from = *fromSet
	}
	return from, to
}

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	var wf windowFlags
	cmd := &cobra.Command{
		Use:   "trigger [bucket]",
		Short: "Render a bucket's recent size history and store the chart",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.cfg, needs{render: true})
			if err != nil {
				return err
			}
			defer a.Close()

			req := orchestrator.Request{Window: wf.window}
			req.From, req.To = wf.bounds()
			if len(args) == 1 {
				req.BucketID = args[0]
			}
			res, err := a.orch.Trigger(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (job %s, %d points)\n",
				res.ArtifactRef, res.JobID, len(res.Job.Series))
			return nil
		},
	}
	wf.register(cmd, "lookback window (default pipeline.window)")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var wf windowFlags
	cmd := &cobra.Command{
		Use:   "history <bucket>",
		Short: "Print a bucket's size series, current total and peak",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bucket := args[0]
			a, err := openApp(ctx, opts.cfg, needs{})
			if err != nil {
				return err
			}
			defer a.Close()

			from, to := wf.resolve(opts.cfg.Pipeline.Window)
			series, err := a.engine.GetSeries(ctx, bucket, from, to)
			if err != nil {
				return err
			}
			cur, err := a.engine.GetCurrent(ctx, bucket)
			if err != nil {
				return err
			}
			peak, err := a.engine.GetPeak(ctx, bucket)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-26s %14s %12s\n", "TIME", "TOTAL", "CHANGE")
			var prev int64
			for i, p := range series {
				change := "-"
				if i > 0 {
					change = humanfmt.Delta(p.TotalSize - prev)
				}
				fmt.Fprintf(out, "%-26s %14s %12s\n", humanfmt.Millis(p.Timestamp), humanfmt.Bytes(p.TotalSize), change)
				prev = p.TotalSize
			}
			fmt.Fprintf(out, "points: %d\n", len(series))
			fmt.Fprintf(out, "current: %s at %s\n", humanfmt.Bytes(cur.TotalSize), humanfmt.Millis(cur.Timestamp))
			fmt.Fprintf(out, "peak: %s at %s\n", humanfmt.Bytes(peak.TotalSize), humanfmt.Millis(peak.Timestamp))

			cost, err := monthlyCost(opts.cfg.Pricing, cur.TotalSize)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "monthly storage (%s): %s\n", opts.cfg.Pricing.StorageClass, cost)
			return nil
		},
	}
	wf.register(cmd, "lookback window (default pipeline.window)")
	return cmd
}

func monthlyCost(cfg config.PricingConfig, total int64) (string, error) {
	pt := pricing.DefaultUSEast1Prices()
	if cfg.TablePath != "" {
		var err error
		if pt, err = pricing.LoadPriceTable(cfg.TablePath); err != nil {
			return "", err
		}
	}
	micro, err := pt.MonthlyCost(total, cfg.StorageClass)
	if err != nil {
		return "", err
	}
	return pricing.FormatCost(micro), nil
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <bucket>",
		Short: "Recompute a bucket's total from a full object listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bucket, err := s3client.ParseBucketIdentifier(args[0])
			if err != nil {
				return err
			}
			ls, err := lister(ctx, opts.cfg)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, opts.cfg, needs{tracker: true})
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.tracker.Reconcile(ctx, bucket, ls)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s in %s objects (change %s)\n",
				bucket, humanfmt.Bytes(rec.TotalSize), humanfmt.Count(rec.ObjectCount), humanfmt.Delta(rec.EventDelta))
			return nil
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		wf  windowFlags
		out string
		all bool
	)
	cmd := &cobra.Command{
		Use:   "export <bucket>",
		Short: "Write a bucket's size records to a Parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.cfg, needs{})
			if err != nil {
				return err
			}
			defer a.Close()

			from, to := wf.resolve(opts.cfg.Pipeline.Window)
			if all {
				from = math.MinInt64
			}

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			n, err := ledger.ExportParquet(ctx, a.ledger, args[0], from, to, f)
			if cerr := f.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("close %s: %w", out, cerr)
			}
			if err != nil {
				_ = os.Remove(out)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s records to %s\n", humanfmt.Count(n), out)
			return nil
		},
	}
	wf.register(cmd, "lookback window (default pipeline.window)")
	cmd.Flags().StringVar(&out, "out", "", "output Parquet file")
	cmd.Flags().BoolVar(&all, "all", false, "export every record up to --to")
	return cmd
}

func newPruneEventsCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune-events",
		Short: "Forget dedup entries older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if olderThan == 0 {
				olderThan = opts.cfg.State.EventRetention
			}
			st, err := openState(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.PruneEvents(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %s events older than %s\n", humanfmt.Count(n), olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default state.event_retention)")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := opts.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
