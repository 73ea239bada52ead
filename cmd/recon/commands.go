package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpattn/recon/internal/config"
	"github.com/rpattn/recon/internal/db"
	"github.com/rpattn/recon/internal/export"
	"github.com/rpattn/recon/internal/loader"
	"github.com/rpattn/recon/internal/metadata"
	"github.com/rpattn/recon/internal/reconcile"
	"github.com/rpattn/recon/internal/tableloader"
)

type app struct {
	cfg     config.Config
	service *reconcile.Service
	logger  *slog.Logger
	closers []func()
}

func (a *app) close() {
	for _, c := range a.closers {
		c()
	}
}

// setup loads configuration and metadata. Logs go to stderr so stdout stays JSON.
func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if metadataPath, _ := cmd.Root().PersistentFlags().GetString("metadata"); metadataPath != "" {
		cfg.MetadataPath = metadataPath
	}
	if dataRoot, _ := cmd.Root().PersistentFlags().GetString("data"); dataRoot != "" {
		cfg.DataRoot = dataRoot
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	store, err := metadata.NewStore(cfg.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	sources := tableloader.Sources{Files: loader.NewFileLoader(cfg.DataRoot)}
	if cfg.Database.Enabled {
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		sources.Postgres = tableloader.SourceFunc(conn.LoadTable)
	}
	a.service = reconcile.New(store, sources, reconcile.OptionsFromConfig(cfg), logger)
	return a, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "recon",
		Short:         "Reconcile metrics computed by two systems",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", ".", "directory containing config.yaml")
	root.PersistentFlags().String("metadata", "", "metadata file or directory (overrides config)")
	root.PersistentFlags().String("data", "", "root directory of source files (overrides config)")

	root.AddCommand(newCompileCmd(), newRunCmd(), newReconcileCmd(), newExportCmd())
	return root
}

func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <rule-id>",
		Short: "Print the execution plan of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()
			plan, err := a.service.Compile(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), plan)
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		asOf  string
		trace bool
	)
	cmd := &cobra.Command{
		Use:   "run <rule-id>",
		Short: "Execute one rule and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAsOf(asOf)
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()
			result, err := a.service.Run(cmd.Context(), args[0], reconcile.RunOptions{AsOf: at, Trace: trace})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "point in time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&trace, "trace", false, "record per-step row counts")
	return cmd
}

type reconcileFlags struct {
	ruleA, ruleB     string
	systemA, systemB string
	metric           string
	asOf             string
	drilldown        bool
	fuzzy            bool
	fuzzyColumns     []string
	maxRootCauses    int
}

func (f *reconcileFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ruleA, "rule-a", "", "rule id of system A")
	cmd.Flags().StringVar(&f.ruleB, "rule-b", "", "rule id of system B")
	cmd.Flags().StringVar(&f.systemA, "system-a", "", "system A (with --metric)")
	cmd.Flags().StringVar(&f.systemB, "system-b", "", "system B (with --metric)")
	cmd.Flags().StringVar(&f.metric, "metric", "", "metric to resolve rules for")
	cmd.Flags().StringVar(&f.asOf, "as-of", "", "point in time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&f.drilldown, "drilldown", false, "locate divergence and attribute mismatches")
	cmd.Flags().BoolVar(&f.fuzzy, "fuzzy", false, "align near-identical text keys")
	cmd.Flags().StringSliceVar(&f.fuzzyColumns, "fuzzy-columns", nil, "key columns eligible for fuzzy alignment")
	cmd.Flags().IntVar(&f.maxRootCauses, "max-root-causes", 0, "cap on attributed keys")
}

func (f *reconcileFlags) request(cmd *cobra.Command) (reconcile.Request, error) {
	at, err := parseAsOf(f.asOf)
	if err != nil {
		return reconcile.Request{}, err
	}
	req := reconcile.Request{
		RuleA:         f.ruleA,
		RuleB:         f.ruleB,
		SystemA:       f.systemA,
		SystemB:       f.systemB,
		Metric:        f.metric,
		AsOf:          at,
		Drilldown:     f.drilldown,
		FuzzyColumns:  f.fuzzyColumns,
		MaxRootCauses: f.maxRootCauses,
	}
	if cmd.Flags().Changed("fuzzy") {
		fuzzy := f.fuzzy
		req.Fuzzy = &fuzzy
	}
	return req, nil
}

func newReconcileCmd() *cobra.Command {
	var flags reconcileFlags
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile two rules and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.request(cmd)
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()
			report, err := a.service.Reconcile(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		flags  reconcileFlags
		format string
		dir    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Reconcile two rules and write the report to CSV or XLSX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			req, err := flags.request(cmd)
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()
			report, err := a.service.Reconcile(cmd.Context(), req)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = a.cfg.ExportDirectory
			}
			exports := export.NewService(export.WithExportDirectory(dir), export.WithLogger(a.logger))
			result, err := exports.Export(cmd.Context(), report, f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&format, "format", "csv", "csv or xlsx")
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (overrides config)")
	return cmd
}

func parseAsOf(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid --as-of %q: use RFC 3339 or YYYY-MM-DD", value)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

