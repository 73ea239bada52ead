// Package reconcile runs two systems' rules side by side and reports where
// their results disagree.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/recon/internal/compiler"
	"github.com/rpattn/recon/internal/config"
	"github.com/rpattn/recon/internal/diff"
	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/drilldown"
	"github.com/rpattn/recon/internal/grain"
	"github.com/rpattn/recon/internal/identity"
	"github.com/rpattn/recon/internal/metadata"
	"github.com/rpattn/recon/internal/tableloader"
	"github.com/rpattn/recon/internal/transformations"
)

// DefaultMaxRootCauses caps root-cause attribution when no limit is configured.
const DefaultMaxRootCauses = 5

// Options configures a Service.
type Options struct {
	Engine                 transformations.Config
	TraceSnapshots         bool
	FuzzyEnabled           bool
	FuzzyThreshold         float64
	InferContributionSigns bool
	MaxRootCauses          int
}

// OptionsFromConfig maps the loaded configuration onto service options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Engine: transformations.Config{
			JoinExplosionFactor: cfg.JoinExplosionFactor,
			AllowMissingSources: cfg.AllowMissingSources,
		},
		TraceSnapshots:         cfg.TraceSnapshots,
		FuzzyEnabled:           cfg.FuzzyEnabled,
		FuzzyThreshold:         cfg.FuzzyThreshold,
		InferContributionSigns: cfg.InferContributionSigns,
		MaxRootCauses:          cfg.MaxRootCauses,
	}
}

// Request selects two rules to reconcile. Rules are named directly or
// resolved from a metric and the two systems.
type Request struct {
	RuleA   string `json:"rule_a,omitempty"`
	RuleB   string `json:"rule_b,omitempty"`
	SystemA string `json:"system_a,omitempty"`
	SystemB string `json:"system_b,omitempty"`
	Metric  string `json:"metric,omitempty"`

	AsOf *time.Time `json:"as_of,omitempty"`
	// Fuzzy overrides the configured fuzzy key matching.
	Fuzzy        *bool    `json:"fuzzy,omitempty"`
	FuzzyColumns []string `json:"fuzzy_columns,omitempty"`
	Drilldown    bool     `json:"drilldown,omitempty"`
	// MaxRootCauses caps attributed keys; zero uses the configured limit.
	MaxRootCauses int `json:"max_root_causes,omitempty"`
}

// Side summarizes one system's execution.
type Side struct {
	RuleID   string               `json:"rule_id"`
	System   string               `json:"system"`
	RunID    uuid.UUID            `json:"run_id"`
	Plan     domain.ExecutionPlan `json:"plan"`
	Rows     int                  `json:"rows"`
	Identity []identity.Stats     `json:"identity,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
}

// Report is the structured outcome of a reconciliation.
type Report struct {
	ID          uuid.UUID               `json:"id"`
	GeneratedAt time.Time               `json:"generated_at"`
	Metric      string                  `json:"metric"`
	AsOf        *time.Time              `json:"as_of,omitempty"`
	A           Side                    `json:"a"`
	B           Side                    `json:"b"`
	Grain       domain.GrainResolution  `json:"grain"`
	Comparison  domain.ComparisonResult `json:"comparison"`
	Divergence  *domain.DivergencePoint `json:"divergence,omitempty"`
	RootCauses  []domain.RootCause      `json:"root_causes,omitempty"`
	Duration    time.Duration           `json:"duration"`
}

// Reconciled reports whether both systems agree on population and values.
func (r Report) Reconciled() bool {
	pop := r.Comparison.Population
	return len(pop.MissingInB) == 0 && len(pop.ExtraInB) == 0 && r.Comparison.Data.Mismatches == 0
}

// Service reconciles rules against the current metadata snapshot.
type Service struct {
	store   *metadata.Store
	source  tableloader.Source
	options Options
	logger  *slog.Logger
}

// New creates a reconciliation service.
func New(store *metadata.Store, source tableloader.Source, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = diff.DefaultFuzzyThreshold
	}
	if opts.MaxRootCauses <= 0 {
		opts.MaxRootCauses = DefaultMaxRootCauses
	}
	return &Service{store: store, source: source, options: opts, logger: logger}
}

// Metadata returns the snapshot new requests will use.
func (s *Service) Metadata() *domain.Metadata {
	return s.store.Current()
}

// Compile returns the execution plan of a rule.
func (s *Service) Compile(ruleID string) (domain.ExecutionPlan, error) {
	return compiler.New(s.store.Current()).Compile(ruleID)
}

// RunOptions controls a single-rule execution.
type RunOptions struct {
	AsOf  *time.Time
	Trace bool
}

// Run compiles and executes one rule.
func (s *Service) Run(ctx context.Context, ruleID string, opts RunOptions) (domain.ExecutionResult, error) {
	md := s.store.Current()
	plan, err := compiler.New(md).Compile(ruleID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	tables := s.loaderFor(ctx, md)
	executor := transformations.NewExecutor(md, tables, s.options.Engine, s.logger)
	return executor.Execute(ctx, plan, transformations.Options{
		AsOf:      opts.AsOf,
		Trace:     opts.Trace,
		Snapshots: opts.Trace && s.options.TraceSnapshots,
		Loader:    tables,
	})
}

// loaderFor reuses a request-scoped loader built over the same snapshot, or
// creates a fresh one for this query.
func (s *Service) loaderFor(ctx context.Context, md *domain.Metadata) *tableloader.TableLoader {
	if l := tableloader.FromContext(ctx); l != nil && l.Metadata() == md {
		return l
	}
	return tableloader.New(md, s.source)
}

// Reconcile executes both rules concurrently, aligns their keys and grain,
// diffs the results and, when requested, drills into the mismatches.
func (s *Service) Reconcile(ctx context.Context, req Request) (Report, error) {
	start := time.Now()
	md := s.store.Current()
	comp := compiler.New(md)

	sideA, sideB, err := s.resolve(md, comp, req)
	if err != nil {
		return Report{}, err
	}
	planA, planB := sideA.plan, sideB.plan

	tables := s.loaderFor(ctx, md)
	ctx = tableloader.WithLoader(ctx, tables)
	executor := transformations.NewExecutor(md, tables, s.options.Engine, s.logger)

	var resultA, resultB domain.ExecutionResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resultA, err = executor.Execute(gctx, planA, transformations.Options{AsOf: req.AsOf, Loader: tables})
		return err
	})
	g.Go(func() error {
		var err error
		resultB, err = executor.Execute(gctx, planB, transformations.Options{AsOf: req.AsOf, Loader: tables})
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{
		ID:          uuid.New(),
		GeneratedAt: start.UTC(),
		Metric:      planA.Metric,
		AsOf:        req.AsOf,
		A:           side(planA, resultA),
		B:           side(planB, resultB),
	}

	ident := identity.NewResolver(md, tables, s.logger)
	relA, statsA, err := ident.Resolve(ctx, planA.System, resultA.Relation)
	if err != nil {
		return Report{}, fmt.Errorf("resolve identity of %s: %w", planA.RuleID, err)
	}
	relB, statsB, err := ident.Resolve(ctx, planB.System, resultB.Relation)
	if err != nil {
		return Report{}, fmt.Errorf("resolve identity of %s: %w", planB.RuleID, err)
	}
	report.A.Identity, report.B.Identity = statsA, statsB

	canonA, canonB := planA, planB
	canonA.Grain = ident.CanonicalColumns(planA.System, planA.Grain)
	canonB.Grain = ident.CanonicalColumns(planB.System, planB.Grain)
	resolver := grain.NewResolver(md, grain.WithJoinExplosionFactor(s.options.Engine.JoinExplosionFactor))
	resolution, err := resolver.Resolve(canonA, canonB)
	if err != nil {
		return Report{}, err
	}
	report.Grain = resolution
	if relA, err = resolver.Apply(ctx, relA, resolution.PlanA, tables); err != nil {
		return Report{}, fmt.Errorf("apply grain plan to %s: %w", planA.RuleID, err)
	}
	if relB, err = resolver.Apply(ctx, relB, resolution.PlanB, tables); err != nil {
		return Report{}, fmt.Errorf("apply grain plan to %s: %w", planB.RuleID, err)
	}

	metric := md.MetricOrDefault(planA.Metric)
	fuzzy := s.options.FuzzyEnabled
	if req.Fuzzy != nil {
		fuzzy = *req.Fuzzy
	}
	report.Comparison, err = diff.Compare(relA, relB, resolution.Common, diff.CompareOptions{
		Options: diff.Options{
			MetricA:    planA.Metric,
			MetricB:    planB.Metric,
			Precision:  metric.Precision,
			NullPolicy: metric.NullPolicy,
		},
		Fuzzy:          fuzzy,
		FuzzyColumns:   req.FuzzyColumns,
		FuzzyThreshold: s.options.FuzzyThreshold,
	})
	if err != nil {
		return Report{}, err
	}

	if req.Drilldown && report.Comparison.Data.Mismatches > 0 {
		if err := s.drill(ctx, md, executor, tables, ident, req, sideA, sideB, metric, &report); err != nil {
			return Report{}, err
		}
	}

	report.Duration = time.Since(start)
	s.logger.Info("reconciliation finished",
		"report", report.ID, "rule_a", planA.RuleID, "rule_b", planB.RuleID,
		"common", report.Comparison.Population.CommonCount,
		"missing_in_b", len(report.Comparison.Population.MissingInB),
		"extra_in_b", len(report.Comparison.Population.ExtraInB),
		"mismatches", report.Comparison.Data.Mismatches,
		"duration", report.Duration)
	return report, nil
}

// resolved pairs a rule with its plan. Inferred rules only exist here,
// not in the metadata.
type resolved struct {
	rule domain.Rule
	plan domain.ExecutionPlan
}

func (s *Service) resolve(md *domain.Metadata, comp *compiler.Compiler, req Request) (resolved, resolved, error) {
	resolveSide := func(ruleID, system string) (resolved, error) {
		var (
			rule domain.Rule
			err  error
		)
		switch {
		case ruleID != "":
			rule, err = md.Rule(ruleID)
		case system != "" && req.Metric != "":
			rule, err = md.ResolveRule(system, req.Metric)
		default:
			return resolved{}, domain.ErrValidation("a rule id or a system and metric is required for each side")
		}
		if err != nil {
			return resolved{}, err
		}
		plan, err := comp.CompileRule(rule)
		if err != nil {
			return resolved{}, err
		}
		if rule.Inferred {
			s.logger.Info("using inferred rule", "rule", rule.ID, "description", rule.Description)
		}
		return resolved{rule: rule, plan: plan}, nil
	}
	a, err := resolveSide(req.RuleA, req.SystemA)
	if err != nil {
		return resolved{}, resolved{}, err
	}
	b, err := resolveSide(req.RuleB, req.SystemB)
	if err != nil {
		return resolved{}, resolved{}, err
	}
	return a, b, nil
}

// drill locates the divergence for the mismatched keys and attributes up to
// the root-cause limit of them on both sides.
func (s *Service) drill(ctx context.Context, md *domain.Metadata, executor *transformations.Executor, tables *tableloader.TableLoader, ident *identity.Resolver, req Request, a, b resolved, metric domain.Metric, report *Report) error {
	engine := drilldown.New(md, executor, tables, ident, drilldown.Config{
		InferContributionSigns: s.options.InferContributionSigns,
		SkipSnapshots:          !s.options.TraceSnapshots,
	}, s.logger)

	keys := drilldown.KeySet{Grain: report.Grain.Common, Keys: report.Comparison.MismatchedKeys()}
	point, err := engine.DrilldownPlans(ctx, a.plan, b.plan, keys, req.AsOf)
	if err != nil {
		return err
	}
	report.Divergence = &point

	limit := req.MaxRootCauses
	if limit <= 0 {
		limit = s.options.MaxRootCauses
	}
	for i, detail := range report.Comparison.Data.Details {
		if i >= limit {
			break
		}
		causeA, err := engine.Attribute(ctx, drilldown.AttributionRequest{
			RuleID: a.rule.ID, Rule: &a.rule, Grain: report.Grain.Common, Key: detail.Key,
			OtherValue: detail.MetricB, Precision: metric.Precision, AsOf: req.AsOf,
		})
		if err != nil {
			return err
		}
		causeB, err := engine.Attribute(ctx, drilldown.AttributionRequest{
			RuleID: b.rule.ID, Rule: &b.rule, Grain: report.Grain.Common, Key: detail.Key,
			OtherValue: detail.MetricA, Precision: metric.Precision, AsOf: req.AsOf,
		})
		if err != nil {
			return err
		}
		report.RootCauses = append(report.RootCauses, causeA, causeB)
	}
	return nil
}

func side(plan domain.ExecutionPlan, result domain.ExecutionResult) Side {
	return Side{
		RuleID:   plan.RuleID,
		System:   plan.System,
		RunID:    result.RunID,
		Plan:     plan,
		Rows:     result.Relation.Len(),
		Warnings: result.Warnings,
	}
}
