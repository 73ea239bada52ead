package drilldown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/recon/internal/compiler"
	"github.com/rpattn/recon/internal/diff"
	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/expr"
	"github.com/rpattn/recon/internal/identity"
	"github.com/rpattn/recon/internal/tableloader"
	"github.com/rpattn/recon/internal/temporal"
	"github.com/rpattn/recon/internal/transformations"
)

var (
	subtractHints = []string{"transaction", "charge", "fee"}
	addHints      = []string{"penalty", "adjustment", "interest", "accrual"}
)

// TableLoader supplies source tables for attribution.
type TableLoader interface {
	Load(ctx context.Context, name string) (*domain.Relation, error)
}

type batchLoader interface {
	LoadMany(ctx context.Context, names []string) ([]*domain.Relation, error)
}

// Config tunes root-cause attribution.
type Config struct {
	// InferContributionSigns derives a sign from the table name when a table
	// declares no contribution.
	InferContributionSigns bool
	// SkipSnapshots traces row counts only, so divergence is located by count.
	SkipSnapshots bool
}

// Engine re-executes rules with tracing and attributes mismatches.
type Engine struct {
	metadata *domain.Metadata
	compiler *compiler.Compiler
	executor *transformations.Executor
	identity *identity.Resolver
	temporal *temporal.Resolver
	tables   TableLoader
	config   Config
	logger   *slog.Logger
}

// New creates a drilldown engine. A nil ident resolves keys through tables.
func New(md *domain.Metadata, executor *transformations.Executor, tables TableLoader, ident *identity.Resolver, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		metadata: md,
		compiler: compiler.New(md),
		executor: executor,
		identity: ident,
		temporal: temporal.NewResolver(),
		tables:   tables,
		config:   cfg,
		logger:   logger,
	}
}

// Drilldown executes both rules with full tracing and returns the first step
// at which their rows for the given keys diverge.
func (e *Engine) Drilldown(ctx context.Context, ruleA, ruleB string, keys KeySet, asOf *time.Time) (domain.DivergencePoint, error) {
	planA, err := e.compiler.Compile(ruleA)
	if err != nil {
		return domain.DivergencePoint{}, err
	}
	planB, err := e.compiler.Compile(ruleB)
	if err != nil {
		return domain.DivergencePoint{}, err
	}
	return e.DrilldownPlans(ctx, planA, planB, keys, asOf)
}

// DrilldownPlans is Drilldown over already compiled plans, which covers rules
// inferred for a request and never stored in the metadata.
func (e *Engine) DrilldownPlans(ctx context.Context, planA, planB domain.ExecutionPlan, keys KeySet, asOf *time.Time) (domain.DivergencePoint, error) {
	keysA, err := e.sideKeys(ctx, keys, planA.System)
	if err != nil {
		return domain.DivergencePoint{}, err
	}
	keysB, err := e.sideKeys(ctx, keys, planB.System)
	if err != nil {
		return domain.DivergencePoint{}, err
	}

	opts := transformations.Options{AsOf: asOf, Trace: true, Snapshots: !e.config.SkipSnapshots}
	var resultA, resultB domain.ExecutionResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resultA, err = e.executor.Execute(gctx, planA, opts)
		return err
	})
	g.Go(func() error {
		var err error
		resultB, err = e.executor.Execute(gctx, planB, opts)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.DivergencePoint{}, fmt.Errorf("drilldown %s vs %s: %w", planA.RuleID, planB.RuleID, err)
	}

	precision := e.metadata.MetricOrDefault(planA.Metric).Precision
	point := findDivergence(resultA.Trace, resultB.Trace, keysA, keysB, precision)
	e.logger.Info("divergence located",
		"rule_a", planA.RuleID, "rule_b", planB.RuleID, "step", point.StepIndex, "type", point.Type)
	return point, nil
}

// sideKeys extends keys for one system's trace. Traces are recorded before
// identity resolution, so each mapped system column becomes an alias of its
// canonical key and its raw values are converted the way Resolve converts them.
func (e *Engine) sideKeys(ctx context.Context, keys KeySet, system string) (KeySet, error) {
	canon, err := e.identityFor(ctx).Canonicalizers(ctx, system)
	if err != nil {
		return KeySet{}, err
	}
	out := KeySet{
		Grain:     keys.Grain,
		Keys:      keys.Keys,
		Aliases:   make(map[string][]string, len(keys.Aliases)+len(canon)),
		Canonical: make(map[string]func(any) any, len(keys.Canonical)+len(canon)),
	}
	for col, names := range keys.Aliases {
		out.Aliases[col] = append([]string(nil), names...)
	}
	for col, fn := range keys.Canonical {
		out.Canonical[col] = fn
	}
	for _, c := range canon {
		key := c.Key
		out.Aliases[c.Canonical] = append(out.Aliases[c.Canonical], c.Column)
		out.Canonical[c.Column] = func(value any) any {
			canonical, _ := key(value)
			return canonical
		}
	}
	return out, nil
}

func (e *Engine) identityFor(ctx context.Context) *identity.Resolver {
	if e.identity != nil {
		return e.identity
	}
	var tables identity.TableLoader
	if loader := e.loaderFor(ctx); loader != nil {
		tables = loader
	}
	return identity.NewResolver(e.metadata, tables, e.logger)
}

// AttributionRequest identifies the rule and key to attribute.
type AttributionRequest struct {
	RuleID string
	// Rule is attributed instead of looking RuleID up, for inferred rules.
	Rule *domain.Rule
	// Grain names the key columns; empty uses the rule's target grain.
	Grain []string
	Key   []string
	// OtherValue is the value the other system reports for Key; nil counts as zero.
	OtherValue *decimal.Decimal
	Precision  int
	AsOf       *time.Time
}

// Attribute splits the rule's value for one key into signed per-table
// contributions and reports the residual against the other system's value.
func (e *Engine) Attribute(ctx context.Context, req AttributionRequest) (domain.RootCause, error) {
	rule, err := e.ruleFor(req)
	if err != nil {
		return domain.RootCause{}, err
	}
	plan, err := e.compiler.CompileRule(rule)
	if err != nil {
		return domain.RootCause{}, err
	}
	grain := req.Grain
	if len(grain) == 0 {
		grain = plan.Grain
	}
	if len(grain) != len(req.Key) {
		return domain.RootCause{}, domain.ErrValidation("key %v does not match grain %v", req.Key, grain)
	}
	formulaColumns, err := formulaColumns(rule.Computation.Formula)
	if err != nil {
		return domain.RootCause{}, err
	}

	loader := e.loaderFor(ctx)
	if loader == nil {
		return domain.RootCause{}, domain.ErrValidation("no table loader configured for attribution")
	}
	cause := domain.RootCause{
		System:        rule.System,
		RuleID:        rule.ID,
		Key:           append([]string(nil), req.Key...),
		Contributions: make([]domain.TableContribution, 0, len(plan.Tables)),
		OtherValue:    req.OtherValue,
	}
	if batch, ok := loader.(batchLoader); ok {
		// Per-table loads below report any failure.
		_, _ = batch.LoadMany(ctx, plan.Tables)
	}
	for _, name := range plan.Tables {
		contribution, err := e.contribution(ctx, loader, rule.System, name, grain, req, formulaColumns)
		if err != nil {
			return domain.RootCause{}, err
		}
		cause.Total = cause.Total.Add(contribution.Signed)
		cause.Contributions = append(cause.Contributions, contribution)
	}

	other := decimal.Zero
	if req.OtherValue != nil {
		other = *req.OtherValue
	}
	cause.Residual = cause.Total.Sub(other)
	cause.Explained = cause.Residual.Abs().LessThanOrEqual(diff.Tolerance(req.Precision))
	if !cause.Explained {
		e.logger.Debug("unexplained residual", "rule", rule.ID, "key", req.Key, "residual", cause.Residual.String())
	}
	return cause, nil
}

func (e *Engine) ruleFor(req AttributionRequest) (domain.Rule, error) {
	if req.Rule != nil {
		return *req.Rule, nil
	}
	return e.metadata.Rule(req.RuleID)
}

func (e *Engine) contribution(ctx context.Context, loader TableLoader, system, name string, grain []string, req AttributionRequest, formulaCols []string) (domain.TableContribution, error) {
	table, ok := e.metadata.Table(name)
	if !ok {
		return domain.TableContribution{}, &domain.TableNotFoundError{Table: name, System: system}
	}
	out := domain.TableContribution{Table: name, Sign: e.sign(table)}

	rel, err := loader.Load(ctx, name)
	if err != nil {
		var missing *domain.MissingSourceError
		if errors.As(err, &missing) && table.Optional {
			out.Column = contributionColumn(table, nil, formulaCols)
			return out, nil
		}
		return domain.TableContribution{}, fmt.Errorf("attribute %s: %w", name, err)
	}
	if rel, err = e.temporal.Apply(rel, table, req.AsOf); err != nil {
		return domain.TableContribution{}, err
	}
	if rel, _, err = e.identityFor(ctx).Resolve(ctx, system, rel); err != nil {
		return domain.TableContribution{}, err
	}

	out.Column = contributionColumn(table, rel, formulaCols)
	rel = filterToKeys(rel, KeySet{Grain: grain, Keys: [][]string{req.Key}})
	if !carriesKey(rel, grain) {
		return out, nil
	}
	out.Rows = rel.Len()
	if out.Column == "" {
		return out, nil
	}

	pos := rel.ColumnIndex(out.Column)
	if pos < 0 {
		return domain.TableContribution{}, domain.ErrColumnNotFound(out.Column, "contribution of "+name, rel.Columns)
	}
	for _, row := range rel.Rows {
		if domain.IsNull(row[pos]) {
			continue
		}
		amount, ok := domain.ToDecimal(row[pos])
		if !ok {
			return domain.TableContribution{}, fmt.Errorf("attribute %s.%s: value %q is not numeric", name, out.Column, domain.FormatValue(row[pos]))
		}
		out.Amount = out.Amount.Add(amount)
	}
	out.Signed = out.Amount.Mul(decimal.NewFromInt(int64(out.Sign)))
	return out, nil
}

func (e *Engine) loaderFor(ctx context.Context) TableLoader {
	if l := tableloader.FromContext(ctx); l != nil {
		return l
	}
	return e.tables
}

// sign resolves a table's contribution sign. Undeclared tables add unless
// name inference is enabled and the name carries a hint.
func (e *Engine) sign(table domain.Table) int {
	if table.Contribution != "" {
		return table.Contribution.Sign()
	}
	if e.config.InferContributionSigns {
		return InferSign(table.Name)
	}
	return 1
}

// InferSign guesses a contribution sign from a table name.
func InferSign(name string) int {
	lower := strings.ToLower(name)
	for _, hint := range subtractHints {
		if strings.Contains(lower, hint) {
			return -1
		}
	}
	for _, hint := range addHints {
		if strings.Contains(lower, hint) {
			return 1
		}
	}
	return 1
}

func formulaColumns(formula string) ([]string, error) {
	parsed, err := expr.Parse(formula)
	if err != nil {
		return nil, err
	}
	return expr.Columns(parsed), nil
}

// contributionColumn is the declared column, else the first formula column
// the table carries.
func contributionColumn(table domain.Table, rel *domain.Relation, formulaCols []string) string {
	if table.ContributionColumn != "" {
		return table.ContributionColumn
	}
	for _, col := range formulaCols {
		if rel != nil && rel.ColumnIndex(col) >= 0 {
			return col
		}
		if rel == nil && table.HasColumn(col) {
			return col
		}
	}
	return ""
}

func carriesKey(rel *domain.Relation, grain []string) bool {
	for _, col := range grain {
		if rel.ColumnIndex(col) >= 0 {
			return true
		}
	}
	return false
}
