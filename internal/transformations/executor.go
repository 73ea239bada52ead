package transformations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/loader"
	"github.com/rpattn/recon/internal/tableloader"
	"github.com/rpattn/recon/internal/temporal"
)

// DefaultJoinExplosionFactor is the largest allowed ratio of join output rows to left input rows.
const DefaultJoinExplosionFactor = 10

// TableLoader supplies the rows of a declared table.
type TableLoader interface {
	Load(ctx context.Context, name string) (*domain.Relation, error)
}

// Config holds engine-wide execution settings.
type Config struct {
	JoinExplosionFactor int
	// AllowMissingSources turns a missing source file into an empty relation for every table.
	AllowMissingSources bool
}

// Options controls a single execution.
type Options struct {
	AsOf      *time.Time
	Trace     bool
	Snapshots bool
	// Loader overrides the executor's loader, typically with a per-query table loader.
	Loader TableLoader
}

// Executor runs compiled pipelines against table sources.
type Executor struct {
	metadata *domain.Metadata
	loader   TableLoader
	resolver *temporal.Resolver
	config   Config
	logger   *slog.Logger
}

// NewExecutor constructs a pipeline executor.
func NewExecutor(md *domain.Metadata, tables TableLoader, cfg Config, logger *slog.Logger) *Executor {
	if cfg.JoinExplosionFactor <= 0 {
		cfg.JoinExplosionFactor = DefaultJoinExplosionFactor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		metadata: md,
		loader:   tables,
		resolver: temporal.NewResolver(),
		config:   cfg,
		logger:   logger,
	}
}

// execution is the mutable state of one pipeline run. The current relation
// and every staged scan are owned by the run until handed to the caller.
type execution struct {
	plan     domain.ExecutionPlan
	opts     Options
	loader   TableLoader
	current  *domain.Relation
	staged   map[string]*domain.Relation
	warnings []string
}

// Execute runs the plan's pipeline and returns the final relation. With
// opts.Trace every step is recorded; with opts.Snapshots each recorded step
// also keeps a copy of its output.
func (e *Executor) Execute(ctx context.Context, plan domain.ExecutionPlan, opts Options) (domain.ExecutionResult, error) {
	if len(plan.Pipeline) == 0 {
		return domain.ExecutionResult{}, domain.ErrValidation("plan for rule %q has an empty pipeline", plan.RuleID)
	}
	start := time.Now()
	run := &execution{
		plan:   plan,
		opts:   opts,
		loader: e.loaderFor(ctx, opts),
		staged: make(map[string]*domain.Relation),
	}
	if run.loader == nil {
		return domain.ExecutionResult{}, &domain.ExecutionError{Operation: "execute", Err: errors.New("no table loader configured")}
	}

	var trace []domain.ExecutionStep
	for i, op := range plan.Pipeline {
		step := i + 1
		if err := ctx.Err(); err != nil {
			return domain.ExecutionResult{}, &domain.ExecutionError{Step: step, Operation: string(op.Kind()), Err: err}
		}
		out, err := e.executeOperation(ctx, run, op)
		if err != nil {
			return domain.ExecutionResult{}, &domain.ExecutionError{Step: step, Operation: string(op.Kind()), Err: err}
		}
		e.logger.Debug("pipeline step executed",
			"rule", plan.RuleID, "step", step, "operation", op.Describe(), "rows", out.Len())

		if opts.Trace {
			recorded := domain.ExecutionStep{
				Index:     step,
				Operation: op,
				RowCount:  out.Len(),
				Columns:   append([]string(nil), out.Columns...),
			}
			if opts.Snapshots {
				recorded.Snapshot = out.Clone()
			}
			trace = append(trace, recorded)
		}
	}

	if run.current == nil {
		return domain.ExecutionResult{}, &domain.ExecutionError{Operation: "execute", Err: errors.New("pipeline produced no relation")}
	}
	run.current.Name = plan.RuleID

	result := domain.ExecutionResult{
		RunID:    uuid.New(),
		Plan:     plan,
		AsOf:     opts.AsOf,
		Relation: run.current,
		Trace:    trace,
		Warnings: run.warnings,
		Duration: time.Since(start),
	}
	e.logger.Info("pipeline executed",
		"rule", plan.RuleID, "run_id", result.RunID, "rows", result.Relation.Len(), "duration", result.Duration)
	return result, nil
}

func (e *Executor) loaderFor(ctx context.Context, opts Options) TableLoader {
	if opts.Loader != nil {
		return opts.Loader
	}
	if l := tableloader.FromContext(ctx); l != nil {
		return l
	}
	return e.loader
}

// executeOperation applies one operation and returns the step's output relation.
func (e *Executor) executeOperation(ctx context.Context, run *execution, op domain.Operation) (*domain.Relation, error) {
	switch o := op.(type) {
	case domain.Scan:
		rel, err := e.scan(ctx, run, o.Table)
		if err != nil {
			return nil, err
		}
		if run.current == nil {
			run.current = rel
		} else {
			run.staged[o.Table] = rel
		}
		return rel, nil
	case domain.Join:
		if run.current == nil {
			return nil, errors.New("join requires a scanned left input")
		}
		right, ok := run.staged[o.Table]
		if ok {
			delete(run.staged, o.Table)
		} else {
			var err error
			if right, err = e.scan(ctx, run, o.Table); err != nil {
				return nil, err
			}
		}
		joined, err := HashJoin(run.current, right, o, e.config.JoinExplosionFactor)
		if err != nil {
			return nil, err
		}
		run.current = joined
		return joined, nil
	case domain.Filter:
		return e.replaceCurrent(run, func(rel *domain.Relation) (*domain.Relation, error) { return FilterRows(rel, o) })
	case domain.Derive:
		return e.replaceCurrent(run, func(rel *domain.Relation) (*domain.Relation, error) { return DeriveColumn(rel, o) })
	case domain.Group:
		return e.replaceCurrent(run, func(rel *domain.Relation) (*domain.Relation, error) { return GroupRows(rel, o) })
	case domain.Select:
		return e.replaceCurrent(run, func(rel *domain.Relation) (*domain.Relation, error) { return SelectColumns(rel, o) })
	default:
		return nil, fmt.Errorf("unsupported operation %T", op)
	}
}

func (e *Executor) replaceCurrent(run *execution, apply func(*domain.Relation) (*domain.Relation, error)) (*domain.Relation, error) {
	if run.current == nil {
		return nil, errors.New("pipeline must start with a scan")
	}
	out, err := apply(run.current)
	if err != nil {
		return nil, err
	}
	run.current = out
	return out, nil
}

// scan loads a table and applies as-of filtering. A missing source becomes an
// empty relation only for optional tables or when the engine allows it.
func (e *Executor) scan(ctx context.Context, run *execution, name string) (*domain.Relation, error) {
	table, ok := e.metadata.Table(name)
	if !ok {
		return nil, &domain.TableNotFoundError{Table: name}
	}

	rel, err := run.loader.Load(ctx, name)
	if err != nil {
		var missing *domain.MissingSourceError
		if !errors.As(err, &missing) || !(table.Optional || e.config.AllowMissingSources) {
			return nil, err
		}
		warning := fmt.Sprintf("source for table %s not found at %s; scanned as empty", table.Name, missing.Path)
		run.warnings = append(run.warnings, warning)
		e.logger.Warn("missing source scanned as empty", "rule", run.plan.RuleID, "table", table.Name, "path", missing.Path)
		rel = loader.EmptyRelation(table)
	}

	filtered, err := e.resolver.Apply(rel, table, run.opts.AsOf)
	if err != nil {
		return nil, err
	}
	filtered.Name = table.Name
	return filtered, nil
}
