// Package grain finds a common comparison grain for two executed rules and
// projects each side's result onto it.
package grain

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/transformations"
)

// TableLoader supplies mapping tables for expand-down plans.
type TableLoader interface {
	Load(ctx context.Context, name string) (*domain.Relation, error)
}

// Resolver decides how two rule outputs can be compared at one grain.
type Resolver struct {
	metadata            *domain.Metadata
	joinExplosionFactor int
}

type Option func(*Resolver)

// WithJoinExplosionFactor bounds the expand-down join the same way the
// executor bounds pipeline joins.
func WithJoinExplosionFactor(factor int) Option {
	return func(r *Resolver) {
		if factor > 0 {
			r.joinExplosionFactor = factor
		}
	}
}

// NewResolver creates a grain resolver over a metadata snapshot.
func NewResolver(md *domain.Metadata, opts ...Option) *Resolver {
	r := &Resolver{metadata: md, joinExplosionFactor: transformations.DefaultJoinExplosionFactor}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the common grain of two plans and how to reach it from each
// side. Candidates are tried in order: identical grains, the intersection of
// both grains, entity grains (longest first), then the metric's declared grain.
func (r *Resolver) Resolve(a, b domain.ExecutionPlan) (domain.GrainResolution, error) {
	if sameColumns(a.Grain, b.Grain) {
		return domain.GrainResolution{
			Common:   append([]string(nil), a.Grain...),
			Strategy: domain.GrainStrategyEqual,
			PlanA:    noopPlan(a, a.Grain),
			PlanB:    noopPlan(b, a.Grain),
		}, nil
	}

	type candidate struct {
		grain    []string
		strategy domain.GrainStrategy
	}
	var candidates []candidate
	if common := intersect(a.Grain, b.Grain); len(common) > 0 {
		candidates = append(candidates, candidate{common, domain.GrainStrategyIntersection})
	}
	for _, entity := range r.entitiesByGrain() {
		candidates = append(candidates, candidate{entity.Grain, domain.GrainStrategyEntity})
	}

	var attempted []string
	tried := map[string]struct{}{}
	for _, c := range candidates {
		id := grainID(c.grain)
		if _, dup := tried[id]; dup {
			continue
		}
		tried[id] = struct{}{}
		attempted = append(attempted, "["+strings.Join(c.grain, ", ")+"]")

		planA, okA := r.planFor(a, c.grain)
		planB, okB := r.planFor(b, c.grain)
		if okA && okB {
			return domain.GrainResolution{
				Common:   append([]string(nil), c.grain...),
				Strategy: c.strategy,
				PlanA:    planA,
				PlanB:    planB,
			}, nil
		}
	}

	reason := "no candidate grain is reachable from both systems"
	if metricGrain := r.metricGrain(a, b); len(metricGrain) > 0 {
		attempted = append(attempted, "["+strings.Join(metricGrain, ", ")+"] (metric)")
		planA, okA := r.planFor(a, metricGrain)
		planB, okB := r.planFor(b, metricGrain)
		switch {
		case okA && okB:
			return domain.GrainResolution{
				Common:   append([]string(nil), metricGrain...),
				Strategy: domain.GrainStrategyMetricFallback,
				PlanA:    planA,
				PlanB:    planB,
			}, nil
		case okA:
			reason = fmt.Sprintf("metric grain reachable from %s only", sideName(a))
		case okB:
			reason = fmt.Sprintf("metric grain reachable from %s only", sideName(b))
		}
	}

	return domain.GrainResolution{}, &domain.GrainResolutionError{
		GrainA:    append([]string(nil), a.Grain...),
		GrainB:    append([]string(nil), b.Grain...),
		Attempted: attempted,
		Reason:    reason,
	}
}

// planFor reports whether a side can be projected onto target and how.
// Changing grain requires an additive aggregate.
func (r *Resolver) planFor(plan domain.ExecutionPlan, target []string) (domain.GrainPlan, bool) {
	if sameColumns(plan.Grain, target) {
		return noopPlan(plan, target), true
	}
	if !plan.Aggregate.Additive() {
		return domain.GrainPlan{}, false
	}

	missing := difference(target, plan.Grain)
	if len(missing) == 0 {
		return domain.GrainPlan{
			Kind:    domain.GrainPlanAggregateUp,
			Native:  append([]string(nil), plan.Grain...),
			Target:  append([]string(nil), target...),
			GroupBy: append([]string(nil), target...),
			Metric:  plan.Metric,
		}, true
	}

	edge, ok := r.edgeProviding(plan, missing)
	if !ok {
		return domain.GrainPlan{}, false
	}
	return domain.GrainPlan{
		Kind:    domain.GrainPlanExpandDown,
		Native:  append([]string(nil), plan.Grain...),
		Target:  append([]string(nil), target...),
		GroupBy: append([]string(nil), target...),
		Metric:  plan.Metric,
		Via:     &edge,
	}, true
}

// edgeProviding finds a lineage edge from one of the plan's tables whose keys
// are all in the native grain and whose target table holds every missing column.
func (r *Resolver) edgeProviding(plan domain.ExecutionPlan, missing []string) (domain.LineageEdge, bool) {
	for _, name := range plan.Tables {
		for _, edge := range r.metadata.EdgesFrom(name) {
			if !keysWithin(edge.Keys, plan.Grain) {
				continue
			}
			target, ok := r.metadata.Table(edge.To)
			if !ok {
				continue
			}
			covers := true
			for _, col := range missing {
				if !target.HasColumn(col) {
					covers = false
					break
				}
			}
			if covers {
				return edge, true
			}
		}
	}
	return domain.LineageEdge{}, false
}

func (r *Resolver) entitiesByGrain() []domain.Entity {
	entities := r.metadata.Entities()
	filtered := entities[:0]
	for _, e := range entities {
		if len(e.Grain) > 0 {
			filtered = append(filtered, e)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if len(filtered[i].Grain) != len(filtered[j].Grain) {
			return len(filtered[i].Grain) > len(filtered[j].Grain)
		}
		return filtered[i].ID < filtered[j].ID
	})
	return filtered
}

func (r *Resolver) metricGrain(a, b domain.ExecutionPlan) []string {
	for _, id := range []string{a.Metric, b.Metric} {
		if metric, ok := r.metadata.Metric(id); ok && len(metric.Grain) > 0 {
			return metric.Grain
		}
	}
	return nil
}

// Apply projects a relation at its native grain onto the plan's target grain,
// summing the metric. Expand-down plans first join the lineage target table to
// attach the missing grain columns; a mapping that sends one native key to
// several rows is rejected.
func (r *Resolver) Apply(ctx context.Context, rel *domain.Relation, plan domain.GrainPlan, tables TableLoader) (*domain.Relation, error) {
	switch plan.Kind {
	case domain.GrainPlanNone, "":
		return rel, nil
	case domain.GrainPlanAggregateUp:
		return sumTo(rel, plan)
	case domain.GrainPlanExpandDown:
		if plan.Via == nil {
			return nil, fmt.Errorf("expand-down plan has no lineage edge")
		}
		mapping, err := tables.Load(ctx, plan.Via.To)
		if err != nil {
			return nil, fmt.Errorf("load mapping table %s: %w", plan.Via.To, err)
		}
		mapping, err = r.mappingColumns(mapping, plan)
		if err != nil {
			return nil, err
		}
		joined, err := transformations.HashJoin(rel, mapping,
			domain.Join{Table: plan.Via.To, Keys: plan.Via.Keys, Type: domain.JoinLeft},
			r.joinExplosionFactor)
		if err != nil {
			return nil, err
		}
		if joined.Len() > rel.Len() {
			return nil, &domain.GrainResolutionError{
				GrainA: plan.Native,
				GrainB: plan.Target,
				Reason: fmt.Sprintf("mapping table %s maps a native key to more than one row", plan.Via.To),
			}
		}
		return sumTo(joined, plan)
	default:
		return nil, fmt.Errorf("unknown grain plan kind %q", plan.Kind)
	}
}

// mappingColumns keeps the join keys and the grain columns the mapping table
// contributes, with duplicate rows removed.
func (r *Resolver) mappingColumns(mapping *domain.Relation, plan domain.GrainPlan) (*domain.Relation, error) {
	cols := make([]domain.SelectColumn, 0, len(plan.Via.Keys)+len(plan.Target))
	seen := map[string]struct{}{}
	add := func(name string) {
		if _, dup := seen[strings.ToLower(name)]; dup {
			return
		}
		seen[strings.ToLower(name)] = struct{}{}
		cols = append(cols, domain.SelectColumn{Column: name})
	}
	for _, k := range plan.Via.Keys {
		add(k.Right)
	}
	for _, col := range difference(plan.Target, plan.Native) {
		add(col)
	}
	projected, err := transformations.SelectColumns(mapping, domain.Select{Columns: cols})
	if err != nil {
		return nil, err
	}

	unique := domain.NewRelation(projected.Name, projected.Columns)
	all := make([]int, len(projected.Columns))
	for j := range all {
		all[j] = j
	}
	rows := map[string]struct{}{}
	for i := range projected.Rows {
		id := domain.JoinKey(projected.KeyAt(i, all))
		if _, dup := rows[id]; dup {
			continue
		}
		rows[id] = struct{}{}
		unique.Append(projected.Rows[i])
	}
	return unique, nil
}

func sumTo(rel *domain.Relation, plan domain.GrainPlan) (*domain.Relation, error) {
	grouped, err := transformations.GroupRows(rel, domain.Group{
		By:           plan.GroupBy,
		Aggregations: []domain.Aggregation{{Func: domain.AggSum, Column: plan.Metric, Alias: plan.Metric}},
	})
	if err != nil {
		return nil, err
	}
	return grouped, nil
}

func noopPlan(plan domain.ExecutionPlan, target []string) domain.GrainPlan {
	return domain.GrainPlan{
		Kind:   domain.GrainPlanNone,
		Native: append([]string(nil), plan.Grain...),
		Target: append([]string(nil), target...),
		Metric: plan.Metric,
	}
}

func sideName(plan domain.ExecutionPlan) string {
	if plan.System != "" {
		return plan.System
	}
	return plan.RuleID
}

func sameColumns(a, b []string) bool {
	return len(a) == len(b) && len(difference(a, b)) == 0 && len(difference(b, a)) == 0
}

// intersect returns the columns of a that are also in b, in a's order.
func intersect(a, b []string) []string {
	var out []string
	for _, col := range a {
		if containsFold(b, col) {
			out = append(out, col)
		}
	}
	return out
}

// difference returns the columns of a that are not in b.
func difference(a, b []string) []string {
	var out []string
	for _, col := range a {
		if !containsFold(b, col) {
			out = append(out, col)
		}
	}
	return out
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

func keysWithin(keys []domain.KeyPair, grain []string) bool {
	for _, k := range keys {
		if !containsFold(grain, k.Left) {
			return false
		}
	}
	return len(keys) > 0
}

func grainID(grain []string) string {
	sorted := make([]string, len(grain))
	for i, col := range grain {
		sorted[i] = strings.ToLower(col)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
