// Package compiler translates declarative rules into executable pipelines.
package compiler

import (
	"fmt"
	"strings"

	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/expr"
)

// Compiler builds execution plans from a metadata snapshot. Compilation is
// pure: the same snapshot always yields the same plan.
type Compiler struct {
	metadata *domain.Metadata
}

// New creates a compiler over a metadata snapshot.
func New(md *domain.Metadata) *Compiler {
	return &Compiler{metadata: md}
}

// Compile builds the plan for a declared rule id.
func (c *Compiler) Compile(ruleID string) (domain.ExecutionPlan, error) {
	rule, err := c.metadata.Rule(ruleID)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	return c.CompileRule(rule)
}

// CompileFor resolves the rule for a (system, metric) pair and compiles it.
func (c *Compiler) CompileFor(system, metric string) (domain.ExecutionPlan, error) {
	rule, err := c.metadata.ResolveRule(system, metric)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	return c.CompileRule(rule)
}

// CompileRule builds the plan for an already resolved rule.
func (c *Compiler) CompileRule(rule domain.Rule) (domain.ExecutionPlan, error) {
	tables, err := c.resolveTables(rule)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}

	names := make([]string, len(tables))
	pipeline := make([]domain.Operation, 0, 2*len(tables)+4)
	for i, table := range tables {
		names[i] = table.Name
		pipeline = append(pipeline, domain.Scan{Table: table.Name})
	}

	for i := 1; i < len(tables); i++ {
		join, err := c.joinFor(tables[:i], tables[i])
		if err != nil {
			return domain.ExecutionPlan{}, err
		}
		pipeline = append(pipeline, join)
	}

	for _, condition := range rule.Computation.FilterConditions {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}
		if _, err := expr.Parse(condition); err != nil {
			return domain.ExecutionPlan{}, err
		}
		pipeline = append(pipeline, domain.Filter{Predicate: condition})
	}

	grain := append([]string(nil), rule.Computation.TargetGrain...)
	agg, err := compileFormula(rule.Computation.Formula, rule.Metric, grain)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	pipeline = append(pipeline, agg.pre...)
	pipeline = append(pipeline, domain.Group{By: grain, Aggregations: agg.aggregations})
	pipeline = append(pipeline, agg.post...)

	selectCols := make([]domain.SelectColumn, 0, len(grain)+1)
	for _, col := range grain {
		selectCols = append(selectCols, domain.SelectColumn{Column: col})
	}
	selectCols = append(selectCols, domain.SelectColumn{Column: rule.Metric})
	pipeline = append(pipeline, domain.Select{Columns: selectCols})

	return domain.ExecutionPlan{
		RuleID:    rule.ID,
		System:    rule.System,
		Metric:    rule.Metric,
		Formula:   rule.Computation.Formula,
		Aggregate: agg.aggregate,
		Grain:     grain,
		Tables:    names,
		Pipeline:  pipeline,
	}, nil
}

// resolveTables returns the explicit source table, or one table per source
// entity in declaration order.
func (c *Compiler) resolveTables(rule domain.Rule) ([]domain.Table, error) {
	if src := rule.Computation.SourceTable; src != "" {
		table, ok := c.metadata.Table(src)
		if !ok {
			return nil, &domain.TableNotFoundError{Table: src}
		}
		return []domain.Table{table}, nil
	}
	if len(rule.Computation.SourceEntities) == 0 {
		return nil, domain.ErrValidation("rule %q has neither source entities nor a source table", rule.ID)
	}

	var tables []domain.Table
	seen := map[string]struct{}{}
	for _, entity := range rule.Computation.SourceEntities {
		table, err := c.metadata.TableFor(rule.System, entity)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[table.Name]; dup {
			continue
		}
		seen[table.Name] = struct{}{}
		tables = append(tables, table)
	}
	return tables, nil
}

// joinFor connects table to the first already joined table that has a lineage
// edge to it, falling back to shared primary key columns.
func (c *Compiler) joinFor(joined []domain.Table, table domain.Table) (domain.Join, error) {
	for _, left := range joined {
		if edge, ok := c.metadata.EdgeBetween(left.Name, table.Name); ok {
			return domain.Join{Table: table.Name, Keys: edge.Keys, Type: domain.JoinInner}, nil
		}
	}
	for _, left := range joined {
		var keys []domain.KeyPair
		for _, key := range table.PrimaryKey {
			for _, other := range left.PrimaryKey {
				if strings.EqualFold(key, other) {
					keys = append(keys, domain.KeyPair{Left: other, Right: key})
				}
			}
		}
		if len(keys) > 0 {
			return domain.Join{Table: table.Name, Keys: keys, Type: domain.JoinInner}, nil
		}
	}

	names := make([]string, len(joined))
	for i, t := range joined {
		names[i] = t.Name
	}
	return domain.Join{}, &domain.ExecutionError{
		Operation: "compile",
		Err:       fmt.Errorf("no lineage edge or shared key connects %s to [%s]", table.Name, strings.Join(names, ", ")),
	}
}
