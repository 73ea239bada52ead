package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type OperationKind string

const (
	OpScan   OperationKind = "SCAN"
	OpJoin   OperationKind = "JOIN"
	OpFilter OperationKind = "FILTER"
	OpDerive OperationKind = "DERIVE"
	OpGroup  OperationKind = "GROUP"
	OpSelect OperationKind = "SELECT"
)

type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
	JoinRight JoinType = "right"
	JoinOuter JoinType = "outer"
)

type AggregateFunc string

const (
	AggSum   AggregateFunc = "SUM"
	AggCount AggregateFunc = "COUNT"
	AggAvg   AggregateFunc = "AVG"
	AggMin   AggregateFunc = "MIN"
	AggMax   AggregateFunc = "MAX"
)

// ParseAggregateFunc maps a function name to an aggregate kind.
func ParseAggregateFunc(name string) (AggregateFunc, bool) {
	switch AggregateFunc(strings.ToUpper(strings.TrimSpace(name))) {
	case AggSum:
		return AggSum, true
	case AggCount:
		return AggCount, true
	case AggAvg:
		return AggAvg, true
	case AggMin:
		return AggMin, true
	case AggMax:
		return AggMax, true
	default:
		return "", false
	}
}

// Additive reports whether partial results can be re-aggregated by summing.
func (f AggregateFunc) Additive() bool {
	return f == AggSum || f == AggCount
}

// Operation is one step of a compiled pipeline. The set of implementations is
// closed: Scan, Join, Filter, Derive, Group and Select.
type Operation interface {
	Kind() OperationKind
	Describe() string
	isOperation()
}

// Scan reads a table, applying as-of filtering.
type Scan struct {
	Table string `json:"table"`
}

// Join combines the current relation with an already scanned table.
type Join struct {
	Table string    `json:"table"`
	Keys  []KeyPair `json:"keys"`
	Type  JoinType  `json:"type"`
}

// Filter keeps rows matching a predicate expression.
type Filter struct {
	Predicate string `json:"predicate"`
}

// Derive adds a computed column.
type Derive struct {
	Expression string `json:"expression"`
	Alias      string `json:"alias"`
}

// Aggregation is one output column of a Group.
type Aggregation struct {
	Func   AggregateFunc `json:"func"`
	Column string        `json:"column"`
	Alias  string        `json:"alias"`
}

// Group aggregates rows by key columns.
type Group struct {
	By           []string      `json:"by"`
	Aggregations []Aggregation `json:"aggregations"`
}

// SelectColumn is one projected column with an optional output alias.
type SelectColumn struct {
	Column string `json:"column"`
	Alias  string `json:"alias,omitempty"`
}

// OutputName returns the alias, or the column name when no alias is set.
func (c SelectColumn) OutputName() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Column
}

// Select restricts and renames output columns.
type Select struct {
	Columns []SelectColumn `json:"columns"`
}

func (Scan) Kind() OperationKind   { return OpScan }
func (Join) Kind() OperationKind   { return OpJoin }
func (Filter) Kind() OperationKind { return OpFilter }
func (Derive) Kind() OperationKind { return OpDerive }
func (Group) Kind() OperationKind  { return OpGroup }
func (Select) Kind() OperationKind { return OpSelect }

func (Scan) isOperation()   {}
func (Join) isOperation()   {}
func (Filter) isOperation() {}
func (Derive) isOperation() {}
func (Group) isOperation()  {}
func (Select) isOperation() {}

func (s Scan) Describe() string { return fmt.Sprintf("scan %s", s.Table) }

func (j Join) Describe() string {
	pairs := make([]string, len(j.Keys))
	for i, k := range j.Keys {
		pairs[i] = fmt.Sprintf("%s=%s", k.Left, k.Right)
	}
	return fmt.Sprintf("%s join %s on %s", j.Type, j.Table, strings.Join(pairs, ", "))
}

func (f Filter) Describe() string { return fmt.Sprintf("filter %s", f.Predicate) }

func (d Derive) Describe() string { return fmt.Sprintf("derive %s = %s", d.Alias, d.Expression) }

func (g Group) Describe() string {
	aggs := make([]string, len(g.Aggregations))
	for i, a := range g.Aggregations {
		aggs[i] = fmt.Sprintf("%s(%s) as %s", a.Func, a.Column, a.Alias)
	}
	return fmt.Sprintf("group by [%s] %s", strings.Join(g.By, ", "), strings.Join(aggs, ", "))
}

func (s Select) Describe() string {
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		if c.Alias != "" && c.Alias != c.Column {
			cols[i] = fmt.Sprintf("%s as %s", c.Column, c.Alias)
		} else {
			cols[i] = c.Column
		}
	}
	return fmt.Sprintf("select %s", strings.Join(cols, ", "))
}

type operationEnvelope struct {
	Op     OperationKind `json:"op"`
	Scan   *Scan         `json:"scan,omitempty"`
	Join   *Join         `json:"join,omitempty"`
	Filter *Filter       `json:"filter,omitempty"`
	Derive *Derive       `json:"derive,omitempty"`
	Group  *Group        `json:"group,omitempty"`
	Select *Select       `json:"select,omitempty"`
}

func envelopeFor(op Operation) (operationEnvelope, error) {
	env := operationEnvelope{Op: op.Kind()}
	switch o := op.(type) {
	case Scan:
		env.Scan = &o
	case Join:
		env.Join = &o
	case Filter:
		env.Filter = &o
	case Derive:
		env.Derive = &o
	case Group:
		env.Group = &o
	case Select:
		env.Select = &o
	default:
		return env, fmt.Errorf("unsupported operation %T", op)
	}
	return env, nil
}

func (env operationEnvelope) operation() (Operation, error) {
	switch env.Op {
	case OpScan:
		if env.Scan != nil {
			return *env.Scan, nil
		}
	case OpJoin:
		if env.Join != nil {
			return *env.Join, nil
		}
	case OpFilter:
		if env.Filter != nil {
			return *env.Filter, nil
		}
	case OpDerive:
		if env.Derive != nil {
			return *env.Derive, nil
		}
	case OpGroup:
		if env.Group != nil {
			return *env.Group, nil
		}
	case OpSelect:
		if env.Select != nil {
			return *env.Select, nil
		}
	default:
		return nil, fmt.Errorf("unsupported operation type %s", env.Op)
	}
	return nil, fmt.Errorf("%s operation missing configuration", env.Op)
}

// PipelineToJSON encodes operations as tagged envelopes.
func PipelineToJSON(ops []Operation) (json.RawMessage, error) {
	envelopes := make([]operationEnvelope, 0, len(ops))
	for _, op := range ops {
		env, err := envelopeFor(op)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return json.Marshal(envelopes)
}

// PipelineFromJSON decodes operations encoded by PipelineToJSON.
func PipelineFromJSON(data json.RawMessage) ([]Operation, error) {
	if len(data) == 0 {
		return []Operation{}, nil
	}
	var envelopes []operationEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(envelopes))
	for _, env := range envelopes {
		op, err := env.operation()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ExecutionPlan is the compiled form of a rule.
type ExecutionPlan struct {
	RuleID    string
	System    string
	Metric    string
	Formula   string
	Aggregate AggregateFunc
	Grain     []string
	Tables    []string
	Pipeline  []Operation
}

type executionPlanJSON struct {
	RuleID    string          `json:"rule_id"`
	System    string          `json:"system"`
	Metric    string          `json:"metric"`
	Formula   string          `json:"formula"`
	Aggregate AggregateFunc   `json:"aggregate"`
	Grain     []string        `json:"grain"`
	Tables    []string        `json:"tables"`
	Pipeline  json.RawMessage `json:"pipeline"`
}

func (p ExecutionPlan) MarshalJSON() ([]byte, error) {
	pipeline, err := PipelineToJSON(p.Pipeline)
	if err != nil {
		return nil, err
	}
	return json.Marshal(executionPlanJSON{
		RuleID:    p.RuleID,
		System:    p.System,
		Metric:    p.Metric,
		Formula:   p.Formula,
		Aggregate: p.Aggregate,
		Grain:     p.Grain,
		Tables:    p.Tables,
		Pipeline:  pipeline,
	})
}

func (p *ExecutionPlan) UnmarshalJSON(data []byte) error {
	var raw executionPlanJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ops, err := PipelineFromJSON(raw.Pipeline)
	if err != nil {
		return err
	}
	*p = ExecutionPlan{
		RuleID:    raw.RuleID,
		System:    raw.System,
		Metric:    raw.Metric,
		Formula:   raw.Formula,
		Aggregate: raw.Aggregate,
		Grain:     raw.Grain,
		Tables:    raw.Tables,
		Pipeline:  ops,
	}
	return nil
}

// ExecutionStep records the outcome of one pipeline operation.
type ExecutionStep struct {
	// Index is the 1-based position of the step in the pipeline.
	Index     int
	Operation Operation
	RowCount  int
	Columns   []string
	Snapshot  *Relation
}

func (s ExecutionStep) MarshalJSON() ([]byte, error) {
	var env *operationEnvelope
	if s.Operation != nil {
		e, err := envelopeFor(s.Operation)
		if err != nil {
			return nil, err
		}
		env = &e
	}
	return json.Marshal(struct {
		Index     int                `json:"index"`
		Operation *operationEnvelope `json:"operation"`
		RowCount  int                `json:"row_count"`
		Columns   []string           `json:"columns"`
	}{Index: s.Index, Operation: env, RowCount: s.RowCount, Columns: s.Columns})
}

// ExecutionResult is a materialized pipeline output plus its optional trace.
type ExecutionResult struct {
	RunID    uuid.UUID       `json:"run_id"`
	Plan     ExecutionPlan   `json:"plan"`
	AsOf     *time.Time      `json:"as_of,omitempty"`
	Relation *Relation       `json:"relation"`
	Trace    []ExecutionStep `json:"trace,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	Duration time.Duration   `json:"duration"`
}
