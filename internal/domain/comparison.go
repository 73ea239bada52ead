package domain

import (
	"github.com/shopspring/decimal"
)

// DuplicateKey is a grain key that occurs more than once on one side.
type DuplicateKey struct {
	Key   []string `json:"key"`
	Count int      `json:"count"`
}

// PopulationDiff compares the sets of grain keys present in two relations.
type PopulationDiff struct {
	MissingInB  [][]string     `json:"missing_in_b"`
	ExtraInB    [][]string     `json:"extra_in_b"`
	CommonCount int            `json:"common_count"`
	DuplicatesA []DuplicateKey `json:"duplicates_a,omitempty"`
	DuplicatesB []DuplicateKey `json:"duplicates_b,omitempty"`
}

// MismatchDetail describes one common key whose metric values differ beyond tolerance.
type MismatchDetail struct {
	Key     []string         `json:"key"`
	MetricA *decimal.Decimal `json:"metric_a"`
	MetricB *decimal.Decimal `json:"metric_b"`
	Diff    decimal.Decimal  `json:"diff"`
	AbsDiff decimal.Decimal  `json:"abs_diff"`
}

// DataDiff compares metric values over the common keys.
type DataDiff struct {
	Matches    int              `json:"matches"`
	Mismatches int              `json:"mismatches"`
	Tolerance  decimal.Decimal  `json:"tolerance"`
	Details    []MismatchDetail `json:"details"`
}

// FuzzyMatch records a B-side key value rewritten to a similar A-side value.
type FuzzyMatch struct {
	Column     string  `json:"column"`
	ValueB     string  `json:"value_b"`
	MatchedA   string  `json:"matched_a"`
	Similarity float64 `json:"similarity"`
}

// ComparisonResult is the outcome of a population and data diff.
type ComparisonResult struct {
	Grain        []string       `json:"grain"`
	Population   PopulationDiff `json:"population"`
	Data         DataDiff       `json:"data"`
	FuzzyMatches []FuzzyMatch   `json:"fuzzy_matches,omitempty"`
}

// MismatchedKeys returns the keys of every mismatch detail.
func (r ComparisonResult) MismatchedKeys() [][]string {
	keys := make([][]string, 0, len(r.Data.Details))
	for _, d := range r.Data.Details {
		keys = append(keys, append([]string(nil), d.Key...))
	}
	return keys
}

// DivergenceType classifies where two traced executions first disagree.
type DivergenceType string

const (
	DivergenceRowCount         DivergenceType = "row_count_mismatch"
	DivergenceValue            DivergenceType = "value_mismatch"
	DivergenceFinalAggregation DivergenceType = "final_aggregation"
)

// DivergencePoint identifies the first pipeline step at which two traces disagree.
type DivergencePoint struct {
	StepIndex int            `json:"step_index"`
	StepA     string         `json:"step_a,omitempty"`
	StepB     string         `json:"step_b,omitempty"`
	RowsA     int            `json:"rows_a"`
	RowsB     int            `json:"rows_b"`
	Type      DivergenceType `json:"divergence_type"`
	Columns   []string       `json:"columns,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}

// GrainPlanKind is the transformation needed to bring a relation to a common grain.
type GrainPlanKind string

const (
	GrainPlanNone        GrainPlanKind = "none"
	GrainPlanAggregateUp GrainPlanKind = "aggregate_up"
	GrainPlanExpandDown  GrainPlanKind = "expand_down"
)

// GrainStrategy records which candidate produced the common grain.
type GrainStrategy string

const (
	GrainStrategyEqual          GrainStrategy = "equal"
	GrainStrategyIntersection   GrainStrategy = "intersection"
	GrainStrategyEntity         GrainStrategy = "entity"
	GrainStrategyMetricFallback GrainStrategy = "metric_fallback"
)

// GrainPlan transforms one system's relation from its native grain to the target grain.
type GrainPlan struct {
	Kind    GrainPlanKind `json:"kind"`
	Native  []string      `json:"native"`
	Target  []string      `json:"target"`
	GroupBy []string      `json:"group_by,omitempty"`
	Metric  string        `json:"metric"`
	// Via is the lineage edge joined to attach missing grain columns.
	Via *LineageEdge `json:"via,omitempty"`
}

// GrainResolution is the common grain plus a plan per side.
type GrainResolution struct {
	Common   []string      `json:"common"`
	Strategy GrainStrategy `json:"strategy"`
	PlanA    GrainPlan     `json:"plan_a"`
	PlanB    GrainPlan     `json:"plan_b"`
}

// TableContribution is the signed share of one source table in a metric value.
type TableContribution struct {
	Table  string          `json:"table"`
	Sign   int             `json:"sign"`
	Column string          `json:"column"`
	Rows   int             `json:"rows"`
	Amount decimal.Decimal `json:"amount"`
	Signed decimal.Decimal `json:"signed"`
}

// RootCause attributes a mismatched key's value to its source tables.
type RootCause struct {
	System        string              `json:"system"`
	RuleID        string              `json:"rule_id"`
	Key           []string            `json:"key"`
	Contributions []TableContribution `json:"contributions"`
	Total         decimal.Decimal     `json:"total"`
	OtherValue    *decimal.Decimal    `json:"other_value,omitempty"`
	Residual      decimal.Decimal     `json:"residual"`
	Explained     bool                `json:"explained"`
}
