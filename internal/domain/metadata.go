package domain

import (
	"fmt"
	"sort"
	"strings"
)

// TimeSemantics controls how a table's time column is interpreted during as-of scans.
type TimeSemantics string

const (
	// TimeSemanticsEvent keeps every row stamped at or before the as-of date.
	TimeSemanticsEvent TimeSemantics = "event"
	// TimeSemanticsSnapshot keeps only the latest snapshot taken at or before the as-of date.
	TimeSemanticsSnapshot TimeSemantics = "snapshot"
)

// SourceKind identifies where a table's rows are read from.
type SourceKind string

const (
	SourceFile     SourceKind = "file"
	SourcePostgres SourceKind = "postgres"
)

// Contribution declares how a table's amounts move a metric during root-cause attribution.
type Contribution string

const (
	ContributionAdd      Contribution = "add"
	ContributionSubtract Contribution = "subtract"
	ContributionNone     Contribution = "none"
)

// Sign returns +1, -1 or 0 for the declared contribution.
func (c Contribution) Sign() int {
	switch c {
	case ContributionAdd:
		return 1
	case ContributionSubtract:
		return -1
	default:
		return 0
	}
}

// NullPolicy controls how null metric values compare.
type NullPolicy string

const (
	// NullAsZero treats a null metric as 0.
	NullAsZero NullPolicy = "zero"
	// NullStrict treats null as equal only to null.
	NullStrict NullPolicy = "strict"
)

// DefaultPrecision is used for metrics that are referenced by rules but not declared.
const DefaultPrecision = 2

// Entity is a logical business object with a canonical grain.
type Entity struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name,omitempty" yaml:"name,omitempty"`
	Grain      []string `json:"grain" yaml:"grain"`
	Attributes []string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	// Parent names a coarser entity this entity rolls up into.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`
}

// Table is a physical tabular source backing an entity in one system.
type Table struct {
	Name               string         `json:"name" yaml:"name"`
	System             string         `json:"system" yaml:"system"`
	Entity             string         `json:"entity" yaml:"entity"`
	PrimaryKey         []string       `json:"primary_key" yaml:"primary_key"`
	TimeColumn         string         `json:"time_column,omitempty" yaml:"time_column,omitempty"`
	TimeSemantics      TimeSemantics  `json:"time_semantics,omitempty" yaml:"time_semantics,omitempty"`
	Path               string         `json:"path" yaml:"path"`
	Format             string         `json:"format,omitempty" yaml:"format,omitempty"`
	Source             SourceKind     `json:"source,omitempty" yaml:"source,omitempty"`
	Columns            []ColumnSchema `json:"columns,omitempty" yaml:"columns,omitempty"`
	Optional           bool           `json:"optional,omitempty" yaml:"optional,omitempty"`
	Contribution       Contribution   `json:"contribution,omitempty" yaml:"contribution,omitempty"`
	ContributionColumn string         `json:"contribution_column,omitempty" yaml:"contribution_column,omitempty"`
}

// HasColumn reports whether the declared schema or primary key names the column.
func (t Table) HasColumn(name string) bool {
	for _, key := range t.PrimaryKey {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	for _, col := range t.Columns {
		if strings.EqualFold(col.Name, name) {
			return true
		}
	}
	return false
}

// ColumnNames returns primary key columns followed by declared columns, without duplicates.
func (t Table) ColumnNames() []string {
	seen := make(map[string]struct{}, len(t.PrimaryKey)+len(t.Columns))
	names := make([]string, 0, len(t.PrimaryKey)+len(t.Columns))
	for _, key := range t.PrimaryKey {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, key)
	}
	for _, col := range t.Columns {
		if _, ok := seen[col.Name]; ok {
			continue
		}
		seen[col.Name] = struct{}{}
		names = append(names, col.Name)
	}
	return names
}

func (t Table) clone() Table {
	t.PrimaryKey = append([]string(nil), t.PrimaryKey...)
	t.Columns = append([]ColumnSchema(nil), t.Columns...)
	return t
}

// ComputationDefinition is the declarative body of a rule.
type ComputationDefinition struct {
	SourceEntities   []string            `json:"source_entities" yaml:"source_entities"`
	AttributesNeeded map[string][]string `json:"attributes_needed,omitempty" yaml:"attributes_needed,omitempty"`
	Formula          string              `json:"formula" yaml:"formula"`
	TargetGrain      []string            `json:"target_grain" yaml:"target_grain"`
	FilterConditions []string            `json:"filter_conditions,omitempty" yaml:"filter_conditions,omitempty"`
	SourceTable      string              `json:"source_table,omitempty" yaml:"source_table,omitempty"`
}

// Rule binds a (system, metric) pair to a computation.
type Rule struct {
	ID          string                `json:"id" yaml:"id"`
	System      string                `json:"system" yaml:"system"`
	Metric      string                `json:"metric" yaml:"metric"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Computation ComputationDefinition `json:"computation" yaml:"computation"`
	// Inferred marks rules synthesized from a direct column match rather than declared.
	Inferred bool `json:"inferred,omitempty" yaml:"-"`
}

func (r Rule) clone() Rule {
	c := r.Computation
	c.SourceEntities = append([]string(nil), c.SourceEntities...)
	c.TargetGrain = append([]string(nil), c.TargetGrain...)
	c.FilterConditions = append([]string(nil), c.FilterConditions...)
	if c.AttributesNeeded != nil {
		attrs := make(map[string][]string, len(c.AttributesNeeded))
		for entity, cols := range c.AttributesNeeded {
			attrs[entity] = append([]string(nil), cols...)
		}
		c.AttributesNeeded = attrs
	}
	r.Computation = c
	return r
}

// Metric describes tolerance and null handling for a compared value.
type Metric struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name,omitempty" yaml:"name,omitempty"`
	Grain      []string   `json:"grain,omitempty" yaml:"grain,omitempty"`
	Precision  int        `json:"precision" yaml:"precision"`
	NullPolicy NullPolicy `json:"null_policy,omitempty" yaml:"null_policy,omitempty"`
	Unit       string     `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// KeyPair maps a left column to a right column in a join or lineage edge.
type KeyPair struct {
	Left  string `json:"left" yaml:"left"`
	Right string `json:"right" yaml:"right"`
}

// LineageEdge is a declared join relationship between two tables.
type LineageEdge struct {
	From         string    `json:"from" yaml:"from"`
	To           string    `json:"to" yaml:"to"`
	Keys         []KeyPair `json:"keys" yaml:"keys"`
	Relationship string    `json:"relationship,omitempty" yaml:"relationship,omitempty"`
}

// Reversed returns the edge seen from the other side.
func (e LineageEdge) Reversed() LineageEdge {
	keys := make([]KeyPair, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = KeyPair{Left: k.Right, Right: k.Left}
	}
	rel := e.Relationship
	switch rel {
	case "many_to_one":
		rel = "one_to_many"
	case "one_to_many":
		rel = "many_to_one"
	}
	return LineageEdge{From: e.To, To: e.From, Keys: keys, Relationship: rel}
}

// CanonicalKey names the system-independent representation of an identifier.
type CanonicalKey struct {
	Name        string `json:"name" yaml:"name"`
	Entity      string `json:"entity,omitempty" yaml:"entity,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// KeyMapping normalizes one system's key column to a canonical key.
type KeyMapping struct {
	System        string   `json:"system" yaml:"system"`
	Column        string   `json:"column" yaml:"column"`
	Canonical     string   `json:"canonical" yaml:"canonical"`
	MappingTable  string   `json:"mapping_table,omitempty" yaml:"mapping_table,omitempty"`
	MappingSource string   `json:"mapping_source,omitempty" yaml:"mapping_source,omitempty"`
	MappingTarget string   `json:"mapping_target,omitempty" yaml:"mapping_target,omitempty"`
	Normalizers   []string `json:"normalizers,omitempty" yaml:"normalizers,omitempty"`
}

// MetadataSpec is the unindexed input to NewMetadata.
type MetadataSpec struct {
	Entities      []Entity       `json:"entities,omitempty" yaml:"entities,omitempty"`
	Tables        []Table        `json:"tables,omitempty" yaml:"tables,omitempty"`
	Rules         []Rule         `json:"rules,omitempty" yaml:"rules,omitempty"`
	Metrics       []Metric       `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Lineage       []LineageEdge  `json:"lineage,omitempty" yaml:"lineage,omitempty"`
	CanonicalKeys []CanonicalKey `json:"canonical_keys,omitempty" yaml:"canonical_keys,omitempty"`
	KeyMappings   []KeyMapping   `json:"key_mappings,omitempty" yaml:"key_mappings,omitempty"`
}

// Metadata is an immutable, indexed snapshot shared read-only by every component.
// Reloading metadata produces a new snapshot; nothing mutates an existing one.
type Metadata struct {
	entities      map[string]Entity
	entityOrder   []string
	tables        map[string]Table
	tableOrder    []string
	rules         map[string]Rule
	ruleOrder     []string
	metrics       map[string]Metric
	metricOrder   []string
	lineage       []LineageEdge
	canonicalKeys map[string]CanonicalKey
	keyMappings   []KeyMapping
}

// NewMetadata validates and indexes a metadata spec.
func NewMetadata(spec MetadataSpec) (*Metadata, error) {
	md := &Metadata{
		entities:      make(map[string]Entity, len(spec.Entities)),
		tables:        make(map[string]Table, len(spec.Tables)),
		rules:         make(map[string]Rule, len(spec.Rules)),
		metrics:       make(map[string]Metric, len(spec.Metrics)),
		canonicalKeys: make(map[string]CanonicalKey, len(spec.CanonicalKeys)),
	}

	for _, entity := range spec.Entities {
		if strings.TrimSpace(entity.ID) == "" {
			return nil, ErrValidation("entity id is required")
		}
		if _, dup := md.entities[entity.ID]; dup {
			return nil, ErrValidation("duplicate entity %q", entity.ID)
		}
		entity.Grain = append([]string(nil), entity.Grain...)
		entity.Attributes = append([]string(nil), entity.Attributes...)
		md.entities[entity.ID] = entity
		md.entityOrder = append(md.entityOrder, entity.ID)
	}
	for _, entity := range md.entities {
		if entity.Parent != "" {
			if _, ok := md.entities[entity.Parent]; !ok {
				return nil, ErrValidation("entity %q references unknown parent %q", entity.ID, entity.Parent)
			}
		}
	}

	for _, table := range spec.Tables {
		if strings.TrimSpace(table.Name) == "" {
			return nil, ErrValidation("table name is required")
		}
		if strings.TrimSpace(table.System) == "" {
			return nil, ErrValidation("table %q requires a system", table.Name)
		}
		if _, dup := md.tables[table.Name]; dup {
			return nil, ErrValidation("duplicate table %q", table.Name)
		}
		if table.Entity != "" && len(md.entities) > 0 {
			if _, ok := md.entities[table.Entity]; !ok {
				return nil, ErrValidation("table %q references unknown entity %q", table.Name, table.Entity)
			}
		}
		if table.TimeSemantics == "" {
			table.TimeSemantics = TimeSemanticsEvent
		}
		if table.Source == "" {
			table.Source = SourceFile
		}
		md.tables[table.Name] = table.clone()
		md.tableOrder = append(md.tableOrder, table.Name)
	}

	for _, metric := range spec.Metrics {
		if strings.TrimSpace(metric.ID) == "" {
			return nil, ErrValidation("metric id is required")
		}
		if _, dup := md.metrics[metric.ID]; dup {
			return nil, ErrValidation("duplicate metric %q", metric.ID)
		}
		if metric.NullPolicy == "" {
			metric.NullPolicy = NullAsZero
		}
		if metric.Precision < 0 {
			return nil, ErrValidation("metric %q has negative precision", metric.ID)
		}
		metric.Grain = append([]string(nil), metric.Grain...)
		md.metrics[metric.ID] = metric
		md.metricOrder = append(md.metricOrder, metric.ID)
	}

	for _, rule := range spec.Rules {
		if strings.TrimSpace(rule.ID) == "" {
			return nil, ErrValidation("rule id is required")
		}
		if _, dup := md.rules[rule.ID]; dup {
			return nil, ErrValidation("duplicate rule %q", rule.ID)
		}
		if rule.System == "" || rule.Metric == "" {
			return nil, ErrValidation("rule %q requires system and metric", rule.ID)
		}
		if strings.TrimSpace(rule.Computation.Formula) == "" {
			return nil, ErrValidation("rule %q has an empty formula", rule.ID)
		}
		if src := rule.Computation.SourceTable; src != "" {
			if _, ok := md.tables[src]; !ok {
				return nil, ErrValidation("rule %q references unknown source table %q", rule.ID, src)
			}
		}
		md.rules[rule.ID] = rule.clone()
		md.ruleOrder = append(md.ruleOrder, rule.ID)
	}

	for _, edge := range spec.Lineage {
		if _, ok := md.tables[edge.From]; !ok {
			return nil, ErrValidation("lineage edge references unknown table %q", edge.From)
		}
		if _, ok := md.tables[edge.To]; !ok {
			return nil, ErrValidation("lineage edge references unknown table %q", edge.To)
		}
		if len(edge.Keys) == 0 {
			return nil, ErrValidation("lineage edge %s -> %s has no keys", edge.From, edge.To)
		}
		edge.Keys = append([]KeyPair(nil), edge.Keys...)
		md.lineage = append(md.lineage, edge)
	}

	for _, key := range spec.CanonicalKeys {
		if key.Name == "" {
			return nil, ErrValidation("canonical key name is required")
		}
		md.canonicalKeys[key.Name] = key
	}
	for _, mapping := range spec.KeyMappings {
		if mapping.System == "" || mapping.Column == "" || mapping.Canonical == "" {
			return nil, ErrValidation("key mapping requires system, column and canonical")
		}
		if len(md.canonicalKeys) > 0 {
			if _, ok := md.canonicalKeys[mapping.Canonical]; !ok {
				return nil, ErrValidation("key mapping %s.%s references unknown canonical key %q", mapping.System, mapping.Column, mapping.Canonical)
			}
		}
		if mapping.MappingTable != "" {
			if _, ok := md.tables[mapping.MappingTable]; !ok {
				return nil, ErrValidation("key mapping %s.%s references unknown table %q", mapping.System, mapping.Column, mapping.MappingTable)
			}
			if mapping.MappingSource == "" || mapping.MappingTarget == "" {
				return nil, ErrValidation("key mapping %s.%s requires mapping_source and mapping_target", mapping.System, mapping.Column)
			}
		}
		mapping.Normalizers = append([]string(nil), mapping.Normalizers...)
		md.keyMappings = append(md.keyMappings, mapping)
	}

	sort.Strings(md.entityOrder)
	sort.Strings(md.tableOrder)
	sort.Strings(md.ruleOrder)
	sort.Strings(md.metricOrder)
	return md, nil
}

// Entity returns the entity with the given id.
func (m *Metadata) Entity(id string) (Entity, bool) {
	entity, ok := m.entities[id]
	if !ok {
		return Entity{}, false
	}
	entity.Grain = append([]string(nil), entity.Grain...)
	entity.Attributes = append([]string(nil), entity.Attributes...)
	return entity, true
}

// Entities returns all entities ordered by id.
func (m *Metadata) Entities() []Entity {
	out := make([]Entity, 0, len(m.entityOrder))
	for _, id := range m.entityOrder {
		entity, _ := m.Entity(id)
		out = append(out, entity)
	}
	return out
}

// Table returns the table with the given name.
func (m *Metadata) Table(name string) (Table, bool) {
	table, ok := m.tables[name]
	if !ok {
		return Table{}, false
	}
	return table.clone(), true
}

// Tables returns all tables ordered by name.
func (m *Metadata) Tables() []Table {
	out := make([]Table, 0, len(m.tableOrder))
	for _, name := range m.tableOrder {
		out = append(out, m.tables[name].clone())
	}
	return out
}

// TableFor resolves the table backing an entity in a system. Ties are broken by table name.
func (m *Metadata) TableFor(system, entity string) (Table, error) {
	for _, name := range m.tableOrder {
		table := m.tables[name]
		if table.System == system && table.Entity == entity {
			return table.clone(), nil
		}
	}
	return Table{}, &TableNotFoundError{System: system, Entity: entity}
}

// Rule returns the rule with the given id or a RuleNotFoundError.
func (m *Metadata) Rule(id string) (Rule, error) {
	rule, ok := m.rules[id]
	if !ok {
		return Rule{}, &RuleNotFoundError{RuleID: id}
	}
	return rule.clone(), nil
}

// Rules returns all declared rules ordered by id.
func (m *Metadata) Rules() []Rule {
	out := make([]Rule, 0, len(m.ruleOrder))
	for _, id := range m.ruleOrder {
		out = append(out, m.rules[id].clone())
	}
	return out
}

// ResolveRule finds the rule for a (system, metric) pair: exact match, then
// case-insensitive match, then a direct-column rule inferred from a table of
// the system that carries a column named like the metric.
func (m *Metadata) ResolveRule(system, metric string) (Rule, error) {
	for _, id := range m.ruleOrder {
		rule := m.rules[id]
		if rule.System == system && rule.Metric == metric {
			return rule.clone(), nil
		}
	}
	for _, id := range m.ruleOrder {
		rule := m.rules[id]
		if strings.EqualFold(rule.System, system) && strings.EqualFold(rule.Metric, metric) {
			return rule.clone(), nil
		}
	}
	for _, name := range m.tableOrder {
		table := m.tables[name]
		if !strings.EqualFold(table.System, system) {
			continue
		}
		for _, col := range table.Columns {
			if !strings.EqualFold(col.Name, metric) {
				continue
			}
			var entities []string
			if table.Entity != "" {
				entities = []string{table.Entity}
			}
			return Rule{
				ID:          fmt.Sprintf("auto:%s:%s", table.System, metric),
				System:      table.System,
				Metric:      metric,
				Description: fmt.Sprintf("direct column %s.%s", table.Name, col.Name),
				Computation: ComputationDefinition{
					SourceEntities: entities,
					Formula:        fmt.Sprintf("SUM(%s)", col.Name),
					TargetGrain:    append([]string(nil), table.PrimaryKey...),
					SourceTable:    table.Name,
				},
				Inferred: true,
			}, nil
		}
	}
	return Rule{}, &RuleNotFoundError{System: system, Metric: metric}
}

// Metric returns the declared metric.
func (m *Metadata) Metric(id string) (Metric, bool) {
	metric, ok := m.metrics[id]
	if !ok {
		return Metric{}, false
	}
	metric.Grain = append([]string(nil), metric.Grain...)
	return metric, true
}

// MetricOrDefault returns the declared metric, or one with default precision and null policy.
func (m *Metadata) MetricOrDefault(id string) Metric {
	if metric, ok := m.Metric(id); ok {
		return metric
	}
	if metric, ok := m.metricFold(id); ok {
		return metric
	}
	return Metric{ID: id, Precision: DefaultPrecision, NullPolicy: NullAsZero}
}

func (m *Metadata) metricFold(id string) (Metric, bool) {
	for _, key := range m.metricOrder {
		if strings.EqualFold(key, id) {
			return m.Metric(key)
		}
	}
	return Metric{}, false
}

// Lineage returns a copy of every declared lineage edge.
func (m *Metadata) Lineage() []LineageEdge {
	out := make([]LineageEdge, len(m.lineage))
	for i, edge := range m.lineage {
		edge.Keys = append([]KeyPair(nil), edge.Keys...)
		out[i] = edge
	}
	return out
}

// EdgeBetween returns the lineage edge connecting two tables, oriented from -> to.
func (m *Metadata) EdgeBetween(from, to string) (LineageEdge, bool) {
	for _, edge := range m.lineage {
		if edge.From == from && edge.To == to {
			edge.Keys = append([]KeyPair(nil), edge.Keys...)
			return edge, true
		}
		if edge.From == to && edge.To == from {
			return edge.Reversed(), true
		}
	}
	return LineageEdge{}, false
}

// EdgesFrom returns every lineage edge touching a table, oriented away from it.
func (m *Metadata) EdgesFrom(table string) []LineageEdge {
	var out []LineageEdge
	for _, edge := range m.lineage {
		switch table {
		case edge.From:
			edge.Keys = append([]KeyPair(nil), edge.Keys...)
			out = append(out, edge)
		case edge.To:
			out = append(out, edge.Reversed())
		}
	}
	return out
}

// KeyMappingsFor returns the key mappings declared for a system in declaration order.
func (m *Metadata) KeyMappingsFor(system string) []KeyMapping {
	var out []KeyMapping
	for _, mapping := range m.keyMappings {
		if mapping.System == system {
			mapping.Normalizers = append([]string(nil), mapping.Normalizers...)
			out = append(out, mapping)
		}
	}
	return out
}
