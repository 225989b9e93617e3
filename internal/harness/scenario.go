package harness

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/isocheck/internal/conflict"
	"github.com/roach88/isocheck/internal/ir"
	"github.com/roach88/isocheck/internal/isolation"
	"github.com/roach88/isocheck/internal/store"
)

// Scenario is one isolation test: a seeded table, a set of transactions
// with their interleave points, and what to expect at each level.
type Scenario struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description"`
	Level        isolation.Level  `yaml:"level"`
	Table        store.Table      `yaml:"table"`
	Rows         []map[string]any `yaml:"rows"`
	Points       []Point          `yaml:"points"`
	Transactions []Transaction    `yaml:"transactions"`
	Expect       Expect           `yaml:"expect"`
}

// Point declares an interleave point.
type Point struct {
	Name         string   `yaml:"name"`
	Participants []string `yaml:"participants"`
	ReleaseOrder []string `yaml:"release_order,omitempty"`
}

// Transaction is the ordered steps of one participant.
type Transaction struct {
	ID    string `yaml:"id"`
	Steps []Step `yaml:"steps"`
}

// Step is a single action. Exactly one field is set.
type Step struct {
	Capture   *CaptureStep   `yaml:"capture,omitempty"`
	Read      *ReadStep      `yaml:"read,omitempty"`
	Aggregate *AggregateStep `yaml:"aggregate,omitempty"`
	Insert    *InsertStep    `yaml:"insert,omitempty"`
	Update    *UpdateStep    `yaml:"update,omitempty"`
	Delete    *DeleteStep    `yaml:"delete,omitempty"`
	Wait      string         `yaml:"wait,omitempty"`
	Commit    bool           `yaml:"commit,omitempty"`
	Rollback  bool           `yaml:"rollback,omitempty"`
}

// CaptureStep reads the rows matching Where and keeps them as a snapshot.
type CaptureStep struct {
	Label string         `yaml:"label"`
	Where map[string]any `yaml:"where,omitempty"`
}

// ReadStep reads without keeping a snapshot.
type ReadStep struct {
	Where map[string]any `yaml:"where,omitempty"`
}

// AggregateStep computes a sum or count, optionally binding it to a
// variable.
type AggregateStep struct {
	Func   store.AggFunc  `yaml:"func"`
	Column string         `yaml:"column,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	As     string         `yaml:"as,omitempty"`
}

type InsertStep struct {
	Values map[string]any `yaml:"values"`
}

type UpdateStep struct {
	Where map[string]any `yaml:"where,omitempty"`
	Set   map[string]any `yaml:"set"`
}

type DeleteStep struct {
	Where map[string]any `yaml:"where,omitempty"`
}

// Expect holds what the scenario should produce. The per-level maps are
// keyed by level name in any accepted spelling; levels without an entry
// carry no expectation.
type Expect struct {
	// Phenomenon is what the scenario sets out to provoke.
	Phenomenon isolation.Phenomenon `yaml:"phenomenon,omitempty"`

	// Observed says, per level, whether Phenomenon should be observed.
	Observed map[string]bool `yaml:"observed,omitempty"`

	// Outcomes says, per level, how each transaction should end:
	// committed, serialization_failed, failed or rolled_back.
	Outcomes map[string]map[string]string `yaml:"outcomes,omitempty"`

	// Final checks the committed rows once every transaction has ended.
	Final []FinalCheck `yaml:"final,omitempty"`
}

// FinalCheck counts the committed rows matching Where.
type FinalCheck struct {
	Where map[string]any `yaml:"where,omitempty"`
	Count map[string]int `yaml:"count"`
}

// Kind names the action of a step.
func (s Step) Kind() string {
	var kinds []string
	if s.Capture != nil {
		kinds = append(kinds, "capture")
	}
	if s.Read != nil {
		kinds = append(kinds, "read")
	}
	if s.Aggregate != nil {
		kinds = append(kinds, "aggregate")
	}
	if s.Insert != nil {
		kinds = append(kinds, "insert")
	}
	if s.Update != nil {
		kinds = append(kinds, "update")
	}
	if s.Delete != nil {
		kinds = append(kinds, "delete")
	}
	if s.Wait != "" {
		kinds = append(kinds, "wait")
	}
	if s.Commit {
		kinds = append(kinds, "commit")
	}
	if s.Rollback {
		kinds = append(kinds, "rollback")
	}
	return strings.Join(kinds, "+")
}

// LoadScenario reads, schema-checks and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(path, data)
}

// ParseScenario is LoadScenario for data already in memory. filename is
// only used in error positions.
func ParseScenario(filename string, data []byte) (*Scenario, error) {
	if err := checkSchema(filename, data); err != nil {
		return nil, err
	}

	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", sc.Name, err)
	}
	return &sc, nil
}

var varRef = regexp.MustCompile(`^\$([A-Za-z_][A-Za-z0-9_]*)$`)

// variable returns the name v refers to when it is a "$name" string.
func variable(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	m := varRef.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// validateScenario checks what the schema cannot: references between
// points and transactions, values against the table, and variables.
// Values are normalized in place.
func validateScenario(s *Scenario) error {
	if !s.Level.Valid() {
		return fmt.Errorf("level is required")
	}
	if err := s.Table.Validate(); err != nil {
		return err
	}
	for i, row := range s.Rows {
		checked, err := s.Table.CheckValues(row, true)
		if err != nil {
			return fmt.Errorf("rows[%d]: %w", i, err)
		}
		s.Rows[i] = checked
	}

	if len(s.Transactions) == 0 {
		return fmt.Errorf("transactions list is required and must be non-empty")
	}
	txs := make(map[string]bool, len(s.Transactions))
	for _, t := range s.Transactions {
		if t.ID == "" {
			return fmt.Errorf("transaction id is required")
		}
		if txs[t.ID] {
			return fmt.Errorf("transaction %s declared twice", t.ID)
		}
		txs[t.ID] = true
	}

	declared := make(map[string]map[string]bool, len(s.Points))
	for _, p := range s.Points {
		if _, ok := declared[p.Name]; ok {
			return fmt.Errorf("point %s declared twice", p.Name)
		}
		declared[p.Name] = make(map[string]bool, len(p.Participants))
		for _, id := range p.Participants {
			if !txs[id] {
				return fmt.Errorf("point %s: unknown participant %s", p.Name, id)
			}
			declared[p.Name][id] = true
		}
		if len(p.ReleaseOrder) > 0 && len(p.ReleaseOrder) != len(p.Participants) {
			return fmt.Errorf("point %s: release_order must list every participant", p.Name)
		}
	}

	for ti := range s.Transactions {
		if err := validateTransaction(s, &s.Transactions[ti], declared); err != nil {
			return fmt.Errorf("transaction %s: %w", s.Transactions[ti].ID, err)
		}
	}
	return validateExpect(s, txs)
}

func validateTransaction(s *Scenario, t *Transaction, declared map[string]map[string]bool) error {
	if len(t.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	labels := make(map[string]bool)
	vars := make(map[string]bool)
	ended := false

	where := func(w map[string]any) (map[string]any, error) {
		return checkValues(s.Table, w, false, vars)
	}

	for i := range t.Steps {
		step := &t.Steps[i]
		kind := step.Kind()
		if kind == "" {
			return fmt.Errorf("steps[%d]: no action", i)
		}
		if strings.Contains(kind, "+") {
			return fmt.Errorf("steps[%d]: more than one action (%s)", i, kind)
		}
		if ended && kind != "wait" {
			return fmt.Errorf("steps[%d]: %s after the transaction ended", i, kind)
		}

		var err error
		switch {
		case step.Capture != nil:
			if step.Capture.Label == "" {
				return fmt.Errorf("steps[%d]: capture label is required", i)
			}
			if labels[step.Capture.Label] {
				return fmt.Errorf("steps[%d]: duplicate capture label %q", i, step.Capture.Label)
			}
			labels[step.Capture.Label] = true
			step.Capture.Where, err = where(step.Capture.Where)
		case step.Read != nil:
			step.Read.Where, err = where(step.Read.Where)
		case step.Aggregate != nil:
			a := step.Aggregate
			if _, cerr := (store.Aggregate{Func: a.Func, Table: s.Table.Name, Column: a.Column}).Check(s.Table); cerr != nil {
				err = cerr
				break
			}
			a.Where, err = where(a.Where)
			if err == nil && a.As != "" {
				vars[a.As] = true
			}
		case step.Insert != nil:
			step.Insert.Values, err = checkValues(s.Table, step.Insert.Values, true, vars)
		case step.Update != nil:
			if len(step.Update.Set) == 0 {
				err = fmt.Errorf("update has nothing to set")
				break
			}
			step.Update.Set, err = checkValues(s.Table, step.Update.Set, false, vars)
			if err == nil {
				step.Update.Where, err = where(step.Update.Where)
			}
		case step.Delete != nil:
			step.Delete.Where, err = where(step.Delete.Where)
		case step.Wait != "":
			p, ok := declared[step.Wait]
			if !ok {
				return fmt.Errorf("steps[%d]: unknown point %s", i, step.Wait)
			}
			if !p[t.ID] {
				return fmt.Errorf("steps[%d]: not a participant of point %s", i, step.Wait)
			}
		case step.Commit, step.Rollback:
			ended = true
		}
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

// checkValues normalizes values against the table. Variable references are
// kept as they are and must name a variable bound by an earlier step; the
// column they feed must be an int column.
func checkValues(t store.Table, values map[string]any, complete bool, vars map[string]bool) (map[string]any, error) {
	plain := make(map[string]any, len(values))
	refs := make(map[string]any)
	for k, v := range values {
		if name, ok := variable(v); ok {
			if !vars[name] {
				return nil, fmt.Errorf("column %s: unbound variable $%s", k, name)
			}
			col, ok := t.Column(k)
			if !ok {
				return nil, fmt.Errorf("table %s: unknown column %q", t.Name, k)
			}
			if col.Type != store.ColumnInt {
				return nil, fmt.Errorf("column %s: variable $%s is an int, column is %s", k, name, col.Type)
			}
			refs[k] = v
			continue
		}
		plain[k] = v
	}

	checked, err := t.CheckValues(plain, false)
	if err != nil {
		return nil, err
	}
	for k, v := range refs {
		checked[k] = v
	}
	if complete {
		for _, c := range t.Columns {
			if _, ok := checked[c.Name]; !ok {
				return nil, fmt.Errorf("table %s: missing column %q", t.Name, c.Name)
			}
		}
	}
	if len(checked) == 0 {
		return nil, nil
	}
	return checked, nil
}

var outcomeNames = map[string]bool{
	conflict.Committed.String():           true,
	conflict.SerializationFailed.String(): true,
	conflict.Failed.String():              true,
	conflict.RolledBack.String():          true,
}

func validateExpect(s *Scenario, txs map[string]bool) error {
	e := &s.Expect
	if len(e.Observed) > 0 && !e.Phenomenon.Valid() {
		return fmt.Errorf("expect.observed needs expect.phenomenon")
	}
	if err := checkLevelKeys("expect.observed", ir.SortedKeys(e.Observed)); err != nil {
		return err
	}
	if err := checkLevelKeys("expect.outcomes", ir.SortedKeys(e.Outcomes)); err != nil {
		return err
	}
	for _, name := range ir.SortedKeys(e.Outcomes) {
		for _, id := range ir.SortedKeys(e.Outcomes[name]) {
			if !txs[id] {
				return fmt.Errorf("expect.outcomes.%s: unknown transaction %s", name, id)
			}
			if !outcomeNames[e.Outcomes[name][id]] {
				return fmt.Errorf("expect.outcomes.%s.%s: unknown outcome %q", name, id, e.Outcomes[name][id])
			}
		}
	}
	for i := range e.Final {
		f := &e.Final[i]
		where, err := s.Table.CheckValues(f.Where, false)
		if err != nil {
			return fmt.Errorf("expect.final[%d]: %w", i, err)
		}
		f.Where = where
		if err := checkLevelKeys(fmt.Sprintf("expect.final[%d].count", i), ir.SortedKeys(f.Count)); err != nil {
			return err
		}
	}
	return nil
}

// checkLevelKeys rejects unknown level names and two spellings of the same
// level.
func checkLevelKeys(field string, keys []string) error {
	seen := make(map[isolation.Level]string, len(keys))
	for _, k := range keys {
		l, err := isolation.ParseLevel(k)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if prev, ok := seen[l]; ok {
			return fmt.Errorf("%s: %q and %q name the same level", field, prev, k)
		}
		seen[l] = k
	}
	return nil
}

// forLevel returns the entry of a per-level map that applies to level.
func forLevel[V any](m map[string]V, level isolation.Level) (V, bool) {
	for k, v := range m {
		if l, err := isolation.ParseLevel(k); err == nil && l == level {
			return v, true
		}
	}
	var zero V
	return zero, false
}
