package loyalty

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/kkkkikiki/loyalty/internal/model"
)

//go:embed rules.yaml
var defaultRules []byte

// CounterName selects which profile counter a milestone rule watches
type CounterName string

const (
	CounterIndividualServices CounterName = "individual_services"
	CounterPackages           CounterName = "packages"
)

const defaultValidMonths = 12

// Rule is one row of the reward rule table
type Rule struct {
	Name        string             `yaml:"name"`
	Type        model.DiscountType `yaml:"type"`
	Counter     CounterName        `yaml:"counter,omitempty"`
	Threshold   int                `yaml:"threshold,omitempty"`
	Amount      float64            `yaml:"amount"`
	ValidMonths int                `yaml:"valid_months,omitempty"`
	Reason      string             `yaml:"reason"`
	// Condition is an optional CEL guard over individual_services,
	// packages and total_spent.
	Condition   string `yaml:"condition,omitempty"`
	OncePerYear bool   `yaml:"once_per_year,omitempty"`
	// AwaitsReferee holds the discount until the referred client completes
	// a first visit. Only valid on manually granted rules.
	AwaitsReferee bool `yaml:"awaits_referee,omitempty"`

	program cel.Program
}

// IsMilestone reports whether the rule is driven by a counter threshold
func (r *Rule) IsMilestone() bool {
	return r.Counter != ""
}

// RuleTable holds the compiled reward rules
type RuleTable struct {
	Rules []Rule `yaml:"rules"`
}

// Grant is a reward the evaluator decided to issue
type Grant struct {
	Rule      *Rule
	Type      model.DiscountType
	Amount    float64
	Reason    string
	Milestone int
}

// DefaultRules returns the built-in rule table
func DefaultRules() (*RuleTable, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads a rule table from a YAML file. An empty path yields the
// built-in table.
func LoadRules(path string) (*RuleTable, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule table: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes, validates and compiles a YAML rule table
func ParseRules(data []byte) (*RuleTable, error) {
	var table RuleTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse rule table: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("individual_services", cel.IntType),
		cel.Variable("packages", cel.IntType),
		cel.Variable("total_spent", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule environment: %w", err)
	}

	names := make(map[string]bool)
	types := make(map[model.DiscountType]bool)
	for i := range table.Rules {
		r := &table.Rules[i]
		if r.Name == "" || r.Type == "" {
			return nil, fmt.Errorf("rule %d: name and type are required", i)
		}
		if names[r.Name] {
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		// issued discounts are matched to rules by type
		if types[r.Type] {
			return nil, fmt.Errorf("rule %q: duplicate discount type %q", r.Name, r.Type)
		}
		names[r.Name] = true
		types[r.Type] = true

		if r.Amount <= 0 {
			return nil, fmt.Errorf("rule %q: amount must be positive", r.Name)
		}
		if r.ValidMonths == 0 {
			r.ValidMonths = defaultValidMonths
		}
		switch r.Counter {
		case "":
		case CounterIndividualServices, CounterPackages:
			if r.Threshold <= 0 {
				return nil, fmt.Errorf("rule %q: threshold must be positive", r.Name)
			}
		default:
			return nil, fmt.Errorf("rule %q: unknown counter %q", r.Name, r.Counter)
		}
		if r.AwaitsReferee && r.IsMilestone() {
			return nil, fmt.Errorf("rule %q: milestone rules cannot await a referee", r.Name)
		}

		if r.Condition != "" {
			ast, iss := env.Compile(r.Condition)
			if iss != nil && iss.Err() != nil {
				return nil, fmt.Errorf("rule %q: invalid condition: %w", r.Name, iss.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid condition: %w", r.Name, err)
			}
			r.program = prg
		}
	}
	return &table, nil
}

// Manual returns the non-milestone rule issuing the given discount type
func (t *RuleTable) Manual(discountType model.DiscountType) (*Rule, bool) {
	for i := range t.Rules {
		r := &t.Rules[i]
		if !r.IsMilestone() && r.Type == discountType {
			return r, true
		}
	}
	return nil, false
}

// ForType returns the rule issuing the given discount type
func (t *RuleTable) ForType(discountType model.DiscountType) (*Rule, bool) {
	for i := range t.Rules {
		if t.Rules[i].Type == discountType {
			return &t.Rules[i], true
		}
	}
	return nil, false
}

// Evaluate returns the grants newly unlocked by the counters. A milestone
// rule earns floor(counter/threshold) discounts in total; discounts of the
// rule's type already present in history, whatever their status, are
// subtracted so that no milestone is ever granted twice.
func (t *RuleTable) Evaluate(c Counters, history []model.Discount) ([]Grant, error) {
	issued := make(map[model.DiscountType]int)
	for _, d := range history {
		issued[d.Type]++
	}

	var grants []Grant
	for i := range t.Rules {
		r := &t.Rules[i]
		if !r.IsMilestone() {
			continue
		}

		ok, err := r.allows(c)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		earned := r.counterValue(c) / r.Threshold
		for n := issued[r.Type]; n < earned; n++ {
			milestone := (n + 1) * r.Threshold
			grants = append(grants, Grant{
				Rule:      r,
				Type:      r.Type,
				Amount:    r.Amount,
				Reason:    fmt.Sprintf("%s (milestone %d)", r.Reason, milestone),
				Milestone: milestone,
			})
		}
	}
	return grants, nil
}

func (r *Rule) counterValue(c Counters) int {
	switch r.Counter {
	case CounterIndividualServices:
		return c.IndividualCount
	case CounterPackages:
		return c.PackageCount
	}
	return 0
}

func (r *Rule) allows(c Counters) (bool, error) {
	if r.program == nil {
		return true, nil
	}
	out, _, err := r.program.Eval(map[string]interface{}{
		"individual_services": int64(c.IndividualCount),
		"packages":            int64(c.PackageCount),
		"total_spent":         c.TotalSpent,
	})
	if err != nil {
		return false, fmt.Errorf("rule %q: failed to evaluate condition: %w", r.Name, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q: condition must evaluate to bool", r.Name)
	}
	return b, nil
}
