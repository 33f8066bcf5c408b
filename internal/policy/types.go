// Package policy implements the egress access-control decision behind
// spec.md §4.1's permitted(ip, port) -> bool contract: an ordered list of
// CIDR/port rules evaluated against a destination, with a configurable
// default action when nothing matches. The rule-list shape (Name, Type,
// Params, evaluated in order) is carried over from internal/policy/engine.go
// and internal/policy/rules.go, re-pointed from certificate findings at
// egress destinations.
package policy

// RuleType names one of the rule kinds Engine understands.
type RuleType string

const (
	RuleAllowCIDR RuleType = "allowCIDR"
	RuleDenyCIDR  RuleType = "denyCIDR"
	RuleAllowPort RuleType = "allowPort"
	RuleDenyPort  RuleType = "denyPort"
)

// Rule is one line of policy, matched in the order it appears in Spec.Rules.
type Rule struct {
	Name   string            `yaml:"name"`
	Type   RuleType          `yaml:"type"`
	Params map[string]string `yaml:"params"`
}

// Spec is the on-disk policy description: a default action plus an ordered
// rule list, first match wins.
type Spec struct {
	DefaultAction string `yaml:"defaultAction"` // "allow" or "deny"; empty means "deny"
	Rules         []Rule `yaml:"rules"`
}
