package policy

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

// Engine evaluates a compiled Spec against destinations. It implements the
// socks5 package's Policy interface: Permitted(ip, port) is total, pure, and
// non-blocking — rule matching is in-memory CIDR/port containment, nothing
// else.
type Engine struct {
	rules        []compiledRule
	defaultAllow bool

	mu   sync.Mutex
	hits map[string]uint64
}

// NewEngine compiles a Spec into an Engine, failing fast on any rule that
// doesn't parse (bad CIDR, bad port, unknown type) or an unrecognized
// defaultAction.
func NewEngine(spec Spec) (*Engine, error) {
	var defaultAllow bool
	switch strings.ToLower(spec.DefaultAction) {
	case "", "deny":
		defaultAllow = false
	case "allow":
		defaultAllow = true
	default:
		return nil, fmt.Errorf("policy: unknown defaultAction %q", spec.DefaultAction)
	}

	rules := make([]compiledRule, len(spec.Rules))
	for i := range spec.Rules {
		cr, err := compileRule(&spec.Rules[i])
		if err != nil {
			name := spec.Rules[i].Name
			if name == "" {
				name = fmt.Sprintf("rule[%d]", i)
			}
			return nil, fmt.Errorf("policy: %s: %w", name, err)
		}
		rules[i] = cr
	}

	return &Engine{rules: rules, defaultAllow: defaultAllow, hits: make(map[string]uint64)}, nil
}

// Permitted returns whether ip:port may be dialed. The first rule that
// matches decides the outcome; if none match, DefaultAction decides.
func (e *Engine) Permitted(ip net.IP, port uint16) bool {
	for i := range e.rules {
		if e.rules[i].matches(ip, port) {
			e.bump(e.rules[i].name)
			return e.rules[i].allows()
		}
	}
	return e.defaultAllow
}

func (e *Engine) bump(name string) {
	if name == "" {
		return
	}
	e.mu.Lock()
	e.hits[name]++
	e.mu.Unlock()
}

// Hits returns a copy of the per-rule match counters, supplementing
// spec.md's stats surface with which rule is deciding traffic (see
// SPEC_FULL.md §4 "Per-rule policy hit counting").
func (e *Engine) Hits() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]uint64, len(e.hits))
	for k, v := range e.hits {
		out[k] = v
	}
	return out
}
