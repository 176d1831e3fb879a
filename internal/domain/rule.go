package domain

import (
	"fmt"
	"sort"
)

// Protocol is a transport protocol a rule forwards.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// RuleKey is the primary key of a forwarding rule. At most one live rule
// may exist per key at any instant; ambiguous forwarding is disallowed by
// construction.
type RuleKey struct {
	Protocol     Protocol
	ExternalPort int
}

func (k RuleKey) String() string {
	return fmt.Sprintf("%s/%d", k.Protocol, k.ExternalPort)
}

// RoutingRule forwards traffic arriving on (Protocol, ExternalPort) on any
// cluster node to TargetHost:TargetPort.
type RoutingRule struct {
	Protocol     Protocol
	ExternalPort int
	TargetHost   string
	TargetPort   int
}

func (r RoutingRule) Key() RuleKey {
	return RuleKey{Protocol: r.Protocol, ExternalPort: r.ExternalPort}
}

func (r RoutingRule) Equal(other RoutingRule) bool {
	return r == other
}

func (r RoutingRule) Render() string {
	return fmt.Sprintf("%s/%d -> %s:%d", r.Protocol, r.ExternalPort, r.TargetHost, r.TargetPort)
}

// RulePlan is the complete target rule set for one synchronization cycle,
// keyed so there is exactly one rule per (protocol, external port).
type RulePlan struct {
	rules map[RuleKey]RoutingRule
}

func NewRulePlan(rules ...RoutingRule) *RulePlan {
	p := &RulePlan{rules: make(map[RuleKey]RoutingRule, len(rules))}
	for _, r := range rules {
		p.rules[r.Key()] = r
	}
	return p
}

func (p *RulePlan) Put(r RoutingRule) {
	p.rules[r.Key()] = r
}

func (p *RulePlan) Get(key RuleKey) (RoutingRule, bool) {
	r, ok := p.rules[key]
	return r, ok
}

func (p *RulePlan) Len() int {
	return len(p.rules)
}

// Rules returns the plan's rules ordered by key, so callers iterate
// deterministically.
func (p *RulePlan) Rules() []RoutingRule {
	out := make([]RoutingRule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r)
	}
	SortRules(out)
	return out
}

func (p *RulePlan) Equal(other *RulePlan) bool {
	if p.Len() != other.Len() {
		return false
	}
	for key, r := range p.rules {
		o, ok := other.rules[key]
		if !ok || !r.Equal(o) {
			return false
		}
	}
	return true
}

// SortRules orders rules by protocol then external port.
func SortRules(rules []RoutingRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Protocol != rules[j].Protocol {
			return rules[i].Protocol < rules[j].Protocol
		}
		return rules[i].ExternalPort < rules[j].ExternalPort
	})
}
