package plan

import (
	"github.com/rs/zerolog"

	"github.com/somesky/flocker/internal/domain"
)

// claim is one node's bid for a rule key during compilation.
type claim struct {
	rule     domain.RoutingRule
	sequence uint64
	hostname string
}

// Compile derives the target rule set from a deployment snapshot and the
// declared service exposures. Every running application contributes one
// rule per exposure declared for its name; applications present only as
// not-running contribute nothing, which is how traffic withdrawal is
// expressed.
//
// When two nodes claim the same (protocol, external port), the node with
// the higher report sequence wins, ties broken by lexicographically
// smaller hostname. Conflicts are resolved, never surfaced as errors.
func Compile(deployment domain.Deployment, services domain.ServiceMap, logger zerolog.Logger) *domain.RulePlan {
	winners := make(map[domain.RuleKey]claim)

	for _, node := range deployment.Nodes {
		for _, app := range node.Running {
			for _, exposure := range services.ExposuresFor(app.Name) {
				next := claim{
					rule: domain.RoutingRule{
						Protocol:     exposure.Protocol,
						ExternalPort: exposure.ExternalPort,
						TargetHost:   node.Hostname,
						TargetPort:   exposure.InternalPort,
					},
					sequence: node.Sequence,
					hostname: node.Hostname,
				}
				key := next.rule.Key()
				current, contested := winners[key]
				if !contested {
					winners[key] = next
					continue
				}
				if preferClaim(next, current) {
					logger.Warn().
						Str("key", key.String()).
						Str("evicted_host", current.hostname).
						Str("winning_host", next.hostname).
						Msg("duplicate external port claim, newer report wins")
					winners[key] = next
				} else {
					logger.Warn().
						Str("key", key.String()).
						Str("losing_host", next.hostname).
						Str("winning_host", current.hostname).
						Msg("duplicate external port claim, keeping existing winner")
				}
			}
		}
	}

	compiled := domain.NewRulePlan()
	for _, c := range winners {
		compiled.Put(c.rule)
	}
	return compiled
}

// preferClaim is the total order used to resolve duplicate port claims.
// Any deterministic total order would do; this one prefers freshness.
func preferClaim(a, b claim) bool {
	if a.sequence != b.sequence {
		return a.sequence > b.sequence
	}
	return a.hostname < b.hostname
}
