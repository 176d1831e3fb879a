package state

import (
	"sort"

	"github.com/somesky/flocker/internal/domain"
)

// project turns the latest applied record per host into a Deployment. It
// is pure: the result depends only on the records, never on the order
// hosts reported in, and an update to one host cannot alter the projected
// node of another.
func project(records map[string]record) domain.Deployment {
	hostnames := make([]string, 0, len(records))
	for hostname := range records {
		hostnames = append(hostnames, hostname)
	}
	sort.Strings(hostnames)

	nodes := make([]domain.Node, 0, len(records))
	for _, hostname := range hostnames {
		rec := records[hostname]
		nodes = append(nodes, domain.NewNode(rec.state, rec.sequence))
	}
	return domain.Deployment{Nodes: nodes}
}
