package domain

// NodeState is one host's report of what is running locally. It is always
// replaced wholesale; there is no field-level merge.
type NodeState struct {
	Hostname   string
	Running    []Application
	NotRunning []Application
}

// Applications returns the union of the running and not-running lists.
// Structurally equal duplicates collapse to a single membership.
func (ns NodeState) Applications() []Application {
	seen := make(map[string]struct{}, len(ns.Running)+len(ns.NotRunning))
	var union []Application
	for _, app := range ns.Running {
		if _, ok := seen[app.Key()]; ok {
			continue
		}
		seen[app.Key()] = struct{}{}
		union = append(union, app)
	}
	for _, app := range ns.NotRunning {
		if _, ok := seen[app.Key()]; ok {
			continue
		}
		seen[app.Key()] = struct{}{}
		union = append(union, app)
	}
	return union
}

// Node is the projected view of one host: the application union plus the
// running subset the rule compiler consumes. Nodes are derived from a
// NodeState, never constructed from a report directly.
type Node struct {
	Hostname     string
	Sequence     uint64
	Applications []Application
	Running      []Application
}

// NewNode derives a Node from a host's latest report and the sequence
// number that report carried.
func NewNode(state NodeState, sequence uint64) Node {
	running := make([]Application, len(state.Running))
	copy(running, state.Running)
	return Node{
		Hostname:     state.Hostname,
		Sequence:     sequence,
		Applications: state.Applications(),
		Running:      running,
	}
}

// Equal compares hostname and both application sets, ignoring order.
// Sequence is routing metadata, not content, and does not participate.
func (n Node) Equal(other Node) bool {
	return n.Hostname == other.Hostname &&
		sameApplicationSet(n.Applications, other.Applications) &&
		sameApplicationSet(n.Running, other.Running)
}

func sameApplicationSet(a, b []Application) bool {
	as := make(map[string]struct{}, len(a))
	for _, app := range a {
		as[app.Key()] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, app := range b {
		bs[app.Key()] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for k := range as {
		if _, ok := bs[k]; !ok {
			return false
		}
	}
	return true
}

// Deployment is the cluster-wide snapshot: one Node per host ever
// reported. It is an unordered set.
type Deployment struct {
	Nodes []Node
}

// Node returns the node for a hostname, if present.
func (d Deployment) Node(hostname string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.Hostname == hostname {
			return n, true
		}
	}
	return Node{}, false
}

// Equal is independent of the order nodes were reported or stored in.
func (d Deployment) Equal(other Deployment) bool {
	if len(d.Nodes) != len(other.Nodes) {
		return false
	}
	for _, n := range d.Nodes {
		o, ok := other.Node(n.Hostname)
		if !ok || !n.Equal(o) {
			return false
		}
	}
	return true
}
