package transfer

import (
	"fmt"
	"sort"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/errors"
)

// Node holds the relays of one host: a Sender for channels leaving it and a
// Receiver for channels arriving at it. Either is nil when unused.
type Node struct {
	ID       string
	Sender   *Relay
	Receiver *Relay
}

// NewNode validates set and builds nodeID's relays.
func NewNode(nodeID string, set *channel.Set, cfg Config, opts ...Option) (*Node, error) {
	if nodeID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty node id", errors.ErrInvalidConfig), "Node", "New", "validate node")
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	n := &Node{ID: nodeID}
	in, out := set.ForNode(nodeID)
	if len(out) > 0 {
		r, err := NewRelay("sender."+nodeID, Sender, out, cfg, opts...)
		if err != nil {
			return nil, err
		}
		n.Sender = r
	}
	if len(in) > 0 {
		r, err := NewRelay("receiver."+nodeID, Receiver, in, cfg, opts...)
		if err != nil {
			return nil, err
		}
		n.Receiver = r
	}
	return n, nil
}

// Relays returns the node's non-nil relays, sender first.
func (n *Node) Relays() []*Relay {
	var out []*Relay
	if n.Sender != nil {
		out = append(out, n.Sender)
	}
	if n.Receiver != nil {
		out = append(out, n.Receiver)
	}
	return out
}

// Plan is the set of nodes taking part in one job.
type Plan struct {
	nodes map[string]*Node
}

// NewPlan returns an empty plan.
func NewPlan() *Plan {
	return &Plan{nodes: make(map[string]*Node)}
}

// Add registers n. A second node with the same id is fatal.
func (p *Plan) Add(n *Node) error {
	if _, dup := p.nodes[n.ID]; dup {
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrDuplicateNode, n.ID),
			"Plan", "Add", "register node")
	}
	p.nodes[n.ID] = n
	return nil
}

// Node returns the node with the given id.
func (p *Plan) Node(id string) (*Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// NodeIDs returns node ids in sorted order.
func (p *Plan) NodeIDs() []string {
	ids := make([]string, 0, len(p.nodes))
	for id := range p.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BuildPlan creates a node for every id in nodeIDs from the same set.
func BuildPlan(set *channel.Set, nodeIDs []string, cfg Config, opts ...Option) (*Plan, error) {
	p := NewPlan()
	for _, id := range nodeIDs {
		n, err := NewNode(id, set, cfg, opts...)
		if err != nil {
			return nil, err
		}
		if err := p.Add(n); err != nil {
			return nil, err
		}
	}
	return p, nil
}
