// Package graph holds the in-memory representation of a workflow snapshot:
// typed nodes, edges, validation, and traversal helpers for the engine.
package graph

import (
	"encoding/json"
	"fmt"
)

type NodeKind string

const (
	KindTrigger   NodeKind = "trigger"
	KindAction    NodeKind = "action"
	KindCondition NodeKind = "condition"
	KindLoop      NodeKind = "loop"
	KindDelay     NodeKind = "delay"
	KindMerge     NodeKind = "merge"
)

type EdgeKind string

const (
	EdgeDefault  EdgeKind = "default"
	EdgeTrue     EdgeKind = "true"
	EdgeFalse    EdgeKind = "false"
	EdgeLoopBody EdgeKind = "loop_body"
	EdgeLoopExit EdgeKind = "loop_exit"
)

// RetryPolicy is the per-node retry configuration.
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts"`
	BackoffMs         int64   `json:"backoffMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxBackoffMs      int64   `json:"maxBackoffMs"`
}

// Node is one graph node. Data keeps the stored JSON canonical; the decoded
// kind-specific view lives in the typed fields below and only exists inside
// a run.
type Node struct {
	ID   string          `json:"id"`
	Kind NodeKind        `json:"kind"`
	Data json.RawMessage `json:"data"`

	Action    *ActionData
	Condition *ConditionData
	Loop      *LoopData
	Delay     *DelayData
}

// ActionData is the decoded form of an action (or trigger) node's data.
type ActionData struct {
	Type            string         `json:"type"`
	EmailProvider   string         `json:"emailProvider"`
	Params          map[string]any `json:"params"`
	TimeoutMs       int64          `json:"timeout"`
	Retry           RetryPolicy    `json:"retry"`
	ContinueOnError bool           `json:"-"`
}

type ConditionData struct {
	Params struct {
		Expression string `json:"expression"`
	} `json:"params"`
}

type LoopData struct {
	Params struct {
		Items           string `json:"items"`
		Concurrency     int    `json:"concurrency"`
		ContinueOnError bool   `json:"continueOnError"`
	} `json:"params"`
}

type DelayData struct {
	Params struct {
		Ms int64 `json:"ms"`
	} `json:"params"`
}

// Edge connects two nodes.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Snapshot is the frozen graph plus the values injected at enqueue time.
type Snapshot struct {
	Nodes           []Node          `json:"nodes"`
	Edges           []Edge          `json:"edges"`
	TriggerContext  json.RawMessage `json:"_trigger_context,omitempty"`
	EgressAllowlist []string        `json:"_egress_allowlist,omitempty"`
	StartFromNode   string          `json:"_start_from_node,omitempty"`
}

// Graph is a validated snapshot ready for traversal.
type Graph struct {
	Snapshot    Snapshot
	nodes       map[string]*Node
	out         map[string][]Edge
	in          map[string][]Edge
	trigger     *Node
	Unreachable []string
}

// Parse decodes and validates a snapshot. Unknown node kinds and structural
// violations are rejected here, before any node executes.
func Parse(raw []byte) (*Graph, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return Build(snap)
}

// Build validates an already-decoded snapshot.
func Build(snap Snapshot) (*Graph, error) {
	g := &Graph{
		Snapshot: snap,
		nodes:    make(map[string]*Node, len(snap.Nodes)),
		out:      make(map[string][]Edge),
		in:       make(map[string][]Edge),
	}

	for i := range snap.Nodes {
		n := &snap.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node %d has no id", i)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		if err := decodeNodeData(n); err != nil {
			return nil, err
		}
		g.nodes[n.ID] = n
	}

	seen := make(map[[3]string]bool, len(snap.Edges))
	for _, e := range snap.Edges {
		if e.Kind == "" {
			e.Kind = EdgeDefault
		}
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("edge references unknown node %q", e.To)
		}
		switch e.Kind {
		case EdgeDefault, EdgeTrue, EdgeFalse, EdgeLoopBody, EdgeLoopExit:
		default:
			return nil, fmt.Errorf("edge %s->%s has unknown kind %q", e.From, e.To, e.Kind)
		}
		key := [3]string{e.From, e.To, string(e.Kind)}
		if seen[key] {
			return nil, fmt.Errorf("duplicate edge %s->%s (%s)", e.From, e.To, e.Kind)
		}
		seen[key] = true
		g.out[e.From] = append(g.out[e.From], e)
		g.in[e.To] = append(g.in[e.To], e)
	}

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeNodeData(n *Node) error {
	data := n.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch n.Kind {
	case KindTrigger, KindAction, KindMerge:
		var a ActionData
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("node %s: decode data: %w", n.ID, err)
		}
		a.ContinueOnError = paramBool(a.Params, "continueOnError")
		if a.Retry.MaxAttempts < 1 {
			a.Retry.MaxAttempts = 1
		}
		if a.Retry.BackoffMultiplier == 0 {
			a.Retry.BackoffMultiplier = 1
		}
		n.Action = &a
	case KindCondition:
		var c ConditionData
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("node %s: decode data: %w", n.ID, err)
		}
		if c.Params.Expression == "" {
			return fmt.Errorf("condition node %s has no expression", n.ID)
		}
		n.Condition = &c
	case KindLoop:
		var l LoopData
		if err := json.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("node %s: decode data: %w", n.ID, err)
		}
		if l.Params.Items == "" {
			return fmt.Errorf("loop node %s has no items", n.ID)
		}
		if l.Params.Concurrency < 1 {
			l.Params.Concurrency = 1
		}
		n.Loop = &l
	case KindDelay:
		var d DelayData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("node %s: decode data: %w", n.ID, err)
		}
		n.Delay = &d
	default:
		return fmt.Errorf("node %s has unknown kind %q", n.ID, n.Kind)
	}
	return nil
}

func paramBool(params map[string]any, key string) bool {
	if params == nil {
		return false
	}
	v, ok := params[key].(bool)
	return ok && v
}

func (g *Graph) validate() error {
	var triggers []*Node
	for _, n := range g.nodes {
		switch n.Kind {
		case KindTrigger:
			triggers = append(triggers, n)
		case KindCondition:
			if len(g.Successors(n.ID, EdgeTrue)) != 1 || len(g.Successors(n.ID, EdgeFalse)) != 1 {
				return fmt.Errorf("condition node %s needs exactly one true and one false edge", n.ID)
			}
		case KindLoop:
			if len(g.Successors(n.ID, EdgeLoopBody)) != 1 || len(g.Successors(n.ID, EdgeLoopExit)) != 1 {
				return fmt.Errorf("loop node %s needs exactly one loop_body and one loop_exit edge", n.ID)
			}
		}
	}
	if len(triggers) == 0 {
		return fmt.Errorf("graph has no trigger node")
	}
	// A second trigger is always ambiguous: either it is reachable from the
	// first (two roots on one path) or it is disconnected and the executed
	// root would depend on map iteration order.
	if len(triggers) > 1 {
		return fmt.Errorf("graph must have exactly one trigger, found %d", len(triggers))
	}
	g.trigger = triggers[0]

	// Nodes unreachable from the trigger are recorded and ignored at runtime.
	reachable := g.reach(g.trigger.ID)
	for id := range g.nodes {
		if !reachable[id] {
			g.Unreachable = append(g.Unreachable, id)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return err
	}

	if start := g.Snapshot.StartFromNode; start != "" {
		if _, ok := g.nodes[start]; !ok {
			return fmt.Errorf("start node %q does not exist", start)
		}
	}
	return nil
}

func (g *Graph) reach(from string) map[string]bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.out[id] {
			if !seen[e.To] {
				seen[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	return seen
}

// checkAcyclic verifies the graph is a DAG when loop_body back-edges are
// excluded. Loops are a structural primitive: the engine expands a loop body
// per iteration and never walks the back-edge, so only the forward edges
// need to be cycle-free.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range g.out[id] {
			if e.Kind == EdgeLoopBody {
				continue
			}
			switch color[e.To] {
			case gray:
				return fmt.Errorf("cycle through %s -> %s", id, e.To)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range g.nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Trigger returns the reachable trigger node.
func (g *Graph) Trigger() *Node { return g.trigger }

// Start returns the node execution begins at: _start_from_node when set,
// otherwise the trigger.
func (g *Graph) Start() *Node {
	if id := g.Snapshot.StartFromNode; id != "" {
		return g.nodes[id]
	}
	return g.trigger
}

// Successors returns the nodes reached over edges of the given kind, in
// edge order. Order is stable so parallel fan-out is deterministic.
func (g *Graph) Successors(id string, kind EdgeKind) []*Node {
	var out []*Node
	for _, e := range g.out[id] {
		if e.Kind == kind {
			out = append(out, g.nodes[e.To])
		}
	}
	return out
}

// Predecessors returns the incoming edges of a node.
func (g *Graph) Predecessors(id string) []Edge { return g.in[id] }

// IsMergePoint reports whether the node joins two or more default branches.
func (g *Graph) IsMergePoint(id string) bool {
	count := 0
	for _, e := range g.in[id] {
		if e.Kind == EdgeDefault {
			count++
		}
	}
	return count >= 2
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }
