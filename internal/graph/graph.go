// Package graph defines the workflow graph's node/edge shape, the JSON
// wire format it is persisted as, and the validation run at save/publish
// time. Node kinds are a tagged variant: the Execute contract in
// internal/executor is the single polymorphism point, not inheritance.
package graph

import (
	"encoding/json"
	"fmt"
)

// NodeType tags a node's kind. The dispatcher in internal/executor selects
// an Executor by this tag.
type NodeType string

const (
	NodeHTTP        NodeType = "HTTP"
	NodeCode        NodeType = "CODE"
	NodeDelay       NodeType = "DELAY"
	NodeWebhookWait NodeType = "WEBHOOK_WAIT"
	NodeRouter      NodeType = "ROUTER"
	NodeLLM         NodeType = "LLM"
	NodeSubflow     NodeType = "SUBFLOW"
	NodeMap         NodeType = "MAP"
)

// RouterMode controls how many matched conditions schedule successors.
type RouterMode string

const (
	RouterFirstMatch RouterMode = "first_match"
	RouterBroadcast  RouterMode = "broadcast"
)

// RetryPolicy is a node's retry setting. Only MaxAttempts is read: it sets
// the orchestrator-level task attempt budget (default 1). BaseDelayMs and
// MaxDelayMs are not read; executors always use the engine-wide policy
// from internal/config.ExecutorConfig.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts,omitempty"`
	BaseDelayMs int `json:"base_delay_ms,omitempty"`
	MaxDelayMs  int `json:"max_delay_ms,omitempty"`
}

// RouterCondition is one named predicate evaluated against `value`.
type RouterCondition struct {
	ID         string `json:"id"`
	Expression string `json:"expression"` // JS predicate, `value` bound
}

// Node is one vertex in the graph. Config fields relevant to only some
// node types are grouped into kind-specific sub-structs, left nil when
// inapplicable.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
	Retry  *RetryPolicy    `json:"retry,omitempty"`

	// ROUTER-only.
	RouteBy    string            `json:"route_by,omitempty"`
	Conditions []RouterCondition `json:"conditions,omitempty"`
	Default    string            `json:"default,omitempty"`
	Mode       RouterMode        `json:"mode,omitempty"`

	// MAP-only.
	MapConfig *MapConfig `json:"map_config,omitempty"`

	// SUBFLOW-only.
	SubflowConfig *SubflowConfig `json:"subflow_config,omitempty"`

	// WEBHOOK_WAIT-only.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// DELAY-only.
	DelayMs int64 `json:"delay_ms,omitempty"`
}

// MapConfig configures a MAP node's child fan-out.
type MapConfig struct {
	ChildWorkflowID  int    `json:"child_workflow_id"`
	ChildVersionID   string `json:"child_version_id,omitempty"`
	ItemsExpr        string `json:"items_expr"` // template resolving to a JSON array
	ConcurrencyLimit int    `json:"concurrency_limit"`
	FailFast         bool   `json:"fail_fast"`
	TimeoutMs        int64  `json:"timeout_ms,omitempty"`
}

// SubflowConfig configures a SUBFLOW node's child invocation.
type SubflowConfig struct {
	ChildWorkflowID int    `json:"child_workflow_id"`
	ChildVersionID  string `json:"child_version_id,omitempty"`
	InputExpr       string `json:"input_expr,omitempty"`
}

// Edge connects source to target, optionally gated by a handle (required
// for ROUTER; conventional success/error handles for MAP and SUBFLOW).
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// Graph is the full node/edge set, the unit stored verbatim on a Run as
// `snapshot_graph`.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Compiled is a Graph plus indices useful at dispatch/orchestration time.
type Compiled struct {
	Graph       Graph
	NodesByID   map[string]*Node
	OutEdges    map[string][]Edge // source node id -> outgoing edges
	InEdges     map[string][]Edge // target node id -> incoming edges
}

// Parse decodes and compiles a raw JSON graph, validating it per the
// invariants in SPEC_FULL.md §3.
func Parse(raw []byte) (*Compiled, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return Compile(g)
}

// Compile builds indices over g and validates it.
func Compile(g Graph) (*Compiled, error) {
	c := &Compiled{
		Graph:     g,
		NodesByID: make(map[string]*Node, len(g.Nodes)),
		OutEdges:  make(map[string][]Edge),
		InEdges:   make(map[string][]Edge),
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node at index %d has empty id", i)
		}
		if _, dup := c.NodesByID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id: %s", n.ID)
		}
		c.NodesByID[n.ID] = n
	}

	for _, e := range g.Edges {
		if _, ok := c.NodesByID[e.Source]; !ok {
			return nil, fmt.Errorf("edge source %q does not resolve to a node", e.Source)
		}
		if _, ok := c.NodesByID[e.Target]; !ok {
			return nil, fmt.Errorf("edge target %q does not resolve to a node", e.Target)
		}
		c.OutEdges[e.Source] = append(c.OutEdges[e.Source], e)
		c.InEdges[e.Target] = append(c.InEdges[e.Target], e)
	}

	for _, n := range g.Nodes {
		if n.Type == NodeRouter && len(n.Conditions) == 0 && n.Default == "" {
			return nil, fmt.Errorf("router node %s declares no conditions and no default", n.ID)
		}
	}

	if err := validateEntryAndTerminal(c); err != nil {
		return nil, err
	}
	if err := detectCycles(c); err != nil {
		return nil, err
	}

	return c, nil
}

// EntryNodes returns nodes with no incoming edges — the initial frontier.
func (c *Compiled) EntryNodes() []*Node {
	var entries []*Node
	for _, n := range c.Graph.Nodes {
		if len(c.InEdges[n.ID]) == 0 {
			entries = append(entries, c.NodesByID[n.ID])
		}
	}
	return entries
}

// TerminalNodes returns nodes with no outgoing edges.
func (c *Compiled) TerminalNodes() []*Node {
	var terms []*Node
	for _, n := range c.Graph.Nodes {
		if len(c.OutEdges[n.ID]) == 0 {
			terms = append(terms, c.NodesByID[n.ID])
		}
	}
	return terms
}

func validateEntryAndTerminal(c *Compiled) error {
	if len(c.Graph.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	if len(c.EntryNodes()) == 0 {
		return fmt.Errorf("graph has no entry node (all nodes have incoming edges)")
	}
	if len(c.TerminalNodes()) == 0 {
		return fmt.Errorf("graph has no terminal node (all nodes have outgoing edges)")
	}
	return nil
}

// detectCycles runs a DFS cycle check. The spec disallows arbitrary DAG
// cycles (§1 Non-goals): there is no loop-construct exemption here, unlike
// the teacher's compiler which exempted edges re-entering a looped node.
func detectCycles(c *Compiled) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(c.Graph.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range c.OutEdges[id] {
			switch color[e.Target] {
			case gray:
				return fmt.Errorf("cycle detected through edge %s -> %s", id, e.Target)
			case white:
				if err := visit(e.Target); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range c.Graph.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
