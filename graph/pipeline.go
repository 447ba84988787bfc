package graph

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/petal-labs/turnflow/core"
)

// ErrInvalidPipeline is returned when a pipeline fails validation.
var ErrInvalidPipeline = errors.New("invalid pipeline")

// Decision is the outcome of a routing predicate.
type Decision int

const (
	Continue Decision = iota
	Terminate
)

// String returns the decision name.
func (d Decision) String() string {
	if d == Terminate {
		return "terminate"
	}
	return "continue"
}

// Predicate inspects the merged state after a node and decides whether the
// turn goes on.
type Predicate func(state *core.ThreadState) Decision

// Responder builds the final response when a rule terminates the turn.
type Responder func(state *core.ThreadState) string

// Node is one stage in the pipeline.
type Node struct {
	Name      core.StageName
	DependsOn []core.StageName
	// Slot defaults to core.DefaultSlot(Name).
	Slot core.Slot
	// Timeout overrides the runner's per-stage timeout when non-zero.
	Timeout time.Duration
}

// ParallelGroup lists nodes with no data dependency on each other. Members
// must be contiguous in the node order.
type ParallelGroup struct {
	Names []core.StageName
}

// RoutingRule is evaluated after its node has been merged.
type RoutingRule struct {
	Name      string
	After     core.StageName
	Predicate Predicate
	Respond   Responder
}

// Config describes a pipeline before validation.
type Config struct {
	Nodes  []Node
	Groups []ParallelGroup
	Rules  []RoutingRule
	// Terminal is the stage whose slot carries the final response.
	// Defaults to the last node.
	Terminal core.StageName
}

// Step is one scheduling unit: a single node, or a parallel group whose
// members are sorted by name.
type Step struct {
	Nodes []Node
}

// Parallel reports whether the step fans out.
func (s Step) Parallel() bool {
	return len(s.Nodes) > 1
}

// Names returns the stage names of the step in merge order.
func (s Step) Names() []core.StageName {
	names := make([]core.StageName, len(s.Nodes))
	for i, n := range s.Nodes {
		names[i] = n.Name
	}
	return names
}

// Pipeline is a validated, immutable stage graph. It is fixed per
// deployment and shared by all turns.
type Pipeline struct {
	nodes    []Node
	byName   map[core.StageName]int
	steps    []Step
	rules    map[core.StageName][]RoutingRule
	terminal core.StageName
}

// New validates cfg and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	cfg = withDefaults(cfg)
	diags := validate(cfg)
	if errs := Errors(diags); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidPipeline, errs[0].Code, errs[0].Message)
	}

	p := &Pipeline{
		nodes:    slices.Clone(cfg.Nodes),
		byName:   make(map[core.StageName]int, len(cfg.Nodes)),
		rules:    make(map[core.StageName][]RoutingRule),
		terminal: cfg.Terminal,
	}
	for i, n := range p.nodes {
		p.byName[n.Name] = i
	}
	for _, r := range cfg.Rules {
		p.rules[r.After] = append(p.rules[r.After], r)
	}
	p.steps = buildSteps(p.nodes, cfg.Groups)
	return p, nil
}

// MustNew is like New but panics on error. Intended for static pipelines.
func MustNew(cfg Config) *Pipeline {
	p, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

func withDefaults(cfg Config) Config {
	nodes := make([]Node, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		if n.Slot == core.SlotCustom {
			n.Slot = core.DefaultSlot(n.Name)
		}
		nodes[i] = n
	}
	cfg.Nodes = nodes
	if cfg.Terminal == "" && len(nodes) > 0 {
		cfg.Terminal = nodes[len(nodes)-1].Name
	}
	return cfg
}

func buildSteps(nodes []Node, groups []ParallelGroup) []Step {
	groupOf := make(map[core.StageName]int)
	for gi, g := range groups {
		for _, name := range g.Names {
			groupOf[name] = gi
		}
	}

	var steps []Step
	emitted := make(map[int]bool)
	for _, n := range nodes {
		gi, grouped := groupOf[n.Name]
		if !grouped {
			steps = append(steps, Step{Nodes: []Node{n}})
			continue
		}
		if emitted[gi] {
			continue
		}
		emitted[gi] = true
		var members []Node
		for _, m := range nodes {
			if g, ok := groupOf[m.Name]; ok && g == gi {
				members = append(members, m)
			}
		}
		slices.SortFunc(members, func(a, b Node) int { return cmp.Compare(a.Name, b.Name) })
		steps = append(steps, Step{Nodes: members})
	}
	return steps
}

// Len returns the number of nodes.
func (p *Pipeline) Len() int {
	return len(p.nodes)
}

// Nodes returns the nodes in declaration order.
func (p *Pipeline) Nodes() []Node {
	return slices.Clone(p.nodes)
}

// Names returns the node names in declaration order.
func (p *Pipeline) Names() []core.StageName {
	names := make([]core.StageName, len(p.nodes))
	for i, n := range p.nodes {
		names[i] = n.Name
	}
	return names
}

// Node returns the node named name.
func (p *Pipeline) Node(name core.StageName) (Node, bool) {
	i, ok := p.byName[name]
	if !ok {
		return Node{}, false
	}
	return p.nodes[i], true
}

// Steps returns the scheduling units in execution order.
func (p *Pipeline) Steps() []Step {
	return slices.Clone(p.steps)
}

// RulesAfter returns the routing rules evaluated after name.
func (p *Pipeline) RulesAfter(name core.StageName) []RoutingRule {
	return p.rules[name]
}

// Terminal returns the node whose slot carries the final response.
func (p *Pipeline) Terminal() Node {
	n, _ := p.Node(p.terminal)
	return n
}

// Slots returns the slot bound to each node.
func (p *Pipeline) Slots() map[core.StageName]core.Slot {
	m := make(map[core.StageName]core.Slot, len(p.nodes))
	for _, n := range p.nodes {
		m[n.Name] = n.Slot
	}
	return m
}
