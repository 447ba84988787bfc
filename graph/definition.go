package graph

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/turnflow/core"
)

// Definition is the serializable form of a pipeline, loaded from YAML.
// Routing rules are referenced by name and resolved against a rule set.
type Definition struct {
	Nodes    []NodeDef    `yaml:"nodes" json:"nodes"`
	Parallel [][]string   `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Routing  []RoutingDef `yaml:"routing,omitempty" json:"routing,omitempty"`
	Terminal string       `yaml:"terminal,omitempty" json:"terminal,omitempty"`
}

// NodeDef is a serializable node.
type NodeDef struct {
	Name      string        `yaml:"name" json:"name"`
	DependsOn []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Slot      string        `yaml:"slot,omitempty" json:"slot,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RoutingDef references a named routing rule.
type RoutingDef struct {
	Rule  string `yaml:"rule" json:"rule"`
	After string `yaml:"after" json:"after"`
}

// RuleSet resolves rule names to rules bound to a node.
type RuleSet map[string]func(after core.StageName) RoutingRule

// ParseDefinition decodes a YAML pipeline definition. Unknown fields are
// rejected.
func ParseDefinition(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	return &def, nil
}

// LoadDefinition reads and decodes a YAML pipeline definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline definition: %w", err)
	}
	return ParseDefinition(data)
}

// Config converts the definition into a Config. Unknown slot or rule names
// are reported as diagnostics (PG-010, PG-011).
func (d *Definition) Config(rules RuleSet) (Config, []Diagnostic) {
	var diags []Diagnostic
	cfg := Config{Terminal: core.StageName(d.Terminal)}

	for i, nd := range d.Nodes {
		n := Node{Name: core.StageName(nd.Name), Timeout: nd.Timeout}
		for _, dep := range nd.DependsOn {
			n.DependsOn = append(n.DependsOn, core.StageName(dep))
		}
		if nd.Slot != "" {
			slot, err := core.ParseSlot(nd.Slot)
			if err != nil {
				diags = append(diags, Diagnostic{
					Code:     "PG-010",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Node %q has unknown slot %q", nd.Name, nd.Slot),
					Path:     fmt.Sprintf("nodes[%d].slot", i),
				})
			}
			n.Slot = slot
		}
		cfg.Nodes = append(cfg.Nodes, n)
	}

	for _, group := range d.Parallel {
		g := ParallelGroup{}
		for _, name := range group {
			g.Names = append(g.Names, core.StageName(name))
		}
		cfg.Groups = append(cfg.Groups, g)
	}

	for i, rd := range d.Routing {
		build, ok := rules[rd.Rule]
		if !ok {
			diags = append(diags, Diagnostic{
				Code:     "PG-011",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Routing rule %q is not defined", rd.Rule),
				Path:     fmt.Sprintf("routing[%d].rule", i),
			})
			continue
		}
		cfg.Rules = append(cfg.Rules, build(core.StageName(rd.After)))
	}

	return cfg, diags
}

// Validate converts and validates the definition, returning all diagnostics.
func (d *Definition) Validate(rules RuleSet) []Diagnostic {
	cfg, diags := d.Config(rules)
	return append(diags, Validate(cfg)...)
}

// Build converts, validates and builds the pipeline.
func (d *Definition) Build(rules RuleSet) (*Pipeline, error) {
	cfg, diags := d.Config(rules)
	if errs := Errors(diags); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidPipeline, errs[0].Code, errs[0].Message)
	}
	return New(cfg)
}

// DefinitionOf returns the serializable form of a config. Rules are
// recorded by name.
func DefinitionOf(cfg Config) *Definition {
	cfg = withDefaults(cfg)
	d := &Definition{Terminal: string(cfg.Terminal)}
	for _, n := range cfg.Nodes {
		nd := NodeDef{Name: string(n.Name), Timeout: n.Timeout}
		if n.Slot != core.DefaultSlot(n.Name) {
			nd.Slot = n.Slot.String()
		}
		for _, dep := range n.DependsOn {
			nd.DependsOn = append(nd.DependsOn, string(dep))
		}
		d.Nodes = append(d.Nodes, nd)
	}
	for _, g := range cfg.Groups {
		var names []string
		for _, n := range g.Names {
			names = append(names, string(n))
		}
		d.Parallel = append(d.Parallel, names)
	}
	for _, r := range cfg.Rules {
		d.Routing = append(d.Routing, RoutingDef{Rule: r.Name, After: string(r.After)})
	}
	return d
}
