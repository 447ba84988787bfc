package graph

import (
	"fmt"

	"github.com/petal-labs/turnflow/core"
)

// Validate checks the structural integrity of a pipeline config:
//   - PG-001: at least one node
//   - PG-002: duplicate node names
//   - PG-003: dependency references an unknown node
//   - PG-004: dependency on a node that does not run earlier (ordering or cycle)
//   - PG-005: parallel group member unknown, repeated, or group too small
//   - PG-006: parallel group members depend on each other or are not contiguous
//   - PG-007: routing rule references an unknown node or lacks a predicate
//   - PG-008: terminal stage unknown, grouped, or not last
//   - PG-009: two nodes bound to the same fixed slot
func Validate(cfg Config) []Diagnostic {
	return validate(withDefaults(cfg))
}

func validate(cfg Config) []Diagnostic {
	var diags []Diagnostic
	errorf := func(code, path, format string, args ...any) {
		diags = append(diags, Diagnostic{Code: code, Severity: SeverityError, Message: fmt.Sprintf(format, args...), Path: path})
	}

	if len(cfg.Nodes) == 0 {
		errorf("PG-001", "nodes", "Pipeline has no nodes")
		return diags
	}

	index := make(map[core.StageName]int, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		if n.Name == "" {
			errorf("PG-002", fmt.Sprintf("nodes[%d].name", i), "Node name is empty")
			continue
		}
		if _, dup := index[n.Name]; dup {
			errorf("PG-002", fmt.Sprintf("nodes[%d].name", i), "Duplicate node name %q", n.Name)
			continue
		}
		index[n.Name] = i
	}

	groupOf := make(map[core.StageName]int)
	for gi, g := range cfg.Groups {
		path := fmt.Sprintf("groups[%d]", gi)
		if len(g.Names) < 2 {
			diags = append(diags, Diagnostic{
				Code:     "PG-005",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Parallel group %v has fewer than two members", g.Names),
				Path:     path,
			})
		}
		for _, name := range g.Names {
			if _, ok := index[name]; !ok {
				errorf("PG-005", path, "Parallel group member %q references unknown node", name)
				continue
			}
			if other, ok := groupOf[name]; ok {
				errorf("PG-005", path, "Node %q already belongs to groups[%d]", name, other)
				continue
			}
			groupOf[name] = gi
		}
	}

	// step position of each node: grouped nodes share their group's step.
	position := make(map[core.StageName]int, len(cfg.Nodes))
	step := -1
	lastGroup := -1
	seenGroup := make(map[int]bool)
	for _, n := range cfg.Nodes {
		gi, grouped := groupOf[n.Name]
		switch {
		case !grouped:
			step++
			lastGroup = -1
		case gi != lastGroup:
			if seenGroup[gi] {
				errorf("PG-006", fmt.Sprintf("groups[%d]", gi), "Parallel group members are not contiguous at %q", n.Name)
			}
			step++
			lastGroup = gi
			seenGroup[gi] = true
		}
		position[n.Name] = step
	}

	for i, n := range cfg.Nodes {
		for j, dep := range n.DependsOn {
			path := fmt.Sprintf("nodes[%d].depends_on[%d]", i, j)
			if _, ok := index[dep]; !ok {
				errorf("PG-003", path, "Node %q depends on unknown node %q", n.Name, dep)
				continue
			}
			gi, grouped := groupOf[n.Name]
			if dgi, dgrouped := groupOf[dep]; grouped && dgrouped && gi == dgi {
				errorf("PG-006", path, "Parallel group members %q and %q depend on each other", n.Name, dep)
				continue
			}
			if position[dep] >= position[n.Name] {
				errorf("PG-004", path, "Node %q depends on %q, which does not run earlier", n.Name, dep)
			}
		}
	}

	for i, r := range cfg.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if _, ok := index[r.After]; !ok {
			errorf("PG-007", path+".after", "Routing rule %q references unknown node %q", r.Name, r.After)
		}
		if r.Predicate == nil {
			errorf("PG-007", path+".predicate", "Routing rule %q has no predicate", r.Name)
		}
	}

	if ti, ok := index[cfg.Terminal]; !ok {
		errorf("PG-008", "terminal", "Terminal stage %q does not exist", cfg.Terminal)
	} else {
		if _, grouped := groupOf[cfg.Terminal]; grouped {
			errorf("PG-008", "terminal", "Terminal stage %q is inside a parallel group", cfg.Terminal)
		}
		if ti != len(cfg.Nodes)-1 {
			errorf("PG-008", "terminal", "Terminal stage %q is not the last node", cfg.Terminal)
		}
	}

	owners := make(map[core.Slot]core.StageName)
	for i, n := range cfg.Nodes {
		if n.Slot == core.SlotAgent || n.Slot == core.SlotCustom {
			continue
		}
		if prev, ok := owners[n.Slot]; ok {
			errorf("PG-009", fmt.Sprintf("nodes[%d].slot", i), "Nodes %q and %q both write slot %s", prev, n.Name, n.Slot)
			continue
		}
		owners[n.Slot] = n.Name
	}

	return diags
}
