package diagram

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule      string   `json:"rule"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	NodeID    string   `json:"node_id,omitempty"`
	ArrowFrom string   `json:"arrow_from,omitempty"`
	ArrowTo   string   `json:"arrow_to,omitempty"`
	Fix       string   `json:"fix,omitempty"`
}

// LintRule is the interface for custom rules appended after the
// built-in ones. The engine passes a known-node-types rule built from
// its handler registry.
type LintRule interface {
	Name() string
	Apply(d *Diagram) []Diagnostic
}

// Validate runs all built-in lint rules and any extra rules.
func Validate(d *Diagram, extraRules ...LintRule) []Diagnostic {
	if d == nil {
		return []Diagnostic{{Rule: "diagram_nil", Severity: SeverityError, Message: "diagram is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintStartNode(d)...)
	diags = append(diags, lintArrowEndpointsExist(d)...)
	diags = append(diags, lintStartNoIncoming(d)...)
	diags = append(diags, lintMaxIteration(d)...)
	diags = append(diags, lintConditionExpression(d)...)
	diags = append(diags, lintConditionPorts(d)...)
	diags = append(diags, lintSubDiagramTarget(d)...)
	diags = append(diags, lintReachability(d)...)
	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(d)...)
		}
	}
	return diags
}

// ValidateOrError collapses error-severity diagnostics into one error.
func ValidateOrError(d *Diagram, extraRules ...LintRule) error {
	var errs []string
	for _, diag := range Validate(d, extraRules...) {
		if diag.Severity == SeverityError {
			errs = append(errs, diag.Rule+": "+diag.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintStartNode(d *Diagram) []Diagnostic {
	if len(d.StartNodes()) > 0 {
		return nil
	}
	// Input-less nodes fire on their own, so a missing start node is
	// legal; it usually signals a half-edited diagram though.
	return []Diagnostic{{
		Rule:     "start_node",
		Severity: SeverityWarning,
		Message:  "diagram has no start node; nodes without inbound arrows run immediately",
	}}
}

func lintArrowEndpointsExist(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, a := range d.Arrows() {
		if _, ok := d.Nodes[a.From]; !ok {
			diags = append(diags, Diagnostic{
				Rule:      "arrow_endpoints_exist",
				Severity:  SeverityError,
				Message:   "arrow references missing from-node",
				ArrowFrom: a.From,
				ArrowTo:   a.To,
			})
		}
		if _, ok := d.Nodes[a.To]; !ok {
			diags = append(diags, Diagnostic{
				Rule:      "arrow_endpoints_exist",
				Severity:  SeverityError,
				Message:   "arrow references missing to-node",
				ArrowFrom: a.From,
				ArrowTo:   a.To,
			})
		}
	}
	return diags
}

func lintStartNoIncoming(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.StartNodes() {
		if len(d.Incoming(n.ID)) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "start_no_incoming",
				Severity: SeverityError,
				Message:  "start node must have no incoming arrows",
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintMaxIteration(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for id, n := range d.Nodes {
		if n != nil && n.MaxIteration < 0 {
			diags = append(diags, Diagnostic{
				Rule:     "max_iteration_valid",
				Severity: SeverityError,
				Message:  fmt.Sprintf("max_iteration must not be negative (got %d)", n.MaxIteration),
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintConditionExpression(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for id, n := range d.Nodes {
		if n == nil || n.Type != "condition" {
			continue
		}
		condType := n.StringProp("condition_type", "")
		expression := strings.TrimSpace(n.StringProp("expression", ""))
		if condType == "detect_max_iterations" {
			continue
		}
		if expression == "" {
			diags = append(diags, Diagnostic{
				Rule:     "condition_expression",
				Severity: SeverityError,
				Message:  "condition node needs an expression or condition_type=detect_max_iterations",
				NodeID:   id,
				Fix:      "set props.expression",
			})
			continue
		}
		if _, err := expr.Compile(expression); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "condition_expression",
				Severity: SeverityError,
				Message:  fmt.Sprintf("expression does not compile: %v", err),
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintConditionPorts(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for id, n := range d.Nodes {
		if n == nil || n.Type != "condition" {
			continue
		}
		hasBranchPort := false
		for _, a := range d.Outgoing(id) {
			if a.FromPort == PortCondTrue || a.FromPort == PortCondFalse {
				hasBranchPort = true
				break
			}
		}
		if !hasBranchPort && len(d.Outgoing(id)) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "condition_ports",
				Severity: SeverityWarning,
				Message:  "condition node routes nothing on condtrue/condfalse; branch results will be dropped",
				NodeID:   id,
				Fix:      "connect arrows from node.condtrue / node.condfalse",
			})
		}
	}
	return diags
}

func lintSubDiagramTarget(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for id, n := range d.Nodes {
		if n == nil || n.Type != "sub_diagram" {
			continue
		}
		if strings.TrimSpace(n.StringProp("diagram_name", "")) == "" &&
			strings.TrimSpace(n.StringProp("diagram_path", "")) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "sub_diagram_target",
				Severity: SeverityError,
				Message:  "sub_diagram node names no diagram (diagram_name or diagram_path)",
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintReachability(d *Diagram) []Diagnostic {
	roots := map[string]bool{}
	for _, id := range d.Declared() {
		if len(d.Incoming(id)) == 0 {
			roots[id] = true
		}
	}
	if len(roots) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var queue []string
	for id := range roots {
		seen[id] = true
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, a := range d.Outgoing(cur) {
			if !seen[a.To] {
				seen[a.To] = true
				queue = append(queue, a.To)
			}
		}
	}
	var diags []Diagnostic
	for _, id := range d.Declared() {
		if !seen[id] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityWarning,
				Message:  "node is not reachable from any root",
				NodeID:   id,
			})
		}
	}
	return diags
}

// KnownTypesRule warns when a node's type has no registered handler.
// Known types come from the handler registry so this package stays
// independent of it.
type KnownTypesRule struct {
	Known map[string]bool
}

func NewKnownTypesRule(types []string) *KnownTypesRule {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return &KnownTypesRule{Known: m}
}

func (r *KnownTypesRule) Name() string { return "type_known" }

func (r *KnownTypesRule) Apply(d *Diagram) []Diagnostic {
	var diags []Diagnostic
	for id, n := range d.Nodes {
		if n == nil || n.Type == "" {
			continue
		}
		if !r.Known[n.Type] {
			diags = append(diags, Diagnostic{
				Rule:     "type_known",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node type %q has no registered handler", n.Type),
				NodeID:   id,
			})
		}
	}
	return diags
}
