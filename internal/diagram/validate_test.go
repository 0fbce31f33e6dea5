package diagram

import (
	"strings"
	"testing"
)

func buildValid(t *testing.T) *Diagram {
	t.Helper()
	d := NewDiagram("d")
	for _, n := range []*Node{
		NewNode("start", "start"),
		NewNode("work", "raw_text"),
		NewNode("done", "endpoint"),
	} {
		if err := d.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	d.AddArrow(&Arrow{From: "start", To: "work"})
	d.AddArrow(&Arrow{From: "work", To: "done"})
	return d
}

func countRule(diags []Diagnostic, rule string) int {
	n := 0
	for _, d := range diags {
		if d.Rule == rule {
			n++
		}
	}
	return n
}

func TestValidateCleanDiagram(t *testing.T) {
	d := buildValid(t)
	if err := ValidateOrError(d); err != nil {
		t.Fatalf("expected clean diagram, got %v", err)
	}
}

func TestValidateArrowEndpoints(t *testing.T) {
	d := buildValid(t)
	d.AddArrow(&Arrow{From: "work", To: "ghost"})
	diags := Validate(d)
	if countRule(diags, "arrow_endpoints_exist") != 1 {
		t.Fatalf("expected one endpoint diagnostic, got %v", diags)
	}
	if err := ValidateOrError(d); err == nil || !strings.Contains(err.Error(), "arrow_endpoints_exist") {
		t.Fatalf("expected endpoint error, got %v", err)
	}
}

func TestValidateStartRules(t *testing.T) {
	d := NewDiagram("d")
	if err := d.AddNode(NewNode("lonely", "raw_text")); err != nil {
		t.Fatalf("add: %v", err)
	}
	diags := Validate(d)
	if countRule(diags, "start_node") != 1 {
		t.Fatalf("expected start_node warning, got %v", diags)
	}
	// Missing start is a warning, not an error: input-less nodes run.
	if err := ValidateOrError(d); err != nil {
		t.Fatalf("missing start must not be fatal: %v", err)
	}

	d2 := buildValid(t)
	d2.AddArrow(&Arrow{From: "work", To: "start"})
	if countRule(Validate(d2), "start_no_incoming") != 1 {
		t.Fatalf("expected start_no_incoming error")
	}
}

func TestValidateConditionRules(t *testing.T) {
	d := buildValid(t)
	cond := NewNode("check", "condition")
	if err := d.AddNode(cond); err != nil {
		t.Fatalf("add: %v", err)
	}
	d.AddArrow(&Arrow{From: "work", To: "check"})
	d.AddArrow(&Arrow{From: "check", To: "done"})

	diags := Validate(d)
	if countRule(diags, "condition_expression") != 1 {
		t.Fatalf("expected missing expression diagnostic, got %v", diags)
	}
	if countRule(diags, "condition_ports") != 1 {
		t.Fatalf("expected condition_ports warning, got %v", diags)
	}

	cond.Props["expression"] = "count > )"
	if countRule(Validate(d), "condition_expression") != 1 {
		t.Fatalf("expected compile diagnostic for broken expression")
	}

	cond.Props["expression"] = "count > 3"
	if countRule(Validate(d), "condition_expression") != 0 {
		t.Fatalf("valid expression flagged")
	}

	delete(cond.Props, "expression")
	cond.Props["condition_type"] = "detect_max_iterations"
	if countRule(Validate(d), "condition_expression") != 0 {
		t.Fatalf("detect_max_iterations needs no expression")
	}
}

func TestValidateSubDiagramTarget(t *testing.T) {
	d := buildValid(t)
	sub := NewNode("nested", "sub_diagram")
	if err := d.AddNode(sub); err != nil {
		t.Fatalf("add: %v", err)
	}
	d.AddArrow(&Arrow{From: "work", To: "nested"})
	if countRule(Validate(d), "sub_diagram_target") != 1 {
		t.Fatalf("expected sub_diagram_target error")
	}
	sub.Props["diagram_name"] = "child"
	if countRule(Validate(d), "sub_diagram_target") != 0 {
		t.Fatalf("named sub_diagram flagged")
	}
}

func TestValidateKnownTypesRule(t *testing.T) {
	d := buildValid(t)
	rule := NewKnownTypesRule([]string{"start", "endpoint"})
	diags := Validate(d, rule)
	if countRule(diags, "type_known") != 1 {
		t.Fatalf("expected one unknown type (raw_text), got %v", diags)
	}
}
