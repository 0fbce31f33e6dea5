package diagram

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File format ("light"):
//
//	version: light
//	name: demo
//	vars:
//	  region: eu
//	nodes:
//	  - id: start
//	    type: start
//	  - id: fetch
//	    type: api_job
//	    props:
//	      url: https://example.com
//	    max_iteration: 3
//	arrows:
//	  - from: start
//	    to: fetch
//	  - from: check.condtrue
//	    to: done
//
// Arrow endpoints are "node" or "node.port"; node ids must not contain
// dots.
type fileDiagram struct {
	Version string         `yaml:"version" json:"version"`
	Name    string         `yaml:"name" json:"name"`
	Vars    map[string]any `yaml:"vars" json:"vars"`
	Nodes   []fileNode     `yaml:"nodes" json:"nodes"`
	Arrows  []fileArrow    `yaml:"arrows" json:"arrows"`
}

type fileNode struct {
	ID           string         `yaml:"id" json:"id"`
	Type         string         `yaml:"type" json:"type"`
	Label        string         `yaml:"label" json:"label"`
	Props        map[string]any `yaml:"props" json:"props"`
	MaxIteration int            `yaml:"max_iteration" json:"max_iteration"`
}

type fileArrow struct {
	From  string `yaml:"from" json:"from"`
	To    string `yaml:"to" json:"to"`
	Label string `yaml:"label" json:"label"`
}

// Load parses a light-format YAML diagram.
func Load(raw []byte) (*Diagram, error) {
	var f fileDiagram
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse diagram yaml: %w", err)
	}
	if f.Version != "" && f.Version != "light" {
		return nil, fmt.Errorf("unsupported diagram version %q", f.Version)
	}
	name := f.Name
	if name == "" {
		name = "diagram"
	}
	d := NewDiagram(name)
	d.Name = name
	if f.Vars != nil {
		d.Vars = f.Vars
	}
	for _, fn := range f.Nodes {
		if fn.MaxIteration < 0 {
			return nil, fmt.Errorf("node %q: max_iteration must not be negative", fn.ID)
		}
		n := &Node{
			ID:           fn.ID,
			Type:         fn.Type,
			Label:        fn.Label,
			Props:        fn.Props,
			MaxIteration: fn.MaxIteration,
		}
		if err := d.AddNode(n); err != nil {
			return nil, err
		}
	}
	for i, fa := range f.Arrows {
		from, fromPort, err := splitEndpoint(fa.From)
		if err != nil {
			return nil, fmt.Errorf("arrow %d: %w", i, err)
		}
		to, toPort, err := splitEndpoint(fa.To)
		if err != nil {
			return nil, fmt.Errorf("arrow %d: %w", i, err)
		}
		d.AddArrow(&Arrow{
			From:     from,
			FromPort: fromPort,
			To:       to,
			ToPort:   toPort,
			Order:    i,
			Label:    fa.Label,
		})
	}
	return d, nil
}

// LoadFile reads and parses a diagram file. When the file carries no
// name, the file stem becomes the diagram id.
func LoadFile(path string) (*Diagram, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diagram: %w", err)
	}
	d, err := Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if d.Name == "diagram" {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		d.ID = stem
		d.Name = stem
	}
	return d, nil
}

func splitEndpoint(s string) (node, port string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", fmt.Errorf("empty arrow endpoint")
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		node, port = s[:i], s[i+1:]
		if node == "" || port == "" {
			return "", "", fmt.Errorf("malformed arrow endpoint %q", s)
		}
		return node, port, nil
	}
	return s, PortDefault, nil
}
