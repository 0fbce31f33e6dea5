package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/fsadapter"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/registry"
)

var dbSchema = []byte(`{
	"type": "object",
	"properties": {
		"operation": {"type": "string", "enum": ["read", "write", "append", "list"]},
		"file": {"type": "string", "minLength": 1},
		"format": {"type": "string", "enum": ["json", "text"]}
	},
	"required": ["operation", "file"]
}`)

// DBJob reads and writes file-backed documents under the execution
// base directory. Read paths may be glob patterns; .json files are
// decoded on read and pretty-printed on write.
type DBJob struct {
	handler.BaseHandler
}

func (DBJob) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "db",
		Description: "file-backed document read/write with glob support",
		Schema:      dbSchema,
		Services: []handler.ServiceDep{
			{Name: svcFS, Key: registry.KeyFilesystemAdapter, Required: true},
		},
	}
}

func (DBJob) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	fs, err := handler.ServiceAs[*fsadapter.Adapter](req, svcFS)
	if err != nil {
		return nil, err
	}
	n := req.Node
	file := n.StringProp("file", "")

	switch op := n.StringProp("operation", "read"); op {
	case "read":
		if strings.ContainsAny(file, "*?[{") {
			return readGlob(fs, n, file)
		}
		return readOne(fs, n, file)
	case "write":
		content, err := writeContent(n, inputs, file)
		if err != nil {
			return nil, err
		}
		if err := fs.WriteFile(file, content); err != nil {
			return nil, err
		}
		return map[string]any{"file": file, "bytes": len(content)}, nil
	case "append":
		existing, rerr := fs.ReadFile(file)
		if rerr != nil && !os.IsNotExist(rerr) {
			return nil, rerr
		}
		content, err := writeContent(n, inputs, file)
		if err != nil {
			return nil, err
		}
		merged := append(existing, content...)
		if err := fs.WriteFile(file, merged); err != nil {
			return nil, err
		}
		return map[string]any{"file": file, "bytes": len(merged)}, nil
	case "list":
		paths, err := fs.Glob(file)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(paths))
		for i, p := range paths {
			out[i] = p
		}
		return out, nil
	default:
		return nil, handler.ValueError("db node %q: unknown operation %q", n.ID, op)
	}
}

func readOne(fs *fsadapter.Adapter, n *diagram.Node, file string) (any, error) {
	raw, err := fs.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return decodeDoc(n, file, raw)
}

func readGlob(fs *fsadapter.Adapter, n *diagram.Node, pattern string) (any, error) {
	paths, err := fs.Glob(pattern)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		raw, rerr := fs.ReadFile(p)
		if rerr != nil {
			return nil, rerr
		}
		doc, derr := decodeDoc(n, p, raw)
		if derr != nil {
			return nil, derr
		}
		out[p] = doc
	}
	return out, nil
}

func decodeDoc(n *diagram.Node, file string, raw []byte) (any, error) {
	if jsonDoc(n, file) {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, handler.ValueError("db node %q: %s is not valid json: %v", n.ID, file, err)
		}
		return v, nil
	}
	return string(raw), nil
}

func writeContent(n *diagram.Node, inputs map[string]any, file string) ([]byte, error) {
	value := n.Props["data"]
	if value == nil {
		value, _ = firstValue(inputs)
	}
	if jsonDoc(n, file) {
		switch value.(type) {
		case string, []byte, nil:
			// Already-serialized payloads write as they are.
		default:
			raw, err := json.MarshalIndent(value, "", "  ")
			if err != nil {
				return nil, handler.ValueError("db node %q: value is not json-encodable: %v", n.ID, err)
			}
			return append(raw, '\n'), nil
		}
	}
	return []byte(textOf(value)), nil
}

func jsonDoc(n *diagram.Node, file string) bool {
	switch n.StringProp("format", "") {
	case "json":
		return true
	case "text":
		return false
	}
	return filepath.Ext(file) == ".json"
}
