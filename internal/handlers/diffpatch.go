package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/fsadapter"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/registry"
)

// fuzzWindow is how far lenient mode searches for a hunk's context
// around its declared position.
const fuzzWindow = 25

// DiffPatch applies a unified diff to files under the base directory.
// Strict mode requires hunks to match exactly where the diff says;
// lenient mode searches nearby for drifted context.
type DiffPatch struct {
	handler.BaseHandler
}

func (DiffPatch) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "diff_patch",
		Description: "applies unified diffs to files",
		Services: []handler.ServiceDep{
			{Name: svcFS, Key: registry.KeyFilesystemAdapter, Required: true},
		},
		Validate: func(req *handler.Request) error {
			switch req.Node.StringProp("mode", "strict") {
			case "strict", "lenient":
				return nil
			}
			return handler.ValueError("diff_patch node %q: mode must be strict or lenient", req.Node.ID)
		},
	}
}

func (DiffPatch) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	fs, err := handler.ServiceAs[*fsadapter.Adapter](req, svcFS)
	if err != nil {
		return nil, err
	}
	n := req.Node

	diffText := n.StringProp("diff", "")
	if diffText == "" {
		if v, ok := firstValue(inputs); ok {
			diffText = textOf(v)
		}
	}
	if strings.TrimSpace(diffText) == "" {
		return nil, handler.ValueError("diff_patch node %q has no diff", n.ID)
	}
	lenient := n.StringProp("mode", "strict") == "lenient"

	patches, err := parseUnifiedDiff(diffText)
	if err != nil {
		return nil, handler.ValueError("diff_patch node %q: %v", n.ID, err)
	}
	if len(patches) == 0 {
		return nil, handler.ValueError("diff_patch node %q: diff names no files", n.ID)
	}

	var files []any
	applied := 0
	for _, p := range patches {
		if p.remove {
			if err := fs.Remove(p.path); err != nil {
				return nil, fmt.Errorf("delete %s: %w", p.path, err)
			}
			files = append(files, p.path)
			continue
		}
		var content string
		if !p.create {
			raw, rerr := fs.ReadFile(p.path)
			if rerr != nil {
				return nil, fmt.Errorf("read %s: %w", p.path, rerr)
			}
			content = string(raw)
		}
		patched, count, aerr := applyHunks(content, p.hunks, lenient)
		if aerr != nil {
			return nil, handler.ValueError("diff_patch node %q: %s: %v", n.ID, p.path, aerr)
		}
		if err := fs.WriteFile(p.path, []byte(patched)); err != nil {
			return nil, fmt.Errorf("write %s: %w", p.path, err)
		}
		files = append(files, p.path)
		applied += count
	}

	req.State["hunks_applied"] = applied
	return map[string]any{"files": files, "hunks_applied": applied}, nil
}

func (DiffPatch) SerializeOutput(req *handler.Request, result any) (*envelope.Envelope, error) {
	env := handler.Wrap(req, result)
	if n, ok := req.State["hunks_applied"].(int); ok {
		env = env.WithMetaValue("hunks_applied", n)
	}
	return env, nil
}

type hunk struct {
	oldStart int // 1-based
	lines    []string
}

type filePatch struct {
	path   string
	create bool
	remove bool
	hunks  []hunk
}

// parseUnifiedDiff reads ---/+++ headers and @@ hunks. Paths keep the
// +++ side with its a/ or b/ prefix stripped; /dev/null on either side
// marks creation or deletion.
func parseUnifiedDiff(text string) ([]filePatch, error) {
	var patches []filePatch
	var cur *filePatch
	var oldPath string

	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			oldPath = strings.TrimSpace(strings.TrimPrefix(line, "--- "))
		case strings.HasPrefix(line, "+++ "):
			newPath := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			p := filePatch{}
			switch {
			case newPath == "/dev/null":
				p.path = stripDiffPrefix(oldPath)
				p.remove = true
			case oldPath == "/dev/null":
				p.path = stripDiffPrefix(newPath)
				p.create = true
			default:
				p.path = stripDiffPrefix(newPath)
			}
			if p.path == "" {
				return nil, fmt.Errorf("diff has empty target path near line %d", i+1)
			}
			patches = append(patches, p)
			cur = &patches[len(patches)-1]
		case strings.HasPrefix(line, "@@ "):
			if cur == nil {
				return nil, fmt.Errorf("hunk before file header at line %d", i+1)
			}
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			for i+1 < len(lines) {
				next := lines[i+1]
				if len(next) == 0 {
					// Blank context lines arrive as "" once split.
					h.lines = append(h.lines, " ")
					i++
					continue
				}
				switch next[0] {
				case ' ', '-', '+':
					h.lines = append(h.lines, next)
					i++
				case '\\':
					// "\ No newline at end of file"
					i++
				default:
					goto hunkDone
				}
			}
		hunkDone:
			cur.hunks = append(cur.hunks, h)
		}
	}
	for _, p := range patches {
		if !p.remove && len(p.hunks) == 0 {
			return nil, fmt.Errorf("file %s has no hunks", p.path)
		}
	}
	return patches, nil
}

func parseHunkHeader(line string) (hunk, error) {
	// @@ -oldStart[,oldLines] +newStart[,newLines] @@
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") {
		return hunk{}, fmt.Errorf("malformed hunk header %q", line)
	}
	oldSpec := strings.TrimPrefix(fields[1], "-")
	if i := strings.IndexByte(oldSpec, ','); i >= 0 {
		oldSpec = oldSpec[:i]
	}
	var start int
	if _, err := fmt.Sscanf(oldSpec, "%d", &start); err != nil {
		return hunk{}, fmt.Errorf("malformed hunk header %q", line)
	}
	return hunk{oldStart: start}, nil
}

func stripDiffPrefix(p string) string {
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(p, prefix) {
			return p[len(prefix):]
		}
	}
	return p
}

// applyHunks applies each hunk in order, carrying the line offset
// introduced by earlier hunks. Returns the patched content and the
// hunk count.
func applyHunks(content string, hunks []hunk, lenient bool) (string, int, error) {
	trailingNewline := strings.HasSuffix(content, "\n")
	var lines []string
	if content != "" {
		lines = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}

	offset := 0
	for i, h := range hunks {
		var expect, replace []string
		for _, l := range h.lines {
			tag, body := l[0], l[1:]
			switch tag {
			case ' ':
				expect = append(expect, body)
				replace = append(replace, body)
			case '-':
				expect = append(expect, body)
			case '+':
				replace = append(replace, body)
			}
		}

		at := h.oldStart - 1 + offset
		if len(expect) == 0 {
			// Pure insertion: hunk start addresses the line after
			// which to insert.
			at = h.oldStart + offset
			if at > len(lines) {
				at = len(lines)
			}
			lines = spliceLines(lines, at, 0, replace)
			offset += len(replace)
			continue
		}

		pos, ok := matchAt(lines, expect, at)
		if !ok && lenient {
			pos, ok = searchNearby(lines, expect, at)
		}
		if !ok {
			return "", 0, fmt.Errorf("hunk %d does not match at line %d", i+1, h.oldStart)
		}
		lines = spliceLines(lines, pos, len(expect), replace)
		offset += pos - at + len(replace) - len(expect)
	}

	out := strings.Join(lines, "\n")
	if trailingNewline || content == "" {
		out += "\n"
	}
	return out, len(hunks), nil
}

func matchAt(lines, expect []string, at int) (int, bool) {
	if at < 0 || at+len(expect) > len(lines) {
		return 0, false
	}
	for i, e := range expect {
		if lines[at+i] != e {
			return 0, false
		}
	}
	return at, true
}

// searchNearby looks for the expected block around the declared
// position, nearest offset first.
func searchNearby(lines, expect []string, at int) (int, bool) {
	for d := 1; d <= fuzzWindow; d++ {
		if pos, ok := matchAt(lines, expect, at-d); ok {
			return pos, true
		}
		if pos, ok := matchAt(lines, expect, at+d); ok {
			return pos, true
		}
	}
	return 0, false
}

func spliceLines(lines []string, at, drop int, insert []string) []string {
	out := make([]string, 0, len(lines)-drop+len(insert))
	out = append(out, lines[:at]...)
	out = append(out, insert...)
	out = append(out, lines[at+drop:]...)
	return out
}
