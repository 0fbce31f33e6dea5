package handlers

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/ircache"
	"github.com/loomworks/weft/internal/registry"
)

// ASTParser extracts declarations from TypeScript-ish source. The
// registry may bind a richer parser under KeyASTParser; the built-in
// one is regex-grade and covers top-level declarations only.
type ASTParser interface {
	Parse(source string, patterns []string) (map[string]any, error)
}

var declPatterns = map[string]*regexp.Regexp{
	"interface": regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:declare\s+)?interface\s+([A-Za-z_$][\w$]*)`),
	"class":     regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:declare\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`),
	"function":  regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:declare\s+)?(?:async\s+)?function\s+([A-Za-z_$][\w$]*)`),
	"enum":      regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:declare\s+)?(?:const\s+)?enum\s+([A-Za-z_$][\w$]*)`),
	"type":      regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:declare\s+)?type\s+([A-Za-z_$][\w$]*)\s*(?:<[^>]*>)?\s*=`),
	"const":     regexp.MustCompile(`(?m)^\s*(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*[:=]`),
}

// PatternNames lists the extraction patterns the built-in parser
// understands, sorted.
func PatternNames() []string {
	out := make([]string, 0, len(declPatterns))
	for k := range declPatterns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type regexParser struct{}

func (regexParser) Parse(source string, patterns []string) (map[string]any, error) {
	if len(patterns) == 0 {
		patterns = PatternNames()
	}
	decls := map[string]any{}
	count := 0
	for _, p := range patterns {
		re, ok := declPatterns[p]
		if !ok {
			return nil, handler.ValueError("unknown extract pattern %q", p)
		}
		var names []any
		for _, m := range re.FindAllStringSubmatch(source, -1) {
			names = append(names, m[1])
			count++
		}
		decls[p] = names
	}
	return map[string]any{"declarations": decls, "count": count}, nil
}

// TypeScriptAST extracts declarations from source inputs, memoizing
// results in the IR cache keyed on content.
type TypeScriptAST struct {
	handler.BaseHandler
}

func (TypeScriptAST) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "typescript_ast",
		Description: "declaration extraction from TypeScript source",
		Services: []handler.ServiceDep{
			{Name: svcParser, Key: registry.KeyASTParser, Default: regexParser{}},
			{Name: svcCache, Key: registry.KeyIRCache},
		},
		Validate: func(req *handler.Request) error {
			for _, p := range stringSlice(req.Node.Props["extract_patterns"]) {
				if _, ok := declPatterns[p]; !ok {
					return handler.ValueError("typescript_ast node %q: unknown extract pattern %q", req.Node.ID, p)
				}
			}
			return nil
		},
	}
}

func (TypeScriptAST) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	parser, err := handler.ServiceAs[ASTParser](req, svcParser)
	if err != nil {
		return nil, err
	}
	var cache *ircache.Cache
	if c, cerr := handler.ServiceAs[*ircache.Cache](req, svcCache); cerr == nil {
		cache = c
	}
	n := req.Node
	patterns := stringSlice(n.Props["extract_patterns"])

	if n.BoolProp("batch", false) {
		sources := batchSources(n, inputs)
		out := make(map[string]any, len(sources))
		for _, name := range sortedKeys(sources) {
			parsed, perr := parseCached(parser, cache, textOf(sources[name]), patterns)
			if perr != nil {
				return nil, perr
			}
			out[name] = parsed
		}
		return out, nil
	}

	source := n.StringProp("source", "")
	if source == "" {
		if v, ok := firstValue(inputs); ok {
			source = textOf(v)
		}
	}
	if source == "" {
		return nil, handler.ValueError("typescript_ast node %q has no source", n.ID)
	}
	return parseCached(parser, cache, source, patterns)
}

func parseCached(parser ASTParser, cache *ircache.Cache, source string, patterns []string) (any, error) {
	var key string
	if cache != nil {
		key = ircache.Key([]byte(source + "\x00" + strings.Join(patterns, ",")))
		if v, ok := cache.Get(key); ok {
			return v, nil
		}
	}
	parsed, err := parser.Parse(source, patterns)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		// Cache failures only cost the memoization.
		_ = cache.Set(key, parsed)
	}
	return parsed, nil
}

func batchSources(n *diagram.Node, inputs map[string]any) map[string]any {
	key := n.StringProp("batch_input_key", "sources")
	if m, ok := inputs[key].(map[string]any); ok {
		return m
	}
	if v, ok := firstValue(inputs); ok {
		if m, ok := v.(map[string]any); ok {
			if inner, ok := m[key].(map[string]any); ok {
				return inner
			}
			return m
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
