package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomworks/weft/internal/apiclient"
	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/engine"
	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/fsadapter"
	"github.com/loomworks/weft/internal/handlers"
	"github.com/loomworks/weft/internal/ircache"
	"github.com/loomworks/weft/internal/llm"
	"github.com/loomworks/weft/internal/log"
	"github.com/loomworks/weft/internal/registry"
	"github.com/loomworks/weft/internal/statestore"
	"github.com/loomworks/weft/internal/template"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "show":
		cmdShow(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "cleanup":
		cmdCleanup(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  weft run --diagram <file.yaml> [--config <run.yaml>] [--var key=value]... [--input <text>] [--db <path>] [--timeout <duration>]")
	fmt.Fprintln(os.Stderr, "  weft resume --id <execution_id> [--diagram <file.yaml>] [--db <path>]")
	fmt.Fprintln(os.Stderr, "  weft list [--status <status>] [--diagram <id>] [--limit <n>] [--db <path>]")
	fmt.Fprintln(os.Stderr, "  weft show --id <execution_id> [--db <path>]")
	fmt.Fprintln(os.Stderr, "  weft validate --diagram <file.yaml>")
	fmt.Fprintln(os.Stderr, "  weft cleanup [--days <n>] [--db <path>]")
}

func cmdRun(args []string) {
	var diagramPath string
	var configPath string
	var dbPath string
	var input string
	var timeoutSpec string
	vars := map[string]any{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--diagram":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--diagram requires a value")
				os.Exit(2)
			}
			diagramPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(2)
			}
			configPath = args[i]
		case "--var":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--var requires a value in the form key=value")
				os.Exit(2)
			}
			key, value, err := parseVar(args[i])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			vars[key] = value
		case "--input":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--input requires a value")
				os.Exit(2)
			}
			input = args[i]
		case "--db":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--db requires a value")
				os.Exit(2)
			}
			dbPath = args[i]
		case "--timeout":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--timeout requires a value such as 90s or 5m")
				os.Exit(2)
			}
			timeoutSpec = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}
	// Command-line flags override run config file values.
	var cfg *engine.RunConfig
	if configPath != "" {
		loaded, err := engine.LoadRunConfig(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
		if diagramPath == "" {
			diagramPath = cfg.Diagram
		}
		if input == "" {
			input = cfg.Input
		}
		if dbPath == "" {
			dbPath = cfg.State.DB
		}
		for k, v := range cfg.Variables {
			if _, set := vars[k]; !set {
				vars[k] = v
			}
		}
	}
	if diagramPath == "" {
		usage()
		os.Exit(2)
	}

	var timeout time.Duration
	if timeoutSpec != "" {
		d, err := time.ParseDuration(timeoutSpec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --timeout %q: %v\n", timeoutSpec, err)
			os.Exit(2)
		}
		timeout = d
	} else if cfg != nil {
		timeout = cfg.Timeout()
	}

	d, err := diagram.LoadFile(diagramPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	store := openStore(dbPath)

	eng, err := buildEngine(store, cfg)
	if err != nil {
		store.Close()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var seed any
	if input != "" {
		seed = input
	}
	res, err := eng.Execute(context.Background(), d, engine.RunOptions{
		Variables: vars,
		Input:     seed,
		Timeout:   timeout,
	})
	store.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printResult(res)
}

func cmdResume(args []string) {
	var executionID string
	var diagramPath string
	var dbPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--id requires a value")
				os.Exit(2)
			}
			executionID = args[i]
		case "--diagram":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--diagram requires a value")
				os.Exit(2)
			}
			diagramPath = args[i]
		case "--db":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--db requires a value")
				os.Exit(2)
			}
			dbPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}
	if executionID == "" {
		usage()
		os.Exit(2)
	}

	var d *diagram.Diagram
	if diagramPath != "" {
		loaded, err := diagram.LoadFile(diagramPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		d = loaded
	}

	store := openStore(dbPath)

	eng, err := buildEngine(store, nil)
	if err != nil {
		store.Close()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	res, err := eng.Resume(context.Background(), executionID, d)
	store.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printResult(res)
}

// openStore opens the state database at the --db path when given,
// otherwise at the environment-configured default.
func openStore(dbPath string) *statestore.Store {
	store, err := openStoreAt(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return store
}

func openStoreAt(dbPath string) (*statestore.Store, error) {
	if dbPath == "" {
		dbPath = engine.StatePathFromEnv()
	}
	return statestore.Open(dbPath, log.Nop())
}

// buildEngine assembles an engine with the full service surface a
// terminal run needs: filesystem and HTTP access, template rendering,
// an AST cache, stdin prompting, and an LLM client when an API key is
// present in the environment. A run config, when given, supplies the
// runtime policy.
func buildEngine(store *statestore.Store, cfg *engine.RunConfig) (*engine.Engine, error) {
	logger := log.Nop()
	baseDir := engine.BaseDirFromEnv()

	services := registry.New()
	services.Register(registry.KeyAPIInvoker, apiclient.New(logger))
	services.Register(registry.KeyTemplateRenderer, template.NewRenderer(false))
	services.Register(registry.KeyUserPrompt, handlers.PromptFunc(stdinPrompt))

	fs, err := fsadapter.New(baseDir)
	if err != nil {
		return nil, fmt.Errorf("filesystem adapter: %w", err)
	}
	services.Register(registry.KeyFilesystemAdapter, fs)

	cache, err := ircache.New(filepath.Join(baseDir, ".weft", "ircache"))
	if err == nil {
		services.Register(registry.KeyIRCache, cache)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		services.Register(registry.KeyLLMService, llm.NewService(llm.Options{
			APIKey:  key,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
			Logger:  logger,
		}))
	}

	resolver, err := engine.NewFileResolver(baseDir)
	if err != nil {
		return nil, err
	}

	opts := engine.Options{
		Store:    store,
		Services: services,
		Resolver: resolver,
		Logger:   logger,
	}
	if cfg != nil {
		opts.MaxIteration = cfg.Runtime.MaxIteration
		opts.MaxParallel = cfg.Runtime.MaxParallel
		opts.GracePeriod = cfg.GracePeriod()
	}
	return engine.New(opts)
}

// stdinPrompt writes the prompt to stderr and reads one line from
// stdin, so piped stdout stays clean for the key=value result lines.
func stdinPrompt(ctx context.Context, prompt string) (string, error) {
	if prompt != "" {
		fmt.Fprintf(os.Stderr, "%s\n> ", prompt)
	} else {
		fmt.Fprint(os.Stderr, "> ")
	}

	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		r := bufio.NewReader(os.Stdin)
		text, err := r.ReadString('\n')
		ch <- line{strings.TrimRight(text, "\r\n"), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l := <-ch:
		if l.err != nil && l.text == "" {
			return "", l.err
		}
		return l.text, nil
	}
}

func parseVar(spec string) (string, string, error) {
	key, value, ok := strings.Cut(spec, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid --var %q: expected key=value", spec)
	}
	return key, value, nil
}

func printResult(res *engine.Result) {
	fmt.Printf("execution_id=%s\n", res.ExecutionID)
	fmt.Printf("status=%s\n", res.Status)
	fmt.Printf("duration=%s\n", res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Printf("error=%s\n", res.Error)
	}
	if out := res.Output(); out != nil {
		fmt.Printf("output=%s\n", out.AsText())
	}

	if res.Status == execution.StatusCompleted {
		os.Exit(0)
	}
	os.Exit(1)
}
