package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/handlers"
	"github.com/loomworks/weft/internal/statestore"
)

func cmdList(args []string) {
	os.Exit(runList(args, os.Stdout, os.Stderr))
}

func cmdShow(args []string) {
	os.Exit(runShow(args, os.Stdout, os.Stderr))
}

func cmdValidate(args []string) {
	os.Exit(runValidate(args, os.Stdout, os.Stderr))
}

func cmdCleanup(args []string) {
	os.Exit(runCleanup(args, os.Stdout, os.Stderr))
}

func runList(args []string, stdout io.Writer, stderr io.Writer) int {
	var statusSpec string
	var diagramID string
	var dbPath string
	limit := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--status":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--status requires a value")
				return 2
			}
			statusSpec = args[i]
		case "--diagram":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--diagram requires a value")
				return 2
			}
			diagramID = args[i]
		case "--limit":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--limit requires a value")
				return 2
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintln(stderr, "--limit must be a positive integer")
				return 2
			}
			limit = n
		case "--db":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--db requires a value")
				return 2
			}
			dbPath = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 2
		}
	}

	filter := statestore.ListFilter{DiagramID: diagramID, Limit: limit}
	if statusSpec != "" {
		status, err := execution.ParseStatus(statusSpec)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		filter.Status = status
	}

	store, err := openStoreAt(dbPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer store.Close()

	states, err := store.ListExecutions(context.Background(), filter)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for _, st := range states {
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n",
			st.ID, st.Status, st.DiagramID, st.StartedAt.UTC().Format(time.RFC3339))
	}
	return 0
}

func runShow(args []string, stdout io.Writer, stderr io.Writer) int {
	var executionID string
	var dbPath string
	var asJSON bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--id requires a value")
				return 2
			}
			executionID = args[i]
		case "--db":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--db requires a value")
				return 2
			}
			dbPath = args[i]
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 2
		}
	}
	if executionID == "" {
		fmt.Fprintln(stderr, "--id is required")
		return 2
	}

	store, err := openStoreAt(dbPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer store.Close()

	st, err := store.GetState(context.Background(), executionID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "execution_id=%s\n", st.ID)
	fmt.Fprintf(stdout, "status=%s\n", st.Status)
	if st.DiagramID != "" {
		fmt.Fprintf(stdout, "diagram_id=%s\n", st.DiagramID)
	}
	fmt.Fprintf(stdout, "started_at=%s\n", st.StartedAt.UTC().Format(time.RFC3339))
	if st.EndedAt != nil {
		fmt.Fprintf(stdout, "ended_at=%s\n", st.EndedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(stdout, "duration=%s\n", st.EndedAt.Sub(st.StartedAt).Round(time.Millisecond))
	}
	if st.Error != "" {
		fmt.Fprintf(stdout, "error=%s\n", st.Error)
	}
	if st.LLMUsage.Total > 0 {
		fmt.Fprintf(stdout, "llm_tokens=%d\n", st.LLMUsage.Total)
	}

	nodeIDs := make([]string, 0, len(st.NodeStates))
	for id := range st.NodeStates {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		fmt.Fprintf(stdout, "node.%s=%s count=%d\n", id, st.NodeStates[id].Status, st.ExecCounts[id])
	}
	return 0
}

func runValidate(args []string, stdout io.Writer, stderr io.Writer) int {
	var diagramPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--diagram":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--diagram requires a value")
				return 2
			}
			diagramPath = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 2
		}
	}
	if diagramPath == "" {
		fmt.Fprintln(stderr, "--diagram is required")
		return 2
	}

	d, err := diagram.LoadFile(diagramPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	reg := handler.NewRegistry()
	handlers.RegisterAll(reg)
	diags := diagram.Validate(d, diagram.NewKnownTypesRule(reg.KnownTypes()))
	failed := false
	for _, diag := range diags {
		if diag.Severity == diagram.SeverityError {
			failed = true
			fmt.Fprintf(stderr, "%s: %s (%s)\n", diag.Severity, diag.Message, diag.Rule)
		}
	}
	if failed {
		return 1
	}

	fmt.Fprintf(stdout, "ok: %s\n", filepath.Base(diagramPath))
	for _, diag := range diags {
		fmt.Fprintf(stdout, "%s: %s (%s)\n", diag.Severity, diag.Message, diag.Rule)
	}
	return 0
}

func runCleanup(args []string, stdout io.Writer, stderr io.Writer) int {
	var dbPath string
	days := 30

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--days":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--days requires a value")
				return 2
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintln(stderr, "--days must be a positive integer")
				return 2
			}
			days = n
		case "--db":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--db requires a value")
				return 2
			}
			dbPath = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 2
		}
	}

	store, err := openStoreAt(dbPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer store.Close()

	removed, err := store.CleanupOldStates(context.Background(), days)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "removed=%d\n", removed)
	return 0
}
