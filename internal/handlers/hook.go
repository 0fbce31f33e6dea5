package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/loomworks/weft/internal/apiclient"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/registry"
)

const defaultHookTimeout = 30 * time.Second

var hookSchema = []byte(`{
	"type": "object",
	"properties": {
		"hook_type": {"type": "string", "enum": ["shell", "webhook"]},
		"command": {"type": "string"},
		"url": {"type": "string"},
		"timeout": {"type": "integer", "minimum": 0},
		"env": {"type": "object"}
	}
}`)

// Hook runs a side effect: a shell command or a webhook POST. Both are
// bounded by the node's timeout (default 30 s); hitting it surfaces a
// typed timeout error.
type Hook struct {
	handler.BaseHandler
}

func (Hook) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "hook",
		Description: "shell command or webhook side effect",
		Schema:      hookSchema,
		Services: []handler.ServiceDep{
			{Name: svcAPI, Key: registry.KeyAPIInvoker},
		},
		Validate: func(req *handler.Request) error {
			n := req.Node
			switch n.StringProp("hook_type", "shell") {
			case "shell":
				return handler.RequireStringProp(n, "command")
			case "webhook":
				return handler.RequireStringProp(n, "url")
			}
			return handler.ValueError("hook node %q: unknown hook_type %q", n.ID, n.StringProp("hook_type", ""))
		},
	}
}

func (Hook) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	n := req.Node
	timeout := defaultHookTimeout
	if v := n.IntProp("timeout", 0); v > 0 {
		timeout = time.Duration(v) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if n.StringProp("hook_type", "shell") == "webhook" {
		return runWebhook(ctx, req, inputs)
	}
	return runShell(ctx, req, inputs)
}

func runShell(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	n := req.Node
	cmd := exec.CommandContext(ctx, "sh", "-c", n.StringProp("command", ""))
	// Own process group so the whole tree dies on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	if extra := stringMap(n.MapProp("env")); len(extra) > 0 {
		cmd.Env = os.Environ()
		for k, v := range extra {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if v, ok := firstValue(inputs); ok {
		cmd.Stdin = strings.NewReader(textOf(v))
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("hook command timed out: %w", context.DeadlineExceeded)
	}
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			req.State["exit_code"] = exit.ExitCode()
		}
		return nil, fmt.Errorf("hook command failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	req.State["exit_code"] = 0
	return strings.TrimRight(stdout.String(), "\n"), nil
}

func runWebhook(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	client, err := handler.ServiceAs[*apiclient.Client](req, svcAPI)
	if err != nil {
		return nil, &handler.ServiceMissingError{Handler: "hook", Key: registry.KeyAPIInvoker}
	}
	var body any
	if v, ok := firstValue(inputs); ok {
		body = v
	} else {
		body = map[string]any{"execution_id": req.ExecutionID, "node_id": req.Node.ID}
	}
	resp, err := client.ExecuteWithRetry(ctx, "POST", req.Node.StringProp("url", ""), body, apiclient.RequestOptions{})
	if err != nil {
		return nil, err
	}
	req.State["status_code"] = resp.StatusCode
	if v, jerr := resp.JSON(); jerr == nil {
		return v, nil
	}
	return resp.Text(), nil
}

func (Hook) SerializeOutput(req *handler.Request, result any) (*envelope.Envelope, error) {
	env := handler.Wrap(req, result)
	if code, ok := req.State["exit_code"].(int); ok {
		env = env.WithMetaValue("exit_code", code)
	}
	if code, ok := req.State["status_code"].(int); ok {
		env = env.WithMetaValue("status_code", code)
	}
	return env, nil
}
