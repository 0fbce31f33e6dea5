package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/loomworks/weft/internal/apiclient"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/registry"
	"github.com/loomworks/weft/internal/retry"
)

var apiJobSchema = []byte(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
		"headers": {"type": "object"},
		"timeout": {"type": "integer", "minimum": 0},
		"max_retries": {"type": "integer", "minimum": 0},
		"retry_delay_ms": {"type": "integer", "minimum": 0},
		"expected_status_codes": {"type": "array", "items": {"type": "integer"}},
		"auth": {
			"type": "object",
			"properties": {
				"type": {"type": "string", "enum": ["basic", "bearer"]},
				"user": {"type": "string"},
				"pass": {"type": "string"},
				"token": {"type": "string"}
			}
		}
	},
	"required": ["url"]
}`)

// APIJob issues an HTTP request through the API invoker, applying the
// node's retry policy. The request body is the prop "body" when set,
// otherwise the node's single input.
type APIJob struct {
	handler.BaseHandler
}

func (APIJob) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "api_job",
		Description: "HTTP call with retry policy and auth",
		Schema:      apiJobSchema,
		Services: []handler.ServiceDep{
			{Name: svcAPI, Key: registry.KeyAPIInvoker, Required: true},
		},
	}
}

func (APIJob) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	client, err := handler.ServiceAs[*apiclient.Client](req, svcAPI)
	if err != nil {
		return nil, err
	}
	n := req.Node

	method := strings.ToUpper(n.StringProp("method", "GET"))
	url := n.StringProp("url", "")
	if url == "" {
		return nil, handler.ValueError("api_job node %q requires prop \"url\"", n.ID)
	}

	policy := retry.Default()
	if v := n.IntProp("max_retries", -1); v >= 0 {
		policy.MaxAttempts = v + 1
	}
	if v := n.IntProp("retry_delay_ms", 0); v > 0 {
		policy.InitialDelayMS = int64(v)
	}

	opts := apiclient.RequestOptions{
		Headers:             stringMap(n.MapProp("headers")),
		Timeout:             time.Duration(n.IntProp("timeout", 0)) * time.Second,
		Policy:              policy,
		ExpectedStatusCodes: intSlice(n.Props["expected_status_codes"]),
		Auth:                authFromProps(n.MapProp("auth")),
	}

	body := n.Props["body"]
	if body == nil {
		body, _ = firstValue(inputs)
	}

	resp, err := client.ExecuteWithRetry(ctx, method, url, body, opts)
	if err != nil {
		return nil, err
	}
	req.State["status_code"] = resp.StatusCode

	if v, jerr := resp.JSON(); jerr == nil {
		return v, nil
	}
	return resp.Text(), nil
}

func (APIJob) SerializeOutput(req *handler.Request, result any) (*envelope.Envelope, error) {
	env := handler.Wrap(req, result)
	if code, ok := req.State["status_code"].(int); ok {
		env = env.WithMetaValue("status_code", code)
	}
	return env, nil
}

func authFromProps(m map[string]any) *apiclient.Auth {
	if len(m) == 0 {
		return nil
	}
	a := &apiclient.Auth{}
	if v, ok := m["type"].(string); ok {
		a.Type = v
	}
	if v, ok := m["user"].(string); ok {
		a.User = v
	}
	if v, ok := m["pass"].(string); ok {
		a.Pass = v
	}
	if v, ok := m["token"].(string); ok {
		a.Token = v
	}
	if a.Type == "" {
		return nil
	}
	return a
}
