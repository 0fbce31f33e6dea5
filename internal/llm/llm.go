// Package llm is the LlmService collaborator behind person_job nodes:
// chat completion against an OpenAI-compatible endpoint, with token
// usage extracted into the execution's accounting.
package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/log"
)

// Roles accepted in Message.Role. Anything unrecognized is sent as
// user.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. Model empty selects the
// service default; System, when set, is prepended as a system turn.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Reply is the model's answer.
type Reply struct {
	Text  string
	Model string
}

// Completer is what handlers depend on; Service implements it against
// a real endpoint, Recorder in tests.
type Completer interface {
	Complete(ctx context.Context, req Request) (Reply, execution.TokenUsage, error)
}

// Options configures a Service.
type Options struct {
	APIKey  string
	BaseURL string // empty uses the OpenAI default
	Model   string // default model when requests name none
	Logger  *log.Logger
}

// Service calls an OpenAI-compatible chat completion API.
type Service struct {
	client *openai.Client
	model  string
	log    *log.Logger
}

// NewService builds the service from options.
func NewService(opts Options) *Service {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
		log:    logger,
	}
}

// Complete runs one chat completion and reports the tokens it cost.
func (s *Service) Complete(ctx context.Context, req Request) (Reply, execution.TokenUsage, error) {
	model := req.Model
	if model == "" {
		model = s.model
	}
	if model == "" {
		return Reply{}, execution.TokenUsage{}, fmt.Errorf("no model configured")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    normalizeRole(m.Role),
			Content: m.Content,
		})
	}
	if len(messages) == 0 {
		return Reply{}, execution.TokenUsage{}, fmt.Errorf("empty prompt")
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Reply{}, execution.TokenUsage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, extractUsage(resp.Usage), fmt.Errorf("completion returned no choices")
	}

	usage := extractUsage(resp.Usage)
	s.log.Debug("completion finished", map[string]any{
		"model":         resp.Model,
		"input_tokens":  usage.Input,
		"output_tokens": usage.Output,
	})
	return Reply{Text: resp.Choices[0].Message.Content, Model: resp.Model}, usage, nil
}

func extractUsage(u openai.Usage) execution.TokenUsage {
	out := execution.TokenUsage{
		Input:  int64(u.PromptTokens),
		Output: int64(u.CompletionTokens),
	}
	if u.PromptTokensDetails != nil {
		out.Cached = int64(u.PromptTokensDetails.CachedTokens)
	}
	out.Total = out.Input + out.Output
	return out
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
