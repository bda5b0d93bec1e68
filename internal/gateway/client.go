// Package gateway is the boundary to the candidate source: the LLM that
// proposes test candidates and whole-file repairs. Its replies are treated
// as untrusted text; malformed replies become zero candidates, never a
// session abort.
package gateway

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/config"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/logging"
)

// LLMClient is the minimal completion interface the pipeline needs. It can
// be substituted with a test double.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GatewayError is a transport failure talking to the candidate source.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }
func (e *GatewayError) Unwrap() error { return e.Err }

// SchemaError means a reply did not match the expected structure.
type SchemaError struct {
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reply schema: %s: %v", e.Reason, e.Err)
	}
	return "reply schema: " + e.Reason
}

func (e *SchemaError) Unwrap() error { return e.Err }

// OpenAIClient implements LLMClient against any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client from config. The API key must already be
// resolved (config applies env overrides).
func NewOpenAIClient(cfg config.LLMConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gateway: API key not configured (set TESTGEN_API_KEY)")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	logging.Get(logging.CategoryGateway).Infow("gateway initialized", "model", model)
	return &OpenAIClient{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

// Complete implements LLMClient.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem implements LLMClient.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	log := logging.Get(logging.CategoryGateway)

	var messages []openai.ChatCompletionMessage
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userPrompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		log.Warnw("completion failed", "error", err)
		return "", &GatewayError{Op: "completion", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &GatewayError{Op: "completion", Err: fmt.Errorf("no choices in response")}
	}
	log.Debugw("completion ok", "finish", resp.Choices[0].FinishReason,
		"bytes", len(resp.Choices[0].Message.Content))
	return resp.Choices[0].Message.Content, nil
}
