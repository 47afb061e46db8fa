// Package ai wraps the external model collaborator behind a small
// interface so the room service can be tested without network calls.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/commonground-labs/commonground/internal/domain"
)

// Token budgets per call kind. Analysis carries the full mediation plan and
// needs the most headroom.
const (
	analysisMaxTokens  = 8000
	guidanceMaxTokens  = 2000
	toneCheckMaxTokens = 1000
	coachMaxTokens     = 1000
)

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("ai: empty model response")

// AnalyzeRequest carries both submitted entries plus how each person
// described the other.
type AnalyzeRequest struct {
	EntryA        string
	EntryB        string
	RelationshipA string
	RelationshipB string
}

// GuideRequest carries the conversation so far for per-turn guidance.
type GuideRequest struct {
	Messages       []ChatMessage
	CurrentSpeaker string // "A" or "B"
	ContextSummary string
	PersonA        Person
	PersonB        Person
}

// ToneCheckRequest carries a draft message for the pre-send tone gate.
type ToneCheckRequest struct {
	Message             string
	ConversationContext string
}

// Collaborator is the model boundary used by the room service.
type Collaborator interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*domain.AnalysisPayload, error)
	Guide(ctx context.Context, req GuideRequest) (*domain.Guidance, error)
	CheckTone(ctx context.Context, req ToneCheckRequest) (*domain.ToneCheckResult, error)
	Coach(ctx context.Context, statement, contextNote string, emit func(chunk string) error) error
}

// Config holds the collaborator connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a collaborator client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger,
	}
}

var codeFenceRe = regexp.MustCompile("```json\n?|\n?```")

// stripFences removes markdown code fences some models wrap JSON output in.
func stripFences(s string) string {
	return strings.TrimSpace(codeFenceRe.ReplaceAllString(s, ""))
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// Analyze produces the mediation plan from both submitted entries.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*domain.AnalysisPayload, error) {
	content, err := c.complete(ctx,
		analysisSystemPrompt,
		buildAnalysisPrompt(req.EntryA, req.EntryB, req.RelationshipA, req.RelationshipB),
		analysisMaxTokens)
	if err != nil {
		return nil, err
	}

	var payload domain.AnalysisPayload
	if err := json.Unmarshal([]byte(stripFences(content)), &payload); err != nil {
		c.logger.Error("failed to parse analysis response", "error", err)
		return nil, fmt.Errorf("parse analysis response: %w", err)
	}
	if !ValidateAnalysis(&payload) {
		return nil, errors.New("ai: analysis response missing required fields")
	}
	return &payload, nil
}

// Guide produces post-message guidance for both participants.
func (c *Client) Guide(ctx context.Context, req GuideRequest) (*domain.Guidance, error) {
	content, err := c.complete(ctx,
		guidanceSystemPrompt,
		buildGuidancePrompt(req.Messages, req.CurrentSpeaker, req.ContextSummary, req.PersonA, req.PersonB),
		guidanceMaxTokens)
	if err != nil {
		return nil, err
	}

	var guidance domain.Guidance
	if err := json.Unmarshal([]byte(stripFences(content)), &guidance); err != nil {
		c.logger.Error("failed to parse guidance response", "error", err)
		return nil, fmt.Errorf("parse guidance response: %w", err)
	}
	return &guidance, nil
}

// CheckTone analyzes a draft message before it is sent.
func (c *Client) CheckTone(ctx context.Context, req ToneCheckRequest) (*domain.ToneCheckResult, error) {
	content, err := c.complete(ctx,
		toneCheckSystemPrompt,
		buildToneCheckPrompt(req.Message, req.ConversationContext),
		toneCheckMaxTokens)
	if err != nil {
		return nil, err
	}

	var result domain.ToneCheckResult
	if err := json.Unmarshal([]byte(stripFences(content)), &result); err != nil {
		c.logger.Error("failed to parse tone check response", "error", err)
		return nil, fmt.Errorf("parse tone check response: %w", err)
	}
	if !result.ValidDecision() {
		return nil, fmt.Errorf("ai: unknown tone decision %q", result.Decision)
	}
	return &result, nil
}

// Coach streams rephrasing help chunk by chunk through emit.
func (c *Client) Coach(ctx context.Context, statement, contextNote string, emit func(chunk string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: coachSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildCoachPrompt(statement, contextNote)},
		},
		MaxTokens: coachMaxTokens,
		Stream:    true,
	})
	if err != nil {
		return fmt.Errorf("start coach stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive coach chunk: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if content := resp.Choices[0].Delta.Content; content != "" {
			if err := emit(content); err != nil {
				return err
			}
		}
	}
}
