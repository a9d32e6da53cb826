// Package genai composes outreach messages with the OpenAI chat completion API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// Defaults for the chat completion request.
const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 400
)

// DefaultSystemPrompt frames every composed message.
const DefaultSystemPrompt = "Você é um consultor comercial de planos de saúde escrevendo pelo WhatsApp. " +
	"Escreva uma única mensagem curta, cordial e em português do Brasil, sem saudações genéricas repetidas, " +
	"sem inventar preços e sem usar marcadores. Responda apenas com o texto da mensagem."

var (
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
	// ErrNoChoicesReturned is returned when the API answers without choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyCompletion is returned when the composed text is blank.
	ErrEmptyCompletion = errors.New("empty completion")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int64
	SystemPrompt string
	DebugMode    bool
	StateDir     string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. Without it OPENAI_API_KEY is used.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(p string) Option {
	return func(o *Opts) { o.SystemPrompt = p }
}

// WithDebugMode writes every request and response as JSON under stateDir/debug.
func WithDebugMode(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// Client wraps the OpenAI ChatCompletion service for composing messages.
type Client struct {
	chat         chatService
	model        string
	temperature  float64
	maxTokens    int64
	systemPrompt string
	debugMode    bool
	stateDir     string
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:        DefaultModel,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
		SystemPrompt: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model, "debug", cfg.DebugMode)
	return &Client{
		chat:         completions{svc: &cli.Chat.Completions},
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		debugMode:    cfg.DebugMode,
		stateDir:     cfg.StateDir,
	}, nil
}

// GeneratePromptWithContext returns the completion for a system and a user prompt.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.GeneratePromptWithContext: request failed", "model", c.model, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	c.debugLog("GeneratePromptWithContext", params, resp)

	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Compose writes a message for lead following prompt. It implements the executor's
// composer for ai-sourced steps.
func (c *Client) Compose(ctx context.Context, prompt string, lead models.Lead) (string, error) {
	text, err := c.GeneratePromptWithContext(ctx, c.systemPrompt, UserPrompt(prompt, lead))
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	if len(text) > models.MaxMessageTextLength {
		text = text[:models.MaxMessageTextLength]
	}
	return text, nil
}

// UserPrompt combines the step prompt with the lead attributes the model may use.
// Blank attributes are left out.
func UserPrompt(prompt string, lead models.Lead) string {
	var b strings.Builder
	b.WriteString("Instrução: ")
	b.WriteString(strings.TrimSpace(prompt))
	b.WriteString("\n\nDados do lead:\n")
	for _, kv := range [][2]string{
		{"Nome", lead.FullName},
		{"Cidade", lead.City},
		{"Estado", lead.State},
		{"Origem", lead.Origin},
		{"Status", lead.Status},
		{"Tipo de contratação", lead.ContractType},
		{"Operadora atual", lead.PreviousProvider},
		{"Responsável", lead.Owner},
	} {
		if strings.TrimSpace(kv[1]) == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", kv[0], kv[1])
	}
	return b.String()
}

type debugEntry struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  openai.ChatCompletion          `json:"response"`
}

// debugLog writes one JSON file per call. Failures are logged and otherwise ignored.
func (c *Client) debugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("GenAI.debugLog: cannot create debug dir", "dir", dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(debugEntry{
		Timestamp: time.Now(),
		Method:    method,
		Model:     c.model,
		Params:    params,
		Response:  resp,
	}, "", "  ")
	if err != nil {
		slog.Warn("GenAI.debugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("genai_%s_%d.json", method, time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("GenAI.debugLog: write failed", "error", err)
	}
}
