// Package genai implements the language model collaborator on top of the
// OpenAI chat completions API.
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

	"github.com/BTreeMap/DialogPipe/internal/metrics"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/util"
)

// ErrNoChoicesReturned is returned when the API answers without choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// Defaults for generation parameters a bot does not set.
const (
	DefaultModel               = string(openai.ChatModelGPT4oMini)
	DefaultTemperature         = 0.1
	DefaultMaxCompletionTokens = 1024
	DefaultTimeout             = 10 * time.Second
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds client configuration.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	Timeout             time.Duration
	DebugMode           bool
	StateDir            string
	Metrics             *metrics.Collector
}

// Option mutates Opts.
type Option func(*Opts)

// WithAPIKey sets the API key. When unset, OPENAI_API_KEY is used.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens sets the default completion budget.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithTimeout bounds each completion.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebug writes every request and response under stateDir/debug.
func WithDebug(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = c }
}

// Client completes chat conversations.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	timeout             time.Duration
	debugMode           bool
	stateDir            string
	metrics             *metrics.Collector
}

// NewClient creates a Client.
func NewClient(opts ...Option) (*Client, error) {
	o := Opts{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		Timeout:             DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(o.APIKey)}
	if o.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(o.BaseURL))
	}
	cli := openai.NewClient(clientOpts...)
	slog.Debug("genai.NewClient: client created", "model", o.Model, "baseURL", o.BaseURL, "debug", o.DebugMode)
	return &Client{
		chat:                completionsAdapter{svc: &cli.Chat.Completions},
		model:               o.Model,
		temperature:         o.Temperature,
		maxCompletionTokens: o.MaxCompletionTokens,
		timeout:             o.Timeout,
		debugMode:           o.DebugMode,
		stateDir:            o.StateDir,
		metrics:             o.Metrics,
	}, nil
}

// Complete sends messages and returns the first choice's text. Bot-level
// params override the client defaults. A deadline overrun wraps
// context.DeadlineExceeded.
func (c *Client) Complete(ctx context.Context, messages []models.Message, params models.GenerationParams) (string, error) {
	req := c.buildParams(messages, params)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, req)
	if err == nil && len(resp.Choices) == 0 {
		err = ErrNoChoicesReturned
	}
	c.metrics.RecordLLM(err, time.Since(start))
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		slog.Warn("genai.Complete: request failed", "model", req.Model, "duration", time.Since(start), "error", err)
		return "", err
	}
	content := resp.Choices[0].Message.Content
	if c.debugMode {
		c.writeDebug(messages, req.Model, content)
	}
	slog.Debug("genai.Complete: response received", "model", req.Model, "duration", time.Since(start), "length", len(content))
	return content, nil
}

func (c *Client) buildParams(messages []models.Message, params models.GenerationParams) openai.ChatCompletionNewParams {
	model := c.model
	if params.Model != "" {
		model = params.Model
	}
	temperature := c.temperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}
	maxTokens := c.maxCompletionTokens
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}
	req := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(maxTokens)
	}
	return req
}

func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

type debugEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	Model     string           `json:"model"`
	Messages  []models.Message `json:"messages"`
	Response  string           `json:"response"`
}

// writeDebug stores one exchange as a JSON file. Failures are only logged.
func (c *Client) writeDebug(messages []models.Message, model, response string) {
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("genai.writeDebug: create dir failed", "dir", dir, "error", err)
		return
	}
	entry := debugEntry{Timestamp: time.Now().UTC(), Model: model, Messages: messages, Response: response}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebug: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("genai_%s_%s.json", entry.Timestamp.Format("20060102T150405.000"), util.GenerateRandomHex(6))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("genai.writeDebug: write failed", "file", name, "error", err)
	}
}

// ParseJSONObject extracts a JSON object from a model reply, tolerating
// Markdown code fences and leading prose.
func ParseJSONObject(text string) (map[string]interface{}, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, false
	}
	return out, true
}
