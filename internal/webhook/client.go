// Package webhook calls the services that run tool sub-dialogues: another
// workflow bot or an agent bot, both speaking the initConversation/webhook API.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Robot types a sub-dialogue can be routed to.
const (
	RobotWorkflow = "WORKFLOW"
	RobotAgent    = "AGENT"
)

// DefaultTimeout bounds each call.
const DefaultTimeout = 5 * time.Second

// Opts configures a Client.
type Opts struct {
	WorkflowURL string
	AgentURL    string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Option mutates Opts.
type Option func(*Opts)

// WithWorkflowURL sets the base URL of workflow bots, e.g. http://host:8080/v1/bot.
func WithWorkflowURL(u string) Option {
	return func(o *Opts) { o.WorkflowURL = u }
}

// WithAgentURL sets the base URL of agent bots.
func WithAgentURL(u string) Option {
	return func(o *Opts) { o.AgentURL = u }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client talks to sub-dialogue services.
type Client struct {
	opts Opts
	http *http.Client
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	o := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}
	return &Client{opts: o, http: hc}
}

func (c *Client) baseURL(robotType string) (string, error) {
	var u string
	switch strings.ToUpper(strings.TrimSpace(robotType)) {
	case RobotWorkflow:
		u = c.opts.WorkflowURL
	case RobotAgent:
		u = c.opts.AgentURL
	default:
		return "", fmt.Errorf("unknown robot type %q", robotType)
	}
	if u == "" {
		return "", fmt.Errorf("no URL configured for robot type %q", robotType)
	}
	return strings.TrimRight(u, "/"), nil
}

// InitConversation creates the sub-dialogue conversation.
func (c *Client) InitConversation(ctx context.Context, robotType string, req models.InitConversationRequest) error {
	base, err := c.baseURL(robotType)
	if err != nil {
		return err
	}
	var resp struct {
		Status interface{} `json:"status"`
	}
	if err := c.post(ctx, base+"/initConversation", req, &resp); err != nil {
		return err
	}
	// Workflow bots answer "ok"; agent bots answer 0.
	switch s := resp.Status.(type) {
	case string:
		if s == string(models.APIStatusOK) {
			return nil
		}
	case float64:
		if s == 0 {
			return nil
		}
	}
	return fmt.Errorf("initConversation rejected with status %v", resp.Status)
}

// Webhook forwards one user turn to the sub-dialogue.
func (c *Client) Webhook(ctx context.Context, robotType string, req models.WebhookRequest) (*models.SubDialogueReply, error) {
	base, err := c.baseURL(robotType)
	if err != nil {
		return nil, err
	}
	var reply models.SubDialogueReply
	if err := c.post(ctx, base+"/webhook", req, &reply); err != nil {
		return nil, err
	}
	if reply.Status == "" {
		return nil, fmt.Errorf("webhook reply for %s has no status", req.ConversationID)
	}
	return &reply, nil
}

func (c *Client) post(ctx context.Context, url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("webhook.Client.post", "url", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}
