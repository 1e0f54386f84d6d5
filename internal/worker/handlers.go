package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// EchoHandler answers with the user message and the tool's declared values.
// It stands in for real tools in development and tests.
func EchoHandler() Handler {
	return HandlerFunc(func(_ context.Context, item models.WorkItem) (*models.TaskResult, error) {
		result := map[string]interface{}{"message": item.Message}
		for k, v := range item.Tool.Value {
			result[k] = v
		}
		return &models.TaskResult{ToolName: item.Tool.Key, ToolResult: result}, nil
	})
}

// ToolRequest is the body posted to an external tool service.
type ToolRequest struct {
	ConversationID string                 `json:"conversation_id"`
	ToolName       string                 `json:"tool_name"`
	Message        string                 `json:"message"`
	AudioURL       string                 `json:"audio_url,omitempty"`
	TextRefs       string                 `json:"text_refs,omitempty"`
	Question       string                 `json:"question,omitempty"`
	Value          map[string]interface{} `json:"value,omitempty"`
}

// HTTPHandler forwards the invocation to an external tool service and
// expects a TaskResult JSON body back.
type HTTPHandler struct {
	url    string
	client *http.Client
}

// NewHTTPHandler posts to url. A nil client gets a 20s timeout.
func NewHTTPHandler(url string, client *http.Client) *HTTPHandler {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPHandler{url: url, client: client}
}

// Handle implements Handler.
func (h *HTTPHandler) Handle(ctx context.Context, item models.WorkItem) (*models.TaskResult, error) {
	req := ToolRequest{
		ConversationID: item.ConversationID,
		ToolName:       item.Tool.Key,
		Message:        item.Message,
		AudioURL:       item.AudioURL,
		TextRefs:       item.Tool.StringValue("text_refs"),
		Question:       item.Tool.StringValue("question"),
		Value:          item.Tool.Value,
	}
	// Pronunciation is scored against what the user said when no reference text is set.
	if item.Tool.Key == models.ToolPronunciationChecker && req.TextRefs == "" {
		req.TextRefs = item.Message
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal tool request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", item.Tool.Key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read tool %s response: %w", item.Tool.Key, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool %s returned status %d", item.Tool.Key, resp.StatusCode)
	}
	var res models.TaskResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode tool %s response: %w", item.Tool.Key, err)
	}
	return &res, nil
}
