package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

func TestInitConversationAndWebhook(t *testing.T) {
	var initReq models.InitConversationRequest
	var hookReq models.WebhookRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bot/initConversation", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&initReq))
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&hookReq))
		_, _ = w.Write([]byte(`{"status":"CHAT","text":["Say it again: apple"],"record":{"status":"CHAT","next_action":1,"display":{"language":"en"}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(WithWorkflowURL(srv.URL + "/v1/bot/"))
	ctx := context.Background()

	err := c.InitConversation(ctx, "Workflow", models.InitConversationRequest{
		BotID:          7,
		ConversationID: "tool-1",
		InputSlots:     map[string]interface{}{"START_MESSAGE": "Try again", "TARGET_ANSWER": "apple"},
		IsTool:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), initReq.BotID)
	assert.True(t, initReq.IsTool)

	reply, err := c.Webhook(ctx, RobotWorkflow, models.WebhookRequest{ConversationID: "tool-1", Message: "aple", FirstMessage: "aple"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusChat, reply.Status)
	assert.Equal(t, []string{"Say it again: apple"}, reply.Text.Texts())
	require.NotNil(t, reply.Record)
	assert.Equal(t, "en", reply.Record.Display.Language)
	assert.Equal(t, "aple", hookReq.FirstMessage)
}

func TestInitConversationAgentNumericStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":0}`))
	}))
	defer srv.Close()

	c := NewClient(WithAgentURL(srv.URL))
	assert.NoError(t, c.InitConversation(context.Background(), RobotAgent, models.InitConversationRequest{ConversationID: "x"}))
}

func TestInitConversationRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","message":"bot not found"}`))
	}))
	defer srv.Close()

	c := NewClient(WithWorkflowURL(srv.URL))
	assert.Error(t, c.InitConversation(context.Background(), RobotWorkflow, models.InitConversationRequest{ConversationID: "x"}))
}

func TestUnknownRobotType(t *testing.T) {
	c := NewClient(WithWorkflowURL("http://localhost"))
	_, err := c.Webhook(context.Background(), "ROBOT", models.WebhookRequest{})
	assert.Error(t, err)
	_, err = c.Webhook(context.Background(), RobotAgent, models.WebhookRequest{})
	assert.Error(t, err)
}

func TestWebhookTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(WithWorkflowURL(srv.URL), WithTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := c.Webhook(context.Background(), RobotWorkflow, models.WebhookRequest{ConversationID: "x"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
