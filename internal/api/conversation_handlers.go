package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/DialogPipe/internal/flow"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/util"
)

// webhookResponse is the turn answer. Its shape is shared with sub-dialogue
// services, which decode it as models.SubDialogueReply.
type webhookResponse struct {
	Status         models.Status              `json:"status"`
	Text           models.Utterance           `json:"text"`
	ConversationID string                     `json:"conversation_id"`
	Message        string                     `json:"msg,omitempty"`
	Record         *models.ConversationRecord `json:"record,omitempty"`
	ProcessTime    float64                    `json:"process_time"`
}

// initConversationHandler creates a conversation for a stored bot.
func (s *Server) initConversationHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.InitConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.initConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.BotID <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: bot_id"))
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = util.NewConversationID()
	}

	ctx := r.Context()
	bot, err := s.st.GetBot(ctx, req.BotID)
	if err != nil {
		slog.Error("Server.initConversationHandler: load bot failed", "botID", req.BotID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load bot"))
		return
	}
	if bot == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Bot not found"))
		return
	}
	if len(bot.Scenario) == 0 {
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error("Bot has no scenario"))
		return
	}

	slots := req.InputSlots
	if slots == nil {
		slots = map[string]interface{}{}
	}
	rec := models.NewConversationRecord(bot.Scenario)
	if req.IsTool {
		rec.ToolRecording = nil
	}
	conv := &models.Conversation{
		ConversationID:   req.ConversationID,
		BotID:            bot.ID,
		IsTool:           req.IsTool,
		Scenario:         scenario.PreprocessTitles(bot.Scenario, slots),
		SystemPrompt:     bot.SystemPrompt,
		GenerationParams: bot.GenerationParams,
		Extraction:       bot.Extraction,
		InputSlots:       slots,
		Record:           rec,
	}
	if err := s.conversations.Save(ctx, conv); err != nil {
		slog.Error("Server.initConversationHandler: save failed", "conversationID", conv.ConversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create conversation"))
		return
	}
	slog.Info("Server.initConversationHandler: conversation created", "conversationID", conv.ConversationID, "botID", bot.ID, "isTool", req.IsTool)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"conversation_id": conv.ConversationID}))
}

// webhookHandler runs one turn. Every failure is answered with the apology
// and status END so callers always get a speakable reply.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	start := time.Now()
	var req models.WebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ConversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: conversation_id"))
		return
	}

	ctx := r.Context()
	if req.MessageID != "" {
		first, err := s.st.RecordInbound(ctx, req.MessageID, req.ConversationID)
		if err != nil {
			slog.Warn("Server.webhookHandler: dedup check failed, processing anyway", "messageID", req.MessageID, "error", err)
		} else if !first {
			slog.Info("Server.webhookHandler: duplicate message", "conversationID", req.ConversationID, "messageID", req.MessageID)
			writeJSONResponse(w, http.StatusOK, models.Duplicate(req.MessageID))
			return
		}
	}

	out, err := s.orchestrator.Process(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		msg := "Failed to process message"
		if errors.Is(err, flow.ErrConversationNotFound) {
			msg = "Conversation not found: " + req.ConversationID
		}
		slog.Error("Server.webhookHandler: turn failed", "conversationID", req.ConversationID, "error", err)
		writeJSONResponse(w, http.StatusOK, webhookResponse{
			Status:         models.StatusEnd,
			Text:           models.Utterance{{Text: s.opts.Apology}},
			ConversationID: req.ConversationID,
			Message:        msg,
			ProcessTime:    elapsed.Seconds(),
		})
		return
	}

	if req.MessageID != "" {
		if err := s.st.MarkProcessed(ctx, req.MessageID); err != nil {
			slog.Warn("Server.webhookHandler: mark processed failed", "messageID", req.MessageID, "error", err)
		}
	}
	if err := s.st.AddTranscript(ctx, store.TranscriptEntry{
		ConversationID: req.ConversationID,
		BotID:          out.BotID,
		InputText:      req.Message,
		OutputText:     out.Text(),
		Status:         string(out.Status),
		ProcessTime:    elapsed.Seconds(),
	}); err != nil {
		slog.Warn("Server.webhookHandler: transcript write failed", "conversationID", req.ConversationID, "error", err)
	}

	slog.Info("Server.webhookHandler: turn served", "conversationID", req.ConversationID, "status", out.Status, "intent", out.Intent, "processTime", elapsed)
	record := out.Record
	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Status:         out.Status,
		Text:           out.Answer,
		ConversationID: req.ConversationID,
		Message:        "success",
		Record:         &record,
		ProcessTime:    elapsed.Seconds(),
	})
}

// runExtractAndGenerationHandler runs the Context Extractor synchronously.
// With a conversation id it works on that finished conversation and merges
// the result into its slots; otherwise it works on the request body alone.
func (s *Server) runExtractAndGenerationHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	start := time.Now()
	var req models.ExtractRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.runExtractAndGenerationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	ctx := r.Context()
	in := flow.ExtractInput{
		History:          req.History,
		Slots:            req.InputSlots,
		Variables:        req.Variables,
		GenerationPrompt: req.GenerationPrompt,
		Params:           req.GenerationParams,
	}

	var conv *models.Conversation
	if req.ConversationID != "" {
		var err error
		conv, err = s.conversations.Get(ctx, req.ConversationID)
		if err != nil {
			slog.Error("Server.runExtractAndGenerationHandler: load failed", "conversationID", req.ConversationID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
			return
		}
		if conv == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		if !conv.Record.Status.IsTerminal() && !conv.Record.NextAction.End {
			writeJSONResponse(w, http.StatusConflict, models.Error("Conversation has not finished"))
			return
		}
		in.History = conv.History
		in.Slots = conv.InputSlots
		in.Params = conv.GenerationParams
		if conv.Extraction != nil && len(in.Variables) == 0 && in.GenerationPrompt == "" {
			in.Variables = conv.Extraction.Variables
			in.GenerationPrompt = conv.Extraction.GenerationPrompt
		}
	} else if req.BotID > 0 && len(in.Variables) == 0 && in.GenerationPrompt == "" {
		bot, err := s.st.GetBot(ctx, req.BotID)
		if err != nil {
			slog.Error("Server.runExtractAndGenerationHandler: load bot failed", "botID", req.BotID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load bot"))
			return
		}
		if bot != nil && bot.Extraction != nil {
			in.Variables = bot.Extraction.Variables
			in.GenerationPrompt = bot.Extraction.GenerationPrompt
			in.Params = bot.GenerationParams
		}
	}

	vars := s.extractor.Extract(ctx, in)
	if conv != nil && len(vars) > 0 {
		if _, err := s.conversations.MergeSlots(ctx, conv.ConversationID, vars); err != nil {
			slog.Error("Server.runExtractAndGenerationHandler: merge failed", "conversationID", conv.ConversationID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store extracted variables"))
			return
		}
	}
	slog.Info("Server.runExtractAndGenerationHandler: done", "conversationID", req.ConversationID, "count", len(vars))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"conversation_id": req.ConversationID,
		"variables":       vars,
		"process_time":    time.Since(start).Seconds(),
	}))
}

// historyHandler returns the stored transcript of a conversation.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conversation_id"]
	entries, err := s.st.GetTranscript(r.Context(), id, 0)
	if err != nil {
		slog.Error("Server.historyHandler: load failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load history"))
		return
	}
	if entries == nil {
		entries = []store.TranscriptEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"conversation_id": id,
		"history":         entries,
	}))
}
