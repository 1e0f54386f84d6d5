package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
)

func botIDFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["bot_id"], 10, 64)
	return id, err == nil && id > 0
}

// putBotHandler stores a bot definition under the id in the path.
func (s *Server) putBotHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, ok := botIDFromPath(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid bot id"))
		return
	}
	var bot models.Bot
	if err := decodeJSON(r, &bot); err != nil {
		slog.Warn("Server.putBotHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	bot.ID = id
	if err := scenario.Validate(bot.Scenario); err != nil {
		slog.Warn("Server.putBotHandler: invalid scenario", "botID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveBot(r.Context(), bot); err != nil {
		slog.Error("Server.putBotHandler: save failed", "botID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save bot"))
		return
	}
	slog.Info("Server.putBotHandler: bot saved", "botID", id, "states", len(bot.Scenario))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"bot_id": id}))
}

func (s *Server) getBotHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := botIDFromPath(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid bot id"))
		return
	}
	bot, err := s.st.GetBot(r.Context(), id)
	if err != nil {
		slog.Error("Server.getBotHandler: load failed", "botID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load bot"))
		return
	}
	if bot == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Bot not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(bot))
}
