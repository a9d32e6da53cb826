package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hexamarkco/kifersaude-sub001/internal/automation"
	"github.com/hexamarkco/kifersaude-sub001/internal/graph"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/store"
)

// decodeJSON decodes the request body into v. An empty body leaves v untouched and
// reports false.
func decodeJSON(r *http.Request, v interface{}) (bool, error) {
	if r.Body == nil {
		return false, nil
	}
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// triggerHandler handles POST /leads/{id}/trigger. The CRM calls it whenever a lead
// changes; an optional lead body is stored before matching.
func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	slog.Debug("Server.triggerHandler: processing trigger", "lead_id", id)

	var lead models.Lead
	present, err := decodeJSON(r, &lead)
	if err != nil {
		slog.Warn("Server.triggerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if present {
		if lead.ID == "" {
			lead.ID = id
		}
		if lead.ID != id {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Lead id does not match path"))
			return
		}
		if err := s.engine.SaveLead(r.Context(), lead); err != nil {
			slog.Error("Server.triggerHandler: failed to store lead", "lead_id", id, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store lead"))
			return
		}
	}

	res, err := s.engine.Trigger(r.Context(), id)
	switch {
	case errors.Is(err, models.ErrLeadNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	case errors.Is(err, store.ErrRunActive):
		writeJSONResponse(w, http.StatusConflict, models.Error("Lead already has an active run"))
		return
	case errors.Is(err, automation.ErrEngineStopped):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Automation engine is stopping"))
		return
	case err != nil:
		slog.Error("Server.triggerHandler: trigger failed", "lead_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to trigger automation"))
		return
	}

	if !res.Started {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(res.Reason, res))
		return
	}
	slog.Info("Server.triggerHandler: run started", "lead_id", id, "flow_id", res.FlowID, "run_id", res.RunID)
	writeJSONResponse(w, http.StatusAccepted, models.Scheduled("Run started", res))
}

// cancelRunHandler handles DELETE /leads/{id}/run.
func (s *Server) cancelRunHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), DefaultCancelTimeout)
	defer cancel()

	found, err := s.engine.Cancel(ctx, id)
	if !found {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active run for lead"))
		return
	}
	if err != nil {
		slog.Warn("Server.cancelRunHandler: run did not stop in time", "lead_id", id, "error", err)
		writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Cancellation requested", nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Run canceled", nil))
}

func (s *Server) leadRunHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.engine.LookupRun(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active run for lead"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(run))
}

func (s *Server) activeRunsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.ActiveRuns()))
}

// parseLimit reads the limit query parameter, capped at MaxHistoryLimit.
func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return DefaultHistoryLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, MaxHistoryLimit), true
}

// historyHandler handles GET /runs/history?limit=N.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
		return
	}
	runs, err := s.engine.History(r.Context(), limit)
	if err != nil {
		slog.Error("Server.historyHandler: failed to list runs", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list runs"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(runs))
}

// messagesHandler handles GET /leads/{id}/messages?limit=N.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
		return
	}
	msgs, err := s.engine.Messages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		slog.Error("Server.messagesHandler: failed to list messages", "lead_id", r.PathValue("id"), "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// flowGraphHandler handles GET /flows/{id}/graph, laying out a configured flow
// for the visual builder.
func (s *Server) flowGraphHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := s.engine.Settings().Flow(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(graph.BuildGraph(f)))
}

func (s *Server) disableFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.engine.DisableFlow(id)
	if errors.Is(err, automation.ErrUnknownFlow) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to disable flow"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow disabled", map[string]interface{}{
		"flow_id":       id,
		"runs_canceled": n,
	}))
}

func (s *Server) enableFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	was, err := s.engine.EnableFlow(id)
	if errors.Is(err, automation.ErrUnknownFlow) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enable flow"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow enabled", map[string]interface{}{
		"flow_id":      id,
		"was_disabled": was,
	}))
}

// CompileRequest is the body of POST /flows/compile.
type CompileRequest struct {
	Flow  models.Flow      `json:"flow"`
	Graph models.FlowGraph `json:"graph"`
}

func (s *Server) compileHandler(w http.ResponseWriter, r *http.Request) {
	var req CompileRequest
	if _, err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Flow.ID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: flow.id"))
		return
	}
	res, err := graph.Compile(req.Flow, req.Graph)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	for i := range res.Flows {
		if err := res.Flows[i].Validate(); err != nil {
			writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// MatchResult is the result of POST /flows/match.
type MatchResult struct {
	Matched bool   `json:"matched"`
	FlowID  string `json:"flow_id,omitempty"`
}

func (s *Server) matchHandler(w http.ResponseWriter, r *http.Request) {
	var lead models.Lead
	if _, err := decodeJSON(r, &lead); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	f, ok := s.engine.Match(lead)
	writeJSONResponse(w, http.StatusOK, models.Success(MatchResult{Matched: ok, FlowID: f.ID}))
}

// PreviewRequest is the body of POST /schedule/preview. Start defaults to now.
type PreviewRequest struct {
	FlowID string    `json:"flow_id"`
	Start  time.Time `json:"start"`
}

func (s *Server) previewHandler(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if _, err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.FlowID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: flow_id"))
		return
	}
	if req.Start.IsZero() {
		req.Start = time.Now()
	}
	entries, err := s.engine.Preview(req.FlowID, req.Start)
	if errors.Is(err, automation.ErrUnknownFlow) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute preview"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}
