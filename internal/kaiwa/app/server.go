package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/avasile/kaiwa/common/version"
	"github.com/avasile/kaiwa/internal/kaiwa/batch"
	"github.com/avasile/kaiwa/internal/kaiwa/debounce"
	"github.com/avasile/kaiwa/internal/kaiwa/knowledge"
	"github.com/avasile/kaiwa/internal/kaiwa/ledger"
	"github.com/avasile/kaiwa/internal/kaiwa/persona"
	"github.com/avasile/kaiwa/internal/kaiwa/store"
)

// maxBodyBytes bounds request bodies. Generous for persona documents, still
// far above the per-message character limit.
const maxBodyBytes = 1 << 20

func (a *App) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("POST /api/agents", a.handleCreateAgent)
	mux.HandleFunc("POST /api/agents/persona", a.handleCreateAgentFromPersona)
	mux.HandleFunc("GET /api/agents", a.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", a.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", a.handleRenameAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", a.handleDeleteAgent)

	mux.HandleFunc("POST /api/agents/{id}/batch", a.handleBatch)
	mux.HandleFunc("POST /api/agents/{id}/messages", a.handleSubmitMessage)
	mux.HandleFunc("GET /api/agents/{id}/messages", a.handleListMessages)
	mux.HandleFunc("POST /api/agents/{id}/clear", a.handleClear)

	mux.HandleFunc("GET /api/agents/{id}/memory", a.handleListMemory)
	mux.HandleFunc("POST /api/agents/{id}/memory", a.handleAppendMemory)
	mux.HandleFunc("DELETE /api/agents/{id}/memory/tail", a.handleDeleteMemoryTail)
	mux.HandleFunc("GET /api/agents/{id}/effective", a.handleEffective)
	mux.HandleFunc("GET /api/agents/{id}/knowledge", a.handleKnowledge)
}

// --- plumbing ---

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *batch.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrNoEntryToDelete):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, batch.ErrBatchFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// --- health ---

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// --- agents ---

type agentView struct {
	ID               string `json:"id"`
	Owner            string `json:"owner"`
	Name             string `json:"name"`
	SeedInstructions string `json:"seed_instructions"`
	ConversationID   string `json:"conversation_id,omitempty"`
	CreatedAt        string `json:"created_at"`
	LastSummarizedAt string `json:"last_summarized_at,omitempty"`
	MemoryEntries    int    `json:"memory_entries"`
}

func (a *App) agentView(r *http.Request, agent *store.Agent) agentView {
	v := agentView{
		ID:               agent.ID,
		Owner:            agent.Owner,
		Name:             agent.Name,
		SeedInstructions: agent.SeedInstructions,
		CreatedAt:        agent.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if agent.LastSummarizedAt.Valid {
		v.LastSummarizedAt = agent.LastSummarizedAt.Time.UTC().Format("2006-01-02T15:04:05Z")
	}
	if conv, err := a.store.ConversationForAgent(r.Context(), agent.ID); err == nil {
		v.ConversationID = conv.ID
	}
	if n, err := a.ledger.EntryCount(r.Context(), agent.ID); err == nil {
		v.MemoryEntries = n
	}
	return v
}

func (a *App) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string `json:"name"`
		Owner            string `json:"owner"`
		SeedInstructions string `json:"seed_instructions"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.SeedInstructions) == "" {
		writeError(w, http.StatusBadRequest, "name and seed_instructions are required")
		return
	}

	agent := &store.Agent{
		Owner:            req.Owner,
		Name:             req.Name,
		SeedInstructions: req.SeedInstructions,
	}
	if _, err := a.store.CreateAgent(r.Context(), agent); err != nil {
		writeDomainError(w, err)
		return
	}
	a.logger.Info("agent created", "agent_id", agent.ID, "name", agent.Name)
	writeJSON(w, http.StatusCreated, a.agentView(r, agent))
}

// handleCreateAgentFromPersona accepts a raw persona YAML document.
func (a *App) handleCreateAgentFromPersona(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	doc, err := persona.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent := &store.Agent{
		Owner:            doc.Metadata.Owner,
		Name:             doc.Metadata.Name,
		SeedInstructions: doc.Seed,
	}
	if _, err := a.store.CreateAgent(r.Context(), agent); err != nil {
		writeDomainError(w, err)
		return
	}
	a.logger.Info("agent created from persona", "agent_id", agent.ID, "name", agent.Name)
	writeJSON(w, http.StatusCreated, a.agentView(r, agent))
}

func (a *App) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.store.ListAgents(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, a.agentView(r, agent))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (a *App) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := a.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.agentView(r, agent))
}

func (a *App) handleRenameAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id := r.PathValue("id")
	if err := a.store.RenameAgent(r.Context(), id, req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	agent, err := a.store.GetAgent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.agentView(r, agent))
}

func (a *App) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Drop any open batch first; its rows cascade away with the agent.
	if conv, err := a.store.ConversationForAgent(r.Context(), id); err == nil {
		a.buffer.Drop(conv.ID)
	}
	if err := a.store.DeleteAgent(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	a.logger.Info("agent deleted", "agent_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// --- conversation ---

func (a *App) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []string `json:"messages"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	res, err := a.orch.ProcessBatch(r.Context(), r.PathValue("id"), req.Messages)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	conv, err := a.store.ConversationForAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	batchID, err := a.buffer.Submit(r.Context(), conv.ID, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Accepted, not answered: the reply arrives after the quiet window.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batchID,
		"pending":  a.buffer.Pending(conv.ID),
		"window": map[string]string{
			"min": debounce.WindowMin.String(),
			"max": debounce.WindowMax.String(),
		},
	})
}

func (a *App) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := a.store.ConversationForAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	msgs, err := a.store.ListMessages(r.Context(), conv.ID, 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type messageView struct {
		Role             string `json:"role"`
		Content          string `json:"content"`
		BatchID          string `json:"batch_id"`
		BatchIndex       int    `json:"batch_index"`
		SendDelaySeconds *int64 `json:"send_delay_seconds,omitempty"`
		CreatedAt        string `json:"created_at"`
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		v := messageView{
			Role:       m.Role,
			Content:    m.Content,
			BatchID:    m.BatchID,
			BatchIndex: m.BatchIndex,
			CreatedAt:  m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if m.SendDelaySeconds.Valid {
			d := m.SendDelaySeconds.Int64
			v.SendDelaySeconds = &d
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

func (a *App) handleClear(w http.ResponseWriter, r *http.Request) {
	res, err := a.summarizer.ClearAndSummarize(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- memory ---

func (a *App) handleListMemory(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := a.store.GetAgent(r.Context(), agentID); err != nil {
		writeDomainError(w, err)
		return
	}
	entries, err := a.store.ListMemoryEntries(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type entryView struct {
		Seq         int64  `json:"seq"`
		Content     string `json:"content"`
		SummaryDate string `json:"summary_date"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{Seq: e.Seq, Content: e.Content, SummaryDate: e.SummaryDate})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

// handleAppendMemory lets a collaborator (another service, an operator) push
// a pre-summarised entry straight into the ledger.
func (a *App) handleAppendMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content     string   `json:"content"`
		SummaryDate string   `json:"summary_date"`
		Summary     string   `json:"summary"`
		Topics      []string `json:"topics"`
		KeyPoints   []string `json:"key_points"`
		Keywords    []string `json:"keywords"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	agentID := r.PathValue("id")
	if _, err := a.store.GetAgent(r.Context(), agentID); err != nil {
		writeDomainError(w, err)
		return
	}
	if req.SummaryDate == "" {
		writeError(w, http.StatusBadRequest, "summary_date is required (YYYY-MM-DD)")
		return
	}
	summary := req.Summary
	if summary == "" {
		summary = req.Content
	}

	entry, err := a.ledger.Append(r.Context(), ledger.AppendRequest{
		AgentID:     agentID,
		Content:     req.Content,
		SummaryDate: req.SummaryDate,
		Summary:     summary,
		Topics:      req.Topics,
		KeyPoints:   req.KeyPoints,
		Keywords:    req.Keywords,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"seq":          entry.Seq,
		"summary_date": entry.SummaryDate,
	})
}

func (a *App) handleDeleteMemoryTail(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := a.store.GetAgent(r.Context(), agentID); err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := a.ledger.DeleteTail(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary_date": res.SummaryDate,
		"remaining":    res.Remaining,
		"preview":      res.Preview,
	})
}

func (a *App) handleEffective(w http.ResponseWriter, r *http.Request) {
	effective, err := a.ledger.Effective(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"effective_instructions": effective})
}

// --- knowledge ---

func (a *App) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := a.store.GetAgent(r.Context(), agentID); err != nil {
		writeDomainError(w, err)
		return
	}
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	matches, err := a.index.Search(r.Context(), agentID, knowledge.ParseQuery(q), knowledge.DefaultLimit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type matchView struct {
		SummaryDate string   `json:"summary_date"`
		Summary     string   `json:"summary"`
		Topics      []string `json:"topics,omitempty"`
		KeyPoints   []string `json:"key_points,omitempty"`
		Score       int      `json:"score"`
	}
	views := make([]matchView, 0, len(matches))
	for _, m := range matches {
		views = append(views, matchView{
			SummaryDate: m.Entry.SummaryDate,
			Summary:     m.Entry.Summary,
			Topics:      m.Entry.Topics,
			KeyPoints:   m.Entry.KeyPoints,
			Score:       m.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": views})
}
