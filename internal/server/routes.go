package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/mnemo/internal/engine"
	"github.com/lazypower/mnemo/internal/store"
)

const maxBody = 8 << 20

// agentOf returns the requesting agent. An absent header is the default
// agent for everything except the maintenance passes, where it means all.
func agentOf(r *http.Request) string {
	return r.Header.Get(AgentHeader)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid memory id")
		return 0, false
	}
	return id, true
}

// queryInt reads an integer query parameter; absent means 0.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(w, "invalid "+name)
		return 0, false
	}
	return n, true
}

func queryBool(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		badRequest(w, "invalid "+name)
		return false, false
	}
	return b, true
}

// --- records ---

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var in engine.SaveInput
	if !decode(w, r, &in) {
		return
	}
	res, degraded, err := s.eng.Save(r.Context(), agentOf(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         res.ID,
		"importance": res.Importance,
		"degraded":   degraded,
	})
}

func (s *Server) handleSaveBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Memories []engine.SaveInput `json:"memories"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.eng.SaveBatch(r.Context(), agentOf(r), req.Memories)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.eng.Get(r.Context(), agentOf(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in engine.UpdateInput
	if !decode(w, r, &in) {
		return
	}
	rec, degraded, err := s.eng.Update(r.Context(), agentOf(r), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memory": rec, "degraded": degraded})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.eng.Delete(r.Context(), agentOf(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.eng.Archive(r.Context(), agentOf(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": store.StatusArchived})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.eng.Restore(r.Context(), agentOf(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": store.StatusActive})
}

func (s *Server) handleListArchived(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	records, err := s.eng.ListArchived(r.Context(), agentOf(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- search ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := engine.SearchRequest{
		Query:    q.Get("q"),
		Category: q.Get("category"),
		Cursor:   q.Get("cursor"),
	}
	var ok bool
	if req.Hybrid, ok = queryBool(w, r, "hybrid"); !ok {
		return
	}
	if req.PageSize, ok = queryInt(w, r, "page_size"); !ok {
		return
	}
	if req.Offset, ok = queryInt(w, r, "offset"); !ok {
		return
	}
	page, err := s.eng.Search(r.Context(), agentOf(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := engine.TimelineRequest{Subject: q.Get("subject"), Cursor: q.Get("cursor")}
	var ok bool
	if req.Hybrid, ok = queryBool(w, r, "hybrid"); !ok {
		return
	}
	if req.PageSize, ok = queryInt(w, r, "page_size"); !ok {
		return
	}
	page, err := s.eng.Timeline(r.Context(), agentOf(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// --- tags ---

type tagsRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tags, err := s.eng.ListTags(r.Context(), agentOf(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "tags": tags})
}

func (s *Server) handleAddTags(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req tagsRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.eng.AddTags(r.Context(), agentOf(r), id, req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": n})
}

func (s *Server) handleRemoveTags(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req tagsRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.eng.RemoveTags(r.Context(), agentOf(r), id, req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleSearchByTag(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	records, err := s.eng.SearchByTag(r.Context(), agentOf(r), chi.URLParam(r, "tag"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- relations ---

type relationRequest struct {
	Source int64  `json:"source"`
	Target int64  `json:"target"`
	Label  string `json:"label"`
}

func (s *Server) handleAddRelation(w http.ResponseWriter, r *http.Request) {
	var req relationRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := s.eng.AddRelation(r.Context(), agentOf(r), req.Source, req.Target, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"created": created})
}

func (s *Server) handleRemoveRelation(w http.ResponseWriter, r *http.Request) {
	var req relationRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.eng.RemoveRelation(r.Context(), agentOf(r), req.Source, req.Target, req.Label); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRelations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	edges, err := s.eng.ListRelations(r.Context(), agentOf(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

func (s *Server) handleTraverse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	depth := 1
	if r.URL.Query().Has("depth") {
		if depth, ok = queryInt(w, r, "depth"); !ok {
			return
		}
	}
	reached, err := s.eng.Traverse(r.Context(), agentOf(r), id, depth, r.URL.Query().Get("label"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reached)
}

// --- sessions ---

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.eng.StartSession(r.Context(), agentOf(r), req.ID, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	sessions, err := s.eng.ListSessions(r.Context(), agentOf(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.eng.EndSession(r.Context(), agentOf(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "ended"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.DeleteSession(r.Context(), agentOf(r), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.eng.SessionSummary(r.Context(), agentOf(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSessionMemories(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	records, err := s.eng.SessionMemories(r.Context(), agentOf(r), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- entities and audit ---

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	refs, err := s.eng.Entities(r.Context(), agentOf(r), r.URL.Query().Get("type"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := engine.AuditQuery{Event: r.URL.Query().Get("event")}
	var ok bool
	if q.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(w, "invalid since")
			return
		}
		q.Since = since
	}
	events, err := s.eng.AuditLog(r.Context(), agentOf(r), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- maintenance ---

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.RunDecayPass(r.Context(), agentOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.RunCompressionPass(r.Context(), agentOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.CleanupExpired(r.Context(), agentOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAutoTune(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.RunAutoTune(r.Context(), agentOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- transfer and admin ---

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	records, err := s.eng.Export(r.Context(), agentOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var records []store.Record
	if !decode(w, r, &records) {
		return
	}
	res, err := s.eng.Import(r.Context(), agentOf(r), records)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.Stats(r.Context(), agentOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.eng.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.RebuildIndex(r.Context(), agentOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"embedded": n})
}
