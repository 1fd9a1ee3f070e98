package frontend

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/missionkit/missiond/internal/build"
	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/persis/fileproject"
)

// respondData writes the success envelope {"data": payload}.
func respondData(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": payload})
}

// respondError writes the failure envelope {"error": message} with a status
// derived from the error kind.
func respondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForError(err))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrMissionNotFound),
		errors.Is(err, core.ErrTemplateNotFound),
		errors.Is(err, core.ErrRunNotFound),
		errors.Is(err, core.ErrNodeNotFound),
		errors.Is(err, core.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrCycleDetected),
		errors.Is(err, core.ErrNoRootNodes),
		errors.Is(err, core.ErrNotRetriable),
		errors.Is(err, core.ErrInvalidID),
		errors.Is(err, core.ErrProviderUnknown),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

var errBadRequest = errors.New("invalid request body")

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": build.Version,
	})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, s.providers.List(r.Context()))
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, s.watcher.ActiveAgents())
}

// Missions.

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	missions, err := s.missions.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, missions)
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if m == nil {
		respondError(w, core.ErrMissionNotFound)
		return
	}
	respondData(w, http.StatusOK, m)
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var m core.Mission
	if err := decodeBody(r, &m); err != nil {
		respondError(w, errBadRequestWith(err))
		return
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := s.missions.Create(r.Context(), &m); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateMission(w http.ResponseWriter, r *http.Request) {
	var m core.Mission
	if err := decodeBody(r, &m); err != nil {
		respondError(w, errBadRequestWith(err))
		return
	}
	m.ID = chi.URLParam(r, "id")
	if err := s.missions.Update(r.Context(), &m); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMission(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.missions.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		respondError(w, core.ErrMissionNotFound)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleRunMission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Context map[string]string `json:"context"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			respondError(w, errBadRequestWith(err))
			return
		}
	}
	run, err := s.engine.StartMission(r.Context(), chi.URLParam(r, "id"), body.Context)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, run)
}

// Templates reuse the mission store shape against a different directory.

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.templates.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if t == nil {
		respondError(w, core.ErrTemplateNotFound)
		return
	}
	respondData(w, http.StatusOK, t)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t core.Mission
	if err := decodeBody(r, &t); err != nil {
		respondError(w, errBadRequestWith(err))
		return
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := s.templates.Create(r.Context(), &t); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var t core.Mission
	if err := decodeBody(r, &t); err != nil {
		respondError(w, errBadRequestWith(err))
		return
	}
	t.ID = chi.URLParam(r, "id")
	if err := s.templates.Update(r.Context(), &t); err != nil {
		if errors.Is(err, core.ErrMissionNotFound) {
			err = core.ErrTemplateNotFound
		}
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.templates.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		respondError(w, core.ErrTemplateNotFound)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Runs.

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context(), r.URL.Query().Get("missionId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if run == nil {
		respondError(w, core.ErrRunNotFound)
		return
	}
	respondData(w, http.StatusOK, run)
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.AbortMission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, run)
}

func (s *Server) handleRetryNode(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.RetryNode(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "nodeId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, run)
}

func (s *Server) handleGetRunMessages(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if run == nil {
		respondError(w, core.ErrRunNotFound)
		return
	}
	respondData(w, http.StatusOK, run.Messages)
}

func (s *Server) handleRelayMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, errBadRequestWith(err))
		return
	}
	if body.To == "" || body.Content == "" {
		respondError(w, errBadRequest)
		return
	}
	if err := s.engine.RelayMessage(r.Context(), chi.URLParam(r, "id"), body.From, body.To, body.Content); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"relayed": true})
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.engine.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if progress == nil {
		respondError(w, core.ErrRunNotFound)
		return
	}
	respondData(w, http.StatusOK, progress)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	chunks := s.providers.OutputChunks(r.Context(), chi.URLParam(r, "id"), nodeID)
	respondData(w, http.StatusOK, map[string]any{
		"nodeId": nodeID,
		"chunks": chunks,
	})
}

// Settings.

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.Load(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, settings)
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, errBadRequestWith(err))
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.settings.Set(r.Context(), key, body.Value); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{key: body.Value})
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Projects.

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if projects == nil {
		projects = []fileproject.Project{}
	}
	respondData(w, http.StatusOK, projects)
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	var p fileproject.Project
	if err := decodeBody(r, &p); err != nil {
		respondError(w, errBadRequestWith(err))
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.projects.Add(r.Context(), p); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, p)
}

func (s *Server) handleRemoveProject(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func errBadRequestWith(err error) error {
	return badRequestError{err}
}

// badRequestError tags a decode failure so statusForError maps it to 400.
type badRequestError struct{ err error }

func (e badRequestError) Error() string { return "invalid request body: " + e.err.Error() }

func (e badRequestError) Unwrap() error { return errBadRequest }
