package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/jobs"
)

const defaultResultLimit = 20

type repositoryStatus struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	RemoteURL   string `json:"remote_url"`
	Ref         string `json:"ref"`
	CurrentHead string `json:"current_head,omitempty"`
	Running     bool   `json:"running"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler serves the service endpoints below the configured API prefix.
func (s *Service) Handler() http.Handler {
	p := s.config.ApiPrefix
	mux := http.NewServeMux()
	mux.Handle("GET "+p+"/metrics", promhttp.Handler())
	mux.HandleFunc("GET "+p+"/health", s.health)
	mux.HandleFunc("GET "+p+"/v1/repositories", s.listRepositories)
	mux.HandleFunc("POST "+p+"/v1/repositories/{name}/sync", s.triggerSync)
	mux.HandleFunc("GET "+p+"/v1/repositories/{name}/results", s.listResults)
	mux.HandleFunc("GET "+p+"/v1/results/{id}", s.getResult)
	mux.HandleFunc("GET "+p+"/v1/repositories/{name}/jobs", s.listJobs)
	mux.HandleFunc("POST "+p+"/v1/repositories/{name}/jobs/{module}/run", s.runJob)
	return mux
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DB().PingContext(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.db.ListRepositories(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]repositoryStatus, 0, len(repos))
	for _, repo := range repos {
		out = append(out, repositoryStatus{
			Name:        repo.Name,
			Slug:        repo.Slug,
			RemoteURL:   repo.RemoteURL,
			Ref:         repo.Ref(),
			CurrentHead: repo.CurrentHead,
			Running:     s.engine.Locks().Held(repo.Name),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) triggerSync(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.Trigger(name); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"repository": name})
}

func (s *Service) listResults(w http.ResponseWriter, r *http.Request) {
	limit := defaultResultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	results, err := s.db.ListSyncResults(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []*database.SyncResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Service) getResult(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid result id"))
		return
	}

	result, err := s.db.GetSyncResult(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	repo, err := s.db.GetRepository(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	list := s.engine.Jobs().Jobs(repo.Slug)
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Service) runJob(w http.ResponseWriter, r *http.Request) {
	repo, err := s.db.GetRepository(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	var input any
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.engine.Jobs().Run(r.Context(), repo.Slug, r.PathValue("module"), input)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, jobs.ErrUndefined):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func (s *Service) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Service) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Code: http.StatusText(status), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
