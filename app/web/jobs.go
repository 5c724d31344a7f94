package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobsrv/app/store"
)

// DeleteResponse is the JSON response for DELETE /api/jobs/{id}
type DeleteResponse struct {
	Message string    `json:"message"`
	Job     store.Job `json:"job"`
}

// handleListJobs returns all jobs as JSON array
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.List(r.Context())
	if err != nil {
		s.storeError(w, r, err, "Failed to fetch jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err, "Failed to fetch job")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeFields(r)
	if err != nil {
		log.Printf("[DEBUG] bad create request: %v", err)
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.store.Create(r.Context(), fields)
	if err != nil {
		s.storeError(w, r, err, "Failed to create job")
		return
	}
	log.Printf("[INFO] job %s created", job.ID)
	s.writeJSON(w, http.StatusCreated, job)
}

// handleUpdateJob merges request fields into existing job, no upsert
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeFields(r)
	if err != nil {
		log.Printf("[DEBUG] bad update request: %v", err)
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.store.Update(r.Context(), r.PathValue("id"), fields)
	if err != nil {
		s.storeError(w, r, err, "Failed to update job")
		return
	}
	log.Printf("[INFO] job %s updated", job.ID)
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err, "Failed to delete job")
		return
	}
	log.Printf("[INFO] job %s deleted", job.ID)
	s.writeJSON(w, http.StatusOK, DeleteResponse{Message: "Job deleted successfully", Job: job})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	s.writeJSONError(w, http.StatusNotFound, "Route not found")
}

// storeError maps store errors to response. Details go to the log only.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Job not found")
		return
	}
	log.Printf("[ERROR] %s %s failed: %v", r.Method, r.URL.Path, err)
	s.writeJSONError(w, http.StatusInternalServerError, msg)
}

// decodeFields reads request body as JSON object. Empty body is an empty object.
func decodeFields(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("body is null")
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return fields, nil
}
