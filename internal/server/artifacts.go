package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"cloudship/internal/artifact"
	"cloudship/internal/deployment"

	"github.com/go-chi/chi/v5"
)

const (
	// multipartMemory is how much of an upload is kept in memory before
	// spilling to a temp file.
	multipartMemory = 32 << 20
	// multipartOverhead covers form boundaries and the accuracy field.
	multipartOverhead = 1 << 20
)

// HandleUploadArtifact stores a multipart "file" as the notebook's new active
// version. An optional "accuracy" field in [0, 1] is recorded with it.
func (s *Server) HandleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	notebookID := chi.URLParam(r, "notebookID")

	r.Body = http.MaxBytesReader(w, r.Body, artifact.MaxSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.Metrics.ArtifactUploaded("rejected")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file too large (max %d bytes)", artifact.MaxSize))
			return
		}
		s.respondError(w, http.StatusBadRequest, "expected a multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.Metrics.ArtifactUploaded("rejected")
		s.respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	var accuracy *float64
	if raw := r.FormValue("accuracy"); raw != "" {
		a, err := strconv.ParseFloat(raw, 64)
		if err != nil || a < 0 || a > 1 {
			s.Metrics.ArtifactUploaded("rejected")
			s.respondError(w, http.StatusBadRequest, "accuracy must be a number between 0 and 1")
			return
		}
		accuracy = &a
	}

	v, err := s.Artifacts.Upload(r.Context(), artifact.Upload{
		NotebookID: notebookID,
		Filename:   header.Filename,
		Size:       header.Size,
		Body:       file,
		Accuracy:   accuracy,
	})
	if err != nil && v == nil {
		if errors.Is(err, deployment.ErrValidation) {
			s.Metrics.ArtifactUploaded("rejected")
		} else {
			s.Metrics.ArtifactUploaded("error")
		}
		s.writeError(w, err)
		return
	}

	s.Metrics.ArtifactUploaded("stored")
	s.respondJSON(w, http.StatusCreated, versionResponse(v, err))
}

// HandleListArtifacts returns every version of a notebook, newest first.
func (s *Server) HandleListArtifacts(w http.ResponseWriter, r *http.Request) {
	notebookID := chi.URLParam(r, "notebookID")

	versions, err := s.Artifacts.List(r.Context(), notebookID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if versions == nil {
		versions = []*artifact.Version{}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"notebook_id": notebookID,
		"versions":    versions,
	})
}

// HandleActiveArtifact returns the active version of a notebook.
func (s *Server) HandleActiveArtifact(w http.ResponseWriter, r *http.Request) {
	v, err := s.Artifacts.Active(r.Context(), chi.URLParam(r, "notebookID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, v)
}

// HandleActivateArtifact makes an existing version the active one.
func (s *Server) HandleActivateArtifact(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		s.respondError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}

	v, err := s.Artifacts.Activate(r.Context(), chi.URLParam(r, "notebookID"), version)
	if err != nil && v == nil {
		s.writeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, versionResponse(v, err))
}

// versionResponse reports a committed version. pointerErr is set when the
// database change succeeded but the latest pointer could not be written.
func versionResponse(v *artifact.Version, pointerErr error) map[string]any {
	resp := map[string]any{"version": v}
	if pointerErr != nil {
		resp["warning"] = pointerErr.Error()
	}
	return resp
}
