package artifact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cloudship/internal/deployment"

	"github.com/google/uuid"
)

// BlobStore writes artifact bytes and returns their storage URI.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
}

// Pointer is the document a deployed service reads to find the active
// artifact for its notebook.
type Pointer struct {
	NotebookID string    `json:"notebook_id"`
	Version    int       `json:"version"`
	Location   string    `json:"location"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PointerKey is the object key of a notebook's latest pointer.
func PointerKey(notebookID string) string {
	return "models/" + notebookID + "/latest.json"
}

// Upload is one incoming artifact file.
type Upload struct {
	NotebookID string
	Filename   string
	Size       int64
	Body       io.Reader
	Accuracy   *float64
}

// Service validates, stores and activates artifact versions.
type Service struct {
	Repo   Repository
	Blobs  BlobStore
	Logger *slog.Logger
	Now    func() time.Time
}

// NewService wires a Service with the wall clock.
func NewService(repo Repository, blobs BlobStore, logger *slog.Logger) *Service {
	return &Service{Repo: repo, Blobs: blobs, Logger: logger, Now: time.Now}
}

// Upload stores a new version and makes it the active one.
func (s *Service) Upload(ctx context.Context, up Upload) (*Version, error) {
	if strings.TrimSpace(up.NotebookID) == "" {
		return nil, fmt.Errorf("%w: notebook id is required", deployment.ErrValidation)
	}

	br := bufio.NewReader(up.Body)
	head, err := br.Peek(8)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	ext, err := ValidateUpload(up.Filename, up.Size, head)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("models/%s/%s%s", up.NotebookID, uuid.NewString(), ext)
	location, err := s.Blobs.Put(ctx, key, io.LimitReader(br, MaxSize), "application/octet-stream")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to store artifact: %v", deployment.ErrExternalService, err)
	}

	v, err := s.Repo.CreateVersion(ctx, &Version{
		ID:         uuid.NewString(),
		NotebookID: up.NotebookID,
		Location:   location,
		Filename:   up.Filename,
		SizeBytes:  up.Size,
		Accuracy:   up.Accuracy,
		Active:     true,
		UploadedAt: s.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("artifact version uploaded",
		"notebook_id", v.NotebookID,
		"version", v.Version,
		"size_bytes", v.SizeBytes)

	if err := s.writePointer(ctx, v); err != nil {
		return v, err
	}
	return v, nil
}

// Activate makes an existing version the active one.
func (s *Service) Activate(ctx context.Context, notebookID string, version int) (*Version, error) {
	v, err := s.Repo.ActivateVersion(ctx, notebookID, version, s.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.Logger.Info("artifact version activated", "notebook_id", notebookID, "version", version)

	if err := s.writePointer(ctx, v); err != nil {
		return v, err
	}
	return v, nil
}

// Active returns the active version of a notebook.
func (s *Service) Active(ctx context.Context, notebookID string) (*Version, error) {
	return s.Repo.ActiveVersion(ctx, notebookID)
}

// List returns all versions of a notebook, newest first.
func (s *Service) List(ctx context.Context, notebookID string) ([]*Version, error) {
	return s.Repo.ListVersions(ctx, notebookID)
}

// writePointer publishes the active version after the database swap has
// committed. A failure here leaves the database authoritative; the next
// activation rewrites the pointer.
func (s *Service) writePointer(ctx context.Context, v *Version) error {
	body, err := json.Marshal(Pointer{
		NotebookID: v.NotebookID,
		Version:    v.Version,
		Location:   v.Location,
		UpdatedAt:  s.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode pointer: %w", err)
	}

	if _, err := s.Blobs.Put(ctx, PointerKey(v.NotebookID), bytes.NewReader(body), "application/json"); err != nil {
		s.Logger.Error("failed to write latest pointer", "notebook_id", v.NotebookID, "version", v.Version, "error", err)
		return fmt.Errorf("%w: failed to write latest pointer: %v", deployment.ErrExternalService, err)
	}
	return nil
}
