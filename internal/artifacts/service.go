package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborcrm/harbor/internal/apperr"
)

// MaxListLimit caps the page size of artifact listings.
const MaxListLimit = 100

// PutInput describes one artifact to store. Payload is stored verbatim
// when it is raw bytes, otherwise it is JSON-serialized.
type PutInput struct {
	TenantID   string
	Kind       string
	EntityType string
	EntityID   string
	Payload    any
}

// Service combines the blob store and the metadata repository behind
// the tenant-scoped artifact contract.
type Service struct {
	blobs   BlobStore
	repo    Repository
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewService wires a blob store and repository together.
func NewService(blobs BlobStore, repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		blobs:   blobs,
		repo:    repo,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Service) SetNowFunc(fn func() time.Time) { s.nowFunc = fn }

// Put serializes, hashes, uploads, and records one artifact. The
// returned ref is immutable.
func (s *Service) Put(ctx context.Context, in PutInput) (*Ref, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, apperr.Validation("tenant_id", "tenant is required")
	}
	if strings.TrimSpace(in.Kind) == "" {
		return nil, apperr.Validation("kind", "artifact kind is required")
	}

	payload, err := serializePayload(in.Payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "serialize artifact payload", err)
	}

	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	id := uuid.NewString()

	ref := &Ref{
		ID:         id,
		TenantID:   in.TenantID,
		Kind:       in.Kind,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		R2Key:      fmt.Sprintf("%s/%s/%s-%s", in.TenantID, in.Kind, digest[:16], id),
		SHA256:     digest,
		SizeBytes:  int64(len(payload)),
		CreatedAt:  s.nowFunc().UTC(),
	}

	if err := s.blobs.Put(ctx, ref.R2Key, bytes.NewReader(payload)); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "upload artifact blob", err)
	}
	if err := s.repo.Insert(ctx, ref); err != nil {
		// Best-effort rollback of the orphaned blob.
		if delErr := s.blobs.Delete(ctx, ref.R2Key); delErr != nil {
			s.logger.Warn("orphaned artifact blob after insert failure",
				"key", ref.R2Key, "error", delErr)
		}
		return nil, err
	}

	s.logger.Info("artifact stored",
		"artifact_id", ref.ID,
		"tenant_id", ref.TenantID,
		"kind", ref.Kind,
		"size_bytes", ref.SizeBytes)
	return ref, nil
}

// Get returns the ref and payload for an artifact, gated by tenant
// equality. The payload digest is re-checked against the ref on every
// retrieval.
func (s *Service) Get(ctx context.Context, id, tenantID string) (*Ref, []byte, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, nil, apperr.Validation("tenant_id", "tenant is required")
	}

	ref, err := s.repo.Get(ctx, id, tenantID)
	if err != nil {
		return nil, nil, err
	}

	reader, err := s.blobs.Get(ctx, ref.R2Key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, apperr.Newf(apperr.KindNotFound, "artifact %q blob missing", id)
		}
		return nil, nil, apperr.Wrap(apperr.KindStorageUnavailable, "fetch artifact blob", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindStorageUnavailable, "read artifact blob", err)
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != ref.SHA256 {
		return nil, nil, apperr.Newf(apperr.KindInternal, "artifact %q failed integrity check", id)
	}

	return ref, payload, nil
}

// List returns refs for a tenant, newest first. limit is clamped to
// MaxListLimit; zero means the maximum.
func (s *Service) List(ctx context.Context, tenantID, kind, entityID string, limit int) ([]*Ref, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.Validation("tenant_id", "tenant is required")
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.repo.List(ctx, tenantID, kind, entityID, limit)
}

// Sweep removes artifacts of the given kind older than the retention
// window, blobs included. Returns the number removed.
func (s *Service) Sweep(ctx context.Context, kind string, retention time.Duration) (int, error) {
	cutoff := s.nowFunc().Add(-retention)
	refs, err := s.repo.DeleteOlderThan(ctx, kind, cutoff)
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		if err := s.blobs.Delete(ctx, ref.R2Key); err != nil {
			s.logger.Warn("sweep failed to delete blob", "key", ref.R2Key, "error", err)
		}
	}
	if len(refs) > 0 {
		s.logger.Info("artifact sweep complete", "kind", kind, "removed", len(refs))
	}
	return len(refs), nil
}

// Close releases the blob store and repository.
func (s *Service) Close() error {
	blobErr := s.blobs.Close()
	repoErr := s.repo.Close()
	if blobErr != nil {
		return blobErr
	}
	return repoErr
}

func serializePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("payload is required")
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}
