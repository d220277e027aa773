// Package artifacts implements the content-addressed artifact registry.
// Bytes go to the blob store; the ledger keeps an immutable manifest with
// provenance. Dedup is per project on the content hash: reporting bytes the
// project has already registered returns the existing manifest and emits no
// event.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/blob"
	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/internal/projector"
	"github.com/dyluth/drey/pkg/ledger"
)

// Content encodings accepted by Report.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// Service registers and serves artifacts.
type Service struct {
	ledger *ledger.Client
	guard  *guard.Guard
	blobs  blob.Store
	log    *zap.Logger
}

// New creates the artifact registry.
func New(client *ledger.Client, g *guard.Guard, blobs blob.Store, log *zap.Logger) *Service {
	return &Service{ledger: client, guard: g, blobs: blobs, log: log}
}

// Report carries the inputs of report_artifact.
type Report struct {
	Content       string
	Encoding      string // utf8 or base64
	Type          string // Media type of the content
	LogicalName   string
	Labels        map[string]string
	CommandID     string
	RunID         string
	CorrelationID string
	Links         []ledger.ArtifactLink
}

// Receipt is the outcome of a report.
type Receipt struct {
	ArtifactID   string
	Deduplicated bool
}

// ReportArtifact registers content. Roles: bot, owner.
//
// Two reports racing on the same content are serialized by the watch on the
// dedup key: the loser re-reads, finds the winner's manifest, and returns it
// as a dedup hit. The worst case is an orphaned blob write, never a second
// manifest.
func (s *Service) ReportArtifact(ctx context.Context, scope ledger.Scope, rep Report) (*Receipt, error) {
	if _, err := s.guard.Require(ctx, scope, ledger.RoleBot, ledger.RoleOwner); err != nil {
		return nil, err
	}
	if rep.Type == "" {
		return nil, ledger.E(ledger.KindInvalidArgument, "artifact type cannot be empty")
	}

	data, err := decode(rep.Content, rep.Encoding)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	shaHex := hex.EncodeToString(sum[:])

	// Fast path: content this project already has needs no blob write.
	existing, err := s.ledger.GetArtifactBySHA(ctx, scope, shaHex)
	if err == nil {
		return &Receipt{ArtifactID: existing.ID, Deduplicated: true}, nil
	}
	if !ledger.IsNotFound(err) {
		return nil, err
	}

	ptr, err := s.blobs.Put(ctx, scope, blob.ContentKey(shaHex), data, rep.Type)
	if err != nil {
		return nil, err
	}

	artifactID := ledger.NewID()
	correlationID := rep.CorrelationID
	if correlationID == "" {
		correlationID = rep.CommandID
	}
	if correlationID == "" {
		correlationID = artifactID
	}

	event, err := s.ledger.BuildEvent(scope, ledger.Draft{
		Type:          ledger.EventArtifactProduced,
		CorrelationID: correlationID,
		CommandID:     rep.CommandID,
		RunID:         rep.RunID,
		Payload: ledger.ArtifactProducedPayload{
			ArtifactID:    artifactID,
			ContentSHA256: shaHex,
			Type:          rep.Type,
			LogicalName:   rep.LogicalName,
			ByteSize:      int64(len(data)),
			Labels:        rep.Labels,
			Storage:       ptr,
			Links:         rep.Links,
		},
	})
	if err != nil {
		return nil, err
	}

	manifest, err := projector.ApplyArtifact(event, nil)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{ArtifactID: artifactID}
	shaKey := ledger.ArtifactBySHAKey(scope, shaHex)

	err = s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		winner, err := s.ledger.GetArtifactBySHA(ctx, scope, shaHex)
		if err == nil {
			receipt = &Receipt{ArtifactID: winner.ID, Deduplicated: true}
			return nil
		}
		if !ledger.IsNotFound(err) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.ledger.StageEvent(ctx, pipe, event); err != nil {
				return err
			}
			return s.ledger.StageArtifact(ctx, pipe, manifest)
		})
		return err
	}, shaKey)
	if err != nil {
		return nil, err
	}

	if !receipt.Deduplicated {
		s.ledger.PublishEvent(ctx, event)
		s.log.Info("artifact registered",
			zap.String("artifact_id", artifactID),
			zap.String("sha256", shaHex),
			zap.Int("byte_size", len(data)))
	}
	return receipt, nil
}

func decode(content, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingUTF8, "":
		return []byte(content), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, ledger.E(ledger.KindInvalidEncoding, "content is not valid base64: %v", err)
		}
		return data, nil
	default:
		return nil, ledger.E(ledger.KindInvalidEncoding, "unknown encoding %q (use utf8 or base64)", encoding)
	}
}

// GetArtifact returns one manifest. Any member may read.
func (s *Service) GetArtifact(ctx context.Context, scope ledger.Scope, artifactID string) (*ledger.Artifact, error) {
	if _, err := s.guard.Require(ctx, scope); err != nil {
		return nil, err
	}
	return s.ledger.GetArtifact(ctx, scope, artifactID)
}

// GetContent returns a manifest's raw bytes from the blob store.
func (s *Service) GetContent(ctx context.Context, scope ledger.Scope, artifactID string) (*ledger.Artifact, []byte, error) {
	manifest, err := s.GetArtifact(ctx, scope, artifactID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Get(ctx, scope, manifest.Storage)
	if err != nil {
		return nil, nil, err
	}
	return manifest, data, nil
}

// ForRun lists the artifacts a run produced. Any member may read.
func (s *Service) ForRun(ctx context.Context, scope ledger.Scope, runID string) ([]*ledger.Artifact, error) {
	if _, err := s.guard.Require(ctx, scope); err != nil {
		return nil, err
	}
	return s.ledger.ArtifactsForRun(ctx, scope, runID)
}

// ForCommand lists the artifacts any of a command's runs produced.
func (s *Service) ForCommand(ctx context.Context, scope ledger.Scope, commandID string) ([]*ledger.Artifact, error) {
	if _, err := s.guard.Require(ctx, scope); err != nil {
		return nil, err
	}
	return s.ledger.ArtifactsForCommand(ctx, scope, commandID)
}
