package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Read-model row access
//
// Get* methods read one row and surface KindNotFound when the hash is absent.
// Stage* methods queue the row write plus every index that row participates
// in, derived from the before and after states, so an operation cannot update
// a row and forget its indexes. All Stage* methods are idempotent: staging
// the same after state twice leaves Redis identical, which is what makes
// replay safe to re-run from any cursor.

// GetEvent retrieves one event by ID.
func (c *Client) GetEvent(ctx context.Context, s Scope, eventID string) (*Event, error) {
	hashData, err := c.rdb.HGetAll(ctx, EventKey(s, eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, NotFoundErr("event", eventID)
	}
	return HashToEvent(hashData)
}

// GetCommand retrieves one command row by ID.
func (c *Client) GetCommand(ctx context.Context, s Scope, commandID string) (*Command, error) {
	hashData, err := c.rdb.HGetAll(ctx, CommandKey(s, commandID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read command from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, NotFoundErr("command", commandID)
	}
	return HashToCommand(hashData)
}

// GetRun retrieves one run row by ID.
func (c *Client) GetRun(ctx context.Context, s Scope, runID string) (*Run, error) {
	hashData, err := c.rdb.HGetAll(ctx, RunKey(s, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, NotFoundErr("run", runID)
	}
	return HashToRun(hashData)
}

// GetCard retrieves one card row by ID.
func (c *Client) GetCard(ctx context.Context, s Scope, cardID string) (*Card, error) {
	hashData, err := c.rdb.HGetAll(ctx, CardKey(s, cardID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read card from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, NotFoundErr("card", cardID)
	}
	return HashToCard(hashData)
}

// GetCardByCommand resolves the card backing a command, or KindNotFound when
// the command has no card.
func (c *Client) GetCardByCommand(ctx context.Context, s Scope, commandID string) (*Card, error) {
	cardID, err := c.rdb.Get(ctx, CardByCommandKey(s, commandID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, NotFoundErr("card for command", commandID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read card index: %w", err)
	}
	return c.GetCard(ctx, s, cardID)
}

// GetDecision retrieves one decision row by ID.
func (c *Client) GetDecision(ctx context.Context, s Scope, decisionID string) (*Decision, error) {
	hashData, err := c.rdb.HGetAll(ctx, DecisionKey(s, decisionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read decision from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, NotFoundErr("decision", decisionID)
	}
	return HashToDecision(hashData)
}

// GetArtifact retrieves one artifact manifest by ID.
func (c *Client) GetArtifact(ctx context.Context, s Scope, artifactID string) (*Artifact, error) {
	hashData, err := c.rdb.HGetAll(ctx, ArtifactKey(s, artifactID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, NotFoundErr("artifact", artifactID)
	}
	return HashToArtifact(hashData)
}

// GetArtifactBySHA resolves a content hash to the artifact that first
// registered it within the project, or KindNotFound if the content is new.
func (c *Client) GetArtifactBySHA(ctx context.Context, s Scope, sha256 string) (*Artifact, error) {
	artifactID, err := c.rdb.Get(ctx, ArtifactBySHAKey(s, sha256)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, NotFoundErr("artifact content", sha256)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact dedup key: %w", err)
	}
	return c.GetArtifact(ctx, s, artifactID)
}

// GetProject retrieves one project row.
func (c *Client) GetProject(ctx context.Context, tenantID, projectID string) (*Project, error) {
	hashData, err := c.rdb.HGetAll(ctx, ProjectKey(tenantID, projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read project from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, NotFoundErr("project", projectID)
	}
	return HashToProject(hashData)
}

// GetMember retrieves one membership row, or KindNotFound when the user has
// no role in the project.
func (c *Client) GetMember(ctx context.Context, s Scope, userID string) (*Member, error) {
	hashData, err := c.rdb.HGetAll(ctx, MemberKey(s, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read member from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, NotFoundErr("member", userID)
	}
	return HashToMember(hashData)
}

// StageCommand queues the write of a command row. Commands participate in no
// secondary indexes; runs, cards, and events point at them instead.
func (c *Client) StageCommand(ctx context.Context, pipe redis.Pipeliner, after *Command) error {
	hash, err := CommandToHash(after)
	if err != nil {
		return err
	}
	s := Scope{TenantID: after.TenantID, ProjectID: after.ProjectID}
	pipe.HSet(ctx, CommandKey(s, after.ID), hash)
	return nil
}

// StageRun queues the write of a run row and its position in the command's
// run index, scored by attempt number.
func (c *Client) StageRun(ctx context.Context, pipe redis.Pipeliner, after *Run) error {
	s := Scope{TenantID: after.TenantID, ProjectID: after.ProjectID}
	pipe.HSet(ctx, RunKey(s, after.ID), RunToHash(after))
	if after.CommandID != "" {
		pipe.ZAdd(ctx, RunsByCommandKey(s, after.CommandID), redis.Z{
			Score:  float64(after.Attempt),
			Member: after.ID,
		})
	}
	return nil
}

// StageCard queues the write of a card row and keeps the retry timer ZSET in
// step: RETRY_SCHEDULED cards are members scored by retry_at_ts, everything
// else is removed.
func (c *Client) StageCard(ctx context.Context, pipe redis.Pipeliner, after *Card) error {
	hash, err := CardToHash(after)
	if err != nil {
		return err
	}
	s := Scope{TenantID: after.TenantID, ProjectID: after.ProjectID}
	pipe.HSet(ctx, CardKey(s, after.ID), hash)
	if after.CommandID != "" {
		pipe.Set(ctx, CardByCommandKey(s, after.CommandID), after.ID, 0)
	}

	retryKey := CardsRetryKey(s)
	if after.State == CardRetryScheduled && after.RetryAtTS > 0 {
		pipe.ZAdd(ctx, retryKey, redis.Z{Score: float64(after.RetryAtTS), Member: after.ID})
	} else {
		pipe.ZRem(ctx, retryKey, after.ID)
	}
	return nil
}

// StageDecision queues the write of a decision row and its three indexes:
// the open set, the deadline ZSET, and the claim deadline ZSET. Membership is
// recomputed from the after state alone so that re-staging repairs any drift.
func (c *Client) StageDecision(ctx context.Context, pipe redis.Pipeliner, after *Decision) error {
	hash, err := DecisionToHash(after)
	if err != nil {
		return err
	}
	s := Scope{TenantID: after.TenantID, ProjectID: after.ProjectID}
	pipe.HSet(ctx, DecisionKey(s, after.ID), hash)

	openKey := DecisionsOpenKey(s)
	expiryKey := DecisionsExpiryKey(s)
	claimsKey := DecisionsClaimsKey(s)

	if after.State.Open() {
		pipe.SAdd(ctx, openKey, after.ID)
	} else {
		pipe.SRem(ctx, openKey, after.ID)
	}

	if after.State.Open() && after.ExpiresAt > 0 {
		pipe.ZAdd(ctx, expiryKey, redis.Z{Score: float64(after.ExpiresAt), Member: after.ID})
	} else {
		pipe.ZRem(ctx, expiryKey, after.ID)
	}

	if after.State == DecisionClaimed && after.ClaimedUntil > 0 {
		pipe.ZAdd(ctx, claimsKey, redis.Z{Score: float64(after.ClaimedUntil), Member: after.ID})
	} else {
		pipe.ZRem(ctx, claimsKey, after.ID)
	}
	return nil
}

// StageArtifact queues the write of an artifact manifest, the per-project
// content-hash dedup guard, and the run and command membership sets.
func (c *Client) StageArtifact(ctx context.Context, pipe redis.Pipeliner, after *Artifact) error {
	hash, err := ArtifactToHash(after)
	if err != nil {
		return err
	}
	s := Scope{TenantID: after.TenantID, ProjectID: after.ProjectID}
	pipe.HSet(ctx, ArtifactKey(s, after.ID), hash)
	pipe.SetNX(ctx, ArtifactBySHAKey(s, after.ContentSHA256), after.ID, 0)
	if after.Provenance.RunID != "" {
		pipe.SAdd(ctx, ArtifactsByRunKey(s, after.Provenance.RunID), after.ID)
	}
	if after.Provenance.CommandID != "" {
		pipe.SAdd(ctx, ArtifactsByCommandKey(s, after.Provenance.CommandID), after.ID)
	}
	return nil
}

// StageProject queues the write of a project row and its entry in the global
// roster set the sweeper iterates.
func (c *Client) StageProject(ctx context.Context, pipe redis.Pipeliner, p *Project) {
	pipe.HSet(ctx, ProjectKey(p.TenantID, p.ProjectID), ProjectToHash(p))
	pipe.SAdd(ctx, ProjectsKey(), Scope{TenantID: p.TenantID, ProjectID: p.ProjectID}.String())
}

// StageMember queues the write of a membership row and the member roster set.
func (c *Client) StageMember(ctx context.Context, pipe redis.Pipeliner, m *Member) {
	s := Scope{TenantID: m.TenantID, ProjectID: m.ProjectID}
	pipe.HSet(ctx, MemberKey(s, m.UserID), MemberToHash(m))
	pipe.SAdd(ctx, MembersKey(s), m.UserID)
}

// StageMemberRemoval queues the deletion of a membership.
func (c *Client) StageMemberRemoval(ctx context.Context, pipe redis.Pipeliner, s Scope, userID string) {
	pipe.Del(ctx, MemberKey(s, userID))
	pipe.SRem(ctx, MembersKey(s), userID)
}
