package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Log and index queries
//
// All event queries return events in (ts, id) order. The ZSET indexes score
// by timestamp and store ULID members, and Redis orders equal scores
// lexicographically, so the composite order falls out of the data layout
// rather than a sort step.

// fetchEvents loads a batch of event hashes in one pipeline round trip,
// preserving the order of ids.
func (c *Client) fetchEvents(ctx context.Context, s Scope, ids []string) ([]*Event, error) {
	if len(ids) == 0 {
		return []*Event{}, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, EventKey(s, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	events := make([]*Event, 0, len(ids))
	for i, cmd := range cmds {
		hashData := cmd.Val()
		if len(hashData) == 0 {
			return nil, fmt.Errorf("event %s is indexed but has no row", ids[i])
		}
		event, err := HashToEvent(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize event %s: %w", ids[i], err)
		}
		events = append(events, event)
	}
	return events, nil
}

// EventsByCorrelation returns every event on one workflow thread in
// (ts, id) order.
func (c *Client) EventsByCorrelation(ctx context.Context, s Scope, correlationID string) ([]*Event, error) {
	ids, err := c.rdb.ZRange(ctx, EventsByCorrelationKey(s, correlationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read correlation index: %w", err)
	}
	return c.fetchEvents(ctx, s, ids)
}

// EventsByTimeRange returns up to limit events with ts in [sinceTS, untilTS]
// in (ts, id) order. untilTS <= 0 means no upper bound; limit <= 0 means no
// cap. afterEventID resumes a previous page: events at exactly sinceTS with
// IDs at or before it are skipped, so a caller paging with
// (lastEvent.TS, lastEvent.ID) never sees a duplicate and never misses an
// event that shares the boundary millisecond.
func (c *Client) EventsByTimeRange(ctx context.Context, s Scope, sinceTS, untilTS int64, afterEventID string, limit int) ([]*Event, error) {
	key := EventsByTimeKey(s)
	max := "+inf"
	if untilTS > 0 {
		max = strconv.FormatInt(untilTS, 10)
	}

	var ids []string

	if afterEventID != "" {
		// Drain the boundary millisecond first, keeping only IDs after the
		// cursor, then continue with strictly newer scores.
		boundary, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: strconv.FormatInt(sinceTS, 10),
			Max: strconv.FormatInt(sinceTS, 10),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read event index: %w", err)
		}
		for _, id := range boundary {
			if id > afterEventID {
				ids = append(ids, id)
			}
		}

		rest, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "(" + strconv.FormatInt(sinceTS, 10),
			Max: max,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read event index: %w", err)
		}
		ids = append(ids, rest...)
	} else {
		var err error
		ids, err = c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: strconv.FormatInt(sinceTS, 10),
			Max: max,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read event index: %w", err)
		}
	}

	return c.fetchEvents(ctx, s, capIDs(ids, limit))
}

func capIDs(ids []string, limit int) []string {
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}

// EventsByType returns up to limit events of one type across every project in
// the tenant, ts in [sinceTS, untilTS], in (ts, id) order.
func (c *Client) EventsByType(ctx context.Context, tenantID string, et EventType, sinceTS, untilTS int64, limit int) ([]*Event, error) {
	if err := et.Validate(); err != nil {
		return nil, E(KindInvalidArgument, "%v", err)
	}

	max := "+inf"
	if untilTS > 0 {
		max = strconv.FormatInt(untilTS, 10)
	}
	members, err := c.rdb.ZRangeByScore(ctx, EventsByTypeKey(tenantID, et), &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceTS, 10),
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read type index: %w", err)
	}
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}

	events := make([]*Event, 0, len(members))
	for _, member := range members {
		projectID, eventID, ok := strings.Cut(member, "/")
		if !ok {
			return nil, fmt.Errorf("malformed type index member %q", member)
		}
		event, err := c.GetEvent(ctx, Scope{TenantID: tenantID, ProjectID: projectID}, eventID)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// EventCount returns the number of events in the project log.
func (c *Client) EventCount(ctx context.Context, s Scope) (int64, error) {
	n, err := c.rdb.ZCard(ctx, EventsByTimeKey(s)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// OpenDecisionIDs returns the IDs of every decision in PENDING or CLAIMED.
func (c *Client) OpenDecisionIDs(ctx context.Context, s Scope) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, DecisionsOpenKey(s)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read open decision set: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// OpenDecisions loads every open decision row. Rows missing for indexed IDs
// are skipped; the sweeper's reconciliation phase reports and repairs those.
func (c *Client) OpenDecisions(ctx context.Context, s Scope) ([]*Decision, error) {
	ids, err := c.OpenDecisionIDs(ctx, s)
	if err != nil {
		return nil, err
	}

	decisions := make([]*Decision, 0, len(ids))
	for _, id := range ids {
		decision, err := c.GetDecision(ctx, s, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

// DueRetries returns card IDs whose retry timers are at or before now.
func (c *Client) DueRetries(ctx context.Context, s Scope, nowMS int64) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, CardsRetryKey(s), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMS, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read retry timers: %w", err)
	}
	return ids, nil
}

// DueExpiries returns decision IDs whose deadlines are at or before now.
func (c *Client) DueExpiries(ctx context.Context, s Scope, nowMS int64) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, DecisionsExpiryKey(s), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMS, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read decision deadlines: %w", err)
	}
	return ids, nil
}

// DueClaims returns decision IDs whose claims lapsed strictly before now.
func (c *Client) DueClaims(ctx context.Context, s Scope, nowMS int64) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, DecisionsClaimsKey(s), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(nowMS, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim deadlines: %w", err)
	}
	return ids, nil
}

// ScanIDsByPrefix returns the IDs of rows of one entity kind ("card",
// "decision", "command", "artifact", "run") whose ID starts with prefix,
// sorted. Backed by SCAN, so it is O(keyspace); the CLI short-id resolver is
// the only intended caller.
func (c *Client) ScanIDsByPrefix(ctx context.Context, s Scope, entity, prefix string) ([]string, error) {
	pattern := fmt.Sprintf("drey:%s:%s:%s:%s*", s.TenantID, s.ProjectID, entity, prefix)
	keyPrefix := fmt.Sprintf("drey:%s:%s:%s:", s.TenantID, s.ProjectID, entity)

	var ids []string
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s keys: %w", entity, err)
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, keyPrefix)
			// Sub-keys like command:{id}:runs share the prefix; skip them.
			if !strings.Contains(id, ":") {
				ids = append(ids, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListProjectScopes returns the scope of every project on the server, in
// stable order. The sweeper iterates this roster each cycle.
func (c *Client) ListProjectScopes(ctx context.Context) ([]Scope, error) {
	members, err := c.rdb.SMembers(ctx, ProjectsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read project roster: %w", err)
	}
	sort.Strings(members)

	scopes := make([]Scope, 0, len(members))
	for _, member := range members {
		tenantID, projectID, ok := strings.Cut(member, "/")
		if !ok {
			return nil, fmt.Errorf("malformed roster member %q", member)
		}
		scopes = append(scopes, Scope{TenantID: tenantID, ProjectID: projectID})
	}
	return scopes, nil
}

// ListMembers returns every membership row in the project, sorted by user ID.
func (c *Client) ListMembers(ctx context.Context, s Scope) ([]*Member, error) {
	userIDs, err := c.rdb.SMembers(ctx, MembersKey(s)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read member roster: %w", err)
	}
	sort.Strings(userIDs)

	members := make([]*Member, 0, len(userIDs))
	for _, userID := range userIDs {
		member, err := c.GetMember(ctx, s, userID)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}

// RunsForCommand returns a command's runs in attempt order.
func (c *Client) RunsForCommand(ctx context.Context, s Scope, commandID string) ([]*Run, error) {
	ids, err := c.rdb.ZRange(ctx, RunsByCommandKey(s, commandID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := c.GetRun(ctx, s, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ArtifactsForRun returns the artifacts a run produced, oldest first.
func (c *Client) ArtifactsForRun(ctx context.Context, s Scope, runID string) ([]*Artifact, error) {
	ids, err := c.rdb.SMembers(ctx, ArtifactsByRunKey(s, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run artifact set: %w", err)
	}
	return c.loadArtifacts(ctx, s, ids)
}

// ArtifactsForCommand returns the artifacts any of a command's runs produced,
// oldest first.
func (c *Client) ArtifactsForCommand(ctx context.Context, s Scope, commandID string) ([]*Artifact, error) {
	ids, err := c.rdb.SMembers(ctx, ArtifactsByCommandKey(s, commandID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read command artifact set: %w", err)
	}
	return c.loadArtifacts(ctx, s, ids)
}

func (c *Client) loadArtifacts(ctx context.Context, s Scope, ids []string) ([]*Artifact, error) {
	artifacts := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		artifact, err := c.GetArtifact(ctx, s, id)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt != artifacts[j].CreatedAt {
			return artifacts[i].CreatedAt < artifacts[j].CreatedAt
		}
		return artifacts[i].ID < artifacts[j].ID
	})
	return artifacts, nil
}
