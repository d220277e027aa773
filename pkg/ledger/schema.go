package ledger

import "fmt"

// Redis key pattern helpers
//
// All Redis keys are namespaced by tenant and project so that many projects
// can safely coexist on a single Redis server. Events and read-model rows are
// hashes; orderings and memberships are ZSETs and SETs maintained in the same
// transaction as the rows they index.
//
// Key pattern: drey:{tenant}:{project}:{entity}:{id}
// Index pattern: drey:{tenant}:{project}:{index_name}

// EventKey returns the Redis key for an event hash.
// Pattern: drey:{tenant}:{project}:event:{event_id}
func EventKey(s Scope, eventID string) string {
	return fmt.Sprintf("drey:%s:%s:event:%s", s.TenantID, s.ProjectID, eventID)
}

// EventsByTimeKey returns the key for the project-wide event ordering ZSET.
// Score is the event timestamp in Unix ms; members are event IDs, so ties
// within a millisecond order lexicographically by ULID.
// Pattern: drey:{tenant}:{project}:events
func EventsByTimeKey(s Scope) string {
	return fmt.Sprintf("drey:%s:%s:events", s.TenantID, s.ProjectID)
}

// EventsByCorrelationKey returns the key for one workflow thread's event
// ordering ZSET. Same score and member scheme as EventsByTimeKey.
// Pattern: drey:{tenant}:{project}:corr:{correlation_id}
func EventsByCorrelationKey(s Scope, correlationID string) string {
	return fmt.Sprintf("drey:%s:%s:corr:%s", s.TenantID, s.ProjectID, correlationID)
}

// EventsByTypeKey returns the key for the tenant-wide per-type event ZSET.
// Members are "{project_id}/{event_id}" since the index spans projects.
// Pattern: drey:{tenant}:type:{event_type}
func EventsByTypeKey(tenantID string, et EventType) string {
	return fmt.Sprintf("drey:%s:type:%s", tenantID, et)
}

// IdempKey returns the key recording an idempotency key's original event.
// Written with SETNX semantics inside the append transaction.
// Pattern: drey:{tenant}:{project}:idemp:{key}
func IdempKey(s Scope, key string) string {
	return fmt.Sprintf("drey:%s:%s:idemp:%s", s.TenantID, s.ProjectID, key)
}

// CommandKey returns the Redis key for a command row.
// Pattern: drey:{tenant}:{project}:command:{command_id}
func CommandKey(s Scope, commandID string) string {
	return fmt.Sprintf("drey:%s:%s:command:%s", s.TenantID, s.ProjectID, commandID)
}

// RunKey returns the Redis key for a run row.
// Pattern: drey:{tenant}:{project}:run:{run_id}
func RunKey(s Scope, runID string) string {
	return fmt.Sprintf("drey:%s:%s:run:%s", s.TenantID, s.ProjectID, runID)
}

// RunsByCommandKey returns the key for a command's run index ZSET, scored by
// attempt number.
// Pattern: drey:{tenant}:{project}:command:{command_id}:runs
func RunsByCommandKey(s Scope, commandID string) string {
	return fmt.Sprintf("drey:%s:%s:command:%s:runs", s.TenantID, s.ProjectID, commandID)
}

// CardKey returns the Redis key for a card row.
// Pattern: drey:{tenant}:{project}:card:{card_id}
func CardKey(s Scope, cardID string) string {
	return fmt.Sprintf("drey:%s:%s:card:%s", s.TenantID, s.ProjectID, cardID)
}

// CardByCommandKey returns the key mapping a command to its card. Written
// when a card row carrying a command ID is staged.
// Pattern: drey:{tenant}:{project}:card_by_command:{command_id}
func CardByCommandKey(s Scope, commandID string) string {
	return fmt.Sprintf("drey:%s:%s:card_by_command:%s", s.TenantID, s.ProjectID, commandID)
}

// CardsRetryKey returns the key for the retry timer ZSET. Members are card
// IDs in RETRY_SCHEDULED; scores are their retry_at_ts.
// Pattern: drey:{tenant}:{project}:cards:retry
func CardsRetryKey(s Scope) string {
	return fmt.Sprintf("drey:%s:%s:cards:retry", s.TenantID, s.ProjectID)
}

// DecisionKey returns the Redis key for a decision row.
// Pattern: drey:{tenant}:{project}:decision:{decision_id}
func DecisionKey(s Scope, decisionID string) string {
	return fmt.Sprintf("drey:%s:%s:decision:%s", s.TenantID, s.ProjectID, decisionID)
}

// DecisionsOpenKey returns the key for the SET of decision IDs in PENDING or
// CLAIMED.
// Pattern: drey:{tenant}:{project}:decisions:open
func DecisionsOpenKey(s Scope) string {
	return fmt.Sprintf("drey:%s:%s:decisions:open", s.TenantID, s.ProjectID)
}

// DecisionsExpiryKey returns the key for the deadline ZSET. Members are open
// decision IDs with a deadline; scores are their expires_at.
// Pattern: drey:{tenant}:{project}:decisions:expiry
func DecisionsExpiryKey(s Scope) string {
	return fmt.Sprintf("drey:%s:%s:decisions:expiry", s.TenantID, s.ProjectID)
}

// DecisionsClaimsKey returns the key for the claim deadline ZSET. Members are
// CLAIMED decision IDs; scores are their claimed_until.
// Pattern: drey:{tenant}:{project}:decisions:claims
func DecisionsClaimsKey(s Scope) string {
	return fmt.Sprintf("drey:%s:%s:decisions:claims", s.TenantID, s.ProjectID)
}

// ArtifactKey returns the Redis key for an artifact manifest row.
// Pattern: drey:{tenant}:{project}:artifact:{artifact_id}
func ArtifactKey(s Scope, artifactID string) string {
	return fmt.Sprintf("drey:%s:%s:artifact:%s", s.TenantID, s.ProjectID, artifactID)
}

// ArtifactBySHAKey returns the key mapping a content hash to the artifact
// that first registered it, for per-project dedup.
// Pattern: drey:{tenant}:{project}:artifact_sha:{sha256}
func ArtifactBySHAKey(s Scope, sha256 string) string {
	return fmt.Sprintf("drey:%s:%s:artifact_sha:%s", s.TenantID, s.ProjectID, sha256)
}

// ArtifactsByRunKey returns the key for a run's artifact SET.
// Pattern: drey:{tenant}:{project}:run:{run_id}:artifacts
func ArtifactsByRunKey(s Scope, runID string) string {
	return fmt.Sprintf("drey:%s:%s:run:%s:artifacts", s.TenantID, s.ProjectID, runID)
}

// ArtifactsByCommandKey returns the key for a command's artifact SET.
// Pattern: drey:{tenant}:{project}:command:{command_id}:artifacts
func ArtifactsByCommandKey(s Scope, commandID string) string {
	return fmt.Sprintf("drey:%s:%s:command:%s:artifacts", s.TenantID, s.ProjectID, commandID)
}

// ProjectKey returns the Redis key for a project row.
// Pattern: drey:{tenant}:project:{project_id}
func ProjectKey(tenantID, projectID string) string {
	return fmt.Sprintf("drey:%s:project:%s", tenantID, projectID)
}

// MemberKey returns the Redis key for a membership row.
// Pattern: drey:{tenant}:{project}:member:{user_id}
func MemberKey(s Scope, userID string) string {
	return fmt.Sprintf("drey:%s:%s:member:%s", s.TenantID, s.ProjectID, userID)
}

// MembersKey returns the key for the SET of a project's member user IDs.
// Pattern: drey:{tenant}:{project}:members
func MembersKey(s Scope) string {
	return fmt.Sprintf("drey:%s:%s:members", s.TenantID, s.ProjectID)
}

// ProjectsKey returns the key for the global roster SET of "{tenant}/{project}"
// strings. The sweeper iterates this to find every project.
// Pattern: drey:projects
func ProjectsKey() string {
	return "drey:projects"
}

// BlobKey returns the Redis key for artifact bytes stored by the redis blob
// driver.
// Pattern: drey:{tenant}:{project}:blob:{object_key}
func BlobKey(s Scope, objectKey string) string {
	return fmt.Sprintf("drey:%s:%s:blob:%s", s.TenantID, s.ProjectID, objectKey)
}

// EventStreamChannel returns the Pub/Sub channel carrying appended events for
// live tailing. The stream is advisory; the ZSET indexes are the durable
// ordering.
// Pattern: drey:{tenant}:{project}:event_stream
func EventStreamChannel(s Scope) string {
	return fmt.Sprintf("drey:%s:%s:event_stream", s.TenantID, s.ProjectID)
}

// TypeIndexMember builds the member stored in the tenant-wide type index.
func TypeIndexMember(projectID, eventID string) string {
	return projectID + "/" + eventID
}
