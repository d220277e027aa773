package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores rows as string-to-string maps (hashes). Scalar fields map to
// individual hash fields so they stay inspectable with HGET; nested structs,
// arrays, and maps are JSON-encoded into single fields.

// EventToHash converts an Event to a Redis hash format.
func EventToHash(e *Event) (map[string]interface{}, error) {
	producerJSON, err := json.Marshal(e.Producer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal producer: %w", err)
	}

	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	hash := map[string]interface{}{
		"id":              e.ID,
		"tenant_id":       e.TenantID,
		"project_id":      e.ProjectID,
		"type":            string(e.Type),
		"version":         e.Version,
		"ts":              e.TS,
		"correlation_id":  e.CorrelationID,
		"causation_id":    e.CausationID,
		"command_id":      e.CommandID,
		"run_id":          e.RunID,
		"card_id":         e.CardID,
		"decision_id":     e.DecisionID,
		"idempotency_key": e.IdempotencyKey,
		"producer":        string(producerJSON),
		"tags":            string(tagsJSON),
		"payload":         string(e.Payload),
	}

	return hash, nil
}

// HashToEvent converts a Redis hash to an Event struct.
func HashToEvent(hash map[string]string) (*Event, error) {
	version, err := strconv.Atoi(hash["version"])
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	ts, err := strconv.ParseInt(hash["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ts field: %w", err)
	}

	var producer Producer
	if producerJSON := hash["producer"]; producerJSON != "" {
		if err := json.Unmarshal([]byte(producerJSON), &producer); err != nil {
			return nil, fmt.Errorf("failed to unmarshal producer: %w", err)
		}
	}

	var tags []string
	if tagsJSON := hash["tags"]; tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if tags == nil {
		tags = []string{}
	}

	event := &Event{
		ID:             hash["id"],
		TenantID:       hash["tenant_id"],
		ProjectID:      hash["project_id"],
		Type:           EventType(hash["type"]),
		Version:        version,
		TS:             ts,
		CorrelationID:  hash["correlation_id"],
		CausationID:    hash["causation_id"],
		CommandID:      hash["command_id"],
		RunID:          hash["run_id"],
		CardID:         hash["card_id"],
		DecisionID:     hash["decision_id"],
		IdempotencyKey: hash["idempotency_key"],
		Producer:       producer,
		Tags:           tags,
		Payload:        json.RawMessage(hash["payload"]),
	}

	return event, nil
}

// CommandToHash converts a Command to a Redis hash format.
// The spec is JSON-encoded into a single field.
func CommandToHash(c *Command) (map[string]interface{}, error) {
	specJSON, err := json.Marshal(c.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal spec: %w", err)
	}

	hash := map[string]interface{}{
		"id":            c.ID,
		"tenant_id":     c.TenantID,
		"project_id":    c.ProjectID,
		"status":        string(c.Status),
		"priority":      c.Priority,
		"spec":          string(specJSON),
		"title":         c.Title,
		"latest_run_id": c.LatestRunID,
		"error":         c.Error,
		"created_ts":    c.CreatedTS,
		"updated_ts":    c.UpdatedTS,
		"last_event_id": c.LastEventID,
	}

	return hash, nil
}

// HashToCommand converts a Redis hash to a Command struct.
func HashToCommand(hash map[string]string) (*Command, error) {
	var spec CommandSpec
	if specJSON := hash["spec"]; specJSON != "" {
		if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal spec: %w", err)
		}
	}

	priority, _ := strconv.ParseInt(hash["priority"], 10, 64)
	createdTS, _ := strconv.ParseInt(hash["created_ts"], 10, 64)
	updatedTS, _ := strconv.ParseInt(hash["updated_ts"], 10, 64)

	command := &Command{
		ID:          hash["id"],
		TenantID:    hash["tenant_id"],
		ProjectID:   hash["project_id"],
		Status:      CommandStatus(hash["status"]),
		Priority:    priority,
		Spec:        spec,
		Title:       hash["title"],
		LatestRunID: hash["latest_run_id"],
		Error:       hash["error"],
		CreatedTS:   createdTS,
		UpdatedTS:   updatedTS,
		LastEventID: hash["last_event_id"],
	}

	return command, nil
}

// RunToHash converts a Run to a Redis hash format.
func RunToHash(r *Run) map[string]interface{} {
	return map[string]interface{}{
		"id":            r.ID,
		"tenant_id":     r.TenantID,
		"project_id":    r.ProjectID,
		"command_id":    r.CommandID,
		"status":        string(r.Status),
		"attempt":       r.Attempt,
		"executor":      r.Executor,
		"error":         r.Error,
		"started_ts":    r.StartedTS,
		"ended_ts":      r.EndedTS,
		"last_event_id": r.LastEventID,
	}
}

// HashToRun converts a Redis hash to a Run struct.
func HashToRun(hash map[string]string) (*Run, error) {
	attempt, err := strconv.Atoi(hash["attempt"])
	if err != nil {
		return nil, fmt.Errorf("invalid attempt field: %w", err)
	}

	startedTS, _ := strconv.ParseInt(hash["started_ts"], 10, 64)
	endedTS, _ := strconv.ParseInt(hash["ended_ts"], 10, 64)

	run := &Run{
		ID:          hash["id"],
		TenantID:    hash["tenant_id"],
		ProjectID:   hash["project_id"],
		CommandID:   hash["command_id"],
		Status:      RunStatus(hash["status"]),
		Attempt:     attempt,
		Executor:    hash["executor"],
		Error:       hash["error"],
		StartedTS:   startedTS,
		EndedTS:     endedTS,
		LastEventID: hash["last_event_id"],
	}

	return run, nil
}

// CardToHash converts a Card to a Redis hash format.
// The spec and capabilities are JSON-encoded.
func CardToHash(c *Card) (map[string]interface{}, error) {
	specJSON, err := json.Marshal(c.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal spec: %w", err)
	}

	capabilitiesJSON, err := json.Marshal(c.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	hash := map[string]interface{}{
		"id":                c.ID,
		"tenant_id":         c.TenantID,
		"project_id":        c.ProjectID,
		"command_id":        c.CommandID,
		"state":             string(c.State),
		"priority":          c.Priority,
		"title":             c.Title,
		"spec":              string(specJSON),
		"capabilities":      string(capabilitiesJSON),
		"attempt":           c.Attempt,
		"retry_at_ts":       c.RetryAtTS,
		"leased_to":         c.LeasedTo,
		"lease_until_ts":    c.LeaseUntilTS,
		"last_heartbeat_ts": c.LastHeartbeatTS,
		"created_ts":        c.CreatedTS,
		"updated_ts":        c.UpdatedTS,
		"last_event_id":     c.LastEventID,
	}

	return hash, nil
}

// HashToCard converts a Redis hash to a Card struct.
func HashToCard(hash map[string]string) (*Card, error) {
	var spec CardSpec
	if specJSON := hash["spec"]; specJSON != "" {
		if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal spec: %w", err)
		}
	}

	var capabilities []string
	if capabilitiesJSON := hash["capabilities"]; capabilitiesJSON != "" {
		if err := json.Unmarshal([]byte(capabilitiesJSON), &capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	if capabilities == nil {
		capabilities = []string{}
	}

	priority, _ := strconv.ParseInt(hash["priority"], 10, 64)
	attempt, _ := strconv.Atoi(hash["attempt"])
	retryAtTS, _ := strconv.ParseInt(hash["retry_at_ts"], 10, 64)
	leaseUntilTS, _ := strconv.ParseInt(hash["lease_until_ts"], 10, 64)
	lastHeartbeatTS, _ := strconv.ParseInt(hash["last_heartbeat_ts"], 10, 64)
	createdTS, _ := strconv.ParseInt(hash["created_ts"], 10, 64)
	updatedTS, _ := strconv.ParseInt(hash["updated_ts"], 10, 64)

	card := &Card{
		ID:              hash["id"],
		TenantID:        hash["tenant_id"],
		ProjectID:       hash["project_id"],
		CommandID:       hash["command_id"],
		State:           CardState(hash["state"]),
		Priority:        priority,
		Title:           hash["title"],
		Spec:            spec,
		Capabilities:    capabilities,
		Attempt:         attempt,
		RetryAtTS:       retryAtTS,
		LeasedTo:        hash["leased_to"],
		LeaseUntilTS:    leaseUntilTS,
		LastHeartbeatTS: lastHeartbeatTS,
		CreatedTS:       createdTS,
		UpdatedTS:       updatedTS,
		LastEventID:     hash["last_event_id"],
	}

	return card, nil
}

// DecisionToHash converts a Decision to a Redis hash format.
// Options and artifact refs are JSON-encoded.
func DecisionToHash(d *Decision) (map[string]interface{}, error) {
	optionsJSON, err := json.Marshal(d.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal options: %w", err)
	}

	artifactRefsJSON, err := json.Marshal(d.ArtifactRefs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifact_refs: %w", err)
	}

	hash := map[string]interface{}{
		"id":              d.ID,
		"tenant_id":       d.TenantID,
		"project_id":      d.ProjectID,
		"card_id":         d.CardID,
		"command_id":      d.CommandID,
		"run_id":          d.RunID,
		"state":           string(d.State),
		"urgency":         string(d.Urgency),
		"title":           d.Title,
		"context_summary": d.ContextSummary,
		"options":         string(optionsJSON),
		"artifact_refs":   string(artifactRefsJSON),
		"source_thread":   d.SourceThread,
		"requested_at":    d.RequestedAt,
		"expires_at":      d.ExpiresAt,
		"fallback_option": d.FallbackOption,
		"claimed_by":      d.ClaimedBy,
		"claimed_until":   d.ClaimedUntil,
		"rendered_option": d.RenderedOption,
		"rendered_by":     d.RenderedBy,
		"rendered_at":     d.RenderedAt,
		"last_event_id":   d.LastEventID,
	}

	return hash, nil
}

// HashToDecision converts a Redis hash to a Decision struct.
func HashToDecision(hash map[string]string) (*Decision, error) {
	var options []DecisionOption
	if optionsJSON := hash["options"]; optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	if options == nil {
		options = []DecisionOption{}
	}

	var artifactRefs []string
	if artifactRefsJSON := hash["artifact_refs"]; artifactRefsJSON != "" {
		if err := json.Unmarshal([]byte(artifactRefsJSON), &artifactRefs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact_refs: %w", err)
		}
	}
	if artifactRefs == nil {
		artifactRefs = []string{}
	}

	requestedAt, _ := strconv.ParseInt(hash["requested_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(hash["expires_at"], 10, 64)
	claimedUntil, _ := strconv.ParseInt(hash["claimed_until"], 10, 64)
	renderedAt, _ := strconv.ParseInt(hash["rendered_at"], 10, 64)

	decision := &Decision{
		ID:             hash["id"],
		TenantID:       hash["tenant_id"],
		ProjectID:      hash["project_id"],
		CardID:         hash["card_id"],
		CommandID:      hash["command_id"],
		RunID:          hash["run_id"],
		State:          DecisionState(hash["state"]),
		Urgency:        Urgency(hash["urgency"]),
		Title:          hash["title"],
		ContextSummary: hash["context_summary"],
		Options:        options,
		ArtifactRefs:   artifactRefs,
		SourceThread:   hash["source_thread"],
		RequestedAt:    requestedAt,
		ExpiresAt:      expiresAt,
		FallbackOption: hash["fallback_option"],
		ClaimedBy:      hash["claimed_by"],
		ClaimedUntil:   claimedUntil,
		RenderedOption: hash["rendered_option"],
		RenderedBy:     hash["rendered_by"],
		RenderedAt:     renderedAt,
		LastEventID:    hash["last_event_id"],
	}

	return decision, nil
}

// ArtifactToHash converts an Artifact manifest to a Redis hash format.
// Labels, provenance, storage, and links are JSON-encoded.
func ArtifactToHash(a *Artifact) (map[string]interface{}, error) {
	labelsJSON, err := json.Marshal(a.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}

	provenanceJSON, err := json.Marshal(a.Provenance)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provenance: %w", err)
	}

	storageJSON, err := json.Marshal(a.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal storage: %w", err)
	}

	linksJSON, err := json.Marshal(a.Links)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal links: %w", err)
	}

	hash := map[string]interface{}{
		"id":             a.ID,
		"tenant_id":      a.TenantID,
		"project_id":     a.ProjectID,
		"content_sha256": a.ContentSHA256,
		"type":           a.Type,
		"logical_name":   a.LogicalName,
		"byte_size":      a.ByteSize,
		"labels":         string(labelsJSON),
		"provenance":     string(provenanceJSON),
		"storage":        string(storageJSON),
		"links":          string(linksJSON),
		"created_at":     a.CreatedAt,
		"last_event_id":  a.LastEventID,
	}

	return hash, nil
}

// HashToArtifact converts a Redis hash to an Artifact struct.
func HashToArtifact(hash map[string]string) (*Artifact, error) {
	var labels map[string]string
	if labelsJSON := hash["labels"]; labelsJSON != "" {
		if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if labels == nil {
		labels = map[string]string{}
	}

	var provenance Provenance
	if provenanceJSON := hash["provenance"]; provenanceJSON != "" {
		if err := json.Unmarshal([]byte(provenanceJSON), &provenance); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provenance: %w", err)
		}
	}

	var storage StoragePointer
	if storageJSON := hash["storage"]; storageJSON != "" {
		if err := json.Unmarshal([]byte(storageJSON), &storage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal storage: %w", err)
		}
	}

	var links []ArtifactLink
	if linksJSON := hash["links"]; linksJSON != "" {
		if err := json.Unmarshal([]byte(linksJSON), &links); err != nil {
			return nil, fmt.Errorf("failed to unmarshal links: %w", err)
		}
	}
	if links == nil {
		links = []ArtifactLink{}
	}

	byteSize, _ := strconv.ParseInt(hash["byte_size"], 10, 64)
	createdAt, _ := strconv.ParseInt(hash["created_at"], 10, 64)

	artifact := &Artifact{
		ID:            hash["id"],
		TenantID:      hash["tenant_id"],
		ProjectID:     hash["project_id"],
		ContentSHA256: hash["content_sha256"],
		Type:          hash["type"],
		LogicalName:   hash["logical_name"],
		ByteSize:      byteSize,
		Labels:        labels,
		Provenance:    provenance,
		Storage:       storage,
		Links:         links,
		CreatedAt:     createdAt,
		LastEventID:   hash["last_event_id"],
	}

	return artifact, nil
}

// ProjectToHash converts a Project to a Redis hash format.
func ProjectToHash(p *Project) map[string]interface{} {
	return map[string]interface{}{
		"tenant_id":  p.TenantID,
		"project_id": p.ProjectID,
		"name":       p.Name,
		"created_by": p.CreatedBy,
		"created_at": p.CreatedAt,
	}
}

// HashToProject converts a Redis hash to a Project struct.
func HashToProject(hash map[string]string) (*Project, error) {
	createdAt, _ := strconv.ParseInt(hash["created_at"], 10, 64)

	project := &Project{
		TenantID:  hash["tenant_id"],
		ProjectID: hash["project_id"],
		Name:      hash["name"],
		CreatedBy: hash["created_by"],
		CreatedAt: createdAt,
	}

	return project, nil
}

// MemberToHash converts a Member to a Redis hash format.
func MemberToHash(m *Member) map[string]interface{} {
	return map[string]interface{}{
		"tenant_id":  m.TenantID,
		"project_id": m.ProjectID,
		"user_id":    m.UserID,
		"role":       string(m.Role),
		"added_by":   m.AddedBy,
		"added_at":   m.AddedAt,
	}
}

// HashToMember converts a Redis hash to a Member struct.
func HashToMember(hash map[string]string) (*Member, error) {
	addedAt, _ := strconv.ParseInt(hash["added_at"], 10, 64)

	member := &Member{
		TenantID:  hash["tenant_id"],
		ProjectID: hash["project_id"],
		UserID:    hash["user_id"],
		Role:      Role(hash["role"]),
		AddedBy:   hash["added_by"],
		AddedAt:   addedAt,
	}

	return member, nil
}
