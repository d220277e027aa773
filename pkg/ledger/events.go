package ledger

import (
	"encoding/json"
	"fmt"
)

// EventType names one of the closed set of facts the ledger records.
// Producers cannot invent new types at runtime; unknown types are rejected
// at append time so replay never meets an event it cannot interpret.
type EventType string

const (
	EventCommandRequested        EventType = "CommandRequested"
	EventCommandStarted          EventType = "CommandStarted"
	EventCommandSucceeded        EventType = "CommandSucceeded"
	EventCommandFailed           EventType = "CommandFailed"
	EventCommandCanceled         EventType = "CommandCanceled"
	EventCommandRetryScheduled   EventType = "CommandRetryScheduled"
	EventCommandSkippedDuplicate EventType = "CommandSkippedDuplicate"
	EventCardCreated             EventType = "CardCreated"
	EventCardTransitioned        EventType = "CardTransitioned"
	EventDecisionRequested       EventType = "DecisionRequested"
	EventDecisionClaimed         EventType = "DecisionClaimed"
	EventDecisionRendered        EventType = "DecisionRendered"
	EventDecisionRenderRejected  EventType = "DecisionRenderRejected"
	EventDecisionExpired         EventType = "DecisionExpired"
	EventDecisionClaimExpired    EventType = "DecisionClaimExpired"
	EventDecisionDeferred        EventType = "DecisionDeferred"
	EventArtifactProduced        EventType = "ArtifactProduced"
	EventSloBreached             EventType = "SloBreached"
	EventReconciliationDrift     EventType = "ReconciliationDrift"
)

// Validate checks if the EventType is a valid enum value.
func (et EventType) Validate() error {
	switch et {
	case EventCommandRequested, EventCommandStarted, EventCommandSucceeded,
		EventCommandFailed, EventCommandCanceled, EventCommandRetryScheduled,
		EventCommandSkippedDuplicate, EventCardCreated, EventCardTransitioned,
		EventDecisionRequested, EventDecisionClaimed, EventDecisionRendered,
		EventDecisionRenderRejected, EventDecisionExpired, EventDecisionClaimExpired,
		EventDecisionDeferred, EventArtifactProduced, EventSloBreached,
		EventReconciliationDrift:
		return nil
	default:
		return fmt.Errorf("unknown event type: %q", et)
	}
}

// EventSchemaVersion is stamped on every appended event. Bump it only when a
// payload shape changes incompatibly; replay dispatches on (type, version).
const EventSchemaVersion = 1

// Event is one immutable record in the log. Events are ordered by
// (TS, ID): TS is the append timestamp in Unix milliseconds and ID is a
// ULID, so ties within a millisecond resolve by ID.
type Event struct {
	ID             string          `json:"id"`                        // ULID, unique and time-ordered
	TenantID       string          `json:"tenant_id"`                 // Owning tenant
	ProjectID      string          `json:"project_id"`                // Owning project
	Type           EventType       `json:"type"`                      // What happened
	Version        int             `json:"version"`                   // Payload schema version
	TS             int64           `json:"ts"`                        // Unix ms append timestamp
	CorrelationID  string          `json:"correlation_id"`            // Workflow thread the event belongs to
	CausationID    string          `json:"causation_id,omitempty"`    // Event that directly caused this one
	CommandID      string          `json:"command_id,omitempty"`      // Subject command, if any
	RunID          string          `json:"run_id,omitempty"`          // Subject run, if any
	CardID         string          `json:"card_id,omitempty"`         // Subject card, if any
	DecisionID     string          `json:"decision_id,omitempty"`     // Subject decision, if any
	IdempotencyKey string          `json:"idempotency_key,omitempty"` // Dedup key, unique per project when set
	Producer       Producer        `json:"producer"`                  // Service that appended the event
	Tags           []string        `json:"tags"`                      // Free-form labels for filtering
	Payload        json.RawMessage `json:"payload"`                   // Type-specific body
}

// Validate checks the invariants every stored event must satisfy.
func (e *Event) Validate() error {
	if !isValidULID(e.ID) {
		return fmt.Errorf("invalid event ID: not a valid ULID")
	}
	if e.TenantID == "" || e.ProjectID == "" {
		return fmt.Errorf("event must carry tenant and project IDs")
	}
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if e.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", e.Version)
	}
	if e.TS <= 0 {
		return fmt.Errorf("invalid ts: must be positive, got %d", e.TS)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("correlation_id cannot be empty")
	}
	if e.Producer.Service == "" {
		return fmt.Errorf("producer service cannot be empty")
	}
	return nil
}

// DecodePayload unmarshals the event payload into dst.
func (e *Event) DecodePayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Draft is the producer-facing shape of an event before the ledger assigns
// its identity. Append fills in ID, TS, Version, scope, and Producer.
type Draft struct {
	Type           EventType   // Required
	CorrelationID  string      // Required: workflow thread
	CausationID    string      // Optional: event that caused this one
	CommandID      string      // Optional subject
	RunID          string      // Optional subject
	CardID         string      // Optional subject
	DecisionID     string      // Optional subject
	IdempotencyKey string      // Optional: dedup key, unique per project
	Tags           []string    // Optional labels
	Payload        interface{} // Marshaled to JSON at append time
}

// DeferralAction says what the sweeper did to a deferred decision during
// load shedding.
type DeferralAction string

const (
	// DeferralAutoResolved means the fallback option was applied early
	DeferralAutoResolved DeferralAction = "auto_resolved_with_fallback"

	// DeferralExtendedExpiry means the deadline was pushed out instead
	DeferralExtendedExpiry DeferralAction = "extended_expiry"
)

// Payload bodies for each event type. Field names are part of the stored
// format; treat renames as schema version bumps.

// CommandRequestedPayload records an admitted command.
type CommandRequestedPayload struct {
	Spec         CommandSpec `json:"spec"`                   // Spec exactly as admitted
	Title        string      `json:"title,omitempty"`        // Human-readable summary
	Capabilities []string    `json:"capabilities,omitempty"` // Capability tags for the card
}

// CommandStartedPayload records the start of an execution attempt.
type CommandStartedPayload struct {
	Executor string `json:"executor"` // Identity of the executing worker
	Attempt  int    `json:"attempt"`  // 1-based attempt number
}

// CommandSucceededPayload records a successful run.
type CommandSucceededPayload struct {
	ResultSummary string `json:"result_summary,omitempty"` // Short outcome description
}

// CommandFailedPayload records a failed run.
type CommandFailedPayload struct {
	Error     string `json:"error"`      // Failure detail
	WillRetry bool   `json:"will_retry"` // Whether a retry has been scheduled
}

// CommandCanceledPayload records a cancellation.
type CommandCanceledPayload struct {
	Reason     string `json:"reason,omitempty"` // Why the command was canceled
	CanceledBy string `json:"canceled_by"`      // Who canceled it
}

// CommandRetryScheduledPayload records that a failed command will be retried.
type CommandRetryScheduledPayload struct {
	RetryAtTS int64  `json:"retry_at_ts"`     // Unix ms when the retry becomes eligible
	Attempt   int    `json:"attempt"`         // Attempt number that just failed
	Error     string `json:"error,omitempty"` // Failure that triggered the retry
}

// CommandSkippedDuplicatePayload records an admission that was suppressed by
// an idempotency key collision.
type CommandSkippedDuplicatePayload struct {
	IdempotencyKey  string `json:"idempotency_key"`   // Key that collided
	OriginalEventID string `json:"original_event_id"` // Event the key originally named
}

// CardCreatedPayload records a new card entering the board in READY.
type CardCreatedPayload struct {
	Title        string   `json:"title"`                  // Human-readable summary
	Priority     int64    `json:"priority"`               // Queue priority, lower is more urgent
	Spec         CardSpec `json:"spec"`                   // Work description
	Capabilities []string `json:"capabilities,omitempty"` // Capability tags
}

// CardTransitionedPayload records one edge of the card state machine.
type CardTransitionedPayload struct {
	From      CardState `json:"from"`                  // State before
	To        CardState `json:"to"`                    // State after
	Reason    string    `json:"reason,omitempty"`      // Why the transition happened
	RetryAtTS int64     `json:"retry_at_ts,omitempty"` // Set when To=RETRY_SCHEDULED
}

// DecisionRequestedPayload records a new decision raised for a human.
type DecisionRequestedPayload struct {
	Urgency        Urgency          `json:"urgency"`                   // How quickly a human is needed
	Title          string           `json:"title"`                     // Question being asked
	ContextSummary string           `json:"context_summary,omitempty"` // Why the decision is needed
	Options        []DecisionOption `json:"options"`                   // Closed set of choices
	ArtifactRefs   []string         `json:"artifact_refs,omitempty"`   // Supporting evidence
	SourceThread   string           `json:"source_thread,omitempty"`   // External conversation reference
	ExpiresAt      int64            `json:"expires_at,omitempty"`      // Unix ms deadline, 0 for none
	FallbackOption string           `json:"fallback_option,omitempty"` // Option auto-selected on expiry
}

// DecisionClaimedPayload records an operator taking an advisory claim.
type DecisionClaimedPayload struct {
	ClaimedBy    string `json:"claimed_by"`    // Operator identity
	ClaimedUntil int64  `json:"claimed_until"` // Unix ms claim deadline
}

// DecisionRenderedPayload records the selection of an option.
type DecisionRenderedPayload struct {
	SelectedOption string `json:"selected_option"` // Option key that won
	RenderedBy     string `json:"rendered_by"`     // Who selected it, "system:sweeper" for fallback
	Note           string `json:"note,omitempty"`  // Free-form rationale
}

// DecisionRenderRejectedPayload records a render attempt that lost the race
// or referenced a closed decision. It is an outcome, not an error: the
// caller's attempt is preserved in the log even though no state changed.
type DecisionRenderRejectedPayload struct {
	AttemptedOption string        `json:"attempted_option"` // Option the caller tried to select
	AttemptedBy     string        `json:"attempted_by"`     // Who tried
	CurrentState    DecisionState `json:"current_state"`    // Decision state at rejection time
	Reason          string        `json:"reason"`           // Why the render was rejected
}

// DecisionExpiredPayload records a deadline passing.
type DecisionExpiredPayload struct {
	HadFallback bool `json:"had_fallback"` // Whether a fallback render followed
}

// DecisionClaimExpiredPayload records the sweeper releasing a stale claim.
type DecisionClaimExpiredPayload struct {
	ClaimedBy    string `json:"claimed_by"`    // Operator whose claim lapsed
	ClaimedUntil int64  `json:"claimed_until"` // Deadline that passed
}

// DecisionDeferredPayload records load shedding acting on a decision.
type DecisionDeferredPayload struct {
	Action       DeferralAction `json:"action"`                   // What the sweeper did
	Backlog      int            `json:"backlog"`                  // Open now-urgency count that triggered shedding
	NewExpiresAt int64          `json:"new_expires_at,omitempty"` // Set when action=extended_expiry
}

// ArtifactProducedPayload records registration of a work product. It carries
// the full manifest so the artifacts read model can be rebuilt from the log
// alone; the row is a pure projection of this payload plus the envelope.
type ArtifactProducedPayload struct {
	ArtifactID    string            `json:"artifact_id"`            // Row the manifest lives in
	ContentSHA256 string            `json:"content_sha256"`         // Hex SHA-256 of the content
	Type          string            `json:"type"`                   // Domain type
	LogicalName   string            `json:"logical_name,omitempty"` // Stable name across versions
	ByteSize      int64             `json:"byte_size"`              // Content length
	Labels        map[string]string `json:"labels,omitempty"`       // Free-form searchable labels
	Storage       StoragePointer    `json:"storage"`                // Where the bytes live
	Links         []ArtifactLink    `json:"links,omitempty"`        // Relations to other artifacts
	Deduplicated  bool              `json:"deduplicated"`           // True when an existing artifact was reused
}

// SloBreachedPayload records a now-urgency decision outliving its response
// target.
type SloBreachedPayload struct {
	DecisionID string `json:"decision_id"` // Decision that breached
	AgeMs      int64  `json:"age_ms"`      // Age at detection
	TargetMs   int64  `json:"target_ms"`   // Configured response target
}

// ReconciliationDriftPayload records an index entry that disagreed with its
// row, found and repaired by the sweeper.
type ReconciliationDriftPayload struct {
	Model  string `json:"model"`  // Read model the row belongs to
	RowID  string `json:"row_id"` // Row that drifted
	Index  string `json:"index"`  // Index that disagreed
	Detail string `json:"detail"` // What was observed and repaired
}
