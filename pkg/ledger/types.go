// Package ledger provides type-safe Go definitions and Redis schema patterns
// for the drey coordination ledger. The ledger is the system of record for all
// drey components (daemon, sweeper, bots, CLI): an append-only event log plus
// the read-model rows projected from it, stored in Redis.
//
// All Redis keys are namespaced by tenant and project so that many projects can
// safely coexist on a single Redis server. Events are never updated or deleted
// through this package; read-model rows are only written by projections of
// appended events.
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Scope identifies the (tenant, project) pair that owns a row or event.
// Every read and write in the ledger is scoped; two projects never share keys.
type Scope struct {
	TenantID  string `json:"tenant_id"`  // Tenant namespace (e.g. "acme")
	ProjectID string `json:"project_id"` // Project within the tenant
}

// String renders the scope as "tenant/project", the form used in roster sets
// and archive file names.
func (s Scope) String() string {
	return s.TenantID + "/" + s.ProjectID
}

// Validate checks that both scope components are present and well formed.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}
	if s.ProjectID == "" {
		return fmt.Errorf("project ID cannot be empty")
	}
	for _, part := range []string{s.TenantID, s.ProjectID} {
		for _, r := range part {
			if r == '/' || r == ':' || r == ' ' {
				return fmt.Errorf("scope component %q contains reserved character %q", part, r)
			}
		}
	}
	return nil
}

// Role defines what a project member is allowed to do.
type Role string

const (
	// RoleOwner can do everything an operator and viewer can, plus manage membership
	RoleOwner Role = "owner"

	// RoleOperator can claim and render decisions and cancel commands
	RoleOperator Role = "operator"

	// RoleViewer has read-only access to the project
	RoleViewer Role = "viewer"

	// RoleBot can request commands, report artifacts, and raise decisions
	RoleBot Role = "bot"
)

// Validate checks if the Role is a valid enum value.
func (r Role) Validate() error {
	switch r {
	case RoleOwner, RoleOperator, RoleViewer, RoleBot:
		return nil
	default:
		return fmt.Errorf("unknown role: %q", r)
	}
}

// Covers reports whether a member holding this role satisfies a requirement
// for the given role. Owner covers every other role.
func (r Role) Covers(required Role) bool {
	if r == required {
		return true
	}
	return r == RoleOwner
}

// CommandStatus defines the lifecycle state of a command.
type CommandStatus string

const (
	// CommandPending indicates the command has been admitted but no run has started
	CommandPending CommandStatus = "PENDING"

	// CommandRunning indicates a run is currently executing the command
	CommandRunning CommandStatus = "RUNNING"

	// CommandSucceeded indicates the latest run completed successfully
	CommandSucceeded CommandStatus = "SUCCEEDED"

	// CommandFailed indicates the latest run failed
	CommandFailed CommandStatus = "FAILED"

	// CommandCanceled indicates the command was canceled before completion
	CommandCanceled CommandStatus = "CANCELED"
)

// Validate checks if the CommandStatus is a valid enum value.
func (cs CommandStatus) Validate() error {
	switch cs {
	case CommandPending, CommandRunning, CommandSucceeded, CommandFailed, CommandCanceled:
		return nil
	default:
		return fmt.Errorf("unknown command status: %q", cs)
	}
}

// RunStatus defines the lifecycle state of a single execution attempt.
type RunStatus string

const (
	// RunRunning indicates the attempt is in flight
	RunRunning RunStatus = "RUNNING"

	// RunSucceeded indicates the attempt completed successfully
	RunSucceeded RunStatus = "SUCCEEDED"

	// RunFailed indicates the attempt failed or was canceled
	RunFailed RunStatus = "FAILED"
)

// Validate checks if the RunStatus is a valid enum value.
func (rs RunStatus) Validate() error {
	switch rs {
	case RunRunning, RunSucceeded, RunFailed:
		return nil
	default:
		return fmt.Errorf("unknown run status: %q", rs)
	}
}

// CardState defines the state of a work card on the board.
// Transitions between states are validated against a closed table; see the
// cards package for the allowed edges.
type CardState string

const (
	// CardReady means the card is eligible to be picked up by a job
	CardReady CardState = "READY"

	// CardRunning means a job is actively working the card
	CardRunning CardState = "RUNNING"

	// CardNeedsDecision means the card is blocked on a human decision
	CardNeedsDecision CardState = "NEEDS_DECISION"

	// CardRetryScheduled means the card failed and is parked until its retry timer fires
	CardRetryScheduled CardState = "RETRY_SCHEDULED"

	// CardDone is terminal: the card completed successfully
	CardDone CardState = "DONE"

	// CardFailed is terminal: the card failed permanently
	CardFailed CardState = "FAILED"
)

// Validate checks if the CardState is a valid enum value.
func (st CardState) Validate() error {
	switch st {
	case CardReady, CardRunning, CardNeedsDecision, CardRetryScheduled, CardDone, CardFailed:
		return nil
	default:
		return fmt.Errorf("unknown card state: %q", st)
	}
}

// Terminal reports whether the state admits no further transitions.
func (st CardState) Terminal() bool {
	return st == CardDone || st == CardFailed
}

// DecisionState defines the lifecycle state of a decision.
type DecisionState string

const (
	// DecisionPending means the decision is open and unclaimed
	DecisionPending DecisionState = "PENDING"

	// DecisionClaimed means an operator holds an advisory claim on the decision
	DecisionClaimed DecisionState = "CLAIMED"

	// DecisionRendered is terminal: an option was selected
	DecisionRendered DecisionState = "RENDERED"

	// DecisionExpired is terminal: the deadline passed with no fallback option
	DecisionExpired DecisionState = "EXPIRED"
)

// Validate checks if the DecisionState is a valid enum value.
func (ds DecisionState) Validate() error {
	switch ds {
	case DecisionPending, DecisionClaimed, DecisionRendered, DecisionExpired:
		return nil
	default:
		return fmt.Errorf("unknown decision state: %q", ds)
	}
}

// Open reports whether the decision can still be claimed or rendered.
func (ds DecisionState) Open() bool {
	return ds == DecisionPending || ds == DecisionClaimed
}

// Urgency classifies how quickly a decision needs a human.
type Urgency string

const (
	// UrgencyNow means the decision blocks active work and should be handled immediately
	UrgencyNow Urgency = "now"

	// UrgencyToday means the decision should be handled within the working day
	UrgencyToday Urgency = "today"

	// UrgencyWhenever means the decision is low stakes and can wait
	UrgencyWhenever Urgency = "whenever"
)

// Validate checks if the Urgency is a valid enum value.
func (u Urgency) Validate() error {
	switch u {
	case UrgencyNow, UrgencyToday, UrgencyWhenever:
		return nil
	default:
		return fmt.Errorf("unknown urgency: %q", u)
	}
}

// Rank returns the sort rank of the urgency, lower meaning more urgent.
// Unknown values rank after all known ones.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyNow:
		return 0
	case UrgencyToday:
		return 1
	case UrgencyWhenever:
		return 2
	default:
		return 3
	}
}

// Producer identifies the service that appended an event.
type Producer struct {
	Service string `json:"service"` // Producing service name (e.g. "dreyd", "drey-cli")
	Version string `json:"version"` // Producing service version string
}

// DefaultPriority is assigned to commands and cards whose spec does not set one.
// Lower values are more urgent.
const DefaultPriority int64 = 50

// CommandConstraints carries the optional execution constraints of a command
// spec. Pointer fields distinguish "unset" from zero values.
type CommandConstraints struct {
	Priority       *int64 `json:"priority,omitempty"`        // Queue priority, lower is more urgent (default 50)
	ConcurrencyKey string `json:"concurrency_key,omitempty"` // Jobs with the same key share a worker pool
	MaxRetries     *int   `json:"max_retries,omitempty"`     // Retry budget for failed runs
	TimeoutMs      *int64 `json:"timeout_ms,omitempty"`      // Per-run execution timeout in milliseconds
}

// CommandSpec is the caller-supplied description of what a command should do.
// Args and Context are free-form JSON owned by the command type's executor.
type CommandSpec struct {
	CommandType    string              `json:"command_type"`          // Executor routing key (e.g. "digest.generate")
	CommandVersion string              `json:"command_version"`       // Version of the command contract
	Args           json.RawMessage     `json:"args,omitempty"`        // Arguments for the executor
	Context        json.RawMessage     `json:"context,omitempty"`     // Ambient context passed through to the executor
	Constraints    *CommandConstraints `json:"constraints,omitempty"` // Optional execution constraints
}

// EffectivePriority resolves the priority for queue ordering, applying the
// default when the spec does not set one.
func (cs *CommandSpec) EffectivePriority() int64 {
	if cs != nil && cs.Constraints != nil && cs.Constraints.Priority != nil {
		return *cs.Constraints.Priority
	}
	return DefaultPriority
}

// Validate checks that required spec fields are present.
func (cs *CommandSpec) Validate() error {
	if cs.CommandType == "" {
		return fmt.Errorf("command_type cannot be empty")
	}
	return nil
}

// Command is the read-model row for an admitted command.
type Command struct {
	ID          string        `json:"id"`            // ULID assigned at admission
	TenantID    string        `json:"tenant_id"`     // Owning tenant
	ProjectID   string        `json:"project_id"`    // Owning project
	Status      CommandStatus `json:"status"`        // Current lifecycle state
	Priority    int64         `json:"priority"`      // Queue priority, lower is more urgent
	Spec        CommandSpec   `json:"spec"`          // Spec as admitted
	Title       string        `json:"title"`         // Human-readable summary
	LatestRunID string        `json:"latest_run_id"` // Most recent run, empty before first start
	Error       string        `json:"error"`         // Error text from the latest failed run
	CreatedTS   int64         `json:"created_ts"`    // Unix ms when the command was admitted
	UpdatedTS   int64         `json:"updated_ts"`    // Unix ms of the last projected change
	LastEventID string        `json:"last_event_id"` // ID of the newest event applied to this row
}

// Run is the read-model row for a single execution attempt of a command.
type Run struct {
	ID          string    `json:"id"`            // ULID assigned when the run starts
	TenantID    string    `json:"tenant_id"`     // Owning tenant
	ProjectID   string    `json:"project_id"`    // Owning project
	CommandID   string    `json:"command_id"`    // Command this run executes
	Status      RunStatus `json:"status"`        // Current lifecycle state
	Attempt     int       `json:"attempt"`       // 1-based attempt number
	Executor    string    `json:"executor"`      // Identity of the executing worker
	Error       string    `json:"error"`         // Failure detail when status=FAILED
	StartedTS   int64     `json:"started_ts"`    // Unix ms when the run started
	EndedTS     int64     `json:"ended_ts"`      // Unix ms when the run ended, 0 while running
	LastEventID string    `json:"last_event_id"` // ID of the newest event applied to this row
}

// CardSpec describes the work a card represents. For command-backed cards it
// mirrors the command spec; standalone cards carry their own.
type CardSpec struct {
	CommandType string              `json:"command_type,omitempty"` // Executor routing key
	Args        json.RawMessage     `json:"args,omitempty"`         // Arguments for the executor
	Constraints *CommandConstraints `json:"constraints,omitempty"`  // Optional execution constraints
}

// Card is the read-model row for a unit of work on the board.
//
// LeasedTo, LeaseUntilTS, and LastHeartbeatTS are reserved for worker lease
// management. The runtime persists and replays them but does not interpret
// them; external executors own their meaning.
type Card struct {
	ID              string    `json:"id"`                // ULID assigned at creation
	TenantID        string    `json:"tenant_id"`         // Owning tenant
	ProjectID       string    `json:"project_id"`        // Owning project
	CommandID       string    `json:"command_id"`        // Backing command, empty for standalone cards
	State           CardState `json:"state"`             // Current state machine position
	Priority        int64     `json:"priority"`          // Queue priority, lower is more urgent
	Title           string    `json:"title"`             // Human-readable summary
	Spec            CardSpec  `json:"spec"`              // Work description
	Capabilities    []string  `json:"capabilities"`      // Capability tags a worker must have to take the card
	Attempt         int       `json:"attempt"`           // Times the card has entered RUNNING
	RetryAtTS       int64     `json:"retry_at_ts"`       // Unix ms when a RETRY_SCHEDULED card becomes eligible again
	LeasedTo        string    `json:"leased_to"`         // Reserved: worker holding the card lease
	LeaseUntilTS    int64     `json:"lease_until_ts"`    // Reserved: Unix ms lease deadline
	LastHeartbeatTS int64     `json:"last_heartbeat_ts"` // Reserved: Unix ms of last worker heartbeat
	CreatedTS       int64     `json:"created_ts"`        // Unix ms when the card was created
	UpdatedTS       int64     `json:"updated_ts"`        // Unix ms of the last projected change
	LastEventID     string    `json:"last_event_id"`     // ID of the newest event applied to this row
}

// DecisionOption is one choice presented to the human deciding a decision.
type DecisionOption struct {
	Key         string `json:"key"`                   // Stable identifier selected at render time
	Label       string `json:"label"`                 // Short human-readable name
	Consequence string `json:"consequence,omitempty"` // What happens if this option is chosen
}

// Decision is the read-model row for a pending or resolved human decision.
type Decision struct {
	ID             string           `json:"id"`              // ULID assigned at request
	TenantID       string           `json:"tenant_id"`       // Owning tenant
	ProjectID      string           `json:"project_id"`      // Owning project
	CardID         string           `json:"card_id"`         // Card blocked on this decision, if any
	CommandID      string           `json:"command_id"`      // Command whose work raised the decision
	RunID          string           `json:"run_id"`          // Run whose work raised the decision
	State          DecisionState    `json:"state"`           // Current lifecycle state
	Urgency        Urgency          `json:"urgency"`         // How quickly a human is needed
	Title          string           `json:"title"`           // Question being asked
	ContextSummary string           `json:"context_summary"` // Why the decision is needed
	Options        []DecisionOption `json:"options"`         // Closed set of choices
	ArtifactRefs   []string         `json:"artifact_refs"`   // Artifact IDs giving supporting evidence
	SourceThread   string           `json:"source_thread"`   // External conversation reference (e.g. chat thread)
	RequestedAt    int64            `json:"requested_at"`    // Unix ms when the decision was raised
	ExpiresAt      int64            `json:"expires_at"`      // Unix ms deadline, 0 for none
	FallbackOption string           `json:"fallback_option"` // Option auto-selected on expiry, empty for none
	ClaimedBy      string           `json:"claimed_by"`      // Operator holding the advisory claim
	ClaimedUntil   int64            `json:"claimed_until"`   // Unix ms claim deadline
	RenderedOption string           `json:"rendered_option"` // Selected option key once rendered
	RenderedBy     string           `json:"rendered_by"`     // Who rendered, "system:sweeper" for fallback
	RenderedAt     int64            `json:"rendered_at"`     // Unix ms when rendered
	LastEventID    string           `json:"last_event_id"`   // ID of the newest event applied to this row
}

// Option returns the option with the given key, or nil if no such option exists.
func (d *Decision) Option(key string) *DecisionOption {
	for i := range d.Options {
		if d.Options[i].Key == key {
			return &d.Options[i]
		}
	}
	return nil
}

// Provenance records where an artifact came from.
type Provenance struct {
	CommandID string `json:"command_id,omitempty"` // Command whose work produced the artifact
	RunID     string `json:"run_id,omitempty"`     // Run whose work produced the artifact
	EventID   string `json:"event_id,omitempty"`   // ArtifactProduced event that registered it
}

// StoragePointer locates artifact bytes in a blob store. The registry treats
// it as opaque; the blob package interprets Provider.
type StoragePointer struct {
	Provider string `json:"provider"`         // Blob store driver name ("redis" or "s3")
	Bucket   string `json:"bucket,omitempty"` // Bucket for bucketed providers
	Key      string `json:"key"`              // Object key within the provider
}

// ArtifactLink relates one artifact to another (e.g. "derived_from").
type ArtifactLink struct {
	Rel        string `json:"rel"`         // Relationship name
	ArtifactID string `json:"artifact_id"` // Target artifact
}

// Artifact is the read-model row for a registered work product. Artifact
// rows are manifests; the bytes live in the blob store behind Storage.
type Artifact struct {
	ID            string            `json:"id"`             // ULID assigned at registration
	TenantID      string            `json:"tenant_id"`      // Owning tenant
	ProjectID     string            `json:"project_id"`     // Owning project
	ContentSHA256 string            `json:"content_sha256"` // Hex SHA-256 of the content bytes
	Type          string            `json:"type"`           // Domain type (e.g. "digest.markdown")
	LogicalName   string            `json:"logical_name"`   // Stable name across versions of the same output
	ByteSize      int64             `json:"byte_size"`      // Content length in bytes
	Labels        map[string]string `json:"labels"`         // Free-form searchable labels
	Provenance    Provenance        `json:"provenance"`     // Where the artifact came from
	Storage       StoragePointer    `json:"storage"`        // Where the bytes live
	Links         []ArtifactLink    `json:"links"`          // Relations to other artifacts
	CreatedAt     int64             `json:"created_at"`     // Unix ms when first registered
	LastEventID   string            `json:"last_event_id"`  // ID of the newest event applied to this row
}

// Project is the administrative row for a project.
type Project struct {
	TenantID  string `json:"tenant_id"`  // Owning tenant
	ProjectID string `json:"project_id"` // Project identifier within the tenant
	Name      string `json:"name"`       // Display name
	CreatedBy string `json:"created_by"` // User who created the project
	CreatedAt int64  `json:"created_at"` // Unix ms at creation
}

// Member is the administrative row binding a user to a project role.
type Member struct {
	TenantID  string `json:"tenant_id"`  // Owning tenant
	ProjectID string `json:"project_id"` // Project the membership applies to
	UserID    string `json:"user_id"`    // Member identity
	Role      Role   `json:"role"`       // Granted role
	AddedBy   string `json:"added_by"`   // Who granted the membership
	AddedAt   int64  `json:"added_at"`   // Unix ms when granted
}

// isValidULID checks if a string is a valid ULID.
func isValidULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
