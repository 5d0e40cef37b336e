package domain

import (
	"time"
)

// LabStatus is the authoritative lifecycle state of a lab.
type LabStatus string

const (
	StatusRequested    LabStatus = "REQUESTED"
	StatusProvisioning LabStatus = "PROVISIONING"
	StatusReady        LabStatus = "READY"
	StatusDegraded     LabStatus = "DEGRADED"
	StatusEnding       LabStatus = "ENDING"
	StatusFinished     LabStatus = "FINISHED"
	StatusFailed       LabStatus = "FAILED"
)

// legalTransitions is the complete transition table. Any edge not listed
// here is a bug and must never be committed.
var legalTransitions = map[LabStatus][]LabStatus{
	StatusRequested:    {StatusProvisioning, StatusFailed, StatusEnding},
	StatusProvisioning: {StatusReady, StatusDegraded, StatusFailed, StatusEnding},
	StatusReady:        {StatusDegraded, StatusEnding},
	StatusDegraded:     {StatusReady, StatusEnding},
	StatusEnding:       {StatusFinished, StatusFailed},
	StatusFailed:       {StatusEnding},
	StatusFinished:     {},
}

// CanTransition reports whether moving a lab from one status to another is
// legal. ENDING→ENDING is treated as a legal no-op so that termination
// stays idempotent across crashes and retries.
func CanTransition(from, to LabStatus) bool {
	if from == StatusEnding && to == StatusEnding {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a recognized lab status.
func (s LabStatus) IsValid() bool {
	switch s {
	case StatusRequested, StatusProvisioning, StatusReady, StatusDegraded,
		StatusEnding, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions can leave s.
func (s LabStatus) Terminal() bool {
	return s == StatusFinished
}

// RuntimeName identifies a provisioning backend. The value is server-owned:
// it is set once when a lab leaves REQUESTED and never accepted from client
// input.
type RuntimeName string

const (
	RuntimeCompose     RuntimeName = "compose"
	RuntimeFirecracker RuntimeName = "firecracker"
)

func (r RuntimeName) IsValid() bool {
	return r == RuntimeCompose || r == RuntimeFirecracker
}

// EvidenceState tracks the per-lab artifact directory lifecycle.
type EvidenceState string

const (
	EvidenceCollecting  EvidenceState = "collecting"
	EvidenceReady       EvidenceState = "ready"
	EvidencePartial     EvidenceState = "partial"
	EvidenceUnavailable EvidenceState = "unavailable"
)

// RuntimeMeta is the small server-owned record describing the resources a
// runtime allocated for a lab. It is persisted at each allocation step so
// the teardown worker can clean up after a crash. Never populated from
// client input.
type RuntimeMeta struct {
	// Firecracker labs.
	VMID             string `json:"vm_id,omitempty"`
	StateDirBasename string `json:"state_dir_basename,omitempty"`
	FirecrackerPID   int    `json:"firecracker_pid,omitempty"`
	VsockCID         uint32 `json:"vsock_cid,omitempty"`
	HostPort         int    `json:"host_port,omitempty"`
	GuestIP          string `json:"guest_ip,omitempty"`

	// Compose labs.
	ComposeProject string `json:"compose_project,omitempty"`
}

// Empty reports whether no resource has been recorded yet.
func (m RuntimeMeta) Empty() bool {
	return m == RuntimeMeta{}
}

// MaxIntentBytes bounds the serialized size of a lab's requested intent.
const MaxIntentBytes = 64 * 1024

// Lab is the central entity: a running attacker+target pair owned by a
// single user, with a bounded lifetime.
type Lab struct {
	ID                  string            `json:"id"`
	OwnerID             string            `json:"owner_id"`
	RecipeID            string            `json:"recipe_id"`
	Status              LabStatus         `json:"status"`
	Runtime             RuntimeName       `json:"runtime"`
	RuntimeMeta         RuntimeMeta       `json:"runtime_meta"`
	ConnectionURL       string            `json:"connection_url,omitempty"`
	RequestedIntent     map[string]string `json:"requested_intent,omitempty"`
	ExpiresAt           *time.Time        `json:"expires_at,omitempty"`
	EvidenceState       EvidenceState     `json:"evidence_state"`
	EvidenceFinalizedAt *time.Time        `json:"evidence_finalized_at,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Expired reports whether the lab's wall-clock deadline has passed.
func (l *Lab) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// Connectable reports whether the lab can serve desktop connections.
func (l *Lab) Connectable() bool {
	return l.Status == StatusReady || l.Status == StatusDegraded
}
