// Package runtime defines the backend abstraction the lab service
// provisions through, and the selector that picks the effective backend.
package runtime

import (
	"context"
	"time"

	"github.com/octolab/octolab/internal/domain"
)

// ProvisionResult is what a backend hands back for a successfully
// provisioned lab.
type ProvisionResult struct {
	ConnectionURL string
	Meta          domain.RuntimeMeta
}

// LabReport describes a provisioned lab's live state.
type LabReport struct {
	Running  bool
	Detail   string
	Services map[string]string
}

// MetaWriter persists runtime allocation state mid-provision so a crash
// leaves enough behind for the reaper to clean up.
type MetaWriter interface {
	UpdateLabMeta(ctx context.Context, labID string, meta domain.RuntimeMeta) error
}

// Runtime is a lab backend. DestroyLab must be idempotent and tolerate
// partially provisioned labs; Doctor must not mutate host state.
type Runtime interface {
	Name() domain.RuntimeName

	// Doctor reports host readiness. It never changes anything.
	Doctor(ctx context.Context) *DoctorReport

	// Smoke provisions and destroys a throwaway lab to prove the full
	// path works. Destructive and slow; operator-invoked only.
	Smoke(ctx context.Context) *SmokeResult

	ProvisionLab(ctx context.Context, lab *domain.Lab, recipe *domain.Recipe) (*ProvisionResult, error)
	DestroyLab(ctx context.Context, lab *domain.Lab) error
	InspectLab(ctx context.Context, lab *domain.Lab) (*LabReport, error)
}

// Severity grades a doctor check. Only a failed fatal check blocks
// selection; warn and info failures show up in the report without
// gating anything.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityFatal Severity = "fatal"
)

// DoctorCheck is one host readiness probe. Hint tells the operator how
// to fix a failed check.
type DoctorCheck struct {
	Name     string   `json:"name"`
	OK       bool     `json:"ok"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
	Hint     string   `json:"hint,omitempty"`
}

func (c DoctorCheck) fatalFailure() bool {
	return !c.OK && c.Severity == SeverityFatal
}

// DoctorReport aggregates checks. OK means no fatal check failed;
// non-fatal failures degrade but do not block selection.
type DoctorReport struct {
	Runtime domain.RuntimeName `json:"runtime"`
	OK      bool               `json:"ok"`
	Checks  []DoctorCheck      `json:"checks"`
	RanAt   time.Time          `json:"ran_at"`
}

func (r *DoctorReport) Add(c DoctorCheck) {
	if c.Severity == "" {
		c.Severity = SeverityInfo
	}
	r.Checks = append(r.Checks, c)
	if c.fatalFailure() {
		r.OK = false
	}
}

// FirstFatal returns the first failed fatal check, if any.
func (r *DoctorReport) FirstFatal() *DoctorCheck {
	for i := range r.Checks {
		if r.Checks[i].fatalFailure() {
			return &r.Checks[i]
		}
	}
	return nil
}

// SmokePhase is one timed step of the smoke run.
type SmokePhase struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// SmokeResult reports a full provision/destroy rehearsal.
type SmokeResult struct {
	Runtime domain.RuntimeName `json:"runtime"`
	OK      bool               `json:"ok"`
	Phases  []SmokePhase       `json:"phases"`
}

// Phase records a timed step and returns its error unchanged.
func (s *SmokeResult) Phase(name string, start time.Time, err error) error {
	p := SmokePhase{Name: name, Duration: time.Since(start)}
	if err != nil {
		p.Error = err.Error()
		s.OK = false
	}
	s.Phases = append(s.Phases, p)
	return err
}
