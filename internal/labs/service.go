// Package labs owns the lab lifecycle: creation, synchronous
// provisioning, listing, termination, and desktop connection. It is the
// only writer of lab status transitions outside the teardown worker.
package labs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/octolab/octolab/internal/auth"
	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/metrics"
	"github.com/octolab/octolab/internal/observability"
	"github.com/octolab/octolab/internal/runtime"
)

// DefaultLabTTL bounds a lab's lifetime when the caller does not ask for
// less.
const DefaultLabTTL = 2 * time.Hour

// Store is the persistence surface the service needs.
type Store interface {
	CreateLab(ctx context.Context, lab *domain.Lab) error
	GetLab(ctx context.Context, labID string) (*domain.Lab, error)
	GetLabForOwner(ctx context.Context, ownerID, labID string) (*domain.Lab, error)
	ListLabsForOwner(ctx context.Context, ownerID string, statuses []domain.LabStatus) ([]*domain.Lab, error)
	TransitionLab(ctx context.Context, labID string, from, to domain.LabStatus) error
	MarkLabEnding(ctx context.Context, labID string) error
	SetLabReady(ctx context.Context, labID, connectionURL string) error
	SetLabFailed(ctx context.Context, labID, reason string) error
	GetRecipe(ctx context.Context, id string) (*domain.Recipe, error)
}

// Selector resolves runtimes; satisfied by *runtime.Selector.
type Selector interface {
	Effective(ctx context.Context) (runtime.Runtime, error)
	Get(name domain.RuntimeName) (runtime.Runtime, error)
}

// TokenMinter issues one-time connect tokens. Optional; a nil minter
// means connection URLs are returned bare.
type TokenMinter interface {
	MintConnectToken(ctx context.Context, labID string, ttl time.Duration) (string, error)
}

// Evidence initializes the per-lab artifact directory. Optional; labs
// run fine without evidence collection, they just finish unavailable.
type Evidence interface {
	Init(labID string) error
}

// Service implements the lab operations.
type Service struct {
	store    Store
	selector Selector
	tokens   TokenMinter
	evidence Evidence
	labTTL   time.Duration
}

func NewService(store Store, selector Selector, tokens TokenMinter) *Service {
	return &Service{
		store:    store,
		selector: selector,
		tokens:   tokens,
		labTTL:   DefaultLabTTL,
	}
}

// SetEvidence attaches the evidence manager.
func (s *Service) SetEvidence(ev Evidence) {
	s.evidence = ev
}

// CreateLabRequest is the client-controlled part of lab creation. Intent
// is opaque key/value overrides; the recipe decides which keys exist.
type CreateLabRequest struct {
	RecipeID string            `json:"recipe_id"`
	Intent   map[string]string `json:"intent,omitempty"`
}

// CreateLab validates the request, inserts the lab, and provisions it
// synchronously. The caller gets the lab back READY, or an error after
// the row was moved to FAILED with a sanitized reason. A provision cut
// short by shutdown never goes FAILED: the lab is left ENDING for the
// reaper to pick up.
func (s *Service) CreateLab(ctx context.Context, id auth.Identity, req *CreateLabRequest) (*domain.Lab, error) {
	ctx, span := observability.StartSpan(ctx, "labs.CreateLab")
	defer span.End()

	if req.RecipeID == "" {
		return nil, domain.E(domain.KindValidation, "recipe_id is required")
	}
	if req.Intent != nil {
		raw, err := json.Marshal(req.Intent)
		if err != nil {
			return nil, domain.E(domain.KindValidation, "intent is not serializable")
		}
		if len(raw) > domain.MaxIntentBytes {
			return nil, domain.E(domain.KindValidation,
				fmt.Sprintf("intent exceeds %d bytes", domain.MaxIntentBytes))
		}
	}

	recipe, err := s.store.GetRecipe(ctx, req.RecipeID)
	if err != nil {
		return nil, err
	}
	if err := recipe.Blueprint.ValidateIntent(req.Intent); err != nil {
		return nil, err
	}

	// Runtime resolution happens before the insert so a preflight failure
	// never leaves a row behind. No fallback: a gated runtime failing its
	// doctor fails the request.
	rt, err := s.selector.Effective(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(s.labTTL)
	lab := &domain.Lab{
		ID:              uuid.NewString(),
		OwnerID:         id.UserID,
		RecipeID:        recipe.ID,
		Status:          domain.StatusRequested,
		Runtime:         rt.Name(),
		RequestedIntent: req.Intent,
		ExpiresAt:       &expires,
		EvidenceState:   domain.EvidenceCollecting,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateLab(ctx, lab); err != nil {
		return nil, err
	}
	if err := s.store.TransitionLab(ctx, lab.ID, domain.StatusRequested, domain.StatusProvisioning); err != nil {
		return nil, err
	}
	lab.Status = domain.StatusProvisioning

	if s.evidence != nil {
		if err := s.evidence.Init(lab.ID); err != nil {
			logging.Op().Warn("evidence dir init failed", "lab_id", lab.ID, "error", err)
		}
	}

	start := time.Now()
	res, err := rt.ProvisionLab(ctx, lab, recipe)
	if err != nil {
		// The status write must land even though the request context may
		// already be dead.
		writeCtx := context.WithoutCancel(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// Shutdown raced the provision. The lab is not broken, just
			// unfinished; it goes ENDING and the reaper finishes the job.
			if markErr := s.store.MarkLabEnding(writeCtx, lab.ID); markErr != nil {
				logging.Op().Error("marking lab ending after cancelled provision",
					"lab_id", lab.ID, "error", markErr)
			}
			logging.Op().Info("lab provisioning cancelled", "lab_id", lab.ID)
			return nil, domain.Wrap(domain.KindCancelled, "lab provisioning cancelled", err)
		}
		reason := domain.Sanitize(err)
		if failErr := s.store.SetLabFailed(writeCtx, lab.ID, reason); failErr != nil {
			logging.Op().Error("marking lab failed after provision error",
				"lab_id", lab.ID, "error", failErr)
		}
		metrics.Global().RecordLabFailed("provision")
		logging.Op().Error("lab provisioning failed",
			"lab_id", lab.ID, "runtime", string(rt.Name()), "error", err)
		return nil, err
	}

	if err := s.store.SetLabReady(ctx, lab.ID, res.ConnectionURL); err != nil {
		return nil, err
	}
	lab.Status = domain.StatusReady
	lab.ConnectionURL = res.ConnectionURL
	lab.RuntimeMeta = res.Meta

	metrics.Global().RecordLabCreated(string(rt.Name()))
	metrics.Global().ObserveProvision(string(rt.Name()), time.Since(start))
	logging.Op().Info("lab ready",
		"lab_id", lab.ID, "runtime", string(rt.Name()),
		"provision_seconds", time.Since(start).Seconds())
	return lab, nil
}

// GetLab fetches a lab. Non-admins only see their own; a cross-tenant id
// yields NotFound, never Forbidden, so lab ids do not leak existence.
func (s *Service) GetLab(ctx context.Context, id auth.Identity, labID string) (*domain.Lab, error) {
	if id.Admin {
		return s.store.GetLab(ctx, labID)
	}
	return s.store.GetLabForOwner(ctx, id.UserID, labID)
}

// ListLabs lists the caller's labs, optionally filtered by status.
func (s *Service) ListLabs(ctx context.Context, id auth.Identity, statuses []domain.LabStatus) ([]*domain.Lab, error) {
	for _, st := range statuses {
		if !st.IsValid() {
			return nil, domain.E(domain.KindValidation, fmt.Sprintf("unknown status %q", st))
		}
	}
	return s.store.ListLabsForOwner(ctx, id.UserID, statuses)
}

// TerminateLab marks a lab ENDING and returns immediately; the teardown
// worker does the actual work. Repeat calls on an ENDING lab succeed.
// Retrying a FAILED lab is admin-only.
func (s *Service) TerminateLab(ctx context.Context, id auth.Identity, labID string) error {
	lab, err := s.GetLab(ctx, id, labID)
	if err != nil {
		return err
	}
	if lab.Status == domain.StatusFailed && !id.Admin {
		return domain.E(domain.KindForbidden, "failed labs are retried by an administrator")
	}
	if err := s.store.MarkLabEnding(ctx, lab.ID); err != nil {
		return err
	}
	logging.Op().Info("lab termination requested", "lab_id", lab.ID)
	return nil
}

// Connect returns the lab's connection URL, with a short-lived one-time
// token attached when a token store is configured.
func (s *Service) Connect(ctx context.Context, id auth.Identity, labID string) (string, error) {
	lab, err := s.GetLab(ctx, id, labID)
	if err != nil {
		return "", err
	}
	if !lab.Connectable() {
		return "", domain.E(domain.KindConflict,
			fmt.Sprintf("lab is %s, not connectable", lab.Status))
	}
	if lab.ConnectionURL == "" {
		return "", domain.E(domain.KindInternal, "connectable lab has no connection url")
	}
	if s.tokens == nil {
		return lab.ConnectionURL, nil
	}
	token, err := s.tokens.MintConnectToken(ctx, lab.ID, 0)
	if err != nil {
		return "", domain.Wrap(domain.KindExternal, "mint connect token", err)
	}
	sep := "?"
	for _, r := range lab.ConnectionURL {
		if r == '?' {
			sep = "&"
			break
		}
	}
	return lab.ConnectionURL + sep + "token=" + token, nil
}

// InspectLab reports the live backend state of a lab the caller can see,
// and reconciles READY/DEGRADED with what the backend actually reports.
func (s *Service) InspectLab(ctx context.Context, id auth.Identity, labID string) (*runtime.LabReport, error) {
	lab, err := s.GetLab(ctx, id, labID)
	if err != nil {
		return nil, err
	}
	rt, err := s.selector.Get(lab.Runtime)
	if err != nil {
		return nil, err
	}
	report, err := rt.InspectLab(ctx, lab)
	if err != nil {
		return nil, err
	}

	switch {
	case lab.Status == domain.StatusReady && !report.Running:
		if terr := s.store.TransitionLab(ctx, lab.ID, domain.StatusReady, domain.StatusDegraded); terr == nil {
			logging.Op().Warn("lab degraded", "lab_id", lab.ID, "detail", report.Detail)
		}
	case lab.Status == domain.StatusDegraded && report.Running:
		if terr := s.store.TransitionLab(ctx, lab.ID, domain.StatusDegraded, domain.StatusReady); terr == nil {
			logging.Op().Info("lab recovered", "lab_id", lab.ID)
		}
	}
	return report, nil
}
