package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/metrics"
)

// doctorCacheTTL bounds how often selection re-runs the doctor.
const doctorCacheTTL = 30 * time.Second

// SettingsStore reads and writes the persisted runtime override.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// settingRuntimeOverride mirrors store.SettingRuntimeOverride without
// importing the store package.
const settingRuntimeOverride = "runtime.override"

// Selector resolves the effective runtime for new labs. The firecracker
// backend is gated on its doctor: if the host is not ready, selection
// fails instead of quietly handing back compose.
type Selector struct {
	defaultName domain.RuntimeName
	runtimes    map[domain.RuntimeName]Runtime
	settings    SettingsStore

	mu          sync.Mutex
	cachedCheck map[domain.RuntimeName]*DoctorReport
}

func NewSelector(defaultName domain.RuntimeName, settings SettingsStore, runtimes ...Runtime) (*Selector, error) {
	byName := make(map[domain.RuntimeName]Runtime, len(runtimes))
	for _, rt := range runtimes {
		byName[rt.Name()] = rt
	}
	if _, ok := byName[defaultName]; !ok {
		return nil, fmt.Errorf("default runtime %q is not registered", defaultName)
	}
	return &Selector{
		defaultName: defaultName,
		runtimes:    byName,
		settings:    settings,
		cachedCheck: make(map[domain.RuntimeName]*DoctorReport),
	}, nil
}

// Default returns the configured default runtime name.
func (s *Selector) Default() domain.RuntimeName {
	return s.defaultName
}

// Doctor runs (or serves from cache) the named runtime's doctor report.
func (s *Selector) Doctor(ctx context.Context, name domain.RuntimeName) (*DoctorReport, error) {
	rt, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return s.doctorCached(ctx, rt), nil
}

// Smoke runs the named runtime's destructive end-to-end rehearsal.
func (s *Selector) Smoke(ctx context.Context, name domain.RuntimeName) (*SmokeResult, error) {
	rt, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return rt.Smoke(ctx), nil
}

// Get returns the registered runtime with the given name. Used for labs
// already bound to a runtime; no doctor gating applies because the lab
// must be torn down with the backend that built it.
func (s *Selector) Get(name domain.RuntimeName) (Runtime, error) {
	rt, ok := s.runtimes[name]
	if !ok {
		return nil, domain.E(domain.KindInternal, fmt.Sprintf("runtime %q is not registered", name))
	}
	return rt, nil
}

// Override returns the persisted operator override, empty when unset.
func (s *Selector) Override(ctx context.Context) (domain.RuntimeName, error) {
	raw, err := s.settings.GetSetting(ctx, settingRuntimeOverride)
	if err != nil {
		return "", fmt.Errorf("read runtime override: %w", err)
	}
	return domain.RuntimeName(raw), nil
}

// SetOverride persists the override; empty clears it. Only registered
// runtime names are accepted. Existing labs keep the runtime they were
// provisioned with.
func (s *Selector) SetOverride(ctx context.Context, name domain.RuntimeName) error {
	if name == "" {
		if err := s.settings.DeleteSetting(ctx, settingRuntimeOverride); err != nil {
			return fmt.Errorf("clear runtime override: %w", err)
		}
		logging.Op().Info("runtime override cleared")
		return nil
	}
	if _, ok := s.runtimes[name]; !ok {
		return domain.E(domain.KindValidation, fmt.Sprintf("unknown runtime %q", name))
	}
	if err := s.settings.SetSetting(ctx, settingRuntimeOverride, string(name)); err != nil {
		return fmt.Errorf("persist runtime override: %w", err)
	}
	logging.Op().Info("runtime override set", "runtime", string(name))
	return nil
}

// Effective resolves the runtime a new lab gets: the override when set,
// otherwise the default. A gated runtime whose doctor reports a fatal
// failure yields PreflightFailed; there is no fallback to another backend.
func (s *Selector) Effective(ctx context.Context) (Runtime, error) {
	name := s.defaultName
	if override, err := s.Override(ctx); err != nil {
		return nil, err
	} else if override != "" {
		if _, ok := s.runtimes[override]; !ok {
			return nil, domain.E(domain.KindInternal,
				fmt.Sprintf("persisted runtime override %q is not registered", override))
		}
		name = override
	}

	rt := s.runtimes[name]
	if name == domain.RuntimeFirecracker {
		report := s.doctorCached(ctx, rt)
		if !report.OK {
			detail := "doctor reported host not ready"
			if c := report.FirstFatal(); c != nil {
				detail = fmt.Sprintf("doctor check %q failed: %s", c.Name, c.Detail)
			}
			metrics.Global().RecordDoctorFatal(string(name))
			return nil, domain.E(domain.KindPreflightFailed, detail)
		}
	}
	return rt, nil
}

func (s *Selector) doctorCached(ctx context.Context, rt Runtime) *DoctorReport {
	s.mu.Lock()
	if cached, ok := s.cachedCheck[rt.Name()]; ok && time.Since(cached.RanAt) < doctorCacheTTL {
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	report := rt.Doctor(ctx)

	s.mu.Lock()
	s.cachedCheck[rt.Name()] = report
	s.mu.Unlock()
	return report
}
