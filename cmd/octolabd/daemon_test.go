package main

import (
	"context"
	"testing"
	"time"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/runtime"
)

type fakeGate struct {
	def      domain.RuntimeName
	override domain.RuntimeName
	fatal    bool
}

func (f *fakeGate) Default() domain.RuntimeName { return f.def }

func (f *fakeGate) Override(context.Context) (domain.RuntimeName, error) {
	return f.override, nil
}

func (f *fakeGate) Doctor(_ context.Context, name domain.RuntimeName) (*runtime.DoctorReport, error) {
	report := &runtime.DoctorReport{Runtime: name, OK: true, RanAt: time.Now()}
	report.Add(runtime.DoctorCheck{
		Name: "kvm", OK: !f.fatal, Severity: runtime.SeverityFatal,
		Hint: "load the kvm module",
	})
	return report, nil
}

// The persisted operator override survives restarts, so the startup gate
// must honor it over the configured default.
func TestGateOnDoctorHonorsPersistedOverride(t *testing.T) {
	gate := &fakeGate{def: domain.RuntimeCompose, override: domain.RuntimeFirecracker, fatal: true}
	if err := gateOnDoctor(context.Background(), gate); err == nil {
		t.Fatal("failing doctor behind a firecracker override passed the gate")
	}

	gate.fatal = false
	if err := gateOnDoctor(context.Background(), gate); err != nil {
		t.Fatalf("healthy doctor gated startup: %v", err)
	}
}

func TestGateOnDoctorSkipsComposeRuntime(t *testing.T) {
	gate := &fakeGate{def: domain.RuntimeCompose, fatal: true}
	if err := gateOnDoctor(context.Background(), gate); err != nil {
		t.Fatalf("compose runtime must not be gated: %v", err)
	}
}
