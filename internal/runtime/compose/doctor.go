package compose

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/runtime"
)

// Doctor probes the Docker daemon and the compose plugin. Read-only.
func (c *Compose) Doctor(ctx context.Context) *runtime.DoctorReport {
	report := &runtime.DoctorReport{Runtime: domain.RuntimeCompose, OK: true, RanAt: time.Now()}

	if out, err := c.runner.Run(ctx, c.dockerBin, "version", "--format", "{{.Server.Version}}"); err != nil {
		report.Add(runtime.DoctorCheck{
			Name: "docker_daemon", Severity: runtime.SeverityFatal,
			Detail: strings.TrimSpace(string(out)),
			Hint:   "start the docker daemon and check compose.docker_bin",
		})
	} else {
		report.Add(runtime.DoctorCheck{
			Name: "docker_daemon", OK: true, Severity: runtime.SeverityFatal,
			Detail: "server " + strings.TrimSpace(string(out)),
		})
	}

	if out, err := c.runner.Run(ctx, c.dockerBin, "compose", "version", "--short"); err != nil {
		report.Add(runtime.DoctorCheck{
			Name: "compose_plugin", Severity: runtime.SeverityFatal,
			Detail: strings.TrimSpace(string(out)),
			Hint:   "install the docker compose v2 plugin",
		})
	} else {
		report.Add(runtime.DoctorCheck{
			Name: "compose_plugin", OK: true, Severity: runtime.SeverityFatal,
			Detail: strings.TrimSpace(string(out)),
		})
	}

	if err := os.MkdirAll(c.workDir, 0o755); err != nil {
		report.Add(runtime.DoctorCheck{
			Name: "work_dir", Severity: runtime.SeverityFatal, Detail: err.Error(),
			Hint: "check ownership and permissions on the compose work dir",
		})
	} else {
		report.Add(runtime.DoctorCheck{Name: "work_dir", OK: true, Severity: runtime.SeverityFatal, Detail: c.workDir})
	}

	return report
}

// smokeRecipe is a self-contained throwaway scenario: one always-up image
// standing in for the attacker workstation.
func smokeRecipe() *domain.Recipe {
	return &domain.Recipe{
		ID:   uuid.NewString(),
		Name: "smoke",
		Blueprint: domain.Blueprint{
			DesktopPort: 80,
			Services: []domain.BlueprintService{
				{Name: "attacker", Image: "nginx:alpine", Role: "attacker"},
			},
		},
	}
}

// Smoke provisions and destroys a throwaway lab through the real daemon.
// Destructive in the sense that it consumes a port and pulls an image.
func (c *Compose) Smoke(ctx context.Context) *runtime.SmokeResult {
	result := &runtime.SmokeResult{Runtime: domain.RuntimeCompose, OK: true}

	lab := &domain.Lab{
		ID:      uuid.NewString(),
		Status:  domain.StatusProvisioning,
		Runtime: domain.RuntimeCompose,
	}
	recipe := smokeRecipe()

	start := time.Now()
	res, err := c.ProvisionLab(ctx, lab, recipe)
	if result.Phase("provision", start, err) == nil {
		lab.RuntimeMeta = res.Meta
	}

	start = time.Now()
	_ = result.Phase("destroy", start, c.DestroyLab(ctx, lab))
	return result
}
