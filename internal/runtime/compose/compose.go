// Package compose is the development lab backend: containers on the local
// Docker daemon driven through the docker compose CLI.
package compose

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/runtime"
)

// Runner executes docker CLI invocations. Injected so tests run without a
// daemon.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type discardMeta struct{}

func (discardMeta) UpdateLabMeta(context.Context, string, domain.RuntimeMeta) error { return nil }

// Options configures the backend.
type Options struct {
	DockerBin   string // default "docker"
	WorkDir     string // per-lab compose files live here
	PublicHost  string // host in connection URLs, default 127.0.0.1
	HostPortMin int
	HostPortMax int
	Runner      Runner
}

// Compose provisions labs as docker compose projects on the local daemon.
type Compose struct {
	dockerBin   string
	workDir     string
	publicHost  string
	hostPortMin int
	hostPortMax int
	runner      Runner
	meta        runtime.MetaWriter
}

func New(opts Options, meta runtime.MetaWriter) *Compose {
	if opts.DockerBin == "" {
		opts.DockerBin = "docker"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/var/lib/octolab/compose"
	}
	if opts.PublicHost == "" {
		opts.PublicHost = "127.0.0.1"
	}
	if opts.HostPortMin == 0 {
		opts.HostPortMin, opts.HostPortMax = 20000, 30000
	}
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	if meta == nil {
		meta = discardMeta{}
	}
	return &Compose{
		dockerBin:   opts.DockerBin,
		workDir:     opts.WorkDir,
		publicHost:  opts.PublicHost,
		hostPortMin: opts.HostPortMin,
		hostPortMax: opts.HostPortMax,
		runner:      opts.Runner,
		meta:        meta,
	}
}

func (c *Compose) Name() domain.RuntimeName { return domain.RuntimeCompose }

// ProjectName is the compose project for a lab.
func ProjectName(labID string) string {
	return "octolab_" + labID
}

// NetworkName builds one of the two per-lab network names.
func NetworkName(labID, suffix string) string {
	return fmt.Sprintf("octolab_%s_%s", labID, suffix)
}

// labNetworkPattern matches exactly the networks this backend creates.
// Cleanup refuses to touch anything else.
var labNetworkPattern = regexp.MustCompile(
	`^octolab_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}_(lab_net|egress_net)$`)

func (c *Compose) projectDir(labID string) string {
	return filepath.Join(c.workDir, ProjectName(labID))
}

func (c *Compose) composeFilePath(labID string) string {
	return filepath.Join(c.projectDir(labID), "docker-compose.yml")
}

// ProvisionLab renders and starts the lab project. A provision cut short
// by cancellation is rolled back best-effort on a detached context so
// shutdown does not strand half-started containers.
func (c *Compose) ProvisionLab(ctx context.Context, lab *domain.Lab, recipe *domain.Recipe) (*runtime.ProvisionResult, error) {
	res, err := c.provision(ctx, lab, recipe)
	if err != nil && ctx.Err() != nil {
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()
		if rbErr := c.DestroyLab(rbCtx, lab); rbErr != nil {
			logging.Op().Warn("rollback after cancelled provision failed",
				"lab_id", lab.ID, "error", rbErr)
		}
	}
	return res, err
}

func (c *Compose) provision(ctx context.Context, lab *domain.Lab, recipe *domain.Recipe) (*runtime.ProvisionResult, error) {
	labID, err := uuid.Parse(lab.ID)
	if err != nil {
		return nil, domain.E(domain.KindValidation, "lab id is not a UUID")
	}

	meta := lab.RuntimeMeta
	meta.ComposeProject = ProjectName(lab.ID)
	if err := c.meta.UpdateLabMeta(ctx, lab.ID, meta); err != nil {
		return nil, fmt.Errorf("record compose project: %w", err)
	}

	hostPort, err := runtime.AllocateHostPort(c.hostPortMin, c.hostPortMax, labID)
	if err != nil {
		return nil, fmt.Errorf("allocate desktop port: %w", err)
	}
	meta.HostPort = hostPort
	if err := c.meta.UpdateLabMeta(ctx, lab.ID, meta); err != nil {
		return nil, fmt.Errorf("record host port: %w", err)
	}

	rendered, err := RenderProject(lab, recipe, hostPort)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "render compose project", err)
	}
	if err := os.MkdirAll(c.projectDir(lab.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	if err := os.WriteFile(c.composeFilePath(lab.ID), rendered, 0o644); err != nil {
		return nil, fmt.Errorf("write compose file: %w", err)
	}

	out, err := c.runner.Run(ctx, c.dockerBin, "compose",
		"-p", meta.ComposeProject, "-f", c.composeFilePath(lab.ID),
		"up", "-d")
	if err != nil {
		// Leave containers for DestroyLab; the caller marks the lab
		// FAILED and the reaper cleans up.
		return nil, domain.Wrap(domain.KindExternal, "compose up failed",
			fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
	}

	running, err := c.labContainers(ctx, lab.ID, true)
	if err != nil {
		return nil, err
	}
	if len(running) < len(recipe.Blueprint.Services) {
		return nil, domain.E(domain.KindExternal,
			fmt.Sprintf("compose up left %d/%d services running",
				len(running), len(recipe.Blueprint.Services)))
	}

	logging.Op().Info("compose lab provisioned",
		"lab_id", lab.ID, "project", meta.ComposeProject, "host_port", hostPort)
	return &runtime.ProvisionResult{
		ConnectionURL: fmt.Sprintf("http://%s:%d/", c.publicHost, hostPort),
		Meta:          meta,
	}, nil
}

// DestroyLab tears the project down and verifies nothing labeled with the
// lab id survives. Idempotent: a lab with no resources succeeds.
func (c *Compose) DestroyLab(ctx context.Context, lab *domain.Lab) error {
	project := lab.RuntimeMeta.ComposeProject
	if project == "" {
		project = ProjectName(lab.ID)
	}

	composeFile := c.composeFilePath(lab.ID)
	if _, err := os.Stat(composeFile); err == nil {
		out, err := c.runner.Run(ctx, c.dockerBin, "compose",
			"-p", project, "-f", composeFile,
			"down", "-v", "--remove-orphans")
		if err != nil {
			return domain.Wrap(domain.KindExternal, "compose down failed",
				fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
		}
	} else {
		// Compose file lost (crash before write, or dir cleaned).
		// Fall back to label-based removal.
		ids, err := c.labContainers(ctx, lab.ID, false)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if out, err := c.runner.Run(ctx, c.dockerBin, "rm", "-f", id); err != nil {
				return domain.Wrap(domain.KindExternal, "remove container",
					fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
			}
		}
	}

	// remaining_final check: anything still carrying the label means the
	// teardown did not actually converge.
	remaining, err := c.labContainers(ctx, lab.ID, false)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return domain.E(domain.KindExternal,
			fmt.Sprintf("%d containers survived teardown", len(remaining)))
	}

	if err := c.removeLabNetworks(ctx, lab.ID); err != nil {
		return err
	}
	if err := os.RemoveAll(c.projectDir(lab.ID)); err != nil {
		return fmt.Errorf("remove project dir: %w", err)
	}

	logging.Op().Info("compose lab destroyed", "lab_id", lab.ID, "project", project)
	return nil
}

func (c *Compose) InspectLab(ctx context.Context, lab *domain.Lab) (*runtime.LabReport, error) {
	out, err := c.runner.Run(ctx, c.dockerBin, "ps",
		"--filter", "label="+LabIDLabel+"="+lab.ID,
		"--format", "{{.Label \"com.docker.compose.service\"}}\t{{.State}}")
	if err != nil {
		return nil, domain.Wrap(domain.KindExternal, "docker ps", err)
	}
	report := &runtime.LabReport{Services: make(map[string]string)}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		report.Services[parts[0]] = parts[1]
		if parts[1] == "running" {
			report.Running = true
		}
	}
	return report, nil
}

// labContainers lists container ids labeled with the lab id. onlyRunning
// narrows to live containers; otherwise stopped ones count too.
func (c *Compose) labContainers(ctx context.Context, labID string, onlyRunning bool) ([]string, error) {
	args := []string{"ps", "-q", "--filter", "label=" + LabIDLabel + "=" + labID}
	if !onlyRunning {
		args = append(args, "-a")
	}
	out, err := c.runner.Run(ctx, c.dockerBin, args...)
	if err != nil {
		return nil, domain.Wrap(domain.KindExternal, "docker ps", err)
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

func (c *Compose) removeLabNetworks(ctx context.Context, labID string) error {
	out, err := c.runner.Run(ctx, c.dockerBin, "network", "ls",
		"--format", "{{.Name}}", "--filter", "name=octolab_"+labID)
	if err != nil {
		return domain.Wrap(domain.KindExternal, "docker network ls", err)
	}
	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if name == "" {
			continue
		}
		// The filter is a substring match on the docker side; the
		// pattern plus lab id check makes removal exact.
		if !labNetworkPattern.MatchString(name) || !strings.Contains(name, labID) {
			continue
		}
		if rmOut, err := c.runner.Run(ctx, c.dockerBin, "network", "rm", name); err != nil {
			return domain.Wrap(domain.KindExternal, "remove network "+name,
				fmt.Errorf("%s: %w", strings.TrimSpace(string(rmOut)), err))
		}
	}
	return nil
}
