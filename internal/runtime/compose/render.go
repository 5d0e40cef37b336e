package compose

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/octolab/octolab/internal/domain"
)

// LabIDLabel is stamped on every container so cleanup and inspection can
// find a lab's resources even without the compose file.
const LabIDLabel = "octolab.lab_id"

// composeFile mirrors the subset of the compose schema the renderer emits.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks"`
}

type composeService struct {
	Image       string            `yaml:"image"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Expose      []string          `yaml:"expose,omitempty"`
	Networks    []string          `yaml:"networks"`
	Labels      map[string]string `yaml:"labels"`
	Restart     string            `yaml:"restart"`
}

type composeNetwork struct {
	Name     string `yaml:"name"`
	Internal bool   `yaml:"internal,omitempty"`
}

// RenderProject turns a recipe blueprint into a compose file. Only the
// attacker's desktop port is published, and only on loopback; target ports
// stay internal to the lab network. Intent values land as environment
// variables on every service, the blueprint having already vetted the keys.
func RenderProject(lab *domain.Lab, recipe *domain.Recipe, hostPort int) ([]byte, error) {
	bp := &recipe.Blueprint
	if len(bp.Services) == 0 {
		return nil, fmt.Errorf("recipe %s has no services", recipe.ID)
	}
	attacker, ok := bp.Attacker()
	if !ok {
		return nil, fmt.Errorf("recipe %s declares no attacker service", recipe.ID)
	}
	desktopPort := bp.DesktopPort
	if desktopPort == 0 {
		desktopPort = 6080
	}

	labNet := NetworkName(lab.ID, "lab_net")
	egressNet := NetworkName(lab.ID, "egress_net")

	// With AllowEgress the attacker sits directly on a non-internal
	// docker network, so its egress rides the daemon's own NAT with no
	// per-lab policy in between. Targets never join egress_net, so they
	// stay unreachable from outside either way.
	file := composeFile{
		Services: make(map[string]composeService, len(bp.Services)),
		Networks: map[string]composeNetwork{
			"lab_net":    {Name: labNet, Internal: true},
			"egress_net": {Name: egressNet, Internal: !bp.AllowEgress},
		},
	}

	for _, svc := range bp.Services {
		env := make(map[string]string, len(svc.Environment)+len(lab.RequestedIntent))
		for k, v := range svc.Environment {
			env[k] = v
		}
		for k, v := range lab.RequestedIntent {
			env[k] = v
		}

		rendered := composeService{
			Image:       svc.Image,
			Environment: env,
			Networks:    []string{"lab_net"},
			Labels:      map[string]string{LabIDLabel: lab.ID},
			Restart:     "unless-stopped",
		}
		for _, p := range svc.Ports {
			rendered.Expose = append(rendered.Expose, fmt.Sprintf("%d", p))
		}
		if svc.Name == attacker.Name {
			rendered.Ports = []string{fmt.Sprintf("127.0.0.1:%d:%d", hostPort, desktopPort)}
			rendered.Networks = append(rendered.Networks, "egress_net")
		}
		file.Services[svc.Name] = rendered
	}

	out, err := yaml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("render compose file: %w", err)
	}
	return out, nil
}
