package firecracker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/guest"
)

// guestComposeFile is the compose document uploaded into the VM. The
// attacker's desktop is published on the guest's eth0; the host side DNATs
// loopback traffic to it.
type guestComposeFile struct {
	Services map[string]guestComposeService `yaml:"services"`
}

type guestComposeService struct {
	Image       string            `yaml:"image"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Restart     string            `yaml:"restart"`
}

// GuestDesktopPort is where the attacker desktop listens on the guest's
// interface. Host DNAT targets it.
const GuestDesktopPort = 6080

// buildBundle produces the tar.gz the agent unpacks. A recipe that ships
// its own bundle wins; otherwise the blueprint is rendered into one.
func buildBundle(lab *domain.Lab, recipe *domain.Recipe) ([]byte, error) {
	if len(recipe.Blueprint.ComposeBundle) > 0 {
		if len(recipe.Blueprint.ComposeBundle) > guest.MaxBundleBytes {
			return nil, fmt.Errorf("recipe bundle exceeds %d bytes", guest.MaxBundleBytes)
		}
		return recipe.Blueprint.ComposeBundle, nil
	}

	rendered, err := renderGuestProject(lab, recipe)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{
		Name:     "docker-compose.yml",
		Mode:     0o644,
		Size:     int64(len(rendered)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return nil, fmt.Errorf("bundle header: %w", err)
	}
	if _, err := tw.Write(rendered); err != nil {
		return nil, fmt.Errorf("bundle write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderGuestProject(lab *domain.Lab, recipe *domain.Recipe) ([]byte, error) {
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
		desktopPort = GuestDesktopPort
	}

	file := guestComposeFile{Services: make(map[string]guestComposeService, len(bp.Services))}
	for _, svc := range bp.Services {
		env := make(map[string]string, len(svc.Environment)+len(lab.RequestedIntent))
		for k, v := range svc.Environment {
			env[k] = v
		}
		for k, v := range lab.RequestedIntent {
			env[k] = v
		}
		rendered := guestComposeService{
			Image:       svc.Image,
			Environment: env,
			Restart:     "unless-stopped",
		}
		if svc.Name == attacker.Name {
			rendered.Ports = []string{fmt.Sprintf("%d:%d", GuestDesktopPort, desktopPort)}
		}
		file.Services[svc.Name] = rendered
	}

	out, err := yaml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("render guest project: %w", err)
	}
	return out, nil
}
