package domain

import (
	"fmt"
	"time"
)

// BlueprintService describes one container in a recipe's compose project.
type BlueprintService struct {
	Name        string            `json:"name" yaml:"name"`
	Image       string            `json:"image" yaml:"image"`
	Ports       []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Role        string            `json:"role" yaml:"role"` // "attacker" or "target"
}

// Blueprint is the server-curated description of which container images,
// ports, and in-VM compose project a recipe runs. Opaque to clients.
type Blueprint struct {
	Services      []BlueprintService `json:"services" yaml:"services"`
	AllowEgress   bool               `json:"allow_egress,omitempty" yaml:"allow_egress,omitempty"`
	DesktopPort   int                `json:"desktop_port,omitempty" yaml:"desktop_port,omitempty"`
	OverrideKeys  []string           `json:"override_keys,omitempty" yaml:"override_keys,omitempty"`
	ComposeBundle []byte             `json:"-" yaml:"-"` // tar.gz uploaded into firecracker labs
}

// Attacker returns the attacker workstation service, if declared.
func (b *Blueprint) Attacker() (BlueprintService, bool) {
	for _, svc := range b.Services {
		if svc.Role == "attacker" {
			return svc, true
		}
	}
	return BlueprintService{}, false
}

// ValidateIntent checks structured recipe overrides against the blueprint's
// declared override keys. Unknown keys are rejected.
func (b *Blueprint) ValidateIntent(intent map[string]string) error {
	allowed := make(map[string]struct{}, len(b.OverrideKeys))
	for _, k := range b.OverrideKeys {
		allowed[k] = struct{}{}
	}
	for k := range intent {
		if _, ok := allowed[k]; !ok {
			return E(KindValidation, fmt.Sprintf("intent key %q not permitted by recipe", k))
		}
	}
	return nil
}

// Recipe is a server-curated blueprint for a specific CVE scenario.
// Recipes are read-only from the core's perspective.
type Recipe struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	TargetName    string    `json:"target_name"`
	TargetVersion string    `json:"target_version"`
	ExploitFamily string    `json:"exploit_family"`
	Blueprint     Blueprint `json:"blueprint"`
	CreatedAt     time.Time `json:"created_at"`
}
