package compose

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/octolab/octolab/internal/domain"
)

type metaRecorder struct {
	mu    sync.Mutex
	metas []domain.RuntimeMeta
}

func (m *metaRecorder) UpdateLabMeta(_ context.Context, _ string, meta domain.RuntimeMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas = append(m.metas, meta)
	return nil
}

// fakeDocker simulates the docker CLI surface the backend drives:
// compose up/down, ps with label filters, and network ls/rm.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string][]string // labID -> container ids
	networks   []string
	calls      []string
	failDown   bool
	stubborn   bool // containers survive down
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string][]string)}
}

func (f *fakeDocker) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)

	hasArg := func(want string) bool {
		for _, a := range args {
			if a == want {
				return true
			}
		}
		return false
	}

	switch {
	case hasArg("compose") && hasArg("up"):
		labID := labIDFromProject(args)
		f.containers[labID] = []string{"c1_" + labID[:8], "c2_" + labID[:8]}
		f.networks = append(f.networks,
			NetworkName(labID, "lab_net"), NetworkName(labID, "egress_net"))
		return nil, nil
	case hasArg("compose") && hasArg("down"):
		if f.failDown {
			return []byte("daemon unavailable"), fmt.Errorf("exit status 1")
		}
		labID := labIDFromProject(args)
		if !f.stubborn {
			delete(f.containers, labID)
		}
		return nil, nil
	case name == "docker" && args[0] == "ps":
		labID := labelValue(args)
		return []byte(strings.Join(f.containers[labID], "\n")), nil
	case name == "docker" && args[0] == "rm":
		for labID, ids := range f.containers {
			var kept []string
			for _, id := range ids {
				if id != args[len(args)-1] {
					kept = append(kept, id)
				}
			}
			f.containers[labID] = kept
			if len(kept) == 0 {
				delete(f.containers, labID)
			}
		}
		return nil, nil
	case name == "docker" && args[0] == "network" && args[1] == "ls":
		return []byte(strings.Join(f.networks, "\n")), nil
	case name == "docker" && args[0] == "network" && args[1] == "rm":
		var kept []string
		for _, n := range f.networks {
			if n != args[2] {
				kept = append(kept, n)
			}
		}
		f.networks = kept
		return nil, nil
	}
	return nil, nil
}

func labIDFromProject(args []string) string {
	for i, a := range args {
		if a == "-p" && i+1 < len(args) {
			return strings.TrimPrefix(args[i+1], "octolab_")
		}
	}
	return ""
}

func labelValue(args []string) string {
	for i, a := range args {
		if a == "--filter" && i+1 < len(args) && strings.HasPrefix(args[i+1], "label="+LabIDLabel+"=") {
			return strings.TrimPrefix(args[i+1], "label="+LabIDLabel+"=")
		}
	}
	return ""
}

func testRecipe() *domain.Recipe {
	return &domain.Recipe{
		ID:   uuid.NewString(),
		Name: "struts-rce",
		Blueprint: domain.Blueprint{
			DesktopPort:  6080,
			OverrideKeys: []string{"TARGET_FLAG"},
			Services: []domain.BlueprintService{
				{Name: "attacker", Image: "octolab/kasm-attacker:1", Role: "attacker"},
				{Name: "target", Image: "octolab/struts:2.5.10", Role: "target",
					Ports:       []int{8080},
					Environment: map[string]string{"JAVA_OPTS": "-Xmx256m"}},
			},
		},
	}
}

func testLab(t *testing.T) *domain.Lab {
	t.Helper()
	return &domain.Lab{
		ID:              uuid.NewString(),
		OwnerID:         uuid.NewString(),
		Status:          domain.StatusProvisioning,
		Runtime:         domain.RuntimeCompose,
		RequestedIntent: map[string]string{"TARGET_FLAG": "flag{demo}"},
	}
}

func newTestCompose(t *testing.T, docker *fakeDocker, meta *metaRecorder) *Compose {
	t.Helper()
	return New(Options{
		WorkDir:     t.TempDir(),
		HostPortMin: 21000,
		HostPortMax: 21999,
		Runner:      docker,
	}, meta)
}

func TestRenderProjectPublishesOnlyAttackerDesktop(t *testing.T) {
	lab := testLab(t)
	out, err := RenderProject(lab, testRecipe(), 21234)
	if err != nil {
		t.Fatal(err)
	}

	var file composeFile
	if err := yaml.Unmarshal(out, &file); err != nil {
		t.Fatal(err)
	}

	attacker := file.Services["attacker"]
	if len(attacker.Ports) != 1 || attacker.Ports[0] != "127.0.0.1:21234:6080" {
		t.Fatalf("attacker ports = %v", attacker.Ports)
	}
	target := file.Services["target"]
	if len(target.Ports) != 0 {
		t.Fatalf("target published ports: %v", target.Ports)
	}
	if target.Expose[0] != "8080" {
		t.Fatalf("target expose = %v", target.Expose)
	}
	if target.Environment["TARGET_FLAG"] != "flag{demo}" {
		t.Fatal("intent env missing on target")
	}
	if target.Environment["JAVA_OPTS"] != "-Xmx256m" {
		t.Fatal("blueprint env lost")
	}
	for _, svc := range file.Services {
		if svc.Labels[LabIDLabel] != lab.ID {
			t.Fatal("lab id label missing")
		}
	}
	if !file.Networks["lab_net"].Internal {
		t.Fatal("lab_net must be internal")
	}
	if !file.Networks["egress_net"].Internal {
		t.Fatal("egress_net must be internal when egress is not allowed")
	}
}

func TestRenderProjectRequiresAttacker(t *testing.T) {
	recipe := testRecipe()
	recipe.Blueprint.Services = recipe.Blueprint.Services[1:]
	if _, err := RenderProject(testLab(t), recipe, 21234); err == nil {
		t.Fatal("rendered a recipe without an attacker")
	}
}

func TestProvisionLabRecordsMetaSteps(t *testing.T) {
	docker := newFakeDocker()
	meta := &metaRecorder{}
	c := newTestCompose(t, docker, meta)
	lab := testLab(t)

	res, err := c.ProvisionLab(context.Background(), lab, testRecipe())
	if err != nil {
		t.Fatal(err)
	}
	if res.Meta.ComposeProject != ProjectName(lab.ID) {
		t.Fatalf("project = %s", res.Meta.ComposeProject)
	}
	if res.Meta.HostPort < 21000 || res.Meta.HostPort > 21999 {
		t.Fatalf("host port %d outside range", res.Meta.HostPort)
	}
	want := fmt.Sprintf("http://127.0.0.1:%d/", res.Meta.HostPort)
	if res.ConnectionURL != want {
		t.Fatalf("url = %s, want %s", res.ConnectionURL, want)
	}
	// Project recorded before the port, port before compose up.
	if len(meta.metas) < 2 {
		t.Fatalf("meta persisted %d times, want >= 2", len(meta.metas))
	}
	if meta.metas[0].ComposeProject == "" || meta.metas[0].HostPort != 0 {
		t.Fatalf("first meta step = %+v", meta.metas[0])
	}
	if meta.metas[1].HostPort == 0 {
		t.Fatalf("second meta step = %+v", meta.metas[1])
	}
}

func TestDestroyLabIdempotent(t *testing.T) {
	docker := newFakeDocker()
	c := newTestCompose(t, docker, &metaRecorder{})
	lab := testLab(t)

	res, err := c.ProvisionLab(context.Background(), lab, testRecipe())
	if err != nil {
		t.Fatal(err)
	}
	lab.RuntimeMeta = res.Meta

	if err := c.DestroyLab(context.Background(), lab); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := c.DestroyLab(context.Background(), lab); err != nil {
		t.Fatalf("repeat destroy: %v", err)
	}
	docker.mu.Lock()
	defer docker.mu.Unlock()
	if len(docker.containers[lab.ID]) != 0 {
		t.Fatal("containers survived destroy")
	}
	for _, n := range docker.networks {
		if strings.Contains(n, lab.ID) {
			t.Fatalf("network %s survived destroy", n)
		}
	}
}

func TestDestroyLabFailsWhenContainersSurvive(t *testing.T) {
	docker := newFakeDocker()
	docker.stubborn = true
	c := newTestCompose(t, docker, &metaRecorder{})
	lab := testLab(t)

	res, err := c.ProvisionLab(context.Background(), lab, testRecipe())
	if err != nil {
		t.Fatal(err)
	}
	lab.RuntimeMeta = res.Meta

	err = c.DestroyLab(context.Background(), lab)
	if err == nil {
		t.Fatal("destroy succeeded with containers still present")
	}
	if !domain.IsKind(err, domain.KindExternal) {
		t.Fatalf("err kind = %s", domain.KindOf(err))
	}
}

func TestNetworkCleanupRefusesForeignNames(t *testing.T) {
	docker := newFakeDocker()
	c := newTestCompose(t, docker, &metaRecorder{})
	lab := testLab(t)

	res, err := c.ProvisionLab(context.Background(), lab, testRecipe())
	if err != nil {
		t.Fatal(err)
	}
	lab.RuntimeMeta = res.Meta

	docker.mu.Lock()
	docker.networks = append(docker.networks,
		"octolab_"+lab.ID+"_extra_net", // wrong suffix
		"bridge")
	docker.mu.Unlock()

	if err := c.DestroyLab(context.Background(), lab); err != nil {
		t.Fatal(err)
	}

	docker.mu.Lock()
	defer docker.mu.Unlock()
	joined := strings.Join(docker.networks, ",")
	if !strings.Contains(joined, "extra_net") || !strings.Contains(joined, "bridge") {
		t.Fatalf("cleanup removed foreign networks, left: %s", joined)
	}
}

func TestDoctorReportsDaemonFailure(t *testing.T) {
	docker := newFakeDocker()
	c := newTestCompose(t, docker, &metaRecorder{})

	report := c.Doctor(context.Background())
	if !report.OK {
		t.Fatalf("doctor not ok with healthy fake: %+v", report.Checks)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("checks = %d, want 3", len(report.Checks))
	}
}
