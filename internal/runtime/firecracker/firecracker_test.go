package firecracker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/guest"
	"github.com/octolab/octolab/internal/netd"
	"github.com/octolab/octolab/internal/runtime"
)

type fakeNetd struct {
	mu        sync.Mutex
	created   map[string]bool
	destroyed []string
}

func newFakeNetd() *fakeNetd {
	return &fakeNetd{created: make(map[string]bool)}
}

func (f *fakeNetd) Ping(context.Context) (*netd.PingResult, error) {
	return &netd.PingResult{Version: "1"}, nil
}

func (f *fakeNetd) Create(ctx context.Context, labID string) (*netd.CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[labID] = true
	return &netd.CreateResult{
		Bridge: "obr0000000000", Tap: "otp0000000000",
		Subnet: "10.1.2.0/24", Gateway: "10.1.2.1", GuestIP: "10.1.2.2",
	}, nil
}

func (f *fakeNetd) Destroy(_ context.Context, labID string) (*netd.DestroyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.created, labID)
	f.destroyed = append(f.destroyed, labID)
	return &netd.DestroyResult{}, nil
}

type fakeHostRunner struct {
	mu    sync.Mutex
	rules map[string]bool
	calls []string
}

func newFakeHostRunner() *fakeHostRunner {
	return &fakeHostRunner{rules: make(map[string]bool)}
}

func (f *fakeHostRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)

	key := ""
	for i, a := range args {
		if a == "--comment" && i+1 < len(args) {
			key = args[i+1]
		}
	}
	for _, a := range args {
		switch a {
		case "-C":
			if f.rules[key] {
				return nil, nil
			}
			return nil, os.ErrNotExist
		case "-A":
			f.rules[key] = true
			return nil, nil
		case "-D":
			delete(f.rules, key)
			return nil, nil
		}
	}
	return nil, nil
}

type fakeAgent struct {
	mu       sync.Mutex
	downs    int
	uploaded []byte
}

func (f *fakeAgent) Ping(context.Context) error { return nil }
func (f *fakeAgent) UploadProject(_ context.Context, bundle []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = bundle
	return nil
}
func (f *fakeAgent) ComposeUp(context.Context) error { return nil }
func (f *fakeAgent) ComposeDown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downs++
	return nil
}
func (f *fakeAgent) Status(context.Context) (*guest.StatusResult, error) {
	return &guest.StatusResult{AllRunning: true, Services: map[string]string{"attacker": "running"}}, nil
}

func newTestBackend(t *testing.T, nd *fakeNetd, hr *fakeHostRunner, agent *fakeAgent) *Firecracker {
	t.Helper()
	f, err := New(Options{
		FirecrackerBin: "/usr/bin/true",
		KernelPath:     "/boot/vmlinux",
		RootfsBasePath: "/var/lib/octolab/rootfs.ext4",
		StateDir:       t.TempDir(),
		AllowNoJailer:  true,
		Netd:           nd,
		Runner:         hr,
		NewAgent: func(string, string) agentClient {
			return agent
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestJailerRequiresNonRootIDs(t *testing.T) {
	_, err := New(Options{
		FirecrackerBin: "/usr/bin/firecracker",
		JailerBin:      "/usr/bin/jailer",
		JailerUID:      0,
		JailerGID:      10000,
		Netd:           newFakeNetd(),
	}, nil)
	if err == nil {
		t.Fatal("jailer with uid 0 accepted")
	}
}

func TestVMPathsJailedLayout(t *testing.T) {
	stateRoot := t.TempDir()
	f, err := New(Options{
		FirecrackerBin: "/usr/bin/firecracker",
		JailerBin:      "/usr/bin/jailer",
		JailerUID:      10000,
		JailerGID:      10000,
		KernelPath:     "/boot/vmlinux",
		StateDir:       stateRoot,
		Netd:           newFakeNetd(),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	lab := &domain.Lab{
		ID:          "3f2c9a01-d4e5-4f60-8b7a-1234567890ab",
		RuntimeMeta: domain.RuntimeMeta{VMID: "vm-3f2c9a01"},
	}
	p := f.pathsFor(lab)

	wantRoot := filepath.Join(stateRoot, "lab-"+lab.ID, "jail", "firecracker", "vm-3f2c9a01", "root")
	if p.jailRoot != wantRoot {
		t.Fatalf("jailRoot = %s, want %s", p.jailRoot, wantRoot)
	}
	// The chrooted hypervisor resolves everything under its own root, so
	// the args it receives must be jail-relative.
	if got := p.apiSocketArg(); got != "/vm-3f2c9a01.sock" {
		t.Fatalf("apiSocketArg = %s", got)
	}
	if got := f.kernelArg(p); got != "/vmlinux" {
		t.Fatalf("kernelArg = %s", got)
	}
	if got := p.vmPath(overlayName); got != "/"+overlayName {
		t.Fatalf("vmPath overlay = %s", got)
	}
	// The host-side view of the same artifacts lives inside the jail root.
	if got := p.apiSocketHost(); got != filepath.Join(wantRoot, "vm-3f2c9a01.sock") {
		t.Fatalf("apiSocketHost = %s", got)
	}
	if got := p.hostPath(overlayName); got != filepath.Join(wantRoot, overlayName) {
		t.Fatalf("hostPath overlay = %s", got)
	}
}

func TestVMPathsUnjailedLayout(t *testing.T) {
	f := newTestBackend(t, newFakeNetd(), newFakeHostRunner(), &fakeAgent{})
	lab := &domain.Lab{ID: uuid.NewString()}
	p := f.pathsFor(lab)

	stateDir := f.stateDirFor(lab)
	if p.apiSocketArg() != filepath.Join(stateDir, apiSocketName) {
		t.Fatalf("apiSocketArg = %s", p.apiSocketArg())
	}
	if p.apiSocketHost() != p.apiSocketArg() {
		t.Fatal("unjailed host and arg paths differ")
	}
	if f.kernelArg(p) != "/boot/vmlinux" {
		t.Fatalf("kernelArg = %s", f.kernelArg(p))
	}
}

func TestJailerArgs(t *testing.T) {
	opts := Options{
		FirecrackerBin: "/usr/bin/firecracker",
		JailerBin:      "/usr/bin/jailer",
		JailerUID:      10000,
		JailerGID:      10001,
	}
	p := vmPaths{
		stateDir: "/var/lib/octolab/labs/lab-x",
		jailRoot: "/var/lib/octolab/labs/lab-x/jail/firecracker/vm-x/root",
		vmID:     "vm-x",
		jailed:   true,
	}
	args := jailerArgs(opts, p)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--id vm-x",
		"--exec-file /usr/bin/firecracker",
		"--uid 10000",
		"--gid 10001",
		"--chroot-base-dir /var/lib/octolab/labs/lab-x/jail",
		"-- --api-sock /vm-x.sock",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("jailer args %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "--daemonize") {
		t.Fatal("jailer must not daemonize; the launched pid is the one signalled at teardown")
	}
}

func TestVsockCIDStableAndValid(t *testing.T) {
	id := uuid.MustParse("3f2c9a01-d4e5-4f60-8b7a-1234567890ab")
	cid := vsockCID(id)
	if cid < 3 {
		t.Fatalf("cid %d below reserved range", cid)
	}
	if cid != vsockCID(id) {
		t.Fatal("cid not deterministic")
	}
	other := uuid.MustParse("11111111-2222-4333-8444-555555555555")
	if vsockCID(other) == cid {
		t.Fatal("distinct labs yielded the same cid")
	}
}

func TestGuestMACLocallyAdministered(t *testing.T) {
	mac := guestMAC(uuid.New())
	if !strings.HasPrefix(mac, "02:4f:") {
		t.Fatalf("mac = %s", mac)
	}
	if len(strings.Split(mac, ":")) != 6 {
		t.Fatalf("mac = %s", mac)
	}
}

func TestTerminateVMNoPidFile(t *testing.T) {
	dir := t.TempDir()
	if err := terminateVM(dir, filepath.Join(dir, apiSocketName)); err != nil {
		t.Fatalf("missing pid file must be success: %v", err)
	}
}

func TestTerminateVMDeadProcess(t *testing.T) {
	dir := t.TempDir()
	// PIDs are capped well below this on Linux.
	if err := writePIDFile(dir, 1<<30); err != nil {
		t.Fatal(err)
	}
	if err := terminateVM(dir, filepath.Join(dir, apiSocketName)); err != nil {
		t.Fatalf("dead process must be success: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pid")); !os.IsNotExist(err) {
		t.Fatal("stale pid file survived")
	}
}

// A recycled pid pointing at an unrelated process must never be signalled.
func TestTerminateVMRefusesForeignProcess(t *testing.T) {
	dir := t.TempDir()
	if err := writePIDFile(dir, os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := terminateVM(dir, filepath.Join(dir, apiSocketName)); err != nil {
		t.Fatal(err)
	}
	// Still alive: the guard refused to kill the test process itself.
	if _, err := os.Stat(filepath.Join(dir, "pid")); !os.IsNotExist(err) {
		t.Fatal("pid file survived")
	}
}

func TestCmdlineMatchesVM(t *testing.T) {
	sock := "/var/lib/octolab/labs/lab-x/firecracker.sock"
	tests := []struct {
		cmdline string
		want    bool
	}{
		{"/usr/bin/firecracker --api-sock " + sock, true},
		{"/usr/bin/firecracker --api-sock /other/path.sock", false},
		{"/usr/bin/qemu-system-x86_64 " + sock, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := cmdlineMatchesVM(tt.cmdline, sock); got != tt.want {
			t.Fatalf("cmdline %q: got %v", tt.cmdline, got)
		}
	}
}

func TestBuildBundleRendersGuestProject(t *testing.T) {
	lab := &domain.Lab{
		ID:              uuid.NewString(),
		RequestedIntent: map[string]string{"TARGET_FLAG": "flag{x}"},
	}
	recipe := &domain.Recipe{
		ID: uuid.NewString(),
		Blueprint: domain.Blueprint{
			DesktopPort:  6901,
			OverrideKeys: []string{"TARGET_FLAG"},
			Services: []domain.BlueprintService{
				{Name: "attacker", Image: "octolab/kasm:1", Role: "attacker"},
				{Name: "target", Image: "octolab/vuln:1", Role: "target"},
			},
		},
	}

	bundle, err := buildBundle(lab, recipe)
	if err != nil {
		t.Fatal(err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(bundle))
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Name != "docker-compose.yml" {
		t.Fatalf("first entry = %s", hdr.Name)
	}
	content, err := io.ReadAll(tr)
	if err != nil {
		t.Fatal(err)
	}

	var file guestComposeFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		t.Fatal(err)
	}
	attacker := file.Services["attacker"]
	if len(attacker.Ports) != 1 || attacker.Ports[0] != "6080:6901" {
		t.Fatalf("attacker ports = %v", attacker.Ports)
	}
	if len(file.Services["target"].Ports) != 0 {
		t.Fatal("target published a port")
	}
	if file.Services["target"].Environment["TARGET_FLAG"] != "flag{x}" {
		t.Fatal("intent env missing")
	}
}

func TestBuildBundlePrefersRecipeBundle(t *testing.T) {
	canned := []byte("canned-bundle")
	recipe := &domain.Recipe{
		Blueprint: domain.Blueprint{ComposeBundle: canned},
	}
	got, err := buildBundle(&domain.Lab{ID: uuid.NewString()}, recipe)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, canned) {
		t.Fatal("recipe bundle not used verbatim")
	}
}

func TestDestroyLabIdempotentOnEmptyLab(t *testing.T) {
	nd := newFakeNetd()
	hr := newFakeHostRunner()
	f := newTestBackend(t, nd, hr, &fakeAgent{})

	lab := &domain.Lab{ID: uuid.NewString(), Runtime: domain.RuntimeFirecracker}
	if err := f.DestroyLab(context.Background(), lab); err != nil {
		t.Fatalf("destroy of never-provisioned lab: %v", err)
	}
	if err := f.DestroyLab(context.Background(), lab); err != nil {
		t.Fatalf("repeat destroy: %v", err)
	}
	if len(nd.destroyed) != 2 {
		t.Fatalf("netd destroy called %d times, want 2", len(nd.destroyed))
	}
}

func TestDestroyLabRemovesDNATAndStateDir(t *testing.T) {
	nd := newFakeNetd()
	hr := newFakeHostRunner()
	agent := &fakeAgent{}
	f := newTestBackend(t, nd, hr, agent)

	lab := &domain.Lab{
		ID:      uuid.NewString(),
		Runtime: domain.RuntimeFirecracker,
		RuntimeMeta: domain.RuntimeMeta{
			StateDirBasename: "lab-test",
			HostPort:         21234,
			GuestIP:          "10.1.2.2",
		},
	}
	stateDir := f.stateDirFor(lab)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, tokenFileName), []byte("tok"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, vsockUDSName), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.installDNAT(context.Background(), lab.ID, 21234, "10.1.2.2"); err != nil {
		t.Fatal(err)
	}

	if err := f.DestroyLab(context.Background(), lab); err != nil {
		t.Fatal(err)
	}

	if agent.downs != 1 {
		t.Fatalf("compose_down attempts = %d, want 1", agent.downs)
	}
	hr.mu.Lock()
	if len(hr.rules) != 0 {
		t.Fatalf("DNAT rules survived: %v", hr.rules)
	}
	hr.mu.Unlock()
	if _, err := os.Stat(stateDir); !os.IsNotExist(err) {
		t.Fatal("state dir survived destroy")
	}
	if len(nd.destroyed) != 1 {
		t.Fatalf("netd destroy calls = %d", len(nd.destroyed))
	}
}

// Evidence outlives the VM: the reaper finalizes it after teardown, so
// destroy must clear everything else and leave the evidence dir alone.
func TestDestroyLabPreservesEvidenceDir(t *testing.T) {
	nd := newFakeNetd()
	f := newTestBackend(t, nd, newFakeHostRunner(), &fakeAgent{})

	lab := &domain.Lab{ID: uuid.NewString(), Runtime: domain.RuntimeFirecracker}
	stateDir := f.stateDirFor(lab)
	if err := os.MkdirAll(filepath.Join(stateDir, evidenceSubdir), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, evidenceSubdir, "commands.log"), []byte("id\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, tokenFileName), []byte("tok"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := f.DestroyLab(context.Background(), lab); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(stateDir, tokenFileName)); !os.IsNotExist(err) {
		t.Fatal("token file survived destroy")
	}
	data, err := os.ReadFile(filepath.Join(stateDir, evidenceSubdir, "commands.log"))
	if err != nil || string(data) != "id\n" {
		t.Fatalf("evidence lost in destroy: %v", err)
	}
}

// A provision cut short by shutdown must not strand the netd network; the
// backend rolls it back on a detached context.
func TestProvisionRollsBackOnCancel(t *testing.T) {
	nd := newFakeNetd()
	f := newTestBackend(t, nd, newFakeHostRunner(), &fakeAgent{})

	lab := &domain.Lab{ID: uuid.NewString(), Runtime: domain.RuntimeFirecracker}
	recipe := &domain.Recipe{
		ID: uuid.NewString(),
		Blueprint: domain.Blueprint{
			Services: []domain.BlueprintService{
				{Name: "attacker", Image: "octolab/kasm:1", Role: "attacker"},
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.ProvisionLab(ctx, lab, recipe); err == nil {
		t.Fatal("provision succeeded on a cancelled context")
	}

	nd.mu.Lock()
	defer nd.mu.Unlock()
	if len(nd.destroyed) != 1 || nd.destroyed[0] != lab.ID {
		t.Fatalf("netd destroy calls = %v, want one for the lab", nd.destroyed)
	}
}

func TestInstallDNATIdempotent(t *testing.T) {
	hr := newFakeHostRunner()
	f := newTestBackend(t, newFakeNetd(), hr, &fakeAgent{})
	labID := uuid.NewString()

	if err := f.installDNAT(context.Background(), labID, 21000, "10.1.2.2"); err != nil {
		t.Fatal(err)
	}
	if err := f.installDNAT(context.Background(), labID, 21000, "10.1.2.2"); err != nil {
		t.Fatal(err)
	}
	hr.mu.Lock()
	defer hr.mu.Unlock()
	adds := 0
	for _, c := range hr.calls {
		if strings.Contains(c, "-A OUTPUT") {
			adds++
		}
	}
	if adds != 1 {
		t.Fatalf("DNAT appended %d times, want 1", adds)
	}
}

func TestDoctorFlagsMissingJailer(t *testing.T) {
	f, err := New(Options{
		FirecrackerBin: "/usr/bin/true",
		KernelPath:     "/nonexistent/vmlinux",
		RootfsBasePath: "/nonexistent/rootfs.ext4",
		StateDir:       t.TempDir(),
		AllowNoJailer:  false,
		Netd:           newFakeNetd(),
		Runner:         newFakeHostRunner(),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	report := f.Doctor(context.Background())
	if report.OK {
		t.Fatal("doctor ok without jailer or kernel")
	}
	found := false
	for _, c := range report.Checks {
		if c.Name == "jailer" && !c.OK && c.Severity == runtime.SeverityFatal {
			if c.Hint == "" {
				t.Fatalf("jailer check carries no hint: %+v", c)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("no fatal jailer check in %+v", report.Checks)
	}
}
