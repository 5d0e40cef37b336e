// Package firecracker is the production lab backend: one microVM per lab,
// networked through the privileged netd daemon and controlled through the
// guest agent over vsock.
package firecracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/guest"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/netd"
	"github.com/octolab/octolab/internal/runtime"
)

// State dir entries for one lab VM.
const (
	apiSocketName   = "firecracker.sock"
	fcLogName       = "firecracker.log"
	overlayName     = "rootfs.overlay.ext4"
	bundleName      = "bundle.tar.gz"
	vsockUDSName    = "vsock.sock"
	tokenFileName   = "agent.token"
	evidenceSubdir  = "evidence"
	jailSubdir      = "jail"
	kernelImageName = "vmlinux"
)

// NetdAPI is the slice of the netd client the backend needs.
type NetdAPI interface {
	Ping(ctx context.Context) (*netd.PingResult, error)
	Create(ctx context.Context, labID string) (*netd.CreateResult, error)
	Destroy(ctx context.Context, labID string) (*netd.DestroyResult, error)
}

// Runner executes host commands (iptables for the desktop DNAT).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// agentClient is the guest agent surface, injectable for tests.
type agentClient interface {
	Ping(ctx context.Context) error
	UploadProject(ctx context.Context, bundle []byte) error
	ComposeUp(ctx context.Context) error
	ComposeDown(ctx context.Context) error
	Status(ctx context.Context) (*guest.StatusResult, error)
}

// Options configures the backend.
type Options struct {
	FirecrackerBin string
	JailerBin      string // empty disables the jailer
	JailerUID      int    // uid the jailed hypervisor drops to
	JailerGID      int
	KernelPath     string
	RootfsBasePath string
	StateDir       string
	VCPUCount      int
	MemMiB         int
	BootTimeout    time.Duration
	ComposeTimeout time.Duration
	VsockPort      uint32
	HostPortMin    int
	HostPortMax    int

	AllowNoJailer bool // development escape hatch; doctor enforces it

	Netd   NetdAPI
	Runner Runner

	// newAgent overrides the vsock client; tests only.
	NewAgent func(udsPath, token string) agentClient
}

// Firecracker provisions labs as microVMs.
type Firecracker struct {
	opts Options
	meta runtime.MetaWriter
}

func New(opts Options, meta runtime.MetaWriter) (*Firecracker, error) {
	if opts.Netd == nil {
		return nil, fmt.Errorf("netd client is required")
	}
	if opts.FirecrackerBin == "" {
		opts.FirecrackerBin = "firecracker"
	}
	// The whole point of the jailer is dropping privileges; uid/gid 0
	// would keep the hypervisor as root inside its chroot.
	if opts.JailerBin != "" && (opts.JailerUID <= 0 || opts.JailerGID <= 0) {
		return nil, fmt.Errorf("jailer requires a non-root uid and gid")
	}
	if opts.StateDir == "" {
		opts.StateDir = "/var/lib/octolab/labs"
	}
	if opts.VCPUCount <= 0 {
		opts.VCPUCount = 2
	}
	if opts.MemMiB <= 0 {
		opts.MemMiB = 1024
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = 30 * time.Second
	}
	if opts.ComposeTimeout <= 0 {
		opts.ComposeTimeout = 120 * time.Second
	}
	if opts.VsockPort == 0 {
		opts.VsockPort = guest.Port
	}
	if opts.HostPortMin == 0 {
		opts.HostPortMin, opts.HostPortMax = 20000, 30000
	}
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	if opts.NewAgent == nil {
		port := opts.VsockPort
		opts.NewAgent = func(udsPath, token string) agentClient {
			return newVsockClient(udsPath, port, token, defaultVsockTimeout)
		}
	}
	if meta == nil {
		meta = discardMeta{}
	}
	return &Firecracker{opts: opts, meta: meta}, nil
}

type discardMeta struct{}

func (discardMeta) UpdateLabMeta(context.Context, string, domain.RuntimeMeta) error { return nil }

func (f *Firecracker) Name() domain.RuntimeName { return domain.RuntimeFirecracker }

// stateDirFor resolves a lab's state dir from its recorded basename, or
// derives the default when nothing was recorded yet.
func (f *Firecracker) stateDirFor(lab *domain.Lab) string {
	base := lab.RuntimeMeta.StateDirBasename
	if base == "" {
		base = "lab-" + lab.ID
	}
	return filepath.Join(f.opts.StateDir, base)
}

// vmPaths resolves one lab's on-disk layout. The jailer chroots the
// hypervisor into <state_dir>/jail/<exec-basename>/<vm_id>/root and the
// chrooted process resolves every path it is handed inside that root, so
// each artifact has both a host location and the form passed on the
// command line and the machine API.
type vmPaths struct {
	stateDir string
	jailRoot string
	vmID     string
	jailed   bool
}

func (f *Firecracker) pathsFor(lab *domain.Lab) vmPaths {
	stateDir := f.stateDirFor(lab)
	vmID := lab.RuntimeMeta.VMID
	if vmID == "" {
		vmID = "vm-" + lab.ID[:8]
	}
	p := vmPaths{stateDir: stateDir, vmID: vmID, jailed: f.opts.JailerBin != ""}
	if p.jailed {
		p.jailRoot = filepath.Join(stateDir, jailSubdir,
			filepath.Base(f.opts.FirecrackerBin), vmID, "root")
	}
	return p
}

func (p vmPaths) chrootBase() string { return filepath.Join(p.stateDir, jailSubdir) }

// hostPath is where this daemon reads or writes the artifact; vmPath is
// the same artifact as the hypervisor must name it.
func (p vmPaths) hostPath(name string) string {
	if p.jailed {
		return filepath.Join(p.jailRoot, name)
	}
	return filepath.Join(p.stateDir, name)
}

func (p vmPaths) vmPath(name string) string {
	if p.jailed {
		return "/" + name
	}
	return filepath.Join(p.stateDir, name)
}

// The jailed socket name carries the vm id so /proc cmdline matching
// stays unique per lab even though every chroot has the same root.
func (p vmPaths) apiSocketRel() string {
	if p.jailed {
		return p.vmID + ".sock"
	}
	return apiSocketName
}

func (p vmPaths) apiSocketHost() string { return p.hostPath(p.apiSocketRel()) }
func (p vmPaths) apiSocketArg() string  { return p.vmPath(p.apiSocketRel()) }

func (f *Firecracker) kernelArg(p vmPaths) string {
	if p.jailed {
		return p.vmPath(kernelImageName)
	}
	return f.opts.KernelPath
}

// jailerArgs builds the jailer invocation. No --daemonize: the jailer
// execs the hypervisor, so the launched pid stays the one to signal.
func jailerArgs(opts Options, p vmPaths) []string {
	return []string{
		"--id", p.vmID,
		"--exec-file", opts.FirecrackerBin,
		"--uid", strconv.Itoa(opts.JailerUID),
		"--gid", strconv.Itoa(opts.JailerGID),
		"--chroot-base-dir", p.chrootBase(),
		"--",
		"--api-sock", p.apiSocketArg(),
	}
}

// prepareJail stages what the chrooted hypervisor must reach: the kernel
// linked into the jail root and the root itself owned by the jailer uid
// so the hypervisor can create its sockets there.
func (f *Firecracker) prepareJail(p vmPaths) error {
	if !p.jailed {
		return nil
	}
	if err := os.MkdirAll(p.jailRoot, 0o700); err != nil {
		return fmt.Errorf("create jail root: %w", err)
	}
	if err := linkOrCopy(f.opts.KernelPath, p.hostPath(kernelImageName)); err != nil {
		return fmt.Errorf("stage kernel in jail: %w", err)
	}
	for _, path := range []string{p.jailRoot, p.hostPath(kernelImageName)} {
		if err := os.Chown(path, f.opts.JailerUID, f.opts.JailerGID); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return nil
}

// linkOrCopy hard-links src into the jail and falls back to a copy when
// the state dir sits on a different filesystem.
func linkOrCopy(src, dst string) error {
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

// vsockCID derives a stable guest CID from the lab id. CIDs below 3 are
// reserved.
func vsockCID(labID uuid.UUID) uint32 {
	return 3 + binary.BigEndian.Uint32(labID[4:8])%2_000_000_000
}

// guestMAC derives a stable locally administered MAC from the lab id.
func guestMAC(labID uuid.UUID) string {
	return fmt.Sprintf("02:4f:%02x:%02x:%02x:%02x", labID[0], labID[1], labID[2], labID[3])
}

func newAgentToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate agent token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// readAgentToken loads the persisted per-lab token. The file lives in the
// root-only state dir so the reaper can still talk to the agent after a
// daemon restart. Empty result means no token is available.
func readAgentToken(stateDir string) string {
	data, err := os.ReadFile(filepath.Join(stateDir, tokenFileName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// copyFile materializes the per-lab writable rootfs overlay from the base
// image.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func dnatComment(labID string) string {
	return "octolab:" + labID
}

func dnatRuleArgs(action string, hostPort int, guestIP, comment string) []string {
	return []string{
		"-t", "nat", action, "OUTPUT",
		"-p", "tcp", "-d", "127.0.0.1", "--dport", fmt.Sprintf("%d", hostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", guestIP, GuestDesktopPort),
		"-m", "comment", "--comment", comment,
	}
}

func (f *Firecracker) installDNAT(ctx context.Context, labID string, hostPort int, guestIP string) error {
	comment := dnatComment(labID)
	if _, err := f.opts.Runner.Run(ctx, "iptables", dnatRuleArgs("-C", hostPort, guestIP, comment)...); err == nil {
		return nil
	}
	if out, err := f.opts.Runner.Run(ctx, "iptables", dnatRuleArgs("-A", hostPort, guestIP, comment)...); err != nil {
		return fmt.Errorf("install desktop DNAT: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (f *Firecracker) removeDNAT(ctx context.Context, labID string, hostPort int, guestIP string) error {
	if hostPort == 0 || guestIP == "" {
		return nil
	}
	comment := dnatComment(labID)
	if _, err := f.opts.Runner.Run(ctx, "iptables", dnatRuleArgs("-C", hostPort, guestIP, comment)...); err != nil {
		return nil
	}
	if out, err := f.opts.Runner.Run(ctx, "iptables", dnatRuleArgs("-D", hostPort, guestIP, comment)...); err != nil {
		return fmt.Errorf("remove desktop DNAT: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// launch starts the hypervisor in its own session so the whole process
// group can be signalled at teardown.
func (f *Firecracker) launch(ctx context.Context, p vmPaths) (*os.Process, error) {
	_ = os.Remove(p.apiSocketHost())

	logPath := p.hostPath(fcLogName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open firecracker log: %w", err)
	}
	defer logFile.Close()

	var cmd *exec.Cmd
	if p.jailed {
		// The chrooted process later reopens this file through the
		// /logger API, so it must be writable by the jailer uid.
		if err := os.Chown(logPath, f.opts.JailerUID, f.opts.JailerGID); err != nil {
			return nil, fmt.Errorf("chown firecracker log: %w", err)
		}
		cmd = exec.Command(f.opts.JailerBin, jailerArgs(f.opts, p)...)
	} else {
		if !f.opts.AllowNoJailer {
			return nil, domain.E(domain.KindPreflightFailed,
				"jailer binary not configured and running without one is not allowed")
		}
		cmd = exec.Command(f.opts.FirecrackerBin, "--api-sock", p.apiSocketArg())
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start firecracker: %w", err)
	}
	// The process outlives this call; Wait in the background to reap it.
	go func() { _ = cmd.Wait() }()

	if err := waitForSocket(ctx, p.apiSocketHost(), cmd.Process, 5*time.Second); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	return cmd.Process, nil
}

// DestroyLab tears a lab VM down. Every step tolerates the resource being
// gone already, so partially provisioned and crashed labs converge too.
func (f *Firecracker) DestroyLab(ctx context.Context, lab *domain.Lab) error {
	p := f.pathsFor(lab)
	meta := lab.RuntimeMeta

	// Best-effort graceful stop of the in-VM project.
	token := readAgentToken(p.stateDir)
	if _, err := os.Stat(p.hostPath(vsockUDSName)); err == nil && token != "" {
		downCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		agent := f.opts.NewAgent(p.hostPath(vsockUDSName), token)
		if err := agent.ComposeDown(downCtx); err != nil {
			logging.Op().Debug("guest compose_down failed, proceeding to kill",
				"lab_id", lab.ID, "error", err)
		}
		cancel()
	}

	if err := terminateVM(p.stateDir, p.apiSocketArg()); err != nil {
		return fmt.Errorf("terminate vm: %w", err)
	}

	if err := f.removeDNAT(ctx, lab.ID, meta.HostPort, meta.GuestIP); err != nil {
		return err
	}

	if _, err := f.opts.Netd.Destroy(ctx, lab.ID); err != nil {
		var opErr *netd.OpError
		if !errors.As(err, &opErr) || opErr.Code != netd.CodeNotFound {
			return fmt.Errorf("netd destroy: %w", err)
		}
	}

	if err := removeStateDir(p.stateDir); err != nil {
		return fmt.Errorf("remove state dir: %w", err)
	}

	logging.Op().Info("firecracker lab destroyed", "lab_id", lab.ID, "vm_id", meta.VMID)
	return nil
}

// removeStateDir clears a lab's state dir but leaves the evidence
// subdirectory behind; the reaper finalizes and archives it after the VM
// is gone, and the evidence manager removes it last.
func removeStateDir(stateDir string) error {
	entries, err := os.ReadDir(stateDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	keep := false
	for _, e := range entries {
		if e.Name() == evidenceSubdir {
			keep = true
			continue
		}
		if err := os.RemoveAll(filepath.Join(stateDir, e.Name())); err != nil {
			return err
		}
	}
	if keep {
		return nil
	}
	return os.Remove(stateDir)
}

func (f *Firecracker) InspectLab(ctx context.Context, lab *domain.Lab) (*runtime.LabReport, error) {
	p := f.pathsFor(lab)
	pid, err := readPIDFile(p.stateDir)
	if err != nil || pid == 0 {
		return &runtime.LabReport{Detail: "no hypervisor pid recorded"}, nil
	}
	if !cmdlineMatchesVM(procCmdline(pid), p.apiSocketArg()) {
		return &runtime.LabReport{Detail: "hypervisor process gone"}, nil
	}

	agent := f.opts.NewAgent(p.hostPath(vsockUDSName), readAgentToken(p.stateDir))
	status, err := agent.Status(ctx)
	if err != nil {
		return &runtime.LabReport{Running: true, Detail: fmt.Sprintf("vm up, agent unreachable: %v", err)}, nil
	}
	return &runtime.LabReport{
		Running:  status.AllRunning,
		Services: status.Services,
	}, nil
}

