package firecracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/metrics"
	"github.com/octolab/octolab/internal/runtime"
)

// ProvisionLab builds a lab VM end to end. Allocation state is persisted
// into runtime_meta after every step that creates a host resource; on
// failure the lab goes FAILED with that meta intact and the reaper reuses
// DestroyLab to converge. A cancelled provision instead rolls back
// immediately, best-effort, on a detached context.
func (f *Firecracker) ProvisionLab(ctx context.Context, lab *domain.Lab, recipe *domain.Recipe) (*runtime.ProvisionResult, error) {
	res, err := f.provision(ctx, lab, recipe)
	if err != nil && ctx.Err() != nil {
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()
		if rbErr := f.DestroyLab(rbCtx, lab); rbErr != nil {
			logging.Op().Warn("rollback after cancelled provision failed",
				"lab_id", lab.ID, "error", rbErr)
		}
	}
	return res, err
}

func (f *Firecracker) provision(ctx context.Context, lab *domain.Lab, recipe *domain.Recipe) (*runtime.ProvisionResult, error) {
	labID, err := uuid.Parse(lab.ID)
	if err != nil {
		return nil, domain.E(domain.KindValidation, "lab id is not a UUID")
	}

	meta := lab.RuntimeMeta
	meta.VMID = "vm-" + lab.ID[:8]
	meta.StateDirBasename = "lab-" + lab.ID
	if err := f.meta.UpdateLabMeta(ctx, lab.ID, meta); err != nil {
		return nil, fmt.Errorf("record vm allocation: %w", err)
	}
	lab.RuntimeMeta = meta

	netRes, err := f.opts.Netd.Create(ctx, lab.ID)
	if err != nil {
		return nil, domain.Wrap(domain.KindExternal, "netd create", err)
	}
	meta.GuestIP = netRes.GuestIP
	if err := f.meta.UpdateLabMeta(ctx, lab.ID, meta); err != nil {
		return nil, fmt.Errorf("record guest ip: %w", err)
	}
	lab.RuntimeMeta = meta

	p := f.pathsFor(lab)
	if err := os.MkdirAll(p.stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := f.prepareJail(p); err != nil {
		return nil, err
	}

	overlay := p.hostPath(overlayName)
	if err := copyFile(f.opts.RootfsBasePath, overlay); err != nil {
		return nil, fmt.Errorf("materialize rootfs overlay: %w", err)
	}
	if p.jailed {
		if err := os.Chown(overlay, f.opts.JailerUID, f.opts.JailerGID); err != nil {
			return nil, fmt.Errorf("chown rootfs overlay: %w", err)
		}
	}

	bundle, err := buildBundle(lab, recipe)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "build compose bundle", err)
	}
	if err := os.WriteFile(filepath.Join(p.stateDir, bundleName), bundle, 0o600); err != nil {
		return nil, fmt.Errorf("stash bundle: %w", err)
	}

	token, err := newAgentToken()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(p.stateDir, tokenFileName), []byte(token), 0o600); err != nil {
		return nil, fmt.Errorf("stash agent token: %w", err)
	}

	hostPort, err := runtime.AllocateHostPort(f.opts.HostPortMin, f.opts.HostPortMax, labID)
	if err != nil {
		return nil, fmt.Errorf("allocate desktop port: %w", err)
	}
	meta.HostPort = hostPort
	meta.VsockCID = vsockCID(labID)
	if err := f.meta.UpdateLabMeta(ctx, lab.ID, meta); err != nil {
		return nil, fmt.Errorf("record host port: %w", err)
	}

	bootStart := time.Now()
	proc, err := f.launch(ctx, p)
	if err != nil {
		return nil, domain.Wrap(domain.KindExternal, "launch firecracker", err)
	}
	if err := writePIDFile(p.stateDir, proc.Pid); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	meta.FirecrackerPID = proc.Pid
	if err := f.meta.UpdateLabMeta(ctx, lab.ID, meta); err != nil {
		return nil, fmt.Errorf("record hypervisor pid: %w", err)
	}
	lab.RuntimeMeta = meta

	api := newMachineAPI(p.apiSocketHost())
	defer api.close()
	spec := &bootSpec{
		KernelPath: f.kernelArg(p),
		RootfsPath: p.vmPath(overlayName),
		LogPath:    p.vmPath(fcLogName),
		TapDevice:  netRes.Tap,
		GuestMAC:   guestMAC(labID),
		GuestIP:    netRes.GuestIP,
		GatewayIP:  netRes.Gateway,
		VsockCID:   meta.VsockCID,
		VsockUDS:   p.vmPath(vsockUDSName),
		VCPUCount:  f.opts.VCPUCount,
		MemMiB:     f.opts.MemMiB,
		Token:      token,
	}
	if err := api.configureAndBoot(ctx, spec); err != nil {
		return nil, domain.Wrap(domain.KindExternal, "configure microvm", err)
	}

	agent := f.opts.NewAgent(p.hostPath(vsockUDSName), token)
	if err := f.waitForAgent(ctx, agent); err != nil {
		return nil, domain.Wrap(domain.KindTimeout, "guest agent did not come up", err)
	}
	metrics.Global().ObserveVMBoot(time.Since(bootStart))

	if err := agent.UploadProject(ctx, bundle); err != nil {
		return nil, domain.Wrap(domain.KindExternal, "upload project", err)
	}
	if err := agent.ComposeUp(ctx); err != nil {
		return nil, domain.Wrap(domain.KindExternal, "guest compose up", err)
	}
	if err := f.waitForProject(ctx, agent); err != nil {
		return nil, domain.Wrap(domain.KindTimeout, "guest project did not converge", err)
	}

	if err := f.installDNAT(ctx, lab.ID, hostPort, netRes.GuestIP); err != nil {
		return nil, domain.Wrap(domain.KindExternal, "desktop DNAT", err)
	}

	logging.Op().Info("firecracker lab provisioned",
		"lab_id", lab.ID, "vm_id", meta.VMID, "host_port", hostPort,
		"boot_seconds", time.Since(bootStart).Seconds())
	return &runtime.ProvisionResult{
		ConnectionURL: fmt.Sprintf("http://127.0.0.1:%d/", hostPort),
		Meta:          meta,
	}, nil
}

// waitForAgent polls ping until the guest answers or the boot timeout
// expires.
func (f *Firecracker) waitForAgent(ctx context.Context, agent agentClient) error {
	deadline := time.Now().Add(f.opts.BootTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = agent.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("no agent ping within %s: %w", f.opts.BootTimeout, lastErr)
}

// waitForProject polls status until every expected container runs.
func (f *Firecracker) waitForProject(ctx context.Context, agent agentClient) error {
	deadline := time.Now().Add(f.opts.ComposeTimeout)
	var lastDetail string
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		status, err := agent.Status(ctx)
		if err == nil && status.AllRunning {
			return nil
		}
		if err != nil {
			lastDetail = err.Error()
		} else {
			lastDetail = fmt.Sprintf("services: %v", status.Services)
		}
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("project not running within %s (%s)", f.opts.ComposeTimeout, lastDetail)
}
