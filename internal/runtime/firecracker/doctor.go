package firecracker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/runtime"
)

// Doctor probes everything a lab VM needs from the host. Read-only: it
// stats files and pings netd, nothing else.
func (f *Firecracker) Doctor(ctx context.Context) *runtime.DoctorReport {
	report := &runtime.DoctorReport{Runtime: domain.RuntimeFirecracker, OK: true, RanAt: time.Now()}

	report.Add(fileCheck("firecracker_bin", f.opts.FirecrackerBin,
		"install firecracker or set microvm.firecracker_bin"))
	report.Add(fileCheck("kernel", f.opts.KernelPath,
		"set microvm.kernel_path to a built guest kernel image"))
	report.Add(fileCheck("rootfs_base", f.opts.RootfsBasePath,
		"set microvm.rootfs_base_path to the base rootfs image"))
	report.Add(deviceCheck("kvm", "/dev/kvm",
		"load the kvm module and grant the daemon user access to /dev/kvm"))
	report.Add(deviceCheck("vhost_vsock", "/dev/vhost-vsock",
		"load the vhost_vsock kernel module"))

	if f.opts.JailerBin != "" {
		report.Add(fileCheck("jailer_bin", f.opts.JailerBin,
			"install the firecracker jailer or fix microvm.jailer_bin"))
	} else if f.opts.AllowNoJailer {
		report.Add(runtime.DoctorCheck{
			Name: "jailer", OK: true, Severity: runtime.SeverityWarn,
			Detail: "disabled via dev.unsafe_allow_no_jailer",
		})
	} else {
		report.Add(runtime.DoctorCheck{
			Name: "jailer", Severity: runtime.SeverityFatal,
			Detail: "no jailer configured and running without one is not allowed",
			Hint:   "set microvm.jailer_bin, or dev.unsafe_allow_no_jailer in development",
		})
	}

	if err := os.MkdirAll(f.opts.StateDir, 0o700); err != nil {
		report.Add(runtime.DoctorCheck{
			Name: "state_dir", Severity: runtime.SeverityFatal, Detail: err.Error(),
			Hint: "check ownership and permissions on microvm.state_dir",
		})
	} else {
		report.Add(runtime.DoctorCheck{Name: "state_dir", OK: true, Severity: runtime.SeverityFatal, Detail: f.opts.StateDir})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if res, err := f.opts.Netd.Ping(pingCtx); err != nil {
		report.Add(runtime.DoctorCheck{
			Name: "netd", Severity: runtime.SeverityFatal, Detail: err.Error(),
			Hint: "start octolab-netd and check netd.socket_path",
		})
	} else {
		report.Add(runtime.DoctorCheck{Name: "netd", OK: true, Severity: runtime.SeverityFatal, Detail: "version " + res.Version})
	}

	return report
}

func fileCheck(name, path, hint string) runtime.DoctorCheck {
	c := runtime.DoctorCheck{Name: name, Severity: runtime.SeverityFatal, Hint: hint}
	if path == "" {
		c.Detail = "not configured"
		return c
	}
	if resolved, err := exec.LookPath(path); err == nil {
		c.OK, c.Detail = true, resolved
		return c
	}
	if _, err := os.Stat(path); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK, c.Detail = true, path
	return c
}

func deviceCheck(name, path, hint string) runtime.DoctorCheck {
	c := runtime.DoctorCheck{Name: name, Severity: runtime.SeverityFatal, Hint: hint}
	if _, err := os.Stat(path); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK, c.Detail = true, path
	return c
}

// Smoke runs the full provision/destroy path with a throwaway lab. It
// pulls a real image inside the VM and consumes a port; operator use only.
func (f *Firecracker) Smoke(ctx context.Context) *runtime.SmokeResult {
	result := &runtime.SmokeResult{Runtime: domain.RuntimeFirecracker, OK: true}

	start := time.Now()
	report := f.Doctor(ctx)
	var doctorErr error
	if !report.OK {
		doctorErr = fmt.Errorf("doctor not ok")
		if c := report.FirstFatal(); c != nil {
			doctorErr = fmt.Errorf("doctor check %q failed: %s", c.Name, c.Detail)
		}
	}
	if result.Phase("doctor", start, doctorErr) != nil {
		return result
	}

	lab := &domain.Lab{
		ID:      uuid.NewString(),
		Status:  domain.StatusProvisioning,
		Runtime: domain.RuntimeFirecracker,
	}
	recipe := &domain.Recipe{
		ID:   uuid.NewString(),
		Name: "smoke",
		Blueprint: domain.Blueprint{
			DesktopPort: 80,
			Services: []domain.BlueprintService{
				{Name: "attacker", Image: "nginx:alpine", Role: "attacker"},
			},
		},
	}

	start = time.Now()
	res, err := f.ProvisionLab(ctx, lab, recipe)
	if result.Phase("provision", start, err) == nil {
		lab.RuntimeMeta = res.Meta
	}

	start = time.Now()
	_ = result.Phase("destroy", start, f.DestroyLab(ctx, lab))
	return result
}
