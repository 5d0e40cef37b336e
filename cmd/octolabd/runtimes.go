package main

import (
	"github.com/octolab/octolab/internal/config"
	"github.com/octolab/octolab/internal/netd"
	"github.com/octolab/octolab/internal/runtime"
	"github.com/octolab/octolab/internal/runtime/compose"
	"github.com/octolab/octolab/internal/runtime/firecracker"
)

// buildBackends constructs both provisioning backends from the config.
// A nil meta writer is allowed for the doctor and smoke commands, which
// run without a database.
func buildBackends(cfg *config.Config, meta runtime.MetaWriter) (*compose.Compose, *firecracker.Firecracker, error) {
	comp := compose.New(compose.Options{
		DockerBin:   cfg.Compose.DockerBin,
		PublicHost:  cfg.Compose.PublicHost,
		HostPortMin: cfg.MicroVM.HostPortMin,
		HostPortMax: cfg.MicroVM.HostPortMax,
	}, meta)

	netdClient := netd.NewClient(cfg.Netd.SocketPath, cfg.Netd.Timeout())

	fc, err := firecracker.New(firecracker.Options{
		FirecrackerBin: cfg.MicroVM.FirecrackerBin,
		JailerBin:      cfg.MicroVM.JailerBin,
		JailerUID:      cfg.MicroVM.JailerUID,
		JailerGID:      cfg.MicroVM.JailerGID,
		KernelPath:     cfg.MicroVM.KernelPath,
		RootfsBasePath: cfg.MicroVM.RootfsBasePath,
		StateDir:       cfg.MicroVM.StateDir,
		VCPUCount:      cfg.MicroVM.VCPUCount,
		MemMiB:         cfg.MicroVM.MemMiB,
		BootTimeout:    cfg.MicroVM.BootTimeout(),
		VsockPort:      cfg.MicroVM.VsockPort,
		HostPortMin:    cfg.MicroVM.HostPortMin,
		HostPortMax:    cfg.MicroVM.HostPortMax,
		AllowNoJailer:  cfg.Dev.UnsafeAllowNoJailer,
		Netd:           netdClient,
	}, meta)
	if err != nil {
		return nil, nil, err
	}
	return comp, fc, nil
}
