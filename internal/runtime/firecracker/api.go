package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// machineAPI drives one firecracker process through its API socket.
type machineAPI struct {
	socketPath string
	client     *http.Client
}

func newMachineAPI(socketPath string) *machineAPI {
	return &machineAPI{
		socketPath: socketPath,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
				MaxIdleConns:        2,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func (m *machineAPI) put(ctx context.Context, path string, body any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("PUT %s: api error %d: %s", path, resp.StatusCode, string(b))
	}
	return nil
}

func (m *machineAPI) close() {
	m.client.CloseIdleConnections()
}

// bootSpec carries everything configureAndBoot needs.
type bootSpec struct {
	KernelPath string
	RootfsPath string
	LogPath    string
	TapDevice  string
	GuestMAC   string
	GuestIP    string
	GatewayIP  string
	VsockCID   uint32
	VsockUDS   string
	VCPUCount  int
	MemMiB     int
	Token      string
}

// bootArgs builds the kernel command line. The per-lab agent token rides
// on it; the guest agent reads it from /proc/cmdline.
func (s *bootSpec) bootArgs() string {
	return fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off 8250.nr_uarts=0 ip=%s::%s:255.255.255.0::eth0:off octolab.token=%s",
		s.GuestIP, s.GatewayIP, s.Token)
}

// configureAndBoot walks the machine through the standard PUT sequence and
// starts it.
func (m *machineAPI) configureAndBoot(ctx context.Context, spec *bootSpec) error {
	_ = m.put(ctx, "/logger", map[string]any{
		"log_path": spec.LogPath,
		"level":    "Warning",
	})

	if err := m.put(ctx, "/boot-source", map[string]any{
		"kernel_image_path": spec.KernelPath,
		"boot_args":         spec.bootArgs(),
	}); err != nil {
		return fmt.Errorf("boot-source: %w", err)
	}

	if err := m.put(ctx, "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   spec.RootfsPath,
		"is_root_device": true,
		"is_read_only":   false,
		"io_engine":      "Async",
	}); err != nil {
		return fmt.Errorf("drive rootfs: %w", err)
	}

	if err := m.put(ctx, "/network-interfaces/eth0", map[string]any{
		"iface_id":      "eth0",
		"guest_mac":     spec.GuestMAC,
		"host_dev_name": spec.TapDevice,
	}); err != nil {
		return fmt.Errorf("network interface: %w", err)
	}

	if err := m.put(ctx, "/vsock", map[string]any{
		"guest_cid": spec.VsockCID,
		"uds_path":  spec.VsockUDS,
	}); err != nil {
		return fmt.Errorf("vsock: %w", err)
	}

	if err := m.put(ctx, "/machine-config", map[string]any{
		"vcpu_count":   spec.VCPUCount,
		"mem_size_mib": spec.MemMiB,
	}); err != nil {
		return fmt.Errorf("machine-config: %w", err)
	}

	if err := m.put(ctx, "/actions", map[string]any{
		"action_type": "InstanceStart",
	}); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// waitForSocket blocks until the API socket accepts connections or the
// process dies first.
func waitForSocket(ctx context.Context, path string, proc *os.Process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return fmt.Errorf("firecracker exited before socket ready: %w", err)
			}
		}
		if _, err := os.Stat(path); err == nil {
			conn, err := net.Dial("unix", path)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("api socket %s not ready after %s", path, timeout)
}
