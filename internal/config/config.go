package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/octolab/octolab/internal/domain"
)

// RuntimeConfig selects the provisioning backend.
type RuntimeConfig struct {
	Default  string `json:"default"`  // "compose" or "firecracker"
	Override string `json:"override"` // operator pin; empty means none
}

// MicroVMConfig holds the firecracker runtime settings.
type MicroVMConfig struct {
	FirecrackerBin  string `json:"firecracker_bin"`
	JailerBin       string `json:"jailer_bin"`
	JailerUID       int    `json:"jailer_uid"`
	JailerGID       int    `json:"jailer_gid"`
	KernelPath      string `json:"kernel_path"`
	RootfsBasePath  string `json:"rootfs_base_path"`
	StateDir        string `json:"state_dir"`
	VCPUCount       int    `json:"vcpu_count"`
	MemMiB          int    `json:"mem_mib"`
	BootTimeoutSecs int    `json:"boot_timeout_secs"`
	VsockPort       uint32 `json:"vsock_port"`
	HostPortMin     int    `json:"host_port_min"`
	HostPortMax     int    `json:"host_port_max"`
}

func (c MicroVMConfig) BootTimeout() time.Duration {
	return time.Duration(c.BootTimeoutSecs) * time.Second
}

// ComposeConfig holds the dev backend settings.
type ComposeConfig struct {
	DockerBin string `json:"docker_bin"`
	// PublicHost rewrites connection URLs for external access.
	PublicHost string `json:"public_host"`
}

// NetdConfig points at the privileged network daemon.
type NetdConfig struct {
	SocketPath  string  `json:"socket_path"`
	TimeoutSecs float64 `json:"timeout_secs"`
}

func (c NetdConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs * float64(time.Second))
}

// TeardownWorkerConfig tunes the background reaper.
type TeardownWorkerConfig struct {
	Enabled         bool    `json:"enabled"`
	IntervalSeconds float64 `json:"interval_seconds"`
	BatchSize       int     `json:"batch_size"`
	StartupTick     bool    `json:"startup_tick"`
	LabTimeoutSecs  int     `json:"lab_timeout_secs"`
}

func (c TeardownWorkerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}

func (c TeardownWorkerConfig) LabTimeout() time.Duration {
	return time.Duration(c.LabTimeoutSecs) * time.Second
}

// PostgresConfig holds the metadata store DSN.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// RedisConfig holds connect-token store settings. Optional.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EvidenceConfig controls the per-lab artifact directory and optional
/// archive upload. Dir must match microvm.state_dir: evidence lives
// inside each lab's state dir so host tools and the reaper see one
// place.
type EvidenceConfig struct {
	Dir      string `json:"dir"`
	S3Bucket string `json:"s3_bucket"`
	S3Region string `json:"s3_region"`
}

// AdminConfig holds the operator allowlist.
type AdminConfig struct {
	// Emails is comma-separated and matched case-insensitively.
	Emails string `json:"emails"`
}

// TelemetryConfig mirrors the OTel exporter settings.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// DevConfig holds development-only escape hatches.
type DevConfig struct {
	// UnsafeAllowNoJailer skips the jailer. Refused by the doctor unless
	// Environment is "development".
	UnsafeAllowNoJailer bool `json:"unsafe_allow_no_jailer"`
}

// Config is the central configuration struct for the octolab daemon.
type Config struct {
	Environment    string               `json:"environment"` // development | production
	HTTPAddr       string               `json:"http_addr"`
	LogLevel       string               `json:"log_level"`
	LogFormat      string               `json:"log_format"`
	Runtime        RuntimeConfig        `json:"runtime"`
	MicroVM        MicroVMConfig        `json:"microvm"`
	Compose        ComposeConfig        `json:"compose"`
	Netd           NetdConfig           `json:"netd"`
	TeardownWorker TeardownWorkerConfig `json:"teardown_worker"`
	Postgres       PostgresConfig       `json:"postgres"`
	Redis          RedisConfig          `json:"redis"`
	Evidence       EvidenceConfig       `json:"evidence"`
	Admin          AdminConfig          `json:"admin"`
	Telemetry      TelemetryConfig      `json:"telemetry"`
	Dev            DevConfig            `json:"dev"`
}

// OctolabDir is the base installation directory.
const OctolabDir = "/opt/octolab"

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		HTTPAddr:    ":8080",
		LogLevel:    "info",
		LogFormat:   "text",
		Runtime: RuntimeConfig{
			Default: string(domain.RuntimeCompose),
		},
		MicroVM: MicroVMConfig{
			FirecrackerBin:  OctolabDir + "/bin/firecracker",
			JailerBin:       OctolabDir + "/bin/jailer",
			JailerUID:       10000,
			JailerGID:       10000,
			KernelPath:      OctolabDir + "/kernel/vmlinux",
			RootfsBasePath:  OctolabDir + "/rootfs/base.ext4",
			StateDir:        "/var/lib/octolab/labs",
			VCPUCount:       2,
			MemMiB:          1024,
			BootTimeoutSecs: 30,
			VsockPort:       5000,
			HostPortMin:     20000,
			HostPortMax:     30000,
		},
		Compose: ComposeConfig{
			DockerBin: "docker",
		},
		Netd: NetdConfig{
			SocketPath:  "/run/octolab/microvm-netd.sock",
			TimeoutSecs: 5,
		},
		TeardownWorker: TeardownWorkerConfig{
			Enabled:         true,
			IntervalSeconds: 5.0,
			BatchSize:       3,
			StartupTick:     true,
			LabTimeoutSecs:  600,
		},
		Evidence: EvidenceConfig{
			Dir: "/var/lib/octolab/labs",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "octolab",
			SampleRate:  1.0,
		},
	}
}

// Load reads an optional .env file, then the JSON config file (if path is
// non-empty), then applies environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies OCTOLAB_* environment overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("OCTOLAB_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("OCTOLAB_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("OCTOLAB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OCTOLAB_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("OCTOLAB_RUNTIME_DEFAULT"); v != "" {
		cfg.Runtime.Default = v
	}
	if v := os.Getenv("OCTOLAB_RUNTIME_OVERRIDE"); v != "" {
		cfg.Runtime.Override = v
	}
	if v := os.Getenv("OCTOLAB_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("OCTOLAB_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("OCTOLAB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("OCTOLAB_KERNEL_PATH"); v != "" {
		cfg.MicroVM.KernelPath = v
	}
	if v := os.Getenv("OCTOLAB_ROOTFS_BASE_PATH"); v != "" {
		cfg.MicroVM.RootfsBasePath = v
	}
	if v := os.Getenv("OCTOLAB_STATE_DIR"); v != "" {
		cfg.MicroVM.StateDir = v
	}
	if v := os.Getenv("OCTOLAB_NETD_SOCKET"); v != "" {
		cfg.Netd.SocketPath = v
	}
	if v := os.Getenv("OCTOLAB_ADMIN_EMAILS"); v != "" {
		cfg.Admin.Emails = v
	}
	if v := os.Getenv("OCTOLAB_EVIDENCE_DIR"); v != "" {
		cfg.Evidence.Dir = v
	}
	if v := os.Getenv("OCTOLAB_EVIDENCE_S3_BUCKET"); v != "" {
		cfg.Evidence.S3Bucket = v
	}
	if v := os.Getenv("OCTOLAB_TEARDOWN_ENABLED"); v != "" {
		cfg.TeardownWorker.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OCTOLAB_TEARDOWN_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.TeardownWorker.IntervalSeconds = f
		}
	}
	if v := os.Getenv("OCTOLAB_TEARDOWN_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TeardownWorker.BatchSize = n
		}
	}
	if v := os.Getenv("OCTOLAB_UNSAFE_ALLOW_NO_JAILER"); v != "" {
		cfg.Dev.UnsafeAllowNoJailer = v == "true" || v == "1"
	}
}

// Validate rejects configurations that must not reach the daemon.
func (c *Config) Validate() error {
	if !domain.RuntimeName(c.Runtime.Default).IsValid() {
		return fmt.Errorf("runtime.default: unknown runtime %q", c.Runtime.Default)
	}
	if c.Runtime.Override != "" && !domain.RuntimeName(c.Runtime.Override).IsValid() {
		return fmt.Errorf("runtime.override: unknown runtime %q", c.Runtime.Override)
	}
	if c.TeardownWorker.BatchSize <= 0 {
		return fmt.Errorf("teardown_worker.batch_size must be positive")
	}
	if c.TeardownWorker.IntervalSeconds <= 0 {
		return fmt.Errorf("teardown_worker.interval_seconds must be positive")
	}
	if c.MicroVM.VCPUCount <= 0 || c.MicroVM.MemMiB <= 0 {
		return fmt.Errorf("microvm vcpu_count and mem_mib must be positive")
	}
	if c.MicroVM.JailerBin != "" && (c.MicroVM.JailerUID <= 0 || c.MicroVM.JailerGID <= 0) {
		return fmt.Errorf("microvm jailer_uid and jailer_gid must be non-root")
	}
	if c.Production() && c.Dev.UnsafeAllowNoJailer {
		return fmt.Errorf("dev.unsafe_allow_no_jailer is refused outside development")
	}
	return nil
}

// Production reports whether the daemon runs in a production environment.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}
