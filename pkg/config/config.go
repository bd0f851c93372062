package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds the full controller configuration. Values are layered:
// built-in defaults, then an optional YAML file, then PUREBOOT_*
// environment variables.
type Settings struct {
	// ServerURL is the externally reachable base URL of the HTTP API,
	// embedded in boot scripts and callback URLs.
	ServerURL string `yaml:"server_url"`

	HTTPAddr  string `yaml:"http_addr"`
	TFTPAddr  string `yaml:"tftp_addr"`
	DHCPAddr  string `yaml:"dhcp_addr"`
	ProxyAddr string `yaml:"proxy_addr"`

	// TFTPServerIP is the address PXE clients are steered to (siaddr).
	TFTPServerIP string `yaml:"tftp_server_ip"`

	TFTPRoot     string `yaml:"tftp_root"`
	WorkflowsDir string `yaml:"workflows_dir"`
	DataDir      string `yaml:"data_dir"`

	AutoRegister   bool          `yaml:"auto_register"`
	InstallTimeout time.Duration `yaml:"install_timeout"`

	// Bootloader filenames handed out by the Proxy-DHCP responder,
	// relative to the TFTP root.
	BIOSBootfile    string `yaml:"bios_bootfile"`
	UEFIBootfile    string `yaml:"uefi_bootfile"`
	UEFI32Bootfile  string `yaml:"uefi32_bootfile"`
	UEFIArmBootfile string `yaml:"uefi_arm_bootfile"`

	Health HealthSettings `yaml:"health"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// HealthSettings tunes the health monitor.
type HealthSettings struct {
	StaleAfter        time.Duration `yaml:"stale_after"`
	OfflineAfter      time.Duration `yaml:"offline_after"`
	ScoreThreshold    int           `yaml:"score_threshold"`
	StalenessWeight   int           `yaml:"staleness_weight"`
	InstallWeight     int           `yaml:"install_weight"`
	InstabilityWeight int           `yaml:"instability_weight"`
	EvalInterval      time.Duration `yaml:"eval_interval"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotRetention time.Duration `yaml:"snapshot_retention"`
}

// Default returns the built-in defaults.
func Default() *Settings {
	return &Settings{
		ServerURL:      "http://127.0.0.1:8080",
		HTTPAddr:       ":8080",
		TFTPAddr:       ":69",
		DHCPAddr:       ":67",
		ProxyAddr:      ":4011",
		TFTPRoot:       "/var/lib/pureboot/tftp",
		WorkflowsDir:   "/var/lib/pureboot/workflows",
		DataDir:        "/var/lib/pureboot",
		AutoRegister:   true,
		InstallTimeout: 60 * time.Minute,
		BIOSBootfile:   "bios/undionly.kpxe",
		UEFIBootfile:   "uefi/ipxe.efi",
		Health: HealthSettings{
			StaleAfter:        15 * time.Minute,
			OfflineAfter:      60 * time.Minute,
			ScoreThreshold:    50,
			StalenessWeight:   40,
			InstallWeight:     30,
			InstabilityWeight: 30,
			EvalInterval:      time.Minute,
			SnapshotInterval:  5 * time.Minute,
			SnapshotRetention: 30 * 24 * time.Hour,
		},
		LogLevel: "info",
	}
}

// Load builds Settings from defaults, the optional YAML file at path
// (ignored when path is empty), and environment overrides.
func Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	s.applyEnv()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings the servers cannot start with.
func (s *Settings) Validate() error {
	if s.ServerURL == "" {
		return fmt.Errorf("server_url must be set")
	}
	if s.TFTPRoot == "" {
		return fmt.Errorf("tftp_root must be set")
	}
	if s.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if s.InstallTimeout <= 0 {
		return fmt.Errorf("install_timeout must be positive")
	}
	total := s.Health.StalenessWeight + s.Health.InstallWeight + s.Health.InstabilityWeight
	if total > 100 {
		return fmt.Errorf("health score weights sum to %d, must not exceed 100", total)
	}
	return nil
}

func (s *Settings) applyEnv() {
	envStr("PUREBOOT_SERVER_URL", &s.ServerURL)
	envStr("PUREBOOT_HTTP_ADDR", &s.HTTPAddr)
	envStr("PUREBOOT_TFTP_ADDR", &s.TFTPAddr)
	envStr("PUREBOOT_DHCP_ADDR", &s.DHCPAddr)
	envStr("PUREBOOT_PROXY_ADDR", &s.ProxyAddr)
	envStr("PUREBOOT_TFTP_SERVER_IP", &s.TFTPServerIP)
	envStr("PUREBOOT_TFTP_ROOT", &s.TFTPRoot)
	envStr("PUREBOOT_WORKFLOWS_DIR", &s.WorkflowsDir)
	envStr("PUREBOOT_DATA_DIR", &s.DataDir)
	envBool("PUREBOOT_AUTO_REGISTER", &s.AutoRegister)
	envDuration("PUREBOOT_INSTALL_TIMEOUT", &s.InstallTimeout)
	envStr("PUREBOOT_LOG_LEVEL", &s.LogLevel)
	envBool("PUREBOOT_LOG_JSON", &s.LogJSON)
	envInt("PUREBOOT_HEALTH_SCORE_THRESHOLD", &s.Health.ScoreThreshold)
	envDuration("PUREBOOT_HEALTH_STALE_AFTER", &s.Health.StaleAfter)
	envDuration("PUREBOOT_HEALTH_OFFLINE_AFTER", &s.Health.OfflineAfter)
	envDuration("PUREBOOT_SNAPSHOT_RETENTION", &s.Health.SnapshotRetention)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
