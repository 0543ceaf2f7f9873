// Package config loads the ProcessGuard daemon configuration file: global
// environment layering, log defaults, and the list of supervised process
// descriptors, each translated into a supervisor.Config ready for
// Supervisor.Register.
//
// Grounded on internal/config/config.go: viper-backed file
// parsing, mapstructure decoding with WeaklyTypedInput, UseOSEnv/EnvFiles
// layering, and applyGlobalLogDefaults's "only fill in unset fields"
// pattern, generalized from provisr's process/cronjob discriminated union
// to ProcessGuard's single process-descriptor shape.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/processguard/processguard/internal/crash"
	"github.com/processguard/processguard/internal/sampler"
	"github.com/processguard/processguard/internal/supervisor"
)

// Config is the root of the configuration file.
type Config struct {
	UseOSEnv bool     `mapstructure:"use_os_env"`
	EnvFiles []string `mapstructure:"env_files"`
	Env      []string `mapstructure:"env"`

	Log     *LogConfig     `mapstructure:"log"`
	Server  *ServerConfig  `mapstructure:"server"`
	Metrics *MetricsConfig `mapstructure:"metrics"`
	Audit   *AuditConfig   `mapstructure:"audit"`
	Alerts  *AlertsConfig  `mapstructure:"alerts"`

	Processes []ProcessConfig `mapstructure:"processes"`

	// GlobalEnv is computed from UseOSEnv/EnvFiles/Env after load.
	GlobalEnv []string
	// Specs holds the decoded, defaulted supervisor configs ready for
	// Supervisor.Register, in file order.
	Specs []supervisor.Config
	// LogDir is the resolved (absolute) global log directory, or "" if
	// the file didn't configure one.
	LogDir string

	configPath string
}

type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type ServerConfig struct {
	Listen        string     `mapstructure:"listen"`
	BasePath      string     `mapstructure:"base_path"`
	TLS           *TLSConfig `mapstructure:"tls"`
	TLSMinVersion string     `mapstructure:"tls_min_version"`
	TLSMaxVersion string     `mapstructure:"tls_max_version"`
}

// TLSConfig enables serving the REST control plane and metrics endpoint
// over HTTPS, either from a fixed cert/key pair or from a directory that
// may be populated with an auto-generated self-signed certificate.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type AlertsConfig struct {
	DedupWindowSeconds int            `mapstructure:"dedup_window_seconds"`
	MaxRetained        int            `mapstructure:"max_retained"`
	SMTP               *SMTPConfig    `mapstructure:"smtp"`
	Webhooks           []WebhookEntry `mapstructure:"webhooks"`
}

type SMTPConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	UseTLS   bool     `mapstructure:"use_tls"`
}

type WebhookEntry struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Slack   bool              `mapstructure:"slack"`
	Headers map[string]string `mapstructure:"headers"`
}

// ProcessConfig is the on-disk shape of one supervised process descriptor
//.
type ProcessConfig struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Cwd     string   `mapstructure:"cwd"`
	Env     []string `mapstructure:"env"`
	Kind    string   `mapstructure:"kind"`

	AutoRestart         bool    `mapstructure:"auto_restart"`
	MaxRestarts         int     `mapstructure:"max_restarts"`
	RestartDelaySeconds float64 `mapstructure:"restart_delay_seconds"`

	CPUThresholdPercent    float64 `mapstructure:"cpu_threshold_percent"`
	MemoryThresholdPercent float64 `mapstructure:"memory_threshold_percent"`

	MaxCrashes          int     `mapstructure:"max_crashes"`
	WindowSeconds       float64 `mapstructure:"window_seconds"`
	Action              string  `mapstructure:"action"`
	QuarantineSeconds   float64 `mapstructure:"quarantine_seconds"`
	StableUptimeSeconds float64 `mapstructure:"stable_uptime_seconds"`

	Dependencies []string `mapstructure:"dependencies"`

	GracefulShutdownSeconds float64 `mapstructure:"graceful_shutdown_seconds"`
	RingCapacity            int     `mapstructure:"ring_capacity"`

	LogFile string `mapstructure:"log_file"`
}

// Load reads configPath (TOML/YAML/JSON, whatever viper's extension
// sniffing detects) and returns a fully decoded, defaulted Config.
func Load(configPath string) (*Config, error) {
	cfg := &Config{configPath: configPath}
	if err := parseConfigFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for i, f := range cfg.EnvFiles {
		if !filepath.IsAbs(f) {
			cfg.EnvFiles[i] = filepath.Join(filepath.Dir(configPath), f)
		}
	}
	globalEnv, err := computeGlobalEnv(cfg.UseOSEnv, cfg.EnvFiles, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to compute global env: %w", err)
	}
	cfg.GlobalEnv = globalEnv

	if cfg.Log != nil && cfg.Log.Dir != "" {
		dir := cfg.Log.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(configPath), dir)
		}
		cfg.LogDir = filepath.Clean(dir)
	}

	specs := make([]supervisor.Config, 0, len(cfg.Processes))
	seen := make(map[string]bool, len(cfg.Processes))
	for _, pc := range cfg.Processes {
		if seen[pc.Name] {
			return nil, fmt.Errorf("duplicate process name %q", pc.Name)
		}
		seen[pc.Name] = true
		sc, err := decodeProcess(pc)
		if err != nil {
			return nil, fmt.Errorf("process %q: %w", pc.Name, err)
		}
		specs = append(specs, sc)
	}
	cfg.Specs = specs

	return cfg, nil
}

func parseConfigFile(configPath string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(v.AllSettings())
}

func decodeProcess(pc ProcessConfig) (supervisor.Config, error) {
	if strings.TrimSpace(pc.Name) == "" {
		return supervisor.Config{}, fmt.Errorf("process requires name")
	}
	if strings.TrimSpace(pc.Command) == "" {
		return supervisor.Config{}, fmt.Errorf("process %q requires command", pc.Name)
	}

	action := crash.Action(strings.ToLower(strings.TrimSpace(pc.Action)))
	switch action {
	case "", crash.ActionDisable, crash.ActionQuarantine, crash.ActionKillDependencies:
	default:
		return supervisor.Config{}, fmt.Errorf("process %q: unknown crash action %q", pc.Name, pc.Action)
	}

	sc := supervisor.Config{
		Name:         pc.Name,
		Command:      pc.Command,
		Cwd:          pc.Cwd,
		Env:          pc.Env,
		Dependencies: pc.Dependencies,
		RingCapacity: pc.RingCapacity,
		Thresholds: sampler.Thresholds{
			CPUPercent:    pc.CPUThresholdPercent,
			MemoryPercent: pc.MemoryThresholdPercent,
		},
		CrashPolicy: crash.Policy{
			MaxCrashes:        pc.MaxCrashes,
			WindowSeconds:     secondsToDuration(pc.WindowSeconds),
			Action:            action,
			QuarantineSeconds: secondsToDuration(pc.QuarantineSeconds),
			AutoRestart:       pc.AutoRestart,
			RestartDelay:      secondsToDuration(pc.RestartDelaySeconds),
			MaxRestarts:       pc.MaxRestarts,
			StableUptime:      secondsToDuration(pc.StableUptimeSeconds),
		},
		GracefulShutdown: secondsToDuration(pc.GracefulShutdownSeconds),
	}
	return sc, nil
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func computeGlobalEnv(useOSEnv bool, envFiles []string, env []string) ([]string, error) {
	envMap := make(map[string]string)

	if useOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				envMap[kv[:i]] = kv[i+1:]
			}
		}
	}

	for _, envFile := range envFiles {
		fileEnv, err := loadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		for k, v := range fileEnv {
			envMap[k] = v
		}
	}

	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			envMap[kv[:i]] = kv[i+1:]
		}
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result, nil
}

func loadEnvFile(filePath string) (map[string]string, error) {
	content, err := os.ReadFile(filePath) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	env := make(map[string]string)
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid env line at %s:%d: %s", filePath, i+1, line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		env[key] = value
	}
	return env, nil
}
