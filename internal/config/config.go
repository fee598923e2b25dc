package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is the agent's full runtime configuration, loaded from YAML with
// environment overrides (SESSIONCAST_* prefix).
type Config struct {
	Relay     RelayConfig     `mapstructure:"relay"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Worker pool sizing shared by the capture engine and event bus.
	CaptureWorkers    int `mapstructure:"capture_workers"`
	CaptureQueueSize  int `mapstructure:"capture_queue_size"`
	EventBusWorkers   int `mapstructure:"eventbus_workers"`
	EventBusQueueSize int `mapstructure:"eventbus_queue_size"`
}

// RelayConfig configures the outbound WebSocket connection to the relay.
type RelayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// AgentConfig identifies this host and controls streaming defaults.
type AgentConfig struct {
	MachineID          string `mapstructure:"machineId"`
	Label              string `mapstructure:"label"`
	AutoConnect        bool   `mapstructure:"autoConnect"`
	AutoStreamOnCreate bool   `mapstructure:"autoStreamOnCreate"`
}

// ReconnectConfig tunes the relay transport's backoff/circuit-breaker state
// machine.
type ReconnectConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	InitialDelayMs          int  `mapstructure:"initialDelay"`
	MaxDelayMs              int  `mapstructure:"maxDelay"`
	MaxAttempts             int  `mapstructure:"maxAttempts"`
	CircuitBreakerDurationS int  `mapstructure:"circuitBreakerDuration"`
}

func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			URL: "wss://relay.sessioncast.io/ws",
		},
		Agent: AgentConfig{
			AutoConnect:        true,
			AutoStreamOnCreate: true,
		},
		Reconnect: ReconnectConfig{
			Enabled:                 true,
			InitialDelayMs:          2000,
			MaxDelayMs:              60000,
			MaxAttempts:             5,
			CircuitBreakerDurationS: 120,
		},
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		CaptureWorkers:    4,
		CaptureQueueSize:  256,
		EventBusWorkers:   4,
		EventBusQueueSize: 256,
	}
}

// Load reads configuration from cfgFile (or the platform config search
// path if empty), applies SESSIONCAST_* environment overrides, and
// validates the result. Fatal validation errors abort startup; warnings
// are logged and the agent proceeds with clamped/defaulted values.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SESSIONCAST")
	// Map nested keys to env names (relay.url -> SESSIONCAST_RELAY_URL) and
	// bind every key so env values apply even without a config file.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{
		"relay.url", "relay.token",
		"agent.machineId", "agent.label", "agent.autoConnect", "agent.autoStreamOnCreate",
		"reconnect.enabled", "reconnect.initialDelay", "reconnect.maxDelay",
		"reconnect.maxAttempts", "reconnect.circuitBreakerDuration",
		"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
		"capture_workers", "capture_queue_size", "eventbus_workers", "eventbus_queue_size",
	} {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			slog.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("relay.url", cfg.Relay.URL)
	viper.Set("relay.token", cfg.Relay.Token)
	viper.Set("agent.machineId", cfg.Agent.MachineID)
	viper.Set("agent.label", cfg.Agent.Label)
	viper.Set("agent.autoConnect", cfg.Agent.AutoConnect)
	viper.Set("agent.autoStreamOnCreate", cfg.Agent.AutoStreamOnCreate)
	viper.Set("reconnect.enabled", cfg.Reconnect.Enabled)
	viper.Set("reconnect.initialDelay", cfg.Reconnect.InitialDelayMs)
	viper.Set("reconnect.maxDelay", cfg.Reconnect.MaxDelayMs)
	viper.Set("reconnect.maxAttempts", cfg.Reconnect.MaxAttempts)
	viper.Set("reconnect.circuitBreakerDuration", cfg.Reconnect.CircuitBreakerDurationS)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains the relay token)
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the agent.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SessionCast", "data")
	case "darwin":
		return "/Library/Application Support/SessionCast/data"
	default:
		return "/var/lib/sessioncast"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SessionCast")
	case "darwin":
		return "/Library/Application Support/SessionCast"
	default:
		return "/etc/sessioncast"
	}
}
