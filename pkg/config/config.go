package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	fileName  = "config.yaml"
	envPrefix = "FIRESTBREAK_"
)

type Config struct {
	DataDir     string   `yaml:"data_dir"`
	ListenPort  int      `yaml:"listen_port"`
	Service     string   `yaml:"service"`
	DisplayName string   `yaml:"display_name"`
	Passphrase  string   `yaml:"passphrase"`
	AutoAccept  bool     `yaml:"auto_accept"`
	Bootstrap   []string `yaml:"bootstrap,omitempty"`
	HTTPAddr    string   `yaml:"http_addr"`
	Log         Log      `yaml:"log"`
	Timing      Timing   `yaml:"timing"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Timing collects every delay the session core uses.
type Timing struct {
	InviteTimeout   time.Duration `yaml:"invite_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	RestartCooldown time.Duration `yaml:"restart_cooldown"`
	ConnectSettle   time.Duration `yaml:"connect_settle"`
	ProfileSettle   time.Duration `yaml:"profile_settle"`
	ResetDelay      time.Duration `yaml:"reset_delay"`
	GestureDuration time.Duration `yaml:"gesture_duration"`
	AdvertInterval  time.Duration `yaml:"advert_interval"`
	AdvertTTL       time.Duration `yaml:"advert_ttl"`
}

func DefaultTiming() Timing {
	return Timing{
		InviteTimeout:   30 * time.Second,
		HealthInterval:  10 * time.Second,
		RestartCooldown: 2 * time.Second,
		ConnectSettle:   500 * time.Millisecond,
		ProfileSettle:   1 * time.Second,
		ResetDelay:      1 * time.Second,
		GestureDuration: 5 * time.Second,
		AdvertInterval:  5 * time.Second,
		AdvertTTL:       20 * time.Second,
	}
}

func Default() Config {
	return Config{
		DataDir:    defaultDataDir(),
		ListenPort: 0,
		Service:    "firestbreak",
		AutoAccept: false,
		HTTPAddr:   "127.0.0.1:7420",
		Log:        Log{Level: "info"},
		Timing:     DefaultTiming(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".firestbreak"
	}
	return filepath.Join(home, ".firestbreak")
}

// Load reads <dataDir>/config.yaml on top of the defaults and then applies
// FIRESTBREAK_* environment overrides. A missing file is not an error.
// An empty dataDir means the default location.
func Load(dataDir string) (Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, fileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", fileName, err)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read %s: %w", fileName, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultDisplayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "firestbreak"
	}
	return host
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(envPrefix + "LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sLISTEN_PORT: %w", envPrefix, err)
		}
		cfg.ListenPort = port
	}
	if v := os.Getenv(envPrefix + "SERVICE"); v != "" {
		cfg.Service = v
	}
	if v := os.Getenv(envPrefix + "DISPLAY_NAME"); v != "" {
		cfg.DisplayName = v
	}
	if v := os.Getenv(envPrefix + "PASSPHRASE"); v != "" {
		cfg.Passphrase = v
	}
	if v := os.Getenv(envPrefix + "AUTO_ACCEPT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sAUTO_ACCEPT: %w", envPrefix, err)
		}
		cfg.AutoAccept = b
	}
	if v := os.Getenv(envPrefix + "BOOTSTRAP"); v != "" {
		cfg.Bootstrap = nil
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Bootstrap = append(cfg.Bootstrap, addr)
			}
		}
	}
	if v := os.Getenv(envPrefix + "HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return errors.New("listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Service) == "" {
		return errors.New("service is required")
	}
	if strings.ContainsAny(c.Service, " /") {
		return errors.New("service must not contain spaces or slashes")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}

	t := c.Timing
	for name, d := range map[string]time.Duration{
		"invite_timeout":   t.InviteTimeout,
		"health_interval":  t.HealthInterval,
		"restart_cooldown": t.RestartCooldown,
		"gesture_duration": t.GestureDuration,
		"advert_interval":  t.AdvertInterval,
		"advert_ttl":       t.AdvertTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("timing.%s must be > 0", name)
		}
	}
	if t.ConnectSettle < 0 || t.ProfileSettle < 0 || t.ResetDelay < 0 {
		return errors.New("timing settle delays must not be negative")
	}
	if t.RestartCooldown >= t.HealthInterval {
		return errors.New("timing.restart_cooldown must be < timing.health_interval")
	}
	if t.AdvertInterval >= t.AdvertTTL {
		return errors.New("timing.advert_interval must be < timing.advert_ttl")
	}
	return nil
}
