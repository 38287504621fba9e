package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// CLIConfig holds trigctl configuration (profiles and default endpoints).
type CLIConfig struct {
	CurrentProfile string                 `yaml:"current_profile" json:"current_profile" mapstructure:"current_profile"`
	Profiles       map[string]*CLIProfile `yaml:"profiles" json:"profiles" mapstructure:"profiles"`
	Defaults       *CLIProfile            `yaml:"defaults" json:"defaults" mapstructure:"defaults"`
	path           string
}

// CLIProfile holds the endpoints one trigctl profile talks to.
type CLIProfile struct {
	ReceiverURL string `yaml:"receiver_url" json:"receiver_url" mapstructure:"receiver_url"`
	InvokerURL  string `yaml:"invoker_url" json:"invoker_url" mapstructure:"invoker_url"`
}

// DefaultCLI returns a CLIConfig with default values.
func DefaultCLI() *CLIConfig {
	return &CLIConfig{
		CurrentProfile: "default",
		Profiles:       make(map[string]*CLIProfile),
		Defaults: &CLIProfile{
			ReceiverURL: "http://localhost:8088",
			InvokerURL:  "http://localhost:8089",
		},
	}
}

// LoadCLI loads trigctl configuration from dir/config.yaml. An empty dir means
// $OBJTRIGGER_CONFIG_DIR, falling back to $HOME/.trigctl.
func LoadCLI(dir string) (*CLIConfig, error) {
	v := viper.New()

	v.SetDefault("current_profile", "default")
	v.SetDefault("defaults.receiver_url", "http://localhost:8088")
	v.SetDefault("defaults.invoker_url", "http://localhost:8089")

	if dir == "" {
		dir = os.Getenv(EnvPrefix + "_CONFIG_DIR")
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".trigctl")
	}

	configPath := filepath.Join(dir, "config.yaml")
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TRIGCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("defaults.receiver_url", "TRIGCTL_RECEIVER_URL")
	_ = v.BindEnv("defaults.invoker_url", "TRIGCTL_INVOKER_URL")

	// The file is optional until the first Save.
	_ = v.ReadInConfig()

	cfg := DefaultCLI()
	cfg.path = configPath

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*CLIProfile)
	}

	return cfg, nil
}

// Path returns the file Save writes to.
func (c *CLIConfig) Path() string {
	return c.path
}

// Save writes the CLI config to disk.
func (c *CLIConfig) Save() error {
	if c.path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.path = filepath.Join(home, ".trigctl", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.path, data, 0600)
}

// SetProfile stores endpoints under name and makes it current.
func (c *CLIConfig) SetProfile(name string, profile *CLIProfile) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*CLIProfile)
	}
	c.Profiles[name] = profile
	c.CurrentProfile = name
	return c.Save()
}

// GetProfile retrieves a profile by name (or current profile if name is empty).
func (c *CLIConfig) GetProfile(name string) (*CLIProfile, error) {
	if name == "" {
		name = c.CurrentProfile
	}

	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}

	return profile, nil
}

// ReceiverURL returns the receiver URL from profile or defaults.
func (c *CLIConfig) ReceiverURL(profile string) string {
	if p, err := c.GetProfile(profile); err == nil && p.ReceiverURL != "" {
		return p.ReceiverURL
	}
	return c.Defaults.ReceiverURL
}

// InvokerURL returns the invoker admin URL from profile or defaults.
func (c *CLIConfig) InvokerURL(profile string) string {
	if p, err := c.GetProfile(profile); err == nil && p.InvokerURL != "" {
		return p.InvokerURL
	}
	return c.Defaults.InvokerURL
}
