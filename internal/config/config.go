// Package config loads and validates the balancer configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CTF_ prefix (e.g. CTF_INSTANCES_MAX
// overrides instances.max in the YAML). The same binary runs with a config.yaml
// in local development and with pure environment variables inside the cluster.
//
// The secrets-store provider credentials (IRSA role ARN, key vault IDs, GCP
// project) are deployment-wide, not per-team: they are rendered into every
// team namespace the provisioner creates.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Session   SessionConfig   `mapstructure:"session"`
	Instances InstancesConfig `mapstructure:"instances"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Workloads WorkloadsConfig `mapstructure:"workloads"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the server address in host:port format.
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AdminConfig holds the credentials for the reserved admin identity. When
// Password is empty the admin surface is disabled entirely.
type AdminConfig struct {
	Password string `mapstructure:"password"`
}

// SessionConfig holds the signed session cookie configuration. Secret signs
// the session JWT; it must survive restarts or every player gets logged out.
type SessionConfig struct {
	CookieName string `mapstructure:"cookie_name"`
	Secret     string `mapstructure:"secret"`
	Secure     bool   `mapstructure:"secure"`
}

// InstancesConfig holds the lifecycle tunables for team instances.
type InstancesConfig struct {
	// Max is the global instance cap enforced at join time. The check
	// reads the live count, so under concurrent joins from distinct teams
	// it is a soft limit that can transiently overshoot by a small margin.
	Max int `mapstructure:"max"`

	// IdleThreshold is how long an instance may go without a proxied
	// request before the reaper deletes its namespace.
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`

	// ReaperInterval is how often the idle sweep runs.
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`

	// PasscodeCost is the bcrypt cost for passcode hashes.
	PasscodeCost int `mapstructure:"passcode_cost"`

	// APITimeout bounds every individual cluster API call.
	APITimeout time.Duration `mapstructure:"api_timeout"`
}

// ProviderConfig selects and parameterizes the cloud secrets-store provider.
type ProviderConfig struct {
	// Name is one of "none", "aws", "azure", "gcp".
	Name  string              `mapstructure:"name"`
	AWS   AWSProviderConfig   `mapstructure:"aws"`
	Azure AzureProviderConfig `mapstructure:"azure"`
	GCP   GCPProviderConfig   `mapstructure:"gcp"`
}

// AWSProviderConfig holds the IRSA role and Secrets Manager object names
// exposed into team namespaces on AWS deployments.
type AWSProviderConfig struct {
	IRSARole       string `mapstructure:"irsa_role"`
	SecretName1    string `mapstructure:"secret_name_1"`
	SecretName2    string `mapstructure:"secret_name_2"`
	VerifyIdentity bool   `mapstructure:"verify_identity"`
}

// AzureProviderConfig holds the Key Vault identifiers for Azure deployments.
type AzureProviderConfig struct {
	TenantID    string `mapstructure:"tenant_id"`
	VaultName   string `mapstructure:"vault_name"`
	VaultURI    string `mapstructure:"vault_uri"`
	PodClientID string `mapstructure:"pod_client_id"`
	SecretName1 string `mapstructure:"secret_name_1"`
	SecretName2 string `mapstructure:"secret_name_2"`
}

// GCPProviderConfig holds the Secret Manager and Workload Identity settings
// for GCP deployments.
type GCPProviderConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	WorkloadPool string `mapstructure:"workload_pool"`
	SecretName1  string `mapstructure:"secret_name_1"`
	SecretName2  string `mapstructure:"secret_name_2"`
}

// WorkloadsConfig holds the images and context labels stamped onto every
// team workload. DeploymentContext distinguishes multiple balancer
// installations sharing one cluster.
type WorkloadsConfig struct {
	DeploymentContext string `mapstructure:"deployment_context"`
	AppImage          string `mapstructure:"app_image"`
	AppTag            string `mapstructure:"app_tag"`
	DesktopImage      string `mapstructure:"desktop_image"`
	DesktopTag        string `mapstructure:"desktop_tag"`
	ChallengeImage    string `mapstructure:"challenge_image"`
	ImagePullPolicy   string `mapstructure:"image_pull_policy"`
	CTFKey            string `mapstructure:"ctf_key"`
	CTFServerAddress  string `mapstructure:"ctf_server_address"`
	Challenge33Value  string `mapstructure:"challenge33_value"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds metrics and profiling configuration.
type TelemetryConfig struct {
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds the Prometheus side-channel listener configuration.
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds the pprof listener configuration.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// bindEnvVars explicitly binds environment variables for nested structures.
// AutomaticEnv alone does not surface nested keys through Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Admin / session
		"admin.password",
		"session.cookie_name",
		"session.secret",
		"session.secure",

		// Instances
		"instances.max",
		"instances.idle_threshold",
		"instances.reaper_interval",
		"instances.passcode_cost",
		"instances.api_timeout",

		// Provider
		"provider.name",
		"provider.aws.irsa_role",
		"provider.aws.secret_name_1",
		"provider.aws.secret_name_2",
		"provider.aws.verify_identity",
		"provider.azure.tenant_id",
		"provider.azure.vault_name",
		"provider.azure.vault_uri",
		"provider.azure.pod_client_id",
		"provider.azure.secret_name_1",
		"provider.azure.secret_name_2",
		"provider.gcp.project_id",
		"provider.gcp.workload_pool",
		"provider.gcp.secret_name_1",
		"provider.gcp.secret_name_2",

		// Workloads
		"workloads.deployment_context",
		"workloads.app_image",
		"workloads.app_tag",
		"workloads.desktop_image",
		"workloads.desktop_tag",
		"workloads.challenge_image",
		"workloads.image_pull_policy",
		"workloads.ctf_key",
		"workloads.ctf_server_address",
		"workloads.challenge33_value",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ctf-party")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("CTF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Admin.Password = expandEnv(cfg.Admin.Password)
	cfg.Session.Secret = expandEnv(cfg.Session.Secret)
	cfg.Provider.AWS.IRSARole = expandEnv(cfg.Provider.AWS.IRSARole)
	cfg.Provider.Azure.PodClientID = expandEnv(cfg.Provider.Azure.PodClientID)
	cfg.Workloads.CTFKey = expandEnv(cfg.Workloads.CTFKey)
	cfg.Workloads.Challenge33Value = expandEnv(cfg.Workloads.Challenge33Value)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")

	// Session defaults
	v.SetDefault("session.cookie_name", "balancer")
	v.SetDefault("session.secure", false)

	// Instance lifecycle defaults
	v.SetDefault("instances.max", 100)
	v.SetDefault("instances.idle_threshold", "24h")
	v.SetDefault("instances.reaper_interval", "5m")
	v.SetDefault("instances.passcode_cost", 12)
	v.SetDefault("instances.api_timeout", "10s")

	// Provider defaults
	v.SetDefault("provider.name", "none")
	v.SetDefault("provider.aws.verify_identity", true)
	v.SetDefault("provider.gcp.workload_pool", "")

	// Workload defaults
	v.SetDefault("workloads.deployment_context", "ctf-party")
	v.SetDefault("workloads.app_image", "jeroenwillemsen/wrongsecrets")
	v.SetDefault("workloads.app_tag", "latest-no-vault")
	v.SetDefault("workloads.desktop_image", "lscr.io/linuxserver/webtop")
	v.SetDefault("workloads.desktop_tag", "latest")
	v.SetDefault("workloads.challenge_image", "jeroenwillemsen/wrongsecrets-challenge53")
	v.SetDefault("workloads.image_pull_policy", "IfNotPresent")
	v.SetDefault("workloads.ctf_server_address", "")
	v.SetDefault("workloads.challenge33_value", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// expandEnv expands environment variables in the format ${VAR_NAME}.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Session.Secret == "" {
		return fmt.Errorf("session.secret is required")
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}

	if c.Instances.Max < 1 {
		return fmt.Errorf("instances.max must be at least 1, got %d", c.Instances.Max)
	}
	if c.Instances.IdleThreshold <= 0 {
		return fmt.Errorf("instances.idle_threshold must be positive")
	}
	if c.Instances.ReaperInterval <= 0 {
		return fmt.Errorf("instances.reaper_interval must be positive")
	}
	if c.Instances.APITimeout <= 0 {
		return fmt.Errorf("instances.api_timeout must be positive")
	}

	validProviders := map[string]bool{"none": true, "aws": true, "azure": true, "gcp": true}
	if !validProviders[c.Provider.Name] {
		return fmt.Errorf("invalid provider: %s (must be none, aws, azure, or gcp)", c.Provider.Name)
	}

	switch c.Provider.Name {
	case "aws":
		if c.Provider.AWS.IRSARole == "" {
			return fmt.Errorf("provider.aws.irsa_role is required when using the aws provider")
		}
		if c.Provider.AWS.SecretName1 == "" || c.Provider.AWS.SecretName2 == "" {
			return fmt.Errorf("provider.aws.secret_name_1 and secret_name_2 are required when using the aws provider")
		}
	case "azure":
		if c.Provider.Azure.TenantID == "" {
			return fmt.Errorf("provider.azure.tenant_id is required when using the azure provider")
		}
		if c.Provider.Azure.VaultName == "" {
			return fmt.Errorf("provider.azure.vault_name is required when using the azure provider")
		}
	case "gcp":
		if c.Provider.GCP.ProjectID == "" {
			return fmt.Errorf("provider.gcp.project_id is required when using the gcp provider")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}
