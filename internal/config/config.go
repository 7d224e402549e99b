package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/anweddol/anwdlserver/internal/orchestrator"
)

// DefaultConfigPath is read by the CLI when no --config flag is given.
const DefaultConfigPath = "/etc/anwdlserver.yaml"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Container ContainerConfig `yaml:"container"`
	Database  DatabaseConfig  `yaml:"database"`
	Network   NetworkConfig   `yaml:"network"`
	Log       LogConfig       `yaml:"log"`

	// GCP project holding the secrets; Secret Manager is skipped when empty
	GCPProject string `yaml:"gcp_project"`
}

type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	AccessTokenHash   string        `yaml:"access_token_hash"` // bcrypt; empty disables the check
	ClientTokenSecret string        `yaml:"client_token_secret"`
	ClientTokenTTL    time.Duration `yaml:"client_token_ttl"` // 0 = no expiry
	CORSOrigins       []string      `yaml:"cors_origins"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	EnableEventStream bool          `yaml:"enable_event_stream"`
}

type ContainerConfig struct {
	ISOPath          string        `yaml:"iso_path"`
	MaxContainers    int           `yaml:"max_containers"`
	MemoryMiB        uint          `yaml:"memory_mib"`
	VCPUs            uint          `yaml:"vcpus"`
	NATInterface     string        `yaml:"nat_interface"`
	BridgeInterface  string        `yaml:"bridge_interface"`
	EndpointUsername string        `yaml:"endpoint_username"`
	EndpointPassword string        `yaml:"endpoint_password"`
	EndpointPort     int           `yaml:"endpoint_port"`
	DriverURI        string        `yaml:"driver_uri"`
	MaxTryout        int           `yaml:"max_tryout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PortRangeFrom    int           `yaml:"port_range_from"`
	PortRangeTo      int           `yaml:"port_range_to"` // exclusive
	MaxPortAttempts  int           `yaml:"max_port_attempts"`
	LeaseDir         string        `yaml:"lease_dir"`
	CreateTimeout    time.Duration `yaml:"create_timeout"`
	DestroyOnStop    bool          `yaml:"destroy_on_stop"` // power off instead of ACPI shutdown
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type NetworkConfig struct {
	CreateBridge bool   `yaml:"create_bridge"`
	BridgeIP     string `yaml:"bridge_ip"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":6150",
			CORSOrigins:     []string{"*"},
			ReapInterval:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Container: ContainerConfig{
			MaxContainers:    orchestrator.DefaultMaxContainers,
			MemoryMiB:        2048,
			VCPUs:            2,
			NATInterface:     "virbr0",
			BridgeInterface:  "anwdlbr0",
			EndpointUsername: "endpoint",
			EndpointPassword: "endpoint",
			EndpointPort:     22,
			DriverURI:        orchestrator.DefaultDriverURI,
			MaxTryout:        orchestrator.DefaultMaxTryout,
			PollInterval:     orchestrator.DefaultPollInterval,
			PortRangeFrom:    orchestrator.DefaultPortRange.From,
			PortRangeTo:      orchestrator.DefaultPortRange.To,
			MaxPortAttempts:  orchestrator.DefaultMaxPortAttempts,
			LeaseDir:         orchestrator.DefaultLeaseDir,
			CreateTimeout:    3 * time.Minute,
			DestroyOnStop:    true,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "/var/lib/anwdlserver/sessions.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (optional
// when empty), then ANWDL_* environment variables, then GCP Secret Manager.
func Load(path string) (*Config, error) {
	// Try to load .env file first (for local development)
	loadEnvFile(".env")

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.loadSecrets()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.GCPProject = getEnv("GCP_PROJECT", c.GCPProject)

	c.Server.ListenAddress = getEnv("ANWDL_LISTEN_ADDRESS", c.Server.ListenAddress)
	c.Server.AccessTokenHash = getEnv("ANWDL_ACCESS_TOKEN_HASH", c.Server.AccessTokenHash)
	c.Server.ClientTokenSecret = getEnv("ANWDL_CLIENT_TOKEN_SECRET", c.Server.ClientTokenSecret)
	if origins := getEnv("ANWDL_CORS_ORIGINS", ""); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}

	c.Container.ISOPath = getEnv("ANWDL_ISO_PATH", c.Container.ISOPath)
	c.Container.DriverURI = getEnv("ANWDL_DRIVER_URI", c.Container.DriverURI)
	c.Container.EndpointPassword = getEnv("ANWDL_ENDPOINT_PASSWORD", c.Container.EndpointPassword)
	if v := getEnv("ANWDL_MAX_CONTAINERS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ANWDL_MAX_CONTAINERS: %w", err)
		}
		c.Container.MaxContainers = n
	}

	c.Database.Driver = getEnv("ANWDL_DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("ANWDL_DATABASE_DSN", c.Database.DSN)

	c.Log.Level = getEnv("ANWDL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("ANWDL_LOG_FORMAT", c.Log.Format)
	return nil
}

// loadSecrets overrides sensitive values with Secret Manager entries when present.
func (c *Config) loadSecrets() {
	if secret, err := getSecret(c.GCPProject, "CLIENT_TOKEN_SECRET"); err == nil && secret != "" {
		c.Server.ClientTokenSecret = secret
	}
	if password, err := getSecret(c.GCPProject, "ENDPOINT_PASSWORD"); err == nil && password != "" {
		c.Container.EndpointPassword = password
	}
	if dsn, err := getSecret(c.GCPProject, "DATABASE_DSN"); err == nil && dsn != "" {
		c.Database.DSN = dsn
	}
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	var errs []error

	if c.Container.ISOPath == "" {
		errs = append(errs, errors.New("container.iso_path is required"))
	} else if info, err := os.Stat(c.Container.ISOPath); err != nil {
		errs = append(errs, fmt.Errorf("container.iso_path: %w", err))
	} else if info.IsDir() {
		errs = append(errs, fmt.Errorf("container.iso_path %s is a directory", c.Container.ISOPath))
	}
	if c.Container.MaxContainers <= 0 {
		errs = append(errs, errors.New("container.max_containers must be positive"))
	}
	if c.Container.MemoryMiB == 0 {
		errs = append(errs, errors.New("container.memory_mib must be positive"))
	}
	if c.Container.VCPUs == 0 {
		errs = append(errs, errors.New("container.vcpus must be positive"))
	}
	if c.Container.EndpointPort <= 0 || c.Container.EndpointPort > 65535 {
		errs = append(errs, fmt.Errorf("container.endpoint_port %d is invalid", c.Container.EndpointPort))
	}
	if c.Container.PortRangeFrom <= 0 || c.Container.PortRangeTo > 65536 || c.Container.PortRangeFrom >= c.Container.PortRangeTo {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.Container.PortRangeFrom, c.Container.PortRangeTo))
	}
	if c.Server.ClientTokenSecret == "" {
		errs = append(errs, errors.New("server.client_token_secret is required (set via config, ANWDL_CLIENT_TOKEN_SECRET or GCP Secret Manager)"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// PoolConfig converts the container section into a pool configuration.
func (c ContainerConfig) PoolConfig() orchestrator.PoolConfig {
	cc := orchestrator.DefaultContainerConfig()
	cc.ISOPath = c.ISOPath
	cc.MemoryMiB = c.MemoryMiB
	cc.VCPUs = c.VCPUs
	cc.NATInterface = c.NATInterface
	cc.BridgeInterface = c.BridgeInterface
	cc.EndpointUsername = c.EndpointUsername
	cc.EndpointPassword = c.EndpointPassword
	cc.EndpointPort = c.EndpointPort
	cc.MaxPortAttempts = c.MaxPortAttempts

	return orchestrator.PoolConfig{
		ISOPath:       c.ISOPath,
		MaxContainers: c.MaxContainers,
		Container:     cc,
	}
}

// StartOptions returns the options every container is started with.
func (c ContainerConfig) StartOptions() orchestrator.StartOptions {
	return orchestrator.StartOptions{
		WaitAvailable: true,
		MaxTryout:     c.MaxTryout,
		PollInterval:  c.PollInterval,
		DriverURI:     c.DriverURI,
	}
}

func (c ContainerConfig) PortRange() orchestrator.PortRange {
	return orchestrator.PortRange{From: c.PortRangeFrom, To: c.PortRangeTo}
}

// getSecret retrieves a secret from GCP Secret Manager
// Returns empty string and nil error if Secret Manager is not available
func getSecret(project, secretName string) (string, error) {
	if project == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		logrus.Warnf("Secret Manager client creation failed (falling back to env): %v", err)
		return "", nil
	}
	defer client.Close()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secretName)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		// Secret may not exist, which is fine
		return "", nil
	}

	return string(result.Payload.Data), nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadEnvFile loads environment variables from a .env file
func loadEnvFile(filename string) {
	file, err := os.Open(filename)
	if err != nil {
		// .env file is optional
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		// Only set if not already set in environment
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
