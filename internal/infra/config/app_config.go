// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

const defaultFanoutWorkers = 4

// FanoutWorkerSetting accepts either a positive integer or the symbolic values
// "auto" and "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultFanoutWorkers
	default:
		return defaultFanoutWorkers
	}
}

// FanoutWorkerCount returns the resolved worker count.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// BackendConfig describes the authoritative cart backend.
type BackendConfig struct {
	Mode        BackendMode   `yaml:"mode"`
	BaseURL     string        `yaml:"baseURL"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   float64       `yaml:"rateLimit"`
	Burst       int           `yaml:"burst"`
	CatalogPath string        `yaml:"catalogPath"`
}

// ChannelConfig describes the push channel.
type ChannelConfig struct {
	BaseURL              string        `yaml:"baseURL"`
	Roles                []string      `yaml:"roles"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	PingInterval         time.Duration `yaml:"pingInterval"`
	ReadLimitBytes       int64         `yaml:"readLimitBytes"`
	DeadLetterCapacity   int           `yaml:"deadLetterCapacity"`
}

// TrackingConfig lists orders tracked from startup and the role they listen on.
// VerificationRoles are watched for account verification changes.
type TrackingConfig struct {
	Role              string   `yaml:"role"`
	Orders            []string `yaml:"orders"`
	VerificationRoles []string `yaml:"verificationRoles"`
}

// IdentityConfig selects where the guest cart token lives.
type IdentityConfig struct {
	Backend       IdentityBackend `yaml:"backend"`
	Path          string          `yaml:"path"`
	RedisAddr     string          `yaml:"redisAddr"`
	RedisPassword string          `yaml:"redisPassword"`
	RedisDB       int             `yaml:"redisDB"`
	RedisKey      string          `yaml:"redisKey"`
	Slot          string          `yaml:"slot"`
}

// CredentialConfig holds the bearer credential, if any.
type CredentialConfig struct {
	Token string `yaml:"token"`
}

// APIServerConfig configures the local HTTP API.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity. An empty DSN keeps order
// snapshots in memory.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsPath    string        `yaml:"migrationsPath"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

// AppConfig is the unified ordersync configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Backend     BackendConfig    `yaml:"backend"`
	Channel     ChannelConfig    `yaml:"channel"`
	Tracking    TrackingConfig   `yaml:"tracking"`
	Identity    IdentityConfig   `yaml:"identity"`
	Credential  CredentialConfig `yaml:"credential"`
	Database    DatabaseConfig   `yaml:"database"`
	Eventbus    EventbusConfig   `yaml:"eventbus"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Backend: BackendConfig{
			Mode:    BackendHTTP,
			BaseURL: "http://localhost:8000/api",
		},
		Channel: ChannelConfig{
			BaseURL: "ws://localhost:8000",
			Roles:   []string{"customer", "vendor", "courier"},
		},
		Identity:  IdentityConfig{Backend: IdentityMemory},
		APIServer: APIServerConfig{Addr: "127.0.0.1:8890"},
		Telemetry: TelemetryConfig{ServiceName: "ordersync", OTLPInsecure: true, EnableMetrics: true},
	}
	cfg.normalise()
	return cfg
}

// Load reads, normalises, applies environment overrides to and validates an
// AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does
// not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg = Default()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeToken(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Backend.Mode = BackendMode(normalizeToken(string(c.Backend.Mode)))
	if c.Backend.Mode == "" {
		c.Backend.Mode = BackendHTTP
	}
	c.Backend.BaseURL = strings.TrimSpace(c.Backend.BaseURL)
	c.Backend.CatalogPath = strings.TrimSpace(c.Backend.CatalogPath)
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Backend.RateLimit > 0 && c.Backend.Burst <= 0 {
		c.Backend.Burst = 1
	}

	c.Channel.BaseURL = strings.TrimSpace(c.Channel.BaseURL)
	c.Channel.Roles = normalizeRoles(c.Channel.Roles)
	if c.Channel.ReconnectDelay <= 0 {
		c.Channel.ReconnectDelay = 3 * time.Second
	}
	if c.Channel.MaxReconnectAttempts <= 0 {
		c.Channel.MaxReconnectAttempts = 5
	}
	if c.Channel.ReadLimitBytes <= 0 {
		c.Channel.ReadLimitBytes = 1 << 20
	}
	if c.Channel.DeadLetterCapacity <= 0 {
		c.Channel.DeadLetterCapacity = 64
	}

	c.Tracking.Role = normalizeToken(c.Tracking.Role)
	if c.Tracking.Role == "" {
		c.Tracking.Role = "customer"
	}
	orders := make([]string, 0, len(c.Tracking.Orders))
	for _, id := range c.Tracking.Orders {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			orders = append(orders, trimmed)
		}
	}
	c.Tracking.Orders = orders
	c.Tracking.VerificationRoles = normalizeRoles(c.Tracking.VerificationRoles)

	c.Identity.Backend = IdentityBackend(normalizeToken(string(c.Identity.Backend)))
	if c.Identity.Backend == "" {
		c.Identity.Backend = IdentityMemory
	}
	c.Identity.Path = strings.TrimSpace(c.Identity.Path)
	c.Identity.RedisAddr = strings.TrimSpace(c.Identity.RedisAddr)
	c.Identity.RedisKey = strings.TrimSpace(c.Identity.RedisKey)
	c.Identity.Slot = strings.TrimSpace(c.Identity.Slot)

	c.Credential.Token = strings.TrimSpace(c.Credential.Token)

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 16
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ordersync"
	}

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Backend.Mode {
	case BackendHTTP:
		if c.Backend.BaseURL == "" {
			return fmt.Errorf("backend baseURL required in http mode")
		}
	case BackendLocal:
	default:
		return fmt.Errorf("backend mode must be one of http, local")
	}
	if c.Backend.RateLimit < 0 {
		return fmt.Errorf("backend rateLimit must be >= 0")
	}

	if c.Channel.BaseURL == "" {
		return fmt.Errorf("channel baseURL required")
	}
	if len(c.Tracking.Orders) > 0 && len(c.Channel.Roles) > 0 && !contains(c.Channel.Roles, c.Tracking.Role) {
		return fmt.Errorf("tracking role %q not in channel roles", c.Tracking.Role)
	}
	for _, role := range c.Tracking.VerificationRoles {
		if len(c.Channel.Roles) > 0 && !contains(c.Channel.Roles, role) {
			return fmt.Errorf("verification role %q not in channel roles", role)
		}
	}

	switch c.Identity.Backend {
	case IdentityMemory:
	case IdentityFile:
		if c.Identity.Path == "" {
			return fmt.Errorf("identity path required for file backend")
		}
	case IdentityRedis:
		if c.Identity.RedisAddr == "" {
			return fmt.Errorf("identity redisAddr required for redis backend")
		}
	case IdentityPostgres:
		if !c.Database.Enabled() {
			return fmt.Errorf("identity postgres backend requires database dsn")
		}
	default:
		return fmt.Errorf("identity backend must be one of memory, file, redis, postgres")
	}

	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}
	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database: minConns must be <= maxConns")
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
