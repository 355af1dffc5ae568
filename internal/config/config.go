// Package config provides configuration management for the rebalancer.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/limiquantix/rebalancer/internal/domain"
)

// Config holds all configuration for the application.
type Config struct {
	Balancing    BalancingConfig    `mapstructure:"balancing"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	Service      ServiceConfig      `mapstructure:"service"`
	Inventory    InventoryConfig    `mapstructure:"inventory"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Server       ServerConfig       `mapstructure:"server"`
	GRPC         GRPCConfig         `mapstructure:"grpc"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

// =============================================================================
// BALANCING
// =============================================================================

// BalancingConfig holds the policy the balancing engine runs with.
type BalancingConfig struct {
	Enable      bool                `mapstructure:"enable"`
	Method      domain.ResourceKind `mapstructure:"method"`
	Mode        domain.Mode         `mapstructure:"mode"`
	Balanciness float64             `mapstructure:"balanciness"`

	// Per-resource capacity limits in percent. Zero disables the limit.
	CPUThreshold    float64 `mapstructure:"cpu_threshold"`
	MemoryThreshold float64 `mapstructure:"memory_threshold"`
	DiskThreshold   float64 `mapstructure:"disk_threshold"`

	BalanceLargerGuestsFirst bool     `mapstructure:"balance_larger_guests_first"`
	BalanceTypes             []string `mapstructure:"balance_types"`
	EnforceAffinity          bool     `mapstructure:"enforce_affinity"`
	EnforcePinning           bool     `mapstructure:"enforce_pinning"`

	Live               bool `mapstructure:"live"`
	WithLocalDisks     bool `mapstructure:"with_local_disks"`
	WithConntrackState bool `mapstructure:"with_conntrack_state"`

	Parallel         bool `mapstructure:"parallel"`
	ParallelJobs     int  `mapstructure:"parallel_jobs"`
	MaxJobValidation int  `mapstructure:"max_job_validation"`

	// MaxPasses bounds the rebalancing loop. Zero uses the guest count.
	MaxPasses int `mapstructure:"max_passes"`

	// NodeResourceReserve maps a node name (or "defaults") to resource amounts
	// held back from capacity: memory and disk in GB, cpu in cores.
	NodeResourceReserve map[string]map[string]float64 `mapstructure:"node_resource_reserve"`

	Pools map[string]PoolConfig `mapstructure:"pools"`
	PSI   PSIConfig             `mapstructure:"psi"`
}

// PoolConfig attaches grouping and pinning to a platform pool.
type PoolConfig struct {
	Type   string   `mapstructure:"type"`
	Pin    []string `mapstructure:"pin"`
	Strict *bool    `mapstructure:"strict"`
}

// IsStrict returns the pool strictness, true when unset.
func (p PoolConfig) IsStrict() bool {
	return p.Strict == nil || *p.Strict
}

// PSIConfig holds pressure thresholds per resource for nodes and guests.
type PSIConfig struct {
	Nodes  map[string]PressureThreshold `mapstructure:"nodes"`
	Guests map[string]PressureThreshold `mapstructure:"guests"`
}

// PressureThreshold marks an entity hot once any non-zero limit is reached.
type PressureThreshold struct {
	PressureFull   float64 `mapstructure:"pressure_full"`
	PressureSome   float64 `mapstructure:"pressure_some"`
	PressureSpikes float64 `mapstructure:"pressure_spikes"`
}

// Exceeded returns true if the metric reaches any configured limit.
func (t PressureThreshold) Exceeded(m domain.Metric) bool {
	if t.PressureFull > 0 && m.PressureFullPercent >= t.PressureFull {
		return true
	}
	if t.PressureSome > 0 && m.PressureSomePercent >= t.PressureSome {
		return true
	}
	if t.PressureSpikes > 0 && m.PressureFullSpikesPercent >= t.PressureSpikes {
		return true
	}
	return false
}

// Threshold returns the capacity limit for a resource kind, zero if unset.
func (c BalancingConfig) Threshold(kind domain.ResourceKind) float64 {
	switch kind {
	case domain.ResourceCPU:
		return c.CPUThreshold
	case domain.ResourceMemory:
		return c.MemoryThreshold
	case domain.ResourceDisk:
		return c.DiskThreshold
	default:
		return 0
	}
}

// Thresholds returns the configured limits keyed by resource kind.
func (c BalancingConfig) Thresholds() map[domain.ResourceKind]float64 {
	out := make(map[domain.ResourceKind]float64, len(domain.ResourceKinds))
	for _, kind := range domain.ResourceKinds {
		out[kind] = c.Threshold(kind)
	}
	return out
}

// JobValidationTimeout returns how long the executor waits for a migration.
func (c BalancingConfig) JobValidationTimeout() time.Duration {
	return time.Duration(c.MaxJobValidation) * time.Second
}

// Balances returns true if guests of type t may be moved.
func (c BalancingConfig) Balances(t domain.GuestType) bool {
	if len(c.BalanceTypes) == 0 {
		return true
	}
	for _, bt := range c.BalanceTypes {
		if domain.GuestType(bt) == t {
			return true
		}
	}
	return false
}

// ClusterConfig holds cluster-wide inventory policy.
type ClusterConfig struct {
	IgnoreNodes      []string `mapstructure:"ignore_nodes"`
	MaintenanceNodes []string `mapstructure:"maintenance_nodes"`
	Overprovisioning bool     `mapstructure:"overprovisioning"`
}

// =============================================================================
// SERVICE
// =============================================================================

// ServiceConfig holds daemon scheduling configuration.
type ServiceConfig struct {
	Daemon   bool           `mapstructure:"daemon"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Delay    DelayConfig    `mapstructure:"delay"`
}

// ScheduleConfig is the interval between two runs.
type ScheduleConfig struct {
	Format   string `mapstructure:"format"`
	Interval int    `mapstructure:"interval"`
}

// Duration converts the schedule into a time.Duration.
func (c ScheduleConfig) Duration() time.Duration {
	return unitDuration(c.Format, c.Interval)
}

// DelayConfig postpones the first run after startup.
type DelayConfig struct {
	Enable bool   `mapstructure:"enable"`
	Format string `mapstructure:"format"`
	Time   int    `mapstructure:"time"`
}

// Duration converts the delay into a time.Duration, zero when disabled.
func (c DelayConfig) Duration() time.Duration {
	if !c.Enable {
		return 0
	}
	return unitDuration(c.Format, c.Time)
}

func unitDuration(format string, n int) time.Duration {
	switch format {
	case "seconds":
		return time.Duration(n) * time.Second
	case "minutes":
		return time.Duration(n) * time.Minute
	default:
		return time.Duration(n) * time.Hour
	}
}

// InventoryConfig points at the cluster snapshot source.
type InventoryConfig struct {
	Path string `mapstructure:"path"`
}

// ExecutorConfig selects how planned migrations are carried out.
type ExecutorConfig struct {
	Driver string `mapstructure:"driver"`
	// LibvirtURI is a template where %s is replaced by a node name. It is
	// used both to reach the source node and as the migration destination.
	LibvirtURI string `mapstructure:"libvirt_uri"`
}

// NodeURI returns the libvirt URI of a node.
func (c ExecutorConfig) NodeURI(node string) string {
	if !strings.Contains(c.LibvirtURI, "%s") {
		return c.LibvirtURI
	}
	return fmt.Sprintf(c.LibvirtURI, node)
}

// StorageConfig selects the plan history backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// CoordinationConfig selects leader election for daemon mode.
type CoordinationConfig struct {
	Backend  string       `mapstructure:"backend"`
	Election string       `mapstructure:"election"`
	Consul   ConsulConfig `mapstructure:"consul"`
}

// ConsulConfig holds Consul lock configuration.
type ConsulConfig struct {
	Address string `mapstructure:"address"`
	Key     string `mapstructure:"key"`
}

// =============================================================================
// INFRASTRUCTURE
// =============================================================================

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCConfig holds the gRPC health endpoint configuration.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Address returns the gRPC listen address.
func (c GRPCConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL used by migrations.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PlanTTL  time.Duration `mapstructure:"plan_ttl"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret         string        `mapstructure:"jwt_secret"`
	TokenExpiry       time.Duration `mapstructure:"token_expiry"`
	AdminUser         string        `mapstructure:"admin_user"`
	AdminPasswordHash string        `mapstructure:"admin_password_hash"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("REBALANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults alone always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects contradictory or impossible settings.
func (c *Config) Validate() error {
	b := c.Balancing
	if _, err := domain.ParseResourceKind(string(b.Method)); err != nil {
		return fmt.Errorf("balancing.method: %w", err)
	}
	if _, err := domain.ParseMode(string(b.Mode)); err != nil {
		return fmt.Errorf("balancing.mode: %w", err)
	}
	if b.Balanciness < 0 {
		return fmt.Errorf("%w: balancing.balanciness must not be negative", domain.ErrInvalidArgument)
	}
	for _, kind := range domain.ResourceKinds {
		if t := b.Threshold(kind); t < 0 || t > 100 {
			return fmt.Errorf("%w: balancing.%s_threshold must be within 0..100", domain.ErrInvalidArgument, kind)
		}
	}
	for _, t := range b.BalanceTypes {
		if _, err := domain.ParseGuestType(t); err != nil {
			return fmt.Errorf("balancing.balance_types: %w", err)
		}
	}
	for node, reserve := range b.NodeResourceReserve {
		for res, amount := range reserve {
			if amount < 0 {
				return fmt.Errorf("%w: negative %s reserve for %s", domain.ErrInvalidArgument, res, node)
			}
		}
	}
	for name, pool := range b.Pools {
		if pool.Type == "" {
			continue
		}
		if _, err := domain.ParseAffinityType(pool.Type); err != nil {
			return fmt.Errorf("balancing.pools.%s: %w", name, err)
		}
	}
	if b.Parallel && b.ParallelJobs <= 0 {
		return fmt.Errorf("%w: balancing.parallel_jobs must be positive", domain.ErrInvalidArgument)
	}
	if b.MaxJobValidation < 0 || b.MaxPasses < 0 {
		return fmt.Errorf("%w: balancing limits must not be negative", domain.ErrInvalidArgument)
	}
	switch c.Executor.Driver {
	case "log", "libvirt":
	default:
		return fmt.Errorf("%w: unknown executor.driver %q", domain.ErrInvalidArgument, c.Executor.Driver)
	}
	switch c.Storage.Backend {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", domain.ErrInvalidArgument, c.Storage.Backend)
	}
	switch c.Coordination.Backend {
	case "none", "etcd", "consul":
	default:
		return fmt.Errorf("%w: unknown coordination.backend %q", domain.ErrInvalidArgument, c.Coordination.Backend)
	}
	if c.Service.Schedule.Duration() <= 0 {
		return fmt.Errorf("%w: service.schedule.interval must be positive", domain.ErrInvalidArgument)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Balancing
	v.SetDefault("balancing.enable", true)
	v.SetDefault("balancing.method", "memory")
	v.SetDefault("balancing.mode", "used")
	v.SetDefault("balancing.balanciness", 10)
	v.SetDefault("balancing.balance_larger_guests_first", false)
	v.SetDefault("balancing.balance_types", []string{"vm", "ct"})
	v.SetDefault("balancing.enforce_affinity", false)
	v.SetDefault("balancing.enforce_pinning", false)
	v.SetDefault("balancing.live", true)
	v.SetDefault("balancing.with_local_disks", true)
	v.SetDefault("balancing.with_conntrack_state", true)
	v.SetDefault("balancing.parallel", false)
	v.SetDefault("balancing.parallel_jobs", 5)
	v.SetDefault("balancing.max_job_validation", 1800)
	v.SetDefault("balancing.max_passes", 0)

	// Cluster
	v.SetDefault("cluster.ignore_nodes", []string{})
	v.SetDefault("cluster.maintenance_nodes", []string{})
	v.SetDefault("cluster.overprovisioning", true)

	// Service
	v.SetDefault("service.daemon", true)
	v.SetDefault("service.schedule.format", "hours")
	v.SetDefault("service.schedule.interval", 12)
	v.SetDefault("service.delay.enable", false)
	v.SetDefault("service.delay.format", "hours")
	v.SetDefault("service.delay.time", 1)

	// Inventory and execution
	v.SetDefault("inventory.path", "./configs/inventory.yaml")
	v.SetDefault("executor.driver", "log")
	v.SetDefault("executor.libvirt_uri", "qemu+ssh://root@%s/system")

	// Storage
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.sqlite_path", "./rebalancer.db")
	v.SetDefault("storage.history_limit", 100)

	// Coordination
	v.SetDefault("coordination.backend", "none")
	v.SetDefault("coordination.election", "rebalancer-leader")
	v.SetDefault("coordination.consul.address", "127.0.0.1:8500")
	v.SetDefault("coordination.consul.key", "rebalancer/leader")

	// Server
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// gRPC
	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9090)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "rebalancer")
	v.SetDefault("database.user", "rebalancer")
	v.SetDefault("database.password", "rebalancer")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.plan_ttl", "24h")

	// Auth
	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.token_expiry", "1h")
	v.SetDefault("auth.admin_user", "admin")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
