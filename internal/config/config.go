// Package config handles configuration loading for the AS4 engine.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows secrets such as
// the keystore password or the MongoDB URI to be injected at runtime.
//
// # Configuration Sections
//
//   - profile, dataPath, incomingDuplicateDisposalMinutes: engine settings
//   - server: HTTP listener (address, path, TLS)
//   - crypto: keystore and truststore locations
//   - storage: persistence backend (memory, wal or mongodb)
//   - discovery: BDXL and SMP lookup of receiving access points
//   - worker: dispatch pool sizing and maintenance intervals
//   - log: slog level and format
//   - observability: prometheus endpoint and admin API
//
// # Example Configuration
//
//	profile: eu-as4v2
//	dataPath: /var/lib/as4
//	incomingDuplicateDisposalMinutes: 10
//
//	server:
//	  address: ":8443"
//	  path: /as4
//	  tls:
//	    enabled: true
//	    certFile: /etc/ssl/server.crt
//	    keyFile: /etc/ssl/server.key
//
//	crypto:
//	  keystore:
//	    path: /etc/as4/keys
//	    alias: gw1
//	    password: ${KEYSTORE_PASSWORD}
//
//	storage:
//	  backend: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: as4
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendMemory  = "memory"
	BackendWAL     = "wal"
	BackendMongoDB = "mongodb"
)

// Config is the root configuration structure
type Config struct {
	// Profile selects the AS4 profile used for default PModes.
	Profile string `yaml:"profile"`
	// IncomingDuplicateDisposalMinutes is how long received message IDs
	// are remembered for duplicate detection.
	IncomingDuplicateDisposalMinutes int    `yaml:"incomingDuplicateDisposalMinutes"`
	DataPath                         string `yaml:"dataPath"`
	// DumpPath, when set, receives a copy of every inbound request.
	DumpPath   string `yaml:"dumpPath"`
	Debug      bool   `yaml:"debug"`
	Production bool   `yaml:"production"`

	// PModes lists XML files loaded into the PMode store at startup.
	PModes []string `yaml:"pmodes"`
	// Endpoints maps receiving party IDs to addresses for PModes that
	// carry none.
	Endpoints map[string]string `yaml:"endpoints"`

	Server    ServerConfig    `yaml:"server"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Storage   StorageConfig   `yaml:"storage"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Worker    WorkerConfig    `yaml:"worker"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address     string        `yaml:"address"`
	Path        string        `yaml:"path"`
	MaxBodySize int64         `yaml:"maxBodySize"`
	Timeout     time.Duration `yaml:"timeout"`
	// RateLimit bounds requests per peer on the AS4 path. Zero rps
	// disables it.
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rateLimit"`
	TLS struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
		// ClientCAFile enables mutual TLS.
		ClientCAFile string `yaml:"clientCAFile"`
	} `yaml:"tls"`
}

// CryptoConfig holds key material locations
type CryptoConfig struct {
	Keystore   KeystoreConfig   `yaml:"keystore"`
	Truststore TruststoreConfig `yaml:"truststore"`
}

// KeystoreConfig points at a PEM keystore directory
type KeystoreConfig struct {
	Path string `yaml:"path"`
	// Alias names the local signing and decryption key.
	Alias string `yaml:"alias"`
	// Password decrypts encrypted PEM private keys.
	Password string `yaml:"password"`
}

// TruststoreConfig points at a PEM bundle of trusted roots
type TruststoreConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig holds persistence settings
type StorageConfig struct {
	Backend string        `yaml:"backend"`
	WAL     WALConfig     `yaml:"wal"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// WALConfig holds write-ahead log settings
type WALConfig struct {
	// CompactAfter is the number of records after which a table is
	// snapshotted and its log truncated.
	CompactAfter int `yaml:"compactAfter"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DiscoveryConfig enables dynamic endpoint discovery for parties missing
// from the static endpoint map.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Domain is the BDXL service provider domain.
	Domain string `yaml:"domain"`
	// Environment is production, acceptance or test.
	Environment string `yaml:"environment"`
	// DNSServer is host:port. Empty uses the system resolver.
	DNSServer  string        `yaml:"dnsServer"`
	Transports []string      `yaml:"transports"`
	CacheTTL   time.Duration `yaml:"cacheTTL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// WorkerConfig sizes the dispatch pool
type WorkerConfig struct {
	// Size is the number of workers. Zero means 2 x NumCPU.
	Size             int           `yaml:"size"`
	QueueSize        int           `yaml:"queueSize"`
	EvictionInterval time.Duration `yaml:"evictionInterval"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	// AdminKey protects the admin API served next to the metrics. Empty
	// leaves it open, which production refuses.
	AdminKey string `yaml:"adminKey"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	// Relative PMode files are relative to the config file.
	base := filepath.Dir(path)
	for i, p := range cfg.PModes {
		if !filepath.IsAbs(p) {
			cfg.PModes[i] = filepath.Join(base, p)
		}
	}
	return cfg, nil
}

// Parse reads configuration from YAML data
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DuplicateWindow is the retention of the duplicate detection store.
func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.IncomingDuplicateDisposalMinutes) * time.Minute
}

func (c *Config) applyDefaults() {
	if c.Profile == "" {
		c.Profile = "eu-as4v2"
	}
	if c.IncomingDuplicateDisposalMinutes == 0 {
		c.IncomingDuplicateDisposalMinutes = 10
	}
	if c.DataPath == "" {
		c.DataPath = "./data"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/as4"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 30 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.WAL.CompactAfter == 0 {
		c.Storage.WAL.CompactAfter = 1000
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "as4"
	}
	if c.Storage.MongoDB.Timeout == 0 {
		c.Storage.MongoDB.Timeout = 10 * time.Second
	}
	if c.Discovery.Environment == "" {
		c.Discovery.Environment = "production"
	}
	if c.Discovery.CacheTTL == 0 {
		c.Discovery.CacheTTL = time.Hour
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 10 * time.Second
	}
	if c.Worker.EvictionInterval == 0 {
		c.Worker.EvictionInterval = time.Minute
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
		if c.Debug {
			c.Log.Level = "debug"
		}
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
		if c.Production {
			c.Log.Format = "json"
		}
	}
	if c.Metrics.Metrics.Path == "" {
		c.Metrics.Metrics.Path = "/metrics"
	}
	if c.Metrics.Metrics.Address == "" {
		c.Metrics.Metrics.Address = ":9090"
	}
}

func (c *Config) validate() error {
	if c.IncomingDuplicateDisposalMinutes < 0 {
		return fmt.Errorf("incomingDuplicateDisposalMinutes must not be negative")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/', got '%s'", c.Server.Path)
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rateLimit.rps and server.rateLimit.burst must not be negative")
	}
	if c.Production && !c.Server.TLS.Enabled {
		return fmt.Errorf("server.tls must be enabled in production")
	}
	if c.Production && c.Metrics.Metrics.Enabled && c.Metrics.AdminKey == "" {
		return fmt.Errorf("observability.adminKey is required in production")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendWAL:
		// Valid backends
	case BackendMongoDB:
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when backend is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.backend must be 'memory', 'wal', or 'mongodb', got '%s'", c.Storage.Backend)
	}
	if c.Storage.WAL.CompactAfter < 0 {
		return fmt.Errorf("storage.wal.compactAfter must not be negative")
	}

	if c.Discovery.Enabled && c.Discovery.Domain == "" {
		return fmt.Errorf("discovery.domain is required when discovery is enabled")
	}
	switch c.Discovery.Environment {
	case "production", "acceptance", "test":
	default:
		return fmt.Errorf("discovery.environment must be 'production', 'acceptance', or 'test', got '%s'", c.Discovery.Environment)
	}
	if c.Discovery.CacheTTL < 0 {
		return fmt.Errorf("discovery.cacheTTL must not be negative")
	}

	if c.Worker.Size < 0 || c.Worker.QueueSize < 0 {
		return fmt.Errorf("worker.size and worker.queueSize must not be negative")
	}
	if c.Worker.EvictionInterval < 0 || c.Worker.ShutdownTimeout < 0 {
		return fmt.Errorf("worker.evictionInterval and worker.shutdownTimeout must be positive")
	}

	if c.Crypto.Keystore.Path != "" && c.Crypto.Keystore.Alias == "" {
		return fmt.Errorf("crypto.keystore.alias is required when a keystore is configured")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be 'debug', 'info', 'warn', or 'error', got '%s'", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got '%s'", c.Log.Format)
	}

	return nil
}
