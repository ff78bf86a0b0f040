package guildstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/guildstore/internal/storage/azure"
	"pkt.systems/guildstore/internal/storage/disk"
	"pkt.systems/guildstore/internal/storage/lease"
)

const (
	// DefaultStore keeps guild records next to the working directory, the
	// way the bot always did.
	DefaultStore = "disk:file-data/guilds"
	// DefaultListen is the HTTP facade bind address.
	DefaultListen = ":8780"
	// DefaultMetricsListen disables the Prometheus endpoint unless set.
	DefaultMetricsListen = ""
	// DefaultPprofListen disables pprof unless set.
	DefaultPprofListen = ""
	// DefaultLeaseTTL is the lease requested by remote backends per checkout.
	DefaultLeaseTTL = lease.DefaultTTL
	// DefaultCacheTTL bounds how stale a cached projection may get.
	DefaultCacheTTL = 60 * time.Minute
	// DefaultCacheCapacity caps cached guilds; zero is unbounded.
	DefaultCacheCapacity = 10000
	// DefaultMaxRecordBytes rejects absurdly large records as malformed.
	DefaultMaxRecordBytes = disk.DefaultMaxRecordBytes
	// DefaultMaxWait bounds how long a mutating request waits for a locked
	// record before reporting it busy.
	DefaultMaxWait = 5 * time.Second
	// NoWait as Config.MaxWait makes mutations a single Checkout that
	// reports Locked immediately.
	NoWait time.Duration = -1
	// DefaultShutdownTimeout caps graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures everything needed to open a store and serve it.
type Config struct {
	// Store is the backend URL (disk:..., azure://..., s3://..., aws://..., mem://).
	Store string
	// Listen is the HTTP facade bind address.
	Listen string
	// MetricsListen serves Prometheus /metrics; empty disables metrics.
	MetricsListen string
	// PprofListen serves /debug/pprof; empty disables it.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export to the given collector.
	OTLPEndpoint string
	// DisableStorageTracing skips the instrumented store decorator.
	DisableStorageTracing bool

	// LeaseTTL is requested from lease backends per checkout.
	LeaseTTL time.Duration
	// CacheTTL is how long a read-through projection is served without a checkout.
	CacheTTL time.Duration
	// CacheCapacity caps cached guilds; zero keeps DefaultCacheCapacity.
	CacheCapacity uint64
	// MaxRecordBytes caps payload size; larger records are reported as corrupt.
	MaxRecordBytes int64
	// MaxWait bounds WaitForCheckout for mutations. Zero selects
	// DefaultMaxWait; NoWait disables waiting.
	MaxWait time.Duration
	// ShutdownTimeout caps graceful HTTP shutdown.
	ShutdownTimeout time.Duration

	// AzureAccountKey authenticates azure:// stores with a shared key.
	AzureAccountKey string
	// AzureSASToken authenticates azure:// stores with a SAS token.
	AzureSASToken string
	// AzureConnectionString takes precedence over account key and SAS.
	AzureConnectionString string
	// AzureEndpoint overrides https://<account>.blob.core.windows.net.
	AzureEndpoint string

	// AWSRegion is used by aws:// stores when the URL omits ?region=.
	AWSRegion string
	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	cfg := Config{Store: DefaultStore}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.LeaseTTL < 0 {
		return fmt.Errorf("config: lease ttl must be >= 0")
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if strings.HasPrefix(c.Store, "azure:") {
		if err := azure.ValidateLeaseTTL(c.LeaseTTL); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("config: cache ttl must be >= 0")
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.CacheCapacity == 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.MaxRecordBytes < 0 {
		return fmt.Errorf("config: max record bytes must be >= 0")
	}
	if c.MaxRecordBytes == 0 {
		c.MaxRecordBytes = DefaultMaxRecordBytes
	}
	if c.MaxWait < 0 && c.MaxWait != NoWait {
		return fmt.Errorf("config: max wait must be >= 0 or NoWait")
	}
	if c.MaxWait == 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// CheckoutWait is the maxWait handed to WaitForCheckout: MaxWait, or zero
// for NoWait.
func (c Config) CheckoutWait() time.Duration {
	if c.MaxWait == NoWait {
		return 0
	}
	return c.MaxWait
}

// DefaultConfigDir returns the default configuration directory ($HOME/.guildstore).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("GUILDSTORE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".guildstore"), nil
}
