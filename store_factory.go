package guildstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/clock"
	"pkt.systems/guildstore/internal/storage"
	awsstore "pkt.systems/guildstore/internal/storage/aws"
	azurestore "pkt.systems/guildstore/internal/storage/azure"
	"pkt.systems/guildstore/internal/storage/disk"
	"pkt.systems/guildstore/internal/storage/lease"
	loggingstore "pkt.systems/guildstore/internal/storage/logging"
	"pkt.systems/guildstore/internal/storage/memory"
	"pkt.systems/guildstore/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// StoreKind returns the backend name for a store URL ("disk", "azure", ...).
func StoreKind(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		return "mem", nil
	case "disk", "azure", "s3", "aws":
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// OpenStore builds the single checkout.Store described by cfg.Store. The
// caller owns the returned store and must Close it.
func OpenStore(cfg Config, opts ...Option) (checkout.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	kind, err := StoreKind(cfg.Store)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("store", kind)
	var store checkout.Store
	if kind == "disk" {
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		store, err = disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
	} else {
		backend, err := openLeaseBackend(kind, cfg, o.clock, logger)
		if err != nil {
			return nil, err
		}
		store, err = lease.New(lease.Config{
			Backend:        backend,
			TTL:            cfg.LeaseTTL,
			MaxRecordBytes: cfg.MaxRecordBytes,
			Clock:          o.clock,
			Logger:         logger,
		})
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
	}
	logger.Info("store.opened", "url", redactStoreURL(cfg.Store))
	if cfg.DisableStorageTracing {
		return store, nil
	}
	return loggingstore.Wrap(store, o.logger, kind), nil
}

func openLeaseBackend(kind string, cfg Config, clk clock.Clock, logger pslog.Logger) (storage.LeaseBackend, error) {
	switch kind {
	case "mem":
		return memory.NewWithConfig(memory.Config{Clock: clk}), nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		azureCfg.Clock = clk
		azureCfg.Logger = logger
		return azurestore.New(azureCfg)
	case "s3":
		s3cfg, summary, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		logger.Debug("store.s3.credentials", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		s3cfg.Clock = clk
		s3cfg.Logger = logger
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(context.Background(), backend); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awscfg.Clock = clk
		awscfg.Logger = logger
		return awsstore.New(awscfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", kind)
	}
}

// BuildDiskConfig parses disk: URLs. Both disk:relative/path and
// disk:///absolute/path are accepted.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Opaque)
	if pathPart == "" {
		pathPart = strings.TrimSpace(u.Path)
		if host := strings.TrimSpace(u.Host); host != "" {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/guildstore or disk:file-data/guilds)")
	}
	return disk.Config{
		Root:           filepath.Clean(pathPart),
		MaxRecordBytes: cfg.MaxRecordBytes,
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix]. Credentials
// come from cfg first, then the usual Azure environment variables.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	out := azurestore.Config{
		Account:          strings.TrimSpace(u.Host),
		Container:        parts[0],
		Endpoint:         strings.TrimSpace(cfg.AzureEndpoint),
		AccountKey:       strings.TrimSpace(cfg.AzureAccountKey),
		SASToken:         strings.TrimSpace(cfg.AzureSASToken),
		ConnectionString: strings.TrimSpace(cfg.AzureConnectionString),
	}
	if len(parts) == 2 {
		out.Prefix = parts[1]
	}
	query := u.Query()
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		out.Endpoint = v
	}
	if out.Account == "" {
		out.Account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if out.ConnectionString == "" {
		out.ConnectionString = firstEnv("GUILDSTORE_AZURE_CONNECTION_STRING", "AZURE_STORAGE_CONNECTION_STRING")
	}
	if out.AccountKey == "" {
		out.AccountKey = firstEnv("GUILDSTORE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	if out.SASToken == "" {
		out.SASToken = firstEnv("GUILDSTORE_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	if out.Account == "" && out.ConnectionString == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name or connection string required (azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	return out, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] for MinIO
// and other S3-compatible services.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	insecure := queryBool(query, "insecure", false)
	if strings.EqualFold(query.Get("scheme"), "http") {
		insecure = true
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(query, "path-style", true),
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix]?region=...
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set ?region=, --aws-region or AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint: strings.TrimSpace(query.Get("endpoint")),
		Region:   region,
		Bucket:   bucket,
		Prefix:   strings.Trim(u.Path, "/"),
		Insecure: queryBool(query, "insecure", false),
	}, nil
}

func splitBucket(path string) (bucket, prefix string) {
	path = strings.Trim(path, "/")
	parts := strings.SplitN(path, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func queryBool(query url.Values, key string, fallback bool) bool {
	v := query.Get(key)
	if v == "" {
		return fallback
	}
	ok, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return ok
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("GUILDSTORE_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("GUILDSTORE_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("GUILDSTORE_S3_SESSION_TOKEN")
		source = "env:GUILDSTORE_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Fall through to the backend's env/file/IAM chain.
		summary.Source = "chain"
		return nil, summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func ensureBucketReady(ctx context.Context, store *s3.Store) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	bucket := store.Config().Bucket
	exists, err := store.Client().BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

func redactStoreURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	query := u.Query()
	if query.Has("sas") {
		query.Set("sas", "REDACTED")
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
