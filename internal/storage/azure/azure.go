// Package azure is a lease backend for Azure Blob Storage. Unlike the S3
// backends it uses the native blob lease, so no sidecar object is written.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/internal/clock"
	"pkt.systems/guildstore/internal/storage"
	"pkt.systems/guildstore/internal/uuidv7"
)

// Azure only grants finite leases between these bounds.
const (
	MinLeaseTTL = 15 * time.Second
	MaxLeaseTTL = 60 * time.Second
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	// ConnectionString takes precedence over the account fields when set.
	ConnectionString string
	Container        string
	Prefix           string
	Clock            clock.Clock
	Logger           pslog.Logger
}

// Store implements storage.LeaseBackend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	container *container.Client
	cfg       Config
	clock     clock.Clock
	logger    pslog.Logger
}

var _ storage.LeaseBackend = (*Store)(nil)

// New constructs a Store using the provided configuration and ensures the
// container exists.
func New(cfg Config) (*Store, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{
		client:    client,
		container: client.ServiceClient().NewContainerClient(cfg.Container),
		cfg:       cfg,
		clock:     clock.Or(cfg.Clock),
		logger:    logger,
	}, nil
}

func validate(cfg *Config) error {
	if cfg.Container == "" {
		return fmt.Errorf("azure: container is required")
	}
	if cfg.ConnectionString == "" {
		if cfg.Account == "" {
			return fmt.Errorf("azure: account is required")
		}
		if cfg.AccountKey == "" && cfg.SASToken == "" {
			return fmt.Errorf("azure: account key or SAS token required")
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
		}
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return nil
}

func newClient(cfg Config) (*azblob.Client, error) {
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, opts)
	case cfg.SASToken != "":
		endpoint, serr := appendSASToken(cfg.Endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpoint, opts)
	default:
		cred, cerr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if cerr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(cfg.Endpoint, cred, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// ValidateLeaseTTL reports whether ttl can be used as an Azure lease
// duration.
func ValidateLeaseTTL(ttl time.Duration) error {
	if ttl < MinLeaseTTL || ttl > MaxLeaseTTL {
		return fmt.Errorf("azure: lease ttl %s outside [%s, %s]", ttl, MinLeaseTTL, MaxLeaseTTL)
	}
	return nil
}

// Client exposes the underlying Azure Blob client for diagnostics.
func (s *Store) Client() *azblob.Client { return s.client }

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

func (s *Store) blobName(key string) string {
	return storage.KeyWithPrefix(s.cfg.Prefix, key)
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	if l := pslog.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// AcquireLease takes a native blob lease with a locally proposed ID.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) (storage.Lease, error) {
	if err := ValidateLeaseTTL(ttl); err != nil {
		return storage.Lease{}, err
	}
	logger := s.loggers(ctx)
	name := s.blobName(key)
	id := uuidv7.NewString()
	lc, err := lease.NewBlobClient(s.container.NewBlobClient(name), &lease.BlobClientOptions{LeaseID: to.Ptr(id)})
	if err != nil {
		return storage.Lease{}, fmt.Errorf("azure: lease client: %w", err)
	}
	now := s.clock.Now()
	if _, err := lc.AcquireLease(ctx, int32(ttl/time.Second), nil); err != nil {
		switch {
		case isNotFound(err):
			logger.Trace("azure.acquire.not_found", "blob", name)
			return storage.Lease{}, storage.ErrNotFound
		case isLeaseHeld(err):
			logger.Trace("azure.acquire.held", "blob", name)
			return storage.Lease{}, storage.ErrLeaseHeld
		}
		return storage.Lease{}, fmt.Errorf("azure: acquire lease: %w", err)
	}
	logger.Trace("azure.acquire.success", "blob", name, "lease_id", id)
	return storage.Lease{ID: id, ExpiresAt: now.Add(ttl)}, nil
}

// ReadLeased downloads the blob under the lease and returns its etag.
func (s *Store) ReadLeased(ctx context.Context, key string, l storage.Lease) (storage.Object, error) {
	name := s.blobName(key)
	resp, err := s.container.NewBlobClient(name).DownloadStream(ctx, &blob.DownloadStreamOptions{
		AccessConditions: leaseConditions(l, ""),
	})
	if err != nil {
		switch {
		case isNotFound(err):
			return storage.Object{}, storage.ErrNotFound
		case isLeaseLost(err):
			return storage.Object{}, storage.ErrLeaseLost
		}
		return storage.Object{}, fmt.Errorf("azure: download: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.Object{}, fmt.Errorf("azure: read blob: %w", err)
	}
	var version string
	if resp.ETag != nil {
		version = storage.StripETag(string(*resp.ETag))
	}
	return storage.Object{Payload: payload, Version: version}, nil
}

// WriteLeased uploads payload under the lease, conditional on version.
func (s *Store) WriteLeased(ctx context.Context, key string, l storage.Lease, payload []byte, version string) error {
	name := s.blobName(key)
	_, err := s.container.NewBlockBlobClient(name).UploadBuffer(ctx, payload, &blockblob.UploadBufferOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr(storage.ContentTypeJSON)},
		AccessConditions: leaseConditions(l, version),
	})
	if err != nil {
		if isLeaseLost(err) || isPreconditionFailed(err) || isNotFound(err) {
			s.loggers(ctx).Debug("azure.write.conflict", "blob", name, "expected_etag", version, "error", err)
			return storage.ErrLeaseLost
		}
		return fmt.Errorf("azure: upload: %w", err)
	}
	return nil
}

// ReleaseLease frees the blob lease. A lease that already expired or was
// taken over is not an error.
func (s *Store) ReleaseLease(ctx context.Context, key string, l storage.Lease) error {
	name := s.blobName(key)
	lc, err := lease.NewBlobClient(s.container.NewBlobClient(name), &lease.BlobClientOptions{LeaseID: to.Ptr(l.ID)})
	if err != nil {
		return fmt.Errorf("azure: lease client: %w", err)
	}
	if _, err := lc.ReleaseLease(ctx, nil); err != nil {
		if isNotFound(err) || isLeaseLost(err) {
			return nil
		}
		return fmt.Errorf("azure: release lease: %w", err)
	}
	return nil
}

func leaseConditions(l storage.Lease, version string) *blob.AccessConditions {
	cond := &blob.AccessConditions{
		LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: to.Ptr(l.ID)},
	}
	if version != "" {
		etag := azcore.ETag(`"` + version + `"`)
		cond.ModifiedAccessConditions = &blob.ModifiedAccessConditions{IfMatch: &etag}
	}
	return cond
}

func isContainerExists(err error) bool {
	return bloberror.HasCode(err, bloberror.ContainerAlreadyExists)
}

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func isLeaseHeld(err error) bool {
	return bloberror.HasCode(err, bloberror.LeaseAlreadyPresent)
}

func isLeaseLost(err error) bool {
	return bloberror.HasCode(err,
		bloberror.LeaseIDMismatchWithBlobOperation,
		bloberror.LeaseIDMismatchWithLeaseOperation,
		bloberror.LeaseNotPresentWithBlobOperation,
		bloberror.LeaseNotPresentWithLeaseOperation,
		bloberror.LeaseLost,
	)
}

func isPreconditionFailed(err error) bool {
	if bloberror.HasCode(err, bloberror.ConditionNotMet) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusPreconditionFailed
}
