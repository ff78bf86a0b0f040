// Package s3 is a lease backend for S3-compatible object stores reached
// through minio-go. S3 has no native lease, so each record "<key>" gets a
// sidecar "<key>.lease" created and taken over with conditional PUTs.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/internal/clock"
	"pkt.systems/guildstore/internal/storage"
	"pkt.systems/guildstore/internal/uuidv7"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	// Owner is written into lease documents for diagnostics; defaults to
	// the hostname.
	Owner  string
	Clock  clock.Clock
	Logger pslog.Logger
}

// Store implements storage.LeaseBackend on an S3 bucket.
type Store struct {
	client *minio.Client
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger
}

var _ storage.LeaseBackend = (*Store)(nil)

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Owner == "" {
		cfg.Owner, _ = os.Hostname()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{client: client, cfg: cfg, clock: clock.Or(cfg.Clock), logger: logger}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return clone
}

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client { return s.client }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

func (s *Store) object(key string) string {
	return storage.KeyWithPrefix(s.cfg.Prefix, key)
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	if l := pslog.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// AcquireLease creates the lease sidecar, or takes it over once expired.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) (storage.Lease, error) {
	logger := s.loggers(ctx)
	start := time.Now()
	object := s.object(key)
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			logger.Trace("s3.acquire.not_found", "object", object, "elapsed", time.Since(start))
			return storage.Lease{}, storage.ErrNotFound
		}
		return storage.Lease{}, fmt.Errorf("s3: stat record: %w", err)
	}

	current, etag, err := s.loadLease(ctx, object)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Lease{}, err
	}
	now := s.clock.Now()
	if err == nil && current.Active(now) {
		logger.Trace("s3.acquire.held", "object", object, "owner", current.Owner, "expires_at", current.ExpiresAt())
		return storage.Lease{}, storage.ErrLeaseHeld
	}

	doc := storage.NewLeaseDocument(uuidv7.NewString(), s.cfg.Owner, now.Add(ttl))
	opts := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	if etag == "" {
		opts.SetMatchETagExcept("*")
	} else {
		opts.SetMatchETag(etag)
	}
	payload := doc.Encode()
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, storage.LeaseKey(object), bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Trace("s3.acquire.race_lost", "object", object)
			return storage.Lease{}, storage.ErrLeaseHeld
		}
		return storage.Lease{}, fmt.Errorf("s3: put lease: %w", err)
	}
	logger.Trace("s3.acquire.success", "object", object, "lease_id", doc.ID, "elapsed", time.Since(start))
	return storage.Lease{ID: doc.ID, ExpiresAt: doc.ExpiresAt()}, nil
}

// ReadLeased downloads the record and its etag after confirming ownership.
func (s *Store) ReadLeased(ctx context.Context, key string, lease storage.Lease) (storage.Object, error) {
	object := s.object(key)
	if err := s.checkOwner(ctx, object, lease); err != nil {
		return storage.Object{}, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.Object{}, storage.ErrNotFound
		}
		return storage.Object{}, fmt.Errorf("s3: get record: %w", err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.Object{}, storage.ErrNotFound
		}
		return storage.Object{}, fmt.Errorf("s3: stat record: %w", err)
	}
	payload, err := io.ReadAll(obj)
	if err != nil {
		return storage.Object{}, fmt.Errorf("s3: read record: %w", err)
	}
	return storage.Object{Payload: payload, Version: storage.StripETag(info.ETag)}, nil
}

// WriteLeased overwrites the record if the lease is still ours and the
// record still carries version.
func (s *Store) WriteLeased(ctx context.Context, key string, lease storage.Lease, payload []byte, version string) error {
	logger := s.loggers(ctx)
	object := s.object(key)
	if err := s.checkOwner(ctx, object, lease); err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	if version != "" {
		opts.SetMatchETag(version)
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		if isPreconditionFailed(err) || isNotFound(err) {
			logger.Debug("s3.write.conflict", "object", object, "expected_etag", version)
			return storage.ErrLeaseLost
		}
		return fmt.Errorf("s3: put record: %w", err)
	}
	logger.Trace("s3.write.success", "object", object, "new_etag", storage.StripETag(info.ETag))
	return nil
}

// ReleaseLease marks the sidecar expired when it still names lease.
func (s *Store) ReleaseLease(ctx context.Context, key string, lease storage.Lease) error {
	object := s.object(key)
	current, etag, err := s.loadLease(ctx, object)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.ID != lease.ID {
		return nil
	}
	payload := current.Released().Encode()
	opts := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	opts.SetMatchETag(etag)
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, storage.LeaseKey(object), bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		if isPreconditionFailed(err) {
			// someone took over between our read and write
			return nil
		}
		return fmt.Errorf("s3: release lease: %w", err)
	}
	return nil
}

func (s *Store) checkOwner(ctx context.Context, object string, lease storage.Lease) error {
	current, _, err := s.loadLease(ctx, object)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ErrLeaseLost
	}
	if err != nil {
		return err
	}
	if current.ID != lease.ID || !current.Active(s.clock.Now()) {
		return storage.ErrLeaseLost
	}
	return nil
}

func (s *Store) loadLease(ctx context.Context, object string) (storage.LeaseDocument, string, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, storage.LeaseKey(object), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.LeaseDocument{}, "", storage.ErrNotFound
		}
		return storage.LeaseDocument{}, "", fmt.Errorf("s3: get lease: %w", err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.LeaseDocument{}, "", storage.ErrNotFound
		}
		return storage.LeaseDocument{}, "", fmt.Errorf("s3: stat lease: %w", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return storage.LeaseDocument{}, "", fmt.Errorf("s3: read lease: %w", err)
	}
	doc, err := storage.DecodeLeaseDocument(data)
	if err != nil {
		return storage.LeaseDocument{}, "", err
	}
	return doc, storage.StripETag(info.ETag), nil
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}
