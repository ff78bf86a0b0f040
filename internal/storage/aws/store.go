// Package aws is the AWS SDK flavour of the S3 lease backend. It follows the
// same sidecar protocol as internal/storage/s3, using the native IfMatch and
// IfNoneMatch fields of PutObject.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/internal/clock"
	"pkt.systems/guildstore/internal/storage"
	"pkt.systems/guildstore/internal/uuidv7"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
	Insecure bool
	Owner    string
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Store implements storage.LeaseBackend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger
}

var _ storage.LeaseBackend = (*Store)(nil)

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
			// S3-compatible servers often reject aws-chunked checksum trailers.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{client: client, cfg: cfg, clock: clock.Or(cfg.Clock), logger: logger}, nil
}

func validate(cfg *Config) error {
	if cfg.Bucket == "" {
		return fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Owner == "" {
		cfg.Owner, _ = os.Hostname()
	}
	return nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client { return s.client }

// Close is a no-op for the AWS client.
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
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			logger.Trace("aws.acquire.not_found", "object", object, "elapsed", time.Since(start))
			return storage.Lease{}, storage.ErrNotFound
		}
		return storage.Lease{}, fmt.Errorf("aws: head record: %w", err)
	}
	current, etag, err := s.loadLease(ctx, object)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Lease{}, err
	}
	now := s.clock.Now()
	if err == nil && current.Active(now) {
		logger.Trace("aws.acquire.held", "object", object, "owner", current.Owner, "expires_at", current.ExpiresAt())
		return storage.Lease{}, storage.ErrLeaseHeld
	}
	doc := storage.NewLeaseDocument(uuidv7.NewString(), s.cfg.Owner, now.Add(ttl))
	input := s.putInput(storage.LeaseKey(object), doc.Encode())
	if etag == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(etag)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			logger.Trace("aws.acquire.race_lost", "object", object)
			return storage.Lease{}, storage.ErrLeaseHeld
		}
		return storage.Lease{}, fmt.Errorf("aws: put lease: %w", err)
	}
	logger.Trace("aws.acquire.success", "object", object, "lease_id", doc.ID, "elapsed", time.Since(start))
	return storage.Lease{ID: doc.ID, ExpiresAt: doc.ExpiresAt()}, nil
}

// ReadLeased downloads the record and its etag after confirming ownership.
func (s *Store) ReadLeased(ctx context.Context, key string, lease storage.Lease) (storage.Object, error) {
	object := s.object(key)
	if err := s.checkOwner(ctx, object, lease); err != nil {
		return storage.Object{}, err
	}
	payload, etag, err := s.get(ctx, object)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Object{}, err
		}
		return storage.Object{}, fmt.Errorf("aws: get record: %w", err)
	}
	return storage.Object{Payload: payload, Version: etag}, nil
}

// WriteLeased overwrites the record if the lease is still ours and the
// record still carries version.
func (s *Store) WriteLeased(ctx context.Context, key string, lease storage.Lease, payload []byte, version string) error {
	object := s.object(key)
	if err := s.checkOwner(ctx, object, lease); err != nil {
		return err
	}
	input := s.putInput(object, payload)
	if version != "" {
		input.IfMatch = aws.String(version)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) || isNotFound(err) {
			s.loggers(ctx).Debug("aws.write.conflict", "object", object, "expected_etag", version)
			return storage.ErrLeaseLost
		}
		return fmt.Errorf("aws: put record: %w", err)
	}
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
	input := s.putInput(storage.LeaseKey(object), current.Released().Encode())
	input.IfMatch = aws.String(etag)
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("aws: release lease: %w", err)
	}
	return nil
}

func (s *Store) putInput(object string, payload []byte) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String(storage.ContentTypeJSON),
		ContentLength: aws.Int64(int64(len(payload))),
	}
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
	data, etag, err := s.get(ctx, storage.LeaseKey(object))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.LeaseDocument{}, "", err
		}
		return storage.LeaseDocument{}, "", fmt.Errorf("aws: get lease: %w", err)
	}
	doc, err := storage.DecodeLeaseDocument(data)
	if err != nil {
		return storage.LeaseDocument{}, "", err
	}
	return doc, etag, nil
}

func (s *Store) get(ctx context.Context, object string) ([]byte, string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			return nil, "", storage.ErrNotFound
		}
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, storage.StripETag(aws.ToString(resp.ETag)), nil
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
