package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/internal/config"
	"github.com/gonzalop/remotefs/internal/metrics"
	"github.com/gonzalop/remotefs/internal/ratelimit"
	"github.com/gonzalop/remotefs/internal/retry"
)

// Session is a remotefs.Session backed by an S3 compatible object store.
// Without a fixed bucket the first segment of every location names the
// bucket and the root lists all buckets as volumes.
type Session struct {
	host   *remotefs.Host
	logger *zap.Logger

	client    API
	presigner PresignAPI
	injected  bool

	bucket        string
	pathStyle     bool
	threshold     int64
	partSize      int64
	concurrency   int
	pageSize      int32
	presignExpiry time.Duration
	retryPolicy   retry.Policy
	limiter       *ratelimit.Limiter

	state   atomic.Int32
	workdir *remotefs.Path

	// versioning caches GetBucketVersioning per bucket. Rebuilt on connect.
	mu         sync.Mutex
	versioning map[string]bool
}

// New returns a disconnected session for host.
//
// Example:
//
//	host := &remotefs.Host{Protocol: remotefs.ProtocolS3, Region: "eu-west-1"}
//	s, err := s3.New(host, s3.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := remotefs.Open(ctx, s); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
func New(host *remotefs.Host, options ...Option) (*Session, error) {
	if host == nil || host.Protocol != remotefs.ProtocolS3 {
		return nil, fmt.Errorf("s3: unsupported host")
	}
	s := &Session{
		host:          host,
		logger:        zap.NewNop(),
		threshold:     config.DefaultMultipartThreshold,
		partSize:      config.DefaultPartSize,
		concurrency:   config.DefaultConcurrency,
		pageSize:      1000,
		presignExpiry: 24 * time.Hour,
		retryPolicy:   DefaultRetryPolicy(),
		versioning:    map[string]bool{},
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	s.state.Store(int32(remotefs.StateDisconnected))
	return s, nil
}

// Open parses a URL such as s3://bucket/prefix, then connects, logs in and
// mounts the path.
func Open(ctx context.Context, rawURL string, options ...Option) (*Session, error) {
	host, location, err := remotefs.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if host.DefaultPath == "" {
		host.DefaultPath = location
	}
	s, err := New(host, options...)
	if err != nil {
		return nil, err
	}
	if err := remotefs.Open(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Host returns the session's destination.
func (s *Session) Host() *remotefs.Host { return s.host }

// State returns the connection state.
func (s *Session) State() remotefs.State {
	return remotefs.State(s.state.Load())
}

// Supports reports optional features.
func (s *Session) Supports(c remotefs.Capability) bool {
	switch c {
	case remotefs.CapVersioning, remotefs.CapACL, remotefs.CapMultipart, remotefs.CapResume:
		return true
	case remotefs.CapPresign:
		return s.presigner != nil
	}
	return false
}

func (s *Session) url() string {
	if s.bucket != "" {
		return "s3://" + s.bucket
	}
	return s.host.URL()
}

// Connect builds the S3 client from the Host. Sessions created with
// WithClient keep their client.
func (s *Session) Connect(ctx context.Context) error {
	s.state.Store(int32(remotefs.StateConnecting))
	if !s.injected {
		client, err := s.newClient(ctx)
		if err != nil {
			s.state.Store(int32(remotefs.StateDisconnected))
			return remotefs.NewOpError(err, "Connection failed", nil, s.url())
		}
		s.client = client
		s.presigner = s3.NewPresignClient(client)
	}
	s.mu.Lock()
	s.versioning = map[string]bool{}
	s.mu.Unlock()
	s.state.Store(int32(remotefs.StateConnected))
	return nil
}

func (s *Session) newClient(ctx context.Context) (*s3.Client, error) {
	region := s.host.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	creds := s.host.Credentials
	switch {
	case creds.Username == "":
		// default chain: environment, shared config, instance role
	case creds.IsAnonymous():
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	default:
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.Username, creds.Password, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.host.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.host.Endpoint)
		}
		o.UsePathStyle = s.pathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}), nil
}

// Login verifies the credentials with HeadBucket on the fixed bucket or
// ListBuckets otherwise.
func (s *Session) Login(ctx context.Context) error {
	c, err := s.connected()
	if err != nil {
		return err
	}
	start := time.Now()
	if s.bucket != "" {
		_, err = c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		record("head_bucket", start, err)
	} else {
		_, err = c.ListBuckets(ctx, &s3.ListBucketsInput{MaxBuckets: aws.Int32(1)})
		record("list_buckets", start, err)
	}
	if err != nil {
		s.state.Store(int32(remotefs.StateInterrupted))
		return remotefs.NewOpError(err, "Login failed", nil, s.url())
	}
	s.logger.Debug("logged in",
		zap.String("host", s.url()),
		zap.String("region", s.host.Region))
	return nil
}

// Mount selects Host.DefaultPath, or the root, as the working directory.
// A bucket named by the path must exist.
func (s *Session) Mount(ctx context.Context) (*remotefs.Path, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}
	dir := remotefs.NewPath(s.host.DefaultPath, remotefs.TypeDirectory)
	dir.Host = s.url()
	// Login already checked a fixed bucket.
	if s.isBucket(dir) {
		dir.Attributes.Type |= remotefs.TypeVolume
	}
	if s.isBucket(dir) && s.bucket == "" {
		bucket, _ := s.split(dir)
		start := time.Now()
		_, err := c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		record("head_bucket", start, err)
		if err != nil {
			s.state.Store(int32(remotefs.StateClosed))
			return nil, remotefs.NewOpError(err, "Mount %s failed", dir, s.url())
		}
	}
	s.workdir = dir
	return dir, nil
}

// Workdir returns the directory selected by Mount.
func (s *Session) Workdir() *remotefs.Path { return s.workdir }

// Check reconnects an interrupted session. S3 requests are stateless, so a
// connected session is never probed.
func (s *Session) Check(ctx context.Context) error {
	switch s.State() {
	case remotefs.StateConnected:
		return nil
	case remotefs.StateClosed:
		return remotefs.NewOpError(errors.New("session closed"), "Connection failed", nil, s.url())
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.Login(ctx)
}

// Interrupt marks the session as interrupted. The next Check reconnects.
func (s *Session) Interrupt() error {
	s.state.Store(int32(remotefs.StateInterrupted))
	return nil
}

// Close ends the session.
func (s *Session) Close() error {
	s.state.Store(int32(remotefs.StateClosed))
	return nil
}

func (s *Session) connected() (API, error) {
	if s.client == nil || s.State() == remotefs.StateClosed {
		return nil, errors.New("s3: not connected")
	}
	return s.client, nil
}

// split maps p to a bucket and key. Directory keys carry no trailing
// delimiter. The bucket is empty for the root of a session without a fixed
// bucket.
func (s *Session) split(p *remotefs.Path) (bucket, key string) {
	location := strings.TrimPrefix(p.Location, remotefs.Delimiter)
	if s.bucket != "" {
		return s.bucket, location
	}
	bucket, key, _ = strings.Cut(location, remotefs.Delimiter)
	return bucket, key
}

// isBucket reports whether p names a bucket rather than a key.
func (s *Session) isBucket(p *remotefs.Path) bool {
	if s.bucket != "" {
		return p.IsRoot()
	}
	bucket, key := s.split(p)
	return bucket != "" && key == ""
}

// versioned reports whether versioning was ever enabled on bucket. Buckets
// whose status cannot be read are treated as unversioned.
func (s *Session) versioned(ctx context.Context, bucket string) bool {
	s.mu.Lock()
	enabled, ok := s.versioning[bucket]
	s.mu.Unlock()
	if ok {
		return enabled
	}
	start := time.Now()
	out, err := s.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
	record("get_bucket_versioning", start, err)
	if err != nil {
		s.logger.Debug("cannot read bucket versioning",
			zap.String("bucket", bucket),
			zap.Error(err))
		return false
	}
	enabled = out.Status == types.BucketVersioningStatusEnabled || out.Status == types.BucketVersioningStatusSuspended
	s.mu.Lock()
	s.versioning[bucket] = enabled
	s.mu.Unlock()
	return enabled
}

// record times one API call into the S3 operation metrics.
func record(operation string, start time.Time, err error) {
	metrics.RecordS3Operation(operation, time.Since(start), err == nil)
}
