package s3

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gonzalop/remotefs/internal/config"
	"github.com/gonzalop/remotefs/internal/ratelimit"
	"github.com/gonzalop/remotefs/internal/retry"
)

// Option is a functional option for configuring a Session.
type Option func(*Session) error

// MinimumPartSize is the smallest part S3 accepts except for the last one.
const MinimumPartSize = 5 * 1024 * 1024

// MaximumParts is the largest number of parts in one multipart upload.
const MaximumParts = 10000

// WithLogger enables debug logging using the provided logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		s.logger = logger
		return nil
	}
}

// WithClient uses api instead of building a client from the Host on
// Connect. presign may be nil, which disables presigned URLs.
func WithClient(api API, presign PresignAPI) Option {
	return func(s *Session) error {
		if api == nil {
			return fmt.Errorf("nil client")
		}
		s.client = api
		s.presigner = presign
		s.injected = true
		return nil
	}
}

// WithBucket fixes the bucket of the session. Locations are then keys
// inside the bucket and the root is the bucket itself.
func WithBucket(bucket string) Option {
	return func(s *Session) error {
		s.bucket = bucket
		return nil
	}
}

// WithPathStyle addresses buckets as part of the path instead of the
// hostname, as most S3 compatible servers require.
func WithPathStyle(enabled bool) Option {
	return func(s *Session) error {
		s.pathStyle = enabled
		return nil
	}
}

// WithMultipartThreshold sets the size from which uploads are split into
// parts.
func WithMultipartThreshold(size int64) Option {
	return func(s *Session) error {
		if size <= 0 {
			return fmt.Errorf("invalid multipart threshold %d", size)
		}
		s.threshold = size
		return nil
	}
}

// WithPartSize sets the minimum part size. Larger files use larger parts
// so that no upload needs more than MaximumParts parts.
func WithPartSize(size int64) Option {
	return func(s *Session) error {
		if size < MinimumPartSize {
			return fmt.Errorf("part size %d below the minimum of %d", size, MinimumPartSize)
		}
		s.partSize = size
		return nil
	}
}

// WithConcurrency sets how many parts upload at once.
func WithConcurrency(n int) Option {
	return func(s *Session) error {
		if n < 1 {
			return fmt.Errorf("invalid concurrency %d", n)
		}
		s.concurrency = n
		return nil
	}
}

// WithRetryPolicy sets how failed part uploads are retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Session) error {
		s.retryPolicy = p
		return nil
	}
}

// WithBandwidthLimit limits every transfer of the session to
// bytesPerSecond. Zero disables the limit.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Session) error {
		s.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithListPageSize sets the number of keys requested per listing page.
func WithListPageSize(n int32) Option {
	return func(s *Session) error {
		if n < 1 || n > 1000 {
			return fmt.Errorf("invalid page size %d", n)
		}
		s.pageSize = n
		return nil
	}
}

// WithPresignExpiry sets the default lifetime of presigned URLs.
func WithPresignExpiry(d time.Duration) Option {
	return func(s *Session) error {
		s.presignExpiry = d
		return nil
	}
}

// WithConfig applies the transfer settings of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(s *Session) error {
		if cfg == nil {
			return nil
		}
		s.pathStyle = cfg.S3PathStyle
		if cfg.MultipartThreshold > 0 {
			s.threshold = int64(cfg.MultipartThreshold)
		}
		if cfg.PartSize >= MinimumPartSize {
			s.partSize = int64(cfg.PartSize)
		}
		if cfg.Concurrency > 0 {
			s.concurrency = cfg.Concurrency
		}
		s.limiter = ratelimit.New(int64(cfg.Bandwidth))
		return nil
	}
}
