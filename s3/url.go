package s3

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gonzalop/remotefs"
)

// PresignedURL returns a signed GET URL for file that is valid for
// expires, or the session default when expires is zero.
func (s *Session) PresignedURL(ctx context.Context, file *remotefs.Path, expires time.Duration) (string, error) {
	if s.presigner == nil {
		return "", remotefs.NewOpError(remotefs.ErrNotSupported, "Cannot create URL for %s", file, s.url())
	}
	bucket, key := s.split(file)
	if bucket == "" || key == "" || file.IsDir() {
		return "", remotefs.NewOpError(remotefs.ErrNotSupported, "Cannot create URL for %s", file, s.url())
	}
	if expires <= 0 {
		expires = s.presignExpiry
	}
	input := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if file.Attributes.VersionID != "" {
		input.VersionId = aws.String(file.Attributes.VersionID)
	}
	start := time.Now()
	req, err := s.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(expires))
	record("presign_get_object", start, err)
	if err != nil {
		return "", remotefs.NewOpError(err, "Cannot create URL for %s", file, s.url())
	}
	return req.URL, nil
}
