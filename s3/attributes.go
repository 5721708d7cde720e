package s3

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
)

// ReadAttributes refreshes p.Attributes with HeadObject, or HeadBucket for
// buckets. Directories without a placeholder object keep their attributes.
func (s *Session) ReadAttributes(ctx context.Context, p *remotefs.Path) error {
	c, err := s.connected()
	if err != nil {
		return err
	}
	bucket, key := s.split(p)
	if bucket == "" {
		return nil
	}
	if key == "" {
		start := time.Now()
		out, err := c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		record("head_bucket", start, err)
		if err != nil {
			return remotefs.NewOpError(err, "Failure to read attributes of %s", p, s.url())
		}
		p.Attributes.Type |= remotefs.TypeDirectory | remotefs.TypeVolume
		if out.BucketRegion != nil {
			p.Attributes.Metadata = map[string]string{"region": *out.BucketRegion}
		}
		return nil
	}
	if p.IsDir() {
		key += remotefs.Delimiter
	}
	head, err := s.head(ctx, c, bucket, key, p.Attributes.VersionID)
	if err != nil {
		if p.IsDir() && isNotFound(err) {
			return nil
		}
		return remotefs.NewOpError(err, "Failure to read attributes of %s", p, s.url())
	}
	applyHead(&p.Attributes, head)
	return nil
}

func (s *Session) head(ctx context.Context, c API, bucket, key, versionID string) (*s3.HeadObjectOutput, error) {
	input := &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	start := time.Now()
	out, err := c.HeadObject(ctx, input)
	record("head_object", start, err)
	return out, err
}

func applyHead(a *remotefs.Attributes, head *s3.HeadObjectOutput) {
	a.Size = aws.ToInt64(head.ContentLength)
	a.ModifiedAt = aws.ToTime(head.LastModified)
	a.Checksum = trimETag(aws.ToString(head.ETag))
	a.ContentType = aws.ToString(head.ContentType)
	a.StorageClass = string(head.StorageClass)
	a.Encryption = string(head.ServerSideEncryption)
	a.Metadata = head.Metadata
	if a.VersionID == "" && head.VersionId != nil && *head.VersionId != "null" {
		a.VersionID = *head.VersionId
	}
}

// WriteAttributes applies metadata, content type, storage class and
// encryption by copying the object onto itself, and writes attrs.ACL when
// set. Timestamps, permissions and ownership cannot be changed.
func (s *Session) WriteAttributes(ctx context.Context, p *remotefs.Path, attrs remotefs.Attributes) error {
	if !attrs.ModifiedAt.IsZero() || attrs.Permission != nil || attrs.Owner != "" || attrs.Group != "" {
		return remotefs.NewOpError(remotefs.ErrNotSupported, "Failure to write attributes of %s", p, s.url())
	}
	if attrs.Metadata != nil || attrs.ContentType != "" || attrs.StorageClass != "" || attrs.Encryption != "" {
		if err := s.copyInPlace(ctx, p, attrs); err != nil {
			return remotefs.NewOpError(err, "Failure to write attributes of %s", p, s.url())
		}
	}
	if attrs.ACL != nil {
		if err := s.WriteACL(ctx, p, attrs.ACL); err != nil {
			return err
		}
	}
	return nil
}

// copyInPlace replaces the metadata of p. Unset fields keep their current
// value.
func (s *Session) copyInPlace(ctx context.Context, p *remotefs.Path, attrs remotefs.Attributes) error {
	c, err := s.connected()
	if err != nil {
		return err
	}
	bucket, key := s.split(p)
	if key == "" {
		return remotefs.ErrNotSupported
	}
	if p.IsDir() {
		key += remotefs.Delimiter
	}
	current, err := s.head(ctx, c, bucket, key, "")
	if err != nil {
		return err
	}

	input := &s3.CopyObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(copySource(bucket, key, "")),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata:          maps.Clone(current.Metadata),
		ContentType:       current.ContentType,
		StorageClass:      types.StorageClass(current.StorageClass),
	}
	if attrs.Metadata != nil {
		input.Metadata = maps.Clone(attrs.Metadata)
	}
	if attrs.ContentType != "" {
		input.ContentType = aws.String(attrs.ContentType)
	}
	if attrs.StorageClass != "" {
		input.StorageClass = types.StorageClass(attrs.StorageClass)
	}
	setEncryption(input, attrs.Encryption, string(current.ServerSideEncryption), aws.ToString(current.SSEKMSKeyId))

	start := time.Now()
	out, err := c.CopyObject(ctx, input)
	record("copy_object", start, err)
	if err != nil {
		return err
	}
	if input.Metadata != nil {
		p.Attributes.Metadata = input.Metadata
	}
	p.Attributes.ContentType = aws.ToString(input.ContentType)
	p.Attributes.StorageClass = string(input.StorageClass)
	p.Attributes.Encryption = string(input.ServerSideEncryption)
	if out.CopyObjectResult != nil {
		p.Attributes.Checksum = trimETag(aws.ToString(out.CopyObjectResult.ETag))
		p.Attributes.ModifiedAt = aws.ToTime(out.CopyObjectResult.LastModified)
	}
	return nil
}

// setEncryption selects the server side encryption of a copy. An empty
// requested algorithm keeps the current one.
func setEncryption(input *s3.CopyObjectInput, requested, current, kmsKey string) {
	algorithm := requested
	if algorithm == "" {
		algorithm = current
	}
	if algorithm == "" {
		return
	}
	input.ServerSideEncryption = types.ServerSideEncryption(algorithm)
	if requested == "" && kmsKey != "" {
		input.SSEKMSKeyId = aws.String(kmsKey)
	}
}

// Revert makes version the current version of its object by copying it
// onto the same key.
func (s *Session) Revert(ctx context.Context, version *remotefs.Path) error {
	if version.Attributes.VersionID == "" {
		return remotefs.NewOpError(errors.New("no version to revert to"), "Cannot revert %s", version, s.url())
	}
	c, err := s.connected()
	if err != nil {
		return err
	}
	bucket, key := s.split(version)
	start := time.Now()
	out, err := c.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		CopySource: aws.String(copySource(bucket, key, version.Attributes.VersionID)),
	})
	record("copy_object", start, err)
	if err != nil {
		return remotefs.NewOpError(err, "Cannot revert %s", version, s.url())
	}
	s.logger.Debug("reverted object",
		zap.String("key", key),
		zap.String("from", version.Attributes.VersionID),
		zap.String("to", aws.ToString(out.VersionId)))
	return nil
}

// copySource formats the x-amz-copy-source value for a key.
func copySource(bucket, key, versionID string) string {
	source := (&url.URL{Path: bucket + remotefs.Delimiter + key}).EscapedPath()
	if versionID != "" {
		source += fmt.Sprintf("?versionId=%s", url.QueryEscape(versionID))
	}
	return source
}
