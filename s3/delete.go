package s3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
)

// maxDeleteBatch is the largest number of keys in one DeleteObjects call.
const maxDeleteBatch = 1000

// Delete removes files. Directories lose their placeholder object only;
// callers delete the contents first. Duplicates delete their version.
// Buckets are deleted with DeleteBucket.
func (s *Session) Delete(ctx context.Context, files []*remotefs.Path) error {
	return s.delete(ctx, files, "")
}

// DeleteMFA removes files from buckets with MFA delete enabled. serial is
// the device serial number or ARN and token the current code.
func (s *Session) DeleteMFA(ctx context.Context, files []*remotefs.Path, serial, token string) error {
	if serial == "" || token == "" {
		return remotefs.NewOpError(errors.New("missing MFA serial or token"), "Cannot delete %s", nil, s.url())
	}
	return s.delete(ctx, files, serial+" "+token)
}

func (s *Session) delete(ctx context.Context, files []*remotefs.Path, mfa string) error {
	c, err := s.connected()
	if err != nil {
		return err
	}

	// Group keys by bucket, keeping the caller's order.
	var buckets []string
	objects := map[string][]types.ObjectIdentifier{}
	paths := map[string][]*remotefs.Path{}
	var volumes []*remotefs.Path
	for _, f := range files {
		bucket, key := s.split(f)
		if bucket == "" {
			return remotefs.NewOpError(remotefs.ErrNotSupported, "Cannot delete %s", f, s.url())
		}
		if key == "" {
			volumes = append(volumes, f)
			continue
		}
		if f.IsDir() {
			key += remotefs.Delimiter
		}
		id := types.ObjectIdentifier{Key: aws.String(key)}
		if f.Attributes.VersionID != "" {
			id.VersionId = aws.String(f.Attributes.VersionID)
		}
		if _, ok := objects[bucket]; !ok {
			buckets = append(buckets, bucket)
		}
		objects[bucket] = append(objects[bucket], id)
		paths[bucket] = append(paths[bucket], f)
	}

	for _, bucket := range buckets {
		ids := objects[bucket]
		if len(ids) == 1 {
			if err := s.deleteObject(ctx, c, bucket, ids[0], mfa); err != nil {
				return remotefs.NewOpError(err, "Cannot delete %s", paths[bucket][0], s.url())
			}
			continue
		}
		for start := 0; start < len(ids); start += maxDeleteBatch {
			end := min(start+maxDeleteBatch, len(ids))
			if err := s.deleteObjects(ctx, c, bucket, ids[start:end], mfa); err != nil {
				return remotefs.NewOpError(err, "Cannot delete %s", paths[bucket][start], s.url())
			}
		}
	}

	for _, v := range volumes {
		bucket, _ := s.split(v)
		start := time.Now()
		_, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
		record("delete_bucket", start, err)
		if err != nil {
			return remotefs.NewOpError(err, "Cannot delete %s", v, s.url())
		}
		s.mu.Lock()
		delete(s.versioning, bucket)
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) deleteObject(ctx context.Context, c API, bucket string, id types.ObjectIdentifier, mfa string) error {
	input := &s3.DeleteObjectInput{
		Bucket:    aws.String(bucket),
		Key:       id.Key,
		VersionId: id.VersionId,
	}
	if mfa != "" {
		input.MFA = aws.String(mfa)
	}
	start := time.Now()
	_, err := c.DeleteObject(ctx, input)
	record("delete_object", start, err)
	if err == nil {
		s.logger.Debug("deleted object", zap.String("bucket", bucket), zap.String("key", aws.ToString(id.Key)))
	}
	return err
}

func (s *Session) deleteObjects(ctx context.Context, c API, bucket string, ids []types.ObjectIdentifier, mfa string) error {
	input := &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	}
	if mfa != "" {
		input.MFA = aws.String(mfa)
	}
	start := time.Now()
	out, err := c.DeleteObjects(ctx, input)
	record("delete_objects", start, err)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range out.Errors {
		errs = append(errs, fmt.Errorf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
	}
	s.logger.Debug("deleted objects",
		zap.String("bucket", bucket),
		zap.Int("requested", len(ids)),
		zap.Int("failed", len(out.Errors)))
	return errors.Join(errs...)
}
