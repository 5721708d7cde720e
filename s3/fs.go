package s3

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
)

// Mkdir creates a bucket when dir is a top level path of a session
// without a fixed bucket, and a placeholder object otherwise.
func (s *Session) Mkdir(ctx context.Context, dir *remotefs.Path) (*remotefs.Path, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}
	bucket, key := s.split(dir)
	created := remotefs.NewPath(dir.Location, remotefs.TypeDirectory)
	created.Host = dir.Host

	start := time.Now()
	if key == "" {
		if bucket == "" || s.bucket != "" {
			return nil, remotefs.NewOpError(remotefs.ErrNotSupported, "Cannot create folder %s", dir, s.url())
		}
		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		if region := s.host.Region; region != "" && region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(region),
			}
		}
		_, err = c.CreateBucket(ctx, input)
		record("create_bucket", start, err)
		if err != nil {
			return nil, remotefs.NewOpError(err, "Cannot create folder %s", dir, s.url())
		}
		s.logger.Info("created bucket", zap.String("bucket", bucket))
		created.Attributes.Type |= remotefs.TypeVolume
		return created, nil
	}

	out, err := c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key + remotefs.Delimiter),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	record("put_object", start, err)
	if err != nil {
		return nil, remotefs.NewOpError(err, "Cannot create folder %s", dir, s.url())
	}
	created.Attributes.Type |= remotefs.TypePlaceholder
	created.Attributes.Size = 0
	created.Attributes.Checksum = trimETag(aws.ToString(out.ETag))
	return created, nil
}

// Rename copies from to the new key and deletes the source. Directories
// are moved key by key, including keys below placeholders of nested
// directories.
func (s *Session) Rename(ctx context.Context, from, to *remotefs.Path) error {
	c, err := s.connected()
	if err != nil {
		return err
	}
	srcBucket, srcKey := s.split(from)
	dstBucket, dstKey := s.split(to)
	if srcKey == "" || dstKey == "" {
		return remotefs.NewOpError(remotefs.ErrNotSupported, "Cannot rename %s", from, s.url())
	}

	if !from.IsDir() {
		if err := s.copyObject(ctx, c, srcBucket, srcKey, from.Attributes.VersionID, dstBucket, dstKey); err != nil {
			return remotefs.NewOpError(err, "Cannot rename %s", from, s.url())
		}
		if err := s.deleteObject(ctx, c, srcBucket, types.ObjectIdentifier{Key: aws.String(srcKey)}, ""); err != nil {
			return remotefs.NewOpError(err, "Cannot rename %s", from, s.url())
		}
		return nil
	}

	srcPrefix := srcKey + remotefs.Delimiter
	dstPrefix := dstKey + remotefs.Delimiter
	var moved []types.ObjectIdentifier
	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket:  aws.String(srcBucket),
		Prefix:  aws.String(srcPrefix),
		MaxKeys: aws.Int32(s.pageSize),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		record("list_objects", start, err)
		if err != nil {
			return remotefs.NewOpError(err, "Cannot rename %s", from, s.url())
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			target := dstPrefix + strings.TrimPrefix(key, srcPrefix)
			if err := s.copyObject(ctx, c, srcBucket, key, "", dstBucket, target); err != nil {
				return remotefs.NewOpError(err, "Cannot rename %s", from, s.url())
			}
			moved = append(moved, types.ObjectIdentifier{Key: obj.Key})
		}
	}
	if len(moved) == 0 {
		// a directory known only by its common prefix
		return nil
	}
	for start := 0; start < len(moved); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(moved))
		if err := s.deleteObjects(ctx, c, srcBucket, moved[start:end], ""); err != nil {
			return remotefs.NewOpError(err, "Cannot rename %s", from, s.url())
		}
	}
	return nil
}

func (s *Session) copyObject(ctx context.Context, c API, srcBucket, srcKey, versionID, dstBucket, dstKey string) error {
	start := time.Now()
	_, err := c.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(srcBucket, srcKey, versionID)),
	})
	record("copy_object", start, err)
	return err
}
