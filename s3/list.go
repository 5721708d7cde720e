package s3

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/internal/metrics"
)

const (
	// DirectoryContentType marks zero-length objects created as folders by
	// some clients.
	DirectoryContentType = "application/x-directory"

	// placeholderETag is the digest of legacy folder objects written by
	// other tools.
	placeholderETag = "d66759af42f282e1ba19144df2d405d0"
)

// List returns the children of dir. Placeholders of subdirectories are
// listed as directories; with bucket versioning enabled previous versions
// follow as duplicates after the current objects.
func (s *Session) List(ctx context.Context, dir *remotefs.Path) (*remotefs.AttributedList, error) {
	list, err := s.list(ctx, dir)
	if err != nil {
		dir.Attributes.Unreadable = true
		metrics.RecordListing("s3", "error")
		return nil, remotefs.NewOpError(err, "Listing directory %s failed", dir, s.url())
	}
	dir.Attributes.Unreadable = false
	outcome := "success"
	if list.Len() == 0 {
		outcome = "empty"
	}
	metrics.RecordListing("s3", outcome)
	return list, nil
}

func (s *Session) list(ctx context.Context, dir *remotefs.Path) (*remotefs.AttributedList, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}
	bucket, key := s.split(dir)
	if bucket == "" {
		return s.listBuckets(ctx, c, dir)
	}
	prefix := key
	if prefix != "" {
		prefix += remotefs.Delimiter
	}
	list, err := s.listObjects(ctx, c, dir, bucket, prefix)
	if err != nil {
		return nil, err
	}
	if s.versioned(ctx, bucket) {
		if err := s.listVersions(ctx, c, dir, bucket, prefix, list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *Session) listBuckets(ctx context.Context, c API, dir *remotefs.Path) (*remotefs.AttributedList, error) {
	list := remotefs.NewAttributedList()
	input := &s3.ListBucketsInput{}
	for {
		start := time.Now()
		out, err := c.ListBuckets(ctx, input)
		record("list_buckets", start, err)
		if err != nil {
			return nil, err
		}
		for _, b := range out.Buckets {
			p := dir.Child(aws.ToString(b.Name), remotefs.TypeDirectory|remotefs.TypeVolume)
			p.Attributes.CreatedAt = aws.ToTime(b.CreationDate)
			if b.BucketRegion != nil {
				p.Attributes.Metadata = map[string]string{"region": *b.BucketRegion}
			}
			list.Add(p)
		}
		if aws.ToString(out.ContinuationToken) == "" {
			return list, nil
		}
		input.ContinuationToken = out.ContinuationToken
	}
}

func (s *Session) listObjects(ctx context.Context, c API, dir *remotefs.Path, bucket, prefix string) (*remotefs.AttributedList, error) {
	list := remotefs.NewAttributedList()
	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(remotefs.Delimiter),
		MaxKeys:   aws.Int32(s.pageSize),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		record("list_objects", start, err)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				// the placeholder of dir itself
				continue
			}
			p, err := s.objectPath(ctx, c, dir, bucket, prefix, obj)
			if err != nil {
				return nil, err
			}
			if p != nil {
				list.Add(p)
			}
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), remotefs.Delimiter)
			if name == "" {
				continue
			}
			list.Add(dir.Child(name, remotefs.TypeDirectory))
		}
	}
	return list, nil
}

// objectPath converts a listed object, detecting directory placeholders.
// It returns nil for keys that do not name a direct child.
func (s *Session) objectPath(ctx context.Context, c API, dir *remotefs.Path, bucket, prefix string, obj types.Object) (*remotefs.Path, error) {
	key := aws.ToString(obj.Key)
	name := strings.TrimPrefix(key, prefix)
	size := aws.ToInt64(obj.Size)
	etag := trimETag(aws.ToString(obj.ETag))

	t := remotefs.TypeFile
	if strings.HasSuffix(name, remotefs.Delimiter) {
		name = strings.TrimSuffix(name, remotefs.Delimiter)
		t = remotefs.TypeDirectory | remotefs.TypePlaceholder
	} else if size == 0 {
		placeholder, err := s.isPlaceholder(ctx, c, bucket, key, etag)
		if err != nil {
			return nil, err
		}
		if placeholder {
			t = remotefs.TypeDirectory | remotefs.TypePlaceholder
		}
	}
	if name == "" || strings.Contains(name, remotefs.Delimiter) {
		return nil, nil
	}

	p := dir.Child(name, t)
	p.Attributes.Size = size
	p.Attributes.ModifiedAt = aws.ToTime(obj.LastModified)
	p.Attributes.Checksum = etag
	p.Attributes.StorageClass = string(obj.StorageClass)
	if obj.Owner != nil {
		p.Attributes.Owner = ownerName(obj.Owner)
	}
	return p, nil
}

// isPlaceholder reports whether a zero-length object is a folder object.
func (s *Session) isPlaceholder(ctx context.Context, c API, bucket, key, etag string) (bool, error) {
	if etag == placeholderETag {
		return true, nil
	}
	start := time.Now()
	head, err := c.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	record("head_object", start, err)
	if err != nil {
		if isNotFound(err) {
			// deleted while listing
			return false, nil
		}
		return false, err
	}
	return aws.ToString(head.ContentType) == DirectoryContentType, nil
}

// listVersions appends the previous versions of every object in prefix to
// list, newest first per key. The revision counts up from the newest
// previous version.
func (s *Session) listVersions(ctx context.Context, c API, dir *remotefs.Path, bucket, prefix string, list *remotefs.AttributedList) error {
	input := &s3.ListObjectVersionsInput{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(remotefs.Delimiter),
		MaxKeys:   aws.Int32(s.pageSize),
	}
	// first remembers where each key appeared so keys keep the store's order.
	first := map[string]int{}
	var versions []*remotefs.Path
	for {
		start := time.Now()
		out, err := c.ListObjectVersions(ctx, input)
		record("list_object_versions", start, err)
		if err != nil {
			return err
		}
		for _, v := range out.Versions {
			name := strings.TrimPrefix(aws.ToString(v.Key), prefix)
			if aws.ToBool(v.IsLatest) || name == "" || strings.Contains(name, remotefs.Delimiter) {
				continue
			}
			if _, ok := first[name]; !ok {
				first[name] = len(first)
			}
			p := dir.Child(name, remotefs.TypeFile)
			p.Attributes.VersionID = aws.ToString(v.VersionId)
			p.Attributes.Duplicate = true
			p.Attributes.Size = aws.ToInt64(v.Size)
			p.Attributes.ModifiedAt = aws.ToTime(v.LastModified)
			p.Attributes.Checksum = trimETag(aws.ToString(v.ETag))
			p.Attributes.StorageClass = string(v.StorageClass)
			p.Attributes.Permission = &remotefs.Permission{User: remotefs.ActionRead}
			if v.Owner != nil {
				p.Attributes.Owner = ownerName(v.Owner)
			}
			versions = append(versions, p)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		if out.NextKeyMarker == nil && out.NextVersionIdMarker == nil {
			s.logger.Warn("truncated version listing without markers", zap.String("bucket", bucket))
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}

	slices.SortStableFunc(versions, func(a, b *remotefs.Path) int {
		if n := cmp.Compare(first[a.Name()], first[b.Name()]); n != 0 {
			return n
		}
		return b.Attributes.ModifiedAt.Compare(a.Attributes.ModifiedAt)
	})
	revisions := map[string]int{}
	for _, p := range versions {
		revisions[p.Name()]++
		p.Attributes.Revision = revisions[p.Name()]
		list.Add(p)
	}
	return nil
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func ownerName(o *types.Owner) string {
	if name := aws.ToString(o.DisplayName); name != "" {
		return name
	}
	return aws.ToString(o.ID)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchVersion":
			return true
		}
	}
	return false
}
