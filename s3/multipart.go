package s3

import (
	"cmp"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/internal/metrics"
	"github.com/gonzalop/remotefs/internal/retry"
)

// DefaultRetryPolicy retries part uploads that failed with throttling,
// server or network errors.
func DefaultRetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Classify = isRetryable
	return p
}

var retryableCodes = map[string]bool{
	"RequestTimeout":       true,
	"RequestTimeTooSkewed": true,
	"SlowDown":             true,
	"InternalError":        true,
	"ServiceUnavailable":   true,
	"Throttling":           true,
	"BadDigest":            true,
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && retryableCodes[apiErr.ErrorCode()] {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.Response != nil {
		code := respErr.Response.StatusCode
		if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
			return true
		}
	}
	var checksumErr *remotefs.ChecksumMismatchError
	if errors.As(err, &checksumErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// partRange is one slice of the source.
type partRange struct {
	Number int32
	Offset int64
	Size   int64
}

// partition splits length bytes into contiguous parts numbered from 1.
// Parts are at least minimum bytes, except the last, and grow so that no
// more than MaximumParts are needed.
func partition(length, minimum int64) []partRange {
	if length <= 0 {
		return nil
	}
	size := max((length+MaximumParts-1)/MaximumParts, minimum)
	parts := make([]partRange, 0, (length+size-1)/size)
	for offset, n := int64(0), int32(1); offset < length; offset, n = offset+size, n+1 {
		parts = append(parts, partRange{Number: n, Offset: offset, Size: min(size, length-offset)})
	}
	return parts
}

// partResult is the outcome of one part. ok distinguishes a finished part
// from a slot that was never run.
type partResult struct {
	part remotefs.Part
	err  error
	ok   bool
}

// Upload copies status.Length bytes of src starting at status.Offset.
// Content below the multipart threshold, and empty content, is stored with
// a single PutObject. Larger content is split into parts uploaded
// concurrently; with status.Append the most recent unfinished upload of
// the key is resumed and its completed parts are skipped.
func (s *Session) Upload(ctx context.Context, file *remotefs.Path, src io.ReaderAt, status *remotefs.TransferStatus) error {
	if status.Length < 0 {
		return remotefs.NewOpError(errors.New("unknown content length"), "Upload %s failed", file, s.url())
	}
	if status.Length == 0 || status.Length < s.threshold {
		return s.uploadSingle(ctx, file, src, status)
	}
	if err := s.uploadMultipart(ctx, file, src, status); err != nil {
		return remotefs.NewOpError(err, "Upload %s failed", file, s.url())
	}
	return nil
}

func (s *Session) uploadSingle(ctx context.Context, file *remotefs.Path, src io.ReaderAt, status *remotefs.TransferStatus) error {
	w, err := s.Write(ctx, file, status)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(w, io.NewSectionReader(src, status.Offset, status.Length))
	closeErr := w.Close()
	if copyErr != nil {
		return remotefs.NewOpError(copyErr, "Upload %s failed", file, s.url())
	}
	return closeErr
}

func (s *Session) uploadMultipart(ctx context.Context, file *remotefs.Path, src io.ReaderAt, status *remotefs.TransferStatus) error {
	c, err := s.connected()
	if err != nil {
		return err
	}
	bucket, key := s.split(file)

	var uploadID string
	completed := map[int32]types.Part{}
	if status.Append {
		uploadID, err = s.findUpload(ctx, c, bucket, key)
		if err != nil {
			return err
		}
		if uploadID != "" {
			if completed, err = s.listParts(ctx, c, bucket, key, uploadID); err != nil {
				return err
			}
			s.logger.Info("resuming multipart upload",
				zap.String("key", key),
				zap.String("upload_id", uploadID),
				zap.Int("completed_parts", len(completed)))
		}
	}
	if uploadID == "" {
		status.Append = false
		if uploadID, err = s.createUpload(ctx, c, bucket, key, status); err != nil {
			return err
		}
	}

	parts := partition(status.Length, s.partSize)
	results := make([]partResult, len(parts))
	workers := newPool(s.concurrency)
	for i, pr := range parts {
		if done, ok := completed[pr.Number]; ok && aws.ToInt64(done.Size) == pr.Size {
			results[i] = partResult{ok: true, part: remotefs.Part{
				Number:       pr.Number,
				ETag:         aws.ToString(done.ETag),
				Size:         pr.Size,
				LastModified: aws.ToTime(done.LastModified),
			}}
			status.AddTransferred(pr.Size)
			metrics.RecordPart("skipped")
			continue
		}
		if ctx.Err() != nil || status.Canceled() {
			break
		}
		if err := workers.Go(func() {
			results[i] = s.uploadPart(ctx, c, bucket, key, uploadID, src, status, pr)
		}); err != nil {
			break
		}
	}
	workers.Shutdown()

	var errs []error
	var done []remotefs.Part
	for i, r := range results {
		switch {
		case r.err != nil:
			errs = append(errs, fmt.Errorf("part %d: %w", parts[i].Number, r.err))
		case r.ok:
			done = append(done, r.part)
		}
	}
	if status.Canceled() {
		errs = append(errs, context.Canceled)
	} else if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 && len(done) != len(parts) {
		errs = append(errs, fmt.Errorf("%d of %d parts uploaded", len(done), len(parts)))
	}
	if len(errs) > 0 {
		s.abortUpload(ctx, c, bucket, key, uploadID)
		metrics.RecordTransfer("s3", "upload", status.Transferred(), false)
		return errors.Join(errs...)
	}

	out, err := s.completeUpload(ctx, c, bucket, key, uploadID, done)
	if err != nil {
		s.abortUpload(ctx, c, bucket, key, uploadID)
		metrics.RecordTransfer("s3", "upload", status.Transferred(), false)
		return err
	}
	status.Parts = append(status.Parts, done...)
	status.SetComplete()
	metrics.RecordTransfer("s3", "upload", status.Length, true)
	file.Attributes.Size = status.Length
	file.Attributes.Checksum = trimETag(aws.ToString(out.ETag))
	if v := aws.ToString(out.VersionId); v != "" && v != "null" {
		file.Attributes.VersionID = v
	}
	return nil
}

// findUpload returns the id of the most recent unfinished upload of key.
func (s *Session) findUpload(ctx context.Context, c API, bucket, key string) (string, error) {
	input := &s3.ListMultipartUploadsInput{Bucket: aws.String(bucket), Prefix: aws.String(key)}
	var latest *types.MultipartUpload
	for {
		start := time.Now()
		out, err := c.ListMultipartUploads(ctx, input)
		record("list_multipart_uploads", start, err)
		if err != nil {
			return "", err
		}
		for i := range out.Uploads {
			u := &out.Uploads[i]
			if aws.ToString(u.Key) != key {
				continue
			}
			if latest == nil || aws.ToTime(u.Initiated).After(aws.ToTime(latest.Initiated)) {
				latest = u
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
	if latest == nil {
		return "", nil
	}
	return aws.ToString(latest.UploadId), nil
}

func (s *Session) listParts(ctx context.Context, c API, bucket, key, uploadID string) (map[int32]types.Part, error) {
	parts := map[int32]types.Part{}
	paginator := s3.NewListPartsPaginator(c, &s3.ListPartsInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		record("list_parts", start, err)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Parts {
			parts[aws.ToInt32(p.PartNumber)] = p
		}
	}
	return parts, nil
}

func (s *Session) createUpload(ctx context.Context, c API, bucket, key string, status *remotefs.TransferStatus) (string, error) {
	input := &s3.CreateMultipartUploadInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if status.ContentType != "" {
		input.ContentType = aws.String(status.ContentType)
	}
	if status.StorageClass != "" {
		input.StorageClass = types.StorageClass(status.StorageClass)
	}
	if status.Encryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(status.Encryption)
	}
	if len(status.Metadata) > 0 {
		input.Metadata = maps.Clone(status.Metadata)
	}
	start := time.Now()
	out, err := c.CreateMultipartUpload(ctx, input)
	record("create_multipart_upload", start, err)
	if err != nil {
		return "", err
	}
	s.logger.Debug("created multipart upload",
		zap.String("key", key),
		zap.String("upload_id", aws.ToString(out.UploadId)))
	return aws.ToString(out.UploadId), nil
}

// uploadPart digests the part, then uploads it with retries and compares
// the digest with the returned entity tag.
func (s *Session) uploadPart(ctx context.Context, c API, bucket, key, uploadID string, src io.ReaderAt, status *remotefs.TransferStatus, pr partRange) partResult {
	metrics.PartStarted()
	defer metrics.PartFinished()

	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(src, status.Offset+pr.Offset, pr.Size)); err != nil {
		metrics.RecordPart("failed")
		return partResult{err: err}
	}
	sum := h.Sum(nil)
	expected := hex.EncodeToString(sum)

	out, err := retry.DoWithResult(ctx, s.retryPolicy, func(attempt int) (*s3.UploadPartOutput, error) {
		if status.Canceled() {
			return nil, context.Canceled
		}
		if err := s.limiter.Wait(ctx, int(pr.Size)); err != nil {
			return nil, err
		}
		start := time.Now()
		out, err := c.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(pr.Number),
			Body:          io.NewSectionReader(src, status.Offset+pr.Offset, pr.Size),
			ContentLength: aws.Int64(pr.Size),
			ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum)),
		})
		record("upload_part", start, err)
		if err != nil {
			if attempt > 1 || isRetryable(err) {
				s.logger.Debug("part upload failed",
					zap.Int32("part", pr.Number),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
			return nil, err
		}
		etag := trimETag(aws.ToString(out.ETag))
		if comparableETag(etag, out.ServerSideEncryption) && !strings.EqualFold(etag, expected) {
			return nil, &remotefs.ChecksumMismatchError{Expected: expected, Actual: etag}
		}
		return out, nil
	})
	if err != nil {
		metrics.RecordPart("failed")
		return partResult{err: err}
	}
	metrics.RecordPart("uploaded")
	status.AddTransferred(pr.Size)
	return partResult{ok: true, part: remotefs.Part{
		Number:       pr.Number,
		ETag:         aws.ToString(out.ETag),
		Size:         pr.Size,
		LastModified: time.Now(),
	}}
}

func (s *Session) completeUpload(ctx context.Context, c API, bucket, key, uploadID string, parts []remotefs.Part) (*s3.CompleteMultipartUploadOutput, error) {
	slices.SortFunc(parts, func(a, b remotefs.Part) int { return cmp.Compare(a.Number, b.Number) })
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.Number),
			ETag:       aws.String(p.ETag),
		})
	}
	start := time.Now()
	out, err := c.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	record("complete_multipart_upload", start, err)
	return out, err
}

// abortUpload discards the parts of an upload. It runs even when ctx is
// canceled.
func (s *Session) abortUpload(ctx context.Context, c API, bucket, key, uploadID string) {
	start := time.Now()
	_, err := c.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	record("abort_multipart_upload", start, err)
	if err != nil {
		s.logger.Warn("failed to abort multipart upload",
			zap.String("key", key),
			zap.String("upload_id", uploadID),
			zap.Error(err))
	}
}
