package s3

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/internal/metrics"
	"github.com/gonzalop/remotefs/internal/ratelimit"
)

var errIncomplete = errors.New("upload closed before all bytes were written")

// Write opens file for a single part upload of status.Length bytes. The
// content is streamed to PutObject and digested on the way; closing the
// stream waits for the store and compares the digest with the returned
// entity tag. Objects cannot be appended to, so status.Append is cleared.
func (s *Session) Write(ctx context.Context, file *remotefs.Path, status *remotefs.TransferStatus) (io.WriteCloser, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}
	if status.Length < 0 {
		return nil, remotefs.NewOpError(errors.New("unknown content length"), "Upload %s failed", file, s.url())
	}
	status.Append = false

	bucket, key := s.split(file)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(status.Length),
	}
	applyWriteOptions(input, status)
	if status.Checksum != "" {
		digest, err := hex.DecodeString(status.Checksum)
		if err != nil {
			return nil, remotefs.NewOpError(fmt.Errorf("invalid checksum %q: %w", status.Checksum, err), "Upload %s failed", file, s.url())
		}
		input.ContentMD5 = aws.String(base64.StdEncoding.EncodeToString(digest))
	}

	pr, pw := io.Pipe()
	input.Body = pr
	w := &objectWriter{
		s:      s,
		file:   file,
		pw:     pw,
		digest: md5.New(),
		status: status,
		done:   make(chan putResult, 1),
	}
	w.w = &remotefs.ProgressWriter{Writer: ratelimit.NewWriter(ctx, pw, s.limiter), Status: status}

	go func() {
		start := time.Now()
		// The body is a pipe, so the payload cannot be hashed before
		// signing.
		out, err := c.PutObject(ctx, input, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
		record("put_object", start, err)
		pr.CloseWithError(err)
		w.done <- putResult{out: out, err: err}
	}()
	return w, nil
}

func applyWriteOptions(input *s3.PutObjectInput, status *remotefs.TransferStatus) {
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
}

type putResult struct {
	out *s3.PutObjectOutput
	err error
}

type objectWriter struct {
	s      *Session
	file   *remotefs.Path
	pw     *io.PipeWriter
	w      io.Writer
	digest hash.Hash
	status *remotefs.TransferStatus
	done   chan putResult
	n      int64
	closed bool
}

func (ow *objectWriter) Write(p []byte) (int, error) {
	if ow.status.Canceled() {
		return 0, context.Canceled
	}
	if remaining := ow.status.Length - ow.n; int64(len(p)) > remaining {
		return 0, fmt.Errorf("write exceeds content length of %d bytes", ow.status.Length)
	}
	n, err := ow.w.Write(p)
	if n > 0 {
		ow.digest.Write(p[:n])
		ow.n += int64(n)
	}
	return n, err
}

// Close completes the upload when status.Length bytes were written and
// aborts it otherwise.
func (ow *objectWriter) Close() error {
	if ow.closed {
		return nil
	}
	ow.closed = true
	switch {
	case ow.status.Canceled():
		ow.pw.CloseWithError(context.Canceled)
	case ow.n != ow.status.Length:
		ow.pw.CloseWithError(errIncomplete)
	default:
		ow.pw.Close()
	}
	res := <-ow.done

	err := res.err
	if err == nil && ow.n != ow.status.Length {
		err = errIncomplete
	}
	if err == nil {
		err = ow.verify(res.out)
	}
	metrics.RecordTransfer("s3", "upload", ow.n, err == nil)
	if err != nil {
		return remotefs.NewOpError(err, "Upload %s failed", ow.file, ow.s.url())
	}

	ow.status.SetComplete()
	ow.file.Attributes.Size = ow.n
	ow.file.Attributes.Checksum = trimETag(aws.ToString(res.out.ETag))
	if v := aws.ToString(res.out.VersionId); v != "" && v != "null" {
		ow.file.Attributes.VersionID = v
	}
	return nil
}

// verify compares the local digest with the entity tag of a stored object.
// The server already checked a Content-MD5 header, and the tags of
// multipart and KMS encrypted objects are not content digests.
func (ow *objectWriter) verify(out *s3.PutObjectOutput) error {
	if ow.status.Checksum != "" {
		return nil
	}
	etag := trimETag(aws.ToString(out.ETag))
	if !comparableETag(etag, out.ServerSideEncryption) {
		ow.s.logger.Debug("skipping checksum verification",
			zap.String("etag", etag),
			zap.String("encryption", string(out.ServerSideEncryption)))
		return nil
	}
	actual := hex.EncodeToString(ow.digest.Sum(nil))
	if !strings.EqualFold(etag, actual) {
		return &remotefs.ChecksumMismatchError{Expected: actual, Actual: etag}
	}
	return nil
}

func comparableETag(etag string, sse types.ServerSideEncryption) bool {
	if etag == "" || strings.Contains(etag, "-") {
		return false
	}
	switch sse {
	case types.ServerSideEncryptionAwsKms, types.ServerSideEncryptionAwsKmsDsse:
		return false
	}
	return true
}
