package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/internal/metrics"
	"github.com/gonzalop/remotefs/internal/ratelimit"
)

// Read opens file for download. With status.Append the download resumes
// at status.Offset using a range request; when the object's checksum is
// known the request is conditional so a replaced object is not spliced.
func (s *Session) Read(ctx context.Context, file *remotefs.Path, status *remotefs.TransferStatus) (io.ReadCloser, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}
	bucket, key := s.split(file)
	input := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if file.Attributes.VersionID != "" {
		input.VersionId = aws.String(file.Attributes.VersionID)
	}
	if status.Append && status.Offset > 0 {
		if status.Length > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", status.Offset, status.Offset+status.Length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", status.Offset))
		}
		if file.Attributes.Checksum != "" {
			input.IfMatch = aws.String(`"` + file.Attributes.Checksum + `"`)
		}
	} else {
		status.Append = false
	}

	start := time.Now()
	out, err := c.GetObject(ctx, input)
	record("get_object", start, err)
	if err != nil {
		return nil, remotefs.NewOpError(err, "Download %s failed", file, s.url())
	}
	if status.Length < 0 && out.ContentLength != nil {
		status.Length = *out.ContentLength
	}
	return &objectReader{
		s:      s,
		file:   file,
		body:   out.Body,
		r:      &remotefs.ProgressReader{Reader: ratelimit.NewReader(ctx, out.Body, s.limiter), Status: status},
		status: status,
	}, nil
}

type objectReader struct {
	s      *Session
	file   *remotefs.Path
	body   io.ReadCloser
	r      io.Reader
	status *remotefs.TransferStatus
	n      int64
	eof    bool
	closed bool
}

func (or *objectReader) Read(p []byte) (int, error) {
	if or.status.Canceled() {
		return 0, context.Canceled
	}
	n, err := or.r.Read(p)
	if n > 0 {
		or.n += int64(n)
	}
	if errors.Is(err, io.EOF) {
		or.eof = true
	}
	return n, err
}

func (or *objectReader) Close() error {
	if or.closed {
		return nil
	}
	or.closed = true
	err := or.body.Close()
	if or.eof {
		or.status.SetComplete()
	} else {
		or.s.logger.Debug("download closed early",
			zap.String("path", or.file.Location),
			zap.Int64("bytes", or.n))
	}
	metrics.RecordTransfer("s3", "download", or.n, or.eof && err == nil)
	return remotefs.NewOpError(err, "Download %s failed", or.file, or.s.url())
}
