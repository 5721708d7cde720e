// Package s3 implements remotefs.Session for Amazon S3 and compatible
// object stores using the AWS SDK for Go v2.
//
// # Layout
//
// Keys are mapped onto a directory tree with "/" as the delimiter. A
// session without a fixed bucket lists buckets at the root; WithBucket
// makes the bucket itself the root. Folder placeholders written by other
// clients (keys ending in "/", empty objects of type
// application/x-directory and legacy empty folder objects) are listed as
// directories.
//
// # Transfers
//
// Uploads below the multipart threshold are streamed into a single
// PutObject and verified against the returned entity tag. Larger uploads
// are split into at most 10000 parts, uploaded concurrently with retries
// and committed only when every part succeeded; otherwise the upload is
// aborted. Setting TransferStatus.Append resumes the latest unfinished
// upload of the key.
//
// # Basic Usage
//
//	s, err := s3.Open(ctx, "s3://my-bucket/reports",
//	    s3.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	f, _ := os.Open("report.pdf")
//	info, _ := f.Stat()
//	err = remotefs.Upload(ctx, s, s.Workdir().Child("report.pdf", remotefs.TypeFile), f,
//	    remotefs.NewTransferStatus(info.Size()))
package s3

import "github.com/gonzalop/remotefs"

var (
	_ remotefs.Session   = (*Session)(nil)
	_ remotefs.Uploader  = (*Session)(nil)
	_ remotefs.Presigner = (*Session)(nil)
	_ remotefs.Reverter  = (*Session)(nil)
)
