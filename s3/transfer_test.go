package s3

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gonzalop/remotefs"
)

func TestWriteVerifiesChecksum(t *testing.T) {
	t.Parallel()
	f := newFakeS3()
	f.addBucket("data", false)
	s := newTestSession(t, f)

	content := []byte("the quick brown fox")
	file := filePath("/data/fox.txt")
	status := remotefs.NewTransferStatus(int64(len(content)))
	status.ContentType = "text/plain"
	status.Metadata = map[string]string{"origin": "test"}
	var progress []int64
	status.Progress = func(n int64) { progress = append(progress, n) }

	if err := remotefs.Upload(t.Context(), s, file, bytes.NewReader(content), status); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if !status.Complete() || status.Transferred() != int64(len(content)) {
		t.Errorf("status complete=%v transferred=%d", status.Complete(), status.Transferred())
	}
	if len(progress) == 0 || progress[len(progress)-1] != int64(len(content)) {
		t.Errorf("progress = %v", progress)
	}
	obj := f.object("data", "fox.txt")
	if obj == nil || !bytes.Equal(obj.data, content) {
		t.Fatal("object not stored")
	}
	if obj.contentType != "text/plain" || obj.metadata["origin"] != "test" {
		t.Errorf("object headers = %q %v", obj.contentType, obj.metadata)
	}
	if f.lastPut.ContentMD5 != nil {
		t.Error("Content-MD5 sent without a known checksum")
	}
	if file.Attributes.Checksum != md5Hex(content) {
		t.Errorf("file checksum = %q", file.Attributes.Checksum)
	}
	if f.count("CreateMultipartUpload") != 0 {
		t.Error("small upload used multipart")
	}
}

func TestWriteSendsContentMD5(t *testing.T) {
	t.Parallel()
	f := newFakeS3()
	f.addBucket("data", false)
	s := newTestSession(t, f)

	content := []byte("payload")
	sum := md5.Sum(content)
	status := remotefs.NewTransferStatus(int64(len(content)))
	status.Checksum = hex.EncodeToString(sum[:])
	if err := remotefs.Upload(t.Context(), s, filePath("/data/p"), bytes.NewReader(content), status); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if aws.ToString(f.lastPut.ContentMD5) == "" {
		t.Error("Content-MD5 not sent")
	}

	status = remotefs.NewTransferStatus(int64(len(content)))
	status.Checksum = md5Hex([]byte("something else"))
	err := remotefs.Upload(t.Context(), s, filePath("/data/q"), bytes.NewReader(content), status)
	if err == nil {
		t.Fatal("upload with a wrong checksum succeeded")
	}
	if status.Complete() {
		t.Error("failed upload marked complete")
	}

	status = remotefs.NewTransferStatus(1)
	status.Checksum = "not hex"
	if _, err := s.Write(t.Context(), filePath("/data/r"), status); err == nil {
		t.Error("Write() accepted an invalid checksum")
	}
}

func TestWriteChecksumMismatch(t *testing.T) {
	t.Parallel()
	f := newFakeS3()
	f.addBucket("data", false)
	f.corruptPut = true
	s := newTestSession(t, f)

	content := []byte("bits")
	status := remotefs.NewTransferStatus(int64(len(content)))
	err := remotefs.Upload(t.Context(), s, filePath("/data/bits"), bytes.NewReader(content), status)
	var mismatch *remotefs.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want checksum mismatch", err)
	}
	if mismatch.Expected != md5Hex(content) {
		t.Errorf("Expected = %q", mismatch.Expected)
	}
	if remotefs.Classify(err) != remotefs.KindIO {
		t.Errorf("Classify() = %v", remotefs.Classify(err))
	}
}

func TestComparableETag(t *testing.T) {
	t.Parallel()
	tests := []struct {
		etag string
		sse  string
		want bool
	}{
		{"5d41402abc4b2a76b9719d911017c592", "", true},
		{"5d41402abc4b2a76b9719d911017c592", "AES256", true},
		{"5d41402abc4b2a76b9719d911017c592", "aws:kms", false},
		{"5d41402abc4b2a76b9719d911017c592-3", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := comparableETag(tt.etag, types.ServerSideEncryption(tt.sse)); got != tt.want {
			t.Errorf("comparableETag(%q, %q) = %v", tt.etag, tt.sse, got)
		}
	}
}

func TestWriteShortAborts(t *testing.T) {
	t.Parallel()
	f := newFakeS3()
	f.addBucket("data", false)
	s := newTestSession(t, f)

	status := remotefs.NewTransferStatus(10)
	w, err := s.Write(t.Context(), filePath("/data/short"), status)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("Close() of a short upload succeeded")
	}
	if f.object("data", "short") != nil {
		t.Error("short upload was stored")
	}
	if status.Complete() {
		t.Error("short upload marked complete")
	}

	status = remotefs.NewTransferStatus(2)
	w, err = s.Write(t.Context(), filePath("/data/long"), status)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("abc")); err == nil {
		t.Error("Write() past the content length succeeded")
	}
	_ = w.Close()

	if _, err := s.Write(t.Context(), filePath("/data/unknown"), remotefs.NewTransferStatus(-1)); err == nil {
		t.Error("Write() accepted an unknown length")
	}
}

func TestWriteCanceled(t *testing.T) {
	t.Parallel()
	f := newFakeS3()
	f.addBucket("data", false)
	s := newTestSession(t, f)

	status := remotefs.NewTransferStatus(4)
	w, err := s.Write(t.Context(), filePath("/data/c"), status)
	if err != nil {
		t.Fatal(err)
	}
	status.Cancel()
	if _, err := w.Write([]byte("abcd")); err == nil {
		t.Error("Write() after cancel succeeded")
	}
	if err := w.Close(); err == nil {
		t.Error("Close() after cancel succeeded")
	}
	if f.object("data", "c") != nil {
		t.Error("canceled upload was stored")
	}
}

func TestEmptyUploadIsSinglePart(t *testing.T) {
	t.Parallel()
	f := newFakeS3()
	f.addBucket("data", false)
	s := newTestSession(t, f, WithMultipartThreshold(1))

	status := remotefs.NewTransferStatus(0)
	if err := remotefs.Upload(t.Context(), s, filePath("/data/empty"), bytes.NewReader(nil), status); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if f.count("CreateMultipartUpload") != 0 || f.count("PutObject") != 1 {
		t.Errorf("calls = %v", f.calls)
	}
	if !status.Complete() {
		t.Error("empty upload not complete")
	}
}

func TestReadObject(t *testing.T) {
	t.Parallel()
	f := newFakeS3()
	f.addBucket("data", false)
	content := []byte("0123456789")
	f.store("data", "digits", content, "")
	s := newTestSession(t, f)

	var buf bytes.Buffer
	file := filePath("/data/digits")
	status := remotefs.NewTransferStatus(-1)
	if err := remotefs.Download(t.Context(), s, file, &buf, status); err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if buf.String() != string(content) || !status.Complete() || status.Length != 10 {
		t.Errorf("got %q complete=%v length=%d", buf.String(), status.Complete(), status.Length)
	}
	if f.lastGet.Range != nil {
		t.Error("range sent for a full download")
	}
}

func TestReadResume(t *testing.T) {
	t.Parallel()
	f := newFakeS3()
	f.addBucket("data", false)
	content := []byte("0123456789")
	f.store("data", "digits", content, "")
	s := newTestSession(t, f)

	file := filePath("/data/digits")
	if err := s.ReadAttributes(t.Context(), file); err != nil {
		t.Fatal(err)
	}
	status := &remotefs.TransferStatus{Offset: 6, Length: -1, Append: true}
	var buf bytes.Buffer
	if err := remotefs.Download(t.Context(), s, file, &buf, status); err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if buf.String() != "6789" {
		t.Errorf("resumed content = %q", buf.String())
	}
	if aws.ToString(f.lastGet.Range) != "bytes=6-" || aws.ToString(f.lastGet.IfMatch) != `"`+md5Hex(content)+`"` {
		t.Errorf("range %q if-match %q", aws.ToString(f.lastGet.Range), aws.ToString(f.lastGet.IfMatch))
	}

	// The object changed since the first part was downloaded.
	f.store("data", "digits", []byte("replaced!!"), "")
	status = &remotefs.TransferStatus{Offset: 6, Length: -1, Append: true}
	if _, err := s.Read(t.Context(), file, status); err == nil {
		t.Error("resume of a replaced object succeeded")
	}
}

func TestReadClosedEarly(t *testing.T) {
	t.Parallel()
	f := newFakeS3()
	f.addBucket("data", false)
	f.store("data", "big", []byte(strings.Repeat("x", 4096)), "")
	s := newTestSession(t, f)

	status := remotefs.NewTransferStatus(-1)
	r, err := s.Read(t.Context(), filePath("/data/big"), status)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(r, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if status.Complete() {
		t.Error("partial download marked complete")
	}

	if _, err := s.Read(t.Context(), filePath("/data/missing"), remotefs.NewTransferStatus(-1)); err == nil {
		t.Error("Read() of a missing key succeeded")
	}
}
