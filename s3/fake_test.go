package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/internal/retry"
)

type fakeObject struct {
	data         []byte
	etag         string
	contentType  string
	metadata     map[string]string
	storageClass types.StorageClass
	sse          types.ServerSideEncryption
	versionID    string
	modified     time.Time
	grants       []types.Grant
}

type fakePart struct {
	data []byte
	etag string
}

type fakeUpload struct {
	key       string
	id        string
	initiated time.Time
	parts     map[int32]*fakePart
	input     *s3.CreateMultipartUploadInput
}

type fakeBucket struct {
	versioned bool
	created   time.Time
	// objects holds the versions of every key, newest first.
	objects map[string][]*fakeObject
	uploads map[string]*fakeUpload
	grants  []types.Grant
}

// fakeS3 is an in-memory object store implementing API and PresignAPI.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]*fakeBucket
	calls   []string
	seq     int

	// Failure injection.
	authErr     error
	listErr     error
	failPart    map[int32]int
	corruptPart map[int32]bool
	corruptPut  bool
	// versionsOldestFirst lists the versions of a key in upload order.
	versionsOldestFirst bool
	partDelay           time.Duration
	onPart              func(n int32)

	inFlight    int
	maxInFlight int

	lastPut      *s3.PutObjectInput
	lastGet      *s3.GetObjectInput
	lastCopy     *s3.CopyObjectInput
	lastDelete   *s3.DeleteObjectInput
	deleteBatch  []int
	lastMFA      string
	lastComplete *s3.CompleteMultipartUploadInput
	aborted      []string
	lastPresign  time.Duration
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets:     map[string]*fakeBucket{},
		failPart:    map[int32]int{},
		corruptPart: map[int32]bool{},
	}
}

func (f *fakeS3) addBucket(name string, versioned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[name] = &fakeBucket{
		versioned: versioned,
		created:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		objects:   map[string][]*fakeObject{},
		uploads:   map[string]*fakeUpload{},
	}
}

// store adds a version of key and returns its version id.
func (f *fakeS3) store(bucket, key string, data []byte, contentType string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeLocked(f.buckets[bucket], key, &fakeObject{data: data, etag: md5Hex(data), contentType: contentType})
}

func (f *fakeS3) storeLocked(b *fakeBucket, key string, obj *fakeObject) string {
	f.seq++
	obj.modified = time.Date(2024, 6, 1, 0, 0, f.seq, 0, time.UTC)
	if b.versioned {
		obj.versionID = fmt.Sprintf("v%d", f.seq)
		b.objects[key] = append([]*fakeObject{obj}, b.objects[key]...)
	} else {
		obj.versionID = "null"
		b.objects[key] = []*fakeObject{obj}
	}
	return obj.versionID
}

func (f *fakeS3) object(bucket, key string) *fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.buckets[bucket]
	if b == nil || len(b.objects[key]) == 0 {
		return nil
	}
	return b.objects[key][0]
}

func (f *fakeS3) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeS3) call(op string) {
	f.calls = append(f.calls, op)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func quote(etag string) *string {
	return aws.String(`"` + etag + `"`)
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func (f *fakeS3) bucket(name *string) (*fakeBucket, error) {
	b := f.buckets[aws.ToString(name)]
	if b == nil {
		return nil, &types.NoSuchBucket{Message: aws.String("no such bucket")}
	}
	return b, nil
}

func (f *fakeS3) ListBuckets(ctx context.Context, in *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ListBuckets")
	if f.authErr != nil {
		return nil, f.authErr
	}
	out := &s3.ListBucketsOutput{}
	for _, name := range slices.Sorted(maps.Keys(f.buckets)) {
		out.Buckets = append(out.Buckets, types.Bucket{
			Name:         aws.String(name),
			CreationDate: aws.Time(f.buckets[name].created),
		})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("HeadBucket")
	if f.authErr != nil {
		return nil, f.authErr
	}
	if _, err := f.bucket(in.Bucket); err != nil {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadBucketOutput{BucketRegion: aws.String("us-east-1")}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	f.call("CreateBucket")
	_, exists := f.buckets[aws.ToString(in.Bucket)]
	f.mu.Unlock()
	if exists {
		return nil, &types.BucketAlreadyOwnedByYou{Message: aws.String("exists")}
	}
	f.addBucket(aws.ToString(in.Bucket), false)
	return &s3.CreateBucketOutput{Location: aws.String("/" + aws.ToString(in.Bucket))}, nil
}

func (f *fakeS3) DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("DeleteBucket")
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	if len(b.objects) > 0 {
		return nil, apiError("BucketNotEmpty")
	}
	delete(f.buckets, aws.ToString(in.Bucket))
	return &s3.DeleteBucketOutput{}, nil
}

func (f *fakeS3) GetBucketVersioning(ctx context.Context, in *s3.GetBucketVersioningInput, _ ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetBucketVersioning")
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	out := &s3.GetBucketVersioningOutput{}
	if b.versioned {
		out.Status = types.BucketVersioningStatusEnabled
	}
	return out, nil
}

// entries returns the sorted keys and common prefixes below prefix. A key
// whose remainder contains the delimiter is rolled up into a prefix.
func entries(keys []string, prefix, delimiter string) (all []string, isPrefix map[string]bool) {
	isPrefix = map[string]bool{}
	seen := map[string]bool{}
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		entry := k
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				entry = prefix + rest[:i+len(delimiter)]
				isPrefix[entry] = true
			}
		}
		if !seen[entry] {
			seen[entry] = true
			all = append(all, entry)
		}
	}
	sort.Strings(all)
	return all, isPrefix
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ListObjectsV2")
	if f.listErr != nil {
		return nil, f.listErr
	}
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	prefix, delimiter := aws.ToString(in.Prefix), aws.ToString(in.Delimiter)
	all, isPrefix := entries(slices.Collect(maps.Keys(b.objects)), prefix, delimiter)
	if token := aws.ToString(in.ContinuationToken); token != "" {
		i := 0
		for i < len(all) && all[i] <= token {
			i++
		}
		all = all[i:]
	}
	limit := int(aws.ToInt32(in.MaxKeys))
	if limit <= 0 {
		limit = 1000
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	page := all
	if len(all) > limit {
		page = all[:limit]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(page[len(page)-1])
	}
	for _, e := range page {
		if isPrefix[e] {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e)})
			continue
		}
		obj := b.objects[e][0]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(e),
			Size:         aws.Int64(int64(len(obj.data))),
			ETag:         quote(obj.etag),
			LastModified: aws.Time(obj.modified),
			StorageClass: types.ObjectStorageClass(cmpOr(string(obj.storageClass), "STANDARD")),
		})
	}
	out.KeyCount = aws.Int32(int32(len(page)))
	return out, nil
}

func cmpOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (f *fakeS3) ListObjectVersions(ctx context.Context, in *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ListObjectVersions")
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	prefix := aws.ToString(in.Prefix)
	type entry struct {
		key    string
		obj    *fakeObject
		latest bool
	}
	var all []entry
	for _, k := range slices.Sorted(maps.Keys(b.objects)) {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		for i, obj := range b.objects[k] {
			all = append(all, entry{key: k, obj: obj, latest: i == 0})
		}
		if f.versionsOldestFirst {
			n := len(b.objects[k])
			slices.Reverse(all[len(all)-n:])
		}
	}
	if km := aws.ToString(in.KeyMarker); km != "" {
		vm := aws.ToString(in.VersionIdMarker)
		for i, e := range all {
			if e.key == km && (vm == "" || e.obj.versionID == vm) {
				all = all[i+1:]
				break
			}
		}
	}
	limit := int(aws.ToInt32(in.MaxKeys))
	if limit <= 0 {
		limit = 1000
	}
	out := &s3.ListObjectVersionsOutput{IsTruncated: aws.Bool(false)}
	if len(all) > limit {
		all = all[:limit]
		last := all[len(all)-1]
		out.IsTruncated = aws.Bool(true)
		out.NextKeyMarker = aws.String(last.key)
		out.NextVersionIdMarker = aws.String(last.obj.versionID)
	}
	for _, e := range all {
		out.Versions = append(out.Versions, types.ObjectVersion{
			Key:          aws.String(e.key),
			VersionId:    aws.String(e.obj.versionID),
			IsLatest:     aws.Bool(e.latest),
			Size:         aws.Int64(int64(len(e.obj.data))),
			ETag:         quote(e.obj.etag),
			LastModified: aws.Time(e.obj.modified),
		})
	}
	return out, nil
}

// version finds key, or a specific version of it.
func (f *fakeS3) version(in *string, key, versionID *string) (*fakeObject, error) {
	b, err := f.bucket(in)
	if err != nil {
		return nil, err
	}
	for _, obj := range b.objects[aws.ToString(key)] {
		if versionID == nil || obj.versionID == *versionID {
			return obj, nil
		}
	}
	return nil, &types.NoSuchKey{Message: aws.String("no such key")}
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("HeadObject")
	obj, err := f.version(in.Bucket, in.Key, in.VersionId)
	if err != nil {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength:        aws.Int64(int64(len(obj.data))),
		ContentType:          aws.String(obj.contentType),
		ETag:                 quote(obj.etag),
		LastModified:         aws.Time(obj.modified),
		Metadata:             maps.Clone(obj.metadata),
		StorageClass:         obj.storageClass,
		ServerSideEncryption: obj.sse,
		VersionId:            aws.String(obj.versionID),
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetObject")
	f.lastGet = in
	obj, err := f.version(in.Bucket, in.Key, in.VersionId)
	if err != nil {
		return nil, err
	}
	if in.IfMatch != nil && *in.IfMatch != `"`+obj.etag+`"` {
		return nil, apiError("PreconditionFailed")
	}
	data := obj.data
	if r := aws.ToString(in.Range); r != "" {
		var start, end int64
		if n, _ := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); n == 2 {
			data = data[start : end+1]
		} else {
			data = data[start:]
		}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          quote(obj.etag),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("PutObject")
	f.lastPut = in
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	if n := aws.ToInt64(in.ContentLength); n != int64(len(data)) {
		return nil, apiError("IncompleteBody")
	}
	etag := md5Hex(data)
	if in.ContentMD5 != nil {
		sum := md5.Sum(data)
		if *in.ContentMD5 != base64.StdEncoding.EncodeToString(sum[:]) {
			return nil, apiError("BadDigest")
		}
	}
	if f.corruptPut {
		etag = md5Hex([]byte("corrupt"))
	}
	obj := &fakeObject{
		data:         data,
		etag:         etag,
		contentType:  aws.ToString(in.ContentType),
		metadata:     maps.Clone(in.Metadata),
		storageClass: in.StorageClass,
		sse:          in.ServerSideEncryption,
	}
	version := f.storeLocked(b, aws.ToString(in.Key), obj)
	return &s3.PutObjectOutput{ETag: quote(etag), VersionId: aws.String(version), ServerSideEncryption: obj.sse}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("CopyObject")
	f.lastCopy = in
	source, err := url.Parse(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	bucket, key, _ := strings.Cut(source.Path, "/")
	var versionID *string
	if v := source.Query().Get("versionId"); v != "" {
		versionID = aws.String(v)
	}
	src, err := f.version(aws.String(bucket), aws.String(key), versionID)
	if err != nil {
		return nil, err
	}
	dst, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	obj := &fakeObject{
		data:         src.data,
		etag:         src.etag,
		contentType:  src.contentType,
		metadata:     maps.Clone(src.metadata),
		storageClass: src.storageClass,
		sse:          src.sse,
	}
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		obj.metadata = maps.Clone(in.Metadata)
		obj.contentType = aws.ToString(in.ContentType)
		obj.storageClass = in.StorageClass
		obj.sse = in.ServerSideEncryption
	}
	version := f.storeLocked(dst, aws.ToString(in.Key), obj)
	return &s3.CopyObjectOutput{
		CopyObjectResult: &types.CopyObjectResult{ETag: quote(obj.etag), LastModified: aws.Time(obj.modified)},
		VersionId:        aws.String(version),
	}, nil
}

func (f *fakeS3) removeLocked(b *fakeBucket, key string, versionID *string) {
	if versionID == nil {
		delete(b.objects, key)
		return
	}
	b.objects[key] = slices.DeleteFunc(b.objects[key], func(o *fakeObject) bool { return o.versionID == *versionID })
	if len(b.objects[key]) == 0 {
		delete(b.objects, key)
	}
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("DeleteObject")
	f.lastDelete = in
	f.lastMFA = aws.ToString(in.MFA)
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	f.removeLocked(b, aws.ToString(in.Key), in.VersionId)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("DeleteObjects")
	f.lastMFA = aws.ToString(in.MFA)
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	if len(in.Delete.Objects) > maxDeleteBatch {
		return nil, apiError("MalformedXML")
	}
	f.deleteBatch = append(f.deleteBatch, len(in.Delete.Objects))
	out := &s3.DeleteObjectsOutput{}
	for _, id := range in.Delete.Objects {
		if strings.HasPrefix(aws.ToString(id.Key), "locked") {
			out.Errors = append(out.Errors, types.Error{Key: id.Key, Code: aws.String("AccessDenied"), Message: aws.String("Access Denied")})
			continue
		}
		f.removeLocked(b, aws.ToString(id.Key), id.VersionId)
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("CreateMultipartUpload")
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	f.seq++
	u := &fakeUpload{
		key:       aws.ToString(in.Key),
		id:        fmt.Sprintf("upload-%d", f.seq),
		initiated: time.Date(2024, 6, 1, 0, 0, f.seq, 0, time.UTC),
		parts:     map[int32]*fakePart{},
		input:     in,
	}
	b.uploads[u.id] = u
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(u.id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	n := aws.ToInt32(in.PartNumber)
	f.mu.Lock()
	f.call("UploadPart")
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	onPart, delay := f.onPart, f.partDelay
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if onPart != nil {
		onPart(n)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPart[n] > 0 {
		f.failPart[n]--
		return nil, apiError("InternalError")
	}
	if f.failPart[n] < 0 {
		return nil, apiError("AccessDenied")
	}
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	u := b.uploads[aws.ToString(in.UploadId)]
	if u == nil {
		return nil, apiError("NoSuchUpload")
	}
	etag := md5Hex(data)
	if f.corruptPart[n] {
		etag = md5Hex([]byte("corrupt"))
	}
	u.parts[n] = &fakePart{data: data, etag: etag}
	return &s3.UploadPartOutput{ETag: quote(etag)}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("CompleteMultipartUpload")
	f.lastComplete = in
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	u := b.uploads[aws.ToString(in.UploadId)]
	if u == nil {
		return nil, apiError("NoSuchUpload")
	}
	var data []byte
	var digests []byte
	prev := int32(0)
	for _, cp := range in.MultipartUpload.Parts {
		n := aws.ToInt32(cp.PartNumber)
		p := u.parts[n]
		if n <= prev || p == nil || aws.ToString(cp.ETag) != `"`+p.etag+`"` {
			return nil, apiError("InvalidPart")
		}
		prev = n
		data = append(data, p.data...)
		raw, _ := hex.DecodeString(p.etag)
		digests = append(digests, raw...)
	}
	etag := fmt.Sprintf("%s-%d", md5Hex(digests), len(in.MultipartUpload.Parts))
	obj := &fakeObject{data: data, etag: etag, contentType: aws.ToString(u.input.ContentType), metadata: u.input.Metadata}
	version := f.storeLocked(b, u.key, obj)
	delete(b.uploads, u.id)
	return &s3.CompleteMultipartUploadOutput{ETag: quote(etag), VersionId: aws.String(version)}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("AbortMultipartUpload")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	delete(b.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ListMultipartUploads")
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	out := &s3.ListMultipartUploadsOutput{IsTruncated: aws.Bool(false)}
	for _, id := range slices.Sorted(maps.Keys(b.uploads)) {
		u := b.uploads[id]
		if strings.HasPrefix(u.key, aws.ToString(in.Prefix)) {
			out.Uploads = append(out.Uploads, types.MultipartUpload{
				Key:       aws.String(u.key),
				UploadId:  aws.String(u.id),
				Initiated: aws.Time(u.initiated),
			})
		}
	}
	return out, nil
}

func (f *fakeS3) ListParts(ctx context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ListParts")
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	u := b.uploads[aws.ToString(in.UploadId)]
	if u == nil {
		return nil, apiError("NoSuchUpload")
	}
	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for _, n := range slices.Sorted(maps.Keys(u.parts)) {
		p := u.parts[n]
		out.Parts = append(out.Parts, types.Part{
			PartNumber:   aws.Int32(n),
			ETag:         quote(p.etag),
			Size:         aws.Int64(int64(len(p.data))),
			LastModified: aws.Time(u.initiated),
		})
	}
	return out, nil
}

func (f *fakeS3) GetObjectAcl(ctx context.Context, in *s3.GetObjectAclInput, _ ...func(*s3.Options)) (*s3.GetObjectAclOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetObjectAcl")
	obj, err := f.version(in.Bucket, in.Key, in.VersionId)
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectAclOutput{Owner: &types.Owner{ID: aws.String("owner-id")}, Grants: obj.grants}, nil
}

func (f *fakeS3) PutObjectAcl(ctx context.Context, in *s3.PutObjectAclInput, _ ...func(*s3.Options)) (*s3.PutObjectAclOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("PutObjectAcl")
	obj, err := f.version(in.Bucket, in.Key, in.VersionId)
	if err != nil {
		return nil, err
	}
	obj.grants = in.AccessControlPolicy.Grants
	return &s3.PutObjectAclOutput{}, nil
}

func (f *fakeS3) GetBucketAcl(ctx context.Context, in *s3.GetBucketAclInput, _ ...func(*s3.Options)) (*s3.GetBucketAclOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetBucketAcl")
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	return &s3.GetBucketAclOutput{Owner: &types.Owner{ID: aws.String("owner-id")}, Grants: b.grants}, nil
}

func (f *fakeS3) PutBucketAcl(ctx context.Context, in *s3.PutBucketAclInput, _ ...func(*s3.Options)) (*s3.PutBucketAclOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("PutBucketAcl")
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	b.grants = in.AccessControlPolicy.Grants
	return &s3.PutBucketAclOutput{}, nil
}

func (f *fakeS3) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.mu.Lock()
	f.lastPresign = opts.Expires
	f.mu.Unlock()
	u := url.URL{
		Scheme: "https",
		Host:   aws.ToString(in.Bucket) + ".s3.example.com",
		Path:   "/" + aws.ToString(in.Key),
	}
	q := url.Values{"X-Amz-Expires": {fmt.Sprint(int(opts.Expires.Seconds()))}}
	if in.VersionId != nil {
		q.Set("versionId", *in.VersionId)
	}
	u.RawQuery = q.Encode()
	return &v4.PresignedHTTPRequest{URL: u.String(), Method: "GET"}, nil
}

// fastRetry keeps retry waits short in tests.
func fastRetry() retry.Policy {
	p := DefaultRetryPolicy()
	p.InitialWait = time.Millisecond
	p.MaxWait = 5 * time.Millisecond
	return p
}

func newTestSession(t *testing.T, f *fakeS3, opts ...Option) *Session {
	t.Helper()
	host := &remotefs.Host{Protocol: remotefs.ProtocolS3, Region: "eu-west-1"}
	base := []Option{WithClient(f, f), WithRetryPolicy(fastRetry())}
	s, err := New(host, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := remotefs.Open(t.Context(), s); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dirPath(location string) *remotefs.Path {
	return remotefs.NewPath(location, remotefs.TypeDirectory)
}

func filePath(location string) *remotefs.Path {
	return remotefs.NewPath(location, remotefs.TypeFile)
}

func names(list *remotefs.AttributedList) []string {
	var out []string
	for _, e := range list.Entries() {
		out = append(out, e.DisplayName())
	}
	return out
}
