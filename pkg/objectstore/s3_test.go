package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3Client is an in-memory stand-in for *s3.Client, mirroring the
// narrow surface s3Client depends on.
type fakeS3Client struct {
	objects map[string][]byte
	// errCode, if set, is returned as a smithy.APIError from every
	// PutObject call.
	errCode string
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string                 { return "fake: " + e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func (f *fakeS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.errCode != "" {
		return nil, &fakeAPIError{code: f.errCode}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func (f *fakeS3Client) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3Client) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3Client) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	var contents []s3types.Object
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			key := k
			contents = append(contents, s3types.Object{Key: &key})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func newTestS3Store(client s3Client) *S3Store {
	return &S3Store{client: client, bucket: "test-bucket", prefix: "lattice"}
}

func TestS3StorePutGetExistsDelete(t *testing.T) {
	client := newFakeS3Client()
	s := newTestS3Store(client)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a/1", []byte("payload")))
	assert.Equal(t, []byte("payload"), client.objects["lattice/a/1"])

	data, err := s.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	ok, err := s.Exists(ctx, "a/1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "a/1"))
	ok, err = s.Exists(ctx, "a/1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3StoreGetMissingMapsToNotFound(t *testing.T) {
	s := newTestS3Store(newFakeS3Client())
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestS3StoreThrottleMapsToErrThrottled(t *testing.T) {
	client := newFakeS3Client()
	client.errCode = "SlowDown"
	s := newTestS3Store(client)

	err := s.Put(context.Background(), "a/1", []byte("x"))
	assert.ErrorIs(t, err, types.ErrThrottled)
}

func TestS3StorePutBatch(t *testing.T) {
	client := newFakeS3Client()
	s := newTestS3Store(client)

	require.NoError(t, s.PutBatch(context.Background(), map[string][]byte{
		"a/1": []byte("one"),
		"a/2": []byte("two"),
	}))
	assert.Len(t, client.objects, 2)
}
