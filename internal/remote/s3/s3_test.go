package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/dxpops/internal/remote"
)

type fakeAPI struct {
	pages  map[string]*s3.ListObjectsV2Output
	inputs []*s3.ListObjectsV2Input
	getErr error
}

func (f *fakeAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.inputs = append(f.inputs, in)
	out, ok := f.pages[aws.ToString(in.ContinuationToken)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "missing"}
	}
	return out, nil
}

func (f *fakeAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("body:" + aws.ToString(in.Key)))}, nil
}

func TestBucketListAll(t *testing.T) {
	mod := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{pages: map[string]*s3.ListObjectsV2Output{
		"": {
			Contents: []types.Object{
				{Key: aws.String("media/"), Size: aws.Int64(0)},
				{Key: aws.String("media/a.jpg"), Size: aws.Int64(10), LastModified: &mod},
			},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("t1"),
		},
		"t1": {
			Contents:    []types.Object{{Key: aws.String("media/b.jpg"), Size: aws.Int64(20)}},
			IsTruncated: aws.Bool(false),
		},
	}}
	b := NewWithAPI(api, Options{Bucket: "exports", Prefix: "/media/"}, nil)

	objs, err := remote.ListAll(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "media/a.jpg", objs[0].Name)
	assert.Equal(t, int64(10), objs[0].Size)
	require.NotNil(t, objs[0].LastModified)
	assert.Equal(t, "media/b.jpg", objs[1].Name)

	require.Len(t, api.inputs, 2)
	assert.Equal(t, "media/", aws.ToString(api.inputs[0].Prefix))
	assert.Equal(t, "t1", aws.ToString(api.inputs[1].ContinuationToken))
}

func TestBucketClassifiesErrors(t *testing.T) {
	b := NewWithAPI(&fakeAPI{pages: map[string]*s3.ListObjectsV2Output{}}, Options{Bucket: "gone"}, nil)
	_, err := b.ListPage(context.Background(), "")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	b = NewWithAPI(&fakeAPI{getErr: &smithy.GenericAPIError{Code: "AccessDenied"}}, Options{Bucket: "x"}, nil)
	_, err = b.Open(context.Background(), "k")
	assert.ErrorIs(t, err, remote.ErrAccessDenied)

	b = NewWithAPI(&fakeAPI{getErr: errors.New("connection reset")}, Options{Bucket: "x"}, nil)
	_, err = b.Open(context.Background(), "k")
	var te *remote.TransportError
	assert.True(t, errors.As(err, &te))
}

func TestBucketOpen(t *testing.T) {
	b := NewWithAPI(&fakeAPI{}, Options{Bucket: "x"}, nil)
	rc, err := b.Open(context.Background(), "a.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "body:a.txt", string(data))
}
