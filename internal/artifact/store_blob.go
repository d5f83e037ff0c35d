package artifact

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"
)

// BlobStore serves firmware files from a gocloud bucket. The bucket may be a
// local directory (fileblob) or any registered provider URL.
type BlobStore struct {
	bucket *blob.Bucket
}

// NewBlobStore wraps an already opened bucket. The caller keeps ownership.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

// OpenBucket opens bucketURL when set, otherwise the local directory dir.
func OpenBucket(ctx context.Context, bucketURL, dir string) (*blob.Bucket, error) {
	if bucketURL != "" {
		bkt, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, errors.Wrapf(err, "open bucket %q", bucketURL)
		}
		return bkt, nil
	}
	bkt, err := fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return nil, errors.Wrapf(err, "open firmware dir %q", dir)
	}
	return bkt, nil
}

func (s *BlobStore) Exists(ctx context.Context, name string) (bool, error) {
	if !validName(name) {
		return false, nil
	}
	ok, err := s.bucket.Exists(ctx, name)
	if err != nil {
		return false, errors.Wrapf(err, "stat %q", name)
	}
	return ok, nil
}

func (s *BlobStore) Size(ctx context.Context, name string) (int64, error) {
	if !validName(name) {
		return 0, errors.Wrapf(ErrNotFound, "%q", name)
	}
	attrs, err := s.bucket.Attributes(ctx, name)
	if err != nil {
		return 0, wrapBlobErr(err, name)
	}
	return attrs.Size, nil
}

func (s *BlobStore) ReadSpan(ctx context.Context, name string, start, length int64) (io.ReadCloser, error) {
	if !validName(name) {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	r, err := s.bucket.NewRangeReader(ctx, name, start, length, nil)
	if err != nil {
		return nil, wrapBlobErr(err, name)
	}
	return r, nil
}

func (s *BlobStore) ReadFull(ctx context.Context, name string) (io.ReadCloser, error) {
	if !validName(name) {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	r, err := s.bucket.NewReader(ctx, name, nil)
	if err != nil {
		return nil, wrapBlobErr(err, name)
	}
	return r, nil
}

func wrapBlobErr(err error, name string) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	return errors.Wrapf(err, "read %q", name)
}
