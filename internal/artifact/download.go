package artifact

import (
	"context"
	"io"

	"github.com/kibshh/ota-gateway/internal/byterange"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Download is an opened firmware stream ready to be written to a client.
type Download struct {
	Filename string
	Body     io.ReadCloser
	// Range is nil for a full-body download
	Range  *byterange.Range
	Size   int64
	Length int64
}

// Partial reports whether the download covers a byte range.
func (d *Download) Partial() bool {
	return d.Range != nil
}

// Downloader opens firmware streams, honouring byte-range requests. It keeps
// no state between calls.
type Downloader struct {
	store Store
}

func NewDownloader(store Store) *Downloader {
	return &Downloader{store: store}
}

// Serve opens name for download. A malformed range header falls back to the
// full body; an unsatisfiable one is returned as a byterange error.
func (d *Downloader) Serve(ctx context.Context, name, rangeHeader string) (*Download, error) {
	ok, err := d.store.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}

	size, err := d.store.Size(ctx, name)
	if err != nil {
		return nil, err
	}

	rng, err := byterange.Resolve(rangeHeader, size)
	if err != nil {
		if !errors.Is(err, byterange.ErrMalformed) {
			return nil, err
		}
		zerolog.Ctx(ctx).Debug().Err(err).Str("filename", name).Msg("ignoring malformed range header")
		rng = nil
	}

	if rng == nil {
		body, err := d.store.ReadFull(ctx, name)
		if err != nil {
			return nil, err
		}
		return &Download{
			Filename: name,
			Body:     body,
			Size:     size,
			Length:   size,
		}, nil
	}

	body, err := d.store.ReadSpan(ctx, name, rng.Start, rng.Length())
	if err != nil {
		return nil, err
	}
	return &Download{
		Filename: name,
		Body:     body,
		Range:    rng,
		Size:     size,
		Length:   rng.Length(),
	}, nil
}
