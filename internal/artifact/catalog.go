package artifact

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Catalog resolves the published descriptor against the store.
type Catalog struct {
	store     Store
	published Descriptor
}

func NewCatalog(store Store, published Descriptor) *Catalog {
	return &Catalog{
		store:     store,
		published: published,
	}
}

// Published returns the configured descriptor.
func (c *Catalog) Published() Descriptor {
	return c.published
}

// Current returns the published artifact with its size as of now, or nil
// when the file has not been provisioned.
func (c *Catalog) Current(ctx context.Context) (*Artifact, error) {
	ok, err := c.store.Exists(ctx, c.published.Filename)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	size, err := c.store.Size(ctx, c.published.Filename)
	if err != nil {
		// Removed between the two calls.
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &Artifact{
		Version:   c.published.Version,
		Filename:  c.published.Filename,
		PublishID: c.published.PublishID,
		Size:      size,
	}, nil
}

// Available reports whether the published file is present. Lookup errors
// count as unavailable.
func (c *Catalog) Available(ctx context.Context) bool {
	ok, err := c.store.Exists(ctx, c.published.Filename)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("filename", c.published.Filename).Msg("firmware availability check failed")
		return false
	}
	return ok
}
