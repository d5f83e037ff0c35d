package artifact

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("firmware not found")
)

// Store is a read-only view of firmware files keyed by filename.
type Store interface {
	// Exists reports whether a firmware file is present
	Exists(ctx context.Context, name string) (bool, error)
	// Size returns the byte size of a firmware file
	Size(ctx context.Context, name string) (int64, error)
	// ReadSpan streams length bytes starting at start. The stream may end
	// early if the file is shorter than start+length.
	ReadSpan(ctx context.Context, name string, start, length int64) (io.ReadCloser, error)
	// ReadFull streams the whole file
	ReadFull(ctx context.Context, name string) (io.ReadCloser, error)
}

// fileblob keeps object attributes in "<name>.attrs" sidecar files.
const sidecarSuffix = ".attrs"

// validName accepts a single path segment only, and never a sidecar file.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasSuffix(name, sidecarSuffix) {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
