package byterange

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const unitPrefix = "bytes="

var (
	ErrMalformed     = errors.New("malformed range header")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is a resolved, inclusive byte span of an artifact of Total bytes.
type Range struct {
	Start int64
	End   int64
	Total int64
}

// Length returns the number of bytes covered by the range.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the value of a 206 Content-Range header.
func (r Range) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// UnsatisfiableError reports a well-formed range that falls outside the artifact.
type UnsatisfiableError struct {
	Start int64
	End   int64
	Total int64
}

func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf("%s: %d-%d of %d bytes", ErrUnsatisfiable, e.Start, e.End, e.Total)
}

func (e *UnsatisfiableError) Is(target error) bool {
	return target == ErrUnsatisfiable
}

// ContentRange formats the value of a 416 Content-Range header.
func (e *UnsatisfiableError) ContentRange() string {
	return fmt.Sprintf("bytes */%d", e.Total)
}

// Resolve parses a "bytes=<start>-<end>" header against an artifact of total
// bytes. An empty header yields a nil range, meaning the whole artifact.
// A missing start means 0 and a missing end means total-1.
func Resolve(header string, total int64) (*Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	if len(header) < len(unitPrefix) || !strings.EqualFold(header[:len(unitPrefix)], unitPrefix) {
		return nil, errors.Wrapf(ErrMalformed, "range %q", header)
	}

	spec := strings.TrimSpace(header[len(unitPrefix):])
	startText, endText, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "range %q: missing '-'", header)
	}
	startText = strings.TrimSpace(startText)
	endText = strings.TrimSpace(endText)
	if startText == "" && endText == "" {
		return nil, errors.Wrapf(ErrMalformed, "range %q: no bounds", header)
	}

	start := int64(0)
	if startText != "" {
		n, err := parseOffset(startText)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "range %q: start", header)
		}
		start = n
	}

	end := total - 1
	if endText != "" {
		n, err := parseOffset(endText)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "range %q: end", header)
		}
		end = n
	}

	if start > end || end >= total {
		return nil, &UnsatisfiableError{Start: start, End: end, Total: total}
	}

	return &Range{Start: start, End: end, Total: total}, nil
}

// parseOffset accepts only plain decimal digits; signs and list separators
// are rejected.
func parseOffset(s string) (int64, error) {
	n, err := strconv.ParseUint(s, 10, 63)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
