package update

import (
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"
)

var ErrInvalidVersion = errors.New("invalid firmware version")

// ParseVersion understands the two spellings devices report:
//   - packed hex "0x00MMmmpp" (major in bits 16-23, minor 8-15, patch 0-7)
//   - dotted "v1", "1.2" or "1.2.3[-pre][+meta]", with missing parts as zero
func ParseVersion(s string) (*semver.Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.Wrap(ErrInvalidVersion, "empty")
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		packed, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidVersion, "%q", s)
		}
		return &semver.Version{
			Major: int64(packed >> 16),
			Minor: int64((packed >> 8) & 0xff),
			Patch: int64(packed & 0xff),
		}, nil
	}

	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	core, suffix := s, ""
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		core, suffix = s[:i], s[i:]
	}
	switch strings.Count(core, ".") {
	case 0:
		core += ".0.0"
	case 1:
		core += ".0"
	}

	v, err := semver.NewVersion(core + suffix)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidVersion, "%q", s)
	}
	return v, nil
}
