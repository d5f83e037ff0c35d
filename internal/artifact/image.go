package artifact

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// ImageHeaderSize is the size of the FWUP header written by WriteTestImage.
	ImageHeaderSize = 16
	// SlotLimit is the largest image an STM32 application slot accepts.
	SlotLimit = 896 * 1024

	imageMagic       = "FWUP"
	imageCRCSentinel = 0x12345678
)

// WriteTestImage writes a size-byte placeholder firmware image: a little-endian
// FWUP header (magic, version, size, CRC placeholder) followed by a repeating
// 0x00..0xff pattern.
func WriteTestImage(w io.Writer, version uint32, size int) error {
	if size < ImageHeaderSize {
		return errors.Errorf("image size %d is smaller than the %d byte header", size, ImageHeaderSize)
	}

	bw := bufio.NewWriter(w)
	header := make([]byte, ImageHeaderSize)
	copy(header[0:4], imageMagic)
	binary.LittleEndian.PutUint32(header[4:8], version)
	binary.LittleEndian.PutUint32(header[8:12], uint32(size))
	binary.LittleEndian.PutUint32(header[12:16], imageCRCSentinel)
	if _, err := bw.Write(header); err != nil {
		return errors.Wrap(err, "write image header")
	}

	var pattern [256]byte
	for i := range pattern {
		pattern[i] = byte(i)
	}
	for remaining := size - ImageHeaderSize; remaining > 0; {
		n := min(remaining, len(pattern))
		if _, err := bw.Write(pattern[:n]); err != nil {
			return errors.Wrap(err, "write image body")
		}
		remaining -= n
	}
	return errors.Wrap(bw.Flush(), "flush image")
}
