package wire

import (
	"encoding/binary"
	"io"

	"github.com/teranos/certifier/errors"
)

// FrameHeaderSize is the size of the big-endian length prefix.
const FrameHeaderSize = 4

// DefaultMaxFrameSize bounds a frame when the caller does not configure a limit.
const DefaultMaxFrameSize = 1 << 20

// WriteFrame writes payload as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(payload) > maxSize {
		return errors.NewValidationf("frame of %d bytes exceeds limit of %d", len(payload), maxSize)
	}

	buf := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[FrameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. The announced length is checked
// against maxSize before the payload buffer is allocated.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read frame header")
	}

	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(maxSize) {
		return nil, errors.NewValidationf("frame of %d bytes exceeds limit of %d", size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "failed to read frame payload")
	}
	return payload, nil
}
