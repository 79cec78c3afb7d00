package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes a frame to w. The frame format is:
//   - 4 bytes: body size as little-endian uint32
//   - N bytes: body
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame body from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read frame size: %w", err)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return body, nil
}

// WriteFrameWithContext writes a frame with context cancellation support.
// A cancelled write leaves the writer in an undefined state; callers are
// expected to drop the connection.
func WriteFrameWithContext(ctx context.Context, w io.Writer, body []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- WriteFrame(w, body)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
