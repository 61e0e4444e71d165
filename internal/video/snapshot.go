package video

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocv.io/x/gocv"
)

// SnapshotQuality is the JPEG quality used for single-frame captures.
const SnapshotQuality = 80

// CaptureSnapshot opens its own short-lived source, grabs the first frame and encodes it as JPEG.
func CaptureSnapshot(ctx context.Context, descriptor string, opts Options) ([]byte, error) {
	src, err := Open(ctx, descriptor, opts)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	frame, err := src.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: no frame available from %s", ErrRead, descriptor)
		}
		return nil, err
	}
	defer frame.Close()

	return EncodeJPEG(frame.Mat, SnapshotQuality)
}

// EncodeJPEG returns a copy of the encoded bytes; the native buffer is released before returning.
func EncodeJPEG(mat gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
