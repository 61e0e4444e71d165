package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/shroud/internal/types"
	"github.com/andresmejia3/shroud/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    byte = 0
	statusError byte = 1

	// Upper bound on a single response; anything larger means the stream is out of sync.
	maxResponseSize = 16 << 20
)

var (
	ErrTimeout = errors.New("face detector timed out")
	// ErrBroken is returned for every call after an exchange failed midway.
	// The pipe may still hold a late reply, so the worker is never reused.
	ErrBroken = errors.New("face detector out of sync")
)

// FaceWorker is an external face detector process.
// Frames go in on stdin, results come back on a side-channel pipe (FD 3) so that
// anything the child prints to stdout/stderr can never corrupt the protocol.
type FaceWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	broken error
}

// NewFaceWorker starts the detector given as a command line, e.g. "python3 -u detector/faces.py".
func NewFaceWorker(ctx context.Context, id int, command string, readTimeout time.Duration) (*FaceWorker, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty detector command")
	}

	proc := utils.NewSafeCommand(ctx, argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &FaceWorker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: readTimeout,
	}, nil
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// fail kills the detector and makes every later call return the same error.
func (w *FaceWorker) fail(err error) error {
	w.broken = fmt.Errorf("%w: %w", ErrBroken, err)
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.DataPipe.Close()
	return err
}

func (w *FaceWorker) communicate(data []byte) ([]byte, error) {
	if w.broken != nil {
		return nil, w.broken
	}
	resp, err := w.exchange(data)
	if err != nil {
		return nil, w.fail(err)
	}
	return resp, nil
}

func (w *FaceWorker) exchange(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(deadliner); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, w.ReadTimeout)
		}
		return nil, err // the child crashed before answering
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseSize {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, w.ReadTimeout)
		}
		return nil, err
	}
	return respBody, nil
}

// ProcessFrame sends one encoded image and returns the face boxes the detector found.
// Response: [Status:0] [NumFaces uint32] then per face [Top Right Bottom Left int32]
// or on failure: [Status:1] [MsgLen uint32] [Msg]
func (w *FaceWorker) ProcessFrame(img []byte) ([]types.FaceRegion, error) {
	resp, err := w.communicate(img)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func decodeResponse(resp []byte) ([]types.FaceRegion, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response from detector")
	}
	reader := bytes.NewReader(resp[1:])

	if resp[0] == statusError {
		var msgLen uint32
		if err := binary.Read(reader, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("failed to read error length: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(reader, msg); err != nil {
			return nil, fmt.Errorf("failed to read error message: %w", err)
		}
		return nil, fmt.Errorf("face detector error: %s", msg)
	}
	if resp[0] != statusOK {
		return nil, fmt.Errorf("unknown detector status %d", resp[0])
	}

	var count uint32
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}
	if int(count)*16 > reader.Len() {
		return nil, fmt.Errorf("detector announced %d faces but sent %d bytes", count, reader.Len())
	}

	faces := make([]types.FaceRegion, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		if err := binary.Read(reader, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("failed to read face %d: %w", i, err)
		}
		faces = append(faces, types.FaceRegion{
			Top:    int(box[0]),
			Right:  int(box[1]),
			Bottom: int(box[2]),
			Left:   int(box[3]),
		})
	}
	return faces, nil
}

func (w *FaceWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
