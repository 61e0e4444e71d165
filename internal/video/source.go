package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/andresmejia3/shroud/internal/types"
	"github.com/andresmejia3/shroud/internal/utils"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"gocv.io/x/gocv"
)

var (
	ErrSourceOpen = errors.New("source open failed")
	ErrRead       = errors.New("frame read failed")
	ErrWrite      = errors.New("frame write failed")
)

type Backend string

const (
	BackendFFmpeg Backend = "ffmpeg"
	BackendOpenCV Backend = "opencv"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendFFmpeg, BackendOpenCV:
		return Backend(s), nil
	}
	return "", fmt.Errorf("unknown video backend %q (want ffmpeg or opencv)", s)
}

type Options struct {
	Backend      Backend
	ProbeTimeout time.Duration
}

// Source yields frames in order. Read returns io.EOF once the stream is exhausted.
type Source interface {
	Geometry() Geometry
	Read() (types.Frame, error)
	Close() error
}

// Open connects to a stream or opens a file. The ffmpeg backend binds its decoder to ctx,
// so cancelling ctx unblocks a pending Read.
func Open(ctx context.Context, descriptor string, opts Options) (Source, error) {
	switch opts.Backend {
	case BackendOpenCV:
		return openCapture(descriptor)
	case BackendFFmpeg, "":
		return openFFmpeg(ctx, descriptor, opts)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrSourceOpen, opts.Backend)
	}
}

// --- ffmpeg backend ---

type ffmpegSource struct {
	geo    Geometry
	cmd    *utils.SafeCommand
	out    io.ReadCloser
	cancel context.CancelFunc
	buf    []byte
	next   int

	closeOnce sync.Once
	closeErr  error
}

// newSafeCommand captures the child's stderr so failures can be reported with ffmpeg's own message.
func newSafeCommand(c *exec.Cmd) *utils.SafeCommand {
	stderr := &bytes.Buffer{}
	c.Stderr = stderr
	return &utils.SafeCommand{Cmd: c, Stderr: stderr}
}

func decoderArgs(descriptor string) ffmpeg.KwArgs {
	in := ffmpeg.KwArgs{"loglevel": "error", "hide_banner": ""}
	if isRTSP(descriptor) {
		in["rtsp_transport"] = "tcp"
	}
	return in
}

func openFFmpeg(ctx context.Context, descriptor string, opts Options) (*ffmpegSource, error) {
	geo, err := Probe(ctx, descriptor, opts.ProbeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}

	// Child context so Close can kill the decoder without touching the caller's ctx
	ctx, cancel := context.WithCancel(ctx)

	stream := ffmpeg.Input(descriptor, decoderArgs(descriptor)).
		Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "bgr24"})
	stream.Context = ctx

	cmd := newSafeCommand(stream.Compile())
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: decoder pipe: %v", ErrSourceOpen, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start decoder: %v", ErrSourceOpen, err)
	}

	return &ffmpegSource{
		geo:    geo,
		cmd:    cmd,
		out:    out,
		cancel: cancel,
		buf:    make([]byte, geo.FrameSize()),
	}, nil
}

func (s *ffmpegSource) Geometry() Geometry { return s.geo }

func (s *ffmpegSource) Read() (types.Frame, error) {
	if _, err := io.ReadFull(s.out, s.buf); err != nil {
		if errors.Is(err, io.EOF) {
			return types.Frame{}, io.EOF
		}
		// A partial trailing frame is a truncated stream, not a clean end
		return types.Frame{}, fmt.Errorf("%w: %v", ErrRead, err)
	}

	wrapped, err := gocv.NewMatFromBytes(s.geo.Height, s.geo.Width, gocv.MatTypeCV8UC3, s.buf)
	if err != nil {
		return types.Frame{}, fmt.Errorf("%w: %v", ErrRead, err)
	}
	// The wrapper aliases s.buf, which the next Read overwrites
	mat := wrapped.Clone()
	wrapped.Close()

	f := types.Frame{Index: s.next, Mat: mat}
	s.next++
	return f, nil
}

func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.out.Close()
		if err := s.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			// Killed by our own cancel is expected
			if !errors.As(err, &exitErr) && !errors.Is(err, context.Canceled) {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// --- opencv backend ---

type captureSource struct {
	geo  Geometry
	cap  *gocv.VideoCapture
	next int

	closeOnce sync.Once
	closeErr  error
}

func openCapture(descriptor string) (*captureSource, error) {
	vc, err := gocv.OpenVideoCapture(descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: cannot open %s", ErrSourceOpen, descriptor)
	}

	geo := Geometry{
		FPS:        vc.Get(gocv.VideoCaptureFPS),
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FrameCount: int(vc.Get(gocv.VideoCaptureFrameCount)),
	}
	if geo.FrameCount < 0 {
		geo.FrameCount = 0
	}
	if geo.Width <= 0 || geo.Height <= 0 {
		vc.Close()
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrSourceOpen, geo.Width, geo.Height)
	}

	return &captureSource{geo: geo, cap: vc}, nil
}

func (s *captureSource) Geometry() Geometry { return s.geo }

// Read on this backend cannot be interrupted by context cancellation.
func (s *captureSource) Read() (types.Frame, error) {
	mat := gocv.NewMat()
	if ok := s.cap.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		// VideoCapture does not distinguish end of file from a dropped connection
		return types.Frame{}, io.EOF
	}

	f := types.Frame{Index: s.next, Mat: mat}
	s.next++
	return f, nil
}

func (s *captureSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cap.Close()
	})
	return s.closeErr
}
