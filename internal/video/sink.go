package video

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/andresmejia3/shroud/internal/types"
	"github.com/andresmejia3/shroud/internal/utils"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"gocv.io/x/gocv"
)

// Sink appends frames to an output container. Close flushes and is safe to call twice.
type Sink interface {
	Write(f types.Frame) error
	Close() error
}

// Create opens an output video of the given geometry.
// The encoder deliberately ignores cancellation of ctx: a stopped job still has to flush its container.
func Create(ctx context.Context, path string, geo Geometry, opts Options) (Sink, error) {
	if geo.Width <= 0 || geo.Height <= 0 || geo.FPS <= 0 {
		return nil, fmt.Errorf("invalid output geometry %dx%d @ %.2f fps", geo.Width, geo.Height, geo.FPS)
	}
	switch opts.Backend {
	case BackendOpenCV:
		return createWriter(path, geo)
	case BackendFFmpeg, "":
		return createFFmpeg(context.WithoutCancel(ctx), path, geo)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

func checkFrame(f types.Frame, geo Geometry) error {
	if f.Mat.Empty() {
		return fmt.Errorf("%w: frame %d is empty", ErrWrite, f.Index)
	}
	if f.Width() != geo.Width || f.Height() != geo.Height || f.Mat.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("%w: frame %d is %dx%d, sink expects %dx%d BGR",
			ErrWrite, f.Index, f.Width(), f.Height(), geo.Width, geo.Height)
	}
	return nil
}

// --- ffmpeg backend ---

type ffmpegSink struct {
	geo Geometry
	cmd *utils.SafeCommand
	in  io.WriteCloser

	closeOnce sync.Once
	closeErr  error
}

func createFFmpeg(ctx context.Context, path string, geo Geometry) (*ffmpegSink, error) {
	stream := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":      "rawvideo",
		"pix_fmt":     "bgr24",
		"s":           fmt.Sprintf("%dx%d", geo.Width, geo.Height),
		"r":           strconv.FormatFloat(geo.FPS, 'f', -1, 64),
		"loglevel":    "error",
		"hide_banner": "",
	}).Output(path, ffmpeg.KwArgs{
		"c:v":     "libx264",
		"pix_fmt": "yuv420p",
		"preset":  "veryfast",
	}).OverWriteOutput()
	stream.Context = ctx

	cmd := newSafeCommand(stream.Compile())
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	return &ffmpegSink{geo: geo, cmd: cmd, in: in}, nil
}

func (s *ffmpegSink) Write(f types.Frame) error {
	if err := checkFrame(f, s.geo); err != nil {
		return err
	}
	if _, err := s.in.Write(f.Mat.ToBytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (s *ffmpegSink) Close() error {
	s.closeOnce.Do(func() {
		s.in.Close()
		if err := s.cmd.Wait(); err != nil {
			s.closeErr = fmt.Errorf("encoder exited: %w: %s", err, s.cmd.Stderr.String())
		}
	})
	return s.closeErr
}

// --- opencv backend ---

type writerSink struct {
	geo Geometry
	vw  *gocv.VideoWriter

	closeOnce sync.Once
	closeErr  error
}

func createWriter(path string, geo Geometry) (*writerSink, error) {
	vw, err := gocv.VideoWriterFile(path, "mp4v", geo.FPS, geo.Width, geo.Height, true)
	if err != nil {
		return nil, fmt.Errorf("open video writer: %w", err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("open video writer: cannot write %s", path)
	}
	return &writerSink{geo: geo, vw: vw}, nil
}

func (s *writerSink) Write(f types.Frame) error {
	if err := checkFrame(f, s.geo); err != nil {
		return err
	}
	if err := s.vw.Write(f.Mat); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (s *writerSink) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.vw.Close()
	})
	return s.closeErr
}
