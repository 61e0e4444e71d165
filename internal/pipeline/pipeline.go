package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/andresmejia3/shroud/internal/redact"
	"github.com/andresmejia3/shroud/internal/types"
	"gocv.io/x/gocv"
)

// Detector is satisfied by *detect.Engine.
type Detector interface {
	Detect(frame gocv.Mat) (types.DetectionResult, error)
}

type Config struct {
	SampleInterval    int
	ThumbnailInterval int
	Depersonalize     bool
	// ThumbnailPath is overwritten on every capture. Empty disables thumbnails.
	ThumbnailPath string
}

func (c Config) Validate() error {
	if c.SampleInterval < 1 {
		return fmt.Errorf("sample interval must be >= 1, got %d", c.SampleInterval)
	}
	if c.ThumbnailInterval < 1 {
		return fmt.Errorf("thumbnail interval must be >= 1, got %d", c.ThumbnailInterval)
	}
	return nil
}

// Stats only ever grow. Faces and Plates count detections on sampled frames.
type Stats struct {
	Processed       int
	Sampled         int
	Faces           int
	Plates          int
	DetectionErrors int
	Thumbnail       string
}

// Pipeline applies the sampling policy to a stream of frames. Not safe for concurrent use.
type Pipeline struct {
	cfg      Config
	detector Detector
	redactor *redact.Redactor
	log      *slog.Logger
	stats    Stats
}

func New(cfg Config, detector Detector, redactor *redact.Redactor, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ThumbnailPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.ThumbnailPath), 0755); err != nil {
			return nil, fmt.Errorf("create thumbnail dir: %w", err)
		}
	}
	return &Pipeline{cfg: cfg, detector: detector, redactor: redactor, log: logger}, nil
}

func (p *Pipeline) Stats() Stats { return p.stats }

// Process takes ownership of f and returns the frame to write out.
// Sampled frames (index mod SampleInterval == 0) go through detection and redaction.
func (p *Pipeline) Process(f types.Frame) types.Frame {
	out := f
	if f.Index%p.cfg.SampleInterval == 0 {
		out = p.processSampled(f)
	}

	p.stats.Processed++
	if p.cfg.ThumbnailPath != "" && p.stats.Processed%p.cfg.ThumbnailInterval == 0 {
		p.writeThumbnail(out)
	}
	return out
}

func (p *Pipeline) processSampled(f types.Frame) types.Frame {
	p.stats.Sampled++

	res, err := p.detect(f)
	if err != nil {
		p.stats.DetectionErrors++
		p.log.Warn("detection failed, frame passed through", "frame", f.Index, "error", err)
		return f
	}

	p.stats.Faces += len(res.Faces)
	p.stats.Plates += len(res.Plates)

	if p.redactor == nil || res.Empty() {
		return f
	}
	mat, changed := p.redactor.Process(f.Mat, res, p.cfg.Depersonalize)
	if !changed {
		return f
	}
	f.Close()
	return types.Frame{Index: f.Index, Mat: mat}
}

// detect contains panics from native detectors so a single bad frame cannot kill the job.
func (p *Pipeline) detect(f types.Frame) (res types.DetectionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	if p.detector == nil {
		return types.DetectionResult{}, nil
	}
	return p.detector.Detect(f.Mat)
}

func (p *Pipeline) writeThumbnail(f types.Frame) {
	if ok := gocv.IMWrite(p.cfg.ThumbnailPath, f.Mat); !ok {
		p.log.Warn("thumbnail write failed", "path", p.cfg.ThumbnailPath, "frame", f.Index)
		return
	}
	p.stats.Thumbnail = p.cfg.ThumbnailPath
}
