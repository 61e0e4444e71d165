package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/shroud/internal/detect"
	"github.com/andresmejia3/shroud/internal/pipeline"
	"github.com/andresmejia3/shroud/internal/redact"
	"github.com/andresmejia3/shroud/internal/video"
)

var ErrConfiguration = errors.New("invalid job configuration")

// Config is fixed for the lifetime of a job.
type Config struct {
	SampleInterval    int
	ThumbnailInterval int
	Depersonalize     bool
	Overlay           bool

	KernelSize int
	Sigma      float64
	Plates     detect.PlateFilter

	OutputDir    string
	ThumbnailDir string

	Decoder      video.Backend
	Encoder      video.Backend
	ProbeTimeout time.Duration

	// When set, the source must decode at exactly this size.
	OutputWidth  int
	OutputHeight int
	// Container frame rate used when the source reports none. Duration is still recorded as 0.
	FallbackFPS float64
}

func DefaultConfig() Config {
	return Config{
		SampleInterval:    5,
		ThumbnailInterval: 100,
		Depersonalize:     true,
		KernelSize:        99,
		Sigma:             30,
		Plates:            detect.DefaultPlateFilter(),
		OutputDir:         "data/output",
		ThumbnailDir:      "data/thumbnails",
		Decoder:           video.BackendFFmpeg,
		Encoder:           video.BackendFFmpeg,
		ProbeTimeout:      10 * time.Second,
		FallbackFPS:       30,
	}
}

func (c Config) Validate() error {
	if err := c.pipelineConfig("").Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := c.redactor().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := c.Plates.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output directory is required", ErrConfiguration)
	}
	for _, b := range []video.Backend{c.Decoder, c.Encoder} {
		if _, err := video.ParseBackend(string(b)); err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	if (c.OutputWidth == 0) != (c.OutputHeight == 0) || c.OutputWidth < 0 || c.OutputHeight < 0 {
		return fmt.Errorf("%w: output geometry must set both width and height", ErrConfiguration)
	}
	if c.FallbackFPS <= 0 {
		return fmt.Errorf("%w: fallback fps must be > 0", ErrConfiguration)
	}
	return nil
}

func (c Config) pipelineConfig(thumbnail string) pipeline.Config {
	return pipeline.Config{
		SampleInterval:    c.SampleInterval,
		ThumbnailInterval: c.ThumbnailInterval,
		Depersonalize:     c.Depersonalize,
		ThumbnailPath:     thumbnail,
	}
}

func (c Config) redactor() *redact.Redactor {
	return redact.New(c.KernelSize, c.Sigma, c.Overlay)
}

// checkGeometry rejects a source whose decoded size differs from the configured output size.
func (c Config) checkGeometry(geo video.Geometry) error {
	if c.OutputWidth == 0 {
		return nil
	}
	if geo.Width != c.OutputWidth || geo.Height != c.OutputHeight {
		return fmt.Errorf("%w: source is %dx%d, output is configured as %dx%d",
			ErrConfiguration, geo.Width, geo.Height, c.OutputWidth, c.OutputHeight)
	}
	return nil
}
