package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/shroud/internal/cache"
	"github.com/andresmejia3/shroud/internal/detect"
	"github.com/andresmejia3/shroud/internal/job"
	"github.com/andresmejia3/shroud/internal/utils"
	"github.com/andresmejia3/shroud/internal/video"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the stream and process commands
type Options struct {
	SampleInterval    int
	ThumbnailInterval int
	KeepOriginal      bool
	Overlay           bool
	BlurKernel        int
	BlurSigma         float64

	PlateMinArea       float64
	PlateMinAspect     float64
	PlateMaxAspect     float64
	PlateMinConfidence float64
	PlateMinText       int
	PlateBox           string
	OCRLanguage        string
	OCRWhitelist       string

	FaceModel     string
	FaceWorker    string
	WorkerTimeout string

	OutputDir    string
	ThumbnailDir string
	OutputSize   string
	Decoder      string
	Encoder      string
	ProbeTimeout string
}

func addJobFlags(c *cobra.Command, o *Options) {
	def := job.DefaultConfig()
	f := c.Flags()

	f.IntVarP(&o.SampleInterval, "sample-interval", "n", def.SampleInterval, "Run detection on every Nth frame")
	f.IntVar(&o.ThumbnailInterval, "thumbnail-interval", def.ThumbnailInterval, "Refresh the job thumbnail every N frames")
	f.BoolVar(&o.KeepOriginal, "no-depersonalize", false, "Detect and count, but do not blur")
	f.BoolVar(&o.Overlay, "overlay", false, "Draw detection boxes and plate text on sampled frames")
	f.IntVar(&o.BlurKernel, "blur-kernel", def.KernelSize, "Gaussian kernel size (odd)")
	f.Float64Var(&o.BlurSigma, "blur-sigma", def.Sigma, "Gaussian sigma")

	f.Float64Var(&o.PlateMinArea, "plate-min-area", def.Plates.MinArea, "Minimum contour area for a plate candidate")
	f.Float64Var(&o.PlateMinAspect, "plate-min-aspect", def.Plates.MinAspect, "Lower (exclusive) width/height bound for a plate")
	f.Float64Var(&o.PlateMaxAspect, "plate-max-aspect", def.Plates.MaxAspect, "Upper (exclusive) width/height bound for a plate")
	f.Float64Var(&o.PlateMinConfidence, "plate-min-confidence", def.Plates.MinConfidence, "OCR confidence a plate must exceed (0.0-1.0)")
	f.IntVar(&o.PlateMinText, "plate-min-text", def.Plates.MinTextLength, "Minimum recognized plate text length")
	f.StringVar(&o.PlateBox, "plate-box", string(def.Plates.Box), "Plate rectangle to report: contour, recognizer")
	f.StringVar(&o.OCRLanguage, "ocr-lang", "eng", "Tesseract language")
	f.StringVar(&o.OCRWhitelist, "ocr-whitelist", "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", "Characters the OCR may return (empty allows all)")

	f.StringVar(&o.FaceModel, "face-model", "models/haarcascade_frontalface_default.xml", "Haar cascade used for face detection")
	f.StringVar(&o.FaceWorker, "face-worker", "", "External face detector command (replaces --face-model)")
	f.StringVar(&o.WorkerTimeout, "worker-timeout", "30s", "Timeout for the face worker to answer a single frame")

	f.StringVar(&o.OutputDir, "output-dir", def.OutputDir, "Directory for redacted videos")
	f.StringVar(&o.ThumbnailDir, "thumbnail-dir", def.ThumbnailDir, "Directory for job thumbnails (empty disables them)")
	f.StringVar(&o.OutputSize, "output-size", "", "Required source size as WIDTHxHEIGHT (default: accept any)")
	f.StringVar(&o.Decoder, "decoder", string(def.Decoder), "Frame decoder backend: ffmpeg, opencv")
	f.StringVar(&o.Encoder, "encoder", string(def.Encoder), "Output encoder backend: ffmpeg, opencv")
	f.StringVar(&o.ProbeTimeout, "probe-timeout", def.ProbeTimeout.String(), "Timeout for probing the source")
}

// validateJobFlags turns flags into a job.Config, reporting the first problem to the user.
func validateJobFlags(opts *Options) (job.Config, error) {
	cfg, err := opts.jobConfig()
	if err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return job.Config{}, err
	}
	return cfg, nil
}

func (o *Options) jobConfig() (job.Config, error) {
	cfg := job.DefaultConfig()
	cfg.SampleInterval = o.SampleInterval
	cfg.ThumbnailInterval = o.ThumbnailInterval
	cfg.Depersonalize = !o.KeepOriginal
	cfg.Overlay = o.Overlay
	cfg.KernelSize = o.BlurKernel
	cfg.Sigma = o.BlurSigma
	cfg.OutputDir = o.OutputDir
	cfg.ThumbnailDir = o.ThumbnailDir

	box, err := detect.ParseBoxMode(o.PlateBox)
	if err != nil {
		return cfg, err
	}
	cfg.Plates = detect.PlateFilter{
		MinArea:       o.PlateMinArea,
		MinAspect:     o.PlateMinAspect,
		MaxAspect:     o.PlateMaxAspect,
		MinConfidence: o.PlateMinConfidence,
		MinTextLength: o.PlateMinText,
		Box:           box,
	}

	if cfg.Decoder, err = video.ParseBackend(o.Decoder); err != nil {
		return cfg, err
	}
	if cfg.Encoder, err = video.ParseBackend(o.Encoder); err != nil {
		return cfg, err
	}
	if cfg.ProbeTimeout, err = time.ParseDuration(o.ProbeTimeout); err != nil {
		return cfg, fmt.Errorf("invalid --probe-timeout (use '10s', '1m'): %w", err)
	}
	if _, err := o.workerTimeout(); err != nil {
		return cfg, err
	}
	if o.FaceWorker == "" && o.FaceModel == "" {
		return cfg, fmt.Errorf("one of --face-model or --face-worker is required")
	}
	if cfg.OutputWidth, cfg.OutputHeight, err = parseSize(o.OutputSize); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (o *Options) workerTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(o.WorkerTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid --worker-timeout (use '30s', '1m'): %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("--worker-timeout must be positive, got %s", d)
	}
	return d, nil
}

// parseSize accepts "" (no constraint) or WIDTHxHEIGHT.
func parseSize(s string) (int, int, error) {
	if s == "" {
		return 0, 0, nil
	}
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, want WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid width in %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid height in %q", s)
	}
	return width, height, nil
}

// detectorFactory builds a fresh face locator and OCR client for every job.
func detectorFactory(opts Options) job.DetectorFactory {
	return func(ctx context.Context, cfg job.Config) (job.Detector, error) {
		var faces detect.FaceLocator
		if opts.FaceWorker != "" {
			timeout, err := opts.workerTimeout()
			if err != nil {
				return nil, err
			}
			w, err := detect.NewWorkerLocator(ctx, opts.FaceWorker, timeout)
			if err != nil {
				return nil, fmt.Errorf("start face worker: %w", err)
			}
			faces = w
		} else {
			c, err := detect.NewCascadeLocator(opts.FaceModel)
			if err != nil {
				return nil, err
			}
			faces = c
		}

		ocr, err := detect.NewTesseractRecognizer(detect.OCROptions{
			Language:  opts.OCRLanguage,
			Whitelist: opts.OCRWhitelist,
		})
		if err != nil {
			faces.Close()
			return nil, err
		}
		return detect.NewEngine(faces, detect.NewPlateLocator(cfg.Plates, ocr)), nil
	}
}

// newRunner wires the global store and the optional Redis mirror into a job runner.
func newRunner(opts Options, observers ...job.Observer) *job.Runner {
	if Cache != nil {
		observers = append(observers, cache.NewStatusObserver(Cache, time.Second, logger))
	}

	var recorder job.Recorder
	if DB != nil {
		recorder = DB
	}
	return job.NewRunner(recorder, detectorFactory(opts), logger, job.WithObserver(job.Observers(observers)))
}
