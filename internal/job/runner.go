package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/shroud/internal/pipeline"
	"github.com/andresmejia3/shroud/internal/store"
	"github.com/andresmejia3/shroud/internal/utils"
	"github.com/andresmejia3/shroud/internal/video"
	"github.com/google/uuid"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrShuttingDown is returned by StartStream and StartFile once Shutdown has begun.
	ErrShuttingDown = errors.New("runner is shutting down")
)

const recordTimeout = 10 * time.Second

// Detector is what the runner needs from a detection engine: per-frame detection plus teardown.
type Detector interface {
	pipeline.Detector
	Close() error
}

// DetectorFactory builds a fresh detector for each job; detectors are never shared between jobs.
type DetectorFactory func(ctx context.Context, cfg Config) (Detector, error)

// Recorder persists finished jobs. *store.Store satisfies it.
type Recorder interface {
	SaveVideo(ctx context.Context, r store.VideoRecord) (int64, error)
	GetVideoByJobID(ctx context.Context, jobID uuid.UUID) (store.VideoRecord, error)
}

// Observer is notified on every state change and after every written frame.
// Calls come from the job goroutine and must not block.
type Observer interface {
	OnState(s Status)
	OnProgress(s Status)
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) OnState(s Status) {
	for _, obs := range o {
		obs.OnState(s)
	}
}

func (o Observers) OnProgress(s Status) {
	for _, obs := range o {
		obs.OnProgress(s)
	}
}

type nopObserver struct{}

func (nopObserver) OnState(Status)    {}
func (nopObserver) OnProgress(Status) {}

type (
	SourceOpener func(ctx context.Context, descriptor string, opts video.Options) (video.Source, error)
	SinkCreator  func(ctx context.Context, path string, geo video.Geometry, opts video.Options) (video.Sink, error)
)

// Runner owns the lifecycle of every job it starts. One goroutine per job.
type Runner struct {
	recorder  Recorder
	detectors DetectorFactory
	registry  *Registry
	observer  Observer
	log       *slog.Logger

	openSource SourceOpener
	createSink SinkCreator
	now        func() time.Time

	// mu orders admission against Shutdown: a job is either registered
	// before closing is set, or rejected.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

type Option func(*Runner)

func WithObserver(o Observer) Option        { return func(r *Runner) { r.observer = o } }
func WithSourceOpener(f SourceOpener) Option { return func(r *Runner) { r.openSource = f } }
func WithSinkCreator(f SinkCreator) Option   { return func(r *Runner) { r.createSink = f } }
func WithClock(now func() time.Time) Option  { return func(r *Runner) { r.now = now } }

// NewRunner wires a runner. recorder may be nil, in which case nothing is persisted.
func NewRunner(recorder Recorder, detectors DetectorFactory, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		recorder:   recorder,
		detectors:  detectors,
		registry:   NewRegistry(),
		observer:   nopObserver{},
		log:        logger,
		openSource: video.Open,
		createSink: video.Create,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Registry() *Registry { return r.registry }

// StartStream begins depersonalizing a live stream. It returns once the job is Running,
// or with the Initializing error. ctx bounds the job's lifetime.
func (r *Runner) StartStream(ctx context.Context, req Request, cfg Config) (*Job, error) {
	return r.start(ctx, KindStream, req, cfg)
}

// StartFile is StartStream for a finite file; the job ends at end of file.
func (r *Runner) StartFile(ctx context.Context, req Request, cfg Config) (*Job, error) {
	if _, err := os.Stat(req.Source); err != nil {
		return nil, fmt.Errorf("%w: %v", video.ErrSourceOpen, err)
	}
	return r.start(ctx, KindFile, req, cfg)
}

// resources holds everything acquired during Initializing; each is released exactly once.
type resources struct {
	src      video.Source
	sink     video.Sink
	detector Detector
	pipe     *pipeline.Pipeline
	fps      float64

	depersonalize bool
}

func (res *resources) release(log *slog.Logger) {
	if res.src != nil {
		if err := res.src.Close(); err != nil {
			log.Warn("source close failed", "error", err)
		}
		res.src = nil
	}
	if res.sink != nil {
		if err := res.sink.Close(); err != nil {
			log.Error("output close failed", "error", err)
		}
		res.sink = nil
	}
	if res.detector != nil {
		if err := res.detector.Close(); err != nil {
			log.Warn("detector close failed", "error", err)
		}
		res.detector = nil
	}
}

func (r *Runner) start(ctx context.Context, kind Kind, req Request, cfg Config) (*Job, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("%w: empty source", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = utils.SourceName(req.Source)
	}
	j := newJob(kind, req, utils.SanitizeName(name), r.now())

	jobCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	log := r.log.With("job", j.ID, "kind", kind, "source", j.SourceName)
	if err := r.admit(j); err != nil {
		cancel()
		return nil, err
	}
	r.observer.OnState(j.Status())

	res, err := r.initialize(jobCtx, j, cfg, log)
	if err != nil {
		res.release(log)
		cancel()
		log.Error("job failed to initialize", "error", err)
		j.transition(Failed)
		j.settle(Outcome{State: Failed, Reason: err.Error(), Err: err}, r.now())
		r.observer.OnState(j.Status())
		r.registry.Remove(j.ID)
		close(j.done)
		r.wg.Done()
		return nil, err
	}

	if err := j.transition(Running); err != nil {
		// unreachable: nothing else touches a job in Initializing
		panic(err)
	}
	log.Info("job running", "output", j.outputPath, "fps", res.fps)
	r.observer.OnState(j.Status())

	go r.run(jobCtx, j, res, log)
	return j, nil
}

// admit registers j and counts it for Shutdown, unless Shutdown has already begun.
func (r *Runner) admit(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return ErrShuttingDown
	}
	r.wg.Add(1)
	r.registry.Add(j)
	return nil
}

func (r *Runner) initialize(ctx context.Context, j *Job, cfg Config, log *slog.Logger) (*resources, error) {
	res := &resources{depersonalize: cfg.Depersonalize}

	src, err := r.openSource(ctx, j.Source, video.Options{Backend: cfg.Decoder, ProbeTimeout: cfg.ProbeTimeout})
	if err != nil {
		if !errors.Is(err, video.ErrSourceOpen) {
			err = fmt.Errorf("%w: %v", video.ErrSourceOpen, err)
		}
		return res, err
	}
	res.src = src

	geo := src.Geometry()
	if err := cfg.checkGeometry(geo); err != nil {
		return res, err
	}
	res.fps = geo.FPS

	j.mu.Lock()
	j.geometry = geo
	j.mu.Unlock()

	detector, err := r.detectors(ctx, cfg)
	if err != nil {
		return res, fmt.Errorf("build detector: %w", err)
	}
	res.detector = detector

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return res, fmt.Errorf("create output dir: %w", err)
	}
	thumbnail := ""
	if cfg.ThumbnailDir != "" {
		thumbnail = filepath.Join(cfg.ThumbnailDir, utils.ThumbnailFilename(j.SourceName, j.startedAt, "jpg"))
	}

	pipe, err := pipeline.New(cfg.pipelineConfig(thumbnail), detector, cfg.redactor(), log)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	res.pipe = pipe

	sinkGeo := geo
	if sinkGeo.FPS <= 0 {
		log.Warn("source reports no frame rate, using fallback for the container", "fps", cfg.FallbackFPS)
		sinkGeo.FPS = cfg.FallbackFPS
	}
	outputPath := filepath.Join(cfg.OutputDir, utils.OutputFilename(j.SourceName, j.startedAt, "mp4"))
	sink, err := r.createSink(ctx, outputPath, sinkGeo, video.Options{Backend: cfg.Encoder})
	if err != nil {
		return res, fmt.Errorf("open output: %w", err)
	}
	res.sink = sink

	j.mu.Lock()
	j.outputPath = outputPath
	j.mu.Unlock()

	return res, nil
}

func (r *Runner) run(ctx context.Context, j *Job, res *resources, log *slog.Logger) {
	defer r.wg.Done()

	var reason string
	defer func() {
		if p := recover(); p != nil {
			reason = fmt.Sprintf("internal error: %v", p)
			log.Error("job loop panicked", "panic", p)
		}
		r.finalize(j, res, reason, log)
	}()

	reason = r.loop(ctx, j, res, log)
}

// loop runs until the source ends, an I/O error occurs or ctx is cancelled. It returns why it stopped.
func (r *Runner) loop(ctx context.Context, j *Job, res *resources, log *slog.Logger) string {
	for {
		if ctx.Err() != nil {
			return "stopped"
		}

		frame, err := res.src.Read()
		if err != nil {
			if ctx.Err() != nil {
				return "stopped"
			}
			if errors.Is(err, io.EOF) {
				return "end of stream"
			}
			log.Warn("read failed, finalizing", "error", err)
			return fmt.Sprintf("read error: %v", err)
		}

		out := res.pipe.Process(frame)
		err = res.sink.Write(out)
		out.Close()

		j.setStats(res.pipe.Stats())
		if err != nil {
			log.Error("write failed, finalizing", "error", err)
			return fmt.Sprintf("write error: %v", err)
		}
		r.observer.OnProgress(j.Status())
	}
}

func (r *Runner) finalize(j *Job, res *resources, reason string, log *slog.Logger) {
	if err := j.transition(Finalizing); err != nil {
		log.Error("finalize", "error", err)
	}
	r.observer.OnState(j.Status())

	res.release(log)
	j.cancel()

	stats := res.pipe.Stats()
	j.setStats(stats)

	duration := 0.0
	if res.fps > 0 {
		duration = float64(stats.Processed) / res.fps
	}

	ended := r.now()
	outcome := Outcome{State: Completed, Stats: stats, Duration: duration, Reason: reason}

	if r.recorder != nil {
		j.mu.RLock()
		rec := store.VideoRecord{
			JobID:           j.ID,
			Filename:        filepath.Base(j.outputPath),
			SourceName:      j.SourceName,
			CameraID:        j.CameraID,
			StartedAt:       j.startedAt,
			EndedAt:         ended,
			Duration:        duration,
			ProcessedFrames: stats.Processed,
			SampledFrames:   stats.Sampled,
			Faces:           stats.Faces,
			Plates:          stats.Plates,
			DetectionErrors: stats.DetectionErrors,
			Depersonalized:  res.depersonalize,
			Thumbnail:       stats.Thumbnail,
			EndReason:       reason,
		}
		j.mu.RUnlock()

		// The job context is already cancelled here
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		outcome.RecordID, outcome.RecordErr = r.recorder.SaveVideo(ctx, rec)
		cancel()
		if outcome.RecordErr != nil {
			log.Error("failed to save video record", "error", outcome.RecordErr)
		}
	}

	if err := j.transition(Completed); err != nil {
		log.Error("finalize", "error", err)
	}
	j.settle(outcome, ended)
	r.observer.OnState(j.Status())
	r.registry.Remove(j.ID)
	close(j.done)

	log.Info("job completed",
		"reason", reason,
		"frames", stats.Processed,
		"sampled", stats.Sampled,
		"faces", stats.Faces,
		"plates", stats.Plates,
		"detection_errors", stats.DetectionErrors,
		"duration", duration)
}

// Stop cancels a running job and waits for it to finish Finalizing.
func (r *Runner) Stop(ctx context.Context, id uuid.UUID) (Outcome, error) {
	j, ok := r.registry.Get(id)
	if !ok {
		return Outcome{}, ErrJobNotFound
	}
	j.cancel()
	return j.Wait(ctx)
}

// Shutdown stops every live job and waits for all of them, or until ctx expires.
// Jobs still initializing are cancelled too; later starts fail with ErrShuttingDown.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	jobs := r.registry.List()
	r.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports a live job from the registry, or a finished one from the recorder.
func (r *Runner) Status(ctx context.Context, id uuid.UUID) (Status, error) {
	if j, ok := r.registry.Get(id); ok {
		return j.Status(), nil
	}
	if r.recorder == nil {
		return Status{}, ErrJobNotFound
	}
	rec, err := r.recorder.GetVideoByJobID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, ErrJobNotFound
	}
	if err != nil {
		return Status{}, err
	}
	return StatusFromRecord(rec), nil
}

// StatusFromRecord rebuilds the final status of a persisted job.
func StatusFromRecord(rec store.VideoRecord) Status {
	return Status{
		ID:              rec.JobID,
		SourceName:      rec.SourceName,
		CameraID:        rec.CameraID,
		State:           Completed,
		Processed:       rec.ProcessedFrames,
		Sampled:         rec.SampledFrames,
		Faces:           rec.Faces,
		Plates:          rec.Plates,
		DetectionErrors: rec.DetectionErrors,
		OutputPath:      rec.Filename,
		Thumbnail:       rec.Thumbnail,
		Reason:          rec.EndReason,
		StartedAt:       rec.StartedAt,
		EndedAt:         rec.EndedAt,
	}
}
