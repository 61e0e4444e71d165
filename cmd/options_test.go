package cmd

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/shroud/internal/detect"
	"github.com/andresmejia3/shroud/internal/job"
	"github.com/andresmejia3/shroud/internal/store"
	"github.com/andresmejia3/shroud/internal/video"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// defaultOptions returns Options as the flag defaults populate them.
func defaultOptions() Options {
	var o Options
	addJobFlags(&cobra.Command{}, &o)
	return o
}

// quietStderr discards ShowError output for the duration of the test.
func quietStderr(t *testing.T) {
	t.Helper()
	old := os.Stderr
	devnull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	os.Stderr = devnull
	t.Cleanup(func() {
		os.Stderr = old
		devnull.Close()
	})
}

func TestDefaultOptionsMatchJobDefaults(t *testing.T) {
	quietStderr(t)
	opts := defaultOptions()

	cfg, err := validateJobFlags(&opts)
	require.NoError(t, err)

	def := job.DefaultConfig()
	assert.Equal(t, def.SampleInterval, cfg.SampleInterval)
	assert.Equal(t, def.ThumbnailInterval, cfg.ThumbnailInterval)
	assert.True(t, cfg.Depersonalize)
	assert.False(t, cfg.Overlay)
	assert.Equal(t, def.KernelSize, cfg.KernelSize)
	assert.Equal(t, def.Sigma, cfg.Sigma)
	assert.Equal(t, def.Plates, cfg.Plates)
	assert.Equal(t, def.ProbeTimeout, cfg.ProbeTimeout)
	assert.Equal(t, video.BackendFFmpeg, cfg.Decoder)
	assert.Zero(t, cfg.OutputWidth)
}

func TestValidateJobFlags(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr bool
		check   func(t *testing.T, cfg job.Config)
	}{
		{
			name: "Overlay without blurring",
			mutate: func(o *Options) {
				o.Overlay = true
				o.KeepOriginal = true
			},
			check: func(t *testing.T, cfg job.Config) {
				assert.True(t, cfg.Overlay)
				assert.False(t, cfg.Depersonalize)
			},
		},
		{
			name:   "Recognizer plate box",
			mutate: func(o *Options) { o.PlateBox = "recognizer" },
			check: func(t *testing.T, cfg job.Config) {
				assert.Equal(t, detect.BoxRecognizer, cfg.Plates.Box)
			},
		},
		{
			name:   "Output size",
			mutate: func(o *Options) { o.OutputSize = "1280x720" },
			check: func(t *testing.T, cfg job.Config) {
				assert.Equal(t, 1280, cfg.OutputWidth)
				assert.Equal(t, 720, cfg.OutputHeight)
			},
		},
		{
			name:   "OpenCV backends",
			mutate: func(o *Options) { o.Decoder, o.Encoder = "opencv", "opencv" },
			check: func(t *testing.T, cfg job.Config) {
				assert.Equal(t, video.BackendOpenCV, cfg.Decoder)
				assert.Equal(t, video.BackendOpenCV, cfg.Encoder)
			},
		},
		{name: "Zero sample interval", mutate: func(o *Options) { o.SampleInterval = 0 }, wantErr: true},
		{name: "Zero thumbnail interval", mutate: func(o *Options) { o.ThumbnailInterval = 0 }, wantErr: true},
		{name: "Even blur kernel", mutate: func(o *Options) { o.BlurKernel = 98 }, wantErr: true},
		{name: "Unknown plate box", mutate: func(o *Options) { o.PlateBox = "polygon" }, wantErr: true},
		{name: "Empty aspect range", mutate: func(o *Options) { o.PlateMinAspect, o.PlateMaxAspect = 5, 2 }, wantErr: true},
		{name: "Confidence out of range", mutate: func(o *Options) { o.PlateMinConfidence = 1.5 }, wantErr: true},
		{name: "Unknown decoder", mutate: func(o *Options) { o.Decoder = "gstreamer" }, wantErr: true},
		{name: "Bad probe timeout", mutate: func(o *Options) { o.ProbeTimeout = "soon" }, wantErr: true},
		{name: "Bad worker timeout", mutate: func(o *Options) { o.WorkerTimeout = "forever" }, wantErr: true},
		{name: "Negative worker timeout", mutate: func(o *Options) { o.WorkerTimeout = "-1s" }, wantErr: true},
		{name: "No face detector", mutate: func(o *Options) { o.FaceModel, o.FaceWorker = "", "" }, wantErr: true},
		{name: "Bad output size", mutate: func(o *Options) { o.OutputSize = "1280" }, wantErr: true},
		{name: "Missing output dir", mutate: func(o *Options) { o.OutputDir = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quietStderr(t)
			opts := defaultOptions()
			tt.mutate(&opts)

			cfg, err := validateJobFlags(&opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		w, h    int
		wantErr bool
	}{
		{"", 0, 0, false},
		{"640x480", 640, 480, false},
		{"1920X1080", 1920, 1080, false},
		{"640", 0, 0, true},
		{"0x480", 0, 0, true},
		{"640x-1", 0, 0, true},
		{"axb", 0, 0, true},
	}
	for _, tt := range tests {
		w, h, err := parseSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.w, w, tt.in)
		assert.Equal(t, tt.h, h, tt.in)
	}
}

func TestWorkerTimeout(t *testing.T) {
	o := Options{WorkerTimeout: "2s"}
	d, err := o.workerTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
}

func TestValidateStreamFlags(t *testing.T) {
	id := int64(7)
	tests := []struct {
		name     string
		sources  []string
		srcName  string
		cameraID *int64
		wantErr  bool
	}{
		{name: "Single source", sources: []string{"rtsp://cam1/live"}},
		{name: "Single source with name and camera", sources: []string{"rtsp://cam1/live"}, srcName: "lobby", cameraID: &id},
		{name: "Several sources", sources: []string{"rtsp://cam1/live", "rtsp://cam2/live"}},
		{name: "No source", wantErr: true},
		{name: "Name with several sources", sources: []string{"rtsp://cam1/live", "rtsp://cam2/live"}, srcName: "lobby", wantErr: true},
		{name: "Camera with several sources", sources: []string{"rtsp://cam1/live", "rtsp://cam2/live"}, cameraID: &id, wantErr: true},
		{name: "Duplicate source", sources: []string{"rtsp://cam1/live", "rtsp://cam1/live"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStreamFlags(tt.sources, tt.srcName, tt.cameraID)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateProcessInput(t *testing.T) {
	dir := t.TempDir()
	file, err := os.CreateTemp(dir, "video*.mp4")
	require.NoError(t, err)
	file.Close()

	assert.NoError(t, validateProcessInput(file.Name()))
	assert.Error(t, validateProcessInput(dir), "directory")
	assert.Error(t, validateProcessInput(dir+"/missing.mp4"))
}

func TestDatabaseURLFromEnv(t *testing.T) {
	t.Run("Local default", func(t *testing.T) {
		t.Setenv("POSTGRES_HOST", "")
		assert.Equal(t, "postgres://localhost:5432/shroud", databaseURLFromEnv())
	})
	t.Run("Assembled from env", func(t *testing.T) {
		t.Setenv("POSTGRES_HOST", "db")
		t.Setenv("POSTGRES_USER", "shroud")
		t.Setenv("POSTGRES_PASSWORD", "secret")
		t.Setenv("POSTGRES_DB", "videos")
		t.Setenv("POSTGRES_PORT", "")
		assert.Equal(t, "postgres://shroud:secret@db:5432/videos", databaseURLFromEnv())
	})
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "JSON"} {
		l, err := newLogger("debug", format)
		require.NoError(t, err, format)
		assert.NotNil(t, l)
	}

	_, err := newLogger("loud", "text")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}

func TestPrintVideos(t *testing.T) {
	camera := int64(3)
	var buf bytes.Buffer
	printVideos(&buf, []store.VideoRecord{
		{
			ID:              1,
			SourceName:      "lobby",
			CameraID:        &camera,
			ProcessedFrames: 300,
			Faces:           4,
			Plates:          1,
			Duration:        10,
			StartedAt:       time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC),
			Filename:        "processed_lobby_20240309_140507.mp4",
		},
		{ID: 2, SourceName: "clip", Filename: "processed_clip_20240309_150000.mp4"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "SOURCE")
	assert.Contains(t, lines[2], "lobby")
	assert.Contains(t, lines[2], "00:00:10")
	assert.Contains(t, lines[2], "processed_lobby_20240309_140507.mp4")
	assert.Contains(t, lines[3], "-")
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, job.Status{
		ID:          uuid.MustParse("6f1c2d4e-8a9b-4c3d-9e2f-1a2b3c4d5e6f"),
		SourceName:  "lobby",
		State:       job.Running,
		TotalFrames: 900,
		Processed:   120,
		Faces:       2,
		OutputPath:  "data/output/processed_lobby_20240309_140507.mp4",
		StartedAt:   time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC),
	})

	out := buf.String()
	assert.Contains(t, out, "6f1c2d4e-8a9b-4c3d-9e2f-1a2b3c4d5e6f")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "120 / 900")
	assert.Contains(t, out, "processed_lobby_20240309_140507.mp4")
	assert.NotContains(t, out, "Ended:")
	assert.NotContains(t, out, "Camera:")
}

func TestProgressObserver(t *testing.T) {
	quietStderr(t)
	p := &progressObserver{}

	// Progress before Running is ignored
	assert.NotPanics(t, func() { p.OnProgress(job.Status{Processed: 1}) })

	p.OnState(job.Status{State: job.Running, TotalFrames: 10})
	require.NotNil(t, p.bar)
	p.OnProgress(job.Status{State: job.Running, Processed: 5})
	assert.Equal(t, int64(5), p.bar.State().CurrentNum)

	p.OnState(job.Status{State: job.Completed, Processed: 10})
}
