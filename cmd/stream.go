package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/shroud/internal/job"
	"github.com/andresmejia3/shroud/internal/utils"
	"github.com/spf13/cobra"
)

const shutdownGrace = 30 * time.Second

var (
	streamOpts     Options
	streamSources  []string
	streamName     string
	streamCameraID int64
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Depersonalize one or more live streams (RTSP/HTTP) until they end or Ctrl+C",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		var cameraID *int64
		if cmd.Flags().Changed("camera-id") {
			cameraID = &streamCameraID
		}
		return runStream(cmd.Context(), streamOpts, streamSources, streamName, cameraID)
	},
}

func init() {
	streamCmd.Flags().StringArrayVarP(&streamSources, "source", "s", nil, "Stream URL (repeat for several cameras)")
	streamCmd.Flags().StringVar(&streamName, "name", "", "Source name used for output files (single source only)")
	streamCmd.Flags().Int64Var(&streamCameraID, "camera-id", 0, "Camera id stored with the video record (single source only)")
	addJobFlags(streamCmd, &streamOpts)

	streamCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(streamCmd)
}

func validateStreamFlags(sources []string, name string, cameraID *int64) error {
	if len(sources) == 0 {
		return fmt.Errorf("at least one --source is required")
	}
	if len(sources) > 1 && (name != "" || cameraID != nil) {
		return fmt.Errorf("--name and --camera-id can only be used with a single --source")
	}
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		if seen[s] {
			return fmt.Errorf("duplicate --source %s", s)
		}
		seen[s] = true
	}
	return nil
}

func runStream(ctx context.Context, opts Options, sources []string, name string, cameraID *int64) error {
	if err := validateStreamFlags(sources, name, cameraID); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	cfg, err := validateJobFlags(&opts)
	if err != nil {
		return err
	}

	runner := newRunner(opts)

	var jobs []*job.Job
	for _, src := range sources {
		j, err := runner.StartStream(ctx, job.Request{Source: src, Name: name, CameraID: cameraID}, cfg)
		if err != nil {
			utils.ShowError(fmt.Sprintf("Failed to start stream %s", src), err, nil)
			continue
		}
		fmt.Fprintf(os.Stderr, "📡 Streaming %s (job %s)\n", j.SourceName, j.ID)
		jobs = append(jobs, j)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no stream could be started")
	}

	fmt.Fprintln(os.Stderr, "🛑 Press Ctrl+C to stop")

	// Jobs derive from ctx, so a signal cancels them all; we only have to wait.
	allDone := make(chan struct{})
	go func() {
		for _, j := range jobs {
			<-j.Done()
		}
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n⏳ Stopping streams, finalizing outputs...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := runner.Shutdown(shutdownCtx); err != nil {
			utils.ShowError("Some streams did not finish finalizing in time", err, nil)
			return err
		}
	}

	for _, j := range jobs {
		printOutcome(j, j.Outcome())
	}
	return nil
}

func printOutcome(j *job.Job, o job.Outcome) {
	st := j.Status()
	fmt.Fprintf(os.Stderr, "\n✅ %s finished (%s)\n", j.SourceName, o.Reason)
	fmt.Fprintf(os.Stderr, "   📼 Output:     %s\n", st.OutputPath)
	fmt.Fprintf(os.Stderr, "   🎞️  Frames:     %d (%d sampled, %d detection errors)\n", o.Stats.Processed, o.Stats.Sampled, o.Stats.DetectionErrors)
	fmt.Fprintf(os.Stderr, "   👤 Faces:      %d\n", o.Stats.Faces)
	fmt.Fprintf(os.Stderr, "   🚗 Plates:     %d\n", o.Stats.Plates)
	fmt.Fprintf(os.Stderr, "   ⏱️  Duration:   %s\n", utils.FmtTime(o.Duration))
	if o.RecordErr != nil {
		utils.ShowError("Video record was not saved", o.RecordErr, nil)
	}
}
