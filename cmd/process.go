package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/andresmejia3/shroud/internal/job"
	"github.com/andresmejia3/shroud/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	processOpts     Options
	processInput    string
	processName     string
	processCameraID int64
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Depersonalize a video file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		var cameraID *int64
		if cmd.Flags().Changed("camera-id") {
			cameraID = &processCameraID
		}
		return runProcess(cmd.Context(), processOpts, job.Request{Source: processInput, Name: processName, CameraID: cameraID})
	},
}

func init() {
	processCmd.Flags().StringVarP(&processInput, "input", "i", "", "Path to input video")
	processCmd.Flags().StringVar(&processName, "name", "", "Source name used for output files (default: input file name)")
	processCmd.Flags().Int64Var(&processCameraID, "camera-id", 0, "Camera id stored with the video record")
	addJobFlags(processCmd, &processOpts)

	processCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(processCmd)
}

// progressObserver draws a progress bar for a single file job.
type progressObserver struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func (p *progressObserver) OnState(s job.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch s.State {
	case job.Running:
		total := int64(s.TotalFrames)
		if total <= 0 {
			total = -1 // Trigger spinner mode
		}
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetDescription("🕶️  Depersonalizing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
	case job.Completed, job.Failed:
		if p.bar != nil {
			p.bar.Finish()
			fmt.Fprintln(os.Stderr)
		}
	}
}

func (p *progressObserver) OnProgress(s job.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Set(s.Processed)
	}
}

func validateProcessInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", path)
	}
	return nil
}

func runProcess(ctx context.Context, opts Options, req job.Request) error {
	if err := validateProcessInput(req.Source); err != nil {
		utils.ShowError("Invalid input", err, nil)
		return err
	}
	cfg, err := validateJobFlags(&opts)
	if err != nil {
		return err
	}

	runner := newRunner(opts, &progressObserver{})

	j, err := runner.StartFile(ctx, req, cfg)
	if err != nil {
		utils.ShowError("Failed to start processing", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing %s (job %s)\n", j.SourceName, j.ID)

	// Ctrl+C cancels the job through ctx; Outcome returns once it has finalized.
	outcome := j.Outcome()
	printOutcome(j, outcome)
	return nil
}
