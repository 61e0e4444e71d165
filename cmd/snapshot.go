package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/shroud/internal/utils"
	"github.com/andresmejia3/shroud/internal/video"
	"github.com/spf13/cobra"
)

var (
	snapshotSource  string
	snapshotOutput  string
	snapshotDecoder string
	snapshotTimeout time.Duration
)

var snapshotCmd = &cobra.Command{
	Use:         "snapshot",
	Short:       "Grab a single JPEG frame from a stream or file",
	Annotations: map[string]string{skipDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSnapshot(cmd.Context(), snapshotSource, snapshotOutput)
	},
}

func init() {
	snapshotCmd.Flags().StringVarP(&snapshotSource, "source", "s", "", "Stream URL or video file")
	snapshotCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "snapshot.jpg", "Where to write the JPEG")
	snapshotCmd.Flags().StringVar(&snapshotDecoder, "decoder", string(video.BackendFFmpeg), "Frame decoder backend: ffmpeg, opencv")
	snapshotCmd.Flags().DurationVar(&snapshotTimeout, "timeout", 15*time.Second, "Give up if no frame arrives in time")

	snapshotCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(ctx context.Context, source, output string) error {
	backend, err := video.ParseBackend(snapshotDecoder)
	if err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	jpeg, err := video.CaptureSnapshot(ctx, source, video.Options{Backend: backend, ProbeTimeout: snapshotTimeout})
	if err != nil {
		utils.ShowError("Failed to capture snapshot", err, nil)
		return err
	}

	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(output, jpeg, 0644); err != nil {
		utils.ShowError("Failed to write snapshot", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📸 Saved %s (%d bytes)\n", output, len(jpeg))
	return nil
}
