package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/shroud/internal/cache"
	"github.com/andresmejia3/shroud/internal/job"
	"github.com/andresmejia3/shroud/internal/store"
	"github.com/andresmejia3/shroud/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of a running or finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", args[0], err)
		}
		return runStatus(cmd.Context(), id)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, id uuid.UUID) error {
	st, err := lookupStatus(ctx, id)
	if errors.Is(err, job.ErrJobNotFound) {
		fmt.Printf("No job %s found.\n", id)
		return err
	}
	if err != nil {
		utils.ShowError("Failed to look up job", err, nil)
		return err
	}
	printStatus(os.Stdout, st)
	return nil
}

// lookupStatus prefers the live Redis mirror and falls back to the stored record.
func lookupStatus(ctx context.Context, id uuid.UUID) (job.Status, error) {
	if Cache != nil {
		raw, found, err := Cache.GetJobStatus(ctx, id)
		if err != nil {
			logger.Warn("redis lookup failed, falling back to database", "job", id, "error", err)
		} else if found {
			return cache.DecodeStatus(raw)
		}
	}

	rec, err := DB.GetVideoByJobID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return job.Status{}, job.ErrJobNotFound
	}
	if err != nil {
		return job.Status{}, err
	}
	return job.StatusFromRecord(rec), nil
}

func printStatus(out io.Writer, st job.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", st.ID)
	fmt.Fprintf(w, "Source:\t%s\n", st.SourceName)
	if st.CameraID != nil {
		fmt.Fprintf(w, "Camera:\t%d\n", *st.CameraID)
	}
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	if st.Reason != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", st.Reason)
	}
	if st.TotalFrames > 0 {
		fmt.Fprintf(w, "Frames:\t%d / %d\n", st.Processed, st.TotalFrames)
	} else {
		fmt.Fprintf(w, "Frames:\t%d\n", st.Processed)
	}
	fmt.Fprintf(w, "Sampled:\t%d\n", st.Sampled)
	fmt.Fprintf(w, "Faces:\t%d\n", st.Faces)
	fmt.Fprintf(w, "Plates:\t%d\n", st.Plates)
	fmt.Fprintf(w, "Detection errors:\t%d\n", st.DetectionErrors)
	if st.OutputPath != "" {
		fmt.Fprintf(w, "Output:\t%s\n", st.OutputPath)
	}
	if st.Thumbnail != "" {
		fmt.Fprintf(w, "Thumbnail:\t%s\n", st.Thumbnail)
	}
	fmt.Fprintf(w, "Started:\t%s\n", st.StartedAt.Local().Format(time.DateTime))
	if !st.EndedAt.IsZero() {
		fmt.Fprintf(w, "Ended:\t%s\n", st.EndedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}
