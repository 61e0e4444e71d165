package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/shroud/internal/store"
	"github.com/andresmejia3/shroud/internal/utils"
	"github.com/spf13/cobra"
)

var videosLimit int

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "List processed videos stored in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runVideos(cmd.Context())
	},
}

func init() {
	videosCmd.Flags().IntVarP(&videosLimit, "limit", "l", 50, "Maximum number of videos to show (newest first)")
	rootCmd.AddCommand(videosCmd)
}

func runVideos(ctx context.Context) error {
	videos, err := DB.ListVideos(ctx, videosLimit)
	if err != nil {
		utils.ShowError("Failed to list videos", err, nil)
		return err
	}

	if len(videos) == 0 {
		fmt.Println("No videos found in database.")
		return nil
	}

	printVideos(os.Stdout, videos)
	return nil
}

func printVideos(out io.Writer, videos []store.VideoRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tCAMERA\tFRAMES\tFACES\tPLATES\tDURATION\tSTARTED\tFILE")
	fmt.Fprintln(w, "--\t------\t------\t------\t-----\t------\t--------\t-------\t----")

	for _, v := range videos {
		camera := "-"
		if v.CameraID != nil {
			camera = fmt.Sprint(*v.CameraID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			v.ID, v.SourceName, camera, v.ProcessedFrames, v.Faces, v.Plates,
			utils.FmtTime(v.Duration), v.StartedAt.Local().Format("2006-01-02 15:04"), v.Filename)
	}
	w.Flush()
}
