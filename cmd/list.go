package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/andresmejia3/reframer/internal/utils"
	"github.com/spf13/cobra"
)

var listJobs bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List analyzed videos (or recorded reframe jobs with --jobs)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if listJobs {
			return runListJobs(cmd.Context(), os.Stdout)
		}
		return runList(cmd.Context(), os.Stdout)
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJobs, "jobs", false, "List reframe jobs recorded in the database")
	rootCmd.AddCommand(listCmd)
}

// runList prefers the database index and falls back to the analysis directory.
func runList(ctx context.Context, out io.Writer) error {
	if DB != nil {
		analyses, err := DB.ListAnalyses(ctx)
		if err != nil {
			utils.ShowError("Failed to list analyses", err, nil)
			return err
		}
		if len(analyses) == 0 {
			fmt.Fprintln(out, "No analyses found in database.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "VIDEO ID\tPATH\tSTRATEGY\tASPECT\tFRAMES\tFAILED\tCREATED")
		fmt.Fprintln(w, "--------\t----\t--------\t------\t------\t------\t-------")
		for _, a := range analyses {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", shortID(a.VideoID), a.Path, a.Strategy, a.AspectRatio,
				a.FramesAnalyzed, a.FailedFrames, a.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	}

	store, err := analysis.NewStore(Cfg.StorageDir)
	if err != nil {
		utils.ShowError("Failed to open analysis storage", err, nil)
		return err
	}
	defer store.Close()
	return listDocuments(store, out)
}

func listDocuments(store *analysis.Store, out io.Writer) error {
	ids, err := store.List()
	if err != nil {
		utils.ShowError("Failed to list analyses", err, nil)
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "No analyses found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "VIDEO ID\tSIZE\tSTRATEGY\tASPECT\tFRAMES\tFAILED")
	fmt.Fprintln(w, "--------\t----\t--------\t------\t------\t------")
	for _, id := range ids {
		doc, err := store.LoadDocument(id)
		if err != nil {
			fmt.Fprintf(w, "%s\t?\t?\t?\t?\t?\n", shortID(id))
			continue
		}
		info, p, st := doc.Metadata.VideoInfo, doc.Metadata.AnalysisParams, doc.Metadata.ProcessingStats
		fmt.Fprintf(w, "%s\t%dx%d\t%s\t%s\t%d\t%d\n", shortID(id), info.Width, info.Height, p.Strategy, p.AspectRatio,
			st.TotalFramesAnalyzed, st.FailedFrames)
	}
	return w.Flush()
}

func runListJobs(ctx context.Context, out io.Writer) error {
	if DB == nil {
		err := fmt.Errorf("no database configured (use --db or REFRAMER_DB)")
		utils.ShowError("Job history needs the database", err, nil)
		return err
	}
	recorded, err := DB.ListJobs(ctx, 100)
	if err != nil {
		utils.ShowError("Failed to list jobs", err, nil)
		return err
	}
	if len(recorded) == 0 {
		fmt.Fprintln(out, "No jobs found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTATUS\tPROGRESS\tINPUT\tOUTPUT\tCREATED")
	fmt.Fprintln(w, "------\t------\t--------\t-----\t------\t-------")
	for _, j := range recorded {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\t%s\n", shortID(j.ID), j.Status, j.Progress, j.Request.VideoPath,
			j.OutputPath, j.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
