package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/imagejobs/internal/api/dto"
	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		image        string
		filter       string
		intensity    int
		wait         bool
		pollInterval time.Duration
		waitTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an image transformation job",
		Example: `  jobctl submit --image uploads/cat.png --filter blur --intensity 70
  jobctl submit --image uploads/cat.png --filter grayscale --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromContext(cmd.Context())
			if err != nil {
				return err
			}

			req := dto.CreateJobRequest{ImagePath: image, Filter: filter}
			if cmd.Flags().Changed("intensity") {
				req.Intensity = &intensity
			}

			resp, err := client.Submit(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.Message, resp.JobID)

			if !wait {
				return nil
			}

			ctx := cmd.Context()
			if waitTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, waitTimeout)
				defer cancel()
			}

			job, err := client.Wait(ctx, resp.JobID, pollInterval)
			if err != nil {
				return err
			}
			renderJob(cmd.OutOrStdout(), job)
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "Path of the image to transform")
	cmd.Flags().StringVar(&filter, "filter", "", "Filter to apply")
	cmd.Flags().IntVar(&intensity, "intensity", 50, "Filter intensity (0-100)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job finishes")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "Status poll interval with --wait")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 5*time.Minute, "Give up waiting after this long")
	cmd.MarkFlagRequired("image")
	cmd.MarkFlagRequired("filter")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromContext(cmd.Context())
			if err != nil {
				return err
			}

			job, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var params ListParams

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"history"},
		Short:   "List jobs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromContext(cmd.Context())
			if err != nil {
				return err
			}

			resp, err := client.List(cmd.Context(), params)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			renderJobs(out, resp.Jobs)
			if resp.NextCursor != "" {
				fmt.Fprintf(out, "\nMore results: --cursor %s\n", resp.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&params.State, "state", "", "Only jobs in this state")
	cmd.Flags().StringVar(&params.Filter, "filter", "", "Only jobs using this filter")
	cmd.Flags().IntVar(&params.PageSize, "page-size", 20, "Jobs per page")
	cmd.Flags().StringVar(&params.Cursor, "cursor", "", "Continue from a previous page")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromContext(cmd.Context())
			if err != nil {
				return err
			}

			resp, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is now %s\n", resp.ID, stateLabel(resp.State))
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a finished job from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromContext(cmd.Context())
			if err != nil {
				return err
			}

			if err := client.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and service metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromContext(cmd.Context())
			if err != nil {
				return err
			}

			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			renderStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check API health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromContext(cmd.Context())
			if err != nil {
				return err
			}

			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s (up %s)\n", healthLabel(health.Status), formatUptime(health.Uptime))
			if health.Error != "" {
				fmt.Fprintf(out, "Error:  %s\n", health.Error)
				return fmt.Errorf("api is %s", health.Status)
			}
			return nil
		},
	}
}
