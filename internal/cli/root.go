// Package cli implements jobctl, a command line client for the jobs API.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultAPIURL  = "http://localhost:8080"
	defaultTimeout = 10 * time.Second
)

type contextKey string

const clientKey contextKey = "client"

// NewRootCmd builds the jobctl command tree. Flags can also be set through
// JOBCTL_ prefixed environment variables, e.g. JOBCTL_API_URL.
func NewRootCmd(out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("JOBCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "jobctl",
		Short:         "Image job queue client",
		Long:          `jobctl submits image transformation jobs and inspects their status, history and queue statistics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}

			apiURL := v.GetString("api-url")
			if apiURL == "" {
				return fmt.Errorf("api url must not be empty")
			}

			client := NewClient(apiURL, v.GetDuration("timeout"))
			cmd.SetContext(context.WithValue(cmd.Context(), clientKey, client))
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	rootCmd.PersistentFlags().String("api-url", defaultAPIURL, "Base URL of the jobs API")
	rootCmd.PersistentFlags().Duration("timeout", defaultTimeout, "HTTP request timeout")
	v.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	v.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	rootCmd.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newDeleteCmd(),
		newStatsCmd(),
		newHealthCmd(),
	)
	return rootCmd
}

// Execute runs jobctl against os.Args
func Execute() {
	rootCmd := NewRootCmd(os.Stdout)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func clientFromContext(ctx context.Context) (*Client, error) {
	client, ok := ctx.Value(clientKey).(*Client)
	if !ok || client == nil {
		return nil, fmt.Errorf("api client not initialized")
	}
	return client, nil
}
