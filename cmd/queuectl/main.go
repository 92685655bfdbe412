package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"salequeue/internal/config"
	"salequeue/pkg/queueclient"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	var baseURL string
	var timeout time.Duration

	client := func() *queueclient.Client {
		return queueclient.New(baseURL, nil)
	}

	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Employee sale queue client",
		Long:          `queuectl talks to a queueserver: watch the sale window, join the line, inspect and cancel jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "url", cfg.URL, "queueserver base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", cfg.Timeout, "per-request timeout")

	root.AddCommand(
		SaleCmd(client),
		CheckCmd(client),
		JoinCmd(client),
		StatusCmd(client, &timeout),
		CancelCmd(client, &timeout),
		ProductCmd(client, &timeout),
		OrderCmd(client, &timeout),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
