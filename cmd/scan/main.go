// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Scan command line tool.
//
// Runs mailbox scans synchronously without the API server, for seeding new
// deployments and for debugging parsers against a real mailbox.
//
// Usage:
//
//	go run ./cmd/scan run --account <id> [--from 2024-01-01] [--to 2024-07-01] [--type full|incremental]
//	go run ./cmd/scan parsers
//	go run ./cmd/scan status <job-id>
//	go run ./cmd/scan reap
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orderscan/ingestion/internal/app"
	"github.com/orderscan/ingestion/internal/config"
	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/scan"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "scan",
		Short:        "Scan mailboxes for purchase emails",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newParsersCmd(), newStatusCmd(), newReapCmd())
	return root
}

// withApp loads configuration, wires the components and calls fn. Logs go
// to stderr so command output stays parseable.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := app.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	ctx := cmd.Context()
	a, err := app.Build(ctx, cfg, logger, app.Options{LocalQueue: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRunCmd() *cobra.Command {
	var (
		accountID string
		from, to  string
		scanType  string
		query     string
		maxCount  int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scan job to completion and print its counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := scan.Options{
				ScanType:   models.ScanType(strings.ToLower(scanType)),
				Query:      query,
				MaxResults: maxCount,
			}
			var err error
			if opts.DateFrom, err = parseDate(from); err != nil {
				return err
			}
			if opts.DateTo, err = parseDate(to); err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				job, err := a.Service.StartScan(ctx, accountID, opts)
				if err != nil {
					return err
				}
				job, err = a.Runner.Run(ctx, job.ID)
				if job != nil {
					printJob(cmd.OutOrStdout(), job)
				}
				if err != nil {
					return err
				}
				if job.Status == models.JobFailed {
					return fmt.Errorf("scan failed: %s", job.LastError)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "email account ID (required)")
	cmd.Flags().StringVar(&from, "from", "", "only messages on or after this date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "only messages before this date")
	cmd.Flags().StringVar(&scanType, "type", string(models.ScanFull), "full or incremental")
	cmd.Flags().StringVar(&query, "query", "", "provider search query (default: retailer hints)")
	cmd.Flags().IntVar(&maxCount, "max", 0, "stop after this many messages (0 = no limit)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newParsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parsers",
		Short: "List the registered retailer parsers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app.App) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tDOMAINS")
				for _, p := range a.Service.ListParsers() {
					fmt.Fprintf(tw, "%s\t%s\n", p.Name, strings.Join(p.Domains, ","))
				}
				return tw.Flush()
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a scan job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				job, err := a.Service.GetScanStatus(ctx, args[0])
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail running jobs whose heartbeat is stale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.NewReaper().ReapOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reaped %d job(s)\n", n)
				return nil
			})
		},
	}
}

func printJob(w io.Writer, j *models.EmailScanJob) {
	fmt.Fprintf(w, "job:        %s\n", j.ID)
	fmt.Fprintf(w, "account:    %s\n", j.EmailAccountID)
	fmt.Fprintf(w, "status:     %s\n", j.Status)
	fmt.Fprintf(w, "found:      %d\n", j.EmailsFound)
	fmt.Fprintf(w, "processed:  %d\n", j.EmailsProcessed)
	fmt.Fprintf(w, "orders:     %d\n", j.OrdersCreated)
	fmt.Fprintf(w, "errors:     %d\n", j.ErrorsCount)
	if j.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", j.LastError)
	}
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", s)
}
