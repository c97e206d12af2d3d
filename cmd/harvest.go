package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newHarvestCmd creates the 'harvest' subcommand, which fetches every
// configured source once and reports the outcome.
func newHarvestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Fetches all configured sources once",
		Long: `Runs one acquisition pass over the configured sources. Hosts are
fetched in parallel while requests to the same host stay sequential, and
host state is persisted as each host finishes.`,

		RunE: runHarvestCommand,
	}
	cmd.Flags().Bool("fail-on-error", false, "exit nonzero when any source stays unresolved")
	return cmd
}

func runHarvestCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	sources := appInstance.Sources()
	if len(sources) == 0 {
		logger.Warn("no sources configured, nothing to do")
		return nil
	}

	ctx := cmd.Context()
	if timeout := appInstance.RunTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	report := appInstance.Runner().Run(ctx, sources)
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("run hit the global deadline", zap.Error(ctx.Err()))
	}

	for _, failure := range report.Failures {
		logger.Warn("source unresolved",
			zap.String("source", failure.Source),
			zap.String("url", failure.URL),
			zap.Int("attempts", failure.Attempts),
			zap.String("error", failure.Err),
		)
	}
	logger.Info("harvest finished",
		zap.String("run_id", report.RunID),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("from_cache", report.FromCache),
	)

	failOnError, _ := cmd.Flags().GetBool("fail-on-error")
	if failOnError && report.Failed > 0 {
		return fmt.Errorf("%d of %d sources unresolved", report.Failed, len(sources))
	}
	return nil
}
