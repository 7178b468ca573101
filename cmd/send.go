package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/send"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Deliver every due mail and generate missing follow-ups",
	Long: "Scans Running leads, sends each mail whose slot has passed in order, " +
		"and generates follow-up content that is still missing. Safe to run from cron: " +
		"a second invocation while one is in progress exits without doing anything.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeSend)
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := runSend(ctx, env)
		if summary != nil {
			if werr := writeJSON(os.Stdout, summary); werr != nil {
				return werr
			}
		}
		return err
	},
}

var sendsCmd = &cobra.Command{
	Use:   "sends",
	Short: "Inspect and prune the send log",
}

var sendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sends, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeImport)
		if err != nil {
			return err
		}
		defer env.Close()

		leadID, _ := cmd.Flags().GetString("lead")
		limit, _ := cmd.Flags().GetInt("limit")

		recs, err := env.Store.ListSends(ctx, leadID, limit)
		if err != nil {
			return eris.Wrap(err, "sends list")
		}
		return writeJSON(os.Stdout, recs)
	},
}

var sendsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete send records older than the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeImport)
		if err != nil {
			return err
		}
		defer env.Close()

		days, _ := cmd.Flags().GetInt("older-than-days")
		if days <= 0 {
			days = cfg.Send.RetentionDays
		}
		n, err := pruneSends(ctx, env, days, time.Now())
		if err != nil {
			return err
		}
		zap.L().Info("send log pruned", zap.Int("deleted", n), zap.Int("older_than_days", days))
		return nil
	},
}

// runSend performs one send invocation and raises alerts on its outcome.
func runSend(ctx context.Context, env *appEnv) (*send.Summary, error) {
	summary, err := env.Sender.Run(ctx)
	if err != nil {
		return summary, eris.Wrap(err, "send run")
	}
	if summary.Skipped {
		return summary, nil
	}

	zap.L().Info("send run complete",
		zap.Int("leads", summary.Leads),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("completed", summary.Completed),
		zap.Int("cascade_generated", summary.CascadeGenerated),
		zap.Int("cascade_failed", summary.CascadeFailed),
	)
	if alerts := env.Alerter.EvaluateSend(summary); len(alerts) > 0 {
		env.Alerter.SendAlerts(ctx, alerts)
	}
	return summary, nil
}

// pruneSends removes send records older than days. Zero or negative days
// keeps everything.
func pruneSends(ctx context.Context, env *appEnv, days int, now time.Time) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	n, err := env.Store.PruneSends(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		return 0, eris.Wrap(err, "prune sends")
	}
	return n, nil
}

func init() {
	sendsListCmd.Flags().String("lead", "", "only sends for this lead ID")
	sendsListCmd.Flags().Int("limit", 50, "max records to print (0 for all)")
	sendsPruneCmd.Flags().Int("older-than-days", 0, "retention window in days (default from config)")

	sendsCmd.AddCommand(sendsListCmd)
	sendsCmd.AddCommand(sendsPruneCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendsCmd)
}
