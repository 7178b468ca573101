package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/pipeline"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Generate nurture content for unclaimed leads",
}

var campaignRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim eligible leads and generate profile, angles and the first mail",
	Long: "Claims every lead with the required inputs that has no status (or an errored Processing status), " +
		"processes them in batches through profile, angles and first-mail generation, assigns send slots " +
		"and moves successful leads to Running. Prints the run summary as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
			cfg.Campaign.BatchSize = n
		}
		if usd, _ := cmd.Flags().GetFloat64("max-cost"); usd > 0 {
			cfg.Campaign.MaxCostUSD = usd
		}

		env, err := initEnv(ctx, config.ModeCampaign)
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := runCampaign(ctx, env)
		if summary != nil {
			if werr := writeJSON(os.Stdout, summary); werr != nil {
				return werr
			}
		}
		return err
	},
}

// runCampaign performs one campaign run and raises alerts on its outcome.
func runCampaign(ctx context.Context, env *appEnv) (*pipeline.RunSummary, error) {
	summary, err := env.Campaign.Run(ctx)
	if err != nil {
		return summary, eris.Wrap(err, "campaign run")
	}
	if summary.Skipped {
		return summary, nil
	}

	zap.L().Info("campaign run complete",
		zap.Int("claimed", summary.Claimed),
		zap.Int("running", summary.Running),
		zap.Int("errored", summary.Errored),
		zap.Float64("cost_usd", summary.CostUSD),
		zap.Duration("duration", summary.Duration),
	)
	if alerts := env.Alerter.EvaluateCampaign(summary); len(alerts) > 0 {
		env.Alerter.SendAlerts(ctx, alerts)
	}
	return summary, nil
}

func init() {
	campaignRunCmd.Flags().Int("batch-size", 0, "leads per batch (default from config)")
	campaignRunCmd.Flags().Float64("max-cost", 0, "abort remaining batches once this run has spent this many USD (default from config)")
	campaignCmd.AddCommand(campaignRunCmd)
	rootCmd.AddCommand(campaignCmd)
}
