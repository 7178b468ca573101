package main

import (
	"context"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/monitoring"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run send, campaign, prune and health checks on timers",
	Long: "Runs the send engine every send.interval_mins and the campaign every " +
		"send.campaign_interval_mins (0 disables it), prunes the send log daily and " +
		"checks for stuck leads every monitoring.check_interval_secs. Use this instead of cron.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		return newScheduler(env, cfg).Run(ctx)
	},
}

// jobReport is the outcome of one job execution.
type jobReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// jobStatus is what the status endpoint reports per job.
type jobStatus struct {
	Running bool       `json:"running"`
	Last    *jobReport `json:"last,omitempty"`
}

// job runs one engine at most once at a time within this process.
type job struct {
	name    string
	fn      func(ctx context.Context) (any, error)
	running atomic.Bool

	mu   sync.Mutex
	last *jobReport
}

func newJob(name string, fn func(ctx context.Context) (any, error)) *job {
	return &job{name: name, fn: fn}
}

// Run executes the job synchronously. It returns false without running when
// the job is already in progress.
func (j *job) Run(ctx context.Context) bool {
	if !j.running.CompareAndSwap(false, true) {
		zap.L().Info("job already running, skipping", zap.String("job", j.name))
		return false
	}
	defer j.running.Store(false)
	j.execute(ctx)
	return true
}

// Trigger starts the job in the background. It returns false when the job is
// already in progress.
func (j *job) Trigger(ctx context.Context) bool {
	if !j.running.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer j.running.Store(false)
		j.execute(ctx)
	}()
	return true
}

func (j *job) execute(ctx context.Context) {
	rep := &jobReport{StartedAt: time.Now().UTC()}
	res, err := j.fn(ctx)
	rep.FinishedAt = time.Now().UTC()
	rep.Result = res
	if err != nil {
		rep.Error = err.Error()
		zap.L().Error("job failed", zap.String("job", j.name), zap.Error(err))
	}

	j.mu.Lock()
	j.last = rep
	j.mu.Unlock()
}

// Status reports whether the job is running and how it last ended.
func (j *job) Status() jobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return jobStatus{Running: j.running.Load(), Last: j.last}
}

// scheduler drives the engines from timers.
type scheduler struct {
	campaign *job
	send     *job
	prune    *job
	checker  *monitoring.Checker

	sendEvery     time.Duration
	campaignEvery time.Duration
	pruneEvery    time.Duration
}

func newScheduler(env *appEnv, c *config.Config) *scheduler {
	return &scheduler{
		campaign: newJob("campaign", func(ctx context.Context) (any, error) {
			return runCampaign(ctx, env)
		}),
		send: newJob("send", func(ctx context.Context) (any, error) {
			return runSend(ctx, env)
		}),
		prune: newJob("prune", func(ctx context.Context) (any, error) {
			n, err := pruneSends(ctx, env, c.Send.RetentionDays, time.Now())
			return map[string]int{"deleted": n}, err
		}),
		checker: monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			env.Alerter,
			c.Monitoring,
		),
		sendEvery:     time.Duration(c.Send.IntervalMins) * time.Minute,
		campaignEvery: time.Duration(c.Send.CampaignIntervalMins) * time.Minute,
		pruneEvery:    24 * time.Hour,
	}
}

// Run starts every enabled loop and blocks until ctx is cancelled.
func (s *scheduler) Run(ctx context.Context) error {
	zap.L().Info("scheduler starting",
		zap.Duration("send_every", s.sendEvery),
		zap.Duration("campaign_every", s.campaignEvery),
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, l := range []struct {
		job   *job
		every time.Duration
	}{
		{s.send, s.sendEvery},
		{s.campaign, s.campaignEvery},
		{s.prune, s.pruneEvery},
	} {
		if l.every <= 0 {
			zap.L().Info("scheduled job disabled", zap.String("job", l.job.name))
			continue
		}
		g.Go(func() error {
			every(ctx, l.every, func(ctx context.Context) { l.job.Run(ctx) })
			return nil
		})
	}
	g.Go(func() error {
		s.checker.Run(ctx)
		return nil
	})

	err := g.Wait()
	zap.L().Info("scheduler stopped")
	return err
}

// every calls fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
