package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/cost"
	"github.com/sells-group/nurture-cli/internal/gateway"
	"github.com/sells-group/nurture-cli/internal/mail"
	"github.com/sells-group/nurture-cli/internal/monitoring"
	"github.com/sells-group/nurture-cli/internal/pipeline"
	"github.com/sells-group/nurture-cli/internal/resilience"
	"github.com/sells-group/nurture-cli/internal/schedule"
	"github.com/sells-group/nurture-cli/internal/send"
	"github.com/sells-group/nurture-cli/internal/store"
	"github.com/sells-group/nurture-cli/pkg/anthropic"
)

// appEnv holds the store and the engines a command needs. Engines not
// required by the command's mode are nil.
type appEnv struct {
	Store    store.Store
	Gateway  *gateway.Claude
	Campaign *pipeline.Orchestrator
	Sender   *send.Engine
	Alerter  *monitoring.Alerter
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode, opens and migrates the store and
// builds the engines mode uses. Callers should defer env.Close().
func initEnv(ctx context.Context, mode config.Mode) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Alerter: monitoring.NewAlerter(cfg.Monitoring)}

	if mode == config.ModeImport {
		return env, nil
	}

	prompts, err := pipeline.LoadPrompts(cfg.Campaign.PromptsFile)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Gateway = newGateway()

	if mode == config.ModeCampaign || mode == config.ModeServe {
		assigner, err := newAssigner(st)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Campaign = pipeline.New(cfg.Campaign, st, env.Gateway, assigner, prompts)
	}
	if mode == config.ModeSend || mode == config.ModeServe {
		env.Sender = send.New(cfg.Send, st, newTransport(), env.Gateway, prompts)
	}

	return env, nil
}

// openStore opens the configured store and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "nurture.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func newGateway() *gateway.Claude {
	g := cfg.Gateway

	var clientOpts []anthropic.ClientOption
	if cfg.Anthropic.BaseURL != "" {
		clientOpts = append(clientOpts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	client := anthropic.NewClient(cfg.Anthropic.Key, clientOpts...)

	breaker := resilience.DefaultCircuitBreakerConfig()
	if g.BreakerThreshold > 0 {
		breaker.FailureThreshold = g.BreakerThreshold
	}
	if g.BreakerResetSecs > 0 {
		breaker.ResetTimeout = time.Duration(g.BreakerResetSecs) * time.Second
	}

	temp := g.Temperature
	return gateway.New(client, gateway.Options{
		Model:             g.Model,
		MaxTokens:         g.MaxTokens,
		Temperature:       &temp,
		Concurrency:       g.Concurrency,
		RequestsPerMinute: g.RequestsPerMinute,
		BatchAPI:          g.BatchAPI,
		BatchMinSize:      g.BatchMinSize,
		PollInterval:      time.Duration(g.PollIntervalSecs) * time.Second,
		PollTimeout:       time.Duration(g.PollTimeoutMins) * time.Minute,
		CacheTTL:          g.CacheTTL,
		Retry:             retryConfig(g.MaxRetries),
		Breaker:           breaker,
	}, cost.NewCalculator(pricingRates(cfg.Pricing)))
}

// pricingRates overlays configured model prices on the defaults.
func pricingRates(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for name, mp := range p.Anthropic {
		rates.Anthropic[name] = cost.ModelRate(mp)
	}
	return rates
}

// retryConfig turns a retry count into a policy. Zero keeps the default.
func retryConfig(maxRetries int) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if maxRetries > 0 {
		rc.MaxAttempts = maxRetries + 1
	}
	return rc
}

func newTransport() *mail.SMTPTransport {
	s := cfg.SMTP
	return mail.NewSMTPTransport(mail.SMTPConfig{
		Addr:     s.Addr,
		Username: s.Username,
		Password: s.Password,
		TLS:      mail.TLSMode(s.TLS),
		From: mail.Sender{
			Name:    s.FromName,
			Address: s.FromAddress,
			ReplyTo: s.ReplyTo,
		},
		InsecureSkipVerify: s.InsecureSkipVerify,
	}, retryConfig(s.MaxRetries))
}

func newAssigner(st schedule.CursorStore) (*schedule.Assigner, error) {
	loc, err := cfg.Schedule.Location()
	if err != nil {
		return nil, err
	}
	calc := schedule.Calculator{
		Location:  loc,
		StartHour: cfg.Schedule.StartHour,
		EndHour:   cfg.Schedule.EndHour,
		Capacity:  cfg.Schedule.Capacity,
	}
	zap.L().Debug("schedule window",
		zap.String("timezone", loc.String()),
		zap.Int("start_hour", calc.StartHour),
		zap.Int("end_hour", calc.EndHour),
		zap.Int("capacity", calc.Capacity),
	)
	return schedule.NewAssigner(calc, st, nil), nil
}
